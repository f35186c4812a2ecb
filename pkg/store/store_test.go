package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicadata/plangob/pkg/config"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	dbCfg := &config.DatabaseConfig{
		Driver:   "sqlite",
		Database: filepath.Join(t.TempDir(), "registry.db"),
	}
	dbCfg.SetDefaults()

	pool := config.NewDBPool()
	t.Cleanup(func() { _ = pool.Close() })

	db, err := pool.Get(dbCfg)
	require.NoError(t, err)

	registry, err := NewRegistry(db, dbCfg.Dialect())
	require.NoError(t, err)
	return registry
}

func testDocument(docID, party string) *Document {
	return &Document{
		DocID:        docID,
		Party:        party,
		SourceURL:    "https://example.org/planes/" + docID + ".pdf",
		LocalPath:    "/var/lib/plangob/downloads/" + docID + ".pdf",
		PageCount:    142,
		SizeBytes:    2480133,
		ChunkCount:   377,
		Metadata:     map[string]string{"election": "2026"},
		DownloadedAt: time.Now().Add(-2 * time.Minute),
		ParsedAt:     time.Now().Add(-time.Minute),
	}
}

func TestRegistry_UpsertAndGet(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	stored, err := registry.Upsert(ctx, testDocument("pln-plan-2026", "pln"))
	require.NoError(t, err)

	_, err = uuid.Parse(stored.ID)
	require.NoError(t, err, "internal id should be a uuid")
	assert.False(t, stored.CreatedAt.IsZero())
	assert.False(t, stored.UpdatedAt.IsZero())

	got, err := registry.Get(ctx, "pln-plan-2026")
	require.NoError(t, err)

	assert.Equal(t, stored.ID, got.ID)
	assert.Equal(t, "pln-plan-2026", got.DocID)
	assert.Equal(t, "pln", got.Party)
	assert.Equal(t, "https://example.org/planes/pln-plan-2026.pdf", got.SourceURL)
	assert.Equal(t, 142, got.PageCount)
	assert.Equal(t, int64(2480133), got.SizeBytes)
	assert.Equal(t, 377, got.ChunkCount)
	assert.Equal(t, map[string]string{"election": "2026"}, got.Metadata)
	assert.WithinDuration(t, stored.DownloadedAt, got.DownloadedAt, time.Second)
	assert.WithinDuration(t, stored.ParsedAt, got.ParsedAt, time.Second)
}

func TestRegistry_UpsertPreservesIdentityAcrossReingestion(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	first, err := registry.Upsert(ctx, testDocument("pln-plan-2026", "pln"))
	require.NoError(t, err)

	reingested := testDocument("pln-plan-2026", "pln")
	reingested.PageCount = 150
	reingested.ChunkCount = 401
	reingested.Metadata = map[string]string{"election": "2026", "revision": "2"}

	second, err := registry.Upsert(ctx, reingested)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.WithinDuration(t, first.CreatedAt, second.CreatedAt, time.Second)
	assert.False(t, second.UpdatedAt.Before(first.UpdatedAt))

	got, err := registry.Get(ctx, "pln-plan-2026")
	require.NoError(t, err)
	assert.Equal(t, 150, got.PageCount)
	assert.Equal(t, 401, got.ChunkCount)
	assert.Equal(t, "2", got.Metadata["revision"])

	count, err := registry.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRegistry_GetMissing(t *testing.T) {
	registry := newTestRegistry(t)

	_, err := registry.Get(context.Background(), "nunca-ingresado")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRegistry_ListOrdersByPartyThenDocID(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	for _, doc := range []*Document{
		testDocument("pusc-plan-2026", "pusc"),
		testDocument("pln-plan-2026", "pln"),
		testDocument("fa-plan-2026", "fa"),
	} {
		_, err := registry.Upsert(ctx, doc)
		require.NoError(t, err)
	}

	docs, err := registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 3)

	assert.Equal(t, "fa-plan-2026", docs[0].DocID)
	assert.Equal(t, "pln-plan-2026", docs[1].DocID)
	assert.Equal(t, "pusc-plan-2026", docs[2].DocID)
}

func TestRegistry_Delete(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	_, err := registry.Upsert(ctx, testDocument("pln-plan-2026", "pln"))
	require.NoError(t, err)

	require.NoError(t, registry.Delete(ctx, "pln-plan-2026"))

	_, err = registry.Get(ctx, "pln-plan-2026")
	assert.True(t, errors.Is(err, ErrNotFound))

	err = registry.Delete(ctx, "pln-plan-2026")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRegistry_ZeroTimestampsRoundtripAsZero(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	doc := &Document{DocID: "pln-plan-2026", Party: "pln"}
	_, err := registry.Upsert(ctx, doc)
	require.NoError(t, err)

	got, err := registry.Get(ctx, "pln-plan-2026")
	require.NoError(t, err)
	assert.True(t, got.DownloadedAt.IsZero())
	assert.True(t, got.ParsedAt.IsZero())
	assert.Empty(t, got.Metadata)
}

func TestRegistry_UpsertValidation(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	_, err := registry.Upsert(ctx, nil)
	require.Error(t, err)

	_, err = registry.Upsert(ctx, &Document{Party: "pln"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "doc_id is required")

	_, err = registry.Upsert(ctx, &Document{DocID: "pln-plan-2026"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "party is required")
}

func TestNewRegistry_RequiresDB(t *testing.T) {
	_, err := NewRegistry(nil, "sqlite")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database connection is required")
}

func TestNewRegistry_UnsupportedDialect(t *testing.T) {
	dbCfg := &config.DatabaseConfig{
		Driver:   "sqlite",
		Database: filepath.Join(t.TempDir(), "registry.db"),
	}
	dbCfg.SetDefaults()

	pool := config.NewDBPool()
	defer pool.Close()

	db, err := pool.Get(dbCfg)
	require.NoError(t, err)

	_, err = NewRegistry(db, "oracle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported dialect")
}
