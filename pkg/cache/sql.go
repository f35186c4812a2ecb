package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLStore persists entries through database/sql. One store instance
// owns one table (chat_cache or comparisons_cache); the *sql.DB comes
// from the shared pool and is not closed here.
type SQLStore struct {
	db      *sql.DB
	dialect string
	table   string
}

type cacheRow struct {
	QuestionHash string
	ParamsHash   string
	Question     string
	Party        string
	Payload      string
	Model        string
	TokensUsed   int
	ComputedAt   time.Time
}

const createCacheTableSQL = `
CREATE TABLE IF NOT EXISTS %[1]s (
    cache_key VARCHAR(255) NOT NULL,
    question_hash VARCHAR(64) NOT NULL,
    params_hash VARCHAR(64) NOT NULL,
    question TEXT,
    party VARCHAR(50),
    payload TEXT NOT NULL,
    model VARCHAR(255),
    tokens_used INTEGER NOT NULL,
    computed_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NULL,
    PRIMARY KEY (cache_key)
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_expires_at ON %[1]s(expires_at);
CREATE INDEX IF NOT EXISTS idx_%[1]s_question_hash ON %[1]s(question_hash);
`

// NewSQLStore creates a cache store over db for the given bucket. The
// schema is created if missing.
func NewSQLStore(db *sql.DB, dialect string, bucket string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if !bucketPattern.MatchString(bucket) {
		return nil, fmt.Errorf("invalid cache bucket name: %q", bucket)
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":

	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{
		db:      db,
		dialect: dialect,
		table:   bucket + "_cache",
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(createCacheTableSQL, s.table)); err != nil {
		return fmt.Errorf("failed to create %s table: %w", s.table, err)
	}

	return nil
}

// Get returns the entry under key. Expired entries are deleted on read
// and reported as a miss.
func (s *SQLStore) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	query := fmt.Sprintf(`
SELECT question_hash, params_hash, question, party, payload, model, tokens_used, computed_at, expires_at
FROM %s
WHERE cache_key = ?
`, s.table)
	if s.dialect == "postgres" {
		query = fmt.Sprintf(`
SELECT question_hash, params_hash, question, party, payload, model, tokens_used, computed_at, expires_at
FROM %s
WHERE cache_key = $1
`, s.table)
	}

	var row cacheRow
	var expiresAt sql.NullTime

	err := s.db.QueryRowContext(ctx, query, key.String()).Scan(
		&row.QuestionHash, &row.ParamsHash, &row.Question, &row.Party,
		&row.Payload, &row.Model, &row.TokensUsed, &row.ComputedAt, &expiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query cache entry: %w", err)
	}

	entry := &Entry{
		Key:        Key{Hash: row.QuestionHash, ParamsHash: row.ParamsHash},
		Question:   row.Question,
		Party:      row.Party,
		Payload:    json.RawMessage(row.Payload),
		Model:      row.Model,
		TokensUsed: row.TokensUsed,
		ComputedAt: row.ComputedAt,
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		entry.ExpiresAt = &t
	}

	if entry.Expired(time.Now()) {
		if err := s.Invalidate(ctx, key); err != nil {
			return nil, false, fmt.Errorf("failed to delete expired entry: %w", err)
		}
		return nil, false, nil
	}

	return entry, true, nil
}

// Put upserts the entry under its key, last write wins. A nil ttl
// stores the entry without expiry.
func (s *SQLStore) Put(ctx context.Context, entry Entry, ttl *time.Duration) error {
	if entry.Key.Hash == "" || entry.Key.ParamsHash == "" {
		return fmt.Errorf("cache key cannot be empty")
	}
	if entry.ComputedAt.IsZero() {
		entry.ComputedAt = time.Now()
	}

	var expiresAt interface{}
	if ttl != nil {
		expiresAt = entry.ComputedAt.Add(*ttl)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	deleteQuery := fmt.Sprintf(`DELETE FROM %s WHERE cache_key = ?`, s.table)
	if s.dialect == "postgres" {
		deleteQuery = fmt.Sprintf(`DELETE FROM %s WHERE cache_key = $1`, s.table)
	}

	if _, err = tx.ExecContext(ctx, deleteQuery, entry.Key.String()); err != nil {
		return fmt.Errorf("failed to replace cache entry: %w", err)
	}

	insertQuery := fmt.Sprintf(`
INSERT INTO %s (cache_key, question_hash, params_hash, question, party, payload, model, tokens_used, computed_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, s.table)
	if s.dialect == "postgres" {
		insertQuery = fmt.Sprintf(`
INSERT INTO %s (cache_key, question_hash, params_hash, question, party, payload, model, tokens_used, computed_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`, s.table)
	}

	_, err = tx.ExecContext(ctx, insertQuery,
		entry.Key.String(), entry.Key.Hash, entry.Key.ParamsHash,
		entry.Question, entry.Party, string(entry.Payload),
		entry.Model, entry.TokensUsed, entry.ComputedAt, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert cache entry: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Invalidate removes the entry under key.
func (s *SQLStore) Invalidate(ctx context.Context, key Key) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE cache_key = ?`, s.table)
	if s.dialect == "postgres" {
		query = fmt.Sprintf(`DELETE FROM %s WHERE cache_key = $1`, s.table)
	}

	if _, err := s.db.ExecContext(ctx, query, key.String()); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}

	return nil
}

// Cleanup removes all expired entries.
func (s *SQLStore) Cleanup(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at < ?`, s.table)
	if s.dialect == "postgres" {
		query = fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at < $1`, s.table)
	}

	res, err := s.db.ExecContext(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired entries: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted entries: %w", err)
	}

	return int(affected), nil
}

// Stats summarizes the table contents.
func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	query := fmt.Sprintf(`
SELECT
    COUNT(*),
    COALESCE(SUM(CASE WHEN expires_at IS NOT NULL AND expires_at < ? THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END), 0)
FROM %s
`, s.table)
	if s.dialect == "postgres" {
		query = fmt.Sprintf(`
SELECT
    COUNT(*),
    COALESCE(SUM(CASE WHEN expires_at IS NOT NULL AND expires_at < $1 THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END), 0)
FROM %s
`, s.table)
	}

	var stats Stats
	err := s.db.QueryRowContext(ctx, query, time.Now()).Scan(&stats.Total, &stats.Expired, &stats.NeverExpires)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query cache stats: %w", err)
	}

	return stats, nil
}

// Close is a no-op: the underlying connection belongs to the shared
// pool and is closed there.
func (s *SQLStore) Close() error {
	return nil
}

var _ Store = (*SQLStore)(nil)
