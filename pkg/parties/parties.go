// Package parties holds the party registry: static reference data
// seeded from configuration, read-only at runtime. Besides lookups it
// resolves free-text mentions ("PLN", "Liberación Nacional") to slugs,
// which the query pipeline uses to derive implicit party filters.
package parties

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/civicadata/plangob/pkg/config"
)

// Colors groups a party's brand colors.
type Colors struct {
	Primary   string `json:"primary,omitempty"`
	Secondary string `json:"secondary,omitempty"`
}

// Party is one political party.
type Party struct {
	Slug         string            `json:"slug"`
	Name         string            `json:"name"`
	Abbreviation string            `json:"abbreviation"`
	Colors       Colors            `json:"colors"`
	Website      string            `json:"website,omitempty"`
	PlanURL      string            `json:"plan_url,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Registry is the set of configured parties. It is immutable after
// construction; ordering follows the configuration.
type Registry struct {
	parties []Party
	bySlug  map[string]int
	byAlias map[string]string
}

// NewRegistry builds the registry from configuration. An empty list
// falls back to the built-in default parties.
func NewRegistry(cfgs []config.PartyConfig) (*Registry, error) {
	if len(cfgs) == 0 {
		cfgs = config.DefaultParties()
	}

	r := &Registry{
		bySlug:  make(map[string]int, len(cfgs)),
		byAlias: make(map[string]string, len(cfgs)*4),
	}

	for i := range cfgs {
		cfg := cfgs[i]
		cfg.SetDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("party %d: %w", i, err)
		}
		if _, exists := r.bySlug[cfg.Slug]; exists {
			return nil, fmt.Errorf("duplicate party slug %q", cfg.Slug)
		}

		p := Party{
			Slug:         cfg.Slug,
			Name:         cfg.Name,
			Abbreviation: cfg.Abbreviation,
			Colors:       Colors{Primary: cfg.Color, Secondary: cfg.ColorSecondary},
			Website:      cfg.Website,
			PlanURL:      cfg.PlanURL,
			Metadata:     cfg.Metadata,
		}

		r.bySlug[p.Slug] = len(r.parties)
		r.parties = append(r.parties, p)

		r.addAlias(p.Slug, p.Slug)
		r.addAlias(p.Abbreviation, p.Slug)
		r.addAlias(p.Name, p.Slug)
		// "Liberación Nacional" should resolve even though the official
		// name carries the "Partido" prefix.
		r.addAlias(strings.TrimPrefix(Fold(p.Name), "partido "), p.Slug)
	}

	return r, nil
}

// addAlias registers a folded alias. The first party to claim an alias
// keeps it, so configuration order decides ambiguous mentions.
func (r *Registry) addAlias(alias, slug string) {
	a := Fold(alias)
	if a == "" {
		return
	}
	if _, exists := r.byAlias[a]; !exists {
		r.byAlias[a] = slug
	}
}

// All returns the parties in configuration order.
func (r *Registry) All() []Party {
	out := make([]Party, len(r.parties))
	copy(out, r.parties)
	return out
}

// Get returns the party under slug.
func (r *Registry) Get(slug string) (Party, bool) {
	i, ok := r.bySlug[strings.ToLower(strings.TrimSpace(slug))]
	if !ok {
		return Party{}, false
	}
	return r.parties[i], true
}

// Slugs returns all slugs in configuration order.
func (r *Registry) Slugs() []string {
	slugs := make([]string, len(r.parties))
	for i, p := range r.parties {
		slugs[i] = p.Slug
	}
	return slugs
}

// Count returns the number of parties.
func (r *Registry) Count() int {
	return len(r.parties)
}

// Match resolves a free-text mention to a party slug. It accepts the
// slug, the abbreviation, the official name, and the name without its
// "Partido" prefix, all case and diacritic insensitive.
func (r *Registry) Match(term string) (string, bool) {
	slug, ok := r.byAlias[Fold(term)]
	return slug, ok
}

// MatchAll resolves a list of mentions to unique slugs in registry
// order. Unrecognized mentions are dropped.
func (r *Registry) MatchAll(terms []string) []string {
	matched := make(map[string]bool)
	for _, term := range terms {
		if slug, ok := r.Match(term); ok {
			matched[slug] = true
		}
	}
	if len(matched) == 0 {
		return nil
	}

	slugs := make([]string, 0, len(matched))
	for _, p := range r.parties {
		if matched[p.Slug] {
			slugs = append(slugs, p.Slug)
		}
	}
	return slugs
}

// Fold normalizes a mention for matching: NFD decomposition with
// combining marks stripped, Unicode lowercase, whitespace runs
// collapsed to single spaces.
func Fold(s string) string {
	decomposed := norm.NFD.String(s)

	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}

	return strings.Join(strings.Fields(b.String()), " ")
}
