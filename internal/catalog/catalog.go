package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Entry is one automatable calculator target from the scraped catalog.
type Entry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Slug     string `json:"slug"`
	URL      string `json:"url"`
}

type document struct {
	TotalCount  int     `json:"total_count"`
	Calculators []Entry `json:"calculators"`
}

// Catalog is an in-memory, read-only lookup over the scraped targets. It is
// loaded once at startup; all methods are safe for concurrent use.
type Catalog struct {
	baseURL string
	entries []Entry
	byID    map[string]Entry
	bySlug  map[string]Entry
}

// Load reads the catalog JSON produced by the offline scraper.
func Load(path, baseURL string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if len(doc.Calculators) == 0 {
		return nil, fmt.Errorf("catalog %s contains no entries", path)
	}

	c := &Catalog{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		entries: doc.Calculators,
		byID:    make(map[string]Entry, len(doc.Calculators)),
		bySlug:  make(map[string]Entry, len(doc.Calculators)),
	}
	for _, e := range doc.Calculators {
		if e.ID != "" {
			c.byID[e.ID] = e
		}
		if e.Slug != "" {
			c.bySlug[e.Slug] = e
		}
	}
	return c, nil
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// All returns every entry in catalog order.
func (c *Catalog) All() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// ByCategory groups entries by category, with category names sorted.
func (c *Catalog) ByCategory() (map[string][]Entry, []string) {
	groups := make(map[string][]Entry)
	for _, e := range c.entries {
		category := e.Category
		if category == "" {
			category = "Uncategorized"
		}
		groups[category] = append(groups[category], e)
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return groups, names
}

// Search finds entries whose name, category or slug contains the query,
// case-insensitively. The limit is clamped to 1..50 with a default of 10.
func (c *Catalog) Search(query string, limit int) []Entry {
	if limit <= 0 {
		limit = 10
	}
	if limit > 50 {
		limit = 50
	}

	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	var matches []Entry
	for _, e := range c.entries {
		if strings.Contains(strings.ToLower(e.Name), q) ||
			strings.Contains(strings.ToLower(e.Category), q) ||
			strings.Contains(strings.ToLower(e.Slug), q) {
			matches = append(matches, e)
			if len(matches) >= limit {
				break
			}
		}
	}
	return matches
}

// Lookup resolves an entry by numeric ID or slug.
func (c *Catalog) Lookup(idOrSlug string) (Entry, bool) {
	if e, ok := c.byID[idOrSlug]; ok {
		return e, true
	}
	e, ok := c.bySlug[idOrSlug]
	return e, ok
}

// URLFor returns the navigable URL for an ID or slug. Known entries use
// their catalog URL when present; unknown identifiers still produce a
// best-effort URL so callers can try targets the scrape missed.
func (c *Catalog) URLFor(idOrSlug string) string {
	if e, ok := c.Lookup(idOrSlug); ok && e.URL != "" {
		return e.URL
	}
	return fmt.Sprintf("%s/calc/%s", c.baseURL, idOrSlug)
}
