// Package catalog loads the immutable product catalog: canonical ids,
// keywords and price floors.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type file struct {
	AbsoluteMinPrice float64               `yaml:"absolute_min_price"`
	Products         []domain.CatalogEntry `yaml:"products"`
}

// Catalog is read-only after construction and safe for concurrent use.
type Catalog struct {
	entries          []domain.CatalogEntry
	byID             map[string]int
	absoluteMinPrice float64
}

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog file; an empty path means the embedded default.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode catalog yaml: %w", err)
	}
	return New(f.Products, f.AbsoluteMinPrice)
}

// New validates entries and builds a Catalog. Keywords are normalized to
// lowercase; entry order is preserved because keyword tie-breaks follow it.
func New(entries []domain.CatalogEntry, absoluteMinPrice float64) (*Catalog, error) {
	if absoluteMinPrice < 0 {
		return nil, errors.New("absolute_min_price must not be negative")
	}
	if len(entries) == 0 {
		return nil, errors.New("catalog has no products")
	}

	c := &Catalog{
		entries:          make([]domain.CatalogEntry, 0, len(entries)),
		byID:             make(map[string]int, len(entries)),
		absoluteMinPrice: absoluteMinPrice,
	}
	for i, entry := range entries {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			return nil, fmt.Errorf("product #%d: empty id", i)
		}
		if _, dup := c.byID[id]; dup {
			return nil, fmt.Errorf("product %q: duplicate id", id)
		}
		if entry.MinPlausiblePrice < 0 {
			return nil, fmt.Errorf("product %q: negative min_plausible_price", id)
		}

		keywords := make([]string, 0, len(entry.Keywords))
		for _, kw := range entry.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" {
				keywords = append(keywords, kw)
			}
		}
		if len(keywords) == 0 {
			return nil, fmt.Errorf("product %q: no keywords", id)
		}

		entry.ID = id
		entry.Keywords = keywords
		c.byID[id] = len(c.entries)
		c.entries = append(c.entries, entry)
	}
	return c, nil
}

// Entries returns a copy of all entries in catalog order.
func (c *Catalog) Entries() []domain.CatalogEntry {
	out := make([]domain.CatalogEntry, len(c.entries))
	for i, entry := range c.entries {
		entry.Keywords = append([]string(nil), entry.Keywords...)
		out[i] = entry
	}
	return out
}

// Each visits entries in catalog order without copying.
func (c *Catalog) Each(fn func(domain.CatalogEntry) bool) {
	for _, entry := range c.entries {
		if !fn(entry) {
			return
		}
	}
}

func (c *Catalog) Get(id string) (domain.CatalogEntry, bool) {
	idx, ok := c.byID[id]
	if !ok {
		return domain.CatalogEntry{}, false
	}
	return c.entries[idx], true
}

func (c *Catalog) Has(id string) bool {
	_, ok := c.byID[id]
	return ok
}

func (c *Catalog) Len() int {
	return len(c.entries)
}

func (c *Catalog) AbsoluteMinPrice() float64 {
	return c.absoluteMinPrice
}
