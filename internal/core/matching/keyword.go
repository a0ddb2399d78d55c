// Package matching resolves free-text brochure labels to catalog products
// by keyword containment.
package matching

import (
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
)

const (
	// ConfidentThreshold is the lowest keyword score accepted without an
	// inference fallback.
	ConfidentThreshold = 0.7

	maxKeywordScore  = 0.95
	coverageBoosting = 1.5
)

type Catalog interface {
	Each(fn func(domain.CatalogEntry) bool)
}

// KeywordMatcher is pure and safe for concurrent use.
type KeywordMatcher struct {
	catalog Catalog
}

func NewKeywordMatcher(catalog Catalog) *KeywordMatcher {
	return &KeywordMatcher{catalog: catalog}
}

// Match returns the best scoring entry whose keyword occurs in the label.
// Ties keep the first maximum in catalog order, so reordering the catalog
// may change which of two equally scored products wins.
func (m *KeywordMatcher) Match(rawLabel string) (domain.KeywordMatch, bool) {
	label := normalizeLabel(rawLabel)
	labelLen := utf8.RuneCountInString(label)
	if labelLen == 0 {
		return domain.KeywordMatch{}, false
	}

	var best domain.KeywordMatch
	found := false
	m.catalog.Each(func(entry domain.CatalogEntry) bool {
		for _, keyword := range entry.Keywords {
			if keyword == "" || !strings.Contains(label, keyword) {
				continue
			}
			score := keywordScore(utf8.RuneCountInString(keyword), labelLen)
			if !found || score > best.Score {
				best = domain.KeywordMatch{ProductID: entry.ID, Keyword: keyword, Score: score}
				found = true
			}
		}
		return true
	})
	return best, found
}

func keywordScore(keywordLen, labelLen int) float64 {
	score := float64(keywordLen) / float64(labelLen) * coverageBoosting
	if score > maxKeywordScore {
		return maxKeywordScore
	}
	return score
}

func normalizeLabel(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
