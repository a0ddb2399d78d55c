// Package pricing normalizes extracted price pairs and rejects implausible
// prices before they become visible price records.
package pricing

import (
	"fmt"
	"math"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
)

type Catalog interface {
	Get(id string) (domain.CatalogEntry, bool)
	AbsoluteMinPrice() float64
}

type Validator struct {
	catalog Catalog
}

func NewValidator(catalog Catalog) *Validator {
	return &Validator{catalog: catalog}
}

// Verdict explains an IsSuspicious decision for logs.
type Verdict struct {
	Suspicious bool
	Reason     string
	Floor      float64
}

// Normalize orders a (regular, promo) pair so that price >= promo. A lone
// promo price becomes the regular price.
func (v *Validator) Normalize(raw, promo *float64) (*float64, *float64) {
	return Normalize(raw, promo)
}

func Normalize(raw, promo *float64) (*float64, *float64) {
	switch {
	case raw == nil && promo == nil:
		return nil, nil
	case raw == nil:
		return ptr(*promo), nil
	case promo == nil:
		return ptr(*raw), nil
	case *raw < *promo:
		return ptr(*promo), ptr(*raw)
	default:
		return ptr(*raw), ptr(*promo)
	}
}

// EffectivePrice is the promo price if present, else the regular price.
func EffectivePrice(price, promo *float64) (float64, bool) {
	if promo != nil {
		return *promo, true
	}
	if price != nil {
		return *price, true
	}
	return 0, false
}

func (v *Validator) IsSuspicious(productID string, effective float64) bool {
	return v.Check(productID, effective).Suspicious
}

// Floor is the lowest plausible price for productID; unknown products fall
// back to the absolute floor.
func (v *Validator) Floor(productID string) float64 {
	floor := v.catalog.AbsoluteMinPrice()
	if productID == "" {
		return floor
	}
	if entry, ok := v.catalog.Get(productID); ok && entry.MinPlausiblePrice > floor {
		return entry.MinPlausiblePrice
	}
	return floor
}

func (v *Validator) Check(productID string, effective float64) Verdict {
	absolute := v.catalog.AbsoluteMinPrice()
	if math.IsNaN(effective) || math.IsInf(effective, 0) {
		return Verdict{Suspicious: true, Reason: "non-finite price", Floor: absolute}
	}
	if effective < absolute {
		return Verdict{
			Suspicious: true,
			Reason:     fmt.Sprintf("below absolute floor %.2f", absolute),
			Floor:      absolute,
		}
	}
	if productID == "" {
		return Verdict{Floor: absolute}
	}
	entry, ok := v.catalog.Get(productID)
	if !ok {
		return Verdict{Floor: absolute}
	}
	if effective < entry.MinPlausiblePrice {
		return Verdict{
			Suspicious: true,
			Reason:     fmt.Sprintf("below %s floor %.2f", productID, entry.MinPlausiblePrice),
			Floor:      entry.MinPlausiblePrice,
		}
	}
	return Verdict{Floor: math.Max(absolute, entry.MinPlausiblePrice)}
}

func ptr(v float64) *float64 {
	return &v
}
