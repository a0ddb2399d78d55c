package domain

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// CatalogEntry is an immutable canonical product definition.
type CatalogEntry struct {
	ID                string   `json:"id" yaml:"id"`
	DisplayName       string   `json:"display_name" yaml:"display_name"`
	Keywords          []string `json:"keywords" yaml:"keywords"`
	Unit              string   `json:"unit" yaml:"unit"`
	Category          string   `json:"category" yaml:"category"`
	MinPlausiblePrice float64  `json:"min_plausible_price" yaml:"min_plausible_price"`
}

// PageImage is one rasterized brochure page.
type PageImage struct {
	Page     int    `json:"page"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"-"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

func (p PageImage) DataURL() string {
	mimeType := p.MimeType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
}

// ParseDataURL decodes an inline base64 image.
func ParseDataURL(page int, raw string) (PageImage, error) {
	const prefix = "data:"
	if !strings.HasPrefix(raw, prefix) {
		return PageImage{}, fmt.Errorf("page %d: missing data url prefix", page)
	}
	header, payload, ok := strings.Cut(strings.TrimPrefix(raw, prefix), ",")
	if !ok {
		return PageImage{}, fmt.Errorf("page %d: malformed data url", page)
	}
	mimeType, encoding, _ := strings.Cut(header, ";")
	if encoding != "base64" {
		return PageImage{}, fmt.Errorf("page %d: data url must be base64 encoded", page)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return PageImage{}, fmt.Errorf("page %d: unsupported media type %q", page, mimeType)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return PageImage{}, fmt.Errorf("page %d: decode base64: %w", page, err)
	}
	return PageImage{Page: page, MimeType: mimeType, Data: data}, nil
}

// Candidate is a raw product/price guess extracted from brochure pages.
// MappedProductID is empty while unresolved.
type Candidate struct {
	ID              string   `json:"id,omitempty"`
	RawName         string   `json:"raw_name"`
	RawPrice        *float64 `json:"raw_price"`
	PromoPrice      *float64 `json:"promo_price"`
	RawUnit         string   `json:"raw_unit"`
	MappedProductID string   `json:"mapped_product_id,omitempty"`
	Confidence      float64  `json:"confidence"`
}

func (c Candidate) HasPrice() bool {
	return c.RawPrice != nil || c.PromoPrice != nil
}

// PriceRecord is derived from an accepted, resolved Candidate.
type PriceRecord struct {
	ID          string    `json:"id"`
	ProductID   string    `json:"product_id"`
	Store       Store     `json:"store"`
	Brand       string    `json:"brand"`
	Price       float64   `json:"price"`
	PromoPrice  *float64  `json:"promo_price"`
	IsPromo     bool      `json:"is_promo"`
	Unit        string    `json:"unit"`
	ExtractedAt time.Time `json:"extracted_at"`
	BrochureID  string    `json:"brochure_id"`
}

type KeywordMatch struct {
	ProductID string
	Keyword   string
	Score     float64
}

// LabelMatch is the inference fallback result; ProductID is empty when the
// service could not map the label.
type LabelMatch struct {
	ProductID  string
	Confidence float64
}

type MatchMethod string

const (
	MatchKeyword         MatchMethod = "keyword"
	MatchAI              MatchMethod = "ai"
	MatchKeywordFallback MatchMethod = "keyword-fallback"
	MatchNone            MatchMethod = "none"
)

type MatchOutcome struct {
	ProductID  *string     `json:"productId"`
	Confidence float64     `json:"confidence"`
	Method     MatchMethod `json:"method"`
}

// IngestResult is returned by a completed run.
type IngestResult struct {
	UploadID      string      `json:"uploadId"`
	ProductsFound int         `json:"productsFound"`
	Products      []Candidate `json:"products"`
	PricesSaved   int         `json:"pricesSaved"`
}

// Principal is an authenticated caller.
type Principal struct {
	ID    string
	Roles []string
}

const RoleAdmin = "admin"

func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RasterOptions trades rendering quality for payload size.
type RasterOptions struct {
	MaxPages int
	// Scale multiplies the 72 dpi base resolution.
	Scale float64
	// Quality is the JPEG quality in 1..100.
	Quality int
}
