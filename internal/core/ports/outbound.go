package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
)

// UploadRepository persists upload lifecycle state.
type UploadRepository interface {
	Create(ctx context.Context, upload *domain.Upload) error
	GetByID(ctx context.Context, id string) (*domain.Upload, error)
	UpdateStatus(ctx context.Context, id string, status domain.UploadStatus, productsFound *int, errMessage string) error
}

// CandidateRepository stores extracted candidates of one run as a single batch.
type CandidateRepository interface {
	InsertCandidates(ctx context.Context, uploadID string, candidates []domain.Candidate) error
}

// PriceRepository stores derived price records as a single batch.
type PriceRepository interface {
	InsertPrices(ctx context.Context, prices []domain.PriceRecord) error
}

// ObjectStorage keeps original brochure documents for retry.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// RetryQueue publishes/consumes retry requests.
type RetryQueue interface {
	PublishRetryRequested(ctx context.Context, uploadID string) error
	SubscribeRetryRequested(ctx context.Context, handler func(context.Context, string) error) error
}

// Rasterizer renders a document into page images.
type Rasterizer interface {
	Rasterize(ctx context.Context, document []byte, opts domain.RasterOptions, onProgress func(current, total int)) ([]domain.PageImage, error)
}

// CandidateExtractor turns page images into raw candidates.
type CandidateExtractor interface {
	ExtractCandidates(ctx context.Context, images []domain.PageImage, store domain.Store) ([]domain.Candidate, error)
}

// LabelMatcher resolves one label with the inference service.
type LabelMatcher interface {
	MatchLabel(ctx context.Context, rawLabel string, store domain.Store) (domain.LabelMatch, error)
}

// KeywordMatcher resolves a label offline.
type KeywordMatcher interface {
	Match(rawLabel string) (domain.KeywordMatch, bool)
}

// PriceValidator normalizes and bounds-checks price pairs.
type PriceValidator interface {
	Normalize(raw, promo *float64) (*float64, *float64)
	IsSuspicious(productID string, effective float64) bool
	Floor(productID string) float64
}

// Authenticator resolves a bearer token to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (domain.Principal, error)
}
