package ports

import (
	"context"
	"io"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
)

// BrochureStager stores an uploaded brochure and opens its Upload record.
type BrochureStager interface {
	Stage(ctx context.Context, store domain.Store, fileName string, body io.Reader) (*domain.Upload, error)
}

// BrochureIngestor runs the extraction pipeline for already rasterized pages.
type BrochureIngestor interface {
	Ingest(ctx context.Context, uploadID string, store domain.Store, images []domain.PageImage) (*domain.IngestResult, error)
}

// RetryRequester re-queues a failed upload.
type RetryRequester interface {
	RequestRetry(ctx context.Context, uploadID string) (*domain.Upload, error)
}

// RetryProcessor replays the pipeline from the stored document.
type RetryProcessor interface {
	ProcessRetry(ctx context.Context, uploadID string) (*domain.IngestResult, error)
}

// ProductMatcher is the inbound contract of the matching entrypoint.
type ProductMatcher interface {
	Match(ctx context.Context, rawName string, store domain.Store, useAI bool) (domain.MatchOutcome, error)
}

// UploadReader is the read model for upload state.
type UploadReader interface {
	GetByID(ctx context.Context, id string) (*domain.Upload, error)
}
