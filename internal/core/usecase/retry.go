package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
	"github.com/kirillkom/promo-price-tracker/internal/core/ports"
)

// maxDocumentBytes bounds how much of a stored brochure is read back.
const maxDocumentBytes = 64 << 20

// RetryUseCase replays the whole pipeline for a failed upload from its
// stored document. Previous candidate and price rows are kept; a retry
// appends a new set.
type RetryUseCase struct {
	uploads    ports.UploadRepository
	storage    ports.ObjectStorage
	queue      ports.RetryQueue
	rasterizer ports.Rasterizer
	ingest     *IngestBrochureUseCase
	raster     domain.RasterOptions
	logger     *slog.Logger
}

func NewRetryUseCase(
	uploads ports.UploadRepository,
	storage ports.ObjectStorage,
	queue ports.RetryQueue,
	rasterizer ports.Rasterizer,
	ingest *IngestBrochureUseCase,
	raster domain.RasterOptions,
	logger *slog.Logger,
) *RetryUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryUseCase{
		uploads:    uploads,
		storage:    storage,
		queue:      queue,
		rasterizer: rasterizer,
		ingest:     ingest,
		raster:     raster,
		logger:     logger,
	}
}

// RequestRetry enqueues a failed upload for replay. The upload stays failed
// until a worker picks the event up and moves it to processing, so a lost
// event never strands it in processing.
func (uc *RetryUseCase) RequestRetry(ctx context.Context, uploadID string) (*domain.Upload, error) {
	upload, err := uc.uploads.GetByID(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("fetch upload by id: %w", err)
	}
	if upload.Status != domain.UploadFailed {
		return nil, domain.WrapError(
			domain.ErrInvalidInput,
			"request retry",
			fmt.Errorf("upload %s is %s, only failed uploads can be retried", uploadID, upload.Status),
		)
	}

	if err := uc.queue.PublishRetryRequested(ctx, uploadID); err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "publish retry event", err)
	}

	uc.logger.Info("retry.requested", "upload_id", uploadID)
	return upload, nil
}

// ProcessRetry re-fetches the original document, re-rasterizes it and runs
// the ingestion pipeline again under the same upload id.
func (uc *RetryUseCase) ProcessRetry(ctx context.Context, uploadID string) (*domain.IngestResult, error) {
	upload, err := uc.uploads.GetByID(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("fetch upload by id: %w", err)
	}
	if err := uc.uploads.UpdateStatus(ctx, uploadID, domain.UploadProcessing, nil, ""); err != nil {
		return nil, fmt.Errorf("set status=processing: %w", err)
	}

	images, err := uc.rasterize(ctx, upload)
	if err != nil {
		uc.logger.Error("retry.rasterize.failed", "upload_id", uploadID, "error", err)
		if failErr := uc.ingest.markFailed(ctx, uploadID, err); failErr != nil {
			return nil, errors.Join(err, fmt.Errorf("mark failed status: %w", failErr))
		}
		return nil, err
	}

	return uc.ingest.run(ctx, uploadID, upload.Store, images)
}

func (uc *RetryUseCase) rasterize(ctx context.Context, upload *domain.Upload) ([]domain.PageImage, error) {
	rc, err := uc.storage.Open(ctx, upload.BlobPath)
	if err != nil {
		return nil, domain.WrapError(domain.ErrDocumentRead, "open stored document", err)
	}
	defer rc.Close()

	document, err := io.ReadAll(io.LimitReader(rc, maxDocumentBytes))
	if err != nil {
		return nil, domain.WrapError(domain.ErrDocumentRead, "read stored document", err)
	}

	images, err := uc.rasterizer.Rasterize(ctx, document, uc.raster, func(current, total int) {
		uc.logger.Debug("retry.rasterize.progress", "upload_id", upload.ID, "page", current, "total", total)
	})
	if err != nil {
		return nil, fmt.Errorf("rasterize document: %w", err)
	}
	if len(images) == 0 {
		return nil, domain.WrapError(domain.ErrDocumentRead, "rasterize document", errors.New("no pages rendered"))
	}
	return images, nil
}
