package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
	"github.com/kirillkom/promo-price-tracker/internal/core/ports"
)

const (
	// mappingConfidentAt is the extraction-time confidence above which a
	// candidate's own mapping is kept without another lookup.
	mappingConfidentAt = 0.8
	keywordAcceptAt    = 0.7

	defaultMatchConcurrency = 4

	terminalWriteTimeout = 5 * time.Second
)

// CatalogUnits provides the unit fallback for derived price records.
type CatalogUnits interface {
	Get(id string) (domain.CatalogEntry, bool)
}

type IngestDeps struct {
	Uploads    ports.UploadRepository
	Candidates ports.CandidateRepository
	Prices     ports.PriceRepository
	Extractor  ports.CandidateExtractor
	Keywords   ports.KeywordMatcher
	Labels     ports.LabelMatcher
	Validator  ports.PriceValidator
	Catalog    CatalogUnits
	Observer   PipelineObserver
	Logger     *slog.Logger
	// MatchConcurrency caps in-flight fallback label lookups per run.
	MatchConcurrency int
}

// IngestBrochureUseCase runs extraction, validation, matching and
// persistence for one Upload.
type IngestBrochureUseCase struct {
	uploads          ports.UploadRepository
	candidates       ports.CandidateRepository
	prices           ports.PriceRepository
	extractor        ports.CandidateExtractor
	keywords         ports.KeywordMatcher
	labels           ports.LabelMatcher
	validator        ports.PriceValidator
	catalog          CatalogUnits
	observer         PipelineObserver
	logger           *slog.Logger
	matchConcurrency int
	now              func() time.Time
}

func NewIngestBrochureUseCase(deps IngestDeps) *IngestBrochureUseCase {
	if deps.Observer == nil {
		deps.Observer = noopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MatchConcurrency <= 0 {
		deps.MatchConcurrency = defaultMatchConcurrency
	}
	return &IngestBrochureUseCase{
		uploads:          deps.Uploads,
		candidates:       deps.Candidates,
		prices:           deps.Prices,
		extractor:        deps.Extractor,
		keywords:         deps.Keywords,
		labels:           deps.Labels,
		validator:        deps.Validator,
		catalog:          deps.Catalog,
		observer:         deps.Observer,
		logger:           deps.Logger,
		matchConcurrency: deps.MatchConcurrency,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

func (uc *IngestBrochureUseCase) Ingest(
	ctx context.Context,
	uploadID string,
	store domain.Store,
	images []domain.PageImage,
) (*domain.IngestResult, error) {
	upload, err := uc.uploads.GetByID(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("fetch upload by id: %w", err)
	}
	if upload.Store != store {
		return nil, domain.WrapError(
			domain.ErrInvalidInput,
			"ingest brochure",
			fmt.Errorf("store %q does not match upload store %q", store, upload.Store),
		)
	}
	if err := uc.markStatus(ctx, uploadID, domain.UploadProcessing, nil, ""); err != nil {
		return nil, fmt.Errorf("set status=processing: %w", err)
	}
	return uc.run(ctx, uploadID, store, images)
}

// run expects the upload to already be in processing and leaves it in a
// terminal state unless both terminal writes fail.
func (uc *IngestBrochureUseCase) run(
	ctx context.Context,
	uploadID string,
	store domain.Store,
	images []domain.PageImage,
) (*domain.IngestResult, error) {
	started := time.Now()
	uc.observer.RunStarted()
	logger := uc.logger.With("upload_id", uploadID, "store", string(store))
	logger.Info("ingest.run.start", "pages", len(images))

	result, err := uc.pipeline(ctx, logger, uploadID, store, images)
	if err != nil {
		uc.observer.RunFinished(domain.UploadFailed, time.Since(started))
		logger.Error("ingest.run.failed", "error", err, "duration_ms", time.Since(started).Milliseconds())
		if failErr := uc.markFailed(ctx, uploadID, err); failErr != nil {
			return nil, errors.Join(err, fmt.Errorf("mark failed status: %w", failErr))
		}
		return nil, err
	}

	if err := uc.markCompleted(ctx, uploadID, result.ProductsFound); err != nil {
		completeErr := fmt.Errorf("set status=completed: %w", err)
		uc.observer.RunFinished(domain.UploadFailed, time.Since(started))
		logger.Error("ingest.run.complete_write_failed", "error", completeErr)
		if failErr := uc.markFailed(ctx, uploadID, completeErr); failErr != nil {
			return nil, errors.Join(completeErr, fmt.Errorf("mark failed status: %w", failErr))
		}
		return nil, completeErr
	}
	uc.observer.RunFinished(domain.UploadCompleted, time.Since(started))
	logger.Info("ingest.run.completed",
		"products_found", result.ProductsFound,
		"prices_saved", result.PricesSaved,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return result, nil
}

func (uc *IngestBrochureUseCase) pipeline(
	ctx context.Context,
	logger *slog.Logger,
	uploadID string,
	store domain.Store,
	images []domain.PageImage,
) (*domain.IngestResult, error) {
	extracted, err := uc.extractor.ExtractCandidates(ctx, images, store)
	if err != nil {
		return nil, fmt.Errorf("extract candidates: %w", err)
	}
	logger.Info("ingest.extract.done", "candidates", len(extracted))

	accepted := uc.validate(logger, extracted)
	uc.resolve(ctx, logger, store, accepted)

	for i := range accepted {
		accepted[i].ID = uuid.NewString()
	}
	if err := uc.persistCandidates(ctx, uploadID, accepted); err != nil {
		return nil, err
	}

	records := uc.derivePrices(uploadID, store, accepted)
	if err := uc.persistPrices(ctx, records); err != nil {
		return nil, err
	}

	return &domain.IngestResult{
		UploadID:      uploadID,
		ProductsFound: len(accepted),
		Products:      accepted,
		PricesSaved:   len(records),
	}, nil
}

// validate normalizes every price pair and drops implausible candidates.
// Candidates without any price are kept; they cannot yield price records.
func (uc *IngestBrochureUseCase) validate(logger *slog.Logger, extracted []domain.Candidate) []domain.Candidate {
	accepted := make([]domain.Candidate, 0, len(extracted))
	for _, candidate := range extracted {
		candidate.RawPrice, candidate.PromoPrice = uc.validator.Normalize(candidate.RawPrice, candidate.PromoPrice)

		effective, ok := effectivePrice(candidate)
		if ok && uc.validator.IsSuspicious(candidate.MappedProductID, effective) {
			reason := "below_floor"
			if math.IsNaN(effective) || math.IsInf(effective, 0) {
				reason = "non_finite"
			}
			uc.observer.CandidateDropped(reason)
			logger.Warn("ingest.candidate.dropped",
				"raw_name", candidate.RawName,
				"product_id", candidate.MappedProductID,
				"effective_price", effective,
				"floor", uc.validator.Floor(candidate.MappedProductID),
				"reason", reason,
			)
			continue
		}
		accepted = append(accepted, candidate)
	}
	return accepted
}

// resolve improves weak mappings in place: keyword first, then the
// inference fallback with at most matchConcurrency calls in flight.
func (uc *IngestBrochureUseCase) resolve(ctx context.Context, logger *slog.Logger, store domain.Store, candidates []domain.Candidate) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(uc.matchConcurrency)

	for i := range candidates {
		candidate := &candidates[i]
		if candidate.MappedProductID != "" && candidate.Confidence >= mappingConfidentAt {
			continue
		}

		if match, ok := uc.keywords.Match(candidate.RawName); ok && match.Score >= keywordAcceptAt {
			candidate.MappedProductID = match.ProductID
			candidate.Confidence = match.Score
			uc.observer.CandidateMatched(domain.MatchKeyword)
			continue
		}

		group.Go(func() error {
			match, err := uc.labels.MatchLabel(groupCtx, candidate.RawName, store)
			if err != nil {
				logger.Warn("ingest.match.fallback_failed", "raw_name", candidate.RawName, "error", err)
				return nil
			}
			if match.ProductID == "" || match.Confidence <= candidate.Confidence {
				uc.observer.CandidateMatched(domain.MatchNone)
				return nil
			}
			candidate.MappedProductID = match.ProductID
			candidate.Confidence = match.Confidence
			uc.observer.CandidateMatched(domain.MatchAI)
			return nil
		})
	}
	// Lookups never return errors; failures mean no improvement.
	_ = group.Wait()
}

func (uc *IngestBrochureUseCase) derivePrices(uploadID string, store domain.Store, candidates []domain.Candidate) []domain.PriceRecord {
	extractedAt := uc.now()
	records := make([]domain.PriceRecord, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.MappedProductID == "" || candidate.RawPrice == nil {
			continue
		}
		record := domain.PriceRecord{
			ID:          uuid.NewString(),
			ProductID:   candidate.MappedProductID,
			Store:       store,
			Brand:       candidate.RawName,
			Price:       *candidate.RawPrice,
			Unit:        candidate.RawUnit,
			ExtractedAt: extractedAt,
			BrochureID:  uploadID,
		}
		if candidate.PromoPrice != nil && *candidate.PromoPrice != *candidate.RawPrice {
			promo := *candidate.PromoPrice
			record.PromoPrice = &promo
			record.IsPromo = true
		}
		if record.Unit == "" && uc.catalog != nil {
			if entry, ok := uc.catalog.Get(candidate.MappedProductID); ok {
				record.Unit = entry.Unit
			}
		}
		records = append(records, record)
	}
	return records
}

func (uc *IngestBrochureUseCase) persistCandidates(ctx context.Context, uploadID string, candidates []domain.Candidate) error {
	if len(candidates) == 0 {
		return nil
	}
	if err := uc.candidates.InsertCandidates(ctx, uploadID, candidates); err != nil {
		return domain.WrapError(domain.ErrPersistence, "insert candidates", err)
	}
	return nil
}

func (uc *IngestBrochureUseCase) persistPrices(ctx context.Context, records []domain.PriceRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := uc.prices.InsertPrices(ctx, records); err != nil {
		return domain.WrapError(domain.ErrPersistence, "insert prices", err)
	}
	return nil
}

func (uc *IngestBrochureUseCase) markStatus(ctx context.Context, uploadID string, status domain.UploadStatus, productsFound *int, errMessage string) error {
	return uc.uploads.UpdateStatus(ctx, uploadID, status, productsFound, errMessage)
}

func (uc *IngestBrochureUseCase) markCompleted(ctx context.Context, uploadID string, productsFound int) error {
	writeCtx, cancel := terminalContext(ctx)
	defer cancel()
	return uc.markStatus(writeCtx, uploadID, domain.UploadCompleted, &productsFound, "")
}

func (uc *IngestBrochureUseCase) markFailed(ctx context.Context, uploadID string, runErr error) error {
	writeCtx, cancel := terminalContext(ctx)
	defer cancel()
	return uc.markStatus(writeCtx, uploadID, domain.UploadFailed, nil, runErr.Error())
}

// terminalContext detaches terminal status writes from caller cancellation.
func terminalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
}

func effectivePrice(c domain.Candidate) (float64, bool) {
	if c.PromoPrice != nil {
		return *c.PromoPrice, true
	}
	if c.RawPrice != nil {
		return *c.RawPrice, true
	}
	return 0, false
}
