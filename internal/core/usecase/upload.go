package usecase

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
	"github.com/kirillkom/promo-price-tracker/internal/core/ports"
)

// StageBrochureUseCase keeps the original document and opens its Upload.
type StageBrochureUseCase struct {
	repo    ports.UploadRepository
	storage ports.ObjectStorage
	now     func() time.Time
}

func NewStageBrochureUseCase(repo ports.UploadRepository, storage ports.ObjectStorage) *StageBrochureUseCase {
	return &StageBrochureUseCase{
		repo:    repo,
		storage: storage,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (uc *StageBrochureUseCase) Stage(
	ctx context.Context,
	store domain.Store,
	fileName string,
	body io.Reader,
) (*domain.Upload, error) {
	if _, ok := domain.ParseStore(string(store)); !ok {
		return nil, domain.WrapError(domain.ErrInvalidInput, "stage brochure", fmt.Errorf("unknown store %q", store))
	}

	id := uuid.NewString()
	storageKey := fmt.Sprintf("uploads/%s_%s", id, sanitizeFilename(fileName))
	now := uc.now()

	if err := uc.storage.Save(ctx, storageKey, body); err != nil {
		return nil, fmt.Errorf("save to object storage: %w", err)
	}

	upload := &domain.Upload{
		ID:        id,
		Store:     store,
		FileName:  fileName,
		BlobPath:  storageKey,
		Status:    domain.UploadProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := uc.repo.Create(ctx, upload); err != nil {
		return nil, fmt.Errorf("create upload record: %w", err)
	}
	return upload, nil
}

func (uc *StageBrochureUseCase) GetByID(ctx context.Context, id string) (*domain.Upload, error) {
	return uc.repo.GetByID(ctx, id)
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." || base == "_" {
		return "brochure.pdf"
	}
	return base
}
