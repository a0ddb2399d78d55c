package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
)

type UploadRepository struct {
	db *sql.DB
}

func NewUploadRepository(db *sql.DB) *UploadRepository {
	return &UploadRepository{db: db}
}

func (r *UploadRepository) Create(ctx context.Context, upload *domain.Upload) error {
	var productsFound sql.NullInt64
	if upload.ProductsFound != nil {
		productsFound = sql.NullInt64{Int64: int64(*upload.ProductsFound), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO uploads (id, store, file_name, file_path, status, products_found, error_message, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`,
		upload.ID, string(upload.Store), upload.FileName, upload.BlobPath, string(upload.Status),
		productsFound, upload.Error, upload.CreatedAt, upload.UpdatedAt,
	)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "insert upload", err)
	}
	return nil
}

func (r *UploadRepository) GetByID(ctx context.Context, id string) (*domain.Upload, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, store, file_name, file_path, status, products_found, error_message, created_at, updated_at
FROM uploads
WHERE id = $1
`, id)

	var upload domain.Upload
	var store, status string
	var productsFound sql.NullInt64

	err := row.Scan(
		&upload.ID, &store, &upload.FileName, &upload.BlobPath, &status,
		&productsFound, &upload.Error, &upload.CreatedAt, &upload.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrUploadNotFound, "get upload", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan upload: %w", err)
	}

	upload.Store = domain.Store(store)
	upload.Status = domain.UploadStatus(status)
	if productsFound.Valid {
		n := int(productsFound.Int64)
		upload.ProductsFound = &n
	}
	return &upload, nil
}

// UpdateStatus overwrites products_found and error_message together with
// the status, so a new run clears what the previous one left.
func (r *UploadRepository) UpdateStatus(ctx context.Context, id string, status domain.UploadStatus, productsFound *int, errMessage string) error {
	var found sql.NullInt64
	if productsFound != nil {
		found = sql.NullInt64{Int64: int64(*productsFound), Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE uploads
SET status = $2, products_found = $3, error_message = $4, updated_at = $5
WHERE id = $1
`, id, string(status), found, errMessage, time.Now().UTC())
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "update upload status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update upload status rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrUploadNotFound, "update upload status", fmt.Errorf("id=%s", id))
	}
	return nil
}
