package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
)

const candidateColumns = 9

type CandidateRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewCandidateRepository(db *sql.DB) *CandidateRepository {
	return &CandidateRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// InsertCandidates writes the whole run in a single multi-row INSERT.
func (r *CandidateRepository) InsertCandidates(ctx context.Context, uploadID string, candidates []domain.Candidate) error {
	if len(candidates) == 0 {
		return nil
	}
	createdAt := r.now()
	args := make([]any, 0, len(candidates)*candidateColumns)
	for _, c := range candidates {
		args = append(args,
			c.ID, uploadID, c.RawName, nullFloat(c.RawPrice), nullString(c.RawUnit),
			nullFloat(c.PromoPrice), nullString(c.MappedProductID), c.Confidence, createdAt,
		)
	}

	query := `
INSERT INTO extracted_candidates (id, upload_id, raw_name, raw_price, raw_unit, promo_price, mapped_product_id, confidence, created_at)
VALUES ` + valuesClause(len(candidates), candidateColumns)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return domain.WrapError(domain.ErrPersistence, "insert extracted candidates", err)
	}
	return nil
}
