package postgres

import (
	"context"
	"database/sql"

	"github.com/kirillkom/promo-price-tracker/internal/core/domain"
)

const priceColumns = 10

type PriceRepository struct {
	db *sql.DB
}

func NewPriceRepository(db *sql.DB) *PriceRepository {
	return &PriceRepository{db: db}
}

func (r *PriceRepository) InsertPrices(ctx context.Context, prices []domain.PriceRecord) error {
	if len(prices) == 0 {
		return nil
	}
	args := make([]any, 0, len(prices)*priceColumns)
	for _, p := range prices {
		args = append(args,
			p.ID, p.ProductID, string(p.Store), p.Brand, p.Price,
			nullFloat(p.PromoPrice), p.IsPromo, p.Unit, p.ExtractedAt, p.BrochureID,
		)
	}

	query := `
INSERT INTO prices (id, product_id, store, brand, price, promo_price, is_promo, unit, extracted_at, brochure_id)
VALUES ` + valuesClause(len(prices), priceColumns)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return domain.WrapError(domain.ErrPersistence, "insert prices", err)
	}
	return nil
}
