package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

const schemaLockID int64 = 2026101801

const schemaDDL = `
CREATE TABLE IF NOT EXISTS uploads (
	id TEXT PRIMARY KEY,
	store TEXT NOT NULL,
	file_name TEXT NOT NULL,
	file_path TEXT NOT NULL,
	status TEXT NOT NULL,
	products_found INTEGER,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_uploads_status ON uploads(status);
CREATE INDEX IF NOT EXISTS idx_uploads_created_at ON uploads(created_at DESC);

CREATE TABLE IF NOT EXISTS extracted_candidates (
	id TEXT PRIMARY KEY,
	upload_id TEXT NOT NULL REFERENCES uploads(id),
	raw_name TEXT NOT NULL,
	raw_price DOUBLE PRECISION,
	raw_unit TEXT,
	promo_price DOUBLE PRECISION,
	mapped_product_id TEXT,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_extracted_candidates_upload ON extracted_candidates(upload_id);

CREATE TABLE IF NOT EXISTS prices (
	id TEXT PRIMARY KEY,
	product_id TEXT NOT NULL,
	store TEXT NOT NULL,
	brand TEXT NOT NULL,
	price DOUBLE PRECISION NOT NULL,
	promo_price DOUBLE PRECISION,
	is_promo BOOLEAN NOT NULL DEFAULT FALSE,
	unit TEXT NOT NULL DEFAULT '',
	extracted_at TIMESTAMPTZ NOT NULL,
	brochure_id TEXT NOT NULL REFERENCES uploads(id)
);

CREATE INDEX IF NOT EXISTS idx_prices_product_store ON prices(product_id, store, extracted_at DESC);
CREATE INDEX IF NOT EXISTS idx_prices_brochure ON prices(brochure_id);
`

// EnsureSchema creates the upload, candidate and price tables.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// valuesClause renders "($1,$2),($3,$4)" for rows x cols parameters.
func valuesClause(rows, cols int) string {
	var b strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteByte(',')
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
