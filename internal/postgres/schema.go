package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema untuk cmd/seed; aplikasi asumsi tabel sudah ada.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS products (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	price_cents    BIGINT NOT NULL,
	stock_quantity INT NOT NULL CHECK (stock_quantity >= 0),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS orders (
	id           TEXT PRIMARY KEY,
	customer_id  TEXT NOT NULL,
	status       TEXT NOT NULL,
	total_cents  BIGINT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS order_items (
	order_id         TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
	product_id       TEXT NOT NULL,
	qty              INT NOT NULL,
	unit_price_cents BIGINT NOT NULL
);
`

func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, schemaDDL)
	return err
}
