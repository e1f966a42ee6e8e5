package inventory

import (
	"context"
	"errors"

	"github.com/commercehub/checkout/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger adalah satu-satunya jalur mutasi stock_quantity. Semua mutasi lewat
// satu statement conditional UPDATE (compare-and-swap di DB), bukan
// read-then-write, supaya stok tidak pernah negatif walau banyak instance.
type Ledger struct{ DB *pgxpool.Pool }

func (l *Ledger) GetProduct(ctx context.Context, id string) (*orders.Product, error) {
	var p orders.Product
	err := l.DB.QueryRow(ctx, `
		SELECT id, name, price_cents, stock_quantity, created_at, updated_at
		FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.Name, &p.PriceCents, &p.StockQuantity, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (l *Ledger) ListProducts(ctx context.Context) ([]orders.Product, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT id, name, price_cents, stock_quantity, created_at, updated_at
		FROM products ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Product
	for rows.Next() {
		var p orders.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.PriceCents, &p.StockQuantity, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Reserve: kurangi stok qty HANYA kalau stok cukup. Return false = not applied
// (stok kurang ATAU product tidak ada; caller bedakan via GetProduct).
func (l *Ledger) Reserve(ctx context.Context, productID string, qty int) (bool, error) {
	ct, err := l.DB.Exec(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity - $2, updated_at = now()
		WHERE id = $1 AND stock_quantity >= $2
	`, productID, qty)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// Adjust: delta positif = restock (unconditional), delta negatif = kurangi
// dengan guard non-negatif yang sama seperti Reserve.
func (l *Ledger) Adjust(ctx context.Context, productID string, delta int) (bool, error) {
	if delta < 0 {
		return l.Reserve(ctx, productID, -delta)
	}
	ct, err := l.DB.Exec(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + $2, updated_at = now()
		WHERE id = $1
	`, productID, delta)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// Release = kompensasi reservasi; nambah stok tidak mungkin melanggar invariant.
func (l *Ledger) Release(ctx context.Context, productID string, qty int) error {
	ok, err := l.Adjust(ctx, productID, qty)
	if err != nil {
		return err
	}
	if !ok {
		return orders.Errf(orders.KindNotFound, "product '%s' not found", productID)
	}
	return nil
}
