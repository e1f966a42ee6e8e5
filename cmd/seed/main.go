package main

import (
	"context"
	"log"
	"time"

	"github.com/commercehub/checkout/internal/config"
	"github.com/commercehub/checkout/internal/postgres"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type seedProduct struct {
	name       string
	priceCents int64
	stock      int
}

var samples = []seedProduct{
	{name: "Laptop Pro 15", priceCents: 129999, stock: 50},
	{name: "Wireless Mouse", priceCents: 2999, stock: 200},
	{name: "USB-C Hub", priceCents: 4999, stock: 150},
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer db.Close()

	if err := postgres.EnsureSchema(ctx, db); err != nil {
		log.Fatalf("schema: %v", err)
	}

	for _, p := range samples {
		// skip kalau sudah pernah di-seed (match by name)
		var n int
		if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM products WHERE name=$1`, p.name).Scan(&n); err != nil {
			log.Fatalf("seed check: %v", err)
		}
		if n > 0 {
			continue
		}
		if _, err := db.Exec(ctx, `
			INSERT INTO products(id, name, price_cents, stock_quantity)
			VALUES ($1, $2, $3, $4)`,
			uuid.NewString(), p.name, p.priceCents, p.stock,
		); err != nil {
			log.Fatalf("seed insert: %v", err)
		}
		log.Printf("seeded product %q stock=%d", p.name, p.stock)
	}
	log.Println("seed done")
}
