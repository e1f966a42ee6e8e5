package redisx

import "time"

const (
	// Cache order lengkap (JSON): order:{order_id}
	KeyOrder = "order:%s"

	// Cache katalog product list
	KeyProductList = "products:all"
)

var (
	TTLOrderCache   = 5 * time.Minute
	TTLProductCache = 30 * time.Second
)
