package checkout

import (
	"context"
	"log"
	"strings"
	"time"

	kafkax "github.com/commercehub/checkout/internal/kafka"
	"github.com/commercehub/checkout/internal/orders"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

// Port ke collaborators; implementasi nyata di internal/inventory,
// internal/orders, internal/kafka. Test pakai fake in-memory.

type ProductLedger interface {
	GetProduct(ctx context.Context, id string) (*orders.Product, error)
	ListProducts(ctx context.Context) ([]orders.Product, error)
	Reserve(ctx context.Context, productID string, qty int) (bool, error)
	Adjust(ctx context.Context, productID string, delta int) (bool, error)
	Release(ctx context.Context, productID string, qty int) error
}

type OrderStore interface {
	Create(ctx context.Context, o *orders.Order) (*orders.Order, error)
	GetByID(ctx context.Context, id string) (*orders.Order, error)
	Replace(ctx context.Context, id string, o *orders.Order) (*orders.Order, error)
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type Service struct {
	Products    ProductLedger
	Orders      OrderStore
	Producer    Publisher
	ServiceName string
}

type ItemInput struct {
	ProductID      string `json:"product_id"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type CheckoutInput struct {
	CustomerID string      `json:"customer_id"`
	Items      []ItemInput `json:"items"`
}

type UpdateOrderInput struct {
	CustomerID string        `json:"customer_id"`
	Items      []ItemInput   `json:"items"`
	Status     orders.Status `json:"status"`
	TotalCents int64         `json:"total_cents"`
}

type StockAdjustment struct {
	ProductID     string `json:"product_id"`
	PreviousStock int    `json:"previous_stock"`
	Adjustment    int    `json:"adjustment"`
	NewStock      int    `json:"new_stock"`
}

// reservation: log langkah saga yang sudah sukses, dipakai untuk kompensasi.
type reservation struct {
	productID string
	qty       int
}

// Checkout menjalankan saga: reserve stok per item (urutan request), create
// order, publish event. Gagal di langkah mana pun -> semua reservasi attempt
// ini di-release dulu baru error dikembalikan.
func (s *Service) Checkout(ctx context.Context, in CheckoutInput) (*orders.Order, error) {
	if err := validateCheckout(in); err != nil {
		return nil, err
	}

	// Begitu reservasi pertama jalan, saga harus selesai atau dikompensasi.
	// Client disconnect tidak boleh meninggalkan reservasi yatim.
	mctx := context.WithoutCancel(ctx)

	reserved := make([]reservation, 0, len(in.Items))
	for _, it := range in.Items {
		p, err := s.Products.GetProduct(mctx, it.ProductID)
		if err != nil {
			s.rollback(mctx, reserved)
			return nil, orders.Wrap(orders.KindDependency, "product lookup failed", err)
		}
		if p == nil {
			s.rollback(mctx, reserved)
			return nil, orders.Errf(orders.KindNotFound, "product '%s' not found", it.ProductID)
		}

		ok, err := s.Products.Reserve(mctx, it.ProductID, it.Qty)
		if err != nil {
			s.rollback(mctx, reserved)
			return nil, orders.Wrap(orders.KindDependency, "stock reservation failed", err)
		}
		if !ok {
			s.rollback(mctx, reserved)
			return nil, orders.Errf(orders.KindConflict, "insufficient stock for product '%s'", it.ProductID)
		}
		reserved = append(reserved, reservation{productID: it.ProductID, qty: it.Qty})
	}

	items := toItems(in.Items)
	o := &orders.Order{
		CustomerID: in.CustomerID,
		Items:      items,
		Status:     orders.StatusPending,
		TotalCents: orders.Total(items),
	}
	created, err := s.Orders.Create(mctx, o)
	if err != nil {
		s.rollback(mctx, reserved)
		return nil, orders.Wrap(orders.KindDependency, "create order failed", err)
	}

	// Publish best-effort: order sudah durable, gagal publish tidak rollback.
	s.publishOrderCreated(created)

	return created, nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (*orders.Order, error) {
	o, err := s.Orders.GetByID(ctx, id)
	if err != nil {
		return nil, classify(err, "fetch order failed")
	}
	return o, nil
}

// UpdateOrder: full replacement. Order SHIPPED immutable lewat jalur ini.
// Tidak menyentuh inventory; stok urusan checkout saja.
func (s *Service) UpdateOrder(ctx context.Context, id string, in UpdateOrderInput) (*orders.Order, error) {
	if strings.TrimSpace(in.CustomerID) == "" {
		return nil, orders.Errf(orders.KindValidation, "customer_id is required")
	}
	if !orders.ValidStatus(in.Status) {
		return nil, orders.Errf(orders.KindValidation, "unknown status '%s'", in.Status)
	}

	existing, err := s.Orders.GetByID(ctx, id)
	if err != nil {
		return nil, classify(err, "fetch order failed")
	}
	if !existing.Status.Mutable() {
		return nil, orders.Errf(orders.KindConflict, "order '%s' has already been shipped", id)
	}

	o := &orders.Order{
		ID:         id,
		CustomerID: in.CustomerID,
		Items:      toItems(in.Items),
		Status:     in.Status,
		TotalCents: in.TotalCents,
		CreatedAt:  existing.CreatedAt, // dipertahankan
	}
	stored, err := s.Orders.Replace(ctx, id, o)
	if err != nil {
		return nil, classify(err, "update order failed")
	}
	return stored, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]orders.Product, error) {
	ps, err := s.Products.ListProducts(ctx)
	if err != nil {
		return nil, orders.Wrap(orders.KindDependency, "list products failed", err)
	}
	return ps, nil
}

// AdjustStock: restock / koreksi satu product, tanpa saga (single step).
func (s *Service) AdjustStock(ctx context.Context, productID string, delta int) (*StockAdjustment, error) {
	p, err := s.Products.GetProduct(ctx, productID)
	if err != nil {
		return nil, orders.Wrap(orders.KindDependency, "product lookup failed", err)
	}
	if p == nil {
		return nil, orders.Errf(orders.KindNotFound, "product '%s' not found", productID)
	}

	ok, err := s.Products.Adjust(ctx, productID, delta)
	if err != nil {
		return nil, orders.Wrap(orders.KindDependency, "stock adjustment failed", err)
	}
	if !ok {
		return nil, orders.Errf(orders.KindConflict, "stock adjustment would result in negative stock for product '%s'", productID)
	}

	newStock := p.StockQuantity + delta
	if after, err := s.Products.GetProduct(ctx, productID); err == nil && after != nil {
		newStock = after.StockQuantity
	}
	return &StockAdjustment{
		ProductID:     productID,
		PreviousStock: p.StockQuantity,
		Adjustment:    delta,
		NewStock:      newStock,
	}, nil
}

// rollback jalan sampai habis walau ada release yang gagal; yang gagal
// dicatat buat rekonsiliasi manual (stok jadi under-counted).
func (s *Service) rollback(ctx context.Context, reserved []reservation) {
	for _, r := range reserved {
		if err := s.Products.Release(ctx, r.productID, r.qty); err != nil {
			log.Printf("compensation failed: product=%s qty=%d err=%v", r.productID, r.qty, err)
		}
	}
}

func (s *Service) publishOrderCreated(o *orders.Order) {
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderCreated,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.ServiceName,
		CorrelationID: o.ID,
		Payload:       kafkax.MustMarshal(orders.NewOrderCreatedPayload(o)),
	}
	s.Producer.Publish(orders.PartitionKey(o.ID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderCreated)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func validateCheckout(in CheckoutInput) error {
	if strings.TrimSpace(in.CustomerID) == "" {
		return orders.Errf(orders.KindValidation, "customer_id is required")
	}
	if len(in.Items) == 0 {
		return orders.Errf(orders.KindValidation, "order must contain at least one item")
	}
	for _, it := range in.Items {
		if it.Qty <= 0 {
			return orders.Errf(orders.KindValidation, "qty for product '%s' must be greater than zero", it.ProductID)
		}
		if it.UnitPriceCents < 0 {
			return orders.Errf(orders.KindValidation, "unit price for product '%s' cannot be negative", it.ProductID)
		}
	}
	return nil
}

func toItems(in []ItemInput) []orders.Item {
	out := make([]orders.Item, 0, len(in))
	for _, it := range in {
		out = append(out, orders.Item{ProductID: it.ProductID, Qty: it.Qty, UnitPriceCents: it.UnitPriceCents})
	}
	return out
}

// classify: error domain yang sudah ber-kind lewat apa adanya, sisanya
// dibungkus KindDependency supaya tidak ada raw error nyebrang boundary.
func classify(err error, msg string) error {
	if orders.KindOf(err) != orders.KindUnknown {
		return err
	}
	return orders.Wrap(orders.KindDependency, msg, err)
}
