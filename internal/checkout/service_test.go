package checkout

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	kafkax "github.com/commercehub/checkout/internal/kafka"
	"github.com/commercehub/checkout/internal/orders"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

// fakeLedger meniru semantik conditional update: mutasi stok atomic di bawah
// mutex, tidak pernah negatif.
type fakeLedger struct {
	mu       sync.Mutex
	products map[string]*orders.Product

	reserveErr map[string]error // paksa error dependency per product
	releaseErr map[string]error

	releases []reservation // kompensasi yang tercatat (sukses maupun gagal)
}

func newFakeLedger(stock map[string]int) *fakeLedger {
	l := &fakeLedger{
		products:   map[string]*orders.Product{},
		reserveErr: map[string]error{},
		releaseErr: map[string]error{},
	}
	for id, s := range stock {
		l.products[id] = &orders.Product{
			ID:            id,
			Name:          "product " + id,
			PriceCents:    1000,
			StockQuantity: s,
			CreatedAt:     time.Now().UTC(),
			UpdatedAt:     time.Now().UTC(),
		}
	}
	return l
}

func (l *fakeLedger) stock(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.products[id]; ok {
		return p.StockQuantity
	}
	return -1
}

func (l *fakeLedger) GetProduct(_ context.Context, id string) (*orders.Product, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.products[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (l *fakeLedger) ListProducts(_ context.Context) ([]orders.Product, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]orders.Product, 0, len(l.products))
	for _, p := range l.products {
		out = append(out, *p)
	}
	return out, nil
}

func (l *fakeLedger) Reserve(_ context.Context, productID string, qty int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reserveErr[productID]; err != nil {
		return false, err
	}
	p, ok := l.products[productID]
	if !ok || p.StockQuantity < qty {
		return false, nil
	}
	p.StockQuantity -= qty
	return true, nil
}

func (l *fakeLedger) Adjust(_ context.Context, productID string, delta int) (bool, error) {
	if delta < 0 {
		return l.Reserve(context.Background(), productID, -delta)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.products[productID]
	if !ok {
		return false, nil
	}
	p.StockQuantity += delta
	return true, nil
}

func (l *fakeLedger) Release(_ context.Context, productID string, qty int) error {
	l.mu.Lock()
	l.releases = append(l.releases, reservation{productID: productID, qty: qty})
	err := l.releaseErr[productID]
	l.mu.Unlock()
	if err != nil {
		return err
	}
	_, aerr := l.Adjust(context.Background(), productID, qty)
	return aerr
}

type fakeStore struct {
	mu        sync.Mutex
	orders    map[string]*orders.Order
	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: map[string]*orders.Order{}}
}

func (s *fakeStore) Create(_ context.Context, o *orders.Order) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	now := time.Now().UTC()
	o.ID = uuid.NewString()
	o.CreatedAt = now
	o.UpdatedAt = now
	cp := *o
	s.orders[o.ID] = &cp
	return o, nil
}

func (s *fakeStore) GetByID(_ context.Context, id string) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, orders.Errf(orders.KindNotFound, "order '%s' not found", id)
	}
	cp := *o
	return &cp, nil
}

func (s *fakeStore) Replace(_ context.Context, id string, o *orders.Order) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[id]; !ok {
		return nil, orders.Errf(orders.KindNotFound, "order '%s' not found", id)
	}
	o.ID = id
	o.UpdatedAt = time.Now().UTC()
	cp := *o
	s.orders[id] = &cp
	return o, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

type published struct {
	key   []byte
	value []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *fakePublisher) Publish(key, value []byte, _ ...kafkago.Header) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{key: key, value: value})
}

func (p *fakePublisher) events(t *testing.T) []orders.Envelope {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]orders.Envelope, 0, len(p.msgs))
	for _, m := range p.msgs {
		var env orders.Envelope
		if err := kafkax.UnmarshalEnvelope(m.value, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func newService(l *fakeLedger, st *fakeStore, pub *fakePublisher) *Service {
	return &Service{Products: l, Orders: st, Producer: pub, ServiceName: "checkout-test"}
}

func wantKind(t *testing.T, err error, kind orders.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error of kind %d, got nil", kind)
	}
	if got := orders.KindOf(err); got != kind {
		t.Fatalf("expected kind %d, got %d (%v)", kind, got, err)
	}
}

func TestCheckoutSuccess(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"p1": 10})
	store := newFakeStore()
	pub := &fakePublisher{}
	svc := newService(ledger, store, pub)

	o, err := svc.Checkout(context.Background(), CheckoutInput{
		CustomerID: "cust-1",
		Items:      []ItemInput{{ProductID: "p1", Qty: 3, UnitPriceCents: 129999}},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if o.ID == "" {
		t.Fatal("order id not assigned")
	}
	if o.Status != orders.StatusPending {
		t.Fatalf("status = %s, want %s", o.Status, orders.StatusPending)
	}
	if o.TotalCents != 3*129999 {
		t.Fatalf("total = %d, want %d", o.TotalCents, 3*129999)
	}
	if got := ledger.stock("p1"); got != 7 {
		t.Fatalf("stock = %d, want 7", got)
	}

	evs := pub.events(t)
	if len(evs) != 1 {
		t.Fatalf("published %d events, want 1", len(evs))
	}
	env := evs[0]
	if env.EventType != orders.EventOrderCreated {
		t.Fatalf("event type = %s", env.EventType)
	}
	if env.CorrelationID != o.ID {
		t.Fatalf("correlation id = %s, want %s", env.CorrelationID, o.ID)
	}
	payload, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if payload.OrderID != o.ID || payload.CustomerID != "cust-1" || payload.TotalCents != o.TotalCents {
		t.Fatalf("payload mismatch: %+v", payload)
	}
	if len(payload.Items) != 1 || payload.Items[0].ProductID != "p1" || payload.Items[0].Qty != 3 {
		t.Fatalf("payload items mismatch: %+v", payload.Items)
	}
}

func TestCheckoutInsufficientStock(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"p1": 1})
	store := newFakeStore()
	pub := &fakePublisher{}
	svc := newService(ledger, store, pub)

	_, err := svc.Checkout(context.Background(), CheckoutInput{
		CustomerID: "cust-1",
		Items:      []ItemInput{{ProductID: "p1", Qty: 5, UnitPriceCents: 100}},
	})
	wantKind(t, err, orders.KindConflict)

	if got := ledger.stock("p1"); got != 1 {
		t.Fatalf("stock = %d, want 1", got)
	}
	if store.count() != 0 {
		t.Fatal("order should not be created")
	}
	if len(pub.events(t)) != 0 {
		t.Fatal("no events should be published")
	}
}

func TestCheckoutUnknownProductRollsBack(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"p1": 5})
	store := newFakeStore()
	pub := &fakePublisher{}
	svc := newService(ledger, store, pub)

	_, err := svc.Checkout(context.Background(), CheckoutInput{
		CustomerID: "cust-1",
		Items: []ItemInput{
			{ProductID: "p1", Qty: 2, UnitPriceCents: 100},
			{ProductID: "ghost", Qty: 1, UnitPriceCents: 100},
		},
	})
	wantKind(t, err, orders.KindNotFound)

	if got := ledger.stock("p1"); got != 5 {
		t.Fatalf("p1 stock = %d, want 5 (restored)", got)
	}
	if len(ledger.releases) != 1 || ledger.releases[0].productID != "p1" || ledger.releases[0].qty != 2 {
		t.Fatalf("releases = %+v", ledger.releases)
	}
	if store.count() != 0 {
		t.Fatal("order should not be created")
	}
	if len(pub.events(t)) != 0 {
		t.Fatal("no events should be published")
	}
}

func TestCheckoutValidation(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"p1": 5})
	svc := newService(ledger, newFakeStore(), &fakePublisher{})

	cases := []struct {
		name string
		in   CheckoutInput
	}{
		{"empty customer", CheckoutInput{Items: []ItemInput{{ProductID: "p1", Qty: 1}}}},
		{"empty cart", CheckoutInput{CustomerID: "c"}},
		{"zero qty", CheckoutInput{CustomerID: "c", Items: []ItemInput{{ProductID: "p1", Qty: 0, UnitPriceCents: 1}}}},
		{"negative price", CheckoutInput{CustomerID: "c", Items: []ItemInput{{ProductID: "p1", Qty: 1, UnitPriceCents: -1}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Checkout(context.Background(), tc.in)
			wantKind(t, err, orders.KindValidation)
		})
	}
	// validasi gagal sebelum mutasi apa pun
	if got := ledger.stock("p1"); got != 5 {
		t.Fatalf("stock = %d, want 5", got)
	}
	if len(ledger.releases) != 0 {
		t.Fatal("no compensation expected for validation failures")
	}
}

func TestCheckoutCreateOrderFailureCompensates(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"p1": 5, "p2": 5})
	store := newFakeStore()
	store.createErr = errors.New("db down")
	pub := &fakePublisher{}
	svc := newService(ledger, store, pub)

	_, err := svc.Checkout(context.Background(), CheckoutInput{
		CustomerID: "cust-1",
		Items: []ItemInput{
			{ProductID: "p1", Qty: 2, UnitPriceCents: 100},
			{ProductID: "p2", Qty: 3, UnitPriceCents: 100},
		},
	})
	wantKind(t, err, orders.KindDependency)

	if got := ledger.stock("p1"); got != 5 {
		t.Fatalf("p1 stock = %d, want 5", got)
	}
	if got := ledger.stock("p2"); got != 5 {
		t.Fatalf("p2 stock = %d, want 5", got)
	}
	if len(pub.events(t)) != 0 {
		t.Fatal("no events should be published")
	}
}

func TestCompensationContinuesPastFailedRelease(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"p1": 5, "p2": 5})
	ledger.releaseErr["p1"] = errors.New("ledger unreachable")
	store := newFakeStore()
	store.createErr = errors.New("db down")
	svc := newService(ledger, store, &fakePublisher{})

	_, err := svc.Checkout(context.Background(), CheckoutInput{
		CustomerID: "cust-1",
		Items: []ItemInput{
			{ProductID: "p1", Qty: 1, UnitPriceCents: 100},
			{ProductID: "p2", Qty: 2, UnitPriceCents: 100},
		},
	})
	wantKind(t, err, orders.KindDependency)

	// p1 release gagal -> stok tetap berkurang (accepted limitation),
	// tapi p2 tetap dikompensasi penuh.
	if got := ledger.stock("p1"); got != 4 {
		t.Fatalf("p1 stock = %d, want 4", got)
	}
	if got := ledger.stock("p2"); got != 5 {
		t.Fatalf("p2 stock = %d, want 5", got)
	}
	if len(ledger.releases) != 2 {
		t.Fatalf("releases attempted = %d, want 2", len(ledger.releases))
	}
}

func TestCheckoutConcurrentNeverOverdraws(t *testing.T) {
	const stock = 10
	const attempts = 25
	ledger := newFakeLedger(map[string]int{"p1": stock})
	store := newFakeStore()
	svc := newService(ledger, store, &fakePublisher{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Checkout(context.Background(), CheckoutInput{
				CustomerID: "cust",
				Items:      []ItemInput{{ProductID: "p1", Qty: 1, UnitPriceCents: 100}},
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != stock {
		t.Fatalf("succeeded = %d, want %d", succeeded, stock)
	}
	if got := ledger.stock("p1"); got != 0 {
		t.Fatalf("stock = %d, want 0", got)
	}
	if store.count() != stock {
		t.Fatalf("orders created = %d, want %d", store.count(), stock)
	}
}

func TestReleaseThenReserveRoundTrip(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"p1": 10})

	ok, err := ledger.Reserve(context.Background(), "p1", 4)
	if err != nil || !ok {
		t.Fatalf("reserve: ok=%v err=%v", ok, err)
	}
	if err := ledger.Release(context.Background(), "p1", 4); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := ledger.stock("p1"); got != 10 {
		t.Fatalf("stock = %d, want 10", got)
	}
}

func TestAdjustStockWouldGoNegative(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"p1": 10})
	svc := newService(ledger, newFakeStore(), &fakePublisher{})

	_, err := svc.AdjustStock(context.Background(), "p1", -100)
	wantKind(t, err, orders.KindConflict)
	if got := ledger.stock("p1"); got != 10 {
		t.Fatalf("stock = %d, want 10", got)
	}
}

func TestAdjustStockRestock(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"p1": 10})
	svc := newService(ledger, newFakeStore(), &fakePublisher{})

	adj, err := svc.AdjustStock(context.Background(), "p1", 15)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if adj.PreviousStock != 10 || adj.Adjustment != 15 || adj.NewStock != 25 {
		t.Fatalf("adjustment = %+v", adj)
	}
}

func TestAdjustStockUnknownProduct(t *testing.T) {
	svc := newService(newFakeLedger(nil), newFakeStore(), &fakePublisher{})
	_, err := svc.AdjustStock(context.Background(), "ghost", 5)
	wantKind(t, err, orders.KindNotFound)
}

func TestUpdateOrderShippedIsImmutable(t *testing.T) {
	ledger := newFakeLedger(map[string]int{"p1": 10})
	store := newFakeStore()
	svc := newService(ledger, store, &fakePublisher{})

	o, err := svc.Checkout(context.Background(), CheckoutInput{
		CustomerID: "cust-1",
		Items:      []ItemInput{{ProductID: "p1", Qty: 1, UnitPriceCents: 500}},
	})
	if err != nil {
		t.Fatal(err)
	}

	// mark shipped lewat update normal
	shipped, err := svc.UpdateOrder(context.Background(), o.ID, UpdateOrderInput{
		CustomerID: o.CustomerID,
		Items:      []ItemInput{{ProductID: "p1", Qty: 1, UnitPriceCents: 500}},
		Status:     orders.StatusShipped,
		TotalCents: o.TotalCents,
	})
	if err != nil {
		t.Fatalf("update to shipped: %v", err)
	}
	if shipped.CreatedAt != o.CreatedAt {
		t.Fatal("created_at must be preserved on update")
	}

	before, _ := store.GetByID(context.Background(), o.ID)

	_, err = svc.UpdateOrder(context.Background(), o.ID, UpdateOrderInput{
		CustomerID: "someone-else",
		Items:      []ItemInput{{ProductID: "p1", Qty: 99, UnitPriceCents: 1}},
		Status:     orders.StatusCancelled,
		TotalCents: 1,
	})
	wantKind(t, err, orders.KindConflict)

	after, _ := store.GetByID(context.Background(), o.ID)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("stored order changed: before=%+v after=%+v", before, after)
	}
}

func TestUpdateOrderNotFound(t *testing.T) {
	svc := newService(newFakeLedger(nil), newFakeStore(), &fakePublisher{})
	_, err := svc.UpdateOrder(context.Background(), "missing", UpdateOrderInput{
		CustomerID: "c",
		Status:     orders.StatusPending,
	})
	wantKind(t, err, orders.KindNotFound)
}

func TestUpdateOrderRejectsUnknownStatus(t *testing.T) {
	svc := newService(newFakeLedger(nil), newFakeStore(), &fakePublisher{})
	_, err := svc.UpdateOrder(context.Background(), "any", UpdateOrderInput{
		CustomerID: "c",
		Status:     orders.Status("TELEPORTED"),
	})
	wantKind(t, err, orders.KindValidation)
}

func TestGetOrderNotFound(t *testing.T) {
	svc := newService(newFakeLedger(nil), newFakeStore(), &fakePublisher{})
	_, err := svc.GetOrder(context.Background(), "missing")
	wantKind(t, err, orders.KindNotFound)
}
