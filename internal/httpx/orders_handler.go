package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/commercehub/checkout/internal/checkout"
	"github.com/commercehub/checkout/internal/orders"
	"github.com/commercehub/checkout/internal/redisx"
	"github.com/go-chi/chi/v5"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
)

var validate = validatorv10.New()

type OrdersHandler struct {
	Svc   *checkout.Service
	Redis *redis.Client // optional read cache
}

type itemPayload struct {
	ProductID      string `json:"product_id" validate:"required"`
	Qty            int    `json:"qty" validate:"required,min=1"`
	UnitPriceCents int64  `json:"unit_price_cents" validate:"min=0"`
}

type checkoutRequest struct {
	CustomerID string        `json:"customer_id" validate:"required"`
	Items      []itemPayload `json:"items" validate:"required,min=1,dive"`
}

type updateOrderRequest struct {
	CustomerID string        `json:"customer_id" validate:"required"`
	Items      []itemPayload `json:"items" validate:"required,min=1,dive"`
	Status     string        `json:"status" validate:"required"`
	TotalCents int64         `json:"total_cents" validate:"min=0"`
}

type stockAdjustmentRequest struct {
	Quantity int `json:"quantity" validate:"required"`
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Post("/api/orders/checkout", h.postCheckout)
	r.Get("/api/orders/{id}", h.getOrder)
	r.Put("/api/orders/{id}", h.putOrder)
	r.Patch("/api/products/{id}/stock", h.patchStock)
	r.Get("/api/products", h.listProducts)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError mapping kind -> status; message dari error yang sudah classified.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch orders.KindOf(err) {
	case orders.KindValidation:
		code = http.StatusBadRequest
	case orders.KindNotFound:
		code = http.StatusNotFound
	case orders.KindConflict:
		code = http.StatusConflict
	case orders.KindDependency:
		code = http.StatusBadGateway
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// decodeValid: bind JSON + validasi tag. Return false = response 400 sudah ditulis.
func decodeValid(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	if err := validate.Struct(out); err != nil {
		fields := map[string]string{}
		if ve, ok := err.(validatorv10.ValidationErrors); ok {
			for _, fe := range ve {
				fields[fe.StructNamespace()] = fe.Tag()
			}
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": fields})
		return false
	}
	return true
}

func (h *OrdersHandler) postCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !decodeValid(w, r, &req) {
		return
	}

	in := checkout.CheckoutInput{CustomerID: req.CustomerID, Items: toItemInputs(req.Items)}
	o, err := h.Svc.Checkout(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}

	h.cacheOrder(r, o)
	w.Header().Set("Location", fmt.Sprintf("/api/orders/%s", o.ID))
	writeJSON(w, http.StatusCreated, o)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// 1) coba cache
	if h.Redis != nil {
		key := fmt.Sprintf(redisx.KeyOrder, id)
		if s, err := h.Redis.Get(r.Context(), key).Result(); err == nil && s != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(s))
			return
		}
	}

	// 2) fallback DB
	o, err := h.Svc.GetOrder(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	h.cacheOrder(r, o)
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) putOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateOrderRequest
	if !decodeValid(w, r, &req) {
		return
	}

	in := checkout.UpdateOrderInput{
		CustomerID: req.CustomerID,
		Items:      toItemInputs(req.Items),
		Status:     orders.Status(req.Status),
		TotalCents: req.TotalCents,
	}
	o, err := h.Svc.UpdateOrder(r.Context(), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	h.cacheOrder(r, o)
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) patchStock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req stockAdjustmentRequest
	if !decodeValid(w, r, &req) {
		return
	}

	adj, err := h.Svc.AdjustStock(r.Context(), id, req.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.Redis != nil {
		_ = h.Redis.Del(r.Context(), redisx.KeyProductList).Err()
	}
	writeJSON(w, http.StatusOK, adj)
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	if h.Redis != nil {
		if s, err := h.Redis.Get(r.Context(), redisx.KeyProductList).Result(); err == nil && s != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(s))
			return
		}
	}

	ps, err := h.Svc.ListProducts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if h.Redis != nil {
		if b, err := json.Marshal(ps); err == nil {
			_ = h.Redis.Set(r.Context(), redisx.KeyProductList, b, redisx.TTLProductCache).Err()
		}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *OrdersHandler) cacheOrder(r *http.Request, o *orders.Order) {
	if h.Redis == nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyOrder, o.ID)
	if b, err := json.Marshal(o); err == nil {
		_ = h.Redis.Set(r.Context(), key, b, redisx.TTLOrderCache).Err()
	}
}

func toItemInputs(items []itemPayload) []checkout.ItemInput {
	out := make([]checkout.ItemInput, 0, len(items))
	for _, it := range items {
		out = append(out, checkout.ItemInput{
			ProductID:      it.ProductID,
			Qty:            it.Qty,
			UnitPriceCents: it.UnitPriceCents,
		})
	}
	return out
}
