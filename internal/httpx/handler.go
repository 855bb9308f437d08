// Package httpx exposes the checkout saga over HTTP.
package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jcmexdev/checkout-sagas/internal/order"
	"github.com/jcmexdev/checkout-sagas/internal/saga"
)

// Handler handles incoming HTTP requests for the order domain.
type Handler struct {
	coordinator *saga.Coordinator
}

// NewHandler wires the handler over the saga coordinator.
func NewHandler(coordinator *saga.Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

// CreateOrder runs the saga synchronously and maps its outcome to HTTP.
// The X-Idempotency-Key header is mandatory: without it the exactly-once
// contract cannot hold across client retries.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	idempotencyKey, _ := r.Context().Value(ContextKeyIdempotencyKey).(string)
	if idempotencyKey == "" {
		writeError(w, http.StatusBadRequest, "idempotency_key_required", "set the "+HeaderIdempotencyKey+" header")
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	items := make([]saga.ItemRequest, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, saga.ItemRequest{
			ProductID: it.ProductID,
			Title:     it.Title,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}

	sagaReq := saga.CreateOrderRequest{
		CustomerID:         req.CustomerID,
		ShippingAddressRef: req.ShippingAddressRef,
		PaymentMethod:      req.PaymentMethod,
		Items:              items,
		IdempotencyKey:     idempotencyKey,
	}
	if req.TaxAmount != nil {
		sagaReq.TaxAmount = *req.TaxAmount
	}
	if req.ShippingAmount != nil {
		sagaReq.ShippingAmount = *req.ShippingAmount
	}

	slog.InfoContext(r.Context(), "creating order",
		"customer_id", req.CustomerID, "idempotency_key", idempotencyKey)

	result, err := h.coordinator.CreateOrder(r.Context(), sagaReq)
	if err != nil {
		writeSagaError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Pending {
		// PendingVerification: not an error. The caller polls GET /orders/{id}.
		status = http.StatusAccepted
	}
	writeJSON(w, status, orderResponse{
		OrderID:             result.OrderID,
		Status:              string(result.Status),
		TotalAmount:         result.TotalAmount.String(),
		PendingVerification: result.Pending,
	})
}

// GetOrder returns the current status and version of an order.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "order_id_required", "")
		return
	}

	o, err := h.coordinator.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order_not_found", orderID)
			return
		}
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, orderResponse{
		OrderID:     o.ID,
		Status:      string(o.Status),
		TotalAmount: o.TotalAmount.String(),
		Version:     o.Version,
	})
}

// writeSagaError maps the error taxonomy onto HTTP statuses.
func writeSagaError(w http.ResponseWriter, err error) {
	var validationErr *order.ValidationError
	var conflictErr *order.ConflictError
	var stockErr *order.InsufficientInventoryError
	var declinedErr *order.PaymentDeclinedError

	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, "validation_error", validationErr.Error())
	case errors.As(err, &conflictErr):
		writeError(w, http.StatusConflict, "idempotency_conflict", conflictErr.Error())
	case errors.Is(err, order.ErrStateConflict):
		writeError(w, http.StatusConflict, "state_conflict", err.Error())
	case errors.As(err, &stockErr):
		writeError(w, http.StatusUnprocessableEntity, "insufficient_inventory", stockErr.Error())
	case errors.As(err, &declinedErr):
		writeError(w, http.StatusPaymentRequired, "payment_declined", declinedErr.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}
