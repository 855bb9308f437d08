package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	idemsqlite "github.com/jcmexdev/checkout-sagas/internal/idempotency/sqlite"
	"github.com/jcmexdev/checkout-sagas/internal/inventory"
	ordersqlite "github.com/jcmexdev/checkout-sagas/internal/order/sqlite"
	"github.com/jcmexdev/checkout-sagas/internal/payment"
	"github.com/jcmexdev/checkout-sagas/internal/saga"
)

type serverEnv struct {
	router http.Handler
	inv    *inventory.StubClient
	pay    *payment.StubClient
}

func newServerEnv(t *testing.T, cfg saga.Config) *serverEnv {
	t.Helper()
	dir := t.TempDir()

	orders, err := ordersqlite.Open(filepath.Join(dir, "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = orders.Close() })

	idem, err := idemsqlite.Open(filepath.Join(dir, "idempotency.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idem.Close() })

	inv := inventory.NewStubClient(map[string]int{"bookA": 5, "bookB": 5})
	pay := payment.NewStubClient(decimal.Zero)

	coordinator := saga.NewCoordinator(orders, idem, inv, pay, cfg)
	return &serverEnv{
		router: NewRouter(NewHandler(coordinator)),
		inv:    inv,
		pay:    pay,
	}
}

const orderBody = `{
	"customer_id": "cust-1",
	"shipping_address_ref": "addr-1",
	"payment_method": "card",
	"items": [
		{"product_id": "bookA", "title": "Book A", "quantity": 2, "unit_price": "10"},
		{"product_id": "bookB", "title": "Book B", "quantity": 1, "unit_price": "15"}
	]
}`

func postOrder(env *serverEnv, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeOrder(t *testing.T, rec *httptest.ResponseRecorder) orderResponse {
	t.Helper()
	var resp orderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreateOrderRequiresIdempotencyKey(t *testing.T) {
	env := newServerEnv(t, saga.DefaultConfig())

	rec := postOrder(env, "", orderBody)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "idempotency_key_required", resp.Error)
}

func TestCreateOrderReturns201OnSuccess(t *testing.T) {
	env := newServerEnv(t, saga.DefaultConfig())

	rec := postOrder(env, "K1", orderBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	resp := decodeOrder(t, rec)
	require.NotEmpty(t, resp.OrderID)
	require.Equal(t, "CONFIRMED", resp.Status)
	require.Equal(t, "35", resp.TotalAmount)
	require.False(t, resp.PendingVerification)
}

func TestCreateOrderDuplicateKeyReturnsSameResponse(t *testing.T) {
	env := newServerEnv(t, saga.DefaultConfig())

	first := decodeOrder(t, postOrder(env, "K1", orderBody))

	rec := postOrder(env, "K1", orderBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	second := decodeOrder(t, rec)

	require.Equal(t, first.OrderID, second.OrderID)
	require.Equal(t, 1, env.pay.ChargeCalls("K1"))
}

func TestCreateOrderKeyReuseReturns409(t *testing.T) {
	env := newServerEnv(t, saga.DefaultConfig())

	require.Equal(t, http.StatusCreated, postOrder(env, "K1", orderBody).Code)

	other := strings.Replace(orderBody, `"quantity": 2`, `"quantity": 3`, 1)
	rec := postOrder(env, "K1", other)
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "idempotency_conflict", resp.Error)
}

func TestCreateOrderInsufficientStockReturns422(t *testing.T) {
	env := newServerEnv(t, saga.DefaultConfig())
	env.inv.SetStock("bookB", 0)

	rec := postOrder(env, "K1", orderBody)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "insufficient_inventory", resp.Error)
}

func TestCreateOrderDeclineReturns402(t *testing.T) {
	env := newServerEnv(t, saga.DefaultConfig())
	env.pay.DeclineNext("card_declined")

	rec := postOrder(env, "K1", orderBody)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "payment_declined", resp.Error)
	require.Contains(t, resp.Message, "card_declined")
}

func TestCreateOrderUnknownOutcomeReturns202(t *testing.T) {
	env := newServerEnv(t, saga.Config{ChargeTimeout: time.Second, ChargeRetries: 0})
	env.pay.HoldNext()

	rec := postOrder(env, "K1", orderBody)
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decodeOrder(t, rec)
	require.Equal(t, "CHARGING", resp.Status)
	require.True(t, resp.PendingVerification)
}

func TestCreateOrderValidationFailureReturns400(t *testing.T) {
	env := newServerEnv(t, saga.DefaultConfig())

	body := strings.Replace(orderBody, `"quantity": 2`, `"quantity": 0`, 1)
	rec := postOrder(env, "K1", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "validation_error", resp.Error)
}

func TestCreateOrderRejectsMalformedJSON(t *testing.T) {
	env := newServerEnv(t, saga.DefaultConfig())

	rec := postOrder(env, "K1", `{"customer_id": `)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetOrder(t *testing.T) {
	env := newServerEnv(t, saga.DefaultConfig())

	created := decodeOrder(t, postOrder(env, "K1", orderBody))

	req := httptest.NewRequest(http.MethodGet, "/orders/"+created.OrderID, nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeOrder(t, rec)
	require.Equal(t, created.OrderID, resp.OrderID)
	require.Equal(t, "CONFIRMED", resp.Status)
	require.Greater(t, resp.Version, int64(1))
}

func TestGetOrderUnknownIDReturns404(t *testing.T) {
	env := newServerEnv(t, saga.DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/orders/nope", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "order_not_found", resp.Error)
}
