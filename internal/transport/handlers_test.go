package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mogipos/internal/catalog"
	"mogipos/internal/ledger"
	"mogipos/internal/logging"
	"mogipos/internal/metrics"
	"mogipos/internal/model"
	"mogipos/internal/report"
	"mogipos/internal/state"
	"mogipos/internal/state/statetest"
)

type testEnv struct {
	handler http.Handler
	store   *statetest.FlakyStore
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	st := statetest.NewFlaky(state.NewInMemoryStore())
	log := logging.Discard()
	mreg := metrics.NewRegistry()
	cat := catalog.NewManager(st, log, mreg)
	_, err := cat.SeedDefaults(context.Background())
	require.NoError(t, err)
	led := ledger.New(st, cat, ledger.WithLogger(log), ledger.WithMetrics(mreg))
	srv := NewServer(st, cat, led, report.NewReporter(st), mreg, log)
	srv.now = func() time.Time { return time.Date(2026, 5, 3, 12, 0, 0, 0, time.UTC) }
	return &testEnv{handler: srv.Router(), store: st}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestCheckoutFlow(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/cart/lines", map[string]string{"id": "drip"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodPatch, "/api/v1/cart/lines/drip", map[string]int64{"delta": 2})
	require.Equal(t, http.StatusOK, rec.Code)
	cart := decodeBody[cartView](t, rec)
	assert.Equal(t, int64(900), cart.Total)

	rec = e.do(t, http.MethodPost, "/api/v1/checkout", map[string]int64{"cash": 500})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeBody[map[string]interface{}](t, rec)
	assert.Equal(t, float64(900), body["total"])

	rec = e.do(t, http.MethodPost, "/api/v1/checkout", map[string]int64{"cash": 1000})
	require.Equal(t, http.StatusOK, rec.Code)
	order := decodeBody[model.Order](t, rec)
	assert.Equal(t, "0001", order.OrderNumber)
	assert.Equal(t, int64(100), order.Change)

	rec = e.do(t, http.MethodGet, "/api/v1/orders/next-number", nil)
	assert.Equal(t, "0002", decodeBody[map[string]string](t, rec)["orderNo"])

	rec = e.do(t, http.MethodGet, "/api/v1/report/summary", nil)
	assert.Equal(t, report.Summary{Orders: 1, Total: 900}, decodeBody[report.Summary](t, rec))
}

func TestCheckout_EmptyCartAndValidation(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/checkout", map[string]int64{"cash": 100})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/checkout", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/cart/lines", map[string]string{"id": "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckout_StoreUnavailable(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/api/v1/cart/lines", map[string]string{"id": "tea"})

	e.store.Fail("commit")
	rec := e.do(t, http.MethodPost, "/api/v1/checkout", map[string]int64{"cash": 300})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/cart", nil)
	assert.Len(t, decodeBody[cartView](t, rec).Lines, 1, "cart kept after failure")
}

func TestSoldOutItemIsNotAdded(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPut, "/api/v1/items/affo/stock", map[string]int64{"stock": 0})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/cart/lines", map[string]string{"id": "affo"})
	require.Equal(t, http.StatusOK, rec.Code)
	cart := decodeBody[cartView](t, rec)
	require.NotNil(t, cart.Added)
	assert.False(t, *cart.Added)
	assert.Empty(t, cart.Lines)
}

func TestAmendFlow(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/api/v1/cart/lines", map[string]string{"id": "latte"})
	order := decodeBody[model.Order](t, e.do(t, http.MethodPost, "/api/v1/checkout", map[string]int64{"cash": 1000}))

	rec := e.do(t, http.MethodPost, "/api/v1/orders/"+order.ID+"/amend", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, order.ID, decodeBody[cartView](t, rec).Amending)

	rec = e.do(t, http.MethodDelete, "/api/v1/orders/amend", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[cartView](t, rec).Amending)

	rec = e.do(t, http.MethodPut, "/api/v1/orders/"+order.ID+"/lines", map[string]interface{}{
		"lines": []map[string]interface{}{{"id": "latte", "name": "Latte", "unit": 380, "qty": 2}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	amended := decodeBody[model.Order](t, rec)
	assert.True(t, amended.Edited)
	assert.Equal(t, int64(760), amended.Total)
	assert.Equal(t, "0001", amended.OrderNumber)

	rec = e.do(t, http.MethodPut, "/api/v1/orders/"+order.ID+"/lines", map[string]interface{}{
		"lines": []map[string]interface{}{{"id": "latte", "unit": 380, "qty": 1}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Latte", decodeBody[model.Order](t, rec).Lines[0].Name, "name comes from the order")

	rec = e.do(t, http.MethodPut, "/api/v1/orders/"+order.ID+"/lines", map[string]interface{}{
		"lines": []map[string]interface{}{{"id": "affo", "name": "Affogato", "unit": 450, "qty": 1}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = e.do(t, http.MethodPut, "/api/v1/orders/missing/lines", map[string]interface{}{"lines": []interface{}{}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestItemsCRUD(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPut, "/api/v1/items", map[string]interface{}{"id": "cake", "name": "Cake", "price": 500})
	require.Equal(t, http.StatusOK, rec.Code)

	items := decodeBody[[]model.CatalogItem](t, e.do(t, http.MethodGet, "/api/v1/items", nil))
	assert.Len(t, items, 5)

	rec = e.do(t, http.MethodDelete, "/api/v1/items/cake", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodPut, "/api/v1/items", map[string]interface{}{"name": "No price"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportCSV(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/api/v1/cart/lines", map[string]string{"id": "drip"})
	e.do(t, http.MethodPost, "/api/v1/checkout", map[string]int64{"cash": 300})

	rec := e.do(t, http.MethodGet, "/api/v1/export.csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "sales-2026-05-03.csv")
	rows, err := report.ParseCSV(strings.NewReader(rec.Body.String()))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Drip coffee", rows[0].Item)

	rec = e.do(t, http.MethodGet, "/api/v1/export.xlsx", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "sales-2026-05-03.xlsx")
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", nil).Code)

	rec := e.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pos_orders_finalized_total")

	e.store.Fail("get")
	assert.Equal(t, http.StatusServiceUnavailable, e.do(t, http.MethodGet, "/healthz", nil).Code)
}
