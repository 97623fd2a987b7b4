package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jettro/bedrock-agent/internal/domain"
)

// memStore is an in-memory domain.OrderStore.
type memStore struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	err    error
}

func newMemStore(orders ...domain.Order) *memStore {
	s := &memStore{orders: map[string]domain.Order{}}
	for _, o := range orders {
		s.orders[o.OrderID] = o
	}
	return s
}

func (s *memStore) Put(_ context.Context, o domain.Order) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.OrderID] = o
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*domain.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, domain.NewSubSystemError("order", "memStore.Get", domain.ErrNotFound, id)
	}
	return &o, nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orders, id)
	return nil
}

func (s *memStore) List(context.Context) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out, nil
}

func newTestHandler(t *testing.T, store domain.OrderStore) *Handler {
	t.Helper()
	h, err := NewHandler(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return h
}

func event(method string) ActionGroupEvent {
	return ActionGroupEvent{
		ActionGroup: "HandleOrders",
		APIPath:     "/orders/{id}",
		HTTPMethod:  method,
	}
}

func bodyOf(t *testing.T, resp ActionGroupResponse) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(resp.BodyJSON()), &m))
	return m
}

func TestHandle_CreateFromAgentProperties(t *testing.T) {
	store := newMemStore()
	h := newTestHandler(t, store)

	ev := event(http.MethodPost)
	ev.APIPath = "/orders"
	ev.RequestBody = &RequestBody{Content: map[string]RequestContent{
		"application/json": {Properties: []Parameter{
			{Name: "orderId", Type: "string", Value: "125"},
			{Name: "userId", Type: "string", Value: "1"},
			{Name: "status", Type: "string", Value: "processing"},
			{Name: "total", Type: "number", Value: "149.90"},
			{Name: "orderLines", Type: "array", Value: "[{item=Running shoes, quantity=1}, {product=Socks, quantity=3}]"},
		}},
	}}

	resp := h.Handle(context.Background(), ev)
	require.Equal(t, http.StatusOK, resp.Status())
	assert.Equal(t, map[string]any{"confirmationMessage": "Order created", "orderId": "125"}, bodyOf(t, resp))
	assert.Equal(t, "HandleOrders", resp.Response.ActionGroup)
	assert.Equal(t, "/orders", resp.Response.APIPath)
	assert.Equal(t, "POST", resp.Response.HTTPMethod)

	stored := store.orders["125"]
	assert.Equal(t, "processing", stored.Status)
	assert.True(t, decimal.RequireFromString("149.9").Equal(stored.Total.Decimal))
	assert.Equal(t, []domain.OrderLine{{Product: "Running shoes", Qty: 1}, {Product: "Socks", Qty: 3}}, stored.OrderLines)
}

func TestHandle_CreateFromRawBody(t *testing.T) {
	store := newMemStore()
	h := newTestHandler(t, store)

	ev := event(http.MethodPost)
	ev.Body = `{"orderId":"130","userId":"2","total":10,"orderLines":[{"product":"Cap","qty":2}]}`

	resp := h.Handle(context.Background(), ev)
	require.Equal(t, http.StatusOK, resp.Status())
	assert.Equal(t, []domain.OrderLine{{Product: "Cap", Qty: 2}}, store.orders["130"].OrderLines)
}

func TestHandle_CreateMissingOrderID(t *testing.T) {
	h := newTestHandler(t, newMemStore())

	withBody := func(body string) ActionGroupEvent {
		ev := event(http.MethodPost)
		ev.Body = body
		return ev
	}
	for name, ev := range map[string]ActionGroupEvent{
		"empty body":     event(http.MethodPost),
		"no orderId":     withBody(`{"status":"new"}`),
		"empty orderId":  withBody(`{"orderId":"","status":"new"}`),
		"empty and more": withBody(`{"orderId":"","orderLines":[{"product":"Cap","quantity":1}]}`),
	} {
		t.Run(name, func(t *testing.T) {
			resp := h.Handle(context.Background(), ev)
			assert.Equal(t, http.StatusBadRequest, resp.Status())
			assert.Equal(t, map[string]any{"error": "Missing orderId in body"}, bodyOf(t, resp))
		})
	}
}

func TestHandle_CreateInvalidBody(t *testing.T) {
	h := newTestHandler(t, newMemStore())

	tests := map[string]ActionGroupEvent{
		"not json": func() ActionGroupEvent {
			ev := event(http.MethodPost)
			ev.Body = `{"orderId":`
			return ev
		}(),
		"negative qty": func() ActionGroupEvent {
			ev := event(http.MethodPost)
			ev.Body = `{"orderId":"1","orderLines":[{"product":"Cap","qty":-1}]}`
			return ev
		}(),
		"bad total": func() ActionGroupEvent {
			ev := event(http.MethodPost)
			ev.RequestBody = &RequestBody{Content: map[string]RequestContent{
				"application/json": {Properties: []Parameter{
					{Name: "orderId", Value: "1"},
					{Name: "total", Value: "lots"},
				}},
			}}
			return ev
		}(),
	}
	for name, ev := range tests {
		t.Run(name, func(t *testing.T) {
			resp := h.Handle(context.Background(), ev)
			assert.Equal(t, http.StatusBadRequest, resp.Status())
			assert.NotEmpty(t, bodyOf(t, resp)["error"])
		})
	}
}

func TestHandle_CreateThenGetReturnsSameOrder(t *testing.T) {
	h := newTestHandler(t, newMemStore())

	for name, body := range map[string]string{
		"sorted keys": `{"note":"gift wrap","orderId":"10","total":49.95}`,
		"extra lines": `{"orderId":"11","total":1200.10,"note":{"wrap":true},"orderLines":[{"product":"Watch","qty":2}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			ev := event(http.MethodPost)
			ev.APIPath = "/orders"
			ev.Body = body
			require.Equal(t, http.StatusOK, h.Handle(context.Background(), ev).Status())

			var created map[string]any
			require.NoError(t, json.Unmarshal([]byte(body), &created))
			get := event(http.MethodGet)
			get.PathParameters = map[string]string{"id": created["orderId"].(string)}
			resp := h.Handle(context.Background(), get)
			require.Equal(t, http.StatusOK, resp.Status())
			assert.JSONEq(t, body, resp.BodyJSON())
		})
	}

	get := event(http.MethodGet)
	get.PathParameters = map[string]string{"id": "10"}
	assert.Equal(t, `{"note":"gift wrap","orderId":"10","total":49.95}`, h.Handle(context.Background(), get).BodyJSON())
}

func TestHandle_CreateWithQuantityLines(t *testing.T) {
	store := newMemStore()
	h := newTestHandler(t, store)

	ev := event(http.MethodPost)
	ev.Body = `{"orderId":"9","orderLines":[{"product":"Watch","quantity":2}]}`
	resp := h.Handle(context.Background(), ev)
	require.Equal(t, http.StatusOK, resp.Status(), resp.BodyJSON())
	assert.Equal(t, []domain.OrderLine{{Product: "Watch", Qty: 2}}, store.orders["9"].OrderLines)

	ev = event(http.MethodPost)
	ev.RequestBody = &RequestBody{Content: map[string]RequestContent{
		"application/json": {Properties: []Parameter{
			{Name: "orderId", Value: "8"},
			{Name: "orderLines", Type: "array", Value: `[{"item":"Strap","quantity":1}]`},
		}},
	}}
	resp = h.Handle(context.Background(), ev)
	require.Equal(t, http.StatusOK, resp.Status(), resp.BodyJSON())
	assert.Equal(t, []domain.OrderLine{{Product: "Strap", Qty: 1}}, store.orders["8"].OrderLines)
}

func TestHandle_InvalidBodyNamesTheField(t *testing.T) {
	h := newTestHandler(t, newMemStore())

	ev := event(http.MethodPost)
	ev.Body = `{"orderId":"9","orderLines":[{"product":"Watch"}]}`
	resp := h.Handle(context.Background(), ev)
	require.Equal(t, http.StatusBadRequest, resp.Status())
	msg, _ := bodyOf(t, resp)["error"].(string)
	assert.Contains(t, msg, "invalid input")
	assert.Contains(t, msg, "/orderLines/0")
	assert.Contains(t, msg, "qty")
	assert.NotContains(t, msg, "evaluation failed")
}

func TestHandle_LogsErrorCode(t *testing.T) {
	var logs bytes.Buffer
	store := newMemStore()
	store.err = domain.NewSubSystemError("order", "S3OrderStore.Put", domain.ErrProviderError, "throttled")
	h, err := NewHandler(store, slog.New(slog.NewJSONHandler(&logs, nil)))
	require.NoError(t, err)

	ev := event(http.MethodPost)
	ev.Body = `{"orderId":"1"}`
	require.Equal(t, http.StatusInternalServerError, h.Handle(context.Background(), ev).Status())
	assert.Contains(t, logs.String(), `"error_code":"PROVIDER_ERROR"`)

	logs.Reset()
	ev.Body = `{"orderId":"1","total":"lots"}`
	require.Equal(t, http.StatusBadRequest, h.Handle(context.Background(), ev).Status())
	assert.Contains(t, logs.String(), `"error_code":"INVALID_INPUT"`)

	logs.Reset()
	ev.Body = `{"orderId":"1","orderLines":[{"product":"Watch"}]}`
	require.Equal(t, http.StatusBadRequest, h.Handle(context.Background(), ev).Status())
	assert.Contains(t, logs.String(), `"error_code":"ORDER_INVALID"`)
}

func TestHandle_CreateStoreFailure(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("bucket unavailable")
	h := newTestHandler(t, store)

	ev := event(http.MethodPost)
	ev.Body = `{"orderId":"1"}`
	resp := h.Handle(context.Background(), ev)
	assert.Equal(t, http.StatusInternalServerError, resp.Status())
	assert.Equal(t, map[string]any{"error": "bucket unavailable"}, bodyOf(t, resp))
}

func TestHandle_Get(t *testing.T) {
	h := newTestHandler(t, newMemStore(domain.Order{OrderID: "123", UserID: "1", Status: "shipped", DeliveryDate: "2022-06-15"}))

	ev := event(http.MethodGet)
	ev.PathParameters = map[string]string{"id": "123"}
	resp := h.Handle(context.Background(), ev)
	require.Equal(t, http.StatusOK, resp.Status())
	body := bodyOf(t, resp)
	assert.Equal(t, "123", body["orderId"])
	assert.Equal(t, "shipped", body["status"])
	assert.Equal(t, "2022-06-15", body["deliveryDate"])
}

func TestHandle_GetByParameter(t *testing.T) {
	h := newTestHandler(t, newMemStore(domain.Order{OrderID: "124", Status: "processing"}))

	ev := event(http.MethodGet)
	ev.Parameters = []Parameter{{Name: "id", Type: "string", Value: "124"}}
	resp := h.Handle(context.Background(), ev)
	require.Equal(t, http.StatusOK, resp.Status())
	assert.Equal(t, "processing", bodyOf(t, resp)["status"])
}

func TestHandle_GetNotFound(t *testing.T) {
	h := newTestHandler(t, newMemStore())

	ev := event(http.MethodGet)
	ev.PathParameters = map[string]string{"id": "999"}
	resp := h.Handle(context.Background(), ev)
	assert.Equal(t, http.StatusNotFound, resp.Status())
	assert.Equal(t, map[string]any{"error": "Order not found"}, bodyOf(t, resp))
}

func TestHandle_GetStoreFailure(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("throttled")
	h := newTestHandler(t, store)

	ev := event(http.MethodGet)
	ev.PathParameters = map[string]string{"id": "1"}
	resp := h.Handle(context.Background(), ev)
	assert.Equal(t, http.StatusInternalServerError, resp.Status())
	assert.Equal(t, "throttled", bodyOf(t, resp)["error"])
}

func TestHandle_Update(t *testing.T) {
	store := newMemStore(domain.Order{OrderID: "123", Status: "processing"})
	h := newTestHandler(t, store)

	ev := event(http.MethodPut)
	ev.PathParameters = map[string]string{"id": "123"}
	ev.Body = `{"orderId":"ignored","status":"shipped"}`
	resp := h.Handle(context.Background(), ev)
	require.Equal(t, http.StatusOK, resp.Status())
	assert.Equal(t, map[string]any{"message": "Order updated", "order_id": "123"}, bodyOf(t, resp))
	assert.Equal(t, "shipped", store.orders["123"].Status)
	assert.NotContains(t, store.orders, "ignored")
}

func TestHandle_Delete(t *testing.T) {
	store := newMemStore(domain.Order{OrderID: "123"})
	h := newTestHandler(t, store)

	ev := event(http.MethodDelete)
	ev.PathParameters = map[string]string{"id": "123"}
	resp := h.Handle(context.Background(), ev)
	assert.Equal(t, http.StatusNoContent, resp.Status())
	assert.Nil(t, resp.Response.ResponseBody["application/json"].Body)
	assert.Empty(t, store.orders)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"application/json":{"body":null}`)
}

func TestHandle_MissingOrUnsupported(t *testing.T) {
	h := newTestHandler(t, newMemStore())

	resp := h.Handle(context.Background(), event(http.MethodGet))
	assert.Equal(t, http.StatusBadRequest, resp.Status())
	assert.Equal(t, "Missing order ID", bodyOf(t, resp)["error"])

	ev := event(http.MethodPatch)
	ev.PathParameters = map[string]string{"id": "1"}
	resp = h.Handle(context.Background(), ev)
	assert.Equal(t, http.StatusBadRequest, resp.Status())
	assert.Equal(t, "Unsupported method or missing order ID", bodyOf(t, resp)["error"])
}

func TestHandle_DefaultsMethodToPost(t *testing.T) {
	h := newTestHandler(t, newMemStore())
	resp := h.Handle(context.Background(), ActionGroupEvent{ActionGroup: "HandleOrders", APIPath: "/orders"})
	assert.Equal(t, "POST", resp.Response.HTTPMethod)
	assert.Equal(t, "Missing order ID", bodyOf(t, resp)["error"])
}

func TestParseOrderLines(t *testing.T) {
	lines, err := parseOrderLines(`[{"product":"Cap","qty":2}]`)
	require.NoError(t, err)
	assert.Len(t, lines, 1)

	lines, err = parseOrderLines("no lines here")
	require.NoError(t, err)
	assert.Empty(t, lines)

	lines, err = parseOrderLines("[{item= Watch , quantity=2}]")
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"product": "Watch", "qty": 2}}, lines)

	lines, err = parseOrderLines(`[{"product":"Cap","quantity":2}]`)
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"product": "Cap", "qty": float64(2)}}, lines)
}
