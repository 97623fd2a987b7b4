// Package orders implements the order CRUD executor behind the agents'
// HandleOrders action group.
package orders

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonschema"
	"go.opentelemetry.io/otel/trace"

	"github.com/jettro/bedrock-agent/internal/domain"
	"github.com/jettro/bedrock-agent/internal/infra/tracer"
)

//go:embed schema/order.schema.json
var orderSchema []byte

// Handler serves action group events against an order store.
type Handler struct {
	store  domain.OrderStore
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewHandler creates a handler on store.
func NewHandler(store domain.OrderStore, logger *slog.Logger) (*Handler, error) {
	schema, err := jsonschema.NewCompiler().Compile(orderSchema)
	if err != nil {
		return nil, fmt.Errorf("compile order schema: %w", err)
	}
	return &Handler{store: store, schema: schema, logger: logger}, nil
}

type errorBody struct {
	Error string `json:"error"`
}

// Handle dispatches the event on its HTTP method. Failures are reported in the
// response status, never as an error.
func (h *Handler) Handle(ctx context.Context, event ActionGroupEvent) ActionGroupResponse {
	method := event.Method()
	id := event.OrderID()

	ctx, span := tracer.StartSpan(ctx, "orders.handle", trace.WithAttributes(
		tracer.StringAttr("orders.api_path", event.APIPath),
		tracer.StringAttr("orders.action_group", event.ActionGroup),
		tracer.StringAttr("http.method", method),
		tracer.StringAttr("order.id", id),
	))
	defer span.End()

	h.logger.Info("order request",
		"api_path", event.APIPath,
		"action_group", event.ActionGroup,
		"method", method,
		"order_id", id,
	)

	var resp ActionGroupResponse
	switch {
	case method == http.MethodPost:
		resp = h.create(ctx, event)
	case method == http.MethodGet && id != "":
		resp = h.get(ctx, event, id)
	case method == http.MethodPut && id != "":
		resp = h.update(ctx, event, id)
	case method == http.MethodDelete && id != "":
		resp = h.delete(ctx, event, id)
	case id == "":
		resp = respond(event, http.StatusBadRequest, errorBody{"Missing order ID"})
	default:
		resp = respond(event, http.StatusBadRequest, errorBody{"Unsupported method or missing order ID"})
	}

	span.SetAttributes(tracer.IntAttr("http.status_code", resp.Status()))
	if resp.Status() >= http.StatusInternalServerError {
		tracer.RecordError(span, fmt.Errorf("%s", resp.BodyJSON()))
	} else {
		tracer.SetOK(span)
	}
	return resp
}

func (h *Handler) create(ctx context.Context, event ActionGroupEvent) ActionGroupResponse {
	payload, err := event.payload()
	if err != nil {
		return h.invalidBody(event, "", err)
	}
	if id, ok := payload["orderId"]; !ok || id == "" {
		return respond(event, http.StatusBadRequest, errorBody{"Missing orderId in body"})
	}
	order, err := h.decode(payload)
	if err != nil {
		return h.invalidBody(event, "", err)
	}
	if err := h.store.Put(ctx, *order); err != nil {
		h.logger.Error("create order failed", "order_id", order.OrderID, "error", err, "error_code", domain.ErrorCodeOf(err))
		return respond(event, http.StatusInternalServerError, errorBody{err.Error()})
	}
	h.logger.Info("order created", "order_id", order.OrderID)
	return respond(event, http.StatusOK, struct {
		ConfirmationMessage string `json:"confirmationMessage"`
		OrderID             string `json:"orderId"`
	}{"Order created", order.OrderID})
}

func (h *Handler) get(ctx context.Context, event ActionGroupEvent, id string) ActionGroupResponse {
	order, err := h.store.Get(ctx, id)
	if domain.IsNotFound(err) {
		return respond(event, http.StatusNotFound, errorBody{"Order not found"})
	}
	if err != nil {
		h.logger.Error("get order failed", "order_id", id, "error", err, "error_code", domain.ErrorCodeOf(err))
		return respond(event, http.StatusInternalServerError, errorBody{err.Error()})
	}
	return respond(event, http.StatusOK, order)
}

func (h *Handler) update(ctx context.Context, event ActionGroupEvent, id string) ActionGroupResponse {
	payload, err := event.payload()
	if err != nil {
		return h.invalidBody(event, id, err)
	}
	payload["orderId"] = id
	order, err := h.decode(payload)
	if err != nil {
		return h.invalidBody(event, id, err)
	}
	if err := h.store.Put(ctx, *order); err != nil {
		h.logger.Error("update order failed", "order_id", id, "error", err, "error_code", domain.ErrorCodeOf(err))
		return respond(event, http.StatusInternalServerError, errorBody{err.Error()})
	}
	h.logger.Info("order updated", "order_id", id)
	return respond(event, http.StatusOK, struct {
		Message string `json:"message"`
		OrderID string `json:"order_id"`
	}{"Order updated", id})
}

func (h *Handler) delete(ctx context.Context, event ActionGroupEvent, id string) ActionGroupResponse {
	if err := h.store.Delete(ctx, id); err != nil {
		h.logger.Error("delete order failed", "order_id", id, "error", err, "error_code", domain.ErrorCodeOf(err))
		return respond(event, http.StatusInternalServerError, errorBody{err.Error()})
	}
	h.logger.Info("order deleted", "order_id", id)
	return respond(event, http.StatusNoContent, nil)
}

func (h *Handler) invalidBody(event ActionGroupEvent, id string, err error) ActionGroupResponse {
	h.logger.Warn("invalid order body", "order_id", id, "error", err, "error_code", domain.ErrorCodeOf(err))
	return respond(event, http.StatusBadRequest, errorBody{err.Error()})
}

// decode validates the request payload against the order schema and converts
// it to an Order. Fields outside the schema are kept.
func (h *Handler) decode(payload map[string]any) (*domain.Order, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	if err := h.validate(raw); err != nil {
		return nil, err
	}
	var order domain.Order
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return &order, nil
}

func (h *Handler) validate(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	result := h.schema.Validate(doc)
	if !result.IsValid() {
		return domain.NewSubSystemError("order", "orders.validate", domain.ErrInvalidInput, schemaErrors(result))
	}
	return nil
}

// schemaErrors lists the failed checks as "location: message", sorted.
func schemaErrors(result *jsonschema.EvaluationResult) string {
	detailed := result.DetailedErrors()
	if len(detailed) == 0 {
		return result.Error()
	}
	msgs := make([]string, 0, len(detailed))
	for path, msg := range detailed {
		msgs = append(msgs, path+": "+msg)
	}
	sort.Strings(msgs)
	return strings.Join(msgs, "; ")
}

// respond builds the action group envelope. A nil body is sent as null.
func respond(event ActionGroupEvent, status int, body any) ActionGroupResponse {
	method := event.HTTPMethod
	if method == "" {
		method = http.MethodPost
	}
	content := ResponseContent{}
	if body != nil {
		if data, err := json.Marshal(body); err == nil {
			s := string(data)
			content.Body = &s
		}
	}
	return ActionGroupResponse{
		MessageVersion: event.MessageVersion,
		Response: ResponseDetail{
			ActionGroup:    event.ActionGroup,
			APIPath:        event.APIPath,
			HTTPMethod:     method,
			HTTPStatusCode: status,
			ResponseBody:   map[string]ResponseContent{contentTypeJSON: content},
		},
	}
}
