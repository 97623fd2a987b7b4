// Package mcpserver exposes order lookups as an MCP server.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/jettro/bedrock-agent/internal/domain"
	"github.com/jettro/bedrock-agent/internal/infra/tracer"
)

const (
	// ServerName is the MCP server name.
	ServerName = "orders"
	// ServerVersion is reported during initialization.
	ServerVersion = "1.0.0"
	// FindOrderTool is the name of the order lookup tool.
	FindOrderTool = "find_order_information"
	// ListOrdersTool lists the orders of the configured user.
	ListOrdersTool = "list_orders"
)

// OrderServer answers order questions for one user.
type OrderServer struct {
	store  domain.OrderStore
	user   domain.UserInfo
	logger *slog.Logger

	mcp     *server.MCPServer
	tools   []mcp.Tool
	schemas map[string]*jsonschema.Schema
}

// New creates the server and registers its tools.
func New(store domain.OrderStore, user domain.UserInfo, logger *slog.Logger) (*OrderServer, error) {
	s := &OrderServer{
		store:   store,
		user:    user,
		logger:  logger,
		schemas: make(map[string]*jsonschema.Schema),
		mcp: server.NewMCPServer(ServerName, ServerVersion,
			server.WithToolCapabilities(false),
			server.WithLogging(),
		),
	}

	find := mcp.NewTool(FindOrderTool,
		mcp.WithDescription("Find the information about an order. If no order is found, "+
			"a message telling that the order was not found is returned."),
		mcp.WithString("order_id",
			mcp.Required(),
			mcp.Description("The order id to find the information for"),
		),
	)
	list := mcp.NewTool(ListOrdersTool,
		mcp.WithDescription("List the orders of the current user, optionally only those with the given status."),
		mcp.WithString("status",
			mcp.Description("Only return orders with this status, for example shipped or processing"),
		),
	)
	if err := s.addTool(find, s.handleFindOrder); err != nil {
		return nil, err
	}
	if err := s.addTool(list, s.handleListOrders); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *OrderServer) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) error {
	schema, err := compileInputSchema(tool)
	if err != nil {
		return err
	}
	s.schemas[tool.Name] = schema
	s.tools = append(s.tools, tool)
	s.mcp.AddTool(tool, handler)
	return nil
}

// ServeStdio serves MCP over stdin and stdout until the client disconnects.
func (s *OrderServer) ServeStdio() error {
	s.logger.Info("mcp server starting", "name", ServerName, "user_id", s.user.UserID)
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server.
func (s *OrderServer) MCPServer() *server.MCPServer { return s.mcp }

func (s *OrderServer) handleFindOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.validate(FindOrderTool, req.GetArguments()); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	orderID, err := req.RequireString("order_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.logger.Info("finding order", "order_id", orderID, "user", s.user.UserName)
	order, err := s.FindOrder(ctx, orderID)
	if err != nil {
		s.logger.Error("find order failed", "order_id", orderID, "error", err, "error_code", domain.ErrorCodeOf(err))
		return mcp.NewToolResultError(err.Error()), nil
	}
	if order == nil {
		return mcp.NewToolResultText(fmt.Sprintf("Order with id %s not found for user %s.", orderID, s.user.UserName)), nil
	}

	data, err := json.Marshal(order)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode order: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// FindOrder returns the order with the given id when it belongs to the
// server's user, or nil when there is no such order.
func (s *OrderServer) FindOrder(ctx context.Context, orderID string) (_ *domain.Order, err error) {
	ctx, span := tracer.StartSpan(ctx, "mcp.find_order", trace.WithAttributes(
		tracer.StringAttr("order.id", orderID),
		tracer.StringAttr("user.id", s.user.UserID),
	))
	defer func() { tracer.Finish(span, err) }()

	order, err := s.store.Get(ctx, orderID)
	if domain.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if order.UserID != s.user.UserID {
		return nil, nil
	}
	return order, nil
}

func (s *OrderServer) handleListOrders(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.validate(ListOrdersTool, req.GetArguments()); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	status := req.GetString("status", "")

	orders, err := s.ListOrders(ctx, status)
	if err != nil {
		s.logger.Error("list orders failed", "error", err, "error_code", domain.ErrorCodeOf(err))
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(orders) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No orders found for user %s.", s.user.UserName)), nil
	}

	data, err := json.Marshal(orders)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode orders: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// userLister is implemented by stores that can filter by user themselves.
type userLister interface {
	ListByUser(ctx context.Context, userID string) ([]domain.Order, error)
}

// ListOrders returns the orders of the server's user, filtered on status when
// it is not empty.
func (s *OrderServer) ListOrders(ctx context.Context, status string) (_ []domain.Order, err error) {
	ctx, span := tracer.StartSpan(ctx, "mcp.list_orders", trace.WithAttributes(
		tracer.StringAttr("user.id", s.user.UserID),
	))
	defer func() { tracer.Finish(span, err) }()

	var all []domain.Order
	if ul, ok := s.store.(userLister); ok {
		all, err = ul.ListByUser(ctx, s.user.UserID)
	} else {
		all, err = s.store.List(ctx)
	}
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(all))
	for _, o := range all {
		if o.UserID != s.user.UserID {
			continue
		}
		if status != "" && !strings.EqualFold(o.Status, status) {
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (s *OrderServer) validate(tool string, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	// Round-trip so the validator sees plain JSON values.
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return s.schemas[tool].Validate(v)
}

func compileInputSchema(tool mcp.Tool) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("encode schema for %q: %w", tool.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", tool.Name, err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", tool.Name, err)
	}
	return schema, nil
}
