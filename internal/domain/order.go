package domain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Order is a customer order as stored by the order handler. Fields the order
// schema does not name are kept in Extra and written back unchanged.
type Order struct {
	OrderID      string
	UserID       string
	Status       string
	DeliveryDate string
	Total        decimal.NullDecimal
	OrderLines   []OrderLine
	Extra        map[string]json.RawMessage
}

// OrderLine is one product line of an order.
type OrderLine struct {
	Product string `json:"product"`
	Qty     int    `json:"qty"`
}

// MarshalJSON writes the order as one flat object. Total is a JSON number and
// is left out when it was never set.
func (o Order) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(o.Extra)+6)
	for k, v := range o.Extra {
		doc[k] = v
	}
	doc["orderId"] = o.OrderID
	if o.UserID != "" {
		doc["userId"] = o.UserID
	}
	if o.Status != "" {
		doc["status"] = o.Status
	}
	if o.DeliveryDate != "" {
		doc["deliveryDate"] = o.DeliveryDate
	}
	if o.Total.Valid {
		doc["total"] = json.RawMessage(o.Total.Decimal.String())
	}
	if len(o.OrderLines) > 0 {
		doc["orderLines"] = o.OrderLines
	}
	return json.Marshal(doc)
}

// UnmarshalJSON reads a flat order object. Unknown fields end up in Extra.
func (o *Order) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	*o = Order{}
	fields := []struct {
		key string
		dst any
	}{
		{"orderId", &o.OrderID},
		{"userId", &o.UserID},
		{"status", &o.Status},
		{"deliveryDate", &o.DeliveryDate},
		{"total", &o.Total},
		{"orderLines", &o.OrderLines},
	}
	for _, f := range fields {
		raw, ok := doc[f.key]
		if !ok {
			continue
		}
		delete(doc, f.key)
		if string(raw) == "null" {
			continue
		}
		if err := json.Unmarshal(raw, f.dst); err != nil {
			return fmt.Errorf("order field %s: %w", f.key, err)
		}
	}
	if len(doc) > 0 {
		o.Extra = doc
	}
	return nil
}

// UserInfo identifies the user an order lookup is made for.
type UserInfo struct {
	UserID   string `json:"userId" yaml:"user_id"`
	UserName string `json:"userName" yaml:"user_name"`
}

// OrderStore persists orders by id. Get returns an error matching ErrNotFound
// when no order exists for the id.
type OrderStore interface {
	Put(ctx context.Context, order Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Order, error)
}
