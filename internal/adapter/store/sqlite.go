package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/jettro/bedrock-agent/internal/domain"
	"github.com/jettro/bedrock-agent/internal/infra/tracer"
)

// SQLiteOrderStore implements domain.OrderStore using SQLite. The order is kept
// as its JSON document; user_id is split out for lookups by user.
type SQLiteOrderStore struct {
	db *sql.DB
}

// NewSQLiteOrderStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteOrderStore(dbPath string) (*SQLiteOrderStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open orders db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate orders db: %w", err)
	}
	return &SQLiteOrderStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL DEFAULT '',
			body       TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS orders_user_id ON orders (user_id);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteOrderStore) Close() error {
	return s.db.Close()
}

// Put inserts or replaces the order.
func (s *SQLiteOrderStore) Put(ctx context.Context, order domain.Order) (err error) {
	ctx, span := tracer.StartSpan(ctx, "orders.sqlite.put", trace.WithAttributes(tracer.StringAttr("order.id", order.OrderID)))
	defer func() { tracer.Finish(span, err) }()

	if order.OrderID == "" {
		return domain.NewSubSystemError("order", "SQLiteOrderStore.Put", domain.ErrMissingField, "orderId")
	}
	body, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orders (id, user_id, body, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, body = excluded.body, updated_at = excluded.updated_at`,
		order.OrderID, order.UserID, string(body), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.WrapOp("SQLiteOrderStore.Put", err)
	}
	return nil
}

// Get returns the order with the given id.
func (s *SQLiteOrderStore) Get(ctx context.Context, id string) (_ *domain.Order, err error) {
	ctx, span := tracer.StartSpan(ctx, "orders.sqlite.get", trace.WithAttributes(tracer.StringAttr("order.id", id)))
	defer func() { tracer.Finish(span, err) }()

	var body string
	err = s.db.QueryRowContext(ctx, "SELECT body FROM orders WHERE id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewSubSystemError("order", "SQLiteOrderStore.Get", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, domain.WrapOp("SQLiteOrderStore.Get", err)
	}
	return decodeOrder([]byte(body))
}

// Delete removes the order. Deleting a missing order is not an error.
func (s *SQLiteOrderStore) Delete(ctx context.Context, id string) (err error) {
	ctx, span := tracer.StartSpan(ctx, "orders.sqlite.delete", trace.WithAttributes(tracer.StringAttr("order.id", id)))
	defer func() { tracer.Finish(span, err) }()

	if _, err = s.db.ExecContext(ctx, "DELETE FROM orders WHERE id = ?", id); err != nil {
		return domain.WrapOp("SQLiteOrderStore.Delete", err)
	}
	return nil
}

// List returns all orders ordered by id.
func (s *SQLiteOrderStore) List(ctx context.Context) ([]domain.Order, error) {
	return s.query(ctx, "SELECT body FROM orders ORDER BY id")
}

// ListByUser returns the orders of one user ordered by id.
func (s *SQLiteOrderStore) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	return s.query(ctx, "SELECT body FROM orders WHERE user_id = ? ORDER BY id", userID)
}

func (s *SQLiteOrderStore) query(ctx context.Context, q string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, domain.WrapOp("SQLiteOrderStore.List", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		o, err := decodeOrder([]byte(body))
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// Seed stores the demo orders when the store is empty. It reports whether it
// wrote anything.
func (s *SQLiteOrderStore) Seed(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM orders").Scan(&n); err != nil {
		return false, domain.WrapOp("SQLiteOrderStore.Seed", err)
	}
	if n > 0 {
		return false, nil
	}
	for _, o := range DemoOrders() {
		if err := s.Put(ctx, o); err != nil {
			return false, err
		}
	}
	return true, nil
}

// DemoOrders returns the sample orders used to seed an empty store.
func DemoOrders() []domain.Order {
	return []domain.Order{
		{OrderID: "123", UserID: "1", Status: "shipped", DeliveryDate: "2022-06-15"},
		{OrderID: "124", UserID: "2", Status: "processing"},
	}
}

func decodeOrder(data []byte) (*domain.Order, error) {
	var o domain.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("%w: decode order: %v", domain.ErrProviderError, err)
	}
	return &o, nil
}
