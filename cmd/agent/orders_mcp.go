package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jettro/bedrock-agent/internal/adapter/mcpserver"
	"github.com/jettro/bedrock-agent/internal/adapter/store"
	"github.com/jettro/bedrock-agent/internal/domain"
)

func newOrdersMCPCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders-mcp",
		Short: "Serve order lookups for the configured user as an MCP server on stdio",
		Long: `orders-mcp answers find_order_information and list_orders calls from the
configured orders store (orders.store). With the sqlite store an empty database
is seeded with the demo orders. The user is taken from mcp.user_id /
mcp.user_name (USER_ID, USER_NAME).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Logger.Output == "stdout" {
				return fmt.Errorf("logger.output must not be stdout, it carries the MCP protocol")
			}

			orders, err := a.orderStore(ctx)
			if err != nil {
				return err
			}

			srv, err := mcpserver.New(orders, domain.UserInfo{
				UserID:   a.cfg.MCP.UserID,
				UserName: a.cfg.MCP.UserName,
			}, a.logger)
			if err != nil {
				return err
			}
			return srv.ServeStdio()
		},
	}
	return cmd
}

// orderStore opens the store named by orders.store. A SQLite store is closed
// with the app and seeded when empty.
func (a *app) orderStore(ctx context.Context) (domain.OrderStore, error) {
	switch a.cfg.Orders.Store {
	case "s3":
		return store.NewS3OrderStore(a.aws, a.cfg.Orders.Bucket, a.logger), nil
	case "sqlite":
	default:
		return nil, fmt.Errorf("unknown orders store %q", a.cfg.Orders.Store)
	}

	dbPath := a.cfg.Orders.SQLitePath
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create orders db dir: %w", err)
	}
	orders, err := store.NewSQLiteOrderStore(dbPath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, orders.Close)

	seeded, err := orders.Seed(ctx)
	if err != nil {
		return nil, fmt.Errorf("seed orders db: %w", err)
	}
	if seeded {
		a.logger.Info("orders db seeded", "path", dbPath)
	}
	return orders, nil
}
