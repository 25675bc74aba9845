// Package db provides the market.Store backends: Postgres for production,
// SQLite and an in-memory store for development and tests.
package db

import (
	"context"
	"fmt"
	"strings"

	"agentmarket/internal/market"
)

// Store is a market.Store owning its connections.
type Store interface {
	market.Store
	Close()
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*SQLite)(nil)
	_ Store = (*Memory)(nil)
)

// Open picks a backend from the URL scheme: postgres:// or postgresql://,
// sqlite://<path>, or memory://.
func Open(ctx context.Context, databaseURL string) (Store, error) {
	u := strings.TrimSpace(databaseURL)
	switch {
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return OpenPostgres(ctx, u)
	case strings.HasPrefix(u, "sqlite://"):
		path := strings.TrimPrefix(u, "sqlite://")
		if path == "" {
			return nil, fmt.Errorf("sqlite url needs a path")
		}
		return OpenSQLite(ctx, path)
	case u == "memory://" || u == "memory:":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported database url scheme")
	}
}
