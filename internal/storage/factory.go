package storage

import (
	"context"
	"fmt"
	"strings"
)

// Config selects and configures a KV backend.
type Config struct {
	Driver      string
	Path        string
	DatabaseURL string
}

// NewKV opens the configured backend. An empty driver picks postgres when a
// database URL is set, bolt otherwise.
func NewKV(ctx context.Context, cfg Config) (KV, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "auto" {
		driver = "bolt"
		if strings.TrimSpace(cfg.DatabaseURL) != "" {
			driver = "postgres"
		}
	}

	switch driver {
	case "memory":
		return NewMemoryKV(), nil
	case "bolt":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("storage path is required for bolt driver")
		}
		return NewBoltKV(cfg.Path)
	case "sqlite":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("storage path is required for sqlite driver")
		}
		return NewSQLiteKV(ctx, cfg.Path)
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("database url is required for postgres driver")
		}
		return NewPostgresKV(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}
