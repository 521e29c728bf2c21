// Package factory builds a history sink from configuration. It lives
// apart from the sink packages so they stay importable on their own.
package factory

import (
	"fmt"

	"github.com/helmd/helmd/internal/config"
	"github.com/helmd/helmd/internal/history"
	"github.com/helmd/helmd/internal/history/clickhouse"
	"github.com/helmd/helmd/internal/history/postgres"
	"github.com/helmd/helmd/internal/history/sqlite"
)

// Open returns the configured sink, or a no-op sink when history is
// disabled.
func Open(cfg config.HistoryConfig) (history.Sink, error) {
	if !cfg.Enabled {
		return history.Nop{}, nil
	}
	switch cfg.Type {
	case "", "sqlite":
		return sqlite.New(cfg.DSN)
	case "postgres", "postgresql":
		return postgres.New(cfg.DSN)
	case "clickhouse":
		return clickhouse.New(cfg.DSN, "launch_history")
	default:
		return nil, fmt.Errorf("unknown history sink type %q", cfg.Type)
	}
}
