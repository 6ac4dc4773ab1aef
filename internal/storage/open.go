package storage

import (
	"strings"

	"reelforge/internal/faults"
	logx "reelforge/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		log.Warn("memory storage selected; state is lost on restart")
		return NewMemory(), nil
	default:
		return nil, faults.Config("unknown storage driver: %s", driver)
	}
}
