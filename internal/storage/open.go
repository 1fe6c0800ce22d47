package storage

import (
	"errors"
	"strings"

	logx "switchboard/pkg/logx"
)

// Open initializes the configured store. An empty driver selects memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
