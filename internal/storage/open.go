package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "treebuild/pkg/logx"
)

// Store persists pass records. Implementations are safe for concurrent use.
type Store interface {
	AppendPass(ctx context.Context, r PassRecord) error
	// RecentPasses returns up to limit records, newest first. A limit <= 0
	// returns everything.
	RecentPasses(ctx context.Context, limit int) ([]PassRecord, error)
	// Prune deletes records older than before and reports how many were removed.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("%w (driver %s)", ErrNoPath, driver)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "bolt", "bbolt":
		return openBolt(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}

// newestFirst keeps the last limit records of an ascending slice and
// reverses them.
func newestFirst(recs []PassRecord, limit int) []PassRecord {
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	out := make([]PassRecord, len(recs))
	for i, r := range recs {
		out[len(recs)-1-i] = r
	}
	return out
}
