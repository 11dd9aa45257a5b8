package ledger

import (
	"context"
	"errors"
	"strings"

	logx "wagate/pkg/logx"
)

// Store is the ledger API shared by all drivers.
//
// Concurrency contract: Append and UpdateStatus are read-modify-write cycles
// and are mutually exclusive within a store. Reads may run concurrently.
type Store interface {
	Append(ctx context.Context, rec MessageRecord) (MessageRecord, error)
	List(ctx context.Context, f Filters, p Page) (ListResult, error)
	GetByID(ctx context.Context, id string) (MessageRecord, error)
	UpdateStatus(ctx context.Context, id string, status Status) (MessageRecord, error)
	Stats(ctx context.Context, timeframe string) (Stats, error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown ledger driver: " + driver)
	}
}
