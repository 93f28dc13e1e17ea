package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"wablast/internal/campaign"
	logx "wablast/pkg/logx"
)

var ErrDisabled = errors.New("history storage disabled")

// Config configures history storage.
//
// Driver values: "sqlite" (database file) or "" / "none" (disabled).
type Config struct {
	Driver string
	Path   string
}

// RunRow is one persisted run summary. It is served as-is by the history
// endpoint.
type RunRow struct {
	RunID     string    `json:"run_id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	StartedAt time.Time `json:"started_at"`
	TookMS    int64     `json:"took_ms"`
	Total     int       `json:"total"`
	Attempted int       `json:"attempted"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Stopped   bool      `json:"stopped"`
}

// Store is the minimal persistence API used by the engine and the HTTP API.
type Store interface {
	AppendRun(ctx context.Context, rec campaign.RunRecord) error
	RecentRuns(ctx context.Context, sessionID string, limit int) ([]RunRow, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + driver)
	}
}
