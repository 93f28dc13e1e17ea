package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"wablast/internal/campaign"
	logx "wablast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const defaultRecentLimit = 50

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, rec campaign.RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, session_id, kind, started_at, took_ms, total, attempted, succeeded, failed, stopped)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		rec.RunID, rec.SessionID, rec.Kind, rec.StartedAt.UnixNano(),
		rec.Took.Milliseconds(), rec.Total, rec.Attempted, rec.Succeeded, rec.Failed,
		boolInt(rec.Stopped),
	)
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, sessionID string, limit int) ([]RunRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, session_id, kind, started_at, took_ms, total, attempted, succeeded, failed, stopped
		 FROM runs WHERE session_id = ? ORDER BY started_at DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var (
			r         RunRow
			startedNS int64
			stopped   int
		)
		if err := rows.Scan(&r.RunID, &r.SessionID, &r.Kind, &startedNS, &r.TookMS,
			&r.Total, &r.Attempted, &r.Succeeded, &r.Failed, &stopped); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, startedNS).UTC()
		r.Stopped = stopped != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
