// Package wa implements the provider contract on top of whatsmeow, the Go
// WhatsApp client. Each session owns its own sqlite credential store file so
// sessions pair, reconnect, and get erased independently.
package wa

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	_ "modernc.org/sqlite"

	"wablast/internal/provider"
	logx "wablast/pkg/logx"
)

type Store struct {
	dir string
	log logx.Logger
}

func NewStore(dir string, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("wa: data dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir, log: log}, nil
}

func (s *Store) credPath(sessionID string) string {
	// Session ids come from the URL path; keep only the basename so a crafted
	// id cannot escape the data dir.
	return filepath.Join(s.dir, filepath.Base(sessionID)+".db")
}

// Dial opens (or resumes) the session's device and connects it. When the
// device has never paired, the QR flow starts and codes are forwarded through
// ev.QR until pairing succeeds or the challenge expires.
func (s *Store) Dial(ctx context.Context, sessionID string, ev provider.Events) (provider.Conn, error) {
	path := s.credPath(sessionID)
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("wa: open credential store: %w", err)
	}
	// sqlite prefers a single writer.
	db.SetMaxOpenConns(1)

	log := s.log.With(logx.String("session", sessionID))
	container := sqlstore.NewWithDB(db, "sqlite3", waLogger{log: log.With(logx.String("comp", "sqlstore"))})
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("wa: migrate credential store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("wa: load device: %w", err)
	}

	cli := whatsmeow.NewClient(device, waLogger{log: log.With(logx.String("comp", "client"))})
	// The registry owns reconnect policy; the client must not race it.
	cli.EnableAutoReconnect = false

	c := &conn{cli: cli, db: db, ev: ev, log: log}
	cli.AddEventHandler(c.handleEvent)

	if cli.Store.ID == nil {
		// Never paired: QR channel must be armed before Connect.
		qrCh, err := cli.GetQRChannel(ctx)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("wa: qr channel: %w", err)
		}
		go c.forwardQR(qrCh)
	}

	if err := cli.Connect(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("wa: connect: %w", err)
	}
	return c, nil
}

// Erase deletes the session's credential file (plus sqlite sidecars).
// Missing files are fine; erase is idempotent.
func (s *Store) Erase(sessionID string) error {
	path := s.credPath(sessionID)
	var first error
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && first == nil {
			first = err
		}
	}
	if first != nil {
		return fmt.Errorf("wa: erase credentials for %q: %w", sessionID, first)
	}
	return nil
}
