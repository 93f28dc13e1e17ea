// Package uploads stages campaign media on local disk.
//
// A staged file normally lives only for the duration of its run (the engine
// deletes it at termination). The cron janitor sweeps leftovers from runs
// that never started, e.g. a rejected submission or a crash between upload
// and submit.
package uploads

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	logx "wablast/pkg/logx"
)

type Staging struct {
	dir string
	ttl time.Duration
	log logx.Logger

	cron *cron.Cron
}

func New(dir string, ttl time.Duration, log logx.Logger) (*Staging, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("uploads: dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Staging{dir: dir, ttl: ttl, log: log}, nil
}

// Save writes the stream to a fresh staged file, keeping the original
// extension so MIME sniffing downstream stays honest.
func (s *Staging) Save(r io.Reader, originalName string) (string, error) {
	name := uuid.NewString() + strings.ToLower(filepath.Ext(originalName))
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// Sweep removes staged files older than the TTL and reports how many went.
func (s *Staging) Sweep(now time.Time) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Warn("upload sweep failed", logx.Err(err))
		return 0
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= s.ttl {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		s.log.Info("swept orphaned uploads", logx.Int("removed", removed))
	}
	return removed
}

// StartJanitor schedules Sweep on the given cron spec.
func (s *Staging) StartJanitor(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { s.Sweep(time.Now()) }); err != nil {
		return fmt.Errorf("uploads: bad sweep spec %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	return nil
}

func (s *Staging) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
}
