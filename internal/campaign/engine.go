package campaign

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wablast/internal/eventbus"
	"wablast/internal/provider"
	"wablast/internal/text"
	logx "wablast/pkg/logx"
)

// Sessions provides live connection handles; satisfied by *session.Registry.
type Sessions interface {
	Conn(id string) (provider.Conn, error)
}

// History receives terminal run records; satisfied by *storage.Store.
// A nil History disables recording.
type History interface {
	AppendRun(ctx context.Context, rec RunRecord) error
}

// RunRecord is the persisted summary of one terminated run.
type RunRecord struct {
	RunID     string
	SessionID string
	Kind      string
	StartedAt time.Time
	Took      time.Duration
	Total     int
	Attempted int
	Succeeded int
	Failed    int
	Stopped   bool
}

type runKey struct {
	sessionID string
	kind      Kind
}

// Engine owns the active-run table and executes accepted runs.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	rules   text.PhoneRules
	limiter *rate.Limiter

	sessions Sessions
	bus      eventbus.Bus
	history  History
	log      logx.Logger

	runCtx    context.Context
	runCancel context.CancelFunc
	runWG     sync.WaitGroup

	runsMu sync.Mutex
	runs   map[runKey]*run
}

func New(cfg Config, rules text.PhoneRules, sessions Sessions, bus eventbus.Bus, history History, log logx.Logger) *Engine {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	return &Engine{
		cfg:      cfg,
		rules:    rules,
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		sessions: sessions,
		bus:      bus,
		history:  history,
		log:      log,
		runs:     map[runKey]*run{},
	}
}

// Start arms the engine. Runs submitted before Start are rejected with
// ErrSessionNotReady (the server wires Start before the HTTP listener, so in
// practice this only guards tests and shutdown races).
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx != nil {
		return
	}
	e.runCtx, e.runCancel = context.WithCancel(ctx)
}

// Shutdown cancels every active run and waits for their loops to exit.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	cancel := e.runCancel
	e.runCtx, e.runCancel = nil, nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.runWG.Wait()
}

// Apply swaps behavior knobs at runtime (config hot reload).
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	e.limiter = rate.NewLimiter(rate.Limit(rps), rps)
}

// Submit validates the submission, atomically claims the (session, kind) run
// slot, and starts the run goroutine. It returns before any recipient is
// processed.
func (e *Engine) Submit(sessionID string, kind Kind, recipientList string, opt Options) (string, error) {
	e.mu.Lock()
	cfg := e.cfg
	armed := e.runCtx != nil && e.runCtx.Err() == nil
	e.mu.Unlock()

	if !armed {
		return "", ErrSessionNotReady
	}
	if kind != KindBroadcast && kind != KindInvite {
		return "", ErrUnknownKind
	}
	if kind == KindInvite && opt.GroupID == "" {
		return "", ErrMissingGroup
	}

	delay := time.Duration(opt.DelaySeconds) * time.Second
	if delay < cfg.MinDelay || delay > cfg.MaxDelay {
		return "", ErrInvalidDelay
	}

	recipients := text.ParseRecipients(recipientList)
	if len(recipients) == 0 {
		return "", ErrNoRecipients
	}

	conn, err := e.sessions.Conn(sessionID)
	if err != nil {
		return "", ErrSessionNotReady
	}

	r := newRun(e, sessionID, kind, conn, recipients, opt, delay)

	// Atomic check-and-register: the slot is claimed under runsMu or the
	// submission loses.
	key := runKey{sessionID: sessionID, kind: kind}
	e.runsMu.Lock()
	if _, busy := e.runs[key]; busy {
		e.runsMu.Unlock()
		return "", ErrAlreadyRunning
	}
	e.runs[key] = r
	e.runsMu.Unlock()

	// Re-check armed state under e.mu before touching the WaitGroup:
	// Shutdown disarms under the same lock and only then calls Wait, so an
	// Add can never race a Wait on a drained counter.
	e.mu.Lock()
	runCtx := e.runCtx
	if runCtx == nil || runCtx.Err() != nil {
		e.mu.Unlock()
		e.release(key)
		return "", ErrSessionNotReady
	}
	e.runWG.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.runWG.Done()
		defer e.release(key)
		r.exec(runCtx)
	}()

	e.log.Info("campaign accepted",
		logx.String("run", r.id),
		logx.String("session", sessionID),
		logx.String("kind", string(kind)),
		logx.Int("total", len(recipients)),
		logx.Duration("delay", delay))
	return r.id, nil
}

// Stop flags the matching active run for cooperative cancellation. No-op when
// nothing matches.
func (e *Engine) Stop(sessionID string, kind Kind) bool {
	e.runsMu.Lock()
	r := e.runs[runKey{sessionID: sessionID, kind: kind}]
	e.runsMu.Unlock()
	if r == nil {
		return false
	}
	r.requestStop()
	return true
}

// Active reports whether a run of the given kind is in flight.
func (e *Engine) Active(sessionID string, kind Kind) bool {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	_, ok := e.runs[runKey{sessionID: sessionID, kind: kind}]
	return ok
}

func (e *Engine) release(key runKey) {
	e.runsMu.Lock()
	delete(e.runs, key)
	e.runsMu.Unlock()
}

func (e *Engine) snapshotCfg() (Config, *rate.Limiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg, e.limiter
}
