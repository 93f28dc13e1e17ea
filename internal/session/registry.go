// Package session tracks one messaging-network connection per session id and
// drives its authentication lifecycle: pairing (QR), reconnection with
// backoff, credential self-healing, and teardown.
package session

import (
	"context"
	"sync"
	"time"

	"wablast/internal/eventbus"
	"wablast/internal/provider"
	logx "wablast/pkg/logx"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// Registry is the session table. All map access is a single lock-guarded
// lookup/insert/remove; per-session work happens in that session's supervise
// goroutine.
type Registry struct {
	dialer provider.Dialer
	bus    eventbus.Bus
	log    logx.Logger

	// reconnect pacing; fixed except in tests.
	backoffBase time.Duration
	backoffMax  time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

func NewRegistry(dialer provider.Dialer, bus eventbus.Bus, log logx.Logger) *Registry {
	return &Registry{
		dialer:      dialer,
		bus:         bus,
		log:         log,
		backoffBase: reconnectBase,
		backoffMax:  reconnectMax,
		sessions:    map[string]*session{},
	}
}

// Initialize ensures a live connection exists for id and replays the current
// lifecycle state to observers. Idempotent with respect to handle creation: a
// second call while a handle lives only replays.
func (r *Registry) Initialize(ctx context.Context, id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok && s.snapshot().State != StateClosed {
		r.mu.Unlock()
		r.Replay(id)
		return
	}
	if !ok {
		s = &session{id: id, state: StateInitializing, down: make(chan downSignal, 1)}
		r.sessions[id] = s
	} else {
		// Closed session being re-initialized: fresh loop, same entry.
		s.mu.Lock()
		s.state = StateInitializing
		s.down = make(chan downSignal, 1)
		s.mu.Unlock()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	r.mu.Unlock()

	go r.supervise(loopCtx, s)
}

// Status is side-effect-free. Unknown ids report Uninitialized.
func (r *Registry) Status(id string) Status {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return Status{State: StateUninitialized}
	}
	return s.snapshot()
}

// Conn returns the session's live handle when it is authenticated.
func (r *Registry) Conn(id string) (provider.Conn, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotReady
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticated || s.conn == nil {
		return nil, ErrNotReady
	}
	return s.conn, nil
}

// Disconnect logs the session out of the network and closes the handle.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	s.mu.Lock()
	conn := s.conn
	authed := s.state == StateAuthenticated
	s.mu.Unlock()
	if !authed || conn == nil {
		return ErrNotConnected
	}
	if err := conn.Logout(ctx); err != nil {
		r.log.Warn("logout failed", logx.String("session", id), logx.Err(err))
	}
	s.signalDown(downTerminal, "manual disconnect")
	return nil
}

// Clear tears down any live handle (best-effort) and erases persisted
// credentials. Safe to call when no session exists; the next Initialize
// starts a fresh pairing flow.
func (r *Registry) Clear(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok {
		if s.stop != nil {
			s.stop()
		}
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	}
	return r.dialer.Erase(id)
}

// Replay re-emits the session's current state onto the bus so a freshly
// attached observer catches up: the cached QR challenge while pairing, or the
// authenticated identity once logged in.
func (r *Registry) Replay(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	state := s.state
	qr := s.lastQR
	var ident *provider.Identity
	if s.identity != nil {
		cp := *s.identity
		ident = &cp
	}
	s.mu.Unlock()

	switch {
	case state == StateAuthenticated && ident != nil:
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeAuthenticated, SessionID: id, Data: ident})
	case state == StateAwaitingAuth && qr != "":
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeQR, SessionID: id, Data: map[string]string{"code": qr}})
	}
}

// Close tears down every session handle. Used at shutdown; credentials stay.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = map[string]*session{}
	r.mu.Unlock()

	for _, s := range all {
		if s.stop != nil {
			s.stop()
		}
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	}
}

// supervise owns the session's connection for its whole life: dial, watch for
// teardown signals, and decide between redial, credential self-heal, and
// terminal stop. Reconnect backs off exponentially so a persistently failing
// provider is not hot-looped against.
func (r *Registry) supervise(ctx context.Context, s *session) {
	log := r.log.With(logx.String("session", s.id))
	backoff := r.backoffBase

	for {
		if ctx.Err() != nil {
			return
		}
		s.setState(StateInitializing)

		conn, err := r.dialer.Dial(ctx, s.id, r.eventsFor(s))
		if err != nil {
			log.Warn("dial failed", logx.Err(err), logx.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = r.nextBackoff(backoff)
			continue
		}
		backoff = r.backoffBase

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		var sig downSignal
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case sig = <-s.down:
		}

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()

		switch sig.kind {
		case downTerminal:
			log.Info("session closed", logx.String("reason", sig.reason))
			s.mu.Lock()
			s.state = StateClosed
			s.identity = nil
			s.lastQR = ""
			s.mu.Unlock()
			return

		case downUnauthorized:
			s.mu.Lock()
			healed := s.selfHealed
			s.selfHealed = true
			s.mu.Unlock()
			if healed {
				// Already tried the erase-and-repair path once; stop here
				// rather than burning pairing attempts.
				log.Error("credentials rejected again after self-heal; giving up")
				s.setState(StateClosed)
				return
			}
			log.Warn("credentials rejected; erasing and starting fresh pairing")
			s.setState(StateReauthorizing)
			if err := r.dialer.Erase(s.id); err != nil {
				log.Warn("credential erase failed", logx.Err(err))
			}
			continue

		default: // transient disconnect; same credentials
			log.Info("disconnected; reconnecting", logx.String("reason", sig.reason), logx.Duration("in", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = r.nextBackoff(backoff)
		}
	}
}

// eventsFor wires provider callbacks into session state + bus events. The
// callbacks run on provider goroutines and must not block.
func (r *Registry) eventsFor(s *session) provider.Events {
	return provider.Events{
		QR: func(code string) {
			s.mu.Lock()
			s.state = StateAwaitingAuth
			s.lastQR = code
			s.mu.Unlock()
			r.bus.Publish(eventbus.Event{
				Type:      eventbus.TypeQR,
				SessionID: s.id,
				Data:      map[string]string{"code": code},
			})
		},
		Authenticated: func(id provider.Identity) {
			s.mu.Lock()
			s.state = StateAuthenticated
			s.identity = &id
			s.lastQR = ""
			// A successful login proves the credential store is healthy again.
			s.selfHealed = false
			s.mu.Unlock()
			r.bus.Publish(eventbus.Event{
				Type:      eventbus.TypeAuthenticated,
				SessionID: s.id,
				Data:      &id,
			})
		},
		Disconnected: func(reason string, recoverable bool) {
			kind := downRecoverable
			evType := eventbus.TypeDisconnected
			if !recoverable {
				kind = downTerminal
				evType = eventbus.TypeLoggedOut
			}
			r.bus.Publish(eventbus.Event{
				Type:      evType,
				SessionID: s.id,
				Data:      map[string]string{"reason": reason},
			})
			s.signalDown(kind, reason)
		},
		Unauthorized: func() {
			r.bus.Publish(eventbus.Event{
				Type:      eventbus.TypeDisconnected,
				SessionID: s.id,
				Data:      map[string]string{"reason": "unauthorized"},
			})
			s.signalDown(downUnauthorized, "unauthorized")
		},
	}
}

func (r *Registry) nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > r.backoffMax {
		return r.backoffMax
	}
	return next
}
