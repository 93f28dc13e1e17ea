package session

import (
	"sync"

	"wablast/internal/provider"
)

// State is a session's position in the connection lifecycle.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateAwaitingAuth  State = "awaiting_authentication"
	StateAuthenticated State = "authenticated"
	StateReauthorizing State = "reauthorizing"
	StateClosed        State = "closed"
)

// Status is the side-effect-free view returned to status queries.
type Status struct {
	State         State              `json:"state"`
	Authenticated bool               `json:"authenticated"`
	Identity      *provider.Identity `json:"identity"`
}

// downKind classifies why a connection went down, which decides what the
// supervise loop does next.
type downKind int

const (
	downRecoverable  downKind = iota // transient; redial with same credentials
	downTerminal                     // logged out / explicit close; no retry
	downUnauthorized                 // credentials rejected; erase + fresh pair, once
)

type downSignal struct {
	kind   downKind
	reason string
}

// session is one registry entry. The conn handle is owned exclusively by the
// supervise loop; everything else is guarded by mu.
type session struct {
	id string

	mu       sync.Mutex
	state    State
	conn     provider.Conn
	identity *provider.Identity
	lastQR   string
	// selfHealed latches after the one automatic erase+reauth following an
	// unauthorized rejection, so corrupted credentials can't loop forever.
	selfHealed bool

	down chan downSignal
	stop func() // cancels the supervise loop context
}

func (s *session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state}
	if s.state == StateAuthenticated && s.identity != nil {
		st.Authenticated = true
		id := *s.identity
		st.Identity = &id
	}
	return st
}

// signalDown is called from provider event callbacks. Non-blocking: the loop
// only needs the first signal per connection; later ones describe the same
// teardown.
func (s *session) signalDown(kind downKind, reason string) {
	select {
	case s.down <- downSignal{kind: kind, reason: reason}:
	default:
	}
}
