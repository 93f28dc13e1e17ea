package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wablast/internal/eventbus"
	"wablast/internal/provider"
	logx "wablast/pkg/logx"
)

// fakeDialer hands out fakeConns and records the Events of each dial so tests
// can drive lifecycle callbacks.
type fakeDialer struct {
	mu     sync.Mutex
	dials  []provider.Events
	erased []string
	fail   error
}

func (d *fakeDialer) Dial(ctx context.Context, id string, ev provider.Events) (provider.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	d.dials = append(d.dials, ev)
	return &fakeConn{}, nil
}

func (d *fakeDialer) Erase(id string) error {
	d.mu.Lock()
	d.erased = append(d.erased, id)
	d.mu.Unlock()
	return nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) events(i int) provider.Events {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[i]
}

type fakeConn struct {
	mu        sync.Mutex
	closed    bool
	loggedOut bool
}

func (c *fakeConn) SendText(ctx context.Context, phone, body string) error { return nil }
func (c *fakeConn) SendMedia(ctx context.Context, phone string, m provider.Media, caption string) error {
	return nil
}
func (c *fakeConn) Groups(ctx context.Context) ([]provider.Group, error) { return nil, nil }
func (c *fakeConn) AddGroupMember(ctx context.Context, groupID, phone string) (int, error) {
	return provider.AddOK, nil
}
func (c *fakeConn) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()
	return nil
}
func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func newTestRegistry(d provider.Dialer) *Registry {
	r := NewRegistry(d, eventbus.New(), logx.Nop())
	r.backoffBase = time.Millisecond
	r.backoffMax = 5 * time.Millisecond
	return r
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestInitializeAndAuthenticate(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r := newTestRegistry(d)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Initialize(ctx, "s1")
	waitFor(t, func() bool { return d.dialCount() == 1 })

	if st := r.Status("s1"); st.Authenticated {
		t.Fatalf("fresh session already authenticated: %+v", st)
	}
	if _, err := r.Conn("s1"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Conn before auth: err = %v, want ErrNotReady", err)
	}

	ev := d.events(0)
	ev.QR("qr-code-1")
	waitFor(t, func() bool { return r.Status("s1").State == StateAwaitingAuth })

	ev.Authenticated(provider.Identity{Name: "Operator", JID: "628111"})
	waitFor(t, func() bool { return r.Status("s1").Authenticated })

	st := r.Status("s1")
	if st.Identity == nil || st.Identity.JID != "628111" {
		t.Fatalf("identity = %+v", st.Identity)
	}
	if _, err := r.Conn("s1"); err != nil {
		t.Fatalf("Conn after auth: %v", err)
	}

	// Re-initializing an id with a live handle must not dial again.
	r.Initialize(ctx, "s1")
	time.Sleep(20 * time.Millisecond)
	if n := d.dialCount(); n != 1 {
		t.Fatalf("dials = %d, want 1 (initialize must be idempotent)", n)
	}
}

func TestRecoverableDisconnectRedialsWithoutErase(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r := newTestRegistry(d)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Initialize(ctx, "s1")
	waitFor(t, func() bool { return d.dialCount() == 1 })

	d.events(0).Disconnected("stream error", true)
	waitFor(t, func() bool { return d.dialCount() == 2 })

	d.mu.Lock()
	erased := len(d.erased)
	d.mu.Unlock()
	if erased != 0 {
		t.Fatalf("credentials erased on a transient disconnect")
	}
}

func TestLoggedOutIsTerminal(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r := newTestRegistry(d)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Initialize(ctx, "s1")
	waitFor(t, func() bool { return d.dialCount() == 1 })

	d.events(0).Disconnected("logged out", false)
	waitFor(t, func() bool { return r.Status("s1").State == StateClosed })

	time.Sleep(20 * time.Millisecond)
	if n := d.dialCount(); n != 1 {
		t.Fatalf("dials = %d, want 1 (logged out must not retry)", n)
	}
}

func TestUnauthorizedSelfHealsExactlyOnce(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r := newTestRegistry(d)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Initialize(ctx, "s1")
	waitFor(t, func() bool { return d.dialCount() == 1 })

	d.events(0).Unauthorized()
	waitFor(t, func() bool { return d.dialCount() == 2 })

	d.mu.Lock()
	erased := len(d.erased)
	d.mu.Unlock()
	if erased != 1 {
		t.Fatalf("erase count = %d, want 1", erased)
	}

	// Second rejection gives up instead of looping.
	d.events(1).Unauthorized()
	waitFor(t, func() bool { return r.Status("s1").State == StateClosed })
	time.Sleep(20 * time.Millisecond)
	if n := d.dialCount(); n != 2 {
		t.Fatalf("dials = %d, want 2", n)
	}
}

func TestDisconnectRequiresAuthenticated(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r := newTestRegistry(d)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Disconnect(ctx, "missing"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}

	r.Initialize(ctx, "s1")
	waitFor(t, func() bool { return d.dialCount() == 1 })
	if err := r.Disconnect(ctx, "s1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("unauthenticated disconnect: err = %v, want ErrNotConnected", err)
	}

	d.events(0).Authenticated(provider.Identity{JID: "628111"})
	waitFor(t, func() bool { return r.Status("s1").Authenticated })
	if err := r.Disconnect(ctx, "s1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	waitFor(t, func() bool { return r.Status("s1").State == StateClosed })
}

func TestClearErasesAndForgets(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	r := newTestRegistry(d)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Clear with no session: still erases, still fine.
	if err := r.Clear("ghost"); err != nil {
		t.Fatalf("Clear on unknown id: %v", err)
	}

	r.Initialize(ctx, "s1")
	waitFor(t, func() bool { return d.dialCount() == 1 })
	if err := r.Clear("s1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if st := r.Status("s1"); st.State != StateUninitialized {
		t.Fatalf("state after clear = %s", st.State)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.erased) != 2 {
		t.Fatalf("erased = %v", d.erased)
	}
}

func TestReplayPublishesCachedQR(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	bus := eventbus.New()
	r := NewRegistry(d, bus, logx.Nop())
	r.backoffBase = time.Millisecond
	r.backoffMax = 5 * time.Millisecond
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Initialize(ctx, "s1")
	waitFor(t, func() bool { return d.dialCount() == 1 })
	d.events(0).QR("qr-xyz")
	waitFor(t, func() bool { return r.Status("s1").State == StateAwaitingAuth })

	// Observer attaches late and asks for a replay.
	ch, unsub := bus.Subscribe(4)
	defer unsub()
	r.Replay("s1")

	select {
	case e := <-ch:
		if e.Type != eventbus.TypeQR || e.SessionID != "s1" {
			t.Fatalf("replayed event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no replayed QR event")
	}
}
