package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"wablast/internal/eventbus"
	"wablast/internal/provider"
	"wablast/internal/text"
	logx "wablast/pkg/logx"
)

type fakeSessions struct {
	conn provider.Conn
	err  error
}

func (f fakeSessions) Conn(id string) (provider.Conn, error) { return f.conn, f.err }

// fakeConn records sends. When gate is non-nil every SendText/AddGroupMember
// first waits for a token, letting tests control run pacing deterministically.
type fakeConn struct {
	mu      sync.Mutex
	sent    []string
	added   []string
	entered int // how many operations have reached the gate
	gate    chan struct{}
	sendErr error
	addCode int
	hang    bool // block until ctx is done (timeout tests)
}

func (c *fakeConn) wait(ctx context.Context) error {
	if c.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.gate != nil {
		c.mu.Lock()
		c.entered++
		c.mu.Unlock()
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *fakeConn) enteredCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entered
}

func (c *fakeConn) SendText(ctx context.Context, phone, body string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, phone)
	c.mu.Unlock()
	return c.sendErr
}

func (c *fakeConn) SendMedia(ctx context.Context, phone string, m provider.Media, caption string) error {
	return c.SendText(ctx, phone, caption)
}

func (c *fakeConn) Groups(ctx context.Context) ([]provider.Group, error) { return nil, nil }

func (c *fakeConn) AddGroupMember(ctx context.Context, groupID, phone string) (int, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.added = append(c.added, phone)
	c.mu.Unlock()
	return c.addCode, nil
}

func (c *fakeConn) Logout(ctx context.Context) error { return nil }
func (c *fakeConn) Close()                           {}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
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

func testConfig() Config {
	return Config{
		MinDelay:    0,
		MaxDelay:    120 * time.Second,
		SendTimeout: 2 * time.Second,
		RatePerSec:  1000,
		MessageGap:  time.Millisecond,
	}
}

func newTestEngine(t *testing.T, conn provider.Conn, sessErr error) (*Engine, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	e := New(testConfig(), text.DefaultPhoneRules(), fakeSessions{conn: conn, err: sessErr}, bus, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.Start(ctx)
	t.Cleanup(e.Shutdown)
	return e, bus
}

// collect drains bus events until a Complete arrives (or times out).
func collect(t *testing.T, ch <-chan eventbus.Event) (progress []Progress, stopped *Stopped, complete Complete) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-ch:
			switch e.Type {
			case eventbus.TypeProgress:
				progress = append(progress, e.Data.(Progress))
			case eventbus.TypeStopped:
				s := e.Data.(Stopped)
				stopped = &s
			case eventbus.TypeComplete:
				complete = e.Data.(Complete)
				return
			}
		case <-deadline:
			t.Fatal("no completion event")
		}
	}
}

func TestBroadcastRunWithMalformedRecipient(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	e, bus := newTestEngine(t, conn, nil)
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	list := "Budi, 0812-3456-7890\nbroken-line\nSiti, 081111"
	_, err := e.Submit("s1", KindBroadcast, list, Options{
		Templates: []string{"Hello {name}"},
		Policy:    text.PolicySequential,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	progress, stopped, complete := collect(t, ch)
	if stopped != nil {
		t.Fatalf("unexpected stop event: %+v", stopped)
	}
	if complete.Attempted != 3 || complete.Succeeded != 2 || complete.Failed != 1 {
		t.Fatalf("counts = %+v", complete)
	}
	if complete.Attempted != complete.Succeeded+complete.Failed {
		t.Fatal("attempted != succeeded + failed")
	}
	if len(progress) != 3 {
		t.Fatalf("progress events = %d, want 3", len(progress))
	}
	for i, p := range progress {
		if p.Current != i+1 || p.Total != 3 {
			t.Fatalf("progress %d out of order: %+v", i, p)
		}
	}
	if progress[1].Status != statusError || progress[1].Error != ReasonInvalidFormat {
		t.Fatalf("malformed line progress = %+v", progress[1])
	}
	// Only the two valid recipients produced sends, with canonical numbers.
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.sent) != 2 || conn.sent[0] != "6281234567890" || conn.sent[1] != "6281111" {
		t.Fatalf("sent = %v", conn.sent)
	}
}

func TestSubmitSessionNotReady(t *testing.T) {
	t.Parallel()
	e, bus := newTestEngine(t, nil, errors.New("not authenticated"))
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	_, err := e.Submit("s1", KindBroadcast, "Budi, 0812", Options{Templates: []string{"x"}})
	if !errors.Is(err, ErrSessionNotReady) {
		t.Fatalf("err = %v, want ErrSessionNotReady", err)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubmitRejectsSecondRunOfSameKind(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{gate: make(chan struct{})}
	e, bus := newTestEngine(t, conn, nil)
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	if _, err := e.Submit("s1", KindBroadcast, "Budi, 0812\nSiti, 0813", Options{Templates: []string{"x"}}); err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	// Second broadcast for the same session must lose the slot race...
	if _, err := e.Submit("s1", KindBroadcast, "Andi, 0814", Options{Templates: []string{"x"}}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	// ...but a different kind, or a different session, may run concurrently.
	if _, err := e.Submit("s1", KindInvite, "Andi, 0814", Options{GroupID: "g@g.us"}); err != nil {
		t.Fatalf("invite Submit: %v", err)
	}
	if _, err := e.Submit("s2", KindBroadcast, "Andi, 0814", Options{Templates: []string{"x"}}); err != nil {
		t.Fatalf("other-session Submit: %v", err)
	}

	// Release all gated sends (2 broadcast + 1 invite + 1 other-session) and
	// wait for the three completions.
	go func() {
		for i := 0; i < 4; i++ {
			conn.gate <- struct{}{}
		}
	}()
	for completions := 0; completions < 3; {
		_, _, _ = collect(t, ch)
		completions++
	}
	if e.Active("s1", KindBroadcast) {
		t.Fatal("run slot not released after completion")
	}
}

func TestStopAtIndex(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{gate: make(chan struct{})}
	e, bus := newTestEngine(t, conn, nil)
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	list := "A, 0811\nB, 0812\nC, 0813\nD, 0814\nE, 0815"
	if _, err := e.Submit("s1", KindBroadcast, list, Options{Templates: []string{"x"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Let recipient 1 through, then request stop while send 2 is in flight.
	conn.gate <- struct{}{}
	waitFor(t, func() bool { return conn.enteredCount() == 2 })
	if !e.Stop("s1", KindBroadcast) {
		t.Fatal("Stop found no active run")
	}
	conn.gate <- struct{}{} // in-flight send is allowed to finish

	progress, stopped, complete := collect(t, ch)
	if stopped == nil {
		t.Fatal("no stop event")
	}
	if stopped.At != 2 || stopped.Total != 5 {
		t.Fatalf("stopped = %+v, want at=2 total=5", stopped)
	}
	if len(progress) != 2 {
		t.Fatalf("progress events = %d, want 2 (none past the stop index)", len(progress))
	}
	if complete.Attempted != 2 {
		t.Fatalf("attempted = %d, want 2", complete.Attempted)
	}
	if conn.sentCount() != 2 {
		t.Fatalf("sends = %d, want 2", conn.sentCount())
	}
}

func TestSubmitConcurrentWithShutdown(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	bus := eventbus.New()
	e := New(testConfig(), text.DefaultPhoneRules(), fakeSessions{conn: conn}, bus, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	// Hammer Submit from several goroutines while Shutdown runs. Every call
	// must either be admitted (and then drained by Shutdown) or rejected
	// cleanly; no panics, no WaitGroup misuse.
	var wg sync.WaitGroup
	for n := 0; n < 8; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				id := fmt.Sprintf("s%d-%d", n, j)
				if _, err := e.Submit(id, KindBroadcast, "A, 0811", Options{Templates: []string{"x"}}); err != nil && !errors.Is(err, ErrSessionNotReady) {
					t.Errorf("Submit(%s): %v", id, err)
				}
			}
		}(n)
	}
	e.Shutdown()
	wg.Wait()

	if _, err := e.Submit("late", KindBroadcast, "A, 0811", Options{Templates: []string{"x"}}); !errors.Is(err, ErrSessionNotReady) {
		t.Fatalf("post-shutdown Submit: err = %v, want ErrSessionNotReady", err)
	}
}

func TestStopUnknownRunIsNoop(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, &fakeConn{}, nil)
	if e.Stop("nobody", KindBroadcast) {
		t.Fatal("Stop reported success for a run that does not exist")
	}
}

func TestDelayBounds(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	bus := eventbus.New()
	cfg := testConfig()
	cfg.MinDelay = time.Second
	cfg.MaxDelay = 10 * time.Second
	e := New(cfg, text.DefaultPhoneRules(), fakeSessions{conn: conn}, bus, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Shutdown()

	for _, secs := range []int{0, 11} {
		if _, err := e.Submit("s1", KindBroadcast, "A, 0811", Options{DelaySeconds: secs, Templates: []string{"x"}}); !errors.Is(err, ErrInvalidDelay) {
			t.Fatalf("delay %ds: err = %v, want ErrInvalidDelay", secs, err)
		}
	}
}

func TestSendTimeoutIsPerRecipient(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{hang: true}
	bus := eventbus.New()
	cfg := testConfig()
	cfg.SendTimeout = 20 * time.Millisecond
	e := New(cfg, text.DefaultPhoneRules(), fakeSessions{conn: conn}, bus, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Shutdown()

	ch, unsub := bus.Subscribe(64)
	defer unsub()

	if _, err := e.Submit("s1", KindBroadcast, "A, 0811\nB, 0812", Options{Templates: []string{"x"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	progress, stopped, complete := collect(t, ch)
	if stopped != nil {
		t.Fatal("timeouts must not stop the run")
	}
	if complete.Failed != 2 || complete.Succeeded != 0 {
		t.Fatalf("counts = %+v", complete)
	}
	for _, p := range progress {
		if p.Error != ReasonSendTimeout {
			t.Fatalf("reason = %q, want %q", p.Error, ReasonSendTimeout)
		}
	}
}

func TestInviteRunMapsStatusCodes(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{addCode: provider.AddAlreadyMember}
	e, bus := newTestEngine(t, conn, nil)
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	if _, err := e.Submit("s1", KindInvite, "A, 0811", Options{}); !errors.Is(err, ErrMissingGroup) {
		t.Fatalf("missing group: err = %v", err)
	}

	if _, err := e.Submit("s1", KindInvite, "A, 0811", Options{GroupID: "123@g.us"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, _, complete := collect(t, ch)
	if complete.Failed != 1 {
		t.Fatalf("counts = %+v", complete)
	}
	if complete.Results[0].Reason != "already a member" {
		t.Fatalf("reason = %q", complete.Results[0].Reason)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.added) != 1 || conn.added[0] != "62811" {
		t.Fatalf("added = %v", conn.added)
	}
}

func TestConnectionLossMidRunCompletesRun(t *testing.T) {
	t.Parallel()
	conn := &lossyConn{}
	e, bus := newTestEngine(t, conn, nil)
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	list := "A, 0811\nB, 0812\nC, 0813"
	if _, err := e.Submit("s1", KindBroadcast, list, Options{Templates: []string{"x"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	progress, stopped, complete := collect(t, ch)
	if stopped != nil {
		t.Fatal("a dead connection must not stop the run")
	}
	if complete.Attempted != 3 || complete.Succeeded != 1 || complete.Failed != 2 {
		t.Fatalf("counts = %+v", complete)
	}
	if complete.Attempted != complete.Succeeded+complete.Failed {
		t.Fatal("attempted != succeeded + failed")
	}
	if len(progress) != 3 {
		t.Fatalf("progress events = %d, want 3", len(progress))
	}
	for i, p := range progress {
		if p.Current != i+1 || p.Total != 3 {
			t.Fatalf("progress %d out of order: %+v", i, p)
		}
	}
	if progress[0].Status != statusSuccess {
		t.Fatalf("first recipient = %+v, want success", progress[0])
	}
	for _, p := range progress[1:] {
		if p.Status != statusError || p.Error != "websocket not connected" {
			t.Fatalf("post-loss recipient = %+v", p)
		}
	}
}

// lossyConn delivers the first send, then behaves like a connection whose
// socket dropped mid-run: every later send fails.
type lossyConn struct {
	fakeConn
}

func (c *lossyConn) SendText(ctx context.Context, phone, body string) error {
	if err := c.fakeConn.SendText(ctx, phone, body); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) > 1 {
		return errors.New("websocket not connected")
	}
	return nil
}

func TestSequentialTemplatesAcrossRun(t *testing.T) {
	t.Parallel()
	var bodies []string
	var mu sync.Mutex
	conn := &recordingConn{onText: func(body string) {
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
	}}
	e, bus := newTestEngine(t, conn, nil)
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	list := "A, 0811\nB, 0812\nC, 0813\nD, 0814\nE, 0815"
	if _, err := e.Submit("s1", KindBroadcast, list, Options{
		Templates: []string{"t0", "t1", "t2"},
		Policy:    text.PolicySequential,
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, _, _ = collect(t, ch)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"t0", "t1", "t2", "t0", "t1"}
	if len(bodies) != len(want) {
		t.Fatalf("bodies = %v", bodies)
	}
	for i := range want {
		if bodies[i] != want[i] {
			t.Fatalf("template order = %v, want %v", bodies, want)
		}
	}
}

type recordingConn struct {
	fakeConn
	onText func(body string)
}

func (c *recordingConn) SendText(ctx context.Context, phone, body string) error {
	if c.onText != nil {
		c.onText(body)
	}
	return c.fakeConn.SendText(ctx, phone, body)
}
