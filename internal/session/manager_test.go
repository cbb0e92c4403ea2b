package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/fault"
)

func testConfig() config.SessionsConfig {
	return config.SessionsConfig{
		IdleTimeout:   time.Minute,
		SweepSchedule: "@every 1m",
		BusyPolicy:    "reject",
		QueueDepth:    4,
	}
}

func hasCode(err error, code fault.Code) bool {
	var fe *fault.Error
	return errors.As(err, &fe) && fe.Code == code
}

// waitProcessing polls until the session's processing flag reaches want.
func waitProcessing(t *testing.T, s *Session, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, processing := s.Status(); processing == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("processing never became %v", want)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestOpenRejectsDuplicateChat(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	defer m.Stop()

	if _, err := m.Open("", "assistant", make(chan events.Event, 1)); !hasCode(err, fault.CodeValidation) {
		t.Fatalf("empty chat id err = %v, want %s", err, fault.CodeValidation)
	}

	if _, err := m.Open("chat-1", "assistant", make(chan events.Event, 1)); err != nil {
		t.Fatalf("first open: %v", err)
	}
	_, err := m.Open("chat-1", "assistant", make(chan events.Event, 1))
	if !hasCode(err, fault.CodeBusy) {
		t.Fatalf("duplicate open err = %v, want %s", err, fault.CodeBusy)
	}
	if got := m.Len(); got != 1 {
		t.Fatalf("len = %d, want 1", got)
	}
}

func TestSubmitRunsTurnsInOrder(t *testing.T) {
	cfg := testConfig()
	cfg.BusyPolicy = "queue"
	m := NewManager(cfg, nil, nil)
	defer m.Stop()

	s, err := m.Open("chat-1", "assistant", make(chan events.Event, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		i := i
		err := s.Submit(context.Background(), func(context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 2 {
				close(done)
			}
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queued turns did not run")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("order = %v, want [0 1 2]", order)
	}
}

func TestSubmitRejectPolicyFailsBusy(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	defer m.Stop()

	s, err := m.Open("chat-1", "assistant", make(chan events.Event, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	err = s.Submit(context.Background(), func(ctx context.Context) {
		close(entered)
		select {
		case <-release:
		case <-ctx.Done():
		}
	})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	<-entered

	err = s.Submit(context.Background(), func(context.Context) {})
	if !hasCode(err, fault.CodeBusy) {
		t.Fatalf("busy submit err = %v, want %s", err, fault.CodeBusy)
	}

	close(release)
	waitProcessing(t, s, false)
	if err := s.Submit(context.Background(), func(context.Context) {}); err != nil {
		t.Fatalf("submit after turn finished: %v", err)
	}
}

func TestSubmitQueuePolicyFailsWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.BusyPolicy = "queue"
	cfg.QueueDepth = 1
	m := NewManager(cfg, nil, nil)
	defer m.Stop()

	s, err := m.Open("chat-1", "assistant", make(chan events.Event, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	err = s.Submit(context.Background(), func(ctx context.Context) {
		close(entered)
		select {
		case <-release:
		case <-ctx.Done():
		}
	})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	// The worker has dequeued the first turn, so exactly one queue slot
	// is free.
	<-entered

	if err := s.Submit(context.Background(), func(context.Context) {}); err != nil {
		t.Fatalf("queued submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.Submit(ctx, func(context.Context) {})
	if !hasCode(err, fault.CodeBusy) {
		t.Fatalf("full queue err = %v, want %s", err, fault.CodeBusy)
	}
	close(release)
}

func TestSubmitRejectsNilRound(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	defer m.Stop()

	s, err := m.Open("chat-1", "assistant", make(chan events.Event, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Submit(context.Background(), nil); !hasCode(err, fault.CodeValidation) {
		t.Fatalf("nil round err = %v, want %s", err, fault.CodeValidation)
	}
}

func TestAbortCancelsRunningTurn(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	defer m.Stop()

	s, err := m.Open("chat-1", "assistant", make(chan events.Event, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	entered := make(chan struct{})
	stopped := make(chan error, 1)
	err = s.Submit(context.Background(), func(ctx context.Context) {
		close(entered)
		<-ctx.Done()
		stopped <- ctx.Err()
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-entered

	if !m.Abort("chat-1", "stop") {
		t.Fatal("abort reported missing session")
	}
	select {
	case err := <-stopped:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("turn ctx err = %v, want canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not cancel the turn")
	}

	waitProcessing(t, s, false)
	if got := s.AbortReason(); got != "stop" {
		t.Fatalf("abort reason = %q, want stop", got)
	}
	if _, ok := m.Get("chat-1"); !ok {
		t.Fatal("abort closed the session; want it kept open")
	}
	if m.Abort("chat-404", "stop") {
		t.Fatal("abort of unknown chat reported true")
	}
}

func TestAttachAbortNarrowsTarget(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	defer m.Stop()

	s, err := m.Open("chat-1", "assistant", make(chan events.Event, 1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	entered := make(chan struct{})
	innerDone := make(chan error, 1)
	turnDone := make(chan error, 1)
	err = s.Submit(context.Background(), func(ctx context.Context) {
		inner, cancel := context.WithCancel(ctx)
		s.AttachAbort(cancel)
		close(entered)
		<-inner.Done()
		innerDone <- inner.Err()
		s.ClearAbort()
		turnDone <- ctx.Err()
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-entered

	m.Abort("chat-1", "round")
	select {
	case err := <-innerDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("inner round err = %v, want canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not reach the attached round")
	}
	if err := <-turnDone; err != nil {
		t.Fatalf("turn ctx err = %v, want nil after a round-scoped abort", err)
	}
}

func TestCloseSendsDisconnectedWhenIdle(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	defer m.Stop()

	ch := make(chan events.Event, 4)
	s, err := m.Open("chat-1", "assistant", ch)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if !m.Close("chat-1") {
		t.Fatal("close reported missing session")
	}
	select {
	case e := <-ch:
		if e.Type != events.KindDisconnected {
			t.Fatalf("frame type = %q, want %q", e.Type, events.KindDisconnected)
		}
		if p := e.Data.(events.DisconnectedPayload); p.Reason != "closed" {
			t.Fatalf("reason = %q, want closed", p.Reason)
		}
	default:
		t.Fatal("no parting frame on idle close")
	}
	if s.Context().Err() == nil {
		t.Fatal("session context still live after close")
	}
	if _, ok := m.Get("chat-1"); ok {
		t.Fatal("session still registered after close")
	}
	if m.Close("chat-1") {
		t.Fatal("second close reported true")
	}
}

func TestCloseDuringTurnSkipsPartingFrame(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	defer m.Stop()

	ch := make(chan events.Event, 4)
	s, err := m.Open("chat-1", "assistant", ch)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	entered := make(chan struct{})
	stopped := make(chan struct{})
	err = s.Submit(context.Background(), func(ctx context.Context) {
		close(entered)
		<-ctx.Done()
		close(stopped)
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-entered

	m.Close("chat-1")
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not cancel the running turn")
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected frame %q; the running turn owns the channel", e.Type)
	default:
	}
}

func TestSweepClosesIdleSessions(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 10 * time.Minute
	m := NewManager(cfg, nil, nil)
	defer m.Stop()
	clock := &fakeClock{now: time.UnixMilli(1741964966000)}
	m.now = clock.Now

	idleCh := make(chan events.Event, 4)
	if _, err := m.Open("idle-chat", "assistant", idleCh); err != nil {
		t.Fatalf("open idle: %v", err)
	}
	busy, err := m.Open("busy-chat", "assistant", make(chan events.Event, 4))
	if err != nil {
		t.Fatalf("open busy: %v", err)
	}
	fresh, err := m.Open("fresh-chat", "assistant", make(chan events.Event, 4))
	if err != nil {
		t.Fatalf("open fresh: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	err = busy.Submit(context.Background(), func(ctx context.Context) {
		close(entered)
		select {
		case <-release:
		case <-ctx.Done():
		}
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-entered

	clock.Advance(11 * time.Minute)
	fresh.Touch()
	m.sweep()

	if _, ok := m.Get("idle-chat"); ok {
		t.Fatal("idle session survived the sweep")
	}
	if _, ok := m.Get("busy-chat"); !ok {
		t.Fatal("session with a running turn was swept")
	}
	if _, ok := m.Get("fresh-chat"); !ok {
		t.Fatal("recently touched session was swept")
	}

	select {
	case e := <-idleCh:
		if p := e.Data.(events.DisconnectedPayload); p.Reason != "idle" {
			t.Fatalf("reason = %q, want idle", p.Reason)
		}
	default:
		t.Fatal("no parting frame for the swept session")
	}
	close(release)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.SweepSchedule = "not a schedule"
	m := NewManager(cfg, nil, nil)
	if err := m.Start(); !hasCode(err, fault.CodeConfiguration) {
		t.Fatalf("start err = %v, want %s", err, fault.CodeConfiguration)
	}
}

func TestStopClosesAllSessions(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	ch1 := make(chan events.Event, 2)
	s1, err := m.Open("chat-1", "assistant", ch1)
	if err != nil {
		t.Fatalf("open chat-1: %v", err)
	}
	s2, err := m.Open("chat-2", "assistant", make(chan events.Event, 2))
	if err != nil {
		t.Fatalf("open chat-2: %v", err)
	}

	m.Stop()

	if got := m.Len(); got != 0 {
		t.Fatalf("len after stop = %d, want 0", got)
	}
	for _, s := range []*Session{s1, s2} {
		if s.Context().Err() == nil {
			t.Fatalf("session %s context live after stop", s.ChatID)
		}
	}
	e := <-ch1
	if p := e.Data.(events.DisconnectedPayload); p.Reason != "shutdown" {
		t.Fatalf("reason = %q, want shutdown", p.Reason)
	}
}
