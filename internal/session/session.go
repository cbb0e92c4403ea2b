// Package session tracks live chats: which channel delivers their
// events, whether a turn is running, and which handle aborts it. Every
// session runs one worker goroutine that executes queued turns strictly
// in order, so a chat never has more than one upstream round in flight.
// A cron-driven sweeper closes sessions that sit idle past the
// configured timeout.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/fault"
)

// RoundFunc is one queued turn. The context ends when the turn is
// aborted or the session closes.
type RoundFunc func(ctx context.Context)

// Session is one live chat. The exported fields are fixed at open time;
// everything mutable sits behind the mutex.
type Session struct {
	ChatID  string
	AppID   string
	Created time.Time

	ch      chan events.Event
	tracker *events.Tracker
	inbox   chan RoundFunc
	ctx     context.Context
	cancel  context.CancelFunc
	queue   bool
	now     func() time.Time

	mu           sync.Mutex
	lastActivity time.Time
	processing   bool

	// turnCancel aborts the whole running turn. abort is the current
	// abort target: it defaults to turnCancel and callers may narrow it
	// to an inner round for the duration of an upstream call.
	turnCancel  context.CancelFunc
	abort       context.CancelFunc
	abortReason string
}

// Tracker returns the emitter bound to this session's channel.
func (s *Session) Tracker() *events.Tracker { return s.tracker }

// Events returns the receive side of the session's channel. Only the
// session's writer goroutine may consume it.
func (s *Session) Events() <-chan events.Event { return s.ch }

// Context ends when the session closes. Turn contexts derive from it.
func (s *Session) Context() context.Context { return s.ctx }

// Touch updates the activity clock the idle sweeper reads.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// Status reports the activity clock and whether a turn is running.
func (s *Session) Status() (lastActivity time.Time, processing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity, s.processing
}

// Submit queues one turn. With the reject policy a turn submitted while
// another runs fails Busy immediately; with the queue policy it waits in
// FIFO order until the queue has room, failing Busy only when the queue
// is full.
func (s *Session) Submit(ctx context.Context, fn RoundFunc) error {
	if fn == nil {
		return fault.Validation("round function is required")
	}

	if s.queue {
		select {
		case s.inbox <- fn:
			s.Touch()
			return nil
		case <-s.ctx.Done():
			return fault.NotFound("chat", s.ChatID)
		case <-ctx.Done():
			return fault.Busy(s.ChatID).WithCause(ctx.Err())
		}
	}

	s.mu.Lock()
	if s.processing {
		s.mu.Unlock()
		return fault.Busy(s.ChatID)
	}
	s.processing = true
	s.mu.Unlock()

	// The claim above admits one turn at a time, so the buffered send
	// cannot block unless the session is closing.
	select {
	case s.inbox <- fn:
		s.Touch()
		return nil
	case <-s.ctx.Done():
		s.mu.Lock()
		s.processing = false
		s.mu.Unlock()
		return fault.NotFound("chat", s.ChatID)
	}
}

// AttachAbort narrows the abort target to an inner round.
func (s *Session) AttachAbort(handle context.CancelFunc) {
	s.mu.Lock()
	s.abort = handle
	s.mu.Unlock()
}

// ClearAbort restores the abort target to the running turn.
func (s *Session) ClearAbort() {
	s.mu.Lock()
	s.abort = s.turnCancel
	s.mu.Unlock()
}

// Abort cancels the current abort target and records the first reason.
// Calling it again, or with no turn running, is a no-op.
func (s *Session) Abort(reason string) {
	s.mu.Lock()
	handle := s.abort
	if handle != nil && s.abortReason == "" {
		s.abortReason = reason
	}
	s.mu.Unlock()
	if handle != nil {
		handle()
	}
}

// AbortReason returns the reason recorded by the first Abort of the
// current turn, or empty when the turn was not aborted.
func (s *Session) AbortReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortReason
}

// worker executes queued turns one at a time until the session closes.
func (s *Session) worker() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.inbox:
			s.runTurn(fn)
		}
	}
}

func (s *Session) runTurn(fn RoundFunc) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	s.mu.Lock()
	s.processing = true
	s.turnCancel = cancel
	s.abort = cancel
	s.abortReason = ""
	s.mu.Unlock()

	fn(ctx)

	s.mu.Lock()
	s.processing = false
	s.turnCancel = nil
	s.abort = nil
	s.lastActivity = s.now()
	s.mu.Unlock()
}
