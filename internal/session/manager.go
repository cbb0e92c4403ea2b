package session

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/fault"
	"github.com/parleyhq/parley/internal/observability"
)

// Manager is the process-wide registry of live sessions, keyed by chat
// id. All map access goes through one mutex; per-session state has its
// own lock so holding a session never blocks the registry.
type Manager struct {
	cfg     config.SessionsConfig
	log     *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time

	cron *cron.Cron

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds the registry. Start must be called to arm the idle
// sweeper.
func NewManager(cfg config.SessionsConfig, log *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Open registers a new session bound to the given event channel and
// starts its worker. A chat id that already has an open session is
// rejected.
func (m *Manager) Open(chatID, appID string, ch chan events.Event) (*Session, error) {
	if chatID == "" {
		return nil, fault.Validation("chat id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[chatID]; ok {
		return nil, fault.New(fault.CodeBusy, "chat %s already has an open channel", chatID)
	}

	ctx := context.WithValue(context.Background(), observability.ChatIDKey, chatID)
	ctx = context.WithValue(ctx, observability.AppIDKey, appID)
	ctx, cancel := context.WithCancel(ctx)

	depth := 1
	queue := m.cfg.BusyPolicy == "queue"
	if queue && m.cfg.QueueDepth > 0 {
		depth = m.cfg.QueueDepth
	}

	s := &Session{
		ChatID:       chatID,
		AppID:        appID,
		Created:      m.now(),
		ch:           ch,
		tracker:      events.NewTracker(chatID, ch, ctx.Done(), m.metrics),
		inbox:        make(chan RoundFunc, depth),
		ctx:          ctx,
		cancel:       cancel,
		queue:        queue,
		now:          m.now,
		lastActivity: m.now(),
	}
	m.sessions[chatID] = s
	go s.worker()

	if m.metrics != nil {
		m.metrics.SessionOpened()
	}
	if m.log != nil {
		m.log.Debug(ctx, "session opened")
	}
	return s, nil
}

// Get returns the live session for a chat id.
func (m *Manager) Get(chatID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[chatID]
	return s, ok
}

// Len reports how many sessions are open.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// AttachAbort narrows the chat's abort target to an inner round.
func (m *Manager) AttachAbort(chatID string, handle context.CancelFunc) {
	if s, ok := m.Get(chatID); ok {
		s.AttachAbort(handle)
	}
}

// ClearAbort restores the chat's abort target to the running turn.
func (m *Manager) ClearAbort(chatID string) {
	if s, ok := m.Get(chatID); ok {
		s.ClearAbort()
	}
}

// Abort cancels the chat's running turn and reports whether the session
// existed. Aborting twice, or with no turn running, is harmless.
func (m *Manager) Abort(chatID, reason string) bool {
	s, ok := m.Get(chatID)
	if !ok {
		return false
	}
	s.Abort(reason)
	return true
}

// Touch updates the chat's activity clock.
func (m *Manager) Touch(chatID string) {
	if s, ok := m.Get(chatID); ok {
		s.Touch()
	}
}

// Close tears down the chat's session and reports whether one existed.
func (m *Manager) Close(chatID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[chatID]
	if ok {
		delete(m.sessions, chatID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.shutdown(s, "closed")
	return true
}

// Start arms the idle sweeper on the configured schedule.
func (m *Manager) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(m.cfg.SweepSchedule, m.sweep); err != nil {
		return fault.New(fault.CodeConfiguration, "invalid sessions.sweep_schedule %q: %v", m.cfg.SweepSchedule, err)
	}
	c.Start()
	m.cron = c
	return nil
}

// Stop disarms the sweeper, waits for a sweep in flight, and closes
// every remaining session.
func (m *Manager) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
		m.cron = nil
	}

	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range open {
		m.shutdown(s, "shutdown")
	}
}

// sweep closes sessions whose activity clock is older than the idle
// timeout. Sessions with a running turn are left alone regardless of
// their clock.
func (m *Manager) sweep() {
	cutoff := m.now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var idle []*Session
	for _, s := range m.sessions {
		last, processing := s.Status()
		if processing || !last.Before(cutoff) {
			continue
		}
		idle = append(idle, s)
	}
	for _, s := range idle {
		delete(m.sessions, s.ChatID)
	}
	m.mu.Unlock()

	for _, s := range idle {
		m.shutdown(s, "idle")
	}
	if len(idle) > 0 && m.log != nil {
		m.log.Info(context.Background(), "swept idle sessions", "count", len(idle), "idle_timeout", m.cfg.IdleTimeout.String())
	}
}

// shutdown sends a parting frame when no turn is consuming the channel,
// then cancels the session context. The frame is best effort; a full
// channel or an absent reader must not hold up teardown.
func (m *Manager) shutdown(s *Session, reason string) {
	_, processing := s.Status()
	if !processing && s.ch != nil {
		select {
		case s.ch <- events.Event{Type: events.KindDisconnected, Data: events.DisconnectedPayload{Reason: reason}}:
		default:
		}
	}

	s.cancel()
	if m.metrics != nil {
		m.metrics.SessionClosed()
	}
	if m.log != nil {
		m.log.Debug(s.ctx, "session closed", "reason", reason)
	}
}
