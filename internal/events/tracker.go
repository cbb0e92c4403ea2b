package events

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

// Tracker posts events for one session. It is the only write path to the
// session's channel. Deltas are dropped when the consumer lags; every
// other kind waits for room, so a client that is still reading always
// learns how the turn ended.
type Tracker struct {
	chatID  string
	ch      chan<- Event
	done    <-chan struct{}
	metrics *observability.Metrics
	dropped atomic.Uint64
}

// NewTracker binds a tracker to a session's channel. done should close
// when the session closes. A nil channel turns every emit into a drop,
// which is how turns submitted without an open stream run.
func NewTracker(chatID string, ch chan<- Event, done <-chan struct{}, metrics *observability.Metrics) *Tracker {
	return &Tracker{chatID: chatID, ch: ch, done: done, metrics: metrics}
}

// Dropped returns how many events were discarded because the consumer
// lagged or the stream was gone.
func (t *Tracker) Dropped() uint64 { return t.dropped.Load() }

// Emit posts one event. Delta events never block; all other kinds wait
// until the channel has room, the round context ends, or the session
// closes.
func (t *Tracker) Emit(ctx context.Context, e Event) {
	if t.metrics != nil {
		t.metrics.RecordSSEEvent(string(e.Type))
	}
	if t.ch == nil {
		t.dropped.Add(1)
		return
	}
	if e.Type == KindDelta {
		select {
		case t.ch <- e:
		default:
			t.dropped.Add(1)
		}
		return
	}
	select {
	case t.ch <- e:
	case <-ctx.Done():
		// One last non-blocking attempt so terminal events still land
		// when the consumer is alive but the round was cancelled.
		select {
		case t.ch <- e:
		default:
			t.dropped.Add(1)
		}
	case <-t.done:
		t.dropped.Add(1)
	}
}

// Connected greets the client.
func (t *Tracker) Connected(ctx context.Context, ts time.Time) {
	t.Emit(ctx, Event{Type: KindConnected, Data: ConnectedPayload{ChatID: t.chatID, TS: ts.UnixMilli()}})
}

// Prepared reports the resolved model and tool set. A nil tool list is
// sent as an empty array.
func (t *Tracker) Prepared(ctx context.Context, model string, tools []string) {
	if tools == nil {
		tools = []string{}
	}
	t.Emit(ctx, Event{Type: KindPrepared, Data: PreparedPayload{Model: model, ToolsEnabled: tools}})
}

// TextDelta streams a fragment of assistant text.
func (t *Tracker) TextDelta(ctx context.Context, text string) {
	t.Emit(ctx, Event{Type: KindDelta, Data: DeltaPayload{Text: text}})
}

// FragmentDelta streams a tool-call argument fragment.
func (t *Tracker) FragmentDelta(ctx context.Context, fragment string) {
	t.Emit(ctx, Event{Type: KindDelta, Data: DeltaPayload{ToolCallFragment: fragment}})
}

// SkillActivation reports an applied skill.
func (t *Tracker) SkillActivation(ctx context.Context, name, description string) {
	t.Emit(ctx, Event{Type: KindSkillActivation, Data: SkillPayload{SkillName: name, Description: description}})
}

// ToolInvoked marks the start of one tool call.
func (t *Tracker) ToolInvoked(ctx context.Context, call models.ToolCall) {
	t.Emit(ctx, Event{Type: KindToolInvoked, Data: ToolInvokedPayload{
		ToolCallID: call.ID,
		Name:       call.Name,
		Args:       call.Arguments,
	}})
}

// ToolResult reports one tool call's outcome.
func (t *Tracker) ToolResult(ctx context.Context, callID string, ok bool, elapsed time.Duration, errorKind string) {
	t.Emit(ctx, Event{Type: KindToolResult, Data: ToolResultPayload{
		ToolCallID: callID,
		OK:         ok,
		MS:         elapsed.Milliseconds(),
		ErrorKind:  errorKind,
	}})
}

// Usage reports accumulated token usage.
func (t *Tracker) Usage(ctx context.Context, u models.Usage) {
	t.Emit(ctx, Event{Type: KindUsage, Data: u})
}

// Done ends the turn.
func (t *Tracker) Done(ctx context.Context, reason models.FinishReason) {
	t.Emit(ctx, Event{Type: KindDone, Data: DonePayload{FinishReason: reason}})
}

// Error reports a terminal failure.
func (t *Tracker) Error(ctx context.Context, code, message, recommendation string) {
	t.Emit(ctx, Event{Type: KindError, Data: ErrorPayload{Code: code, Message: message, Recommendation: recommendation}})
}

// Disconnected announces that the stream is closing.
func (t *Tracker) Disconnected(ctx context.Context, reason string) {
	t.Emit(ctx, Event{Type: KindDisconnected, Data: DisconnectedPayload{Reason: reason}})
}

// ToolLimitExceeded marks a turn cut off at the round bound.
func (t *Tracker) ToolLimitExceeded(ctx context.Context, maxRounds int) {
	t.Emit(ctx, Event{Type: KindToolLimitExceeded, Data: LimitPayload{MaxRounds: maxRounds}})
}

// Timeout marks an expired round.
func (t *Tracker) Timeout(ctx context.Context, elapsed time.Duration) {
	t.Emit(ctx, Event{Type: KindTimeout, Data: TimeoutPayload{AfterMS: elapsed.Milliseconds()}})
}
