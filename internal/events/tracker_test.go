package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

func TestTrackerEmitsInOrder(t *testing.T) {
	ch := make(chan Event, 8)
	tr := NewTracker("chat-1", ch, nil, nil)
	ctx := context.Background()

	tr.Connected(ctx, time.UnixMilli(1741964966000))
	tr.Prepared(ctx, "gpt-4o", nil)
	tr.TextDelta(ctx, "Hello")
	tr.Usage(ctx, models.Usage{InputTokens: 10, OutputTokens: 4})
	tr.Done(ctx, models.FinishStop)

	wantKinds := []Kind{KindConnected, KindPrepared, KindDelta, KindUsage, KindDone}
	for i, want := range wantKinds {
		e := <-ch
		if e.Type != want {
			t.Fatalf("event %d type = %q, want %q", i, e.Type, want)
		}
		switch want {
		case KindConnected:
			p := e.Data.(ConnectedPayload)
			if p.ChatID != "chat-1" || p.TS != 1741964966000 {
				t.Errorf("connected payload = %+v", p)
			}
		case KindPrepared:
			p := e.Data.(PreparedPayload)
			if p.Model != "gpt-4o" {
				t.Errorf("prepared model = %q, want gpt-4o", p.Model)
			}
			if p.ToolsEnabled == nil || len(p.ToolsEnabled) != 0 {
				t.Errorf("toolsEnabled = %#v, want empty non-nil slice", p.ToolsEnabled)
			}
		case KindDone:
			p := e.Data.(DonePayload)
			if p.FinishReason != models.FinishStop {
				t.Errorf("finishReason = %q, want stop", p.FinishReason)
			}
		}
	}
	if got := tr.Dropped(); got != 0 {
		t.Errorf("dropped = %d, want 0", got)
	}
}

func TestTrackerToolEvents(t *testing.T) {
	ch := make(chan Event, 4)
	tr := NewTracker("chat-1", ch, nil, nil)
	ctx := context.Background()

	tr.ToolInvoked(ctx, models.ToolCall{ID: "call_1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"Oslo"}`)})
	tr.ToolResult(ctx, "call_1", false, 250*time.Millisecond, "TIMEOUT")

	invoked := (<-ch).Data.(ToolInvokedPayload)
	if invoked.ToolCallID != "call_1" || invoked.Name != "get_weather" {
		t.Errorf("invoked payload = %+v", invoked)
	}
	if string(invoked.Args) != `{"city":"Oslo"}` {
		t.Errorf("invoked args = %s", invoked.Args)
	}

	result := (<-ch).Data.(ToolResultPayload)
	if result.OK || result.MS != 250 || result.ErrorKind != "TIMEOUT" {
		t.Errorf("result payload = %+v", result)
	}
}

func TestTrackerDropsDeltasWhenFull(t *testing.T) {
	ch := make(chan Event, 1)
	tr := NewTracker("chat-1", ch, nil, nil)
	ctx := context.Background()

	tr.TextDelta(ctx, "a")
	tr.TextDelta(ctx, "b")

	if got := tr.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
	e := <-ch
	if p := e.Data.(DeltaPayload); p.Text != "a" {
		t.Errorf("delivered delta = %q, want %q", p.Text, "a")
	}
}

func TestTrackerTerminalWaitsForRoom(t *testing.T) {
	ch := make(chan Event, 1)
	tr := NewTracker("chat-1", ch, nil, nil)

	tr.TextDelta(context.Background(), "a")

	emitted := make(chan struct{})
	go func() {
		tr.Done(context.Background(), models.FinishStop)
		close(emitted)
	}()

	if e := <-ch; e.Type != KindDelta {
		t.Fatalf("first event = %q, want delta", e.Type)
	}
	if e := <-ch; e.Type != KindDone {
		t.Fatalf("second event = %q, want done", e.Type)
	}
	<-emitted
	if got := tr.Dropped(); got != 0 {
		t.Errorf("dropped = %d, want 0", got)
	}
}

func TestTrackerCancelledRoundStillDelivers(t *testing.T) {
	ch := make(chan Event, 1)
	tr := NewTracker("chat-1", ch, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr.Done(ctx, models.FinishStop)

	select {
	case e := <-ch:
		if e.Type != KindDone {
			t.Errorf("event = %q, want done", e.Type)
		}
	default:
		t.Fatal("done event was not delivered")
	}
}

func TestTrackerCancelledAndFullDrops(t *testing.T) {
	ch := make(chan Event, 1)
	tr := NewTracker("chat-1", ch, nil, nil)
	tr.TextDelta(context.Background(), "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr.Done(ctx, models.FinishStop)

	if got := tr.Dropped(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestTrackerSessionClosedDrops(t *testing.T) {
	ch := make(chan Event, 1)
	done := make(chan struct{})
	close(done)
	tr := NewTracker("chat-1", ch, done, nil)
	tr.TextDelta(context.Background(), "a")

	tr.Done(context.Background(), models.FinishStop)

	if got := tr.Dropped(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestTrackerNilChannelDrops(t *testing.T) {
	tr := NewTracker("chat-1", nil, nil, nil)
	ctx := context.Background()

	tr.TextDelta(ctx, "a")
	tr.Done(ctx, models.FinishStop)

	if got := tr.Dropped(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
}

func TestTrackerRecordsMetrics(t *testing.T) {
	metrics := observability.NewMetricsOn(prometheus.NewRegistry())
	ch := make(chan Event, 4)
	tr := NewTracker("chat-1", ch, nil, metrics)
	ctx := context.Background()

	tr.TextDelta(ctx, "a")
	tr.TextDelta(ctx, "b")
	tr.Done(ctx, models.FinishStop)

	if got := testutil.ToFloat64(metrics.SSEEvents.WithLabelValues("delta")); got != 2 {
		t.Errorf("delta counter = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.SSEEvents.WithLabelValues("done")); got != 1 {
		t.Errorf("done counter = %v, want 1", got)
	}
}
