package record

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parleyhq/parley/internal/observability"
)

// DefaultQueueSize bounds the write queue when the config leaves it zero.
const DefaultQueueSize = 256

// writeTimeout bounds one store write so a stalled database cannot wedge
// the drain loop.
const writeTimeout = 5 * time.Second

type opKind int

const (
	opUsage opKind = iota
	opFeedback
)

type op struct {
	kind     opKind
	usage    UsageRecord
	feedback FeedbackRecord
}

// Async is the fire-and-forget facade over a Store. Enqueueing never
// blocks; a full queue drops the record and bumps the counter.
type Async struct {
	store Store
	queue chan op
	log   *observability.Logger

	dropped   atomic.Uint64
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewAsync starts the writer goroutine over the given store.
func NewAsync(store Store, queueSize int, log *observability.Logger) *Async {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	a := &Async{
		store: store,
		queue: make(chan op, queueSize),
		log:   log,
	}
	a.wg.Add(1)
	go a.drain()
	return a
}

// RecordUsage enqueues one usage row.
func (a *Async) RecordUsage(rec UsageRecord) {
	a.enqueue(op{kind: opUsage, usage: rec})
}

// RecordFeedback enqueues one feedback row.
func (a *Async) RecordFeedback(rec FeedbackRecord) {
	a.enqueue(op{kind: opFeedback, feedback: rec})
}

func (a *Async) enqueue(o op) {
	select {
	case a.queue <- o:
	default:
		a.dropped.Add(1)
	}
}

// Dropped reports how many records were discarded on a full queue.
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Close stops accepting records, drains what is queued, and closes the
// store. Records enqueued concurrently with Close may be lost.
func (a *Async) Close() error {
	a.closeOnce.Do(func() {
		close(a.queue)
		a.wg.Wait()
		a.closeErr = a.store.Close()
	})
	return a.closeErr
}

func (a *Async) drain() {
	defer a.wg.Done()
	for o := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		var err error
		switch o.kind {
		case opUsage:
			err = a.store.InsertUsage(ctx, o.usage)
		case opFeedback:
			err = a.store.InsertFeedback(ctx, o.feedback)
		}
		cancel()
		if err != nil && a.log != nil {
			a.log.Warn(context.Background(), "record write failed", "error", err)
		}
	}
}
