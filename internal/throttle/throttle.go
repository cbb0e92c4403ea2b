// Package throttle bounds concurrent requests per upstream. Each
// upstream id owns a fixed pool of permits; callers queue on a buffered
// channel, so waiters are served in arrival order. The limiter never
// retries; it only gates.
package throttle

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/parleyhq/parley/internal/observability"
)

// Limiter gates concurrent work per upstream id.
type Limiter struct {
	defaultPermits int
	overrides      map[string]int
	metrics        *observability.Metrics

	mu   sync.Mutex
	sems map[string]chan struct{}
}

// New builds a limiter. defaultPermits applies to every upstream not
// listed in overrides; values below 1 are treated as 1.
func New(defaultPermits int, overrides map[string]int, metrics *observability.Metrics) *Limiter {
	if defaultPermits < 1 {
		defaultPermits = 1
	}
	return &Limiter{
		defaultPermits: defaultPermits,
		overrides:      overrides,
		metrics:        metrics,
		sems:           make(map[string]chan struct{}),
	}
}

func (l *Limiter) sem(upstream string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sem, ok := l.sems[upstream]; ok {
		return sem
	}
	permits := l.defaultPermits
	if n, ok := l.overrides[upstream]; ok && n > 0 {
		permits = n
	}
	sem := make(chan struct{}, permits)
	l.sems[upstream] = sem
	return sem
}

// Acquire blocks until a permit for the upstream is free or ctx ends.
// The returned release is idempotent and must always be called.
func (l *Limiter) Acquire(ctx context.Context, upstream string) (func(), error) {
	sem := l.sem(upstream)

	if l.metrics != nil {
		l.metrics.ThrottleWaiting.WithLabelValues(upstream).Inc()
	}
	select {
	case sem <- struct{}{}:
		if l.metrics != nil {
			l.metrics.ThrottleWaiting.WithLabelValues(upstream).Dec()
			l.metrics.ThrottleInFlight.WithLabelValues(upstream).Inc()
		}
		var once sync.Once
		return func() {
			once.Do(func() {
				<-sem
				if l.metrics != nil {
					l.metrics.ThrottleInFlight.WithLabelValues(upstream).Dec()
				}
			})
		}, nil
	case <-ctx.Done():
		if l.metrics != nil {
			l.metrics.ThrottleWaiting.WithLabelValues(upstream).Dec()
		}
		return nil, ctx.Err()
	}
}

// Do runs fn under the upstream's permit. Cancellation while queued
// returns before fn runs; cancellation while running is fn's business,
// since it receives the same ctx.
func (l *Limiter) Do(ctx context.Context, upstream string, fn func(ctx context.Context) error) error {
	release, err := l.Acquire(ctx, upstream)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Transport is an http.RoundTripper that holds an upstream permit for
// the duration of each request. Cancelling the request context aborts
// both the queue wait and the in-flight call.
type Transport struct {
	Limiter  *Limiter
	Upstream string
	Base     http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	release, err := t.Limiter.Acquire(req.Context(), t.Upstream)
	if err != nil {
		return nil, err
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		release()
		return nil, err
	}

	// The permit covers the body too; streaming responses hold it until
	// the caller closes the body.
	resp.Body = &releaseOnClose{ReadCloser: resp.Body, release: release}
	return resp, nil
}

type releaseOnClose struct {
	io.ReadCloser
	release func()
}

func (r *releaseOnClose) Close() error {
	err := r.ReadCloser.Close()
	r.release()
	return err
}
