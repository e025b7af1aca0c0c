// Package poll runs a function at a fixed interval until it reports
// completion. Upload-job watching and share-request watching are both built
// on it.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/docere/gateway/internal/platform/apierr"
)

// Func is one polling step. It returns done=true to stop the loop. A
// returned error is recorded and the loop continues, except auth errors,
// which terminate the loop: once the session is gone every further tick
// would fail the same way.
type Func func(ctx context.Context) (done bool, err error)

// Poller starts polling loops with a shared interval.
type Poller struct {
	interval time.Duration
	logger   zerolog.Logger
}

// New creates a Poller ticking every interval.
func New(interval time.Duration, logger zerolog.Logger) *Poller {
	return &Poller{
		interval: interval,
		logger:   logger.With().Str("component", "poll").Logger(),
	}
}

// Interval returns the tick interval.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Handle controls one running loop.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Stop cancels the loop. Safe to call repeatedly and after completion.
func (h *Handle) Stop() {
	h.cancel()
}

// Done is closed when the loop has exited, whatever the reason.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the error the loop terminated with, or the last transient
// error observed while it was still running. nil after a clean completion.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

// Start runs fn immediately and then on every tick until fn reports done,
// returns an auth error, or the context (the given one or Stop's) ends.
func (p *Poller) Start(ctx context.Context, fn Func) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer cancel()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			done, err := fn(ctx)
			switch {
			case err == nil:
				h.setErr(nil)
			case apierr.IsAuth(err):
				p.logger.Warn().Err(err).Msg("poll loop stopping: session lost")
				h.setErr(err)
				return
			case ctx.Err() != nil:
				h.setErr(ctx.Err())
				return
			default:
				// Transient: keep ticking, a later attempt may succeed.
				p.logger.Debug().Err(err).Msg("poll step failed")
				h.setErr(err)
			}
			if done {
				return
			}

			select {
			case <-ctx.Done():
				h.setErr(ctx.Err())
				return
			case <-ticker.C:
			}
		}
	}()

	return h
}
