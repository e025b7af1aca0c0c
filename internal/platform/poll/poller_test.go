package poll

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/docere/gateway/internal/platform/apierr"
)

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poll loop did not finish in time")
	}
}

func TestStart_FirstTickImmediate(t *testing.T) {
	p := New(time.Hour, zerolog.Nop())

	called := make(chan struct{})
	h := p.Start(context.Background(), func(ctx context.Context) (bool, error) {
		close(called)
		return true, nil
	})

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("first step did not run before the first tick")
	}
	waitDone(t, h)
	if err := h.Err(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStart_TransientErrorsContinue(t *testing.T) {
	p := New(time.Millisecond, zerolog.Nop())

	var calls int32
	h := p.Start(context.Background(), func(ctx context.Context) (bool, error) {
		switch atomic.AddInt32(&calls, 1) {
		case 1, 2:
			return false, errors.New("upstream hiccup")
		default:
			return true, nil
		}
	})

	waitDone(t, h)
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
	if err := h.Err(); err != nil {
		t.Errorf("clean completion must clear transient errors, got %v", err)
	}
}

func TestStart_AuthErrorTerminates(t *testing.T) {
	p := New(time.Millisecond, zerolog.Nop())

	var calls int32
	h := p.Start(context.Background(), func(ctx context.Context) (bool, error) {
		atomic.AddInt32(&calls, 1)
		return false, apierr.New(apierr.KindAuth, "session expired")
	})

	waitDone(t, h)
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d, want 1 (auth error must stop the loop)", n)
	}
	if !apierr.IsAuth(h.Err()) {
		t.Errorf("expected auth error, got %v", h.Err())
	}
}

func TestHandle_StopIsIdempotent(t *testing.T) {
	p := New(time.Millisecond, zerolog.Nop())

	h := p.Start(context.Background(), func(ctx context.Context) (bool, error) {
		return false, nil
	})

	h.Stop()
	h.Stop()
	waitDone(t, h)

	if !errors.Is(h.Err(), context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", h.Err())
	}
}

func TestStart_ParentContextCancel(t *testing.T) {
	p := New(time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	h := p.Start(ctx, func(ctx context.Context) (bool, error) {
		close(started)
		return false, nil
	})

	<-started
	cancel()
	waitDone(t, h)
}
