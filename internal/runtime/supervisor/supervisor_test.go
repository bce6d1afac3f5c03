package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"errorbot/internal/task/retry"
)

func stopWithin(t *testing.T, s *Supervisor) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Stop(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("supervisor did not stop in time")
	}
	return err
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("boom", func(context.Context) error { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "boom: panic: kaboom") {
		t.Fatalf("err = %v", err)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Panics != 1 || snap[0].Active != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	stopped := make(chan struct{})
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})
	s.Go("failing", func(context.Context) error { return errors.New("bad") })

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("first error should cancel the shared context")
	}
	if err := stopWithin(t, s); err == nil || !strings.Contains(err.Error(), "failing: bad") {
		t.Fatalf("err = %v", err)
	}
}

func TestGoRestartRestartsUntilSuccess(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	done := make(chan struct{})
	s.GoRestart("loop", func(context.Context) error {
		switch runs.Add(1) {
		case 1:
			return errors.New("transient")
		case 2:
			panic("again")
		default:
			close(done)
			return nil
		}
	}, RestartPolicy{Backoff: retry.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond}})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop was not restarted")
	}
	if err := stopWithin(t, s); err != nil {
		t.Fatalf("restarted loops should not surface errors: %v", err)
	}
	st := s.Snapshot()[0]
	if st.Starts != 3 || st.Restarts != 2 || st.Panics != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("hopeless", func(context.Context) error {
		runs.Add(1)
		return errors.New("nope")
	}, RestartPolicy{Backoff: retry.Policy{Base: time.Millisecond}, MaxRestarts: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil || !strings.Contains(err.Error(), "hopeless") {
		t.Fatalf("err = %v", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
}

func TestStopCancelsLoops(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.GoRestart("ticker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, RestartPolicy{})
	if err := stopWithin(t, s); err != nil {
		t.Fatalf("err = %v", err)
	}
}
