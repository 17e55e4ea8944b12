package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoCancelOnError(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithCancelOnError(true))
	sup.Go("failing", func(ctx context.Context) error { return errors.New("boom") })

	select {
	case <-sup.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled after error")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err == nil {
		t.Fatal("expected first error from Wait")
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	sup.Go("panicky", func(ctx context.Context) error { panic("oops") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err == nil {
		t.Fatal("panic should surface as error")
	}
}

func TestGoRestart(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	var runs atomic.Int32
	sup.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	if sup.Restarts() != 2 || sup.Running() != 0 {
		t.Fatalf("restarts = %d running = %d", sup.Restarts(), sup.Running())
	}
}

func TestStopCancelsWorkers(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	sup.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
}
