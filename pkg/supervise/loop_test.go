package supervise

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

// sleepRecorder replaces Loop.sleep and records requested delays.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// script returns a unit of work that yields the given results in order and
// cancels ctx once they are exhausted.
func script(cancel context.CancelFunc, results ...error) (func(context.Context) error, *int) {
	calls := 0
	return func(ctx context.Context) error {
		if calls >= len(results) {
			cancel()
			return nil
		}
		err := results[calls]
		calls++
		return err
	}, &calls
}

func newTestLoop(rec *sleepRecorder) *Loop {
	return &Loop{
		Name:       "test",
		RetryDelay: 5 * time.Second,
		Log:        logr.Discard(),
		sleep:      rec.sleep,
	}
}

func TestLoopPoll(t *testing.T) {
	transient := &taggedError{transient: true}
	fatal := &taggedError{transient: false}

	tests := []struct {
		name       string
		results    []error
		wantErr    error
		wantAnyErr bool
		wantCalls  int
		wantDelays []time.Duration
	}{
		{
			name:      "successes never sleep",
			results:   []error{nil, nil, nil},
			wantCalls: 3,
		},
		{
			name:       "transient backs off then recovers",
			results:    []error{transient, nil, nil},
			wantCalls:  3,
			wantDelays: []time.Duration{5 * time.Second},
		},
		{
			name:       "unknown treated as transient",
			results:    []error{errors.New("surprise"), errors.New("again"), nil},
			wantCalls:  3,
			wantDelays: []time.Duration{5 * time.Second, 5 * time.Second},
		},
		{
			name:      "fatal propagates without retry",
			results:   []error{nil, fatal, nil},
			wantErr:   fatal,
			wantCalls: 2,
		},
		{
			name:      "not primary stops silently",
			results:   []error{nil, ErrNotPrimary, nil},
			wantCalls: 2,
		},
		{
			name:      "internal deadline propagates",
			results:   []error{context.DeadlineExceeded},
			wantErr:   context.DeadlineExceeded,
			wantCalls: 1,
		},
		{
			name:       "permanent propagates",
			results:    []error{Permanent(errors.New("acquisition failed"))},
			wantAnyErr: true,
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			rec := &sleepRecorder{}
			fn, calls := script(cancel, tt.results...)
			err := newTestLoop(rec).Poll(ctx, fn)

			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Poll() error = %v, want %v", err, tt.wantErr)
				}
			case tt.wantAnyErr:
				if err == nil {
					t.Error("Poll() returned nil, want error")
				}
			case err != nil:
				t.Errorf("Poll() unexpected error: %v", err)
			}
			if *calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", *calls, tt.wantCalls)
			}
			got := rec.recorded()
			if len(got) != len(tt.wantDelays) {
				t.Fatalf("delays = %v, want %v", got, tt.wantDelays)
			}
			for i := range got {
				if got[i] != tt.wantDelays[i] {
					t.Errorf("delay[%d] = %v, want %v", i, got[i], tt.wantDelays[i])
				}
			}
		})
	}
}

func TestLoopDefaultRetryDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &sleepRecorder{}
	loop := &Loop{Name: "default", Log: logr.Discard(), sleep: rec.sleep}
	fn, _ := script(cancel, errors.New("once"))
	if err := loop.Poll(ctx, fn); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	got := rec.recorded()
	if len(got) != 1 || got[0] != DefaultRetryDelay {
		t.Errorf("delays = %v, want [%v]", got, DefaultRetryDelay)
	}
}

func TestLoopShutdownTakesPrecedence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	loop := &Loop{Name: "shutdown", Log: logr.Discard()}
	err := loop.Poll(ctx, func(ctx context.Context) error {
		cancel()
		// A timeout observed after shutdown was requested must not surface.
		return context.DeadlineExceeded
	})
	if err != nil {
		t.Errorf("Poll() error = %v, want nil", err)
	}
}

func TestLoopNotPrimaryCause(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())

	loop := &Loop{Name: "cause", Log: logr.Discard()}
	err := loop.Poll(ctx, func(ctx context.Context) error {
		cancel(ErrNotPrimary)
		return context.Cause(ctx)
	})
	if err != nil {
		t.Errorf("Poll() error = %v, want nil", err)
	}
}

func TestLoopAlreadyCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	loop := &Loop{Name: "canceled", Log: logr.Discard()}
	if err := loop.Poll(ctx, func(context.Context) error { calls++; return nil }); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

func TestLoopBackoffSleepIsCancelable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := &Loop{Name: "sleepy", RetryDelay: time.Hour, Log: logr.Discard()}
	done := make(chan error, 1)
	go func() {
		done <- loop.Poll(ctx, func(context.Context) error { return errors.New("retry me") })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Poll() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Poll did not return after cancellation during backoff")
	}
}

func TestRun(t *testing.T) {
	boom := errors.New("boom")

	t.Run("success", func(t *testing.T) {
		err := Run(context.Background(), logr.Discard(), "ok", func(context.Context) error { return nil })
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	})

	t.Run("error propagates", func(t *testing.T) {
		err := Run(context.Background(), logr.Discard(), "fail", func(context.Context) error { return boom })
		if !errors.Is(err, boom) {
			t.Errorf("Run() error = %v, want %v", err, boom)
		}
	})

	t.Run("clean return after cancel reports cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		err := Run(ctx, logr.Discard(), "cancel", func(context.Context) error {
			cancel()
			return nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	})

	t.Run("error during shutdown reports cause", func(t *testing.T) {
		ctx, cancel := context.WithCancelCause(context.Background())
		err := Run(ctx, logr.Discard(), "cause", func(context.Context) error {
			cancel(ErrNotPrimary)
			return boom
		})
		if !errors.Is(err, ErrNotPrimary) {
			t.Errorf("Run() error = %v, want ErrNotPrimary", err)
		}
	})

	t.Run("internal timeout propagates", func(t *testing.T) {
		err := Run(context.Background(), logr.Discard(), "timeout", func(context.Context) error {
			return context.DeadlineExceeded
		})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Run() error = %v, want DeadlineExceeded", err)
		}
	})
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Sleep() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() on canceled ctx = %v, want context.Canceled", err)
	}
}
