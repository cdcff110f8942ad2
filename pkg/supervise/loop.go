package supervise

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"

	"github.com/felixnotka/hubfence/pkg/metrics"
)

// DefaultRetryDelay is the flat backoff applied after a Transient or Unknown failure.
const DefaultRetryDelay = 60 * time.Second

// Loop repeatedly invokes a unit of work until shutdown, a fatal failure or a
// NotPrimary signal. Backoff is flat: every retryable failure waits RetryDelay
// and every success resets the delay to zero.
type Loop struct {
	// Name identifies the loop in logs and metrics.
	Name string

	// RetryDelay overrides DefaultRetryDelay when positive.
	RetryDelay time.Duration

	Log logr.Logger

	// sleep is swapped by tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// retryState is reset on every successful iteration.
type retryState struct {
	delay time.Duration
	last  Class
}

func (s *retryState) reset() {
	s.delay = 0
	s.last = Unknown
}

// Poll runs fn until ctx is done or a terminal classification is reached.
//
// Shutdown takes precedence over classification: once ctx is done Poll
// returns nil whatever fn returned. A cancellation-class error observed while
// ctx is still live comes from an internal deadline and is returned.
// NotPrimary returns nil. Fatal returns the error. Transient and Unknown wait
// RetryDelay, honoring ctx, and try again.
func (l *Loop) Poll(ctx context.Context, fn func(context.Context) error) error {
	log := l.Log.WithValues("loop", l.Name)
	log.Info("starting supervised loop")

	var state retryState
	for {
		if ctx.Err() != nil {
			return l.stopped(ctx, log)
		}

		err := fn(ctx)
		if err == nil {
			state.reset()
			continue
		}
		if ctx.Err() != nil {
			if !IsCancellation(err) {
				log.Error(err, "error during shutdown")
			}
			return l.stopped(ctx, log)
		}

		state.last = Classify(err)
		metrics.LoopFailuresTotal.WithLabelValues(l.Name, state.last.String()).Inc()

		switch state.last {
		case Cancellation:
			log.Error(err, "cancellation while not shutting down")
			return err
		case NotPrimary:
			log.Info("replica is no longer primary, stopping", "reason", err.Error())
			return nil
		case Fatal:
			log.Error(err, "fatal error, stopping")
			return err
		case Transient:
			state.delay = l.retryDelay()
			log.Info("transient error, backing off", "error", err.Error(), "delay", state.delay)
		default:
			state.delay = l.retryDelay()
			log.Error(err, "unexpected error, backing off", "delay", state.delay)
		}

		if err := l.wait(ctx, state.delay); err != nil {
			return l.stopped(ctx, log)
		}
	}
}

func (l *Loop) stopped(ctx context.Context, log logr.Logger) error {
	if errors.Is(context.Cause(ctx), ErrNotPrimary) {
		log.Info("replica is no longer primary, stopping")
		return nil
	}
	log.Info("shutdown requested, stopping")
	return nil
}

func (l *Loop) retryDelay() time.Duration {
	if l.RetryDelay > 0 {
		return l.RetryDelay
	}
	return DefaultRetryDelay
}

func (l *Loop) wait(ctx context.Context, d time.Duration) error {
	if l.sleep != nil {
		return l.sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep waits for d or until ctx is done, whichever comes first. It returns
// the context cause when interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
