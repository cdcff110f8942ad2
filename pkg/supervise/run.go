package supervise

import (
	"context"

	"github.com/go-logr/logr"
)

// Run executes fn once under the failure policy shared with Loop.
//
// When ctx is done by the time fn returns, the context cause is returned so
// a cooperative cancellation is never reported as success. Otherwise errors
// are logged and returned unchanged.
func Run(ctx context.Context, log logr.Logger, name string, fn func(context.Context) error) error {
	log = log.WithValues("func", name)

	err := fn(ctx)
	if ctx.Err() != nil {
		switch {
		case err == nil:
		case IsCancellation(err):
			log.Info("canceled", "error", err.Error())
		default:
			log.Error(err, "error during shutdown")
		}
		return context.Cause(ctx)
	}
	if err == nil {
		return nil
	}

	if Classify(err) == Cancellation {
		log.Error(err, "cancellation while not shutting down")
		return err
	}
	log.Error(err, "unhandled error")
	return err
}
