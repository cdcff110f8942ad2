// Package host drives the listener lifecycle: open, consume, close. A host
// decides when this replica is primary for its partition and revokes the
// listener's authority when it stops being primary.
package host

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/felixnotka/hubfence/pkg/listener"
)

const closeTimeout = 10 * time.Second

// ListenerFactory builds the listener for one term of ownership. isPrimary
// reports whether the term is still current; factories pass it to
// lease.Guard so a demoted replica cannot commit.
type ListenerFactory func(ctx context.Context, isPrimary func() bool) (*listener.Listener, error)

// Options configures the consumption run of each term.
type Options struct {
	Handler      listener.Handler
	MaxBatchSize int
	WaitTime     time.Duration
}

// Static treats this replica as always primary. It runs a single term and
// returns its result.
type Static struct {
	Factory ListenerFactory
	Options Options
	Log     logr.Logger
}

// Run runs one term until ctx is done or the listener stops.
func (s *Static) Run(ctx context.Context) error {
	l, err := s.Factory(ctx, func() bool { return true })
	if err != nil {
		return fmt.Errorf("building listener: %w", err)
	}
	return runTerm(ctx, s.Log, l, s.Options)
}

// runTerm opens l, consumes until the loop stops and closes l.
func runTerm(ctx context.Context, log logr.Logger, l *listener.Listener, opts Options) error {
	addr, err := l.Open(ctx)
	if err != nil {
		return fmt.Errorf("opening listener: %w", err)
	}
	log = log.WithValues("listener", addr)
	log.Info("listener opened")

	runErr := l.OnEvents(ctx, opts.Handler, opts.MaxBatchSize, opts.WaitTime)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := l.Close(closeCtx); err != nil {
		log.Error(err, "error closing listener")
	}
	log.Info("listener closed")
	return runErr
}
