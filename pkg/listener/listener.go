// Package listener runs the checkpointing consumption loop for one partition.
//
// A Listener acquires the partition lease in the background when opened,
// then repeatedly fetches a batch, hands it to the Handler and commits the
// batch's last position once the handler succeeded. A failed batch is never
// checkpointed; the next iteration reads it again from the committed position.
package listener

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/felixnotka/hubfence/pkg/lease"
	"github.com/felixnotka/hubfence/pkg/metrics"
	"github.com/felixnotka/hubfence/pkg/partition"
	"github.com/felixnotka/hubfence/pkg/supervise"
	"github.com/felixnotka/hubfence/pkg/transport"
)

const (
	DefaultNotReadyDelay     = time.Second
	DefaultCheckpointTimeout = 3 * time.Second

	abortTimeout = 5 * time.Second
)

// ErrAlreadyOpen is returned by a second call to Open.
var ErrAlreadyOpen = errors.New("listener: already opened")

// Handler receives batches in partition order.
type Handler interface {
	Handle(ctx context.Context, batch transport.Batch) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, batch transport.Batch) error

func (f HandlerFunc) Handle(ctx context.Context, batch transport.Batch) error { return f(ctx, batch) }

// Config configures a Listener.
type Config struct {
	ConsumerGroup  string
	PartitionIndex int

	// NotReadyDelay is how long an iteration waits while the lease is still
	// being acquired.
	NotReadyDelay time.Duration

	// CheckpointTimeout bounds each position commit.
	CheckpointTimeout time.Duration

	// RetryDelay is the flat backoff after a retryable failure.
	RetryDelay time.Duration
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.ConsumerGroup == "" {
		errs = append(errs, errors.New("consumer group is required"))
	}
	if c.PartitionIndex < 0 {
		errs = append(errs, fmt.Errorf("partition index must be >= 0, got %d", c.PartitionIndex))
	}
	if c.NotReadyDelay < 0 || c.CheckpointTimeout < 0 || c.RetryDelay < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	return errors.Join(errs...)
}

func (c Config) withDefaults() Config {
	if c.NotReadyDelay == 0 {
		c.NotReadyDelay = DefaultNotReadyDelay
	}
	if c.CheckpointTimeout == 0 {
		c.CheckpointTimeout = DefaultCheckpointTimeout
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = supervise.DefaultRetryDelay
	}
	return c
}

// Listener consumes one partition.
type Listener struct {
	cfg       Config
	transport transport.Transport
	store     lease.Store
	log       logr.Logger
	reader    *partition.Reader

	openOnce      sync.Once
	opened        bool
	cancelAcquire context.CancelFunc
	acquired      chan struct{}
	lease         *partition.Lease
	acquireErr    error

	// committed is the last position known to be durable; rewind is set
	// after a failed batch until the reader has been moved back to it.
	committed transport.Position
	rewind    bool
}

// New creates a Listener. Nothing is contacted until Open.
func New(cfg Config, t transport.Transport, store lease.Store, log logr.Logger) *Listener {
	cfg = cfg.withDefaults()
	return &Listener{
		cfg:       cfg,
		transport: t,
		store:     store,
		log:       log.WithValues("consumerGroup", cfg.ConsumerGroup, "partitionIndex", cfg.PartitionIndex),
		reader:    partition.NewReader(t, store, cfg.ConsumerGroup, cfg.PartitionIndex),
		acquired:  make(chan struct{}),
	}
}

// Open starts lease acquisition in the background and returns the listener
// address, "<consumerGroup>/<partitionIndex>".
func (l *Listener) Open(ctx context.Context) (string, error) {
	if err := l.cfg.Validate(); err != nil {
		return "", fmt.Errorf("invalid listener config: %w", err)
	}
	err := ErrAlreadyOpen
	l.openOnce.Do(func() {
		err = nil
		acquireCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		l.opened, l.cancelAcquire = true, cancel
		go l.acquire(acquireCtx)
	})
	if err != nil {
		return "", err
	}
	return l.Address(), nil
}

// Address identifies the listener without exposing connection details.
func (l *Listener) Address() string {
	return l.cfg.ConsumerGroup + "/" + strconv.Itoa(l.cfg.PartitionIndex)
}

func (l *Listener) acquire(ctx context.Context) {
	defer close(l.acquired)
	held, err := l.reader.Acquire(ctx)
	if err != nil {
		l.log.Error(err, "partition lease acquisition failed")
		l.acquireErr = err
		return
	}
	l.lease = held
}

// Acquired waits for the background acquisition started by Open.
func (l *Listener) Acquired(ctx context.Context) (*partition.Lease, error) {
	if !l.opened {
		return nil, partition.ErrNotOpen
	}
	select {
	case <-l.acquired:
		return l.lease, l.acquireErr
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// OnEvents runs the consumption loop until ctx is done, the replica stops
// being primary or a fatal failure occurs.
func (l *Listener) OnEvents(ctx context.Context, h Handler, maxCount int, waitTime time.Duration) error {
	if !l.opened {
		return partition.ErrNotOpen
	}
	loop := &supervise.Loop{
		Name:       "consume",
		RetryDelay: l.cfg.RetryDelay,
		Log:        l.log,
	}
	return loop.Poll(ctx, func(ctx context.Context) error {
		return l.consume(ctx, h, maxCount, waitTime)
	})
}

// consume runs one iteration: fetch, handle, checkpoint.
func (l *Listener) consume(ctx context.Context, h Handler, maxCount int, waitTime time.Duration) error {
	if l.reader.State() != partition.Open {
		return l.waitReady(ctx)
	}
	held := l.reader.Lease()
	if l.committed == "" {
		l.committed = held.Start
	}

	if l.rewind {
		if err := l.reader.Seek(ctx, l.committed); err != nil {
			return err
		}
		l.rewind = false
	}

	batch, err := l.reader.Receive(ctx, maxCount, waitTime)
	if err != nil {
		return fmt.Errorf("receiving from partition %s: %w", held.PartitionID, err)
	}
	if len(batch) == 0 {
		return nil
	}

	pid := held.PartitionID
	metrics.BatchesReceivedTotal.WithLabelValues(pid).Inc()

	start := time.Now()
	err = h.Handle(ctx, batch)
	metrics.HandlerDurationSeconds.WithLabelValues(pid).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RecordsDeliveredTotal.WithLabelValues(pid, "error").Add(float64(len(batch)))
		l.rewind = true
		return fmt.Errorf("handling batch ending at %q: %w", batch.Position(), err)
	}
	metrics.RecordsDeliveredTotal.WithLabelValues(pid, "success").Add(float64(len(batch)))

	if last := batch[len(batch)-1]; !last.EnqueuedTime.IsZero() {
		metrics.LagSeconds.WithLabelValues(pid).Observe(time.Since(last.EnqueuedTime).Seconds())
	}

	if err := l.checkpoint(ctx, held, batch.Position()); err != nil {
		metrics.CheckpointErrorsTotal.WithLabelValues(pid).Inc()
		l.rewind = true
		return err
	}
	metrics.CheckpointsCommittedTotal.WithLabelValues(pid).Inc()
	l.log.V(1).Info("processed batch", "records", len(batch), "position", batch.Position())
	return nil
}

// waitReady waits NotReadyDelay while acquisition is pending. A failed
// acquisition is surfaced as permanent: it is never retried in place.
func (l *Listener) waitReady(ctx context.Context) error {
	select {
	case <-l.acquired:
		if l.acquireErr != nil {
			return supervise.Permanent(fmt.Errorf("acquiring partition lease: %w", l.acquireErr))
		}
		if l.reader.State() == partition.Closed {
			return supervise.Permanent(partition.ErrClosed)
		}
	default:
	}
	l.log.V(2).Info("partition not acquired yet, waiting", "delay", l.cfg.NotReadyDelay)
	if err := supervise.Sleep(ctx, l.cfg.NotReadyDelay); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// checkpoint commits pos for a batch the handler already accepted. The commit
// is conditional on the store still holding this reader's epoch; a newer
// epoch means another reader took over and this one stops as not primary.
func (l *Listener) checkpoint(ctx context.Context, held *partition.Lease, pos transport.Position) error {
	// Detached from shutdown, bounded by CheckpointTimeout (3s by default).
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.CheckpointTimeout)
	defer cancel()

	txn, err := l.store.Begin(ctx, held.Scope())
	if err != nil {
		return fmt.Errorf("beginning checkpoint: %w", err)
	}
	defer func() { _ = txn.Rollback(ctx) }()

	epoch, found, err := txn.Epoch(ctx, lease.LockDefault)
	if err != nil {
		return fmt.Errorf("reading epoch for checkpoint: %w", err)
	}
	if !found || epoch != held.Epoch {
		return fmt.Errorf("%w: epoch %d superseded by %d", supervise.ErrNotPrimary, held.Epoch, epoch)
	}

	if err := txn.SetPosition(ctx, pos); err != nil {
		return fmt.Errorf("staging position %q: %w", pos, err)
	}
	if err := txn.Commit(ctx); err != nil {
		if errors.Is(err, lease.ErrConflict) {
			return fmt.Errorf("%w: epoch %d superseded during checkpoint", supervise.ErrNotPrimary, held.Epoch)
		}
		return fmt.Errorf("committing position %q: %w", pos, err)
	}
	l.committed = pos
	return nil
}

// Close waits for acquisition to finish, then closes the reader and the
// transport.
func (l *Listener) Close(ctx context.Context) error {
	if l.opened {
		select {
		case <-l.acquired:
		case <-ctx.Done():
			l.cancelAcquire()
			<-l.acquired
		}
	}
	return l.teardown(ctx)
}

// Abort cancels acquisition and tears down in the background.
func (l *Listener) Abort() {
	if l.cancelAcquire != nil {
		l.cancelAcquire()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
		defer cancel()
		if err := l.teardown(ctx); err != nil {
			l.log.Error(err, "error while aborting listener")
		}
	}()
}

func (l *Listener) teardown(ctx context.Context) error {
	var errs []error
	if err := l.reader.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing partition reader: %w", err))
	}
	if l.cancelAcquire != nil {
		l.cancelAcquire()
	}
	if err := l.transport.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing transport: %w", err))
	}
	return errors.Join(errs...)
}
