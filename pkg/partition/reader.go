// Package partition implements the epoch-fenced reader for a single
// partition of a single consumer group.
//
// A Reader moves through Unopened → Acquiring → Open → Closed. Acquisition
// reads the resume position and the epoch in one store transaction, bumps
// the epoch, opens a transport session fenced by the new epoch and commits
// the epoch. Any reader holding a lower epoch is rejected by the broker from
// then on.
package partition

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/felixnotka/hubfence/pkg/lease"
	"github.com/felixnotka/hubfence/pkg/metrics"
	"github.com/felixnotka/hubfence/pkg/transport"
)

var log = ctrl.Log.WithName("partition")

// State is the lifecycle state of a Reader.
type State int32

const (
	Unopened State = iota
	Acquiring
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Unopened:
		return "unopened"
	case Acquiring:
		return "acquiring"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

var (
	// ErrNotOpen is returned by Receive and Seek before acquisition completed.
	ErrNotOpen = errors.New("partition: reader is not open")
	// ErrClosed is returned once the reader has been closed.
	ErrClosed = errors.New("partition: reader is closed")
	// ErrBusy is returned by Acquire when the reader is not Unopened.
	ErrBusy = errors.New("partition: acquisition already started")
)

// Lease describes a successful acquisition.
type Lease struct {
	PartitionID   string
	ConsumerGroup string
	Epoch         int64

	// Start is the committed resume position the session was opened at. The
	// zero value means the beginning of the retained log.
	Start transport.Position
}

// Scope returns the store scope the lease was taken in.
func (l *Lease) Scope() string {
	return lease.Scope(l.ConsumerGroup, l.PartitionID)
}

// Reader owns one fenced session on one partition.
type Reader struct {
	transport      transport.Transport
	store          lease.Store
	consumerGroup  string
	partitionIndex int

	state atomic.Int32

	mu      sync.Mutex
	session transport.Session
	lease   *Lease
}

// NewReader returns an Unopened reader for the partition at partitionIndex
// in the transport's partition list.
func NewReader(t transport.Transport, store lease.Store, consumerGroup string, partitionIndex int) *Reader {
	return &Reader{
		transport:      t,
		store:          store,
		consumerGroup:  consumerGroup,
		partitionIndex: partitionIndex,
	}
}

// State returns the current lifecycle state.
func (r *Reader) State() State {
	return State(r.state.Load())
}

// Lease returns the acquired lease, or nil before acquisition completed.
func (r *Reader) Lease() *Lease {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lease
}

// Acquire takes the partition lease. On failure the reader returns to
// Unopened; acquisition is never retried internally.
func (r *Reader) Acquire(ctx context.Context) (*Lease, error) {
	if !r.state.CompareAndSwap(int32(Unopened), int32(Acquiring)) {
		if r.State() == Closed {
			return nil, ErrClosed
		}
		return nil, ErrBusy
	}

	label := strconv.Itoa(r.partitionIndex)
	l, sess, err := r.acquire(ctx)
	if err != nil {
		r.state.CompareAndSwap(int32(Acquiring), int32(Unopened))
		metrics.LeaseAcquisitionsTotal.WithLabelValues(label, "failure").Inc()
		return nil, err
	}

	r.mu.Lock()
	r.session, r.lease = sess, l
	r.mu.Unlock()

	if !r.state.CompareAndSwap(int32(Acquiring), int32(Open)) {
		// Closed while acquiring.
		r.closeSession(ctx)
		metrics.LeaseAcquisitionsTotal.WithLabelValues(label, "failure").Inc()
		return nil, ErrClosed
	}

	metrics.LeaseAcquisitionsTotal.WithLabelValues(label, "success").Inc()
	metrics.LeaseEpoch.WithLabelValues(l.PartitionID).Set(float64(l.Epoch))
	log.Info("acquired partition lease",
		"consumerGroup", l.ConsumerGroup, "partition", l.PartitionID, "epoch", l.Epoch, "start", l.Start)
	return l, nil
}

func (r *Reader) acquire(ctx context.Context) (*Lease, transport.Session, error) {
	ids, err := r.transport.PartitionIDs(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("listing partitions: %w", err)
	}
	if r.partitionIndex < 0 || r.partitionIndex >= len(ids) {
		return nil, nil, fmt.Errorf("partition index %d out of range, log has %d partitions", r.partitionIndex, len(ids))
	}
	pid := ids[r.partitionIndex]
	scope := lease.Scope(r.consumerGroup, pid)

	txn, err := r.store.Begin(ctx, scope)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning lease transaction for %s: %w", scope, err)
	}
	defer func() { _ = txn.Rollback(ctx) }()

	start, _, err := txn.Position(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("reading position for %s: %w", scope, err)
	}
	prev, found, err := txn.Epoch(ctx, lease.LockUpdate)
	if err != nil {
		return nil, nil, fmt.Errorf("reading epoch for %s: %w", scope, err)
	}
	epoch := int64(0)
	if found {
		epoch = prev + 1
	}

	sess, err := r.transport.OpenFencedSession(ctx, r.consumerGroup, pid, start, epoch)
	if err != nil {
		return nil, nil, fmt.Errorf("opening session on %s at epoch %d: %w", scope, epoch, err)
	}
	if err := txn.SetEpoch(ctx, epoch); err != nil {
		closeQuietly(sess)
		return nil, nil, fmt.Errorf("staging epoch for %s: %w", scope, err)
	}
	if err := txn.Commit(ctx); err != nil {
		closeQuietly(sess)
		return nil, nil, fmt.Errorf("committing epoch %d for %s: %w", epoch, scope, err)
	}

	return &Lease{
		PartitionID:   pid,
		ConsumerGroup: r.consumerGroup,
		Epoch:         epoch,
		Start:         start,
	}, sess, nil
}

// Receive fetches up to maxCount records, waiting at most waitTime.
func (r *Reader) Receive(ctx context.Context, maxCount int, waitTime time.Duration) (transport.Batch, error) {
	if r.State() != Open {
		return nil, ErrNotOpen
	}
	r.mu.Lock()
	sess := r.session
	r.mu.Unlock()
	if sess == nil {
		return nil, ErrNotOpen
	}
	return sess.Receive(ctx, maxCount, waitTime)
}

// Seek reopens the session at pos under the epoch already held, so the next
// Receive returns the records after pos again.
func (r *Reader) Seek(ctx context.Context, pos transport.Position) error {
	if r.State() != Open {
		return ErrNotOpen
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session != nil {
		if err := r.session.Close(ctx); err != nil {
			log.Error(err, "failed to close session before seek", "partition", r.lease.PartitionID)
		}
		r.session = nil
	}
	sess, err := r.transport.OpenFencedSession(ctx, r.consumerGroup, r.lease.PartitionID, pos, r.lease.Epoch)
	if err != nil {
		return fmt.Errorf("reopening %s at %q: %w", r.lease.Scope(), pos, err)
	}
	r.session = sess
	log.V(1).Info("session repositioned", "partition", r.lease.PartitionID, "position", pos)
	return nil
}

// Close moves the reader to Closed and closes its session. Calling Close
// again is a no-op.
func (r *Reader) Close(ctx context.Context) error {
	if State(r.state.Swap(int32(Closed))) == Closed {
		return nil
	}
	return r.closeSession(ctx)
}

func (r *Reader) closeSession(ctx context.Context) error {
	r.mu.Lock()
	sess := r.session
	r.session = nil
	r.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close(ctx)
}

func closeQuietly(sess transport.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Close(ctx); err != nil {
		log.Error(err, "failed to close session", "partition", sess.PartitionID())
	}
}
