package host

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/felixnotka/hubfence/pkg/lease"
	leasememory "github.com/felixnotka/hubfence/pkg/lease/memory"
	"github.com/felixnotka/hubfence/pkg/listener"
	"github.com/felixnotka/hubfence/pkg/metrics"
	"github.com/felixnotka/hubfence/pkg/supervise"
	"github.com/felixnotka/hubfence/pkg/transport"
	"github.com/felixnotka/hubfence/pkg/transport/memory"
)

func testFactory(log *memory.Log, store lease.Store) ListenerFactory {
	return func(ctx context.Context, isPrimary func() bool) (*listener.Listener, error) {
		cfg := listener.Config{
			ConsumerGroup: "g",
			NotReadyDelay: time.Millisecond,
			RetryDelay:    time.Millisecond,
		}
		return listener.New(cfg, log, lease.Guard(store, isPrimary), logr.Discard()), nil
	}
}

// cancelOnBatch returns a handler that records the batch size and cancels.
func cancelOnBatch(cancel context.CancelFunc, got *atomic.Int64) listener.Handler {
	return listener.HandlerFunc(func(_ context.Context, b transport.Batch) error {
		got.Add(int64(len(b)))
		cancel()
		return nil
	})
}

func TestStaticRunsUntilShutdown(t *testing.T) {
	log := memory.New("0")
	log.Append("0", []byte("a"), []byte("b"))
	store := leasememory.New()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got atomic.Int64
	h := &Static{
		Factory: testFactory(log, store),
		Options: Options{Handler: cancelOnBatch(cancel, &got), MaxBatchSize: 10, WaitTime: 5 * time.Millisecond},
		Log:     logr.Discard(),
	}
	if err := h.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got.Load() != 2 {
		t.Errorf("delivered %d records, want 2", got.Load())
	}
	if pos, _ := store.CommittedPosition("g/0"); pos != "1" {
		t.Errorf("position = %q, want 1", pos)
	}
	if !log.Closed() {
		t.Error("transport not closed after the term")
	}
}

func TestStaticFactoryError(t *testing.T) {
	h := &Static{
		Factory: func(context.Context, func() bool) (*listener.Listener, error) {
			return nil, errors.New("no credentials")
		},
		Log: logr.Discard(),
	}
	if err := h.Run(context.Background()); err == nil {
		t.Error("expected factory error")
	}
}

func TestStaticPropagatesFatal(t *testing.T) {
	log := memory.New("0")
	log.FailNextReceive(&transport.Error{Op: "receive", Code: transport.CodeOwnershipLost})
	h := &Static{
		Factory: testFactory(log, leasememory.New()),
		Options: Options{Handler: listener.HandlerFunc(func(context.Context, transport.Batch) error { return nil }), MaxBatchSize: 1, WaitTime: time.Millisecond},
		Log:     logr.Discard(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Run(ctx); supervise.Classify(err) != supervise.Fatal {
		t.Errorf("Run() = %v, want fatal", err)
	}
}

func TestTermContextLostLeadership(t *testing.T) {
	var primary atomic.Bool
	primary.Store(true)
	leader, lose := context.WithCancel(context.Background())
	ctx, cancel := termContext(context.Background(), leader, &primary)
	defer cancel(nil)

	lose()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("term context not canceled after losing leadership")
	}
	if !errors.Is(context.Cause(ctx), supervise.ErrNotPrimary) {
		t.Errorf("cause = %v, want ErrNotPrimary", context.Cause(ctx))
	}
	if primary.Load() {
		t.Error("primary flag still set")
	}
}

func TestTermContextShutdown(t *testing.T) {
	var primary atomic.Bool
	primary.Store(true)
	parent, shutdown := context.WithCancel(context.Background())
	leader, lose := context.WithCancel(parent)
	defer lose()
	ctx, cancel := termContext(parent, leader, &primary)
	defer cancel(nil)

	shutdown()
	<-ctx.Done()
	if errors.Is(context.Cause(ctx), supervise.ErrNotPrimary) {
		t.Error("shutdown reported as lost leadership")
	}
}

func TestElectionLockName(t *testing.T) {
	e := &Election{LeaseName: "hubfence", PartitionIndex: 7}
	if e.LockName() != "hubfence-7" {
		t.Errorf("LockName() = %q", e.LockName())
	}
}

func newElection(cs *fake.Clientset, factory ListenerFactory, opts Options) *Election {
	return &Election{
		Client:         cs,
		Namespace:      "hubfence",
		LeaseName:      "hubfence",
		PartitionIndex: 0,
		Identity:       "replica-a",
		LeaseDuration:  3 * time.Second,
		RenewDeadline:  2 * time.Second,
		RetryPeriod:    100 * time.Millisecond,
		Factory:        factory,
		Options:        opts,
		Log:            logr.Discard(),
	}
}

func TestElectionRunsTermWhileLeading(t *testing.T) {
	cs := fake.NewClientset()
	log := memory.New("0")
	log.Append("0", []byte("a"))
	store := leasememory.New()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var got atomic.Int64
	e := newElection(cs, testFactory(log, store), Options{
		Handler: cancelOnBatch(cancel, &got), MaxBatchSize: 10, WaitTime: 5 * time.Millisecond,
	})
	if err := e.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got.Load() != 1 {
		t.Errorf("delivered %d records, want 1", got.Load())
	}
	if pos, _ := store.CommittedPosition("g/0"); pos != "0" {
		t.Errorf("position = %q, want 0", pos)
	}
	if _, err := cs.CoordinationV1().Leases("hubfence").Get(context.Background(), "hubfence-0", metav1.GetOptions{}); err != nil {
		t.Errorf("lease object not created: %v", err)
	}
}

func TestElectionStopsOnTermFailure(t *testing.T) {
	cs := fake.NewClientset()
	e := newElection(cs, func(context.Context, func() bool) (*listener.Listener, error) {
		return nil, errors.New("transport unavailable")
	}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Run(ctx); err == nil {
		t.Error("expected the term failure to stop the election")
	}
}

func TestElectionStepDownAfterTermIsNotCountedAsLost(t *testing.T) {
	cs := fake.NewClientset()
	e := newElection(cs, func(context.Context, func() bool) (*listener.Listener, error) {
		return nil, errors.New("transport unavailable")
	}, Options{})
	e.PartitionIndex = 7

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = e.Run(ctx)

	if got := testutil.ToFloat64(metrics.LeadershipTransitionsTotal.WithLabelValues("7", "acquired")); got != 1 {
		t.Errorf("acquired transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.LeadershipTransitionsTotal.WithLabelValues("7", "lost")); got != 0 {
		t.Errorf("lost transitions = %v, want 0 after a voluntary step-down", got)
	}
}
