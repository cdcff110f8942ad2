package host

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/felixnotka/hubfence/pkg/metrics"
	"github.com/felixnotka/hubfence/pkg/supervise"
)

const (
	DefaultLeaseDuration = 15 * time.Second
	DefaultRenewDeadline = 10 * time.Second
	DefaultRetryPeriod   = 2 * time.Second
)

// Election makes this replica primary while it holds a coordination.k8s.io
// Lease named "<LeaseName>-<PartitionIndex>". Each leadership term runs one
// listener. Losing the lease cancels the term with cause
// supervise.ErrNotPrimary, and the replica campaigns again until ctx ends.
type Election struct {
	Client         kubernetes.Interface
	Namespace      string
	LeaseName      string
	PartitionIndex int

	// Identity defaults to "<hostname>_<uuid>".
	Identity string

	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration

	Factory ListenerFactory
	Options Options
	Log     logr.Logger
}

// LockName is the name of the Lease object contended for.
func (e *Election) LockName() string {
	return e.LeaseName + "-" + strconv.Itoa(e.PartitionIndex)
}

func (e *Election) identity() (string, error) {
	if e.Identity != "" {
		return e.Identity, nil
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("getting hostname for leader election identity: %w", err)
	}
	return hostname + "_" + uuid.NewString(), nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// Run campaigns for the lease until ctx is done or a term fails.
func (e *Election) Run(ctx context.Context) error {
	id, err := e.identity()
	if err != nil {
		return err
	}
	name := e.LockName()
	log := e.Log.WithValues("lease", name, "identity", id)
	partition := strconv.Itoa(e.PartitionIndex)

	lock := &resourcelock.LeaseLock{
		LeaseMeta:  metav1.ObjectMeta{Name: name, Namespace: e.Namespace},
		Client:     e.Client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{Identity: id},
	}

	for ctx.Err() == nil {
		if err := e.campaign(ctx, log, lock, partition); err != nil {
			return err
		}
	}
	return nil
}

// campaign runs one election round: wait for the lease, run a term while
// holding it, then step down.
func (e *Election) campaign(ctx context.Context, log logr.Logger, lock resourcelock.Interface, partition string) error {
	var primary, termDone atomic.Bool
	leading := make(chan context.Context, 1)

	electCtx, stopElection := context.WithCancel(ctx)
	defer stopElection()

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		Name:            e.LockName(),
		LeaseDuration:   orDefault(e.LeaseDuration, DefaultLeaseDuration),
		RenewDeadline:   orDefault(e.RenewDeadline, DefaultRenewDeadline),
		RetryPeriod:     orDefault(e.RetryPeriod, DefaultRetryPeriod),
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(leCtx context.Context) {
				primary.Store(true)
				metrics.LeadershipTransitionsTotal.WithLabelValues(partition, "acquired").Inc()
				log.Info("became primary")
				leading <- leCtx
			},
			// On shutdown the term keeps its authority until it has closed,
			// so an in-flight checkpoint still commits.
			OnStoppedLeading: func() {
				if ctx.Err() != nil {
					log.Info("released lease on shutdown")
					return
				}
				wasPrimary := primary.Swap(false)
				if termDone.Load() {
					log.Info("released lease after term ended")
					return
				}
				if wasPrimary {
					metrics.LeadershipTransitionsTotal.WithLabelValues(partition, "lost").Inc()
				}
				log.Info("lost lease")
			},
		},
	})
	if err != nil {
		return fmt.Errorf("creating leader elector: %w", err)
	}

	electorDone := make(chan struct{})
	go func() {
		defer close(electorDone)
		elector.Run(electCtx)
	}()

	select {
	case leCtx := <-leading:
		termCtx, cancel := termContext(ctx, leCtx, &primary)
		termErr := e.runTerm(termCtx, log, primary.Load)
		termDone.Store(true)
		cancel(nil)
		stopElection()
		<-electorDone
		return termErr
	case <-electorDone:
		return nil
	}
}

func (e *Election) runTerm(ctx context.Context, log logr.Logger, isPrimary func() bool) error {
	l, err := e.Factory(ctx, isPrimary)
	if err != nil {
		return fmt.Errorf("building listener: %w", err)
	}
	return runTerm(ctx, log, l, e.Options)
}

// termContext derives the context of one leadership term. It is canceled with
// the parent's cause on shutdown, and with supervise.ErrNotPrimary when the
// leader election context ends while the parent is still live.
func termContext(parent, leader context.Context, primary *atomic.Bool) (context.Context, context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		select {
		case <-leader.Done():
			if parent.Err() == nil {
				primary.Store(false)
				cancel(supervise.ErrNotPrimary)
			}
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
