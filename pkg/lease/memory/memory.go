// Package memory is an in-process lease store. The update lock is a
// per-scope semaphore held from the locking read until Commit or Rollback.
package memory

import (
	"context"
	"sync"

	"github.com/felixnotka/hubfence/pkg/lease"
	"github.com/felixnotka/hubfence/pkg/transport"
)

func init() {
	lease.Register("memory", func(ctx context.Context, cfg lease.Config) (lease.Store, error) {
		return New(), nil
	})
}

// Store keeps epochs and positions in maps.
type Store struct {
	mu        sync.Mutex
	epochs    map[string]int64
	positions map[string]transport.Position
	locks     map[string]chan struct{}
	begins    int

	// CommitErr, if set, is returned by Commit instead of applying writes.
	CommitErr error
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		epochs:    make(map[string]int64),
		positions: make(map[string]transport.Position),
		locks:     make(map[string]chan struct{}),
	}
}

// CommittedEpoch returns the committed epoch of scope.
func (s *Store) CommittedEpoch(scope string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.epochs[scope]
	return e, ok
}

// CommittedPosition returns the committed position of scope.
func (s *Store) CommittedPosition(scope string) (transport.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[scope]
	return p, ok
}

// SetCommitted writes a position outside any transaction, for seeding tests.
func (s *Store) SetCommitted(scope string, pos transport.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[scope] = pos
}

// Begins returns how many transactions were started.
func (s *Store) Begins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begins
}

func (s *Store) Begin(ctx context.Context, scope string) (lease.Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.begins++
	s.mu.Unlock()
	return &txn{store: s, scope: scope}, nil
}

func (s *Store) Close(ctx context.Context) error { return nil }

func (s *Store) lock(scope string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.locks[scope]
	if !ok {
		sem = make(chan struct{}, 1)
		s.locks[scope] = sem
	}
	return sem
}

type txn struct {
	store *Store
	scope string

	held bool
	done bool

	readEpoch  bool
	observed   int64
	observedOK bool
	epoch      *int64
	position   *transport.Position
}

func (t *txn) Epoch(ctx context.Context, mode lease.LockMode) (int64, bool, error) {
	if t.done {
		return 0, false, lease.ErrTxnDone
	}
	if mode == lease.LockUpdate && !t.held {
		sem := t.store.lock(t.scope)
		select {
		case sem <- struct{}{}:
			t.held = true
		case <-ctx.Done():
			return 0, false, ctx.Err()
		}
	}

	t.store.mu.Lock()
	e, ok := t.store.epochs[t.scope]
	t.store.mu.Unlock()

	t.readEpoch, t.observed, t.observedOK = true, e, ok
	return e, ok, nil
}

func (t *txn) SetEpoch(ctx context.Context, epoch int64) error {
	if t.done {
		return lease.ErrTxnDone
	}
	t.epoch = &epoch
	return nil
}

func (t *txn) Position(ctx context.Context) (transport.Position, bool, error) {
	if t.done {
		return "", false, lease.ErrTxnDone
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	p, ok := t.store.positions[t.scope]
	return p, ok, nil
}

func (t *txn) SetPosition(ctx context.Context, pos transport.Position) error {
	if t.done {
		return lease.ErrTxnDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.position = &pos
	return nil
}

func (t *txn) Commit(ctx context.Context) error {
	if t.done {
		return lease.ErrTxnDone
	}
	defer t.finish()

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if t.store.CommitErr != nil {
		return t.store.CommitErr
	}
	if t.readEpoch {
		current, ok := t.store.epochs[t.scope]
		if ok != t.observedOK || current != t.observed {
			return lease.ErrConflict
		}
	}
	if t.epoch != nil {
		t.store.epochs[t.scope] = *t.epoch
	}
	if t.position != nil {
		t.store.positions[t.scope] = *t.position
	}
	return nil
}

func (t *txn) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *txn) finish() {
	t.done = true
	if t.held {
		<-t.store.lock(t.scope)
		t.held = false
	}
}
