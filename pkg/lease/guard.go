package lease

import (
	"context"

	"github.com/felixnotka/hubfence/pkg/supervise"
)

// Guard wraps a Store so transactions fail with supervise.ErrNotPrimary once
// isPrimary reports false. It is checked when a transaction begins and again
// when it commits, so a replica demoted mid-batch never records a position.
func Guard(store Store, isPrimary func() bool) Store {
	return &guardedStore{Store: store, isPrimary: isPrimary}
}

type guardedStore struct {
	Store
	isPrimary func() bool
}

func (g *guardedStore) Begin(ctx context.Context, scope string) (Txn, error) {
	if !g.isPrimary() {
		return nil, supervise.ErrNotPrimary
	}
	txn, err := g.Store.Begin(ctx, scope)
	if err != nil {
		return nil, err
	}
	return &guardedTxn{Txn: txn, isPrimary: g.isPrimary}, nil
}

type guardedTxn struct {
	Txn
	isPrimary func() bool
}

func (t *guardedTxn) Commit(ctx context.Context) error {
	if !t.isPrimary() {
		_ = t.Txn.Rollback(ctx)
		return supervise.ErrNotPrimary
	}
	return t.Txn.Commit(ctx)
}
