// Package lease defines the durable epoch and resume-position store used to
// fence partition readers.
//
// A store holds two independent tables: one mapping a scope to its latest
// committed epoch, one mapping a scope to its resume position. A scope names
// a single partition of a single consumer group. All mutations go through a
// Txn and become visible together on Commit.
package lease

import (
	"context"
	"errors"

	"github.com/felixnotka/hubfence/pkg/transport"
)

const (
	// EpochKey is the fixed key of the epoch entry within a scope.
	EpochKey = "epoch"
	// PositionKey is the fixed key of the resume position within a scope.
	PositionKey = "offset"
)

var (
	// ErrConflict is returned by Commit when another transaction changed the
	// epoch between this transaction's epoch read and its commit.
	ErrConflict = errors.New("lease: concurrent epoch update")

	// ErrTxnDone is returned when a committed or rolled back Txn is used.
	ErrTxnDone = errors.New("lease: transaction already completed")
)

// LockMode selects the isolation of a read.
type LockMode int

const (
	// LockDefault is a plain read-committed read.
	LockDefault LockMode = iota
	// LockUpdate serializes readers that intend to write the key in the same
	// transaction.
	LockUpdate
)

// Store opens transactions over the epoch and position tables.
type Store interface {
	Begin(ctx context.Context, scope string) (Txn, error)
	Close(ctx context.Context) error
}

// Txn is a unit of work over one scope. Writes are staged until Commit.
// Rollback after Commit is a no-op, so callers may always defer it.
//
// Once Epoch has been read, Commit applies the staged writes only if the
// epoch is still the observed value, otherwise it returns ErrConflict. This
// holds for position-only commits too, so a reader fenced by a newer epoch
// cannot move the position.
type Txn interface {
	// Epoch returns the committed epoch and whether one exists.
	Epoch(ctx context.Context, mode LockMode) (int64, bool, error)
	SetEpoch(ctx context.Context, epoch int64) error

	// Position returns the committed resume position and whether one exists.
	Position(ctx context.Context) (transport.Position, bool, error)
	SetPosition(ctx context.Context, pos transport.Position) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Scope builds the scope for a consumer group and partition.
func Scope(consumerGroup, partitionID string) string {
	return consumerGroup + "/" + partitionID
}
