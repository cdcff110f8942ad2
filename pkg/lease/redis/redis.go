// Package redis stores epochs and positions as plain Redis strings. The epoch
// update lock is a SET NX key with a TTL owned by one transaction, and Commit
// re-checks the observed epoch under WATCH, so a write that raced the lock's
// expiry or a newer acquisition fails with lease.ErrConflict.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/felixnotka/hubfence/pkg/lease"
	"github.com/felixnotka/hubfence/pkg/transport"
)

var log = ctrl.Log.WithName("lease").WithName("redis")

const (
	lockTTL           = 30 * time.Second
	lockRetryInterval = 200 * time.Millisecond
)

// releaseScript deletes the lock only if this transaction still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func init() {
	lease.Register("redis", func(ctx context.Context, cfg lease.Config) (lease.Store, error) {
		return Open(ctx, cfg)
	})
}

// Store is a lease.Store backed by Redis.
type Store struct {
	rdb           *redis.Client
	epochTable    string
	positionTable string
}

// Open parses cfg.URL and verifies the connection.
func Open(ctx context.Context, cfg lease.Config) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(rdb, cfg.EpochTable, cfg.PositionTable), nil
}

// New wraps an existing client.
func New(rdb *redis.Client, epochTable, positionTable string) *Store {
	return &Store{rdb: rdb, epochTable: epochTable, positionTable: positionTable}
}

func epochKey(table, scope string) string {
	return fmt.Sprintf("%s:%s:%s", table, scope, lease.EpochKey)
}

func positionKey(table, scope string) string {
	return fmt.Sprintf("%s:%s:%s", table, scope, lease.PositionKey)
}

func lockKey(table, scope string) string {
	return fmt.Sprintf("%s:%s:lock", table, scope)
}

func (s *Store) Begin(ctx context.Context, scope string) (lease.Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &txn{
		store:       s,
		scope:       scope,
		epochKey:    epochKey(s.epochTable, scope),
		positionKey: positionKey(s.positionTable, scope),
		lockKey:     lockKey(s.epochTable, scope),
	}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.rdb.Close()
}

type txn struct {
	store       *Store
	scope       string
	epochKey    string
	positionKey string
	lockKey     string
	done        bool

	lockToken string

	// observed is the raw epoch value seen by the last read, "" when absent.
	observed string
	read     bool

	epoch    *int64
	position *transport.Position
}

func (t *txn) Epoch(ctx context.Context, mode lease.LockMode) (int64, bool, error) {
	if t.done {
		return 0, false, lease.ErrTxnDone
	}
	if mode == lease.LockUpdate && t.lockToken == "" {
		if err := t.lock(ctx); err != nil {
			return 0, false, err
		}
	}

	raw, err := t.store.rdb.Get(ctx, t.epochKey).Result()
	if errors.Is(err, redis.Nil) {
		t.observed, t.read = "", true
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get epoch: %w", err)
	}
	t.observed, t.read = raw, true
	epoch, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt epoch %q at %s: %w", raw, t.epochKey, err)
	}
	return epoch, true, nil
}

func (t *txn) lock(ctx context.Context) error {
	token := uuid.NewString()
	for {
		ok, err := t.store.rdb.SetNX(ctx, t.lockKey, token, lockTTL).Result()
		if err != nil {
			return fmt.Errorf("setnx failed: %w", err)
		}
		if ok {
			t.lockToken = token
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
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
	raw, err := t.store.rdb.Get(ctx, t.positionKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get position: %w", err)
	}
	return transport.Position(raw), true, nil
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
	t.done = true
	defer t.unlock(ctx)

	if t.epoch == nil && t.position == nil {
		return nil
	}

	apply := func(tx *redis.Tx) error {
		if t.read {
			cur, err := tx.Get(ctx, t.epochKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if cur != t.observed {
				return lease.ErrConflict
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if t.epoch != nil {
				pipe.Set(ctx, t.epochKey, strconv.FormatInt(*t.epoch, 10), 0)
			}
			if t.position != nil {
				pipe.Set(ctx, t.positionKey, string(*t.position), 0)
			}
			return nil
		})
		return err
	}

	err := t.store.rdb.Watch(ctx, apply, t.epochKey)
	switch {
	case errors.Is(err, redis.TxFailedErr), errors.Is(err, lease.ErrConflict):
		return fmt.Errorf("commit %s: %w", t.scope, lease.ErrConflict)
	case err != nil:
		return fmt.Errorf("commit %s: %w", t.scope, err)
	}
	return nil
}

func (t *txn) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.unlock(ctx)
	return nil
}

func (t *txn) unlock(ctx context.Context) {
	if t.lockToken == "" {
		return
	}
	if err := releaseScript.Run(ctx, t.store.rdb, []string{t.lockKey}, t.lockToken).Err(); err != nil {
		log.Error(err, "failed to release epoch lock; it expires on its own", "scope", t.scope)
	}
	t.lockToken = ""
}
