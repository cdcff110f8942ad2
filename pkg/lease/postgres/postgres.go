// Package postgres stores epochs and positions in two PostgreSQL tables.
// The epoch row is read with SELECT ... FOR UPDATE so concurrent acquirers
// serialize on it; a first acquisition that finds no row inserts one and
// loses with lease.ErrConflict if a racer inserted first. A position commit
// after a plain epoch read re-reads the epoch row FOR SHARE and fails with
// lease.ErrConflict if a newer acquisition changed it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/felixnotka/hubfence/pkg/lease"
	"github.com/felixnotka/hubfence/pkg/transport"
)

var log = ctrl.Log.WithName("lease").WithName("postgres")

const uniqueViolation = "23505"

func init() {
	lease.Register("postgres", func(ctx context.Context, cfg lease.Config) (lease.Store, error) {
		return Open(ctx, cfg)
	})
}

// Store is a lease.Store backed by a pgx connection pool.
type Store struct {
	pool          *pgxpool.Pool
	epochTable    string
	positionTable string
}

// Open connects to cfg.URL, verifies the connection and ensures both tables exist.
func Open(ctx context.Context, cfg lease.Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres URL: %w", err)
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := New(pool, cfg.EpochTable, cfg.PositionTable)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("connected to postgres", "epochTable", cfg.EpochTable, "positionTable", cfg.PositionTable)
	return s, nil
}

// New wraps an existing pool. Table names are quoted as identifiers.
func New(pool *pgxpool.Pool, epochTable, positionTable string) *Store {
	return &Store{
		pool:          pool,
		epochTable:    pgx.Identifier{epochTable}.Sanitize(),
		positionTable: pgx.Identifier{positionTable}.Sanitize(),
	}
}

// EnsureSchema creates the epoch and position tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	scope      text PRIMARY KEY,
	value      bigint NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`, s.epochTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	scope      text PRIMARY KEY,
	value      text NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`, s.positionTable),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create lease tables: %w", err)
		}
	}
	return nil
}

func (s *Store) Begin(ctx context.Context, scope string) (lease.Txn, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &txn{store: s, tx: tx, scope: scope}, nil
}

func (s *Store) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

type txn struct {
	store *Store
	tx    pgx.Tx
	scope string

	epochRead     bool
	epochExists   bool
	epochObserved int64
	epochLocked   bool
	epochStaged   bool
	posStaged     bool
}

func (t *txn) Epoch(ctx context.Context, mode lease.LockMode) (int64, bool, error) {
	if t.tx == nil {
		return 0, false, lease.ErrTxnDone
	}
	q := fmt.Sprintf("SELECT value FROM %s WHERE scope = $1", t.store.epochTable)
	if mode == lease.LockUpdate {
		q += " FOR UPDATE"
	}

	var epoch int64
	err := t.tx.QueryRow(ctx, q, t.scope).Scan(&epoch)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		t.epochRead, t.epochExists = true, false
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("failed to read epoch: %w", err)
	}
	t.epochRead, t.epochExists, t.epochObserved = true, true, epoch
	if mode == lease.LockUpdate {
		t.epochLocked = true
	}
	return epoch, true, nil
}

func (t *txn) SetEpoch(ctx context.Context, epoch int64) error {
	if t.tx == nil {
		return lease.ErrTxnDone
	}

	var q string
	switch {
	case t.epochRead && !t.epochExists:
		// Plain insert: a racer that also saw no row fails on the primary key.
		q = fmt.Sprintf("INSERT INTO %s (scope, value) VALUES ($1, $2)", t.store.epochTable)
	case t.epochRead:
		q = fmt.Sprintf("UPDATE %s SET value = $2, updated_at = now() WHERE scope = $1", t.store.epochTable)
	default:
		q = fmt.Sprintf(`INSERT INTO %s (scope, value) VALUES ($1, $2)
ON CONFLICT (scope) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, t.store.epochTable)
	}

	if _, err := t.tx.Exec(ctx, q, t.scope, epoch); err != nil {
		return mapError("failed to write epoch", err)
	}
	t.epochStaged = true
	return nil
}

func (t *txn) Position(ctx context.Context) (transport.Position, bool, error) {
	if t.tx == nil {
		return "", false, lease.ErrTxnDone
	}
	q := fmt.Sprintf("SELECT value FROM %s WHERE scope = $1", t.store.positionTable)

	var pos string
	err := t.tx.QueryRow(ctx, q, t.scope).Scan(&pos)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("failed to read position: %w", err)
	}
	return transport.Position(pos), true, nil
}

func (t *txn) SetPosition(ctx context.Context, pos transport.Position) error {
	if t.tx == nil {
		return lease.ErrTxnDone
	}
	q := fmt.Sprintf(`INSERT INTO %s (scope, value) VALUES ($1, $2)
ON CONFLICT (scope) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, t.store.positionTable)
	if _, err := t.tx.Exec(ctx, q, t.scope, string(pos)); err != nil {
		return fmt.Errorf("failed to write position: %w", err)
	}
	t.posStaged = true
	return nil
}

func (t *txn) Commit(ctx context.Context) error {
	if t.tx == nil {
		return lease.ErrTxnDone
	}
	if err := t.verifyEpoch(ctx); err != nil {
		_ = t.Rollback(ctx)
		return err
	}
	tx := t.tx
	t.tx = nil
	if err := tx.Commit(ctx); err != nil {
		return mapError("failed to commit transaction", err)
	}
	return nil
}

// verifyEpoch locks the epoch row FOR SHARE and checks it still holds the
// value read earlier. The share lock blocks a concurrent acquirer's update
// until this transaction ends.
func (t *txn) verifyEpoch(ctx context.Context) error {
	if !t.epochRead || t.epochLocked || t.epochStaged || !t.posStaged {
		return nil
	}
	q := fmt.Sprintf("SELECT value FROM %s WHERE scope = $1 FOR SHARE", t.store.epochTable)

	var current int64
	err := t.tx.QueryRow(ctx, q, t.scope).Scan(&current)
	exists := true
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		exists = false
	case err != nil:
		return fmt.Errorf("failed to verify epoch: %w", err)
	}
	if exists != t.epochExists || (exists && current != t.epochObserved) {
		return fmt.Errorf("epoch changed since read: %w", lease.ErrConflict)
	}
	return nil
}

// Rollback is safe to call multiple times.
func (t *txn) Rollback(ctx context.Context) error {
	if t.tx == nil {
		return nil
	}
	tx := t.tx
	t.tx = nil
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

func mapError(msg string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", msg, errors.Join(lease.ErrConflict, err))
	}
	return fmt.Errorf("%s: %w", msg, err)
}
