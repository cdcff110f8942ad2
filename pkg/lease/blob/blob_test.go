package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/felixnotka/hubfence/pkg/lease"
)

// openTestStore creates a fresh container on the storage account named by
// HUBFENCE_TEST_BLOB_CONNECTION_STRING (Azurite works).
func openTestStore(t *testing.T) *Store {
	t.Helper()
	conn := os.Getenv("HUBFENCE_TEST_BLOB_CONNECTION_STRING")
	if conn == "" {
		t.Skip("HUBFENCE_TEST_BLOB_CONNECTION_STRING not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	name := fmt.Sprintf("hubfence-test-%d", time.Now().UnixNano())
	cc, err := container.NewClientFromConnectionString(conn, name, nil)
	if err != nil {
		t.Fatalf("NewClientFromConnectionString() error = %v", err)
	}
	if _, err := cc.Create(ctx, nil); err != nil {
		t.Fatalf("creating container %s: %v", name, err)
	}
	t.Cleanup(func() { _, _ = cc.Delete(context.Background(), nil) })
	return New(cc, "epochs", "offsets")
}

// acquire runs one locked epoch bump and returns the new epoch.
func acquire(t *testing.T, s *Store, scope string) int64 {
	t.Helper()
	ctx := context.Background()
	txn, _ := s.Begin(ctx, scope)
	e, ok, err := txn.Epoch(ctx, lease.LockUpdate)
	if err != nil {
		t.Fatalf("Epoch() error = %v", err)
	}
	next := int64(0)
	if ok {
		next = e + 1
	}
	_ = txn.SetEpoch(ctx, next)
	if err := txn.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	return next
}

func TestBlobName(t *testing.T) {
	tests := []struct {
		table, scope, want string
	}{
		{"epochs", "$Default/0", "epochs/$Default/0"},
		{"offsets", "/ingest/3", "offsets/ingest/3"},
	}
	for _, tt := range tests {
		if got := blobName(tt.table, tt.scope); got != tt.want {
			t.Errorf("blobName(%q, %q) = %q, want %q", tt.table, tt.scope, got, tt.want)
		}
	}
}

func TestParseEpoch(t *testing.T) {
	tests := []struct {
		body    string
		want    int64
		wantErr bool
	}{
		{body: "0", want: 0},
		{body: "42\n", want: 42},
		{body: "x", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseEpoch([]byte(tt.body))
		if (err != nil) != tt.wantErr {
			t.Errorf("parseEpoch(%q) error = %v, wantErr %v", tt.body, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseEpoch(%q) = %d, want %d", tt.body, got, tt.want)
		}
	}
}

func TestNewContainerClient(t *testing.T) {
	if _, err := newContainerClient(""); err == nil {
		t.Error("expected error for empty URL")
	}
	cc, err := newContainerClient("https://acct.blob.core.windows.net/leases?sv=2022-11-02&sig=abc")
	if err != nil {
		t.Fatalf("newContainerClient() with SAS error = %v", err)
	}
	if cc == nil {
		t.Fatal("nil container client")
	}
}

func TestEpochLifecycle(t *testing.T) {
	s := openTestStore(t)
	for want := int64(0); want < 3; want++ {
		if got := acquire(t, s, "g/0"); got != want {
			t.Errorf("epoch = %d, want %d", got, want)
		}
	}
}

func TestLeaseSerializesAcquirers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, _ := s.Begin(ctx, "g/1")
	if _, _, err := a.Epoch(ctx, lease.LockUpdate); err != nil {
		t.Fatalf("a.Epoch() error = %v", err)
	}

	b, _ := s.Begin(ctx, "g/1")
	short, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if _, _, err := b.Epoch(short, lease.LockUpdate); err == nil {
		t.Error("b.Epoch() succeeded while a holds the lease")
	}

	_ = a.SetEpoch(ctx, 0)
	if err := a.Commit(ctx); err != nil {
		t.Fatalf("a.Commit() error = %v", err)
	}
	if got := acquire(t, s, "g/1"); got != 1 {
		t.Errorf("epoch after release = %d, want 1", got)
	}
}

func TestCommitDetectsStaleRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acquire(t, s, "g/2")

	stale, _ := s.Begin(ctx, "g/2")
	_, _, _ = stale.Epoch(ctx, lease.LockDefault)
	acquire(t, s, "g/2")

	_ = stale.SetEpoch(ctx, 1)
	if err := stale.Commit(ctx); !errors.Is(err, lease.ErrConflict) {
		t.Errorf("stale Commit() = %v, want ErrConflict", err)
	}
}

func TestPositionRoundTripAndFencing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acquire(t, s, "g/3")

	txn, _ := s.Begin(ctx, "g/3")
	if _, ok, err := txn.Position(ctx); err != nil || ok {
		t.Fatalf("Position() on empty store = %v, %v", ok, err)
	}
	_, _, _ = txn.Epoch(ctx, lease.LockDefault)
	_ = txn.SetPosition(ctx, "7")
	if err := txn.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	stale, _ := s.Begin(ctx, "g/3")
	_, _, _ = stale.Epoch(ctx, lease.LockDefault)
	_ = stale.SetPosition(ctx, "2")
	acquire(t, s, "g/3")
	if err := stale.Commit(ctx); !errors.Is(err, lease.ErrConflict) {
		t.Errorf("stale Commit() = %v, want ErrConflict", err)
	}

	check, _ := s.Begin(ctx, "g/3")
	defer check.Rollback(ctx)
	if pos, _, _ := check.Position(ctx); pos != "7" {
		t.Errorf("position = %q, want 7", pos)
	}
}
