// Package blob stores epochs and positions as small blobs in one Azure
// Storage container, one blob per table and scope. The epoch update lock is
// a blob lease held from the locking read until Commit or Rollback, and the
// epoch upload is conditioned on that lease. A position commit after an epoch
// read first checks the epoch blob still holds the value that was read.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	azblob "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	bloblease "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/felixnotka/hubfence/pkg/lease"
	"github.com/felixnotka/hubfence/pkg/transport"
)

var log = ctrl.Log.WithName("lease").WithName("blob")

const (
	// leaseDuration bounds how long a crashed acquirer can hold the epoch lock.
	leaseDuration int32 = 60

	leaseRetryInterval = time.Second
)

func init() {
	lease.Register("blob", func(ctx context.Context, cfg lease.Config) (lease.Store, error) {
		cc, err := newContainerClient(cfg.URL)
		if err != nil {
			return nil, err
		}
		return New(cc, cfg.EpochTable, cfg.PositionTable), nil
	})
}

// newContainerClient uses the SAS token when the URL carries one and the
// default Azure credential chain otherwise.
func newContainerClient(containerURL string) (*container.Client, error) {
	if containerURL == "" {
		return nil, fmt.Errorf("blob lease store requires a container URL")
	}
	u, err := url.Parse(containerURL)
	if err != nil {
		return nil, fmt.Errorf("parsing container URL: %w", err)
	}
	if u.Query().Get("sig") != "" {
		return container.NewClientWithNoCredential(containerURL, nil)
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating credential for blob lease store: %w", err)
	}
	cc, err := container.NewClient(containerURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating blob container client: %w", err)
	}
	return cc, nil
}

// Store is a lease.Store backed by an Azure Storage container.
type Store struct {
	container     *container.Client
	epochTable    string
	positionTable string
}

// New returns a Store writing under the given table prefixes.
func New(cc *container.Client, epochTable, positionTable string) *Store {
	return &Store{container: cc, epochTable: epochTable, positionTable: positionTable}
}

func blobName(table, scope string) string {
	return table + "/" + strings.TrimPrefix(scope, "/")
}

func (s *Store) Begin(ctx context.Context, scope string) (lease.Txn, error) {
	return &txn{
		store:    s,
		scope:    scope,
		epochBlb: s.container.NewBlockBlobClient(blobName(s.epochTable, scope)),
		posBlb:   s.container.NewBlockBlobClient(blobName(s.positionTable, scope)),
	}, nil
}

func (s *Store) Close(ctx context.Context) error { return nil }

type txn struct {
	store    *Store
	scope    string
	epochBlb *blockblob.Client
	posBlb   *blockblob.Client
	done     bool

	leaseClient *bloblease.BlobClient
	epochETag   *azcore.ETag

	// observed is the epoch blob body at the last read, nil when absent.
	observed  []byte
	epochRead bool

	epoch    *int64
	position *transport.Position
}

func (t *txn) Epoch(ctx context.Context, mode lease.LockMode) (int64, bool, error) {
	if t.done {
		return 0, false, lease.ErrTxnDone
	}
	if mode == lease.LockUpdate && t.leaseClient == nil {
		if err := t.lockEpoch(ctx); err != nil {
			return 0, false, err
		}
	}

	body, etag, found, err := download(ctx, t.epochBlb, t.leaseID())
	if err != nil {
		return 0, false, fmt.Errorf("reading epoch: %w", err)
	}
	t.epochETag = etag
	t.epochRead, t.observed = true, nil
	if found && len(body) > 0 {
		t.observed = body
	}
	if !found || len(body) == 0 {
		return 0, false, nil
	}
	epoch, err := parseEpoch(body)
	if err != nil {
		return 0, false, err
	}
	return epoch, true, nil
}

// lockEpoch creates the epoch blob if needed and takes a lease on it,
// retrying while another acquirer holds the lease.
func (t *txn) lockEpoch(ctx context.Context) error {
	_, err := t.epochBlb.Upload(ctx, streaming.NopCloser(bytes.NewReader(nil)), &blockblob.UploadOptions{
		AccessConditions: &azblob.AccessConditions{
			ModifiedAccessConditions: &azblob.ModifiedAccessConditions{IfNoneMatch: to(azcore.ETagAny)},
		},
	})
	if err != nil && !bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet, bloberror.LeaseIDMissing) {
		return fmt.Errorf("creating epoch blob: %w", err)
	}

	lc, err := bloblease.NewBlobClient(t.epochBlb, nil)
	if err != nil {
		return fmt.Errorf("creating lease client: %w", err)
	}
	for {
		_, err := lc.AcquireLease(ctx, leaseDuration, nil)
		if err == nil {
			t.leaseClient = lc
			return nil
		}
		if !bloberror.HasCode(err, bloberror.LeaseAlreadyPresent) {
			return fmt.Errorf("acquiring epoch lease: %w", err)
		}
		log.V(1).Info("epoch blob is leased, waiting", "scope", t.scope)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(leaseRetryInterval):
		}
	}
}

func (t *txn) leaseID() *string {
	if t.leaseClient == nil {
		return nil
	}
	return t.leaseClient.LeaseID()
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
	body, _, found, err := download(ctx, t.posBlb, nil)
	if err != nil {
		return "", false, fmt.Errorf("reading position: %w", err)
	}
	if !found || len(body) == 0 {
		return "", false, nil
	}
	return transport.Position(body), true, nil
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
	defer t.release(ctx)
	t.done = true

	if t.epoch != nil {
		cond := &azblob.AccessConditions{}
		switch {
		case t.leaseClient != nil:
			cond.LeaseAccessConditions = &azblob.LeaseAccessConditions{LeaseID: t.leaseID()}
		case t.epochETag != nil:
			cond.ModifiedAccessConditions = &azblob.ModifiedAccessConditions{IfMatch: t.epochETag}
		}
		err := upload(ctx, t.epochBlb, []byte(strconv.FormatInt(*t.epoch, 10)), cond)
		switch {
		case bloberror.HasCode(err, bloberror.ConditionNotMet, bloberror.LeaseIDMismatchWithBlobOperation, bloberror.LeaseLost):
			return fmt.Errorf("writing epoch %d: %w", *t.epoch, lease.ErrConflict)
		case err != nil:
			return fmt.Errorf("writing epoch %d: %w", *t.epoch, err)
		}
	}
	if t.position != nil {
		if t.epochRead && t.epoch == nil {
			if err := t.verifyEpoch(ctx); err != nil {
				return err
			}
		}
		if err := upload(ctx, t.posBlb, []byte(*t.position), nil); err != nil {
			return fmt.Errorf("writing position: %w", err)
		}
	}
	return nil
}

// verifyEpoch fails with lease.ErrConflict when the epoch blob no longer
// holds the value this txn read.
func (t *txn) verifyEpoch(ctx context.Context) error {
	body, _, found, err := download(ctx, t.epochBlb, nil)
	if err != nil {
		return fmt.Errorf("verifying epoch: %w", err)
	}
	if !found {
		body = nil
	}
	if !bytes.Equal(bytes.TrimSpace(body), bytes.TrimSpace(t.observed)) {
		return fmt.Errorf("writing position: %w", lease.ErrConflict)
	}
	return nil
}

func (t *txn) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.release(ctx)
	return nil
}

func (t *txn) release(ctx context.Context) {
	if t.leaseClient == nil {
		return
	}
	if _, err := t.leaseClient.ReleaseLease(ctx, nil); err != nil {
		log.Error(err, "failed to release epoch lease; it expires on its own", "scope", t.scope)
	}
	t.leaseClient = nil
}

func download(ctx context.Context, b *blockblob.Client, leaseID *string) ([]byte, *azcore.ETag, bool, error) {
	var opts *azblob.DownloadStreamOptions
	if leaseID != nil {
		opts = &azblob.DownloadStreamOptions{
			AccessConditions: &azblob.AccessConditions{
				LeaseAccessConditions: &azblob.LeaseAccessConditions{LeaseID: leaseID},
			},
		}
	}
	resp, err := b.DownloadStream(ctx, opts)
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, false, err
	}
	return body, resp.ETag, true, nil
}

func upload(ctx context.Context, b *blockblob.Client, data []byte, cond *azblob.AccessConditions) error {
	_, err := b.Upload(ctx, streaming.NopCloser(bytes.NewReader(data)), &blockblob.UploadOptions{
		AccessConditions: cond,
	})
	return err
}

func parseEpoch(body []byte) (int64, error) {
	epoch, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt epoch blob %q: %w", body, err)
	}
	return epoch, nil
}

func to[T any](v T) *T { return &v }
