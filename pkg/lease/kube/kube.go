// Package kube stores epochs and positions in two ConfigMaps, one per table.
// Each scope is one data key. The epoch update lock is optimistic: the epoch
// update carries the resourceVersion of the read, and when it conflicts the
// ConfigMap is read again. A change to this scope's key fails the commit with
// lease.ErrConflict; a change to another scope's key is retried. Position
// writes check the scope's epoch key is unchanged before writing, then retry
// on conflict.
package kube

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/felixnotka/hubfence/pkg/lease"
	"github.com/felixnotka/hubfence/pkg/transport"
)

var log = ctrl.Log.WithName("lease").WithName("kube")

const managedByLabel = "app.kubernetes.io/managed-by"

func init() {
	lease.Register("kubernetes", func(ctx context.Context, cfg lease.Config) (lease.Store, error) {
		restCfg, err := ctrl.GetConfig()
		if err != nil {
			return nil, fmt.Errorf("loading kubeconfig: %w", err)
		}
		cs, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, fmt.Errorf("creating kubernetes client: %w", err)
		}
		return New(cs, cfg.Namespace, cfg.EpochTable, cfg.PositionTable)
	})
}

// Store is a lease.Store backed by ConfigMaps.
type Store struct {
	client      kubernetes.Interface
	namespace   string
	epochMap    string
	positionMap string
}

// New validates the ConfigMap names and returns a Store.
func New(client kubernetes.Interface, namespace, epochMap, positionMap string) (*Store, error) {
	if namespace == "" {
		return nil, fmt.Errorf("kubernetes lease store requires a namespace")
	}
	for _, name := range []string{epochMap, positionMap} {
		if errs := validation.IsDNS1123Subdomain(name); len(errs) > 0 {
			return nil, fmt.Errorf("invalid ConfigMap name %q: %s", name, strings.Join(errs, "; "))
		}
	}
	return &Store{client: client, namespace: namespace, epochMap: epochMap, positionMap: positionMap}, nil
}

// dataKey turns a scope into a valid ConfigMap key. The group/partition
// separator becomes "." and other characters outside [-._a-zA-Z0-9] become "_"
// (so "$Default/0" is stored as "_Default.0").
func dataKey(scope string) (string, error) {
	key := strings.Map(func(r rune) rune {
		switch {
		case r == '/':
			return '.'
		case r == '-', r == '.', r == '_',
			r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, scope)
	if errs := validation.IsConfigMapKey(key); len(errs) > 0 {
		return "", fmt.Errorf("invalid scope %q: %s", scope, strings.Join(errs, "; "))
	}
	return key, nil
}

func (s *Store) Begin(ctx context.Context, scope string) (lease.Txn, error) {
	key, err := dataKey(scope)
	if err != nil {
		return nil, err
	}
	return &txn{store: s, key: key}, nil
}

func (s *Store) Close(ctx context.Context) error { return nil }

func (s *Store) get(ctx context.Context, name string) (*corev1.ConfigMap, error) {
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting ConfigMap %s/%s: %w", s.namespace, name, err)
	}
	return cm, nil
}

// put creates cm when it did not exist and updates it otherwise. Updates
// carry the resourceVersion that was read, so a concurrent writer conflicts.
func (s *Store) put(ctx context.Context, cm *corev1.ConfigMap, exists bool) error {
	cms := s.client.CoreV1().ConfigMaps(s.namespace)
	if !exists {
		_, err := cms.Create(ctx, cm, metav1.CreateOptions{})
		return err
	}
	_, err := cms.Update(ctx, cm, metav1.UpdateOptions{})
	return err
}

func (s *Store) newConfigMap(name string) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: s.namespace,
			Labels:    map[string]string{managedByLabel: "hubfence"},
		},
		Data: map[string]string{},
	}
}

type txn struct {
	store *Store
	key   string
	done  bool

	// epochMap is the ConfigMap observed by the last Epoch read, nil when absent.
	epochMap  *corev1.ConfigMap
	epochRead bool

	// observed is this scope's raw epoch value at the last read.
	observed   string
	observedOK bool

	epoch    *int64
	position *transport.Position
}

// errEpochChanged stops a conflict retry once this scope's epoch moved.
var errEpochChanged = errors.New("epoch changed since read")

func (t *txn) Epoch(ctx context.Context, mode lease.LockMode) (int64, bool, error) {
	if t.done {
		return 0, false, lease.ErrTxnDone
	}
	cm, err := t.store.get(ctx, t.store.epochMap)
	if err != nil {
		return 0, false, err
	}
	t.epochMap, t.epochRead = cm, true
	t.observed, t.observedOK = "", false
	if cm == nil {
		return 0, false, nil
	}
	raw, ok := cm.Data[t.key]
	if !ok {
		return 0, false, nil
	}
	t.observed, t.observedOK = raw, true
	epoch, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt epoch %q in %s: %w", raw, t.store.epochMap, err)
	}
	return epoch, true, nil
}

// unchanged reports whether cm still holds the epoch value this txn read.
func (t *txn) unchanged(cm *corev1.ConfigMap) bool {
	var raw string
	ok := false
	if cm != nil {
		raw, ok = cm.Data[t.key]
	}
	return ok == t.observedOK && raw == t.observed
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
	cm, err := t.store.get(ctx, t.store.positionMap)
	if err != nil || cm == nil {
		return "", false, err
	}
	raw, ok := cm.Data[t.key]
	return transport.Position(raw), ok, nil
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

// Commit writes the epoch first, then the position. Two ConfigMaps cannot be
// updated atomically; callers in this module never stage both in one txn.
func (t *txn) Commit(ctx context.Context) error {
	if t.done {
		return lease.ErrTxnDone
	}
	t.done = true

	if t.epoch != nil {
		if err := t.commitEpoch(ctx, *t.epoch); err != nil {
			return err
		}
	}
	if t.position != nil {
		if err := t.commitPosition(ctx, *t.position); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) commitEpoch(ctx context.Context, epoch int64) error {
	value := strconv.FormatInt(epoch, 10)

	if !t.epochRead {
		return t.upsert(ctx, t.store.epochMap, value)
	}

	current, first := t.epochMap, true
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		if !first {
			cm, err := t.store.get(ctx, t.store.epochMap)
			if err != nil {
				return err
			}
			if !t.unchanged(cm) {
				return errEpochChanged
			}
			current = cm
		}
		first = false

		var cm *corev1.ConfigMap
		if current == nil {
			cm = t.store.newConfigMap(t.store.epochMap)
		} else {
			cm = current.DeepCopy()
			if cm.Data == nil {
				cm.Data = map[string]string{}
			}
		}
		cm.Data[t.key] = value

		err := t.store.put(ctx, cm, current != nil)
		if apierrors.IsAlreadyExists(err) {
			return apierrors.NewConflict(corev1.Resource("configmaps"), t.store.epochMap, err)
		}
		return err
	})
	switch {
	case errors.Is(err, errEpochChanged), apierrors.IsConflict(err):
		return fmt.Errorf("writing epoch %d: %w", epoch, lease.ErrConflict)
	case err != nil:
		return fmt.Errorf("writing epoch %d: %w", epoch, err)
	}
	log.V(1).Info("committed epoch", "configMap", t.store.epochMap, "key", t.key, "epoch", epoch)
	return nil
}

// commitPosition writes the position after checking, when the epoch was read
// in this txn, that the scope's epoch has not moved.
func (t *txn) commitPosition(ctx context.Context, pos transport.Position) error {
	if t.epochRead && t.epoch == nil {
		cm, err := t.store.get(ctx, t.store.epochMap)
		if err != nil {
			return fmt.Errorf("verifying epoch: %w", err)
		}
		if !t.unchanged(cm) {
			return fmt.Errorf("writing position: %w", lease.ErrConflict)
		}
	}
	if err := t.upsert(ctx, t.store.positionMap, string(pos)); err != nil {
		return fmt.Errorf("writing position: %w", err)
	}
	return nil
}

func (t *txn) upsert(ctx context.Context, name, value string) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		cm, err := t.store.get(ctx, name)
		if err != nil {
			return err
		}
		exists := cm != nil
		if !exists {
			cm = t.store.newConfigMap(name)
		}
		if cm.Data == nil {
			cm.Data = map[string]string{}
		}
		cm.Data[t.key] = value
		err = t.store.put(ctx, cm, exists)
		if apierrors.IsAlreadyExists(err) {
			// Lost a create race; surface as a conflict so the retry re-reads.
			return apierrors.NewConflict(corev1.Resource("configmaps"), name, err)
		}
		return err
	})
}

func (t *txn) Rollback(ctx context.Context) error {
	t.done = true
	return nil
}
