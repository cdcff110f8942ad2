// Package eventhubs implements transport.Transport on Azure Event Hubs epoch
// receivers. The session epoch is the receiver owner level, so the service
// disconnects any receiver on the same consumer group and partition that
// holds a lower epoch.
package eventhubs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azeventhubs/v2"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/felixnotka/hubfence/pkg/transport"
)

var log = ctrl.Log.WithName("transport").WithName("eventhubs")

func init() {
	transport.Register("eventhubs", func(cfg transport.Config) (transport.Transport, error) {
		return New(cfg)
	})
}

// Transport opens epoch receivers on one event hub. Consumer clients are
// created lazily, one per consumer group.
type Transport struct {
	ConnectionString string
	Namespace        string // Fully qualified namespace (e.g., "myns.servicebus.windows.net")
	EventHub         string

	mu      sync.Mutex
	clients map[string]*azeventhubs.ConsumerClient
	closed  bool
}

// New validates cfg and returns an unconnected Transport.
func New(cfg transport.Config) (*Transport, error) {
	if cfg.ConnectionString == "" && cfg.Namespace == "" {
		return nil, fmt.Errorf("eventhubs: connection string or namespace is required")
	}
	if cfg.ConnectionString == "" && cfg.Name == "" {
		return nil, fmt.Errorf("eventhubs: event hub name is required with namespace authentication")
	}
	return &Transport{
		ConnectionString: cfg.ConnectionString,
		Namespace:        cfg.Namespace,
		EventHub:         cfg.Name,
		clients:          make(map[string]*azeventhubs.ConsumerClient),
	}, nil
}

func (t *Transport) client(consumerGroup string) (*azeventhubs.ConsumerClient, error) {
	if consumerGroup == "" {
		consumerGroup = azeventhubs.DefaultConsumerGroup
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, &transport.Error{Op: "connect", Code: transport.CodeClosed}
	}
	if c, ok := t.clients[consumerGroup]; ok {
		return c, nil
	}

	var (
		c   *azeventhubs.ConsumerClient
		err error
	)
	if t.ConnectionString != "" {
		// The event hub name may be embedded in the connection string as EntityPath.
		c, err = azeventhubs.NewConsumerClientFromConnectionString(t.ConnectionString, t.EventHub, consumerGroup, nil)
	} else {
		cred, credErr := azidentity.NewDefaultAzureCredential(nil)
		if credErr != nil {
			return nil, fmt.Errorf("creating Azure credential: %w", credErr)
		}
		c, err = azeventhubs.NewConsumerClient(t.Namespace, t.EventHub, consumerGroup, cred, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("creating Event Hub consumer client: %w", err)
	}

	t.clients[consumerGroup] = c
	log.Info("connected to Event Hub",
		"namespace", t.Namespace, "eventHub", t.EventHub, "consumerGroup", consumerGroup)
	return c, nil
}

func (t *Transport) PartitionIDs(ctx context.Context) ([]string, error) {
	c, err := t.client("")
	if err != nil {
		return nil, err
	}
	props, err := c.GetEventHubProperties(ctx, nil)
	if err != nil {
		return nil, mapError("get properties", err)
	}
	return props.PartitionIDs, nil
}

func (t *Transport) OpenFencedSession(ctx context.Context, consumerGroup, partitionID string, start transport.Position, epoch int64) (transport.Session, error) {
	c, err := t.client(consumerGroup)
	if err != nil {
		return nil, err
	}

	ownerLevel := epoch
	pc, err := c.NewPartitionClient(partitionID, &azeventhubs.PartitionClientOptions{
		StartPosition: startPosition(start),
		OwnerLevel:    &ownerLevel,
	})
	if err != nil {
		return nil, mapError("open partition client", err)
	}

	log.V(1).Info("opened epoch receiver",
		"consumerGroup", consumerGroup, "partition", partitionID, "epoch", epoch, "start", start)
	return &session{pc: pc, partitionID: partitionID, epoch: epoch}, nil
}

func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	clients := t.clients
	t.clients = map[string]*azeventhubs.ConsumerClient{}
	t.closed = true
	t.mu.Unlock()

	var errs []error
	for group, c := range clients {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing consumer client for %s: %w", group, err))
		}
	}
	return errors.Join(errs...)
}

type session struct {
	pc          *azeventhubs.PartitionClient
	partitionID string
	epoch       int64

	mu     sync.Mutex
	closed bool
}

func (s *session) PartitionID() string { return s.partitionID }
func (s *session) Epoch() int64        { return s.epoch }

func (s *session) Receive(ctx context.Context, maxCount int, waitTime time.Duration) (transport.Batch, error) {
	waitCtx, cancel := context.WithTimeout(ctx, waitTime)
	defer cancel()

	events, err := s.pc.ReceiveEvents(waitCtx, maxCount, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The wait elapsing is normal; whatever arrived so far is the batch.
		if waitCtx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
			return toBatch(s.partitionID, events), nil
		}
		return nil, mapError("receive", err)
	}
	return toBatch(s.partitionID, events), nil
}

func (s *session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.pc.Close(ctx); err != nil {
		return mapError("close partition client", err)
	}
	return nil
}
