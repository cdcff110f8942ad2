// Package memory provides an in-process partitioned log with epoch fencing.
// It backs tests and local runs of the static host.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/felixnotka/hubfence/pkg/transport"
)

func init() {
	transport.Register("memory", func(cfg transport.Config) (transport.Transport, error) {
		return New("0"), nil
	})
}

type fenceKey struct {
	group     string
	partition string
}

// OpenCall records the arguments of one OpenFencedSession call.
type OpenCall struct {
	ConsumerGroup string
	PartitionID   string
	Start         transport.Position
	Epoch         int64
}

// Log is an in-memory partitioned log. Offsets are decimal record indexes.
type Log struct {
	mu         sync.Mutex
	ids        []string
	partitions map[string][]transport.Record
	fences     map[fenceKey]int64
	opens      []OpenCall
	recvErrs   []error
	notify     chan struct{}
	closed     bool

	// OpenErr is returned by OpenFencedSession if set.
	OpenErr error
}

// New creates a Log with the given partitions.
func New(partitionIDs ...string) *Log {
	l := &Log{
		ids:        append([]string(nil), partitionIDs...),
		partitions: make(map[string][]transport.Record, len(partitionIDs)),
		fences:     make(map[fenceKey]int64),
		notify:     make(chan struct{}),
	}
	for _, id := range partitionIDs {
		l.partitions[id] = nil
	}
	return l
}

// Append adds records with the given bodies to a partition and wakes waiting receivers.
func (l *Log) Append(partitionID string, bodies ...[]byte) []transport.Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	records := l.partitions[partitionID]
	added := make([]transport.Record, 0, len(bodies))
	for _, body := range bodies {
		seq := int64(len(records))
		rec := transport.Record{
			Body:           body,
			Offset:         transport.Position(strconv.FormatInt(seq, 10)),
			SequenceNumber: seq,
			PartitionID:    partitionID,
			EnqueuedTime:   time.Now().UTC(),
		}
		records = append(records, rec)
		added = append(added, rec)
	}
	l.partitions[partitionID] = records

	close(l.notify)
	l.notify = make(chan struct{})
	return added
}

// FailNextReceive queues err to be returned by the next Receive on any session.
func (l *Log) FailNextReceive(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recvErrs = append(l.recvErrs, err)
}

// Opens returns all OpenFencedSession calls that succeeded.
func (l *Log) Opens() []OpenCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]OpenCall(nil), l.opens...)
}

// Closed reports whether Close was called.
func (l *Log) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Log) PartitionIDs(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ids...), nil
}

func (l *Log) OpenFencedSession(ctx context.Context, consumerGroup, partitionID string, start transport.Position, epoch int64) (transport.Session, error) {
	if l.OpenErr != nil {
		return nil, l.OpenErr
	}

	next := 0
	if start != "" {
		idx, err := strconv.Atoi(string(start))
		if err != nil {
			return nil, fmt.Errorf("invalid offset %q: %w", start, err)
		}
		next = idx + 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, &transport.Error{Op: "open", Code: transport.CodeClosed}
	}
	if _, ok := l.partitions[partitionID]; !ok {
		return nil, &transport.Error{Op: "open", Code: transport.CodeNotFound, Err: fmt.Errorf("partition %q", partitionID)}
	}
	key := fenceKey{group: consumerGroup, partition: partitionID}
	if current, ok := l.fences[key]; ok && epoch < current {
		return nil, &transport.Error{
			Op:   "open",
			Code: transport.CodeOwnershipLost,
			Err:  fmt.Errorf("epoch %d is lower than current epoch %d", epoch, current),
		}
	}
	l.fences[key] = epoch
	l.opens = append(l.opens, OpenCall{ConsumerGroup: consumerGroup, PartitionID: partitionID, Start: start, Epoch: epoch})

	return &session{log: l, key: key, epoch: epoch, next: next}, nil
}

func (l *Log) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

type session struct {
	log    *Log
	key    fenceKey
	epoch  int64
	next   int
	closed bool
}

func (s *session) PartitionID() string { return s.key.partition }
func (s *session) Epoch() int64        { return s.epoch }

func (s *session) Receive(ctx context.Context, maxCount int, waitTime time.Duration) (transport.Batch, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	timer := time.NewTimer(waitTime)
	defer timer.Stop()

	for {
		s.log.mu.Lock()
		if len(s.log.recvErrs) > 0 {
			err := s.log.recvErrs[0]
			s.log.recvErrs = s.log.recvErrs[1:]
			s.log.mu.Unlock()
			return nil, err
		}
		if s.closed || s.log.closed {
			s.log.mu.Unlock()
			return nil, &transport.Error{Op: "receive", Code: transport.CodeClosed}
		}
		if current := s.log.fences[s.key]; current > s.epoch {
			s.log.mu.Unlock()
			return nil, &transport.Error{
				Op:   "receive",
				Code: transport.CodeOwnershipLost,
				Err:  fmt.Errorf("epoch %d superseded by %d", s.epoch, current),
			}
		}
		records := s.log.partitions[s.key.partition]
		if s.next < len(records) {
			end := min(s.next+maxCount, len(records))
			batch := append(transport.Batch(nil), records[s.next:end]...)
			s.next = end
			s.log.mu.Unlock()
			return batch, nil
		}
		notify := s.log.notify
		s.log.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
		}
	}
}

func (s *session) Close(ctx context.Context) error {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	s.closed = true
	return nil
}
