package transport

import (
	"context"
	"time"
)

// Position is an opaque resume cursor within a partition. The zero value
// means the beginning of the retained log.
type Position string

// Record is a single event read from a partition.
type Record struct {
	// Body is the raw event payload.
	Body []byte

	// Offset is the cursor of this record; it becomes the resume position
	// once the record has been handled.
	Offset Position

	// SequenceNumber is the broker-assigned sequence number within the partition.
	SequenceNumber int64

	// PartitionID identifies the partition the record was read from.
	PartitionID string

	// EnqueuedTime is when the broker accepted the record.
	EnqueuedTime time.Time

	// Properties carries application properties set by the producer.
	Properties map[string]any
}

// Batch is an ordered sequence of records returned by one receive call.
type Batch []Record

// Position returns the cursor of the last record, or the zero Position for
// an empty batch.
func (b Batch) Position() Position {
	if len(b) == 0 {
		return ""
	}
	return b[len(b)-1].Offset
}

// Transport connects to a partitioned log.
type Transport interface {
	// PartitionIDs lists the partitions of the log in broker order.
	PartitionIDs(ctx context.Context) ([]string, error)

	// OpenFencedSession opens a read session on one partition fenced by
	// epoch. Sessions holding a lower epoch for the same consumer group and
	// partition are rejected by the broker on their next receive. An empty
	// start position reads from the beginning of the retained log; otherwise
	// reading resumes after start.
	OpenFencedSession(ctx context.Context, consumerGroup, partitionID string, start Position, epoch int64) (Session, error)

	// Close releases resources held by the transport.
	Close(ctx context.Context) error
}

// Session is a fenced read handle on a single partition.
type Session interface {
	PartitionID() string
	Epoch() int64

	// Receive returns up to maxCount records, waiting at most waitTime for
	// the first one to arrive. An empty batch with a nil error means no new
	// data.
	Receive(ctx context.Context, maxCount int, waitTime time.Duration) (Batch, error)

	// Close releases the session. Closing a closed session is a no-op.
	Close(ctx context.Context) error
}
