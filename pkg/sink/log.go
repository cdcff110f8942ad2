package sink

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/felixnotka/hubfence/pkg/transport"
)

const maxLoggedBody = 256

// Log writes a summary of each batch at V(1) and every record at V(2).
type Log struct {
	Log logr.Logger
}

func (l *Log) Handle(ctx context.Context, batch transport.Batch) error {
	if len(batch) == 0 {
		return nil
	}
	first, last := batch[0], batch[len(batch)-1]
	l.Log.V(1).Info("received batch",
		"partition", last.PartitionID,
		"records", len(batch),
		"firstOffset", first.Offset,
		"lastOffset", last.Offset)

	if trace := l.Log.V(2); trace.Enabled() {
		for _, r := range batch {
			body := r.Body
			if len(body) > maxLoggedBody {
				body = body[:maxLoggedBody]
			}
			trace.Info("record",
				"offset", r.Offset,
				"seq", r.SequenceNumber,
				"enqueued", r.EnqueuedTime,
				"bytes", len(r.Body),
				"body", string(body))
		}
	}
	return nil
}
