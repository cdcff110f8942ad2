package eventhubs

import (
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azeventhubs/v2"

	"github.com/felixnotka/hubfence/pkg/transport"
)

// startPosition resumes after the stored offset, or reads from the earliest
// retained event when nothing is stored.
func startPosition(pos transport.Position) azeventhubs.StartPosition {
	if pos == "" {
		earliest := true
		return azeventhubs.StartPosition{Earliest: &earliest}
	}
	offset := string(pos)
	return azeventhubs.StartPosition{Offset: &offset, Inclusive: false}
}

func toBatch(partitionID string, events []*azeventhubs.ReceivedEventData) transport.Batch {
	if len(events) == 0 {
		return nil
	}
	batch := make(transport.Batch, 0, len(events))
	for _, e := range events {
		if e == nil {
			continue
		}
		rec := transport.Record{
			Body:           e.Body,
			Offset:         transport.Position(e.Offset),
			SequenceNumber: e.SequenceNumber,
			PartitionID:    partitionID,
			Properties:     e.Properties,
		}
		if e.EnqueuedTime != nil {
			rec.EnqueuedTime = e.EnqueuedTime.UTC()
		}
		batch = append(batch, rec)
	}
	return batch
}

// mapError tags Event Hubs errors with the service's retryable distinction.
// Errors that carry no Event Hubs code are wrapped unchanged and classify as
// unknown.
func mapError(op string, err error) error {
	var ehErr *azeventhubs.Error
	if !errors.As(err, &ehErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch ehErr.Code {
	case azeventhubs.ErrorCodeOwnershipLost:
		return &transport.Error{Op: op, Code: transport.CodeOwnershipLost, Retryable: false, Err: err}
	case azeventhubs.ErrorCodeConnectionLost:
		return &transport.Error{Op: op, Code: transport.CodeConnectionLost, Retryable: true, Err: err}
	case azeventhubs.ErrorCodeUnauthorizedAccess:
		return &transport.Error{Op: op, Code: transport.CodeUnauthorized, Retryable: false, Err: err}
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
