package transport

import "fmt"

// Code is a transport-neutral error code.
type Code string

const (
	// CodeOwnershipLost means a session with a higher epoch took over the partition.
	CodeOwnershipLost Code = "ownership_lost"
	// CodeConnectionLost means the link dropped and may be re-established.
	CodeConnectionLost Code = "connection_lost"
	// CodeUnauthorized means credentials were rejected.
	CodeUnauthorized Code = "unauthorized"
	// CodeNotFound means the log, partition or consumer group does not exist.
	CodeNotFound Code = "not_found"
	// CodeClosed means the session or transport was used after Close.
	CodeClosed Code = "closed"
)

// Error is returned by transports for broker-reported failures. It carries
// the broker's own distinction between retryable and unrecoverable conditions.
type Error struct {
	Op   string
	Code Code

	// Retryable is true when trying again later can succeed.
	Retryable bool

	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the broker considers the failure retryable.
func (e *Error) Transient() bool { return e.Retryable }
