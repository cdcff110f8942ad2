package supervise

import (
	"context"
	"errors"
	"os"
)

// Class is the outcome of classifying a failure.
type Class int

const (
	// Unknown is an unanticipated failure. It is retried like Transient but logged louder.
	Unknown Class = iota
	// Cancellation covers context cancellation, deadlines and timeouts.
	Cancellation
	// Transient failures are safe to retry after a backoff.
	Transient
	// NotPrimary means the host revoked this replica's authority over the partition.
	NotPrimary
	// Fatal failures stop the loop and propagate.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Cancellation:
		return "cancellation"
	case Transient:
		return "transient"
	case NotPrimary:
		return "not_primary"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrNotPrimary is returned (or installed as a context cause) when the hosting
// runtime no longer considers this replica primary for the partition.
var ErrNotPrimary = errors.New("replica is not primary for the partition")

// permanentError forces a Fatal classification.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Classify reports it as Fatal
// unless a cancellation is nested inside.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Classify maps err to a Class. A nil error classifies as Unknown and should
// not be passed in.
//
// Cancellation is checked first across the whole error tree, so a composite
// holding a cancellation anywhere is a Cancellation regardless of its other
// members. Errors that implement Transient() bool are treated as tagged by the
// transport.
func Classify(err error) Class {
	if err == nil {
		return Unknown
	}
	if IsCancellation(err) {
		return Cancellation
	}
	if errors.Is(err, ErrNotPrimary) {
		return NotPrimary
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return Fatal
	}
	var tagged interface{ Transient() bool }
	if errors.As(err, &tagged) {
		if tagged.Transient() {
			return Transient
		}
		return Fatal
	}
	return Unknown
}

// IsCancellation reports whether err or any error nested in it belongs to the
// cancellation family.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	if isCancellationLeaf(err) {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			if IsCancellation(inner) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		return IsCancellation(u.Unwrap())
	}
	return false
}

func isCancellationLeaf(err error) bool {
	if err == context.Canceled || err == context.DeadlineExceeded || err == os.ErrDeadlineExceeded {
		return true
	}
	if t, ok := err.(interface{ Timeout() bool }); ok && t.Timeout() {
		return true
	}
	return false
}
