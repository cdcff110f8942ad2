package supervise

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
)

type taggedError struct {
	transient bool
}

func (e *taggedError) Error() string   { return fmt.Sprintf("transport error (transient=%v)", e.transient) }
func (e *taggedError) Transient() bool { return e.transient }

type timeoutError struct{}

func (timeoutError) Error() string { return "i/o timeout" }
func (timeoutError) Timeout() bool { return true }

// multiError exposes its members through Unwrap() []error without errors.Join.
type multiError []error

func (m multiError) Error() string   { return fmt.Sprintf("%d errors", len(m)) }
func (m multiError) Unwrap() []error { return m }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{name: "context canceled", err: context.Canceled, want: Cancellation},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: Cancellation},
		{name: "os deadline", err: os.ErrDeadlineExceeded, want: Cancellation},
		{name: "timeout interface", err: timeoutError{}, want: Cancellation},
		{name: "wrapped cancellation", err: fmt.Errorf("receive: %w", context.Canceled), want: Cancellation},
		{name: "transient transport error", err: &taggedError{transient: true}, want: Transient},
		{name: "wrapped transient", err: fmt.Errorf("fetch: %w", &taggedError{transient: true}), want: Transient},
		{name: "non-transient transport error", err: &taggedError{transient: false}, want: Fatal},
		{name: "not primary", err: ErrNotPrimary, want: NotPrimary},
		{name: "wrapped not primary", err: fmt.Errorf("commit: %w", ErrNotPrimary), want: NotPrimary},
		{name: "permanent", err: Permanent(errors.New("bad config")), want: Fatal},
		{name: "plain error", err: errors.New("boom"), want: Unknown},
		{name: "nil", err: nil, want: Unknown},
		{
			name: "join with cancellation beats fatal",
			err:  errors.Join(&taggedError{transient: false}, context.Canceled),
			want: Cancellation,
		},
		{
			name: "join without cancellation",
			err:  errors.Join(errors.New("a"), &taggedError{transient: true}),
			want: Transient,
		},
		{
			name: "deeply nested cancellation",
			err: errors.Join(
				errors.New("outer"),
				fmt.Errorf("layer: %w", multiError{
					errors.New("inner"),
					fmt.Errorf("leaf: %w", multiError{errors.New("x"), context.DeadlineExceeded}),
				}),
			),
			want: Cancellation,
		},
		{
			name: "permanent wrapping cancellation",
			err:  Permanent(context.Canceled),
			want: Cancellation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyNestedCancellationAtAnyDepth(t *testing.T) {
	for depth := 0; depth < 10; depth++ {
		var err error = context.Canceled
		for i := 0; i < depth; i++ {
			if i%2 == 0 {
				err = errors.Join(errors.New("noise"), err)
			} else {
				err = fmt.Errorf("level %d: %w", i, err)
			}
		}
		if got := Classify(err); got != Cancellation {
			t.Errorf("depth %d: Classify = %s, want cancellation", depth, got)
		}
	}
}

func TestClassString(t *testing.T) {
	tests := map[Class]string{
		Unknown:      "unknown",
		Cancellation: "cancellation",
		Transient:    "transient",
		NotPrimary:   "not_primary",
		Fatal:        "fatal",
	}
	for class, want := range tests {
		if got := class.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(class), got, want)
		}
	}
}

func TestPermanentNil(t *testing.T) {
	if err := Permanent(nil); err != nil {
		t.Errorf("Permanent(nil) = %v, want nil", err)
	}
}
