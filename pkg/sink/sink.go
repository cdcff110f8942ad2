// Package sink provides the batch handlers shipped with the hubfence binary.
package sink

import (
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/felixnotka/hubfence/pkg/listener"
)

// Config selects and configures a sink.
type Config struct {
	// Kind is "log" or "http".
	Kind string

	// URL is the endpoint batches are POSTed to by the http sink.
	URL string

	// Timeout bounds one delivery of the http sink.
	Timeout time.Duration
}

// New builds the handler named by cfg.Kind.
func New(cfg Config, log logr.Logger) (listener.Handler, error) {
	switch cfg.Kind {
	case "", "log":
		return &Log{Log: log.WithName("sink")}, nil
	case "http":
		return NewHTTP(cfg.URL, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unsupported sink: %s (supported: log, http)", cfg.Kind)
	}
}
