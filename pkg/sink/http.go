package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/felixnotka/hubfence/pkg/supervise"
	"github.com/felixnotka/hubfence/pkg/transport"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTP POSTs each batch as JSON. Server errors and network failures are
// returned for retry; client errors are permanent.
type HTTP struct {
	URL    string
	Client *http.Client
}

// NewHTTP validates endpoint and returns an HTTP sink.
func NewHTTP(endpoint string, timeout time.Duration) (*HTTP, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("http sink requires an absolute http(s) URL, got %q", endpoint)
	}
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTP{URL: endpoint, Client: &http.Client{Timeout: timeout}}, nil
}

type payload struct {
	PartitionID string          `json:"partitionId"`
	Records     []payloadRecord `json:"records"`
}

type payloadRecord struct {
	Offset         string         `json:"offset"`
	SequenceNumber int64          `json:"sequenceNumber"`
	EnqueuedTime   time.Time      `json:"enqueuedTime"`
	Body           []byte         `json:"body"`
	Properties     map[string]any `json:"properties,omitempty"`
}

func toPayload(batch transport.Batch) payload {
	p := payload{Records: make([]payloadRecord, len(batch))}
	for i, r := range batch {
		p.PartitionID = r.PartitionID
		p.Records[i] = payloadRecord{
			Offset:         string(r.Offset),
			SequenceNumber: r.SequenceNumber,
			EnqueuedTime:   r.EnqueuedTime,
			Body:           r.Body,
			Properties:     r.Properties,
		}
	}
	return p
}

func (h *HTTP) Handle(ctx context.Context, batch transport.Batch) error {
	body, err := json.Marshal(toPayload(batch))
	if err != nil {
		return supervise.Permanent(fmt.Errorf("encoding batch: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return supervise.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("posting batch: %w", err)
		}
		// The client timeout stays out of the chain so it classifies as
		// retryable rather than as a cancellation.
		return &transport.Error{
			Op:        "post batch",
			Code:      transport.CodeConnectionLost,
			Retryable: true,
			Err:       fmt.Errorf("%v", err),
		}
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return supervise.Permanent(fmt.Errorf("sink rejected batch: %s: %s", resp.Status, bytes.TrimSpace(msg)))
	default:
		return fmt.Errorf("sink unavailable: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
}
