// Package outbound posts JSON to the HTTP endpoints jobdeck hands work to:
// the batch ingest endpoint and the workflow engine.
package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Sentinel errors for outbound request failures.
var (
	ErrUnreachable = errors.New("endpoint unreachable")
	ErrRejected    = errors.New("endpoint rejected request")
	ErrTimeout     = errors.New("endpoint timeout")
)

// maxErrorBody bounds how much of a non-2xx response is kept in the error.
const maxErrorBody = 512

// Poster is the interface for posting a JSON document.
type Poster interface {
	PostJSON(ctx context.Context, url string, body any) ([]byte, error)
}

// Client implements Poster over net/http with a per-request timeout.
type Client struct {
	client *http.Client
}

// NewClient creates a Client whose requests each time out after timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{client: &http.Client{Timeout: timeout}}
}

// PostJSON encodes body, posts it to url and returns the response body of a
// 2xx reply. Failures wrap ErrTimeout, ErrUnreachable or ErrRejected.
func (c *Client) PostJSON(ctx context.Context, url string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(respBody) > maxErrorBody {
			respBody = respBody[:maxErrorBody]
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(respBody))
	}

	return respBody, nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// Compile-time check that Client implements Poster.
var _ Poster = (*Client)(nil)
