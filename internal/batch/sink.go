package batch

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/jobdeck/internal/outbound"
)

// Sink receives one chunk of rows.
type Sink interface {
	Send(ctx context.Context, rows []map[string]string) error
}

// ErrNoEndpoint is returned by an HTTPSink without a URL.
var ErrNoEndpoint = errors.New("EXTERNAL_API_URL is not configured")

// HTTPSink posts each chunk as a JSON array to a fixed URL.
type HTTPSink struct {
	poster outbound.Poster
	url    string
}

func NewHTTPSink(poster outbound.Poster, url string) *HTTPSink {
	return &HTTPSink{poster: poster, url: url}
}

func (s *HTTPSink) Send(ctx context.Context, rows []map[string]string) error {
	if s.url == "" {
		return ErrNoEndpoint
	}
	_, err := s.poster.PostJSON(ctx, s.url, rows)
	return err
}
