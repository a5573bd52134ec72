// Package connector collects example external collaborators — an HTTP
// polling source/sink pair and a scriptable in-memory mock pair — that
// exercise the flow package's node contracts from outside the core. None of
// flow's own packages import connector; it exists to give downstream users
// a starting point and to drive the engine's own integration tests.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dshills/nodestream/flow"
)

// HTTPPollSource is a flow.Source[T] that polls a URL on a fixed interval,
// JSON-decodes each response body as T, and emits the decoded value. It
// stops when ctx is cancelled or, if MaxPolls is positive, once that many
// requests have been issued.
type HTTPPollSource[T any] struct {
	Client   *http.Client
	URL      string
	Interval time.Duration
	Headers  map[string]string
	// MaxPolls bounds the number of requests for finite use (e.g. tests).
	// Zero means poll indefinitely.
	MaxPolls int
}

// Emit implements flow.Source.
func (s *HTTPPollSource[T]) Emit(ctx context.Context, w *flow.Writer[T]) error {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	polls := 0
	for {
		item, err := s.poll(ctx, client)
		if err != nil {
			return err
		}
		if err := w.Write(ctx, item); err != nil {
			return err
		}
		polls++
		if s.MaxPolls > 0 && polls >= s.MaxPolls {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *HTTPPollSource[T]) poll(ctx context.Context, client *http.Client) (T, error) {
	var zero T
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return zero, fmt.Errorf("connector: build request: %w", err)
	}
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return zero, fmt.Errorf("connector: poll %s: %w", s.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return zero, fmt.Errorf("connector: poll %s: unexpected status %d", s.URL, resp.StatusCode)
	}

	var item T
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return zero, fmt.Errorf("connector: decode response from %s: %w", s.URL, err)
	}
	return item, nil
}

// HTTPPostSink is a flow.Sink[T] that POSTs each drained item as JSON to a
// fixed URL.
type HTTPPostSink[T any] struct {
	Client  *http.Client
	URL     string
	Headers map[string]string
}

// Drain implements flow.Sink.
func (s *HTTPPostSink[T]) Drain(ctx context.Context, in *flow.Reader[T]) error {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	for {
		item, err := in.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := s.post(ctx, client, item); err != nil {
			return err
		}
	}
}

func (s *HTTPPostSink[T]) post(ctx context.Context, client *http.Client, item T) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("connector: marshal item: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("connector: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connector: post to %s: %w", s.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("connector: post to %s: unexpected status %d", s.URL, resp.StatusCode)
	}
	return nil
}
