package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Retry budget for forwarded requests. Only transport-level connection
// failures are retried; an HTTP response of any status is final.
const (
	forwardAttempts   = 30
	forwardBackoff    = 500 * time.Millisecond
	forwardBackoffMax = 10 * time.Second
	forwardBackoffMul = 1.5
)

// ForwardResult is the upstream response, surfaced verbatim. Status may be
// any HTTP code, including 4xx/5xx.
type ForwardResult struct {
	Status int
	Header http.Header
	Body   []byte
}

// Forwarder sends requests to a backend, retrying connection errors with
// exponential backoff. It exists for the split-process deployment where
// the tool-call server runs separately and may be mid-restart.
type Forwarder struct {
	client   *http.Client
	attempts int
	backoff  time.Duration
	max      time.Duration
}

// NewForwarder builds a forwarder with the default retry budget. A nil
// client uses http.DefaultClient.
func NewForwarder(client *http.Client) *Forwarder {
	if client == nil {
		client = http.DefaultClient
	}
	return &Forwarder{
		client:   client,
		attempts: forwardAttempts,
		backoff:  forwardBackoff,
		max:      forwardBackoffMax,
	}
}

// Do sends the request, retrying only when the backend cannot be reached.
// The returned result carries whatever the backend answered, error or not.
func (f *Forwarder) Do(ctx context.Context, method, url string, body []byte, header http.Header) (*ForwardResult, error) {
	delay := f.backoff
	var lastErr error

	for attempt := 0; attempt < f.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !isConnectionError(err) {
				return nil, err
			}
			lastErr = err
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * forwardBackoffMul)
			if delay > f.max {
				delay = f.max
			}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		return &ForwardResult{
			Status: resp.StatusCode,
			Header: resp.Header,
			Body:   respBody,
		}, nil
	}

	return nil, fmt.Errorf("%s unavailable after %d attempts: %w", url, f.attempts, lastErr)
}

// isConnectionError reports whether err is a transport failure worth
// retrying: refused/reset/aborted connections, broken pipes, and timeouts.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ECONNABORTED,
		syscall.EPIPE,
		syscall.ETIMEDOUT,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
