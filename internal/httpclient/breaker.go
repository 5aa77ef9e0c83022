package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	alexerrors "alexrt/internal/errors"
	"alexrt/internal/logging"
)

// NewWithBreaker builds a client whose transport is guarded by breaker.
// A nil breaker returns the plain client.
func NewWithBreaker(timeout time.Duration, logger logging.Logger, breaker *alexerrors.CircuitBreaker) *http.Client {
	client := New(timeout, logger)
	if breaker != nil {
		client.Transport = WrapTransport(client.Transport, breaker)
	}
	return client
}

// WrapTransport wraps base so that transport errors, 5xx and 429 responses
// count as breaker failures. While the breaker is open requests fail fast
// with a degraded error.
func WrapTransport(base http.RoundTripper, breaker *alexerrors.CircuitBreaker) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &breakerRoundTripper{base: base, breaker: breaker}
}

type breakerRoundTripper struct {
	base    http.RoundTripper
	breaker *alexerrors.CircuitBreaker
}

func (t *breakerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		// The caller giving up says nothing about the relay.
		if errors.Is(err, context.Canceled) {
			t.breaker.Mark(nil)
		} else {
			t.breaker.Mark(err)
		}
		return nil, err
	}
	if isBreakerFailureStatus(resp.StatusCode) {
		t.breaker.Mark(fmt.Errorf("http status %d", resp.StatusCode))
	} else {
		t.breaker.Mark(nil)
	}
	return resp, nil
}

func isBreakerFailureStatus(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}
