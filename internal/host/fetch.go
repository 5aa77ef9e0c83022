package host

import (
	"net/http"
	"time"

	alexerrors "alexrt/internal/errors"
	"alexrt/internal/httpclient"
	"alexrt/internal/logging"
)

// Fetcher is the network capability used by the relay endpoint transport.
// *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPFetcher returns an instrumented client for relay requests. When
// breaker is non-nil, repeated relay failures trip it and fail fast.
func NewHTTPFetcher(timeout time.Duration, logger logging.Logger, breaker *alexerrors.CircuitBreaker) Fetcher {
	return httpclient.NewWithBreaker(timeout, logger, breaker)
}

// Capabilities bundles the host collaborators handed to the runtime.
type Capabilities struct {
	Clock     Clock
	WallClock WallClock
	IDs       IDSource
	Storage   Storage
	Secrets   Secrets
	Fetcher   Fetcher
	Env       EnvLookup
}
