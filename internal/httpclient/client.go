package httpclient

import (
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"alexrt/internal/logging"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const proxyModeEnv = "ALEXRT_PROXY_MODE"

// DefaultTimeout applies when New is given a non-positive timeout.
const DefaultTimeout = 30 * time.Second

// New returns an http.Client for outbound relay requests. Requests are traced
// through otelhttp using the global tracer provider.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(Transport(logger)),
	}
}

// Transport returns an http.Transport clone honoring ALEXRT_PROXY_MODE
// ("direct" bypasses proxies, anything else uses the environment).
func Transport(logger logging.Logger) *http.Transport {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Transport{Proxy: proxyFunc(logger)}
	}
	transport := base.Clone()
	transport.Proxy = proxyFunc(logger)
	return transport
}

func proxyFunc(logger logging.Logger) func(*http.Request) (*url.URL, error) {
	log := logging.OrNop(logger)
	return func(req *http.Request) (*url.URL, error) {
		if strings.EqualFold(strings.TrimSpace(os.Getenv(proxyModeEnv)), "direct") {
			return nil, nil
		}
		proxyURL, err := http.ProxyFromEnvironment(req)
		if err != nil {
			log.Warn("proxy lookup failed, going direct: %v", err)
			return nil, nil
		}
		return proxyURL, nil
	}
}
