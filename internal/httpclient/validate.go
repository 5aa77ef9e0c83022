package httpclient

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// URLValidationOptions controls relay URL validation rules.
type URLValidationOptions struct {
	AllowLocalhost    bool
	AllowInsecureHTTP bool
}

// ValidateEndpointURL ensures a relay URL is absolute and uses an allowed scheme.
func ValidateEndpointURL(raw string, opts URLValidationOptions) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "https":
	case "http":
		if !opts.AllowInsecureHTTP {
			return nil, fmt.Errorf("insecure url scheme: http")
		}
	default:
		return nil, fmt.Errorf("unsupported url scheme: %q", parsed.Scheme)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return nil, fmt.Errorf("url host is required")
	}
	if !opts.AllowLocalhost && isLocalHost(host) {
		return nil, fmt.Errorf("local urls are not allowed")
	}
	return parsed, nil
}

func isLocalHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}
