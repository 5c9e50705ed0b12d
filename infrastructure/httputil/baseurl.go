package httputil

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// BaseURLOptions configures NormalizeBaseURL.
type BaseURLOptions struct {
	// RequireHTTPSInStrictMode enforces https URLs whenever STRICT_TRANSPORT_MODE
	// is enabled in the environment.
	RequireHTTPSInStrictMode bool
}

func strictTransportMode() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STRICT_TRANSPORT_MODE")))
	return v == "1" || v == "true" || v == "yes"
}

// NormalizeBaseURL normalizes and validates a base URL used for webhook delivery
// callbacks.
//
// It trims whitespace, removes trailing slashes, validates scheme/host, disallows
// user info, and optionally enforces https in strict transport mode.
func NormalizeBaseURL(raw string, opts BaseURLOptions) (string, *url.URL, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(raw), "/")
	if baseURL == "" {
		return "", nil, fmt.Errorf("base URL is required")
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", nil, fmt.Errorf("base URL must be a valid URL")
	}
	if parsed.User != nil {
		return "", nil, fmt.Errorf("base URL must not include user info")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", nil, fmt.Errorf("base URL scheme must be http or https")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", nil, fmt.Errorf("base URL must not include query or fragment")
	}
	if opts.RequireHTTPSInStrictMode && strictTransportMode() && parsed.Scheme != "https" {
		return "", nil, fmt.Errorf("base URL must use https in strict transport mode")
	}

	return baseURL, parsed, nil
}

// NormalizeCallbackURL is the standard normalization used for consumer callback URLs.
// It enforces https whenever strict transport mode is enabled.
func NormalizeCallbackURL(raw string) (string, *url.URL, error) {
	return NormalizeBaseURL(raw, BaseURLOptions{RequireHTTPSInStrictMode: true})
}
