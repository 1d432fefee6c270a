// Package providers holds the shared HTTP plumbing for generation
// provider adapters: error classification, Retry-After parsing and
// response body snippets for error messages.
package providers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/BaSui01/headshotflow/gen"
)

// maxSnippet caps how much of an upstream error body ends up in messages.
const maxSnippet = 512

// ClassifyStatus maps an upstream HTTP status to a classified error.
// Callers pass the already-read body so it can be quoted in the message.
func ClassifyStatus(provider string, status int, header http.Header, body []byte) *gen.Error {
	switch {
	case status == http.StatusTooManyRequests:
		e := gen.Errf(gen.KindRateLimited, provider, "rate limited: status=%d body=%s", status, Snippet(body))
		e.RetryAfter = RetryAfter(header)
		return e
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return gen.Errf(gen.KindAuthFailure, provider, "auth rejected: status=%d body=%s", status, Snippet(body))
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return gen.Errf(gen.KindInvalidRequest, provider, "request rejected: status=%d body=%s", status, Snippet(body))
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return gen.Errf(gen.KindTimeout, provider, "upstream timeout: status=%d", status)
	case status >= 500:
		return gen.Errf(gen.KindUpstreamUnavailable, provider, "upstream error: status=%d body=%s", status, Snippet(body))
	default:
		return gen.Errf(gen.KindUnknownTransient, provider, "unexpected status=%d body=%s", status, Snippet(body))
	}
}

// ClassifyTransport maps a transport-level error (DNS, TLS, timeout,
// cancelled context) to a classified error.
func ClassifyTransport(provider string, err error) *gen.Error {
	switch {
	case errors.Is(err, context.Canceled):
		return gen.Errf(gen.KindCancelled, provider, "request cancelled: %v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return gen.Errf(gen.KindTimeout, provider, "request deadline exceeded: %v", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gen.Errf(gen.KindTimeout, provider, "network timeout: %v", err)
	}
	return gen.Errf(gen.KindUpstreamUnavailable, provider, "transport error: %v", err)
}

// RetryAfter parses the Retry-After header. Only the delta-seconds form
// is honored; the HTTP-date form and junk values yield zero.
func RetryAfter(header http.Header) time.Duration {
	raw := header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Snippet truncates an upstream body for inclusion in error messages.
func Snippet(body []byte) string {
	if len(body) > maxSnippet {
		return string(body[:maxSnippet]) + "..."
	}
	return string(body)
}
