// Package transport implements the typed HTTP client described in
// spec.md §4.6: request_json/request_bytes with a shared retry loop,
// Retry-After-aware backoff, and a redacted-body TransportError on
// exhaustion. Grounded on nugget-thane-ai-agent's internal/httpkit
// (shared transport construction, retry-on-transient-error pattern,
// body draining) and the teacher's internal/mcp/manager_connect.go
// exponential-backoff reconnect idiom.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http2"
)

// maxErrorBodyBytes bounds how much of a failing response body is kept
// for diagnostics, per spec.md §4.6 ("at most 800 bytes of redacted
// response body").
const maxErrorBodyBytes = 800

// TransportError is the terminal failure returned once retries are
// exhausted (spec.md §7 TransportError{operation, status_or_transport}).
type TransportError struct {
	Operation       string
	StatusOrKind    string // numeric HTTP status as a string, or a transport-error kind
	RedactedBody    string
	Cause           error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s failed (%s): %s", e.Operation, e.StatusOrKind, e.RedactedBody)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// Config configures a Client (spec.md §4.6 construction parameters).
type Config struct {
	BaseURL         string
	AppName         string // used for the x-<app>-retry-attempt header
	Timeout         time.Duration
	RetryMaxAttempts int
	RetryBaseDelayMS int64
	AuthHeader      string // e.g. "Authorization"
	AuthToken       string // e.g. "Bearer xoxb-..."
}

// Client is a retrying HTTP client over a single base URL.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a Client with pooled connections (grounded on httpkit's
// NewTransport defaults) and the retry/backoff policy described above.
func New(cfg Config) *Client {
	if cfg.RetryMaxAttempts < 1 {
		cfg.RetryMaxAttempts = 1
	}
	if cfg.RetryBaseDelayMS < 1 {
		cfg.RetryBaseDelayMS = 1
	}
	base := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   5,
	}
	// Upgrade the shared transport to HTTP/2 explicitly (golang.org/x/net)
	// rather than relying on http.Transport's ForceAttemptHTTP2, matching
	// httpkit's explicit-transport-configuration idiom.
	if err := http2.ConfigureTransport(base); err != nil {
		base.ForceAttemptHTTP2 = true
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: base,
		},
	}
}

// BuildRequest constructs an *http.Request; returning an error here is
// treated as a non-retryable request-construction failure.
type BuildRequest func(ctx context.Context) (*http.Request, error)

// transportErrorKind classifies a non-HTTP error for retry decisions and
// for the StatusOrKind field of a terminal TransportError.
func transportErrorKind(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "connect"
	}
	return "request_send"
}

func isRetryableKind(kind string) bool {
	switch kind {
	case "timeout", "connect", "request_send", "body":
		return true
	default:
		return false
	}
}

func isRetryableStatus(status int) bool {
	return status == 429 || (status >= 500 && status < 600)
}

func (c *Client) backoffDelay(resp *http.Response, attempt int) time.Duration {
	if resp != nil {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	shift := attempt - 1
	if shift > 6 {
		shift = 6
	}
	return time.Duration(c.cfg.RetryBaseDelayMS) * time.Millisecond * time.Duration(1<<uint(shift))
}

func (c *Client) do(ctx context.Context, operation string, build BuildRequest) (*http.Response, []byte, error) {
	var lastResp *http.Response
	var lastBody []byte
	var lastKind string

	for attempt := 1; attempt <= c.cfg.RetryMaxAttempts; attempt++ {
		req, err := build(ctx)
		if err != nil {
			return nil, nil, &TransportError{Operation: operation, StatusOrKind: "request_send", Cause: err}
		}
		req.Header.Set(fmt.Sprintf("x-%s-retry-attempt", c.cfg.AppName), strconv.Itoa(attempt-1))
		if c.cfg.AuthHeader != "" && c.cfg.AuthToken != "" {
			req.Header.Set(c.cfg.AuthHeader, c.cfg.AuthToken)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastKind = transportErrorKind(err)
			if attempt < c.cfg.RetryMaxAttempts && isRetryableKind(lastKind) {
				select {
				case <-ctx.Done():
					return nil, nil, &TransportError{Operation: operation, StatusOrKind: "timeout", Cause: ctx.Err()}
				case <-time.After(c.backoffDelay(nil, attempt)):
				}
				continue
			}
			return nil, nil, &TransportError{Operation: operation, StatusOrKind: lastKind, Cause: err}
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastKind = "body"
			if attempt < c.cfg.RetryMaxAttempts {
				select {
				case <-ctx.Done():
					return nil, nil, &TransportError{Operation: operation, StatusOrKind: "timeout", Cause: ctx.Err()}
				case <-time.After(c.backoffDelay(resp, attempt)):
				}
				continue
			}
			return nil, nil, &TransportError{Operation: operation, StatusOrKind: "body", Cause: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, body, nil
		}

		lastResp, lastBody = resp, body
		if attempt < c.cfg.RetryMaxAttempts && isRetryableStatus(resp.StatusCode) {
			select {
			case <-ctx.Done():
				return nil, nil, &TransportError{Operation: operation, StatusOrKind: "timeout", Cause: ctx.Err()}
			case <-time.After(c.backoffDelay(resp, attempt)):
			}
			continue
		}
		break
	}

	status := "unknown"
	var redacted string
	if lastResp != nil {
		status = strconv.Itoa(lastResp.StatusCode)
		redacted = redactBody(lastBody)
	} else {
		status = lastKind
	}
	return nil, nil, &TransportError{Operation: operation, StatusOrKind: status, RedactedBody: redacted}
}

func redactBody(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	return string(bytes.TrimSpace(body))
}

// DecodeErrorBody turns a non-2xx response body into a human-readable
// string for callers that want to surface server-side error detail.
type DecodeErrorBody func(status int, body []byte) string

// RequestJSON implements spec.md's request_json<T>: retry loop, then
// JSON-decode a success body into T.
func RequestJSON[T any](ctx context.Context, c *Client, operation string, build BuildRequest) (T, error) {
	var zero T
	_, body, err := c.do(ctx, operation, build)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return zero, &TransportError{Operation: operation, StatusOrKind: "body", Cause: err}
	}
	return out, nil
}

// RequestBytes implements spec.md's request_bytes: identical retry
// policy, returning the raw response body (used for attachment
// downloads).
func RequestBytes(ctx context.Context, c *Client, operation string, build BuildRequest) ([]byte, error) {
	_, body, err := c.do(ctx, operation, build)
	if err != nil {
		return nil, err
	}
	return body, nil
}
