package inat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/antonholmquist/jason"

	"github.com/tphakala/wow-sync/internal/errors"
)

const maxErrorBody = 64 << 10

// APIError is a non-2xx response from the remote API
type APIError struct {
	StatusCode int
	Message    string
	// RetryAfter is the server-requested wait for 429 and 503 responses
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
}

// statusCategory maps a status code onto the sync error taxonomy
func statusCategory(code int) errors.ErrorCategory {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errors.CategoryAuth
	case code == http.StatusTooManyRequests:
		return errors.CategoryRateLimit
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return errors.CategoryTimeout
	case code == http.StatusNotFound:
		return errors.CategoryNotFound
	case code >= 500:
		return errors.CategoryServer
	default:
		return errors.CategoryValidation
	}
}

// responseError builds a categorized error from a failed response
func responseError(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    errorMessage(body),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}

	b := errors.New(apiErr).
		Component("inat").
		Category(statusCategory(resp.StatusCode)).
		Context("operation", operation).
		Context("status_code", resp.StatusCode)
	if resp.Request != nil && resp.Request.URL != nil {
		b = b.Context("url", resp.Request.URL.Path)
	}
	return b.Build()
}

// transportError categorizes a failure to get any response
func transportError(err error, operation, url string, timeout time.Duration) error {
	category := errors.CategoryNetwork
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		category = errors.CategoryTimeout
	case errors.Is(err, context.Canceled):
		category = errors.CategoryCancellation
	}
	return errors.New(err).
		Component("inat").
		Category(category).
		Context("operation", operation).
		NetworkContext(url, timeout).
		Build()
}

// errorMessage extracts a readable message from the API's error payloads:
// {"error": "..."}, {"errors": ["..."]} or
// {"error": {"original": {"errors": ["..."]}}}
func errorMessage(body []byte) string {
	obj, err := jason.NewObjectFromBytes(body)
	if err != nil {
		return strings.TrimSpace(truncate(string(body), 200))
	}

	if s, err := obj.GetString("error"); err == nil {
		return s
	}
	if list, err := obj.GetStringArray("errors"); err == nil {
		return strings.Join(list, "; ")
	}
	if list, err := obj.GetStringArray("error", "original", "errors"); err == nil {
		return strings.Join(list, "; ")
	}
	if s, err := obj.GetString("error", "original", "error"); err == nil {
		return s
	}
	if s, err := obj.GetString("message"); err == nil {
		return s
	}
	return truncate(obj.String(), 200)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// RetryAfter returns the server-requested wait carried by err, if any
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// StatusCode returns the HTTP status carried by err, or 0
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
