package anthropic

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
)

// APIError is a failed call with its HTTP status, so callers can classify it
// without importing the SDK.
type APIError struct {
	Status int
	Wait   time.Duration // Retry-After hint, zero when absent
	Err    error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("anthropic: status %d: %v", e.Status, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int { return e.Status }

// RetryAfter returns how long the API asked callers to back off.
func (e *APIError) RetryAfter() time.Duration { return e.Wait }

func classify(err error) error {
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	out := &APIError{Status: apiErr.StatusCode, Err: err}
	if apiErr.Response != nil {
		out.Wait = retryAfter(apiErr.Response.Header.Get("Retry-After"))
	}
	return out
}

// retryAfter reads a Retry-After value in seconds. The API never sends the
// HTTP-date form, so that form reads as no hint.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
