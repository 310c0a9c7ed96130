package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// APIError represents a non-2xx response from the backend. Retryable mirrors the
// backend's contract: 4xx responses other than 429 are permanent, everything
// else is worth another attempt.
type APIError struct {
	StatusCode int
	Message    string
	Retryable  bool
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.StatusCode, e.Message)
}

// FatalEventError represents a FatalError event received on an answer stream.
// The payload is the diagnostic text the server attached to the event.
type FatalEventError struct {
	Payload string
}

func (e *FatalEventError) Error() string {
	return fmt.Sprintf("fatal server event: %s", e.Payload)
}

// newAPIError drains up to 4KB of the response body looking for the backend's
// {"detail": ...} error shape, falling back to the raw body text.
func newAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := strings.TrimSpace(string(body))
	var detail struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &detail); err == nil && detail.Detail != "" {
		msg = detail.Detail
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	retryable := resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode < http.StatusBadRequest ||
		resp.StatusCode >= http.StatusInternalServerError

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    msg,
		Retryable:  retryable,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// parseRetryAfter accepts both forms of the Retry-After header: a delay in
// seconds or an HTTP date.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// isFatal reports whether err must terminate a stream with no further retries.
// Network failures and read errors stay retriable; only a non-retryable status
// or an explicit FatalError event is permanent.
func isFatal(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Retryable
	}
	var fatalEv *FatalEventError
	return errors.As(err, &fatalEv)
}
