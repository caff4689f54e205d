package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// TransientError marks a failure worth retrying: network faults, timeouts,
// 429 and 5xx responses.
type TransientError struct {
	Err        error
	StatusCode int
	Message    string // user-facing summary
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError marks a failure that will not go away on retry.
type PermanentError struct {
	Err        error
	StatusCode int
	Message    string // user-facing summary
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, body)
}

// FromResponse classifies a non-2xx response as transient or permanent.
func FromResponse(method, url string, statusCode int, body string) error {
	statusErr := &StatusError{Method: method, URL: url, StatusCode: statusCode, Body: body}
	if isTransientHTTPStatus(statusCode) {
		return &TransientError{Err: statusErr, StatusCode: statusCode}
	}
	return &PermanentError{Err: statusErr, StatusCode: statusCode}
}

// IsTransient checks if an error is retry-able.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return isTransientHTTPStatus(statusErr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return isNetworkError(err) || isSyscallError(err)
}

// IsPermanent checks if an error is non-retry-able.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return true
	}
	return !IsTransient(err)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var transientErr *TransientError
	if errors.As(err, &transientErr) && transientErr.StatusCode > 0 {
		return transientErr.StatusCode
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) && permanentErr.StatusCode > 0 {
		return permanentErr.StatusCode
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// FormatForUser turns a transport failure into a one-line message for the
// console.
func FormatForUser(err error) string {
	if err == nil {
		return ""
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) && transientErr.Message != "" {
		return transientErr.Message
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) && permanentErr.Message != "" {
		return permanentErr.Message
	}

	switch code := StatusCode(err); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "Not signed in to the scan server, or access was denied."
	case code == http.StatusNotFound:
		return "The chat or endpoint was not found on the scan server."
	case code == http.StatusTooManyRequests:
		return "The scan server is rate limiting requests. Try again shortly."
	case code >= 500:
		return "The scan server failed to handle the request. Try again shortly."
	case code >= 400:
		return fmt.Sprintf("The scan server rejected the request (HTTP %d).", code)
	}

	lowerErr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lowerErr, "connection refused"):
		return "Could not connect to the scan server. Is it running?"
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(lowerErr, "timeout"):
		return "The scan server did not respond in time."
	case strings.Contains(lowerErr, "no such host") || strings.Contains(lowerErr, "dns"):
		return "Could not resolve the scan server address."
	}
	return err.Error()
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "connection reset", "broken pipe", "timeout"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

func isTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, // 408
		http.StatusTooManyRequests,     // 429
		http.StatusInternalServerError, // 500
		http.StatusBadGateway,          // 502
		http.StatusServiceUnavailable,  // 503
		http.StatusGatewayTimeout:      // 504
		return true
	}
	return false
}
