package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps a provider error that is safe to retry
// (timeouts, rate limits, 5xx). The caller retries with backoff up to
// the configured attempt cap.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// FatalError wraps a provider error that must not be retried: auth
// failures, malformed requests, anything where a retry would repeat the
// same outcome. Code is a stable machine-readable tag recorded on the
// ledger row (e.g. "auth", "malformed_request").
type FatalError struct {
	Code string
	Err  error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError wraps an error as non-retryable with an error code.
func NewFatalError(code string, err error) *FatalError {
	return &FatalError{Code: code, Err: err}
}

// IsFatal returns true if the error chain contains a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// FatalCode returns the FatalError code in the chain, or "".
func FatalCode(err error) string {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient network failure
// patterns (timeouts, connection resets, DNS failures). A FatalError
// anywhere in the chain wins over the transient heuristics.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsFatal(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
