package chat

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors. Transports wrap these in a [*TransportError] so
// callers can match with errors.Is while still seeing the operation.
var (
	// ErrStartupTimeout means the backend never reached its idle
	// prompt. It is fatal to session creation and is not retried.
	ErrStartupTimeout = errors.New("backend did not become ready")

	// ErrReadTimeout means the backend went quiet mid-response.
	ErrReadTimeout = errors.New("backend stopped responding")

	// ErrBackendExited means the subprocess closed its output.
	ErrBackendExited = errors.New("backend exited")

	// ErrConnection means the HTTP backend could not be reached. The
	// session answers it with a client restart and a single retry.
	ErrConnection = errors.New("backend connection failed")

	// ErrSessionClosed is returned by Send after Close.
	ErrSessionClosed = errors.New("session closed")
)

// TransportError is a mid-conversation I/O failure. The session
// restarts its transport once when it sees one.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code int
	Body string
	// RetryAfter is the server-requested delay, zero when absent.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("backend returned %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// RateLimited reports a 429.
func (e *StatusError) RateLimited() bool { return e.Code == http.StatusTooManyRequests }

// ServerError reports a 5xx.
func (e *StatusError) ServerError() bool { return e.Code >= 500 && e.Code <= 599 }

// Retryable reports whether backing off and resending may succeed.
func (e *StatusError) Retryable() bool { return e.RateLimited() || e.ServerError() }

func transportErr(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}
