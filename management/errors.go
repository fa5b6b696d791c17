package management

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-servicebus/internal/reliability"
)

var (
	// Client errors
	ErrClientClosed  = errors.New("management: client is closed")
	ErrReplyTimeout  = errors.New("management: timed out waiting for reply")
	ErrLinkDetached  = errors.New("management: link detached")
	ErrNilRequest    = errors.New("management: request cannot be nil")
	ErrMissingStatus = errors.New("management: reply carries no status code")

	// Decode errors
	ErrUnexpectedBody = errors.New("management: unexpected reply body")
)

// Status codes returned by the broker in the statusCode application property
const (
	StatusOK                  int32 = 200
	StatusAccepted            int32 = 202
	StatusNoContent           int32 = 204
	StatusBadRequest          int32 = 400
	StatusUnauthorized        int32 = 401
	StatusNotFound            int32 = 404
	StatusRequestTimeout      int32 = 408
	StatusConflict            int32 = 409
	StatusGone                int32 = 410
	StatusInternalServerError int32 = 500
	StatusServiceUnavailable  int32 = 503
)

// Error conditions worth retrying
const (
	ConditionServerBusy            = "com.microsoft:server-busy"
	ConditionTimeout               = "com.microsoft:timeout"
	ConditionResourceLimitExceeded = "amqp:resource-limit-exceeded"
)

// StatusError is returned when the broker answers with a failure status
type StatusError struct {
	Operation   string
	StatusCode  int32
	Description string
	Condition   string
}

func (e *StatusError) Error() string {
	if e.Condition != "" {
		return fmt.Sprintf("management: %s failed with status %d (%s): %s",
			e.Operation, e.StatusCode, e.Condition, e.Description)
	}
	return fmt.Sprintf("management: %s failed with status %d: %s",
		e.Operation, e.StatusCode, e.Description)
}

// IsRetryable reports whether sending the same request again may succeed
func (e *StatusError) IsRetryable() bool {
	switch e.Condition {
	case ConditionServerBusy, ConditionTimeout, ConditionResourceLimitExceeded:
		return true
	}
	switch e.StatusCode {
	case StatusRequestTimeout, StatusInternalServerError, StatusServiceUnavailable:
		return true
	}
	return false
}

// LinkError represents a failure of the underlying transport link
type LinkError struct {
	Op        string    // Operation that failed
	Entity    string    // Management node address
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("management link error: %s on %s: %v", e.Op, e.Entity, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the link failure is transient. Terminal link
// states are never retried; otherwise the wrapped error decides.
func (e *LinkError) IsRetryable() bool {
	if errors.Is(e.Err, ErrClientClosed) || errors.Is(e.Err, ErrLinkDetached) {
		return false
	}
	return e.Err == nil || reliability.IsRetryableError(e.Err)
}

// DecodeError represents a reply whose body does not match the expected shape
type DecodeError struct {
	Operation string
	Field     string
	Err       error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("management: decode %s reply field %q: %v", e.Operation, e.Field, e.Err)
	}
	return fmt.Sprintf("management: decode %s reply: %v", e.Operation, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsRetryable always returns false; the same reply shape would come back
func (e *DecodeError) IsRetryable() bool {
	return false
}

// EncodeError represents a body value that a transport could not serialize
type EncodeError struct {
	Key string
	Err error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("management: encode body key %q: %v", e.Key, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// IsStatus reports whether err is a StatusError carrying code
func IsStatus(err error, code int32) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == code
	}
	return false
}
