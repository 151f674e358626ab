package bus

import "errors"

// ErrorCode categorizes a processing failure for DLQ records and metrics.
// These are error kinds, not Go types: the same Go error can map to
// different codes depending on where it surfaced.
type ErrorCode string

const (
	ErrCodeTransientExhausted  ErrorCode = "transient_exhausted"
	ErrCodeBadInput            ErrorCode = "bad_input"
	ErrCodePolicyDenied        ErrorCode = "policy_denied"
	ErrCodeExternalUnavailable ErrorCode = "external_unavailable"
	ErrCodeIntegrityViolation  ErrorCode = "integrity_violation"
	ErrCodePublishFailed       ErrorCode = "publish_failed"
)

// ErrMovedToDLQ signals that an entry was written to the DLQ and may be
// safely acknowledged: the data is preserved there.
var ErrMovedToDLQ = errors.New("entry moved to DLQ")

// PermanentError wraps a handler failure that must not be retried.
// The consumer DLQs the entry immediately and acks it.
type PermanentError struct {
	Code ErrorCode
	Err  error
}

func (e *PermanentError) Error() string { return string(e.Code) + ": " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable with the given code.
func Permanent(code ErrorCode, err error) error {
	return &PermanentError{Code: code, Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) (*PermanentError, bool) {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
