package core

import (
	"errors"
	"fmt"
)

// Stable machine-readable error codes. These cross the access boundary and
// must never change meaning between releases.
const (
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeStaleRecord        = "STALE_RECORD"
	CodeLanguageRejected   = "LANGUAGE_REJECTED"
	CodeTruthDataInvalid   = "TRUTH_DATA_INVALID"
	CodeValidatorError     = "VALIDATOR_ERROR"
	CodeTimeout            = "TIMEOUT"
	CodeCancelled          = "CANCELLED"
	CodeSafetyRejected     = "SAFETY_REJECTED"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeAccessDenied       = "ACCESS_DENIED"
	CodeMaintenanceMode    = "MAINTENANCE_MODE"
	CodeInternal           = "INTERNAL"
)

// Error is the canonical error envelope: a stable code, a human-readable
// message, and optional structured details. It wraps the underlying cause so
// errors.Is / errors.As keep working through it.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

// NewError builds an Error with the given code and details. When err is nil
// the message is derived from the details' "reason" entry or the code itself.
func NewError(err error, code string, details map[string]any) *Error {
	msg := ""
	switch {
	case err != nil:
		msg = err.Error()
	case details != nil:
		if reason, ok := details["reason"].(string); ok {
			msg = reason
		}
	}
	if msg == "" {
		msg = code
	}
	return &Error{Code: code, Message: msg, Details: details, cause: err}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.Code, e.cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// CodeOf extracts the stable code from err, walking the wrap chain. Errors
// without an embedded code map to INTERNAL.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given stable code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}
