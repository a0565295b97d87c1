// Package errors defines the closed error taxonomy for the message
// lifecycle engine. Callers classify failures with KindOf and map them
// to stable wire result codes with Kind.ResultCode, so a response code
// is always interpretable without parsing an exception trace.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the small, closed set of failure
// categories the engine distinguishes.
type Kind int

const (
	// KindUnknown is any failure not otherwise classified.
	KindUnknown Kind = iota
	// KindInvalidArgument is malformed or missing required input.
	// Surfaced synchronously to the caller, never retried.
	KindInvalidArgument
	// KindNotFound is a referenced id that does not exist at
	// delete/acknowledge time.
	KindNotFound
	// KindCryptoFailure is a key derivation, encrypt, or decrypt failure.
	KindCryptoFailure
	// KindIntegrityFailure is a checksum mismatch, either on message
	// decryption or on part-set reassembly.
	KindIntegrityFailure
	// KindUnrecognizedType is a message type with no registered handler.
	KindUnrecognizedType
	// KindServiceUnavailable is a storage or transport failure; safe to
	// retry at a higher layer.
	KindServiceUnavailable
	// KindProcessingFailed is a handler failure during dispatch; drives
	// the attempt-increment-and-requeue path rather than a terminal state.
	KindProcessingFailed
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid argument"
	case KindNotFound:
		return "not found"
	case KindCryptoFailure:
		return "crypto failure"
	case KindIntegrityFailure:
		return "integrity failure"
	case KindUnrecognizedType:
		return "unrecognized type"
	case KindServiceUnavailable:
		return "service unavailable"
	case KindProcessingFailed:
		return "processing failed"
	default:
		return "unknown"
	}
}

// Wire result codes carried on every caller-facing response.
const (
	CodeSuccess          = 0
	CodeInvalidRequest   = -1
	CodeUnrecognizedType = -2
	CodeDecryptionFailed = -3
	CodeProcessingFailed = -4
	CodeQueueingFailed   = -5
	CodeUnknown          = -6
)

// ResultCode maps the kind to its stable numeric wire code.
func (k Kind) ResultCode() int {
	switch k {
	case KindInvalidArgument, KindNotFound:
		return CodeInvalidRequest
	case KindUnrecognizedType:
		return CodeUnrecognizedType
	case KindCryptoFailure, KindIntegrityFailure:
		return CodeDecryptionFailed
	case KindProcessingFailed:
		return CodeProcessingFailed
	case KindServiceUnavailable:
		return CodeQueueingFailed
	default:
		return CodeUnknown
	}
}

// Error is a classified engine error.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Cause }

// E creates a classified error.
func E(kind Kind, detail string) error {
	return &Error{Kind: kind, Detail: detail}
}

// Ef creates a classified error with a formatted detail string.
func Ef(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error around an underlying cause.
func Wrap(kind Kind, detail string, cause error) error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// KindOf extracts the kind from an error. Unclassified errors report
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Cause
	}
	return false
}
