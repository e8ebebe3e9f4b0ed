package transfer

import (
	"errors"
	"fmt"
)

// Error represents a transfer failure of a known type.
type Error struct {
	// Type is the error type
	Type ErrorType

	// Message is a human-readable error message
	Message string

	// Offset is the last byte offset confirmed by the peer when the error
	// happened. Zmodem uses it to resume.
	Offset int64

	// Err is the underlying cause, if any.
	Err error
}

// ErrorType categorizes transfer errors. An ErrorType is itself an error so
// that errors.Is(err, ErrCRCMismatch) works on any *Error.
type ErrorType int

const (
	// ErrProtocol indicates a protocol violation (unexpected unit or sequence)
	ErrProtocol ErrorType = iota

	// ErrChecksumMismatch indicates a bad 8-bit checksum trailer
	ErrChecksumMismatch

	// ErrCRCMismatch indicates a CRC-16 or CRC-32 mismatch
	ErrCRCMismatch

	// ErrComplementMismatch indicates a block number whose complement is wrong
	ErrComplementMismatch

	// ErrInvalidBlockHeader indicates a block not starting with SOH or STX
	ErrInvalidBlockHeader

	// ErrInvalidFrameType indicates an unknown Zmodem frame type
	ErrInvalidFrameType

	// ErrInvalidFrameEncoding indicates an unknown Zmodem frame encoding
	ErrInvalidFrameEncoding

	// ErrInvalidEscape indicates a ZDLE sequence that cannot be decoded
	ErrInvalidEscape

	// ErrTimeout indicates a timeout occurred
	ErrTimeout

	// ErrCancelled indicates the transfer was cancelled by either side
	ErrCancelled

	// ErrIO indicates an I/O error on the link or the file
	ErrIO

	// ErrMaxRetriesExceeded indicates the retry budget ran out
	ErrMaxRetriesExceeded

	// ErrFileSkipped indicates a file transfer was skipped
	ErrFileSkipped

	// ErrRemoteCommandDenied indicates a remote command was denied
	ErrRemoteCommandDenied
)

func (e *Error) Error() string {
	msg := fmt.Sprintf("transfer %s", e.Type)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Offset > 0 {
		msg += fmt.Sprintf(" (offset %d)", e.Offset)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is this error's type.
func (e *Error) Is(target error) bool {
	if t, ok := target.(ErrorType); ok {
		return e.Type == t
	}
	return false
}

func (t ErrorType) Error() string {
	return t.String()
}

func (t ErrorType) String() string {
	switch t {
	case ErrProtocol:
		return "protocol error"
	case ErrChecksumMismatch:
		return "checksum mismatch"
	case ErrCRCMismatch:
		return "CRC mismatch"
	case ErrComplementMismatch:
		return "complement mismatch"
	case ErrInvalidBlockHeader:
		return "invalid block header"
	case ErrInvalidFrameType:
		return "invalid frame type"
	case ErrInvalidFrameEncoding:
		return "invalid frame encoding"
	case ErrInvalidEscape:
		return "invalid escape"
	case ErrTimeout:
		return "timeout"
	case ErrCancelled:
		return "cancelled"
	case ErrIO:
		return "I/O error"
	case ErrMaxRetriesExceeded:
		return "max retries exceeded"
	case ErrFileSkipped:
		return "file skipped"
	case ErrRemoteCommandDenied:
		return "remote command denied"
	default:
		return "unknown error"
	}
}

// Recoverable reports whether errors of this type are retried locally:
// corruption, protocol violations and timeouts.
func (t ErrorType) Recoverable() bool {
	switch t {
	case ErrProtocol, ErrChecksumMismatch, ErrCRCMismatch, ErrComplementMismatch,
		ErrInvalidBlockHeader, ErrInvalidFrameType, ErrInvalidFrameEncoding,
		ErrInvalidEscape, ErrTimeout:
		return true
	}
	return false
}

// NewError creates a new transfer error
func NewError(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
	}
}

// Errorf creates a new transfer error with a formatted message.
func Errorf(errType ErrorType, format string, args ...any) *Error {
	return NewError(errType, fmt.Sprintf(format, args...))
}

// Wrap attaches a type to an underlying error. Errors that already carry a
// type are returned unchanged.
func Wrap(errType ErrorType, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Type: errType, Err: err}
}

// TypeOf returns the type of err, or ErrIO for untyped errors.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrIO
}

// OffsetOf returns the offset recorded in err, or 0.
func OffsetOf(err error) int64 {
	var e *Error
	if errors.As(err, &e) {
		return e.Offset
	}
	return 0
}

// Recoverable reports whether err may be answered with a retransmission.
func Recoverable(err error) bool {
	return err != nil && TypeOf(err).Recoverable()
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsCancelled checks if an error indicates cancellation
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
