package handheld

import (
	"errors"
	"strings"
)

// ErrorCode classifies a HandheldError for programmatic handling.
type ErrorCode int

const (
	// Backend selection errors (100-199)
	ErrCodeNoBackendSelected ErrorCode = iota + 100
	ErrCodeUnknownBackend
	ErrCodeUnsupported
)

const (
	// Connection errors (200-299)
	ErrCodeConnectTimeout ErrorCode = iota + 200
	ErrCodeConnectFailed
	ErrCodeConnectInProgress
	ErrCodeDeviceNotFound
	ErrCodeNotConnected
	ErrCodeInvalidState
)

const (
	// Configuration and operation errors (300-399)
	ErrCodeModeNotSet ErrorCode = iota + 300
	ErrCodeInvalidArgument
	ErrCodeRegionInvalid
	ErrCodeQueueFull
	ErrCodeServiceStopped
	ErrCodeBackendFault
)

// HandheldError carries structured information about a failed operation.
type HandheldError struct {
	Code    ErrorCode
	Op      Op     // Operation that failed
	Device  string // Optional: device name involved
	Message string
	Cause   error
}

func (e *HandheldError) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(string(e.Op))
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Device != "" {
		sb.WriteString(" (device ")
		sb.WriteString(e.Device)
		sb.WriteString(")")
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *HandheldError) Unwrap() error {
	return e.Cause
}

// Is matches any HandheldError with the same code, so the sentinels below
// work with errors.Is regardless of Op, Device or Cause.
func (e *HandheldError) Is(target error) bool {
	if t, ok := target.(*HandheldError); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrNoBackendSelected = &HandheldError{Code: ErrCodeNoBackendSelected, Message: "no backend selected"}
	ErrUnknownBackend    = &HandheldError{Code: ErrCodeUnknownBackend, Message: "backend not registered"}
	ErrUnsupported       = &HandheldError{Code: ErrCodeUnsupported, Message: "operation not supported by backend"}
	ErrConnectTimeout    = &HandheldError{Code: ErrCodeConnectTimeout, Message: "connect did not settle in time"}
	ErrConnectFailed     = &HandheldError{Code: ErrCodeConnectFailed, Message: "connect failed"}
	ErrConnectInProgress = &HandheldError{Code: ErrCodeConnectInProgress, Message: "a connect attempt is already in progress"}
	ErrDeviceNotFound    = &HandheldError{Code: ErrCodeDeviceNotFound, Message: "device not in discovered list"}
	ErrNotConnected      = &HandheldError{Code: ErrCodeNotConnected, Message: "no handheld connected"}
	ErrInvalidState      = &HandheldError{Code: ErrCodeInvalidState, Message: "operation not allowed in current state"}
	ErrModeNotSet        = &HandheldError{Code: ErrCodeModeNotSet, Message: "reader mode not set"}
	ErrInvalidArgument   = &HandheldError{Code: ErrCodeInvalidArgument, Message: "invalid argument"}
	ErrRegionInvalid     = &HandheldError{Code: ErrCodeRegionInvalid, Message: "stored region not in frequency table"}
	ErrQueueFull         = &HandheldError{Code: ErrCodeQueueFull, Message: "background queue full"}
	ErrServiceStopped    = &HandheldError{Code: ErrCodeServiceStopped, Message: "service stopped"}
	ErrBackendFault      = &HandheldError{Code: ErrCodeBackendFault, Message: "reader reported a fault"}
)

// NewUnsupportedError creates an error for an operation a backend cannot perform.
func NewUnsupportedError(op Op, kind BackendKind) *HandheldError {
	return &HandheldError{
		Code:    ErrCodeUnsupported,
		Op:      op,
		Message: "operation not supported by " + kind.String() + " backend",
	}
}

// NewConnectError creates a connect failure for the given device.
func NewConnectError(code ErrorCode, device string, cause error) *HandheldError {
	msg := "connect failed"
	if code == ErrCodeConnectTimeout {
		msg = "connect did not settle in time"
	}
	return &HandheldError{
		Code:    code,
		Op:      OpConnect,
		Device:  device,
		Message: msg,
		Cause:   cause,
	}
}

// WrapError wraps a vendor SDK error with operation context.
func WrapError(code ErrorCode, op Op, message string, cause error) *HandheldError {
	return &HandheldError{
		Code:    code,
		Op:      op,
		Message: message,
		Cause:   cause,
	}
}

func withOp(sentinel *HandheldError, op Op) *HandheldError {
	e := *sentinel
	e.Op = op
	return &e
}

// IsUnsupported reports whether err means the backend lacks the capability.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// GetErrorCode extracts the ErrorCode from err, or 0 if it is not a HandheldError.
func GetErrorCode(err error) ErrorCode {
	var hErr *HandheldError
	if errors.As(err, &hErr) {
		return hErr.Code
	}
	return 0
}
