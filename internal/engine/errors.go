package engine

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy for the engine. Protocol clients wrap their failures with
// ErrConnectivity or ErrOperation so the executor can decide whether the
// connection survives.
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrConnectivity      = errors.New("connectivity error")
	ErrOperation         = errors.New("operation error")
	ErrResourceExhausted = errors.New("resource pool empty")
	ErrUnrecoverable     = errors.New("unrecoverable error")
	ErrUnsupportedKind   = errors.New("operation kind not supported by client")
)

// ErrorClass categorizes an operation failure for outcome recording.
type ErrorClass string

const (
	ClassNone         ErrorClass = "none"
	ClassConnectivity ErrorClass = "connectivity"
	ClassOperation    ErrorClass = "operation"
	ClassUnknown      ErrorClass = "unknown"
)

// ResultCoder is implemented by client errors that carry a protocol result
// code (an LDAP result code, a MySQL error number, a socket status word).
type ResultCoder interface {
	ResultCode() string
}

// Classify determines the class of an error returned by a protocol client.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrConnectivity):
		return ClassConnectivity
	case errors.Is(err, ErrOperation):
		return ClassOperation
	case errors.Is(err, context.DeadlineExceeded):
		// the client's own response-time limit fired; the connection stays usable
		return ClassOperation
	default:
		return ClassUnknown
	}
}

// ResultCodeOf returns the protocol result code carried by err, or a generic
// code derived from its class.
func ResultCodeOf(err error) string {
	if err == nil {
		return CodeSuccess
	}
	var rc ResultCoder
	if errors.As(err, &rc) {
		return rc.ResultCode()
	}
	switch Classify(err) {
	case ClassConnectivity:
		return CodeConnectError
	case ClassOperation:
		return CodeOperationError
	default:
		return CodeOtherError
	}
}

// Generic result codes used when a client does not supply its own.
const (
	CodeSuccess        = "success"
	CodeSkipped        = "skipped"
	CodeConnectError   = "connect_error"
	CodeOperationError = "operation_error"
	CodeOtherError     = "other"
)

// ConnectivityError wraps err so that Classify reports ClassConnectivity.
func ConnectivityError(err error) error {
	if err == nil || errors.Is(err, ErrConnectivity) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnectivity, err)
}

// OperationError wraps err so that Classify reports ClassOperation.
func OperationError(err error) error {
	if err == nil || errors.Is(err, ErrOperation) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrOperation, err)
}

// CodedError is a convenience error for clients that carry a result code.
type CodedError struct {
	Code string
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err == nil {
		return "result code " + e.Code
	}
	return fmt.Sprintf("%s (result code %s)", e.Err, e.Code)
}

func (e *CodedError) Unwrap() error      { return e.Err }
func (e *CodedError) ResultCode() string { return e.Code }
