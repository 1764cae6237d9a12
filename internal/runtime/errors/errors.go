package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrInvalidState         = sterrors.New("nameko: invalid state")
	ErrNotStarted           = fmt.Errorf("%w: not started", ErrInvalidState)
	ErrInvalidConfiguration = sterrors.New("nameko: invalid configuration")
	ErrUnknownMethod        = sterrors.New("nameko: unknown method")
	ErrCallTimeout          = sterrors.New("nameko: call timeout")
	ErrRemote               = sterrors.New("nameko: remote error")
	ErrUnknownProxy         = sterrors.New("nameko: proxy not configured")
	ErrMalformedRequest     = sterrors.New("nameko: malformed request")
	ErrNoDialer             = sterrors.New("nameko: no dialer registered for broker url")

	ErrPayloadTypeRequired    = sterrors.New("nameko: payload type must not be an interface")
	ErrPayloadPointerRequired = sterrors.New("nameko: proto payload type must be a pointer")
)

// Wire kinds reported in the exc_type field of error replies.
const (
	KindUnknownMethod    = "UnknownMethod"
	KindMalformedRequest = "MalformedRequest"
	KindUnserializable   = "UnserializableValueError"
	KindDefault          = "Error"
)

// InvalidState reports an operation attempted in the wrong lifecycle state.
func InvalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// InvalidConfiguration reports a malformed service definition or config.
func InvalidConfiguration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

// ConfigValidationError wraps the joined validation errors of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("%s: %v", ErrInvalidConfiguration, e.Err)
}

func (e ConfigValidationError) Unwrap() []error {
	return []error{ErrInvalidConfiguration, e.Err}
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// Kinder is implemented by errors that carry their own wire kind.
type Kinder interface {
	Kind() string
}

// Kind returns the wire kind of err, KindDefault when none is attached. A
// RemoteError keeps the kind reported by the service that raised it.
func Kind(err error) string {
	var k Kinder
	if sterrors.As(err, &k) && k.Kind() != "" {
		return k.Kind()
	}
	var remote *RemoteError
	if sterrors.As(err, &remote) && remote.Kind != "" {
		return remote.Kind
	}
	return KindDefault
}

type kindedError struct {
	err  error
	kind string
}

func (e *kindedError) Error() string { return e.err.Error() }
func (e *kindedError) Unwrap() error { return e.err }
func (e *kindedError) Kind() string  { return e.kind }

// WithKind tags err so RPC error replies report kind as exc_type.
func WithKind(err error, kind string) error {
	if err == nil {
		return nil
	}
	return &kindedError{err: err, kind: kind}
}

// UnknownMethodError is returned by the RPC server when a request names a
// method the service does not expose.
type UnknownMethodError struct {
	Service string
	Method  string
}

func (e *UnknownMethodError) Error() string {
	return fmt.Sprintf("Unknown rpc '%s.%s'", e.Service, e.Method)
}

func (e *UnknownMethodError) Kind() string { return KindUnknownMethod }

func (e *UnknownMethodError) Is(target error) bool { return target == ErrUnknownMethod }

// CallTimeoutError is returned to a caller whose reply did not arrive in time.
type CallTimeoutError struct {
	Service string
	Method  string
	Timeout time.Duration
}

func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("%s.%s call timeout", e.Service, e.Method)
}

func (e *CallTimeoutError) Is(target error) bool { return target == ErrCallTimeout }

// RemoteError carries an error reply produced by a remote service.
type RemoteError struct {
	Kind    string
	Args    any
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return e.Message
}

func (e *RemoteError) Is(target error) bool { return target == ErrRemote }
