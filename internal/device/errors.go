package device

import (
	"errors"
	"fmt"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "peripheral", "service", "characteristic"
	UUIDs    []string // One or more ids (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionFailure names the kind of connection problem carried by a ConnectionError
type ConnectionFailure string

const (
	ConnectFailed ConnectionFailure = "connect_failed"
	Disconnected  ConnectionFailure = "disconnected"
	NotConnected  ConnectionFailure = "not_connected"
)

// ConnectionError represents any connection-related problem.
// Cause is the error reported by the radio, nil when the radio gave no reason.
type ConnectionError struct {
	Kind  ConnectionFailure
	Cause error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is allows errors.Is to compare ConnectionError values by Kind
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for connection failures
var (
	ErrConnectFailed = &ConnectionError{Kind: ConnectFailed}
	ErrDisconnected  = &ConnectionError{Kind: Disconnected}
	ErrNotConnected  = &ConnectionError{Kind: NotConnected}
)

// NewConnectFailedError wraps cause as a connect failure; a nil cause yields the bare sentinel kind.
func NewConnectFailedError(cause error) error {
	return &ConnectionError{Kind: ConnectFailed, Cause: cause}
}

// NewDisconnectedError wraps cause as an unexpected disconnect.
func NewDisconnectedError(cause error) error {
	return &ConnectionError{Kind: Disconnected, Cause: cause}
}

// AlreadyInUseError is returned when an operation targets a peripheral other than the
// one the scheduler currently holds in focus.
type AlreadyInUseError struct {
	Peripheral string
}

func (e *AlreadyInUseError) Error() string {
	return fmt.Sprintf("radio already in use by peripheral %q", e.Peripheral)
}

// Operation errors
var (
	ErrServiceNotDiscovered = errors.New("services not discovered")
	ErrDisposed             = errors.New("manager disposed")
	ErrTimeout              = errors.New("timeout")
)

// Radio availability errors
var (
	ErrUnsupported  = errors.New("bluetooth low energy is not supported")
	ErrUnauthorized = errors.New("bluetooth access is not authorized")
	ErrBluetoothOff = errors.New("bluetooth is turned off")
)

// IsConnectionFailure reports whether err is a ConnectionError of the given kind
func IsConnectionFailure(err error, kind ConnectionFailure) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.Kind == kind
	}
	return false
}
