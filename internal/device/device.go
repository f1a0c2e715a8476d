package device

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failure surfaced by the GATT client.
type ErrorKind string

const (
	DeviceNotFound         ErrorKind = "device_not_found"
	ConnectTimeout         ErrorKind = "connect_timeout"
	OperationInProgress    ErrorKind = "operation_in_progress"
	LinkLost               ErrorKind = "link_lost"
	Timeout                ErrorKind = "timeout"
	ProtocolError          ErrorKind = "protocol_error"
	CharacteristicNotFound ErrorKind = "characteristic_not_found"
	ServiceNotFound        ErrorKind = "service_not_found"
	NotConnected           ErrorKind = "not_connected"
	SubscribeError         ErrorKind = "subscribe_error"
	AlreadyConnected       ErrorKind = "already_connected"
	AdapterUnavailable     ErrorKind = "adapter_unavailable"
)

// Error is a classified failure. errors.Is compares by Kind only, so any
// *Error matches the sentinel of the same kind.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per kind
var (
	ErrDeviceNotFound         = &Error{Kind: DeviceNotFound}
	ErrConnectTimeout         = &Error{Kind: ConnectTimeout}
	ErrOperationInProgress    = &Error{Kind: OperationInProgress}
	ErrLinkLost               = &Error{Kind: LinkLost}
	ErrTimeout                = &Error{Kind: Timeout}
	ErrProtocol               = &Error{Kind: ProtocolError}
	ErrCharacteristicNotFound = &Error{Kind: CharacteristicNotFound}
	ErrServiceNotFound        = &Error{Kind: ServiceNotFound}
	ErrNotConnected           = &Error{Kind: NotConnected}
	ErrSubscribe              = &Error{Kind: SubscribeError}
	ErrAlreadyConnected       = &Error{Kind: AlreadyConnected}
	ErrAdapterUnavailable     = &Error{Kind: AdapterUnavailable}
)

// NewError builds a classified error for the given operation.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first classified error in the chain, or "" if none.
func KindOf(err error) ErrorKind {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return nf.kind()
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// NotFoundError represents an error when a GATT resource is not present on the device
type NotFoundError struct {
	Resource string   // "service" or "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
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

func (e *NotFoundError) kind() ErrorKind {
	if e.Resource == "service" {
		return ServiceNotFound
	}
	return CharacteristicNotFound
}

// Is matches ErrServiceNotFound or ErrCharacteristicNotFound depending on the resource
func (e *NotFoundError) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.kind()
}

// ViolationError reports a broken internal invariant: a completion resolved
// twice, a completion for a key nobody registered, or I/O through a
// Characteristic whose connection is gone. It is never an environmental
// condition and callers must not retry on it.
type ViolationError struct {
	Op  string
	Msg string
}

func (e *ViolationError) Error() string {
	if e.Op == "" {
		return "contract violation: " + e.Msg
	}
	return fmt.Sprintf("contract violation: %s: %s", e.Op, e.Msg)
}

// Is matches any ViolationError
func (e *ViolationError) Is(target error) bool {
	_, ok := target.(*ViolationError)
	return ok
}

// ErrContractViolation matches every ViolationError via errors.Is
var ErrContractViolation = &ViolationError{}

// Violationf builds a ViolationError with a formatted message.
func Violationf(op, format string, args ...any) *ViolationError {
	return &ViolationError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Classify returns err unchanged when it is already classified, otherwise
// wraps it with the fallback kind.
func Classify(op string, err error, fallback ErrorKind) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" || errors.Is(err, ErrContractViolation) {
		return err
	}
	return NewError(fallback, op, err)
}
