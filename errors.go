package zonekeeper

import (
	"encoding/json"
	"errors"
	"fmt"
)

type errType string

const (
	forbiddenErrType    errType = "ERROR_FORBIDDEN"
	unknownIDErrType    errType = "ERROR_UNKNOWN_ID"
	forwardedErrType    errType = "ERROR_FORWARDED"
	zoneStoppedErrType  errType = "ERROR_CONTAINER_STOPPED"
	configErrType       errType = "ERROR_CONFIG"
	operationErrType    errType = "ERROR_OPERATION"
	invalidStateErrType errType = "ERROR_INVALID_STATE"
)

// Error wraps a domain error for transport across the bus. Both ends of a
// connection exchange the marshalled form; unmarshalling restores the
// concrete type so callers can switch on it.
type Error struct {
	Err error
}

func NewError(err string) *Error {
	return &Error{Err: errors.New(err)}
}

type marshalledError struct {
	Type    errType
	Message string
	ID      string
}

func (m Error) Error() string {
	return m.Err.Error()
}

func (m Error) Unwrap() error {
	return m.Err
}

func (m Error) MarshalJSON() ([]byte, error) {
	var errorType errType
	id := ""

	switch err := m.Err.(type) {
	case ForbiddenError:
		errorType = forbiddenErrType
	case ZoneNotFoundError:
		errorType = unknownIDErrType
		id = err.ID
	case ForwardedError:
		errorType = forwardedErrType
	case ZoneStoppedError:
		errorType = zoneStoppedErrType
		id = err.ID
	case ConfigError:
		errorType = configErrType
	case ZoneOperationError:
		errorType = operationErrType
		id = err.ID
	case InvalidStateError:
		errorType = invalidStateErrType
		id = err.ID
	}

	return json.Marshal(marshalledError{
		Type:    errorType,
		Message: m.Err.Error(),
		ID:      id,
	})
}

func (m *Error) UnmarshalJSON(data []byte) error {
	var result marshalledError

	if err := json.Unmarshal(data, &result); err != nil {
		return err
	}

	switch result.Type {
	case forbiddenErrType:
		m.Err = ForbiddenError{}
	case unknownIDErrType:
		m.Err = ZoneNotFoundError{ID: result.ID}
	case forwardedErrType:
		m.Err = ForwardedError{Reason: result.Message}
	case zoneStoppedErrType:
		m.Err = ZoneStoppedError{ID: result.ID}
	case configErrType:
		m.Err = ConfigError{Message: result.Message}
	case operationErrType:
		m.Err = ZoneOperationError{ID: result.ID, Message: result.Message}
	case invalidStateErrType:
		m.Err = InvalidStateError{ID: result.ID, Message: result.Message}
	default:
		m.Err = errors.New(result.Message)
	}

	return nil
}

// ForbiddenError is returned for proxy calls denied by policy.
type ForbiddenError struct{}

func (err ForbiddenError) Error() string {
	return "proxy call forbidden"
}

// ZoneNotFoundError is returned when an operation targets an unknown zone
// id.
type ZoneNotFoundError struct {
	ID string
}

func (err ZoneNotFoundError) Error() string {
	return fmt.Sprintf("unknown zone id: %s", err.ID)
}

// ZoneStoppedError is returned when an operation requires a zone that is
// not running.
type ZoneStoppedError struct {
	ID string
}

func (err ZoneStoppedError) Error() string {
	return fmt.Sprintf("zone is stopped: %s", err.ID)
}

// ForwardedError wraps an opaque downstream failure of a proxied call.
type ForwardedError struct {
	Reason string
}

func (err ForwardedError) Error() string {
	return err.Reason
}

// ConfigError reports an invalid configuration. It is fatal at startup.
type ConfigError struct {
	Message string
}

func NewConfigError(format string, args ...interface{}) ConfigError {
	return ConfigError{Message: fmt.Sprintf(format, args...)}
}

func (err ConfigError) Error() string {
	return err.Message
}

// ZoneOperationError reports a failed operation on a specific zone.
type ZoneOperationError struct {
	ID      string
	Message string
}

func NewZoneOperationError(id, op string, cause error) ZoneOperationError {
	return ZoneOperationError{
		ID:      id,
		Message: fmt.Sprintf("%s %s: %s", op, id, cause),
	}
}

func (err ZoneOperationError) Error() string {
	return err.Message
}

// InvalidStateError reports an operation attempted in a state that does
// not admit it.
type InvalidStateError struct {
	ID      string
	Message string
}

func NewInvalidStateError(id string, state State, op string) InvalidStateError {
	return InvalidStateError{
		ID:      id,
		Message: fmt.Sprintf("cannot %s %s in state %s", op, id, state),
	}
}

func (err InvalidStateError) Error() string {
	return err.Message
}
