// Package bus is the message-bus layer the daemon's endpoints are built
// on. A Broker is a star-topology router speaking the ipc frame
// protocol; a Conn is the peer side: it exports methods, acquires
// well-known names, emits signals and subscribes to them, optionally
// filtered by the sender's well-known name.
//
// Bus addresses are "unix:path=<socket>" strings. Payloads are JSON.
package bus

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zonekeeper/zonekeeper"
	"github.com/zonekeeper/zonekeeper/ipc"
)

const (
	methodAcquireName ipc.MethodID = iota + 1
	methodCall
	methodDeliverCall
	methodEmit
	methodDeliverSignal
)

const addressPrefix = "unix:path="

// Address builds a bus address from a socket path.
func Address(socketPath string) string {
	return addressPrefix + socketPath
}

// SocketPath extracts the socket path from a bus address.
func SocketPath(address string) (string, error) {
	if !strings.HasPrefix(address, addressPrefix) {
		return "", fmt.Errorf("malformed bus address: %q", address)
	}
	return strings.TrimPrefix(address, addressPrefix), nil
}

type acquireNameRequest struct {
	Name string
}

type callRequest struct {
	Destination string
	ObjectPath  string
	Interface   string
	Method      string
	Args        json.RawMessage
}

type emitRequest struct {
	ObjectPath string
	Interface  string
	Member     string
	Args       json.RawMessage
}

type deliverSignal struct {
	SenderNames []string
	ObjectPath  string
	Interface   string
	Member      string
	Args        json.RawMessage
}

// Result completes a bus method call. Implementations are safe to
// invoke exactly once from any goroutine, matching the asynchronous
// forwarding paths of the daemon.
type Result interface {
	// Set marshals v as the reply. A nil v produces an empty reply.
	Set(v interface{})

	// SetError fails the call. Typed zonekeeper errors survive the trip
	// and unmarshal back into their concrete type at the caller.
	SetError(err error)
}

// MethodFunc handles one exported bus method. It runs on its own
// goroutine and may block; it must complete result exactly once.
type MethodFunc func(args json.RawMessage, result Result)

// SignalFunc consumes a delivered signal. senderNames are the well-known
// names the emitting peer held at emission time.
type SignalFunc func(senderNames []string, args json.RawMessage)

type responderResult struct {
	respond ipc.Responder
}

func (r *responderResult) Set(v interface{}) {
	if v == nil {
		r.respond(nil, nil)
		return
	}

	payload, err := json.Marshal(v)
	if err != nil {
		r.respond(nil, encodeBusError(err))
		return
	}
	r.respond(payload, nil)
}

func (r *responderResult) SetError(err error) {
	r.respond(nil, encodeBusError(err))
}

// encodeBusError wraps a domain error into an ipc call error whose
// reason is the marshalled zonekeeper.Error, so the remote side can
// restore the concrete type.
func encodeBusError(err error) *ipc.CallError {
	reason, marshalErr := json.Marshal(zonekeeper.Error{Err: err})
	if marshalErr != nil {
		return &ipc.CallError{Code: ipc.CodeHandlerError, Reason: err.Error()}
	}
	return &ipc.CallError{Code: ipc.CodeHandlerError, Reason: string(reason)}
}

// decodeBusError recovers the domain error from a failed call, falling
// back to the raw call error for transport-level failures.
func decodeBusError(err error) error {
	callErr, ok := err.(*ipc.CallError)
	if !ok || callErr.Code != ipc.CodeHandlerError {
		return err
	}

	var wrapped zonekeeper.Error
	if jsonErr := json.Unmarshal([]byte(callErr.Reason), &wrapped); jsonErr != nil {
		return err
	}
	return wrapped.Err
}
