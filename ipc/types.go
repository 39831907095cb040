package ipc

import (
	"fmt"
	"sync/atomic"
)

// MethodID identifies a method or signal within a service's API.
type MethodID uint32

// MessageID pairs responses with requests. Generated by a process-wide
// monotone counter; never reused within a process lifetime.
type MessageID uint64

// PeerID identifies a connected peer. Monotone, process-wide, never
// reused.
type PeerID uint64

// Kind discriminates the frames on the wire.
type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindResponse
	KindSignal
	KindError
)

func (k Kind) valid() bool {
	return k >= KindRequest && k <= KindError
}

// Code classifies call failures carried in error frames and produced
// locally by the processor.
type Code uint16

const (
	CodeHandlerError Code = iota + 1
	CodeUnknownMethod
	CodeServiceStopped
	CodeTimedOut
	CodePeerDisconnected
)

func (c Code) String() string {
	switch c {
	case CodeHandlerError:
		return "HANDLER_ERROR"
	case CodeUnknownMethod:
		return "UNKNOWN_METHOD"
	case CodeServiceStopped:
		return "SERVICE_STOPPED"
	case CodeTimedOut:
		return "TIMED_OUT"
	case CodePeerDisconnected:
		return "PEER_DISCONNECTED"
	}
	return fmt.Sprintf("CODE_%d", uint16(c))
}

// CallError is the failure of a single call.
type CallError struct {
	Code   Code
	Reason string
}

func (e *CallError) Error() string {
	if e.Reason == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// IsCode reports whether err is a *CallError carrying the given code.
func IsCode(err error, code Code) bool {
	callErr, ok := err.(*CallError)
	return ok && callErr.Code == code
}

// MethodHandler serves a request and produces the response payload. It
// runs on the Processor goroutine; it must not block on calls serviced by
// the same Processor.
type MethodHandler func(peer PeerID, payload []byte) ([]byte, error)

// Responder completes an asynchronously handled request. It must be
// called exactly once and may be called from any goroutine.
type Responder func(payload []byte, err error)

// AsyncMethodHandler serves a request whose response is produced later.
type AsyncMethodHandler func(peer PeerID, payload []byte, respond Responder)

// SignalHandler consumes a one-way signal. Runs on the Processor
// goroutine.
type SignalHandler func(peer PeerID, payload []byte)

// PeerCallback observes peer arrival or departure.
type PeerCallback func(peer PeerID)

var (
	lastMessageID uint64
	lastPeerID    uint64
)

// NextMessageID returns a fresh process-wide message id.
func NextMessageID() MessageID {
	return MessageID(atomic.AddUint64(&lastMessageID, 1))
}

// NextPeerID returns a fresh process-wide peer id.
func NextPeerID() PeerID {
	return PeerID(atomic.AddUint64(&lastPeerID, 1))
}
