package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/lager/v3"

	"github.com/zonekeeper/zonekeeper/ipc"
)

// forwardTimeout bounds a routed call so a stuck peer cannot pin broker
// state forever.
const forwardTimeout = 30 * time.Second

// Broker routes calls and signals between the peers of one bus. It owns
// the well-known name table; method routing goes by destination name,
// signal fan-out goes to every subscribed peer with the sender's names
// attached.
type Broker struct {
	logger lager.Logger

	socketPath string
	service    *ipc.Service

	mu    sync.Mutex
	names map[string]ipc.PeerID
}

func NewBroker(logger lager.Logger, socketPath string) *Broker {
	logger = logger.Session("bus-broker", lager.Data{"socket": socketPath})

	b := &Broker{
		logger:     logger,
		socketPath: socketPath,
		service:    ipc.NewService(logger, socketPath),
		names:      make(map[string]ipc.PeerID),
	}

	b.service.AddMethodHandler(methodAcquireName, b.handleAcquireName)
	b.service.AddAsyncMethodHandler(methodCall, b.handleCall)
	b.service.AddSignalHandler(methodEmit, b.handleEmit)
	b.service.SetRemovedPeerCallback(b.handleRemovedPeer)

	return b
}

func (b *Broker) Start() error {
	return b.service.Start()
}

func (b *Broker) Stop() {
	b.service.Stop()
}

// Address returns the bus address peers dial.
func (b *Broker) Address() string {
	return Address(b.socketPath)
}

func (b *Broker) handleAcquireName(peer ipc.PeerID, payload []byte) ([]byte, error) {
	var req acquireNameRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, fmt.Errorf("cannot acquire an empty name")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if owner, taken := b.names[req.Name]; taken && owner != peer {
		return nil, fmt.Errorf("name already taken: %s", req.Name)
	}
	b.names[req.Name] = peer

	b.logger.Debug("name-acquired", lager.Data{"name": req.Name, "peer": peer})
	return nil, nil
}

func (b *Broker) handleCall(peer ipc.PeerID, payload []byte, respond ipc.Responder) {
	var req callRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		respond(nil, err)
		return
	}

	b.mu.Lock()
	owner, ok := b.names[req.Destination]
	b.mu.Unlock()

	if !ok {
		respond(nil, fmt.Errorf("no owner for name: %s", req.Destination))
		return
	}

	// The payload goes through untouched; the destination ignores the
	// Destination field.
	b.service.CallAsyncTimeout(methodDeliverCall, owner, payload, forwardTimeout, respond)
}

func (b *Broker) handleEmit(peer ipc.PeerID, payload []byte) {
	var req emitRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logger.Error("malformed-emit", err, lager.Data{"peer": peer})
		return
	}

	delivery, err := json.Marshal(deliverSignal{
		SenderNames: b.namesOf(peer),
		ObjectPath:  req.ObjectPath,
		Interface:   req.Interface,
		Member:      req.Member,
		Args:        req.Args,
	})
	if err != nil {
		b.logger.Error("marshal-signal", err)
		return
	}

	b.service.Signal(methodDeliverSignal, delivery)
}

func (b *Broker) namesOf(peer ipc.PeerID) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var names []string
	for name, owner := range b.names {
		if owner == peer {
			names = append(names, name)
		}
	}
	return names
}

func (b *Broker) handleRemovedPeer(peer ipc.PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, owner := range b.names {
		if owner == peer {
			delete(b.names, name)
			b.logger.Debug("name-released", lager.Data{"name": name, "peer": peer})
		}
	}
}
