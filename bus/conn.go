package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/lager/v3"

	"github.com/zonekeeper/zonekeeper/ipc"
)

const defaultCallTimeout = 30 * time.Second

type exportKey struct {
	objectPath string
	iface      string
	method     string
}

type subscription struct {
	iface   string
	member  string
	sender  string
	handler SignalFunc
}

// Conn is one peer's connection to a bus.
type Conn struct {
	logger lager.Logger

	address string
	client  *ipc.Client

	mu         sync.Mutex
	names      []string
	exports    map[exportKey]MethodFunc
	subs       []subscription
	subscribed bool
	onNameLost func(name string)
}

// Dial connects to the broker at the given bus address.
func Dial(logger lager.Logger, address string) (*Conn, error) {
	socketPath, err := SocketPath(address)
	if err != nil {
		return nil, err
	}

	logger = logger.Session("bus-conn", lager.Data{"address": address})

	client, err := ipc.Dial(logger, socketPath)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		logger:  logger,
		address: address,
		client:  client,
		exports: make(map[exportKey]MethodFunc),
	}

	client.AddAsyncMethodHandler(methodDeliverCall, c.handleDeliverCall)
	client.SetDisconnectedCallback(c.handleDisconnected)

	return c, nil
}

// Close disconnects from the broker, releasing held names.
func (c *Conn) Close() {
	c.client.Close()
}

// Address returns the bus address this connection dialed.
func (c *Conn) Address() string {
	return c.address
}

// AcquireName claims a well-known name on the bus. Names are exclusive;
// they are released when the connection goes away.
func (c *Conn) AcquireName(name string) error {
	payload, err := json.Marshal(acquireNameRequest{Name: name})
	if err != nil {
		return err
	}

	if _, err := c.client.Call(methodAcquireName, payload, defaultCallTimeout); err != nil {
		return decodeBusError(err)
	}

	c.mu.Lock()
	c.names = append(c.names, name)
	c.mu.Unlock()
	return nil
}

// SetNameLostCallback installs the hook fired once per held name when
// the connection to the broker is lost.
func (c *Conn) SetNameLostCallback(cb func(name string)) {
	c.mu.Lock()
	c.onNameLost = cb
	c.mu.Unlock()
}

// Export registers handlers for the methods of one interface on one
// object path. Handlers run on their own goroutines and may block.
func (c *Conn) Export(objectPath, iface string, methods map[string]MethodFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for method, handler := range methods {
		c.exports[exportKey{objectPath, iface, method}] = handler
	}
}

// Call invokes a method on the peer owning dest and decodes the JSON
// reply into result when result is non-nil.
func (c *Conn) Call(dest, objectPath, iface, method string, args, result interface{}, timeout time.Duration) error {
	payload, err := marshalCall(dest, objectPath, iface, method, args)
	if err != nil {
		return err
	}

	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	reply, err := c.client.Call(methodCall, payload, timeout)
	if err != nil {
		return decodeBusError(err)
	}

	if result == nil || len(reply) == 0 {
		return nil
	}
	return json.Unmarshal(reply, result)
}

// CallAsync invokes a method and returns immediately; onResult fires
// with the raw reply or the decoded error.
func (c *Conn) CallAsync(dest, objectPath, iface, method string, args interface{}, onResult func(json.RawMessage, error)) {
	payload, err := marshalCall(dest, objectPath, iface, method, args)
	if err != nil {
		onResult(nil, err)
		return
	}

	c.client.CallAsyncTimeout(methodCall, payload, defaultCallTimeout, func(reply []byte, err error) {
		if err != nil {
			onResult(nil, decodeBusError(err))
			return
		}
		onResult(json.RawMessage(reply), nil)
	})
}

func marshalCall(dest, objectPath, iface, method string, args interface{}) ([]byte, error) {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}

	return json.Marshal(callRequest{
		Destination: dest,
		ObjectPath:  objectPath,
		Interface:   iface,
		Method:      method,
		Args:        rawArgs,
	})
}

// Emit broadcasts a signal. Every subscribed peer receives it together
// with the well-known names this connection holds.
func (c *Conn) Emit(objectPath, iface, member string, args interface{}) error {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(emitRequest{
		ObjectPath: objectPath,
		Interface:  iface,
		Member:     member,
		Args:       rawArgs,
	})
	if err != nil {
		return err
	}

	c.client.Signal(methodEmit, payload)
	return nil
}

// Subscribe delivers signals matching iface and member to handler. A
// non-empty sender restricts delivery to signals emitted by the peer
// holding that well-known name; spoofed emissions from peers without the
// name never reach the handler.
func (c *Conn) Subscribe(iface, member, sender string, handler SignalFunc) error {
	c.mu.Lock()
	c.subs = append(c.subs, subscription{iface: iface, member: member, sender: sender, handler: handler})
	alreadySubscribed := c.subscribed
	c.subscribed = true
	c.mu.Unlock()

	if alreadySubscribed {
		return nil
	}
	return c.client.AddSignalHandler(methodDeliverSignal, c.handleDeliverSignal, defaultCallTimeout)
}

func (c *Conn) handleDeliverCall(_ ipc.PeerID, payload []byte, respond ipc.Responder) {
	var req callRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		respond(nil, err)
		return
	}

	c.mu.Lock()
	handler, ok := c.exports[exportKey{req.ObjectPath, req.Interface, req.Method}]
	c.mu.Unlock()

	if !ok {
		respond(nil, fmt.Errorf("no such method: %s %s.%s", req.ObjectPath, req.Interface, req.Method))
		return
	}

	// Handlers may block on other bus traffic; never run them on the
	// processor goroutine.
	go handler(req.Args, &responderResult{respond: respond})
}

func (c *Conn) handleDeliverSignal(_ ipc.PeerID, payload []byte) {
	var sig deliverSignal
	if err := json.Unmarshal(payload, &sig); err != nil {
		c.logger.Error("malformed-signal", err)
		return
	}

	c.mu.Lock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, sub := range subs {
		if sub.iface != "" && sub.iface != sig.Interface {
			continue
		}
		if sub.member != "" && sub.member != sig.Member {
			continue
		}
		if sub.sender != "" && !containsName(sig.SenderNames, sub.sender) {
			continue
		}
		go sub.handler(sig.SenderNames, sig.Args)
	}
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func (c *Conn) handleDisconnected() {
	c.mu.Lock()
	names := c.names
	c.names = nil
	cb := c.onNameLost
	c.mu.Unlock()

	if cb == nil {
		return
	}
	for _, name := range names {
		cb(name)
	}
}
