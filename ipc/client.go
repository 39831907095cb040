package ipc

import (
	"encoding/json"
	"net"
	"time"

	"code.cloudfoundry.org/lager/v3"
)

// Client is the peer side of a Service: one connection, the same frame
// protocol and the same processor loop with a single peer in it. The
// service can call methods on the client just as the client calls the
// service, so both directions register handlers the same way.
type Client struct {
	logger lager.Logger

	processor *processor
	peerID    PeerID
}

// Dial connects to the service at socketPath.
func Dial(logger lager.Logger, socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, err
	}

	logger = logger.Session("ipc-client", lager.Data{"socket": socketPath})

	processor := newProcessor(logger)
	processor.start()

	peerID, err := processor.addConn(conn)
	if err != nil {
		processor.stop()
		return nil, err
	}

	return &Client{
		logger:    logger,
		processor: processor,
		peerID:    peerID,
	}, nil
}

// Close tears the connection down and fails outstanding calls.
func (c *Client) Close() {
	c.processor.stop()
}

// Call invokes a method on the service and blocks for the reply.
func (c *Client) Call(id MethodID, payload []byte, timeout time.Duration) ([]byte, error) {
	return c.processor.callSync(id, c.peerID, payload, timeout)
}

// CallAsync invokes a method on the service; onResult runs on the
// client's processor goroutine.
func (c *Client) CallAsync(id MethodID, payload []byte, onResult func([]byte, error)) {
	c.processor.callAsync(id, c.peerID, payload, onResult)
}

// CallAsyncTimeout is CallAsync with a deadline.
func (c *Client) CallAsyncTimeout(id MethodID, payload []byte, timeout time.Duration, onResult func([]byte, error)) {
	c.processor.callAsyncTimeout(id, c.peerID, payload, timeout, onResult)
}

// Signal raises a one-way signal at the service.
func (c *Client) Signal(id MethodID, payload []byte) {
	c.processor.emit(c.peerID, id, payload)
}

// AddMethodHandler registers a handler for methods the service invokes
// on this client.
func (c *Client) AddMethodHandler(id MethodID, h MethodHandler) {
	c.processor.addMethod(id, h)
}

// AddAsyncMethodHandler registers a handler completing through a
// Responder.
func (c *Client) AddAsyncMethodHandler(id MethodID, h AsyncMethodHandler) {
	c.processor.addAsyncMethod(id, h)
}

// AddSignalHandler registers a handler for a signal id and subscribes to
// it at the service, so the service's broadcasts reach this peer.
func (c *Client) AddSignalHandler(id MethodID, h SignalHandler, timeout time.Duration) error {
	c.processor.addSignal(id, h)

	payload, err := json.Marshal(subscribeRequest{IDs: []MethodID{id}})
	if err != nil {
		return err
	}

	_, err = c.Call(methodSubscribe, payload, timeout)
	return err
}

// SetDisconnectedCallback installs a hook fired when the connection to
// the service is lost or the client is closed.
func (c *Client) SetDisconnectedCallback(cb func()) {
	c.processor.setRemovedPeerCallback(func(PeerID) { cb() })
}
