package ipc

import (
	"sync"
	"time"

	"code.cloudfoundry.org/lager/v3"
)

// Service is a unix-domain socket server multiplexing typed
// request/response and signal traffic over any number of peers.
//
// Two cooperating workers do all the work: the Acceptor blocks in accept
// and hands new peers over, the Processor is a single-threaded event loop
// owning all per-peer state. Method and signal handlers run on the
// Processor goroutine and must not synchronously wait for work serviced
// by that same goroutine; use the asynchronous paths for anything that
// depends on another peer's reply.
type Service struct {
	logger lager.Logger

	processor *processor
	acceptor  *acceptor

	mu      sync.Mutex
	started bool
}

func NewService(logger lager.Logger, socketPath string) *Service {
	logger = logger.Session("ipc-service", lager.Data{"socket": socketPath})
	processor := newProcessor(logger)

	return &Service{
		logger:    logger,
		processor: processor,
		acceptor:  newAcceptor(logger, socketPath, processor),
	}
}

// Start launches both workers. Idempotent.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	s.processor.start()
	if err := s.acceptor.start(); err != nil {
		s.processor.stop()
		return err
	}

	s.started = true
	s.logger.Info("started")
	return nil
}

// Stop closes the listener, fails every outstanding synchronous call
// with SERVICE_STOPPED and closes all peers. Idempotent.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	s.acceptor.stop()
	s.processor.stop()

	s.started = false
	s.logger.Info("stopped")
}

// IsStarted reports whether the workers are running.
func (s *Service) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// AddMethodHandler registers a request/response handler for a method id.
func (s *Service) AddMethodHandler(id MethodID, h MethodHandler) {
	s.processor.addMethod(id, h)
}

// AddAsyncMethodHandler registers a handler that completes its request
// through a Responder, possibly from another goroutine.
func (s *Service) AddAsyncMethodHandler(id MethodID, h AsyncMethodHandler) {
	s.processor.addAsyncMethod(id, h)
}

// RemoveMethod unregisters a method handler.
func (s *Service) RemoveMethod(id MethodID) {
	s.processor.removeMethod(id)
}

// AddSignalHandler registers a fire-and-forget handler for signals
// raised by peers.
func (s *Service) AddSignalHandler(id MethodID, h SignalHandler) {
	s.processor.addSignal(id, h)
}

// CallSync invokes a method on a specific peer and blocks until the
// reply, the timeout or the peer's death.
func (s *Service) CallSync(id MethodID, peer PeerID, payload []byte, timeout time.Duration) ([]byte, error) {
	return s.processor.callSync(id, peer, payload, timeout)
}

// CallAsync invokes a method on a specific peer; onResult runs on the
// Processor goroutine with either the payload or an error.
func (s *Service) CallAsync(id MethodID, peer PeerID, payload []byte, onResult func([]byte, error)) {
	s.processor.callAsync(id, peer, payload, onResult)
}

// CallAsyncTimeout is CallAsync with a deadline.
func (s *Service) CallAsyncTimeout(id MethodID, peer PeerID, payload []byte, timeout time.Duration, onResult func([]byte, error)) {
	s.processor.callAsyncTimeout(id, peer, payload, timeout, onResult)
}

// Signal enqueues a one-way signal to every peer subscribed to id.
func (s *Service) Signal(id MethodID, payload []byte) {
	s.processor.broadcast(id, payload)
}

// SignalPeer sends a one-way signal to a single peer regardless of its
// subscriptions.
func (s *Service) SignalPeer(id MethodID, peer PeerID, payload []byte) {
	s.processor.emit(peer, id, payload)
}

// SetNewPeerCallback installs the hook fired for every accepted peer.
// The hook runs on the Processor goroutine.
func (s *Service) SetNewPeerCallback(cb PeerCallback) {
	s.processor.setNewPeerCallback(cb)
}

// SetRemovedPeerCallback installs the hook fired when a peer is removed,
// on disconnect or on Stop.
func (s *Service) SetRemovedPeerCallback(cb PeerCallback) {
	s.processor.setRemovedPeerCallback(cb)
}
