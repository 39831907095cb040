package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"code.cloudfoundry.org/lager/v3"
)

// methodSubscribe is the reserved method id a peer calls to subscribe to
// signal ids. The processor answers it itself.
const methodSubscribe MethodID = 0xFFFFFFFF

type subscribeRequest struct {
	IDs []MethodID
}

// Processor is the single-threaded event loop at the core of both
// Service and Client. It owns every per-peer datum: sockets, signal
// subscriptions and the pending-reply table. All mutation happens on the
// loop goroutine; other goroutines communicate through the event
// channel.
type processor struct {
	logger lager.Logger

	queue *eventQueue
	done  chan struct{}

	// Owned by the loop goroutine.
	peers   map[PeerID]*peer
	pending map[MessageID]*pendingCall

	// Handler tables are written from caller threads and read on the
	// loop; the mutex covers only table access, never a handler run.
	mu            sync.Mutex
	methods       map[MethodID]methodEntry
	signals       map[MethodID]SignalHandler
	newPeerCB     PeerCallback
	removedPeerCB PeerCallback
}

type methodEntry struct {
	sync  MethodHandler
	async AsyncMethodHandler
}

type peer struct {
	id   PeerID
	conn net.Conn
	subs map[MethodID]struct{}
}

type pendingCall struct {
	peer     PeerID
	done     chan struct{}
	result   []byte
	err      error
	onResult func([]byte, error)
}

func (c *pendingCall) complete(result []byte, err error) {
	c.result = result
	c.err = err
	if c.onResult != nil {
		c.onResult(result, err)
	}
	close(c.done)
}

type eventKind int

const (
	evAddPeer eventKind = iota + 1
	evFrame
	evPeerGone
	evCall
	evRespond
	evEmit
	evBroadcast
	evTimeout
	evStop
)

type event struct {
	kind eventKind

	conn      net.Conn
	peerID    PeerID
	frame     Frame
	err       error
	methodID  MethodID
	messageID MessageID
	payload   []byte
	call      *pendingCall
	isError   bool
	errCode   Code
	errReason string
	reply     chan PeerID
}

// eventQueue is an unbounded FIFO. Handlers running on the loop
// goroutine post events themselves (responders, forwarded calls), so
// posting must never block.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []event
	closed bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue) push(e event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, e)
	q.cond.Signal()
	return true
}

func (q *eventQueue) pop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return event{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func newProcessor(logger lager.Logger) *processor {
	return &processor{
		logger:  logger.Session("processor"),
		queue:   newEventQueue(),
		done:    make(chan struct{}),
		peers:   make(map[PeerID]*peer),
		pending: make(map[MessageID]*pendingCall),
		methods: make(map[MethodID]methodEntry),
		signals: make(map[MethodID]SignalHandler),
	}
}

func (p *processor) start() {
	// A loop that has already run closed its queue and done channel on
	// exit; a restart after stop gets fresh ones.
	select {
	case <-p.done:
		p.queue = newEventQueue()
		p.done = make(chan struct{})
	default:
	}
	go p.loop()
}

// post delivers an event to the loop unless the loop has already exited.
// Never blocks, so it is safe from handlers running on the loop itself.
func (p *processor) post(e event) bool {
	return p.queue.push(e)
}

func (p *processor) stop() {
	if p.post(event{kind: evStop}) {
		<-p.done
	}
}

// addConn hands a fresh connection to the loop and returns its peer id.
func (p *processor) addConn(conn net.Conn) (PeerID, error) {
	reply := make(chan PeerID, 1)
	if !p.post(event{kind: evAddPeer, conn: conn, reply: reply}) {
		conn.Close()
		return 0, &CallError{Code: CodeServiceStopped}
	}

	select {
	case id := <-reply:
		return id, nil
	case <-p.done:
		return 0, &CallError{Code: CodeServiceStopped}
	}
}

func (p *processor) addMethod(id MethodID, h MethodHandler) {
	p.mu.Lock()
	p.methods[id] = methodEntry{sync: h}
	p.mu.Unlock()
}

func (p *processor) addAsyncMethod(id MethodID, h AsyncMethodHandler) {
	p.mu.Lock()
	p.methods[id] = methodEntry{async: h}
	p.mu.Unlock()
}

func (p *processor) removeMethod(id MethodID) {
	p.mu.Lock()
	delete(p.methods, id)
	p.mu.Unlock()
}

func (p *processor) addSignal(id MethodID, h SignalHandler) {
	p.mu.Lock()
	p.signals[id] = h
	p.mu.Unlock()
}

func (p *processor) setNewPeerCallback(cb PeerCallback) {
	p.mu.Lock()
	p.newPeerCB = cb
	p.mu.Unlock()
}

func (p *processor) setRemovedPeerCallback(cb PeerCallback) {
	p.mu.Lock()
	p.removedPeerCB = cb
	p.mu.Unlock()
}

// callSync blocks the calling goroutine until the reply, the timeout or
// the peer's death. The loop goroutine is never blocked.
func (p *processor) callSync(id MethodID, peerID PeerID, payload []byte, timeout time.Duration) ([]byte, error) {
	call := &pendingCall{peer: peerID, done: make(chan struct{})}

	if !p.post(event{
		kind:     evCall,
		methodID: id,
		peerID:   peerID,
		payload:  payload,
		call:     call,
	}) {
		return nil, &CallError{Code: CodeServiceStopped}
	}

	p.armTimeout(call, timeout)

	<-call.done
	return call.result, call.err
}

// callAsync registers onResult and returns immediately; onResult runs on
// the loop goroutine.
func (p *processor) callAsync(id MethodID, peerID PeerID, payload []byte, onResult func([]byte, error)) {
	call := &pendingCall{peer: peerID, done: make(chan struct{}), onResult: onResult}

	if !p.post(event{
		kind:     evCall,
		methodID: id,
		peerID:   peerID,
		payload:  payload,
		call:     call,
	}) {
		onResult(nil, &CallError{Code: CodeServiceStopped})
	}
}

func (p *processor) callAsyncTimeout(id MethodID, peerID PeerID, payload []byte, timeout time.Duration, onResult func([]byte, error)) {
	call := &pendingCall{peer: peerID, done: make(chan struct{}), onResult: onResult}

	if !p.post(event{
		kind:     evCall,
		methodID: id,
		peerID:   peerID,
		payload:  payload,
		call:     call,
	}) {
		onResult(nil, &CallError{Code: CodeServiceStopped})
		return
	}

	p.armTimeout(call, timeout)
}

// armTimeout schedules a timeout event for the call. It must run after
// the call's evCall was posted so the queue orders them correctly. A
// timer firing after completion is a no-op: the call is no longer
// pending.
func (p *processor) armTimeout(call *pendingCall, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	time.AfterFunc(timeout, func() {
		p.post(event{kind: evTimeout, call: call})
	})
}

// broadcast sends a signal frame to every peer subscribed to id.
func (p *processor) broadcast(id MethodID, payload []byte) {
	p.post(event{kind: evBroadcast, methodID: id, payload: payload})
}

// emit sends a signal frame to one specific peer regardless of
// subscriptions. The client side uses it to raise signals at its
// service.
func (p *processor) emit(peerID PeerID, id MethodID, payload []byte) {
	p.post(event{kind: evEmit, peerID: peerID, methodID: id, payload: payload})
}

func (p *processor) respond(peerID PeerID, messageID MessageID, methodID MethodID, payload []byte, callErr error) {
	e := event{
		kind:      evRespond,
		peerID:    peerID,
		messageID: messageID,
		methodID:  methodID,
		payload:   payload,
	}
	if callErr != nil {
		e.isError = true
		e.errCode = CodeHandlerError
		e.errReason = callErr.Error()
		if ce, ok := callErr.(*CallError); ok {
			e.errCode = ce.Code
			e.errReason = ce.Reason
		}
	}
	p.post(e)
}

func (p *processor) loop() {
	defer close(p.done)
	defer p.queue.close()

	for {
		e, ok := p.queue.pop()
		if !ok {
			return
		}

		switch e.kind {
		case evAddPeer:
			p.handleAddPeer(e)
		case evFrame:
			p.handleFrame(e)
		case evPeerGone:
			p.handlePeerGone(e.peerID, e.err)
		case evCall:
			p.handleCall(e)
		case evRespond:
			p.handleRespond(e)
		case evEmit:
			p.handleEmit(e)
		case evBroadcast:
			p.handleBroadcast(e)
		case evTimeout:
			p.handleTimeout(e.call)
		case evStop:
			p.handleStop()
			return
		}
	}
}

func (p *processor) handleAddPeer(e event) {
	pr := &peer{
		id:   NextPeerID(),
		conn: e.conn,
		subs: make(map[MethodID]struct{}),
	}
	p.peers[pr.id] = pr

	p.logger.Debug("peer-added", lager.Data{"peer": pr.id})

	go p.readLoop(pr)

	if e.reply != nil {
		e.reply <- pr.id
	}

	if cb := p.callback(&p.newPeerCB); cb != nil {
		cb(pr.id)
	}
}

func (p *processor) callback(field *PeerCallback) PeerCallback {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *field
}

func (p *processor) readLoop(pr *peer) {
	for {
		frame, err := ReadFrame(pr.conn)
		if err != nil {
			p.post(event{kind: evPeerGone, peerID: pr.id, err: err})
			return
		}

		if !p.post(event{kind: evFrame, peerID: pr.id, frame: frame}) {
			return
		}
	}
}

func (p *processor) handleFrame(e event) {
	pr, ok := p.peers[e.peerID]
	if !ok {
		return
	}

	switch e.frame.Kind {
	case KindRequest:
		p.handleRequest(pr, e.frame)
	case KindResponse:
		p.completePending(e.frame.MessageID, e.frame.Payload, nil)
	case KindError:
		code, reason, err := DecodeError(e.frame.Payload)
		if err != nil {
			p.handlePeerGone(pr.id, err)
			return
		}
		p.completePending(e.frame.MessageID, nil, &CallError{Code: code, Reason: reason})
	case KindSignal:
		p.handleSignal(pr, e.frame)
	}
}

func (p *processor) handleRequest(pr *peer, frame Frame) {
	if frame.MethodID == methodSubscribe {
		p.handleSubscribe(pr, frame)
		return
	}

	p.mu.Lock()
	entry, ok := p.methods[frame.MethodID]
	p.mu.Unlock()

	if !ok {
		p.writeFrame(pr, Frame{
			MessageID: frame.MessageID,
			MethodID:  frame.MethodID,
			Kind:      KindError,
			Payload:   EncodeError(CodeUnknownMethod, fmt.Sprintf("no handler for method %d", frame.MethodID)),
		})
		return
	}

	if entry.async != nil {
		peerID, messageID, methodID := pr.id, frame.MessageID, frame.MethodID
		var once sync.Once
		respond := func(payload []byte, err error) {
			once.Do(func() {
				p.respond(peerID, messageID, methodID, payload, err)
			})
		}

		func() {
			defer p.recoverHandler(respond)
			entry.async(pr.id, frame.Payload, respond)
		}()
		return
	}

	result, err := p.runHandler(entry.sync, pr.id, frame.Payload)
	reply := Frame{MessageID: frame.MessageID, MethodID: frame.MethodID}
	if err != nil {
		reply.Kind = KindError
		code, reason := CodeHandlerError, err.Error()
		if ce, ok := err.(*CallError); ok {
			code, reason = ce.Code, ce.Reason
		}
		reply.Payload = EncodeError(code, reason)
	} else {
		reply.Kind = KindResponse
		reply.Payload = result
	}
	p.writeFrame(pr, reply)
}

func (p *processor) handleSubscribe(pr *peer, frame Frame) {
	var req subscribeRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		p.handlePeerGone(pr.id, fmt.Errorf("%w: bad subscribe payload", ErrFraming))
		return
	}

	for _, id := range req.IDs {
		pr.subs[id] = struct{}{}
	}

	p.writeFrame(pr, Frame{
		MessageID: frame.MessageID,
		MethodID:  frame.MethodID,
		Kind:      KindResponse,
	})
}

// runHandler isolates handler panics: the peer gets HANDLER_ERROR and the
// loop continues.
func (p *processor) runHandler(h MethodHandler, peerID PeerID, payload []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler-panicked", fmt.Errorf("%v", r))
			err = &CallError{Code: CodeHandlerError, Reason: fmt.Sprintf("%v", r)}
		}
	}()
	return h(peerID, payload)
}

func (p *processor) recoverHandler(respond Responder) {
	if r := recover(); r != nil {
		p.logger.Error("handler-panicked", fmt.Errorf("%v", r))
		respond(nil, &CallError{Code: CodeHandlerError, Reason: fmt.Sprintf("%v", r)})
	}
}

func (p *processor) handleSignal(pr *peer, frame Frame) {
	p.mu.Lock()
	h, ok := p.signals[frame.MethodID]
	p.mu.Unlock()

	if !ok {
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("signal-handler-panicked", fmt.Errorf("%v", r))
			}
		}()
		h(pr.id, frame.Payload)
	}()
}

func (p *processor) completePending(id MessageID, result []byte, err error) {
	call, ok := p.pending[id]
	if !ok {
		// Late reply after timeout or cancellation; discard.
		return
	}
	delete(p.pending, id)
	call.complete(result, err)
}

func (p *processor) handleCall(e event) {
	pr, ok := p.peers[e.peerID]
	if !ok {
		e.call.complete(nil, &CallError{Code: CodePeerDisconnected})
		return
	}

	messageID := NextMessageID()
	if !p.writeFrame(pr, Frame{
		MessageID: messageID,
		MethodID:  e.methodID,
		Kind:      KindRequest,
		Payload:   e.payload,
	}) {
		e.call.complete(nil, &CallError{Code: CodePeerDisconnected})
		return
	}

	p.pending[messageID] = e.call
}

func (p *processor) handleRespond(e event) {
	pr, ok := p.peers[e.peerID]
	if !ok {
		return
	}

	reply := Frame{MessageID: e.messageID, MethodID: e.methodID}
	if e.isError {
		reply.Kind = KindError
		reply.Payload = EncodeError(e.errCode, e.errReason)
	} else {
		reply.Kind = KindResponse
		reply.Payload = e.payload
	}
	p.writeFrame(pr, reply)
}

func (p *processor) handleEmit(e event) {
	pr, ok := p.peers[e.peerID]
	if !ok {
		return
	}
	p.writeFrame(pr, Frame{
		MessageID: NextMessageID(),
		MethodID:  e.methodID,
		Kind:      KindSignal,
		Payload:   e.payload,
	})
}

func (p *processor) handleBroadcast(e event) {
	for _, pr := range p.peers {
		if _, ok := pr.subs[e.methodID]; !ok {
			continue
		}
		p.writeFrame(pr, Frame{
			MessageID: NextMessageID(),
			MethodID:  e.methodID,
			Kind:      KindSignal,
			Payload:   e.payload,
		})
	}
}

func (p *processor) handleTimeout(call *pendingCall) {
	for id, pending := range p.pending {
		if pending == call {
			delete(p.pending, id)
			call.complete(nil, &CallError{Code: CodeTimedOut})
			return
		}
	}
}

// writeFrame writes on the loop goroutine. A write failure declares the
// peer gone.
func (p *processor) writeFrame(pr *peer, f Frame) bool {
	if err := WriteFrame(pr.conn, f); err != nil {
		p.handlePeerGone(pr.id, err)
		return false
	}
	return true
}

func (p *processor) handlePeerGone(id PeerID, cause error) {
	pr, ok := p.peers[id]
	if !ok {
		return
	}
	delete(p.peers, id)
	pr.conn.Close()

	p.logger.Debug("peer-removed", lager.Data{"peer": id, "cause": fmt.Sprintf("%v", cause)})

	for messageID, call := range p.pending {
		if call.peer == id {
			delete(p.pending, messageID)
			call.complete(nil, &CallError{Code: CodePeerDisconnected})
		}
	}

	if cb := p.callback(&p.removedPeerCB); cb != nil {
		cb(id)
	}
}

func (p *processor) handleStop() {
	for messageID, call := range p.pending {
		delete(p.pending, messageID)
		call.complete(nil, &CallError{Code: CodeServiceStopped})
	}

	for id, pr := range p.peers {
		delete(p.peers, id)
		pr.conn.Close()
		if cb := p.callback(&p.removedPeerCB); cb != nil {
			cb(id)
		}
	}
}
