package ipc

import (
	"fmt"
	"net"
	"os"
	"sync"

	"code.cloudfoundry.org/lager/v3"
)

// acceptor owns the listening socket. It blocks in Accept and hands every
// new connection to the processor.
type acceptor struct {
	logger lager.Logger

	socketPath string
	processor  *processor

	listener net.Listener
	wg       sync.WaitGroup
}

func newAcceptor(logger lager.Logger, socketPath string, processor *processor) *acceptor {
	return &acceptor{
		logger:     logger.Session("acceptor"),
		socketPath: socketPath,
		processor:  processor,
	}
}

func (a *acceptor) start() error {
	if err := a.removeExistingSocket(); err != nil {
		return err
	}

	listener, err := net.Listen("unix", a.socketPath)
	if err != nil {
		return err
	}
	a.listener = listener

	os.Chmod(a.socketPath, 0777)

	a.wg.Add(1)
	go a.acceptLoop()

	return nil
}

func (a *acceptor) stop() {
	if a.listener == nil {
		return
	}
	a.listener.Close()
	a.wg.Wait()
	a.listener = nil
}

func (a *acceptor) acceptLoop() {
	defer a.wg.Done()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return
		}

		if _, err := a.processor.addConn(conn); err != nil {
			conn.Close()
			return
		}
	}
}

func (a *acceptor) removeExistingSocket() error {
	if _, err := os.Stat(a.socketPath); os.IsNotExist(err) {
		return nil
	}

	if err := os.Remove(a.socketPath); err != nil {
		return fmt.Errorf("error deleting existing socket: %s", err)
	}

	return nil
}
