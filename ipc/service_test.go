package ipc_test

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/lager/v3/lagertest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zonekeeper/zonekeeper/ipc"
)

var _ = Describe("Service", func() {
	var (
		logger     lager.Logger
		socketPath string
		service    *ipc.Service
	)

	const (
		methodEcho  ipc.MethodID = 1
		methodBoom  ipc.MethodID = 2
		methodPanic ipc.MethodID = 3
		methodSlow  ipc.MethodID = 4
		signalPing  ipc.MethodID = 10
	)

	BeforeEach(func() {
		logger = lagertest.NewTestLogger("ipc")

		tmpdir, err := os.MkdirTemp("", "ipc-test")
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(os.RemoveAll, tmpdir)

		socketPath = filepath.Join(tmpdir, "ipc.sock")
		service = ipc.NewService(logger, socketPath)

		service.AddMethodHandler(methodEcho, func(peer ipc.PeerID, payload []byte) ([]byte, error) {
			return payload, nil
		})
		service.AddMethodHandler(methodBoom, func(peer ipc.PeerID, payload []byte) ([]byte, error) {
			return nil, errors.New("kaboom")
		})
		service.AddMethodHandler(methodPanic, func(peer ipc.PeerID, payload []byte) ([]byte, error) {
			panic("blew up")
		})
		service.AddAsyncMethodHandler(methodSlow, func(peer ipc.PeerID, payload []byte, respond ipc.Responder) {
			// never responds
		})

		Expect(service.Start()).To(Succeed())
		DeferCleanup(service.Stop)
	})

	It("listens on the socket and chmods it to 0777", func() {
		stat, err := os.Stat(socketPath)
		Expect(err).ToNot(HaveOccurred())
		Expect(int(stat.Mode() & 0777)).To(Equal(0777))
	})

	It("deletes a stale socket file before listening", func() {
		service.Stop()

		Expect(os.WriteFile(socketPath, []byte("oops"), 0644)).To(Succeed())
		Expect(service.Start()).To(Succeed())
	})

	It("is idempotent to double start and double stop", func() {
		Expect(service.Start()).To(Succeed())
		service.Stop()
		service.Stop()
		Expect(service.Start()).To(Succeed())
	})

	Describe("method calls from a client", func() {
		var client *ipc.Client

		BeforeEach(func() {
			var err error
			client, err = ipc.Dial(logger, socketPath)
			Expect(err).ToNot(HaveOccurred())
			DeferCleanup(client.Close)
		})

		It("returns the handler's response", func() {
			reply, err := client.Call(methodEcho, []byte("hello"), time.Second)
			Expect(err).ToNot(HaveOccurred())
			Expect(reply).To(Equal([]byte("hello")))
		})

		It("converts handler errors into error replies", func() {
			_, err := client.Call(methodBoom, nil, time.Second)
			Expect(ipc.IsCode(err, ipc.CodeHandlerError)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("kaboom"))
		})

		It("isolates a panicking handler and keeps serving", func() {
			_, err := client.Call(methodPanic, nil, time.Second)
			Expect(ipc.IsCode(err, ipc.CodeHandlerError)).To(BeTrue())

			reply, err := client.Call(methodEcho, []byte("still here"), time.Second)
			Expect(err).ToNot(HaveOccurred())
			Expect(reply).To(Equal([]byte("still here")))
		})

		It("rejects calls to unregistered methods", func() {
			_, err := client.Call(ipc.MethodID(999), nil, time.Second)
			Expect(ipc.IsCode(err, ipc.CodeUnknownMethod)).To(BeTrue())
		})

		It("stops serving a removed method", func() {
			service.RemoveMethod(methodEcho)

			_, err := client.Call(methodEcho, nil, time.Second)
			Expect(ipc.IsCode(err, ipc.CodeUnknownMethod)).To(BeTrue())
		})

		It("times out when the handler never responds", func() {
			_, err := client.Call(methodSlow, nil, 50*time.Millisecond)
			Expect(ipc.IsCode(err, ipc.CodeTimedOut)).To(BeTrue())
		})

		It("completes async calls on the processor goroutine", func() {
			results := make(chan []byte, 1)
			client.CallAsync(methodEcho, []byte("async"), func(payload []byte, err error) {
				Expect(err).ToNot(HaveOccurred())
				results <- payload
			})

			Eventually(results).Should(Receive(Equal([]byte("async"))))
		})
	})

	Describe("signals", func() {
		It("delivers broadcasts to subscribed peers", func() {
			subscribed, err := ipc.Dial(logger, socketPath)
			Expect(err).ToNot(HaveOccurred())
			DeferCleanup(subscribed.Close)

			// a peer that never subscribes; its presence must not break
			// the broadcast
			bystander, err := ipc.Dial(logger, socketPath)
			Expect(err).ToNot(HaveOccurred())
			DeferCleanup(bystander.Close)

			received := make(chan []byte, 1)
			Expect(subscribed.AddSignalHandler(signalPing, func(peer ipc.PeerID, payload []byte) {
				received <- payload
			}, time.Second)).To(Succeed())

			service.Signal(signalPing, []byte("ping"))

			Eventually(received).Should(Receive(Equal([]byte("ping"))))
		})

		It("routes client-raised signals to the service handler", func() {
			client, err := ipc.Dial(logger, socketPath)
			Expect(err).ToNot(HaveOccurred())
			DeferCleanup(client.Close)

			received := make(chan []byte, 1)
			service.AddSignalHandler(signalPing, func(peer ipc.PeerID, payload []byte) {
				received <- payload
			})

			client.Signal(signalPing, []byte("up"))

			Eventually(received).Should(Receive(Equal([]byte("up"))))
		})
	})

	Describe("cancellation", func() {
		It("fails outstanding service calls with SERVICE_STOPPED on stop", func() {
			peers := make(chan ipc.PeerID, 1)
			service.SetNewPeerCallback(func(peer ipc.PeerID) { peers <- peer })

			client, err := ipc.Dial(logger, socketPath)
			Expect(err).ToNot(HaveOccurred())
			DeferCleanup(client.Close)
			client.AddAsyncMethodHandler(methodSlow, func(peer ipc.PeerID, payload []byte, respond ipc.Responder) {
				// never responds
			})

			var peer ipc.PeerID
			Eventually(peers).Should(Receive(&peer))

			errs := make(chan error, 1)
			go func() {
				_, err := service.CallSync(methodSlow, peer, nil, 0)
				errs <- err
			}()

			// let the call get registered before stopping
			time.Sleep(50 * time.Millisecond)
			service.Stop()

			var callErr error
			Eventually(errs).Should(Receive(&callErr))
			Expect(ipc.IsCode(callErr, ipc.CodeServiceStopped)).To(BeTrue())
		})

		It("fails outstanding calls with PEER_DISCONNECTED when the peer goes away", func() {
			peers := make(chan ipc.PeerID, 1)
			service.SetNewPeerCallback(func(peer ipc.PeerID) { peers <- peer })

			client, err := ipc.Dial(logger, socketPath)
			Expect(err).ToNot(HaveOccurred())
			client.AddAsyncMethodHandler(methodSlow, func(peer ipc.PeerID, payload []byte, respond ipc.Responder) {
				// never responds
			})

			var peer ipc.PeerID
			Eventually(peers).Should(Receive(&peer))

			errs := make(chan error, 1)
			go func() {
				_, err := service.CallSync(methodSlow, peer, nil, 0)
				errs <- err
			}()

			time.Sleep(50 * time.Millisecond)
			client.Close()

			var callErr error
			Eventually(errs).Should(Receive(&callErr))
			Expect(ipc.IsCode(callErr, ipc.CodePeerDisconnected)).To(BeTrue())
		})

		It("invokes the removed-peer callback on disconnect", func() {
			removed := make(chan ipc.PeerID, 1)
			service.SetRemovedPeerCallback(func(peer ipc.PeerID) { removed <- peer })

			client, err := ipc.Dial(logger, socketPath)
			Expect(err).ToNot(HaveOccurred())
			client.Close()

			Eventually(removed).Should(Receive())
		})
	})
})
