package zone_test

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/lager/v3/lagertest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zonekeeper/zonekeeper"
	"github.com/zonekeeper/zonekeeper/bus"
	"github.com/zonekeeper/zonekeeper/config"
	"github.com/zonekeeper/zonekeeper/zone"
	"github.com/zonekeeper/zonekeeper/zone/zonefakes"
)

type notifyEvent struct {
	Caller      string
	Application string
	Message     string
}

type busStateEvent struct {
	Caller  string
	Address string
}

// recordingCallbacks is a test double for the manager capability.
type recordingCallbacks struct {
	mu          sync.Mutex
	notified    []notifyEvent
	displayOffs []string
	busStates   []busStateEvent
}

func (r *recordingCallbacks) OnNotifyActiveZone(caller, application, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, notifyEvent{caller, application, message})
}

func (r *recordingCallbacks) OnDisplayOff(caller string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.displayOffs = append(r.displayOffs, caller)
}

func (r *recordingCallbacks) OnFileMoveRequest(caller, destination, path string, result bus.Result) {
	result.Set(zonekeeper.FileMoveResponse{Result: zonekeeper.FileMoveSucceeded})
}

func (r *recordingCallbacks) OnProxyCall(caller, target, busName, objectPath, iface, method string, args json.RawMessage, result bus.Result) {
	result.Set("proxied")
}

func (r *recordingCallbacks) OnBusStateChanged(caller, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busStates = append(r.busStates, busStateEvent{caller, address})
}

func (r *recordingCallbacks) Notified() []notifyEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifyEvent(nil), r.notified...)
}

func (r *recordingCallbacks) DisplayOffs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.displayOffs...)
}

func (r *recordingCallbacks) BusStates() []busStateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]busStateEvent(nil), r.busStates...)
}

var _ = Describe("Zone", func() {
	var (
		logger    lager.Logger
		tmpdir    string
		runtime   *zonefakes.FakeRuntime
		callbacks *recordingCallbacks
		z         *zone.Zone
	)

	newZone := func(cfg config.ZoneConfig) *zone.Zone {
		built, err := zone.New(logger, cfg, runtime)
		Expect(err).ToNot(HaveOccurred())
		built.SetCallbacks(callbacks)
		return built
	}

	BeforeEach(func() {
		logger = lagertest.NewTestLogger("zone")

		var err error
		tmpdir, err = os.MkdirTemp("", "zone-test")
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(os.RemoveAll, tmpdir)

		runtime = zonefakes.New(logger, "z1", tmpdir)
		callbacks = &recordingCallbacks{}
		z = newZone(config.ZoneConfig{
			ID:              "z1",
			Privilege:       10,
			PermittedToSend: []string{"/tmp/.*"},
			PermittedToRecv: []string{"/tmp/.*"},
		})
		DeferCleanup(func() { z.Stop() })
	})

	It("rejects the reserved host id", func() {
		_, err := zone.New(logger, config.ZoneConfig{ID: "host"}, runtime)
		Expect(err).To(BeAssignableToTypeOf(zonekeeper.ConfigError{}))
	})

	It("rejects an empty id", func() {
		_, err := zone.New(logger, config.ZoneConfig{}, runtime)
		Expect(err).To(BeAssignableToTypeOf(zonekeeper.ConfigError{}))
	})

	It("rejects malformed permission patterns", func() {
		_, err := zone.New(logger, config.ZoneConfig{ID: "bad", PermittedToSend: []string{"("}}, runtime)
		Expect(err).To(BeAssignableToTypeOf(zonekeeper.ConfigError{}))
	})

	Describe("lifecycle", func() {
		It("starts stopped and walks the start/stop transitions", func() {
			Expect(z.State()).To(Equal(zonekeeper.StateStopped))
			Expect(z.IsStopped()).To(BeTrue())

			Expect(z.Start()).To(Succeed())
			Expect(z.State()).To(Equal(zonekeeper.StateRunning))
			Expect(z.IsRunning()).To(BeTrue())

			Expect(z.Stop()).To(Succeed())
			Expect(z.State()).To(Equal(zonekeeper.StateStopped))
		})

		It("treats repeated starts as success without restarting", func() {
			Expect(z.Start()).To(Succeed())
			Expect(z.Start()).To(Succeed())
			Expect(runtime.StartCount).To(Equal(1))
		})

		It("reports a failed start and returns to stopped", func() {
			runtime.StartError = zonekeeper.NewError("no such rootfs")

			err := z.Start()
			Expect(err).To(BeAssignableToTypeOf(zonekeeper.ZoneOperationError{}))
			Expect(z.State()).To(Equal(zonekeeper.StateStopped))
		})

		It("locks and unlocks through the freezer", func() {
			Expect(z.Start()).To(Succeed())

			Expect(z.Lock()).To(Succeed())
			Expect(z.State()).To(Equal(zonekeeper.StateLocked))
			Expect(z.IsRunning()).To(BeTrue())
			Expect(runtime.Frozen()).To(BeTrue())

			Expect(z.Unlock()).To(Succeed())
			Expect(z.State()).To(Equal(zonekeeper.StateRunning))
			Expect(runtime.Frozen()).To(BeFalse())
		})

		It("refuses to lock a stopped zone", func() {
			err := z.Lock()
			Expect(err).To(BeAssignableToTypeOf(zonekeeper.InvalidStateError{}))
		})

		It("refuses to unlock a zone that is not locked", func() {
			Expect(z.Start()).To(Succeed())
			err := z.Unlock()
			Expect(err).To(BeAssignableToTypeOf(zonekeeper.InvalidStateError{}))
		})
	})

	Describe("foreground", func() {
		It("is idempotent in both directions", func() {
			Expect(z.Start()).To(Succeed())

			Expect(z.GoForeground()).To(Succeed())
			Expect(z.GoForeground()).To(Succeed())
			Expect(z.Foreground()).To(BeTrue())
			Expect(runtime.Foreground()).To(BeTrue())

			Expect(z.GoBackground()).To(Succeed())
			Expect(z.GoBackground()).To(Succeed())
			Expect(z.Foreground()).To(BeFalse())
			Expect(runtime.Foreground()).To(BeFalse())
		})
	})

	Describe("permissions", func() {
		It("matches paths against the full string", func() {
			Expect(z.PermittedToSend("/tmp/a")).To(BeTrue())
			Expect(z.PermittedToSend("/tmp/")).To(BeTrue())
			Expect(z.PermittedToSend("/etc/passwd")).To(BeFalse())
			Expect(z.PermittedToSend("x/tmp/a")).To(BeFalse())
		})
	})

	Describe("network operations", func() {
		It("are rejected while the zone is stopped", func() {
			err := z.CreateNetdevVeth("eth0", "veth-z1")
			Expect(err).To(Equal(zonekeeper.ZoneStoppedError{ID: "z1"}))

			_, err = z.NetdevList()
			Expect(err).To(Equal(zonekeeper.ZoneStoppedError{ID: "z1"}))
		})
	})

	Describe("device operations", func() {
		It("are rejected while the zone is stopped", func() {
			err := z.GrantDevice("/dev/null", zonekeeper.DeviceRead)
			Expect(err).To(Equal(zonekeeper.ZoneStoppedError{ID: "z1"}))
		})
	})

	Describe("bus state", func() {
		It("reports the address on start and its loss on stop", func() {
			Expect(z.Start()).To(Succeed())

			Expect(z.BusAddress()).ToNot(BeEmpty())
			states := callbacks.BusStates()
			Expect(states).To(HaveLen(1))
			Expect(states[0].Caller).To(Equal("z1"))
			Expect(states[0].Address).To(Equal(z.BusAddress()))

			address := z.BusAddress()
			Expect(z.Stop()).To(Succeed())
			Expect(z.BusAddress()).To(BeEmpty())

			states = callbacks.BusStates()
			Expect(states).To(HaveLen(2))
			Expect(states[1]).To(Equal(busStateEvent{Caller: "z1", Address: ""}))
			Expect(states[1].Address).ToNot(Equal(address))
		})
	})

	Describe("the zone endpoint", func() {
		var clientConn *bus.Conn

		BeforeEach(func() {
			Expect(z.Start()).To(Succeed())

			var err error
			clientConn, err = bus.Dial(logger, z.BusAddress())
			Expect(err).ToNot(HaveOccurred())
			DeferCleanup(clientConn.Close)
		})

		It("routes NotifyActiveContainer to the manager callback", func() {
			err := clientConn.Call(
				zonekeeper.ZoneBusName, zonekeeper.ZoneObjectPath, zonekeeper.ZoneInterface,
				zonekeeper.MethodNotifyActiveContainer,
				zonekeeper.NotifyActiveContainerArgs{Application: "testapp", Message: "testmessage"},
				nil, time.Second,
			)
			Expect(err).ToNot(HaveOccurred())

			Eventually(callbacks.Notified).Should(ConsistOf(
				notifyEvent{Caller: "z1", Application: "testapp", Message: "testmessage"},
			))
		})

		It("returns the manager's file-move result code", func() {
			var reply zonekeeper.FileMoveResponse
			err := clientConn.Call(
				zonekeeper.ZoneBusName, zonekeeper.ZoneObjectPath, zonekeeper.ZoneInterface,
				zonekeeper.MethodFileMoveRequest,
				zonekeeper.FileMoveRequestArgs{Destination: "z2", Path: "/tmp/a"},
				&reply, time.Second,
			)
			Expect(err).ToNot(HaveOccurred())
			Expect(reply.Result).To(Equal(zonekeeper.FileMoveSucceeded))
		})

		It("emits the Notification signal for SendNotification", func() {
			received := make(chan zonekeeper.NotificationSignal, 1)
			Expect(clientConn.Subscribe(zonekeeper.ZoneInterface, zonekeeper.SignalNotification, zonekeeper.ZoneBusName,
				func(senderNames []string, args json.RawMessage) {
					var sig zonekeeper.NotificationSignal
					Expect(json.Unmarshal(args, &sig)).To(Succeed())
					received <- sig
				})).To(Succeed())

			Expect(z.SendNotification("z2", "testapp", "testmessage")).To(Succeed())

			Eventually(received).Should(Receive(Equal(zonekeeper.NotificationSignal{
				Container:   "z2",
				Application: "testapp",
				Message:     "testmessage",
			})))
		})

		Describe("the display-off signal", func() {
			It("ignores senders without the power-manager name and honors the real one", func() {
				Expect(clientConn.Emit(
					zonekeeper.PowerObjectPath, zonekeeper.PowerInterface,
					zonekeeper.PowerSignalDisplayOff, nil,
				)).To(Succeed())

				Consistently(callbacks.DisplayOffs, time.Second).Should(BeEmpty())

				Expect(clientConn.AcquireName(zonekeeper.PowerBusName)).To(Succeed())
				Expect(clientConn.Emit(
					zonekeeper.PowerObjectPath, zonekeeper.PowerInterface,
					zonekeeper.PowerSignalDisplayOff, nil,
				)).To(Succeed())

				Eventually(callbacks.DisplayOffs, time.Second).Should(ConsistOf("z1"))
			})
		})
	})

	Describe("detach on exit", func() {
		It("leaves the zone running when closed detached", func() {
			Expect(z.Start()).To(Succeed())
			z.SetDetachOnExit()

			z.Close()

			running, err := runtime.IsRunning()
			Expect(err).ToNot(HaveOccurred())
			Expect(running).To(BeTrue())
		})

		It("stops the zone when closed attached", func() {
			Expect(z.Start()).To(Succeed())

			z.Close()

			running, err := runtime.IsRunning()
			Expect(err).ToNot(HaveOccurred())
			Expect(running).To(BeFalse())
		})
	})
})
