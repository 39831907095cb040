package bus_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/lager/v3/lagertest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zonekeeper/zonekeeper"
	"github.com/zonekeeper/zonekeeper/bus"
)

var _ = Describe("Bus", func() {
	var (
		logger lager.Logger
		broker *bus.Broker
	)

	dial := func() *bus.Conn {
		conn, err := bus.Dial(logger, broker.Address())
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(conn.Close)
		return conn
	}

	BeforeEach(func() {
		logger = lagertest.NewTestLogger("bus")

		tmpdir, err := os.MkdirTemp("", "bus-test")
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(os.RemoveAll, tmpdir)

		broker = bus.NewBroker(logger, filepath.Join(tmpdir, "bus.sock"))
		Expect(broker.Start()).To(Succeed())
		DeferCleanup(broker.Stop)
	})

	It("builds and parses addresses", func() {
		path, err := bus.SocketPath(bus.Address("/run/foo/bus.sock"))
		Expect(err).ToNot(HaveOccurred())
		Expect(path).To(Equal("/run/foo/bus.sock"))

		_, err = bus.SocketPath("tcp:host=nope")
		Expect(err).To(HaveOccurred())
	})

	Describe("well-known names", func() {
		It("grants a free name and rejects a taken one", func() {
			first := dial()
			second := dial()

			Expect(first.AcquireName("org.example.owner")).To(Succeed())
			Expect(second.AcquireName("org.example.owner")).To(HaveOccurred())
		})

		It("releases names when the owner disconnects", func() {
			first, err := bus.Dial(logger, broker.Address())
			Expect(err).ToNot(HaveOccurred())
			Expect(first.AcquireName("org.example.owner")).To(Succeed())
			first.Close()

			second := dial()
			Eventually(func() error {
				return second.AcquireName("org.example.owner")
			}).Should(Succeed())
		})
	})

	Describe("method calls", func() {
		type pingArgs struct {
			Word string
		}

		It("routes calls to the exported handler by name", func() {
			server := dial()
			Expect(server.AcquireName("org.example.svc")).To(Succeed())
			server.Export("/org/example", "org.example.svc.iface", map[string]bus.MethodFunc{
				"Ping": func(args json.RawMessage, result bus.Result) {
					var req pingArgs
					Expect(json.Unmarshal(args, &req)).To(Succeed())
					result.Set(req.Word + " pong")
				},
			})

			caller := dial()

			var reply string
			err := caller.Call("org.example.svc", "/org/example", "org.example.svc.iface", "Ping",
				pingArgs{Word: "ping"}, &reply, time.Second)
			Expect(err).ToNot(HaveOccurred())
			Expect(reply).To(Equal("ping pong"))
		})

		It("fails calls to names nobody owns", func() {
			caller := dial()

			err := caller.Call("org.example.ghost", "/", "iface", "Nope", nil, nil, time.Second)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("no owner"))
		})

		It("fails calls to methods the owner does not export", func() {
			server := dial()
			Expect(server.AcquireName("org.example.svc")).To(Succeed())

			caller := dial()
			err := caller.Call("org.example.svc", "/", "iface", "Missing", nil, nil, time.Second)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("no such method"))
		})

		It("carries typed errors across the bus", func() {
			server := dial()
			Expect(server.AcquireName("org.example.svc")).To(Succeed())
			server.Export("/org/example", "org.example.svc.iface", map[string]bus.MethodFunc{
				"Lookup": func(args json.RawMessage, result bus.Result) {
					result.SetError(zonekeeper.ZoneNotFoundError{ID: "ghost"})
				},
			})

			caller := dial()
			err := caller.Call("org.example.svc", "/org/example", "org.example.svc.iface", "Lookup",
				nil, nil, time.Second)
			Expect(err).To(Equal(zonekeeper.ZoneNotFoundError{ID: "ghost"}))
		})

		It("completes async calls", func() {
			server := dial()
			Expect(server.AcquireName("org.example.svc")).To(Succeed())
			server.Export("/org/example", "org.example.svc.iface", map[string]bus.MethodFunc{
				"Ping": func(args json.RawMessage, result bus.Result) {
					result.Set("pong")
				},
			})

			caller := dial()

			replies := make(chan json.RawMessage, 1)
			caller.CallAsync("org.example.svc", "/org/example", "org.example.svc.iface", "Ping",
				nil, func(reply json.RawMessage, err error) {
					Expect(err).ToNot(HaveOccurred())
					replies <- reply
				})

			var reply json.RawMessage
			Eventually(replies).Should(Receive(&reply))
			Expect(string(reply)).To(MatchJSON(`"pong"`))
		})
	})

	Describe("signals", func() {
		It("delivers emissions to subscribers with the sender's names", func() {
			emitter := dial()
			Expect(emitter.AcquireName("org.example.sender")).To(Succeed())

			subscriber := dial()
			received := make(chan []string, 1)
			Expect(subscriber.Subscribe("org.example.iface", "Changed", "", func(senderNames []string, args json.RawMessage) {
				received <- senderNames
			})).To(Succeed())

			Expect(emitter.Emit("/org/example", "org.example.iface", "Changed", nil)).To(Succeed())

			var names []string
			Eventually(received).Should(Receive(&names))
			Expect(names).To(ContainElement("org.example.sender"))
		})

		It("filters subscriptions by sender name", func() {
			anonymous := dial()
			subscriber := dial()

			received := make(chan struct{}, 4)
			Expect(subscriber.Subscribe("org.example.iface", "Changed", "org.example.trusted",
				func(senderNames []string, args json.RawMessage) {
					received <- struct{}{}
				})).To(Succeed())

			Expect(anonymous.Emit("/org/example", "org.example.iface", "Changed", nil)).To(Succeed())
			Consistently(received, 300*time.Millisecond).ShouldNot(Receive())

			Expect(anonymous.AcquireName("org.example.trusted")).To(Succeed())
			Expect(anonymous.Emit("/org/example", "org.example.iface", "Changed", nil)).To(Succeed())
			Eventually(received).Should(Receive())
		})
	})
})
