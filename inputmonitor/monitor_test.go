package inputmonitor_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"code.cloudfoundry.org/lager/v3/lagertest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zonekeeper/zonekeeper/config"
	"github.com/zonekeeper/zonekeeper/inputmonitor"
)

// rawEvent mirrors the kernel's struct input_event on 64-bit platforms.
type rawEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

const evKey = 0x01

var _ = Describe("Monitor", func() {
	var (
		devicePath string
		gestures   chan struct{}
		monitor    *inputmonitor.Monitor
	)

	writeEvents := func(events ...rawEvent) {
		f, err := os.OpenFile(devicePath, os.O_WRONLY|os.O_APPEND, 0)
		Expect(err).ToNot(HaveOccurred())
		defer f.Close()
		for _, ev := range events {
			Expect(binary.Write(f, binary.LittleEndian, &ev)).To(Succeed())
		}
	}

	keyPress := func(code uint16) rawEvent {
		return rawEvent{Type: evKey, Code: code, Value: 1}
	}

	newMonitor := func(cfg config.InputConfig) *inputmonitor.Monitor {
		cfg.Device = devicePath
		m := inputmonitor.New(lagertest.NewTestLogger("input"), cfg, func() {
			gestures <- struct{}{}
		})
		DeferCleanup(m.Stop)
		return m
	}

	BeforeEach(func() {
		tmpdir, err := os.MkdirTemp("", "input-test")
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(os.RemoveAll, tmpdir)

		devicePath = filepath.Join(tmpdir, "event0")
		Expect(os.WriteFile(devicePath, nil, 0644)).To(Succeed())

		gestures = make(chan struct{}, 4)
	})

	It("fires after the configured number of presses of the right key", func() {
		writeEvents(keyPress(116), keyPress(116), keyPress(116))

		monitor = newMonitor(config.InputConfig{Code: 116, Count: 3, WindowMs: 10000})
		Expect(monitor.Start()).To(Succeed())

		Eventually(gestures).Should(Receive())
	})

	It("ignores other key codes and non-press events", func() {
		writeEvents(
			keyPress(115),
			rawEvent{Type: evKey, Code: 116, Value: 0},
			rawEvent{Type: 0x02, Code: 116, Value: 1},
		)

		monitor = newMonitor(config.InputConfig{Code: 116, Count: 1, WindowMs: 10000})
		Expect(monitor.Start()).To(Succeed())

		Consistently(gestures, 300*time.Millisecond).ShouldNot(Receive())
	})

	It("fails to start on a missing device", func() {
		monitor = newMonitor(config.InputConfig{Code: 116, Count: 1})
		Expect(os.Remove(devicePath)).To(Succeed())
		Expect(monitor.Start()).To(HaveOccurred())
	})

	It("stops cleanly while reading", func() {
		monitor = newMonitor(config.InputConfig{Code: 116, Count: 3, WindowMs: 1000})
		Expect(monitor.Start()).To(Succeed())
		monitor.Stop()
	})
})
