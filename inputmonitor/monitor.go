// Package inputmonitor watches an evdev input device for the configured
// switch gesture: a number of key presses of one key code within a time
// window.
package inputmonitor

import (
	"encoding/binary"
	"os"
	"sync"
	"time"

	"code.cloudfoundry.org/lager/v3"

	"github.com/zonekeeper/zonekeeper/config"
)

const evKey = 0x01

// inputEvent is the kernel's struct input_event on 64-bit platforms.
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// Monitor reads the device on its own goroutine and invokes notify for
// every completed gesture.
type Monitor struct {
	logger lager.Logger
	cfg    config.InputConfig
	notify func()

	mu   sync.Mutex
	file *os.File
	wg   sync.WaitGroup
}

func New(logger lager.Logger, cfg config.InputConfig, notify func()) *Monitor {
	return &Monitor{
		logger: logger.Session("input-monitor", lager.Data{"device": cfg.Device}),
		cfg:    cfg,
		notify: notify,
	}
}

func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file != nil {
		return nil
	}

	file, err := os.Open(m.cfg.Device)
	if err != nil {
		return err
	}
	m.file = file

	m.wg.Add(1)
	go m.readLoop(file)

	m.logger.Info("started")
	return nil
}

// Stop closes the device, which unblocks the reader.
func (m *Monitor) Stop() {
	m.mu.Lock()
	file := m.file
	m.file = nil
	m.mu.Unlock()

	if file == nil {
		return
	}

	file.Close()
	m.wg.Wait()
	m.logger.Info("stopped")
}

func (m *Monitor) readLoop(file *os.File) {
	defer m.wg.Done()

	window := time.Duration(m.cfg.WindowMs) * time.Millisecond
	count := m.cfg.Count
	if count <= 0 {
		count = 1
	}

	var presses []time.Time

	for {
		var ev inputEvent
		if err := binary.Read(file, binary.LittleEndian, &ev); err != nil {
			return
		}

		if ev.Type != evKey || ev.Code != m.cfg.Code || ev.Value != 1 {
			continue
		}

		now := time.Now()
		presses = append(presses, now)

		if window > 0 {
			kept := presses[:0]
			for _, t := range presses {
				if now.Sub(t) <= window {
					kept = append(kept, t)
				}
			}
			presses = kept
		}

		if len(presses) >= count {
			presses = presses[:0]
			m.logger.Info("gesture-detected")
			m.notify()
		}
	}
}
