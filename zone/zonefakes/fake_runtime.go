// Package zonefakes provides an in-process Runtime double. It keeps the
// zone's lifecycle in memory and hosts a real bus broker per started
// zone, so everything above the runtime adapter — endpoints, signals,
// proxy routing — runs against live buses.
package zonefakes

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"code.cloudfoundry.org/lager/v3"

	"github.com/zonekeeper/zonekeeper/bus"
)

type Notification struct {
	Zone        string
	Application string
	Message     string
}

type FakeRuntime struct {
	logger lager.Logger

	id        string
	socketDir string

	mu         sync.Mutex
	running    bool
	frozen     bool
	foreground bool
	broker     *bus.Broker
	onAddr     func(string)

	initPid    int
	cgroupPath string

	StartError       error
	StopError        error
	ShutdownError    error
	FreezeError      error
	ForegroundError  error
	BackgroundError  error

	StartCount      int
	StopCount       int
	ShutdownCount   int
	ForegroundCount int
	BackgroundCount int

	Notifications []Notification
}

// New builds a fake runtime for one zone. socketDir is where the zone's
// bus socket lives while the zone runs.
func New(logger lager.Logger, id, socketDir string) *FakeRuntime {
	return &FakeRuntime{
		logger:    logger.Session("fake-runtime", lager.Data{"id": id}),
		id:        id,
		socketDir: socketDir,
		initPid:   os.Getpid(),
	}
}

// SetInitPid overrides the reported init pid.
func (r *FakeRuntime) SetInitPid(pid int) {
	r.mu.Lock()
	r.initPid = pid
	r.mu.Unlock()
}

// SetCgroupPath sets the directory reported for every cgroup subsystem.
func (r *FakeRuntime) SetCgroupPath(path string) {
	r.mu.Lock()
	r.cgroupPath = path
	r.mu.Unlock()
}

func (r *FakeRuntime) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	if r.StartError != nil {
		err := r.StartError
		r.mu.Unlock()
		return err
	}

	broker := bus.NewBroker(r.logger, filepath.Join(r.socketDir, r.id+".bus.sock"))
	if err := broker.Start(); err != nil {
		r.mu.Unlock()
		return err
	}

	r.broker = broker
	r.running = true
	r.StartCount++
	onAddr := r.onAddr
	address := broker.Address()
	r.mu.Unlock()

	if onAddr != nil {
		onAddr(address)
	}
	return nil
}

func (r *FakeRuntime) Stop() error {
	return r.takeDown(&r.StopCount, &r.StopError)
}

func (r *FakeRuntime) Shutdown() error {
	return r.takeDown(&r.ShutdownCount, &r.ShutdownError)
}

func (r *FakeRuntime) takeDown(count *int, errField *error) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	if *errField != nil {
		err := *errField
		r.mu.Unlock()
		return err
	}

	broker := r.broker
	r.broker = nil
	r.running = false
	r.frozen = false
	r.foreground = false
	*count++
	onAddr := r.onAddr
	r.mu.Unlock()

	if onAddr != nil {
		onAddr("")
	}
	if broker != nil {
		broker.Stop()
	}
	return nil
}

func (r *FakeRuntime) Freeze() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FreezeError != nil {
		return r.FreezeError
	}
	if !r.running {
		return fmt.Errorf("cannot freeze a stopped container")
	}
	r.frozen = true
	return nil
}

func (r *FakeRuntime) Unfreeze() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = false
	return nil
}

func (r *FakeRuntime) SetForeground() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ForegroundError != nil {
		return r.ForegroundError
	}
	r.foreground = true
	r.ForegroundCount++
	return nil
}

func (r *FakeRuntime) SetBackground() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.BackgroundError != nil {
		return r.BackgroundError
	}
	r.foreground = false
	r.BackgroundCount++
	return nil
}

func (r *FakeRuntime) IsRunning() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running, nil
}

// Foreground reports the runtime-side foreground flag.
func (r *FakeRuntime) Foreground() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.foreground
}

// Frozen reports whether the container's tasks are frozen.
func (r *FakeRuntime) Frozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen
}

func (r *FakeRuntime) SendNotification(zone, application, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Notifications = append(r.Notifications, Notification{zone, application, message})
	return nil
}

func (r *FakeRuntime) BusAddress() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broker == nil {
		return ""
	}
	return r.broker.Address()
}

func (r *FakeRuntime) SetOnBusAddressChanged(cb func(address string)) {
	r.mu.Lock()
	r.onAddr = cb
	r.mu.Unlock()
}

func (r *FakeRuntime) InitPid() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return 0, fmt.Errorf("container is not running")
	}
	return r.initPid, nil
}

func (r *FakeRuntime) CgroupPath(subsystem string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cgroupPath == "" {
		return "", fmt.Errorf("no cgroup path configured")
	}
	return r.cgroupPath, nil
}
