// Package zone implements the per-zone state machine and the zone-bus
// endpoint through which a zone's processes reach the daemon.
package zone

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"code.cloudfoundry.org/lager/v3"

	"github.com/zonekeeper/zonekeeper"
	"github.com/zonekeeper/zonekeeper/bus"
	"github.com/zonekeeper/zonekeeper/config"
)

// RuntimeFactory constructs the container handle backing a zone.
type RuntimeFactory func(id string, cfg config.ZoneConfig) (zonekeeper.Runtime, error)

// Callbacks is the capability interface a zone holds on its manager.
// The manager installs it after construction and withdraws it (with
// SetCallbacks(nil)) before dropping the zone, so no call can reach a
// manager that no longer owns the zone.
type Callbacks interface {
	OnNotifyActiveZone(caller, application, message string)
	OnDisplayOff(caller string)
	OnFileMoveRequest(caller, destination, path string, result bus.Result)
	OnProxyCall(caller, target, busName, objectPath, iface, method string, args json.RawMessage, result bus.Result)
	OnBusStateChanged(caller, address string)
}

// Zone is one isolated execution environment. Lifecycle operations are
// serialized per zone; field access is guarded separately so bus-address
// observations never wait behind a slow runtime call.
type Zone struct {
	logger  lager.Logger
	cfg     config.ZoneConfig
	runtime zonekeeper.Runtime

	permittedToSend []*regexp.Regexp
	permittedToRecv []*regexp.Regexp

	opMu sync.Mutex

	mu           sync.Mutex
	state        zonekeeper.State
	foreground   bool
	detachOnExit bool
	busAddress   string
	conn         *bus.Conn
	callbacks    Callbacks
}

// New builds a zone from its configuration and runtime handle. The
// permission lists are compiled as full-string regular expressions.
func New(logger lager.Logger, cfg config.ZoneConfig, runtime zonekeeper.Runtime) (*Zone, error) {
	if cfg.ID == "" {
		return nil, zonekeeper.NewConfigError("zone id must not be empty")
	}
	if cfg.ID == zonekeeper.HostID {
		return nil, zonekeeper.NewConfigError("cannot use reserved zone id %q", zonekeeper.HostID)
	}

	send, err := compilePatterns(cfg.PermittedToSend)
	if err != nil {
		return nil, zonekeeper.NewConfigError("zone %s: permittedToSend: %s", cfg.ID, err)
	}
	recv, err := compilePatterns(cfg.PermittedToRecv)
	if err != nil {
		return nil, zonekeeper.NewConfigError("zone %s: permittedToRecv: %s", cfg.ID, err)
	}

	z := &Zone{
		logger:          logger.Session("zone", lager.Data{"id": cfg.ID}),
		cfg:             cfg,
		runtime:         runtime,
		permittedToSend: send,
		permittedToRecv: recv,
		state:           zonekeeper.StateStopped,
	}

	if running, err := runtime.IsRunning(); err == nil && running {
		z.state = zonekeeper.StateRunning
	}

	runtime.SetOnBusAddressChanged(z.handleBusAddressChanged)

	return z, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`\A(?:` + p + `)\z`)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func (z *Zone) ID() string         { return z.cfg.ID }
func (z *Zone) Privilege() int     { return z.cfg.Privilege }
func (z *Zone) Terminal() int      { return z.cfg.Terminal }
func (z *Zone) RootfsPath() string { return z.cfg.RootfsPath }

func (z *Zone) SwitchToDefaultAfterTimeout() bool {
	return z.cfg.SwitchToDefaultAfterTimeout
}

// SetCallbacks installs or withdraws the manager capability.
func (z *Zone) SetCallbacks(callbacks Callbacks) {
	z.mu.Lock()
	z.callbacks = callbacks
	z.mu.Unlock()
}

// State returns the zone's current lifecycle state.
func (z *Zone) State() zonekeeper.State {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.state
}

// IsRunning reports whether the zone is usable: running or locked.
func (z *Zone) IsRunning() bool {
	state := z.State()
	return state == zonekeeper.StateRunning || state == zonekeeper.StateLocked
}

// IsStopped reports whether the zone is down.
func (z *Zone) IsStopped() bool {
	return z.State() == zonekeeper.StateStopped
}

// Foreground reports whether the zone currently holds the shared
// resources.
func (z *Zone) Foreground() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.foreground
}

// BusAddress returns the last observed zone-bus address, or "".
func (z *Zone) BusAddress() string {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.busAddress
}

// SetDetachOnExit makes Close leave the zone running.
func (z *Zone) SetDetachOnExit() {
	z.mu.Lock()
	z.detachOnExit = true
	z.mu.Unlock()
}

// PermittedToSend reports whether path matches the zone's send list.
func (z *Zone) PermittedToSend(path string) bool {
	return matchAny(path, z.permittedToSend)
}

// PermittedToRecv reports whether path matches the zone's receive list.
func (z *Zone) PermittedToRecv(path string) bool {
	return matchAny(path, z.permittedToRecv)
}

func matchAny(s string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Start brings the zone up. Re-starting a running zone succeeds.
func (z *Zone) Start() error {
	z.opMu.Lock()
	defer z.opMu.Unlock()

	if z.IsRunning() {
		return nil
	}

	z.logger.Info("starting")
	z.setState(zonekeeper.StateStarting)

	if err := z.runtime.Start(); err != nil {
		z.setState(zonekeeper.StateAborting)
		z.setState(zonekeeper.StateStopped)
		return zonekeeper.NewZoneOperationError(z.ID(), "start", err)
	}

	z.setState(zonekeeper.StateRunning)
	z.logger.Info("started")
	return nil
}

// Stop forcibly takes the zone down. Stopping a stopped zone succeeds.
func (z *Zone) Stop() error {
	return z.takeDown("stop", z.runtime.Stop)
}

// Shutdown asks the zone to go down in an orderly fashion.
func (z *Zone) Shutdown() error {
	return z.takeDown("shutdown", z.runtime.Shutdown)
}

func (z *Zone) takeDown(op string, action func() error) error {
	z.opMu.Lock()
	defer z.opMu.Unlock()

	if z.IsStopped() {
		return nil
	}

	z.logger.Info(op + "-begin")
	z.setState(zonekeeper.StateStopping)

	if err := action(); err != nil {
		z.setState(zonekeeper.StateAborting)
		z.setState(zonekeeper.StateStopped)
		return zonekeeper.NewZoneOperationError(z.ID(), op, err)
	}

	z.setState(zonekeeper.StateStopped)
	z.dropConn()
	z.logger.Info(op + "-end")
	return nil
}

// Lock freezes every task in the zone.
func (z *Zone) Lock() error {
	z.opMu.Lock()
	defer z.opMu.Unlock()

	if z.State() != zonekeeper.StateRunning {
		return zonekeeper.NewInvalidStateError(z.ID(), z.State(), "lock")
	}

	z.setState(zonekeeper.StateFrozen)
	if err := z.runtime.Freeze(); err != nil {
		z.setState(zonekeeper.StateRunning)
		return zonekeeper.NewZoneOperationError(z.ID(), "lock", err)
	}

	z.setState(zonekeeper.StateLocked)
	return nil
}

// Unlock thaws a locked zone.
func (z *Zone) Unlock() error {
	z.opMu.Lock()
	defer z.opMu.Unlock()

	if z.State() != zonekeeper.StateLocked {
		return zonekeeper.NewInvalidStateError(z.ID(), z.State(), "unlock")
	}

	z.setState(zonekeeper.StateFrozen)
	if err := z.runtime.Unfreeze(); err != nil {
		z.setState(zonekeeper.StateLocked)
		return zonekeeper.NewZoneOperationError(z.ID(), "unlock", err)
	}

	z.setState(zonekeeper.StateRunning)
	return nil
}

// GoForeground grants the zone the shared resources. Idempotent.
func (z *Zone) GoForeground() error {
	if err := z.runtime.SetForeground(); err != nil {
		return zonekeeper.NewZoneOperationError(z.ID(), "go-foreground", err)
	}

	z.mu.Lock()
	z.foreground = true
	z.mu.Unlock()
	return nil
}

// GoBackground revokes the shared resources. Idempotent.
func (z *Zone) GoBackground() error {
	if err := z.runtime.SetBackground(); err != nil {
		return zonekeeper.NewZoneOperationError(z.ID(), "go-background", err)
	}

	z.mu.Lock()
	z.foreground = false
	z.mu.Unlock()
	return nil
}

// SendNotification raises the zone's Notification signal. When the zone
// bus is unreachable the runtime's side channel is used instead.
func (z *Zone) SendNotification(container, application, message string) error {
	z.mu.Lock()
	conn := z.conn
	z.mu.Unlock()

	if conn == nil {
		return z.runtime.SendNotification(container, application, message)
	}

	return conn.Emit(
		zonekeeper.ZoneObjectPath,
		zonekeeper.ZoneInterface,
		zonekeeper.SignalNotification,
		zonekeeper.NotificationSignal{
			Container:   container,
			Application: application,
			Message:     message,
		},
	)
}

// ProxyCallAsync forwards a call onto this zone's bus. onResult fires
// with the raw reply or the downstream error.
func (z *Zone) ProxyCallAsync(busName, objectPath, iface, method string, args json.RawMessage, onResult func(json.RawMessage, error)) {
	z.mu.Lock()
	conn := z.conn
	z.mu.Unlock()

	if conn == nil {
		onResult(nil, zonekeeper.ZoneStoppedError{ID: z.ID()})
		return
	}

	conn.CallAsync(busName, objectPath, iface, method, args, onResult)
}

// Close disconnects from the zone bus and, unless detached, stops the
// zone.
func (z *Zone) Close() {
	z.mu.Lock()
	detach := z.detachOnExit
	z.mu.Unlock()

	z.dropConn()

	if !detach {
		if err := z.Stop(); err != nil {
			z.logger.Error("stop-on-close", err)
		}
	}
}

func (z *Zone) setState(state zonekeeper.State) {
	z.mu.Lock()
	z.state = state
	z.mu.Unlock()
}

func (z *Zone) dropConn() {
	z.mu.Lock()
	conn := z.conn
	z.conn = nil
	z.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// handleBusAddressChanged observes the runtime's bus-address reports:
// connect to a fresh address, drop the connection on an empty one, and
// relay every change to the manager.
func (z *Zone) handleBusAddressChanged(address string) {
	z.mu.Lock()
	previous := z.busAddress
	z.busAddress = address
	callbacks := z.callbacks
	z.mu.Unlock()

	if address == previous {
		return
	}

	z.logger.Info("bus-state-changed", lager.Data{"address": address})

	if address == "" {
		z.dropConn()
	} else if err := z.connect(address); err != nil {
		z.logger.Error("zone-bus-connect", err)
	}

	if callbacks != nil {
		callbacks.OnBusStateChanged(z.ID(), address)
	}
}

func (z *Zone) connect(address string) error {
	conn, err := bus.Dial(z.logger, address)
	if err != nil {
		return err
	}

	if err := conn.AcquireName(zonekeeper.ZoneBusName); err != nil {
		conn.Close()
		return fmt.Errorf("acquire %s: %w", zonekeeper.ZoneBusName, err)
	}

	conn.Export(zonekeeper.ZoneObjectPath, zonekeeper.ZoneInterface, map[string]bus.MethodFunc{
		zonekeeper.MethodNotifyActiveContainer: z.handleNotifyActiveContainer,
		zonekeeper.MethodFileMoveRequest:       z.handleFileMoveRequest,
		zonekeeper.MethodProxyCall:             z.handleProxyCall,
	})

	err = conn.Subscribe(
		zonekeeper.PowerInterface,
		zonekeeper.PowerSignalDisplayOff,
		zonekeeper.PowerBusName,
		z.handleDisplayOff,
	)
	if err != nil {
		conn.Close()
		return err
	}

	z.mu.Lock()
	old := z.conn
	z.conn = conn
	z.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

func (z *Zone) managerCallbacks() Callbacks {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.callbacks
}

func (z *Zone) handleNotifyActiveContainer(args json.RawMessage, result bus.Result) {
	var req zonekeeper.NotifyActiveContainerArgs
	if err := json.Unmarshal(args, &req); err != nil {
		result.SetError(err)
		return
	}

	if callbacks := z.managerCallbacks(); callbacks != nil {
		callbacks.OnNotifyActiveZone(z.ID(), req.Application, req.Message)
	}
	result.Set(nil)
}

func (z *Zone) handleFileMoveRequest(args json.RawMessage, result bus.Result) {
	var req zonekeeper.FileMoveRequestArgs
	if err := json.Unmarshal(args, &req); err != nil {
		result.SetError(err)
		return
	}

	callbacks := z.managerCallbacks()
	if callbacks == nil {
		result.SetError(zonekeeper.NewError("zone is shutting down"))
		return
	}
	callbacks.OnFileMoveRequest(z.ID(), req.Destination, req.Path, result)
}

func (z *Zone) handleProxyCall(args json.RawMessage, result bus.Result) {
	var req zonekeeper.ProxyCallArgs
	if err := json.Unmarshal(args, &req); err != nil {
		result.SetError(err)
		return
	}

	callbacks := z.managerCallbacks()
	if callbacks == nil {
		result.SetError(zonekeeper.NewError("zone is shutting down"))
		return
	}
	callbacks.OnProxyCall(z.ID(), req.Target, req.BusName, req.ObjectPath, req.Interface, req.Method, req.Args, result)
}

func (z *Zone) handleDisplayOff(senderNames []string, args json.RawMessage) {
	if callbacks := z.managerCallbacks(); callbacks != nil {
		callbacks.OnDisplayOff(z.ID())
	}
}
