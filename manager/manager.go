// Package manager owns the set of zones, arbitrates the foreground and
// routes every cross-domain interaction: proxy calls, file moves and
// notifications.
package manager

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"code.cloudfoundry.org/lager/v3"

	"github.com/zonekeeper/zonekeeper"
	"github.com/zonekeeper/zonekeeper/bus"
	"github.com/zonekeeper/zonekeeper/config"
	"github.com/zonekeeper/zonekeeper/inputmonitor"
	"github.com/zonekeeper/zonekeeper/metrics"
	"github.com/zonekeeper/zonekeeper/policy"
	"github.com/zonekeeper/zonekeeper/zone"
)

// Manager is the daemon's central state machine. It exclusively owns
// every Zone for its lifetime; a single mutex protects the zone map and
// the foreground id. Bus handlers never hold the mutex across a call
// that waits on bus traffic.
type Manager struct {
	logger lager.Logger

	configPath     string
	cfg            config.ManagerConfig
	policy         *policy.ProxyCallPolicy
	runtimeFactory zone.RuntimeFactory

	mu           sync.Mutex
	zones        map[string]*zone.Zone
	detachOnExit bool
	started      bool

	// hostConn has its own guard: zone callbacks report bus-address
	// changes synchronously from Start, which runs under mu.
	connMu     sync.Mutex
	hostBroker *bus.Broker
	hostConn   *bus.Conn

	inputMonitor *inputmonitor.Monitor
}

// New constructs the manager from the config document at configPath and
// builds every configured zone. Configuration problems are fatal and
// surface as ConfigError.
func New(logger lager.Logger, configPath string, runtimeFactory zone.RuntimeFactory) (*Manager, error) {
	logger = logger.Session("zones-manager")

	cfg, err := config.LoadManagerConfig(configPath)
	if err != nil {
		return nil, zonekeeper.NewConfigError("%s", err)
	}

	callPolicy, err := policy.New(cfg.ProxyCallRules)
	if err != nil {
		return nil, zonekeeper.NewConfigError("proxy call rules: %s", err)
	}

	m := &Manager{
		logger:         logger,
		configPath:     configPath,
		cfg:            cfg,
		policy:         callPolicy,
		runtimeFactory: runtimeFactory,
		zones:          make(map[string]*zone.Zone),
	}

	for _, ref := range cfg.ZoneConfigs {
		zoneConfigPath := config.ResolveZoneConfigPath(configPath, ref)

		zoneCfg, err := config.LoadZoneConfig(zoneConfigPath)
		if err != nil {
			return nil, zonekeeper.NewConfigError("%s", err)
		}

		if err := m.addZone(zoneCfg); err != nil {
			return nil, err
		}
	}

	if _, ok := m.zones[cfg.DefaultID]; !ok {
		return nil, zonekeeper.NewConfigError("default zone id %q is not a configured zone", cfg.DefaultID)
	}

	if cfg.InputConfig.Enabled {
		m.inputMonitor = inputmonitor.New(logger, cfg.InputConfig, m.handleSwitchGesture)
	}

	logger.Info("constructed", lager.Data{"zones": len(m.zones)})
	return m, nil
}

// addZone builds the runtime and zone object for one config and
// registers it. The caller must not hold the mutex during construction
// failure cleanup, so this is only used before Start and from
// CreateZone, both of which own their locking.
func (m *Manager) addZone(zoneCfg config.ZoneConfig) error {
	if zoneCfg.ID == zonekeeper.HostID {
		return zonekeeper.NewConfigError("cannot use reserved zone id %q", zonekeeper.HostID)
	}

	m.mu.Lock()
	_, exists := m.zones[zoneCfg.ID]
	m.mu.Unlock()
	if exists {
		return zonekeeper.NewConfigError("duplicate zone id %q", zoneCfg.ID)
	}

	runtime, err := m.runtimeFactory(zoneCfg.ID, zoneCfg)
	if err != nil {
		return zonekeeper.NewZoneOperationError(zoneCfg.ID, "construct-runtime", err)
	}

	z, err := zone.New(m.logger, zoneCfg, runtime)
	if err != nil {
		return err
	}
	z.SetCallbacks(m)

	m.mu.Lock()
	m.zones[zoneCfg.ID] = z
	m.mu.Unlock()
	return nil
}

// Start brings up the host bus endpoint, the input monitor and every
// zone.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	socketPath, err := bus.SocketPath(m.cfg.HostBusAddress)
	if err != nil {
		return zonekeeper.NewConfigError("hostBusAddress: %s", err)
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return err
	}

	m.hostBroker = bus.NewBroker(m.logger, socketPath)
	if err := m.hostBroker.Start(); err != nil {
		return err
	}

	conn, err := bus.Dial(m.logger, m.hostBroker.Address())
	if err != nil {
		m.hostBroker.Stop()
		return err
	}
	if err := conn.AcquireName(zonekeeper.HostBusName); err != nil {
		conn.Close()
		m.hostBroker.Stop()
		return err
	}
	m.exportHostMethods(conn)

	m.connMu.Lock()
	m.hostConn = conn
	m.connMu.Unlock()

	if m.inputMonitor != nil {
		if err := m.inputMonitor.Start(); err != nil {
			m.logger.Error("input-monitor-start", err)
		}
	}

	m.StartAll()
	return nil
}

// Stop tears everything down in this order: input monitor, host
// endpoint, zones (unless detached).
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	detach := m.detachOnExit
	m.mu.Unlock()

	if m.inputMonitor != nil {
		m.inputMonitor.Stop()
	}

	m.mu.Lock()
	zones := m.snapshotLocked()
	m.mu.Unlock()

	m.connMu.Lock()
	conn := m.hostConn
	m.hostConn = nil
	m.connMu.Unlock()

	for _, z := range zones {
		z.SetCallbacks(nil)
	}

	if conn != nil {
		conn.Close()
	}
	if m.hostBroker != nil {
		m.hostBroker.Stop()
	}

	if !detach {
		m.StopAll()
	}

	m.logger.Info("stopped")
}

// SetZonesDetachOnExit makes Stop leave every zone running.
func (m *Manager) SetZonesDetachOnExit() {
	m.mu.Lock()
	m.detachOnExit = true
	zones := m.snapshotLocked()
	m.mu.Unlock()

	for _, z := range zones {
		z.SetDetachOnExit()
	}
}

// snapshotLocked returns the zones in ascending id order. Callers must
// hold the mutex; dispatching on the snapshot avoids iterating a map
// that handlers may mutate.
func (m *Manager) snapshotLocked() []*zone.Zone {
	ids := make([]string, 0, len(m.zones))
	for id := range m.zones {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	zones := make([]*zone.Zone, 0, len(ids))
	for _, id := range ids {
		zones = append(zones, m.zones[id])
	}
	return zones
}

// Focus makes the zone with the given id the foreground zone. Every
// zone is sent to the background first, the target included, so no two
// zones ever hold the foreground at once.
func (m *Manager) Focus(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.focusLocked(id)
}

func (m *Manager) focusLocked(id string) error {
	logger := m.logger.Session("focus", lager.Data{"id": id})

	target, ok := m.zones[id]
	if !ok {
		return zonekeeper.ZoneNotFoundError{ID: id}
	}
	if target.IsStopped() {
		return zonekeeper.ZoneStoppedError{ID: id}
	}

	for _, z := range m.snapshotLocked() {
		if err := z.GoBackground(); err != nil {
			logger.Error("go-background", err, lager.Data{"zone": z.ID()})
		}
	}

	if err := target.GoForeground(); err != nil {
		return err
	}

	m.cfg.ForegroundID = id
	logger.Info("foreground-set")
	return nil
}

// StartAll starts every zone and elects the foreground: the configured
// foreground id when that zone started, otherwise the started zone with
// the numerically smallest privilege, ties broken by id order.
func (m *Manager) StartAll() {
	logger := m.logger.Session("start-all")
	logger.Info("starting")

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, z := range m.snapshotLocked() {
		if err := z.Start(); err != nil {
			logger.Error("start", err, lager.Data{"zone": z.ID()})
			continue
		}
		metrics.RecordZoneOp("start")
	}

	var foreground *zone.Zone
	if configured, ok := m.zones[m.cfg.ForegroundID]; ok && configured.IsRunning() {
		foreground = configured
	} else {
		for _, z := range m.snapshotLocked() {
			if !z.IsRunning() {
				continue
			}
			if foreground == nil || z.Privilege() < foreground.Privilege() {
				foreground = z
			}
		}
	}

	if foreground == nil {
		logger.Info("no-zone-running")
		return
	}

	if err := foreground.GoForeground(); err != nil {
		logger.Error("go-foreground", err, lager.Data{"zone": foreground.ID()})
		return
	}
	m.cfg.ForegroundID = foreground.ID()
	logger.Info("foreground-elected", lager.Data{"zone": foreground.ID()})
}

// StopAll stops every zone. One zone's failure never strands the
// others.
func (m *Manager) StopAll() {
	logger := m.logger.Session("stop-all")
	logger.Info("stopping")

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, z := range m.snapshotLocked() {
		if err := z.Stop(); err != nil {
			logger.Error("stop", err, lager.Data{"zone": z.ID()})
			continue
		}
		metrics.RecordZoneOp("stop")
	}
}

// runningForegroundLocked returns the foreground zone when it is
// actually running, or nil.
func (m *Manager) runningForegroundLocked() *zone.Zone {
	z, ok := m.zones[m.cfg.ForegroundID]
	if !ok || !z.IsRunning() {
		return nil
	}
	return z
}

// ZoneIDs returns every zone id in ascending order.
func (m *Manager) ZoneIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.zones))
	for id := range m.zones {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveZoneID returns the running foreground zone's id, or "".
func (m *Manager) ActiveZoneID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if z := m.runningForegroundLocked(); z != nil {
		return z.ID()
	}
	return ""
}

// ZoneBusAddresses maps every zone id to its current bus address.
func (m *Manager) ZoneBusAddresses() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	addresses := make(map[string]string, len(m.zones))
	for id, z := range m.zones {
		addresses[id] = z.BusAddress()
	}
	return addresses
}

// ZoneInfo returns the host-bus view of one zone.
func (m *Manager) ZoneInfo(id string) (zonekeeper.ZoneInfo, error) {
	z, err := m.zoneByID(id)
	if err != nil {
		return zonekeeper.ZoneInfo{}, err
	}

	return zonekeeper.ZoneInfo{
		ID:         z.ID(),
		State:      z.State(),
		RootfsPath: z.RootfsPath(),
		Terminal:   z.Terminal(),
	}, nil
}

// zoneByID looks up a zone by id for operations served on the host bus.
func (m *Manager) zoneByID(id string) (*zone.Zone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	z, ok := m.zones[id]
	if !ok {
		return nil, zonekeeper.ZoneNotFoundError{ID: id}
	}
	return z, nil
}

// CreateZone instantiates a template into a new zone and registers it.
func (m *Manager) CreateZone(id, templateName string) error {
	logger := m.logger.Session("create-zone", lager.Data{"id": id, "template": templateName})

	if id == "" {
		return zonekeeper.NewConfigError("zone id must not be empty")
	}
	if id == zonekeeper.HostID {
		return zonekeeper.NewConfigError("cannot use reserved zone id %q", zonekeeper.HostID)
	}

	templatePath := filepath.Join(filepath.Dir(m.configPath), "templates", templateName+".conf")
	zoneCfg, err := config.LoadZoneConfig(templatePath)
	if err != nil {
		return zonekeeper.NewConfigError("template %s: %s", templateName, err)
	}
	zoneCfg.ID = id

	if err := m.addZone(zoneCfg); err != nil {
		return err
	}

	if err := m.writeZoneConfig(zoneCfg); err != nil {
		logger.Error("persist-config", err)
	}

	logger.Info("created")
	return nil
}

// DestroyZone deregisters a zone, attempts a graceful shutdown, stops it
// only if that shutdown fails, and removes its instantiated config.
func (m *Manager) DestroyZone(id string) error {
	logger := m.logger.Session("destroy-zone", lager.Data{"id": id})

	m.mu.Lock()
	z, ok := m.zones[id]
	if !ok {
		m.mu.Unlock()
		return zonekeeper.ZoneNotFoundError{ID: id}
	}
	delete(m.zones, id)
	if m.cfg.ForegroundID == id {
		m.cfg.ForegroundID = ""
	}
	m.mu.Unlock()

	z.SetCallbacks(nil)

	if err := z.Shutdown(); err != nil {
		logger.Error("shutdown", err)
		if err := z.Stop(); err != nil {
			logger.Error("stop", err)
		}
	}

	if err := os.Remove(m.zoneConfigPath(id)); err != nil && !os.IsNotExist(err) {
		logger.Error("remove-config", err)
	}

	metrics.RecordZoneOp("destroy")
	logger.Info("destroyed")
	return nil
}

func (m *Manager) zoneConfigPath(id string) string {
	return filepath.Join(filepath.Dir(m.configPath), "zones", id+".conf")
}

func (m *Manager) writeZoneConfig(zoneCfg config.ZoneConfig) error {
	path := m.zoneConfigPath(zoneCfg.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(zoneCfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// handleSwitchGesture rotates the foreground to the next running zone
// in ascending id order.
func (m *Manager) handleSwitchGesture() {
	m.mu.Lock()

	var running []string
	for id, z := range m.zones {
		if z.IsRunning() {
			running = append(running, id)
		}
	}
	sort.Strings(running)

	if len(running) == 0 {
		m.mu.Unlock()
		return
	}

	next := running[0]
	for i, id := range running {
		if id == m.cfg.ForegroundID {
			next = running[(i+1)%len(running)]
			break
		}
	}
	m.mu.Unlock()

	m.logger.Info("switch-gesture", lager.Data{"next": next})
	if err := m.Focus(next); err != nil {
		m.logger.Error("switch-gesture-focus", err)
	}
}

// OnNotifyActiveZone delivers a zone's notification to the running
// foreground zone, unless the caller is the foreground zone itself.
func (m *Manager) OnNotifyActiveZone(caller, application, message string) {
	logger := m.logger.Session("notify-active-zone", lager.Data{
		"caller": caller, "application": application,
	})

	m.mu.Lock()
	foreground := m.runningForegroundLocked()
	m.mu.Unlock()

	if foreground == nil || foreground.ID() == caller {
		return
	}

	if err := foreground.SendNotification(caller, application, message); err != nil {
		logger.Error("send-notification", err)
	}
}

// OnDisplayOff switches back to the default zone when the blanked
// foreground zone opted into that policy.
func (m *Manager) OnDisplayOff(caller string) {
	m.mu.Lock()
	foreground := m.runningForegroundLocked()
	allowed := foreground != nil && foreground.SwitchToDefaultAfterTimeout()
	defaultID := m.cfg.DefaultID
	m.mu.Unlock()

	if !allowed {
		return
	}

	m.logger.Info("display-off-switching", lager.Data{"default": defaultID})
	if err := m.Focus(defaultID); err != nil {
		m.logger.Error("display-off-focus", err)
	}
}

// OnBusStateChanged republishes a zone's bus-address transition on the
// host bus.
func (m *Manager) OnBusStateChanged(id, address string) {
	m.connMu.Lock()
	conn := m.hostConn
	m.connMu.Unlock()

	if conn == nil {
		return
	}

	err := conn.Emit(
		zonekeeper.HostObjectPath,
		zonekeeper.HostInterface,
		zonekeeper.SignalContainerDbusState,
		zonekeeper.ContainerDbusStateSignal{ID: id, Address: address},
	)
	if err != nil {
		m.logger.Error("emit-container-dbus-state", err)
	}
}

// OnProxyCall authorizes and forwards one cross-domain call. The reply
// is produced only when the downstream reply arrives.
func (m *Manager) OnProxyCall(caller, target, busName, objectPath, iface, method string, args json.RawMessage, result bus.Result) {
	logger := m.logger.Session("proxy-call", lager.Data{
		"caller": caller, "target": target, "bus": busName,
		"path": objectPath, "interface": iface, "method": method,
	})

	if !m.policy.IsAllowed(caller, target, busName, objectPath, iface, method) {
		logger.Error("forbidden", zonekeeper.ForbiddenError{})
		metrics.RecordProxyCall("deny")
		result.SetError(zonekeeper.ForbiddenError{})
		return
	}

	logger.Info("forwarding")
	metrics.RecordProxyCall("allow")

	onResult := func(reply json.RawMessage, err error) {
		if err != nil {
			result.SetError(zonekeeper.ForwardedError{Reason: err.Error()})
			return
		}
		result.Set(reply)
	}

	if target == zonekeeper.HostID {
		m.connMu.Lock()
		conn := m.hostConn
		m.connMu.Unlock()

		if conn == nil {
			result.SetError(zonekeeper.NewError("host connection is down"))
			return
		}
		conn.CallAsync(busName, objectPath, iface, method, args, onResult)
		return
	}

	m.mu.Lock()
	targetZone, ok := m.zones[target]
	running := ok && targetZone.IsRunning()
	m.mu.Unlock()

	if !ok || !running {
		logger.Error("unknown-target", zonekeeper.ZoneNotFoundError{ID: target})
		result.SetError(zonekeeper.ZoneNotFoundError{ID: target})
		return
	}

	targetZone.ProxyCallAsync(busName, objectPath, iface, method, args, onResult)
}
