// Package client is the library unprivileged programs use to talk to
// the daemon over the host bus.
package client

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/lager/v3"

	"github.com/zonekeeper/zonekeeper"
	"github.com/zonekeeper/zonekeeper/bus"
	"github.com/zonekeeper/zonekeeper/ipc"
)

// Status classifies the outcome of the handle's last call.
type Status int

const (
	StatusSuccess Status = iota
	StatusCustomError
	StatusIOError
	StatusOperationFailed
)

// SubscriptionID identifies one state-callback registration. IDs are
// process-wide monotone and never reused.
type SubscriptionID uint64

var lastSubscriptionID uint64

// ZoneDbusStateCallback observes zone bus-address transitions.
type ZoneDbusStateCallback func(id, address string)

type Client interface {
	GetZoneIds() ([]string, error)
	GetActiveZoneId() (string, error)
	SetActiveZone(id string) error
	GetZoneDbuses() (map[string]string, error)
	GetZoneInfo(id string) (zonekeeper.ZoneInfo, error)

	CreateZone(id, templateName string) error
	DestroyZone(id string) error
	StartZone(id string) error
	ShutdownZone(id string) error
	LockZone(id string) error
	UnlockZone(id string) error

	GrantDevice(id, device string, flags uint32) error
	RevokeDevice(id, device string) error

	CreateNetdevVeth(id, zoneDev, hostDev string) error
	CreateNetdevMacvlan(id, zoneDev, hostDev string, mode zonekeeper.MacvlanMode) error
	CreateNetdevPhys(id, dev string) error
	DestroyNetdev(id, dev string) error
	GetNetdevList(id string) ([]string, error)
	NetdevUp(id, dev string) error
	NetdevDown(id, dev string) error
	NetdevSetIPAddr(id, dev, cidr string) error
	NetdevDelIPAddr(id, dev, cidr string) error

	ProxyCall(target, busName, objectPath, iface, method string, args, result interface{}) error

	AddStateCallback(cb ZoneDbusStateCallback) (SubscriptionID, error)
	DelStateCallback(id SubscriptionID) error

	Status() Status
	StatusMessage() string

	Close()
}

type client struct {
	conn    *bus.Conn
	timeout time.Duration

	mu            sync.Mutex
	status        Status
	statusMessage string
	subs          map[SubscriptionID]ZoneDbusStateCallback
	subscribed    bool
}

// Connect dials the host bus at the given address.
func Connect(address string) (Client, error) {
	return ConnectWithTimeout(address, 30*time.Second)
}

// ConnectWithTimeout dials the host bus with a per-call timeout.
func ConnectWithTimeout(address string, timeout time.Duration) (Client, error) {
	conn, err := bus.Dial(lager.NewLogger("zonekeeper-client"), address)
	if err != nil {
		return nil, err
	}

	return &client{
		conn:    conn,
		timeout: timeout,
		subs:    make(map[SubscriptionID]ZoneDbusStateCallback),
	}, nil
}

func (c *client) Close() {
	c.conn.Close()
}

func (c *client) call(method string, args, result interface{}) error {
	err := c.conn.Call(
		zonekeeper.HostBusName,
		zonekeeper.HostObjectPath,
		zonekeeper.HostInterface,
		method,
		args,
		result,
		c.timeout,
	)
	c.recordStatus(err)
	return err
}

func (c *client) recordStatus(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.status = StatusSuccess
		c.statusMessage = ""
		return
	}

	c.statusMessage = err.Error()

	switch err.(type) {
	case zonekeeper.ZoneNotFoundError, zonekeeper.ZoneStoppedError,
		zonekeeper.ForbiddenError, zonekeeper.ConfigError,
		zonekeeper.InvalidStateError:
		c.status = StatusCustomError
	case *ipc.CallError:
		c.status = StatusIOError
	default:
		c.status = StatusOperationFailed
	}
}

func (c *client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *client) StatusMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusMessage
}

func (c *client) GetZoneIds() ([]string, error) {
	var ids []string
	err := c.call(zonekeeper.MethodGetZoneIds, nil, &ids)
	return ids, err
}

func (c *client) GetActiveZoneId() (string, error) {
	var id string
	err := c.call(zonekeeper.MethodGetActiveZoneId, nil, &id)
	return id, err
}

func (c *client) SetActiveZone(id string) error {
	return c.call(zonekeeper.MethodSetActiveZone, zonekeeper.ZoneIDArgs{ID: id}, nil)
}

func (c *client) GetZoneDbuses() (map[string]string, error) {
	addresses := map[string]string{}
	err := c.call(zonekeeper.MethodGetZoneDbuses, nil, &addresses)
	return addresses, err
}

func (c *client) GetZoneInfo(id string) (zonekeeper.ZoneInfo, error) {
	var info zonekeeper.ZoneInfo
	err := c.call(zonekeeper.MethodGetZoneInfo, zonekeeper.ZoneIDArgs{ID: id}, &info)
	return info, err
}

func (c *client) CreateZone(id, templateName string) error {
	return c.call(zonekeeper.MethodCreateZone, zonekeeper.CreateZoneArgs{ID: id, TemplateName: templateName}, nil)
}

func (c *client) DestroyZone(id string) error {
	return c.call(zonekeeper.MethodDestroyZone, zonekeeper.ZoneIDArgs{ID: id}, nil)
}

func (c *client) StartZone(id string) error {
	return c.call(zonekeeper.MethodStartZone, zonekeeper.ZoneIDArgs{ID: id}, nil)
}

func (c *client) ShutdownZone(id string) error {
	return c.call(zonekeeper.MethodShutdownZone, zonekeeper.ZoneIDArgs{ID: id}, nil)
}

func (c *client) LockZone(id string) error {
	return c.call(zonekeeper.MethodLockZone, zonekeeper.ZoneIDArgs{ID: id}, nil)
}

func (c *client) UnlockZone(id string) error {
	return c.call(zonekeeper.MethodUnlockZone, zonekeeper.ZoneIDArgs{ID: id}, nil)
}

func (c *client) GrantDevice(id, device string, flags uint32) error {
	return c.call(zonekeeper.MethodGrantDevice, zonekeeper.DeviceArgs{ID: id, Device: device, Flags: flags}, nil)
}

func (c *client) RevokeDevice(id, device string) error {
	return c.call(zonekeeper.MethodRevokeDevice, zonekeeper.DeviceArgs{ID: id, Device: device}, nil)
}

func (c *client) CreateNetdevVeth(id, zoneDev, hostDev string) error {
	return c.call(zonekeeper.MethodCreateNetdevVeth, zonekeeper.NetdevVethArgs{ID: id, ZoneDev: zoneDev, HostDev: hostDev}, nil)
}

func (c *client) CreateNetdevMacvlan(id, zoneDev, hostDev string, mode zonekeeper.MacvlanMode) error {
	return c.call(zonekeeper.MethodCreateNetdevMacvlan, zonekeeper.NetdevMacvlanArgs{ID: id, ZoneDev: zoneDev, HostDev: hostDev, Mode: mode}, nil)
}

func (c *client) CreateNetdevPhys(id, dev string) error {
	return c.call(zonekeeper.MethodCreateNetdevPhys, zonekeeper.NetdevArgs{ID: id, Netdev: dev}, nil)
}

func (c *client) DestroyNetdev(id, dev string) error {
	return c.call(zonekeeper.MethodDestroyNetdev, zonekeeper.NetdevArgs{ID: id, Netdev: dev}, nil)
}

func (c *client) GetNetdevList(id string) ([]string, error) {
	var netdevs []string
	err := c.call(zonekeeper.MethodGetNetdevList, zonekeeper.ZoneIDArgs{ID: id}, &netdevs)
	return netdevs, err
}

func (c *client) NetdevUp(id, dev string) error {
	return c.call(zonekeeper.MethodNetdevUp, zonekeeper.NetdevArgs{ID: id, Netdev: dev}, nil)
}

func (c *client) NetdevDown(id, dev string) error {
	return c.call(zonekeeper.MethodNetdevDown, zonekeeper.NetdevArgs{ID: id, Netdev: dev}, nil)
}

func (c *client) NetdevSetIPAddr(id, dev, cidr string) error {
	return c.call(zonekeeper.MethodNetdevSetIPAddr, zonekeeper.NetdevAddrArgs{ID: id, Netdev: dev, CIDR: cidr}, nil)
}

func (c *client) NetdevDelIPAddr(id, dev, cidr string) error {
	return c.call(zonekeeper.MethodNetdevDelIPAddr, zonekeeper.NetdevAddrArgs{ID: id, Netdev: dev, CIDR: cidr}, nil)
}

func (c *client) ProxyCall(target, busName, objectPath, iface, method string, args, result interface{}) error {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		c.recordStatus(err)
		return err
	}

	return c.call(zonekeeper.MethodProxyCall, zonekeeper.ProxyCallArgs{
		Target:     target,
		BusName:    busName,
		ObjectPath: objectPath,
		Interface:  iface,
		Method:     method,
		Args:       rawArgs,
	}, result)
}

// AddStateCallback subscribes to zone bus-state transitions.
func (c *client) AddStateCallback(cb ZoneDbusStateCallback) (SubscriptionID, error) {
	c.mu.Lock()
	needSubscribe := !c.subscribed
	c.subscribed = true
	c.mu.Unlock()

	if needSubscribe {
		err := c.conn.Subscribe(
			zonekeeper.HostInterface,
			zonekeeper.SignalContainerDbusState,
			zonekeeper.HostBusName,
			c.handleContainerDbusState,
		)
		if err != nil {
			c.recordStatus(err)
			return 0, err
		}
	}

	id := SubscriptionID(atomic.AddUint64(&lastSubscriptionID, 1))

	c.mu.Lock()
	c.subs[id] = cb
	c.mu.Unlock()

	c.recordStatus(nil)
	return id, nil
}

// DelStateCallback removes a subscription.
func (c *client) DelStateCallback(id SubscriptionID) error {
	c.mu.Lock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()

	if !ok {
		err := zonekeeper.NewError("no such subscription")
		c.recordStatus(err)
		return err
	}
	c.recordStatus(nil)
	return nil
}

func (c *client) handleContainerDbusState(senderNames []string, args json.RawMessage) {
	var sig zonekeeper.ContainerDbusStateSignal
	if err := json.Unmarshal(args, &sig); err != nil {
		return
	}

	c.mu.Lock()
	callbacks := make([]ZoneDbusStateCallback, 0, len(c.subs))
	for _, cb := range c.subs {
		callbacks = append(callbacks, cb)
	}
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb(sig.ID, sig.Address)
	}
}
