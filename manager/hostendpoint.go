package manager

import (
	"encoding/json"

	"github.com/zonekeeper/zonekeeper"
	"github.com/zonekeeper/zonekeeper/bus"
	"github.com/zonekeeper/zonekeeper/metrics"
	"github.com/zonekeeper/zonekeeper/zone"
)

// exportHostMethods publishes the manager's API on the host bus.
func (m *Manager) exportHostMethods(conn *bus.Conn) {
	conn.Export(zonekeeper.HostObjectPath, zonekeeper.HostInterface, map[string]bus.MethodFunc{
		zonekeeper.MethodGetZoneIds: func(args json.RawMessage, result bus.Result) {
			result.Set(m.ZoneIDs())
		},

		zonekeeper.MethodGetActiveZoneId: func(args json.RawMessage, result bus.Result) {
			result.Set(m.ActiveZoneID())
		},

		zonekeeper.MethodSetActiveZone: m.zoneIDMethod(func(id string) error {
			return m.Focus(id)
		}),

		zonekeeper.MethodGetZoneDbuses: func(args json.RawMessage, result bus.Result) {
			result.Set(m.ZoneBusAddresses())
		},

		zonekeeper.MethodGetZoneInfo: func(args json.RawMessage, result bus.Result) {
			var req zonekeeper.ZoneIDArgs
			if err := json.Unmarshal(args, &req); err != nil {
				result.SetError(err)
				return
			}
			info, err := m.ZoneInfo(req.ID)
			if err != nil {
				result.SetError(err)
				return
			}
			result.Set(info)
		},

		zonekeeper.MethodCreateZone: func(args json.RawMessage, result bus.Result) {
			var req zonekeeper.CreateZoneArgs
			if err := json.Unmarshal(args, &req); err != nil {
				result.SetError(err)
				return
			}
			completeVoid(result, m.CreateZone(req.ID, req.TemplateName))
		},

		zonekeeper.MethodDestroyZone: m.zoneIDMethod(m.DestroyZone),

		zonekeeper.MethodStartZone: m.zoneOp("start", (*zone.Zone).Start),

		zonekeeper.MethodShutdownZone: m.zoneOp("shutdown", (*zone.Zone).Shutdown),

		zonekeeper.MethodLockZone: m.zoneOp("lock", (*zone.Zone).Lock),

		zonekeeper.MethodUnlockZone: m.zoneOp("unlock", (*zone.Zone).Unlock),

		zonekeeper.MethodGrantDevice: func(args json.RawMessage, result bus.Result) {
			var req zonekeeper.DeviceArgs
			if err := json.Unmarshal(args, &req); err != nil {
				result.SetError(err)
				return
			}
			z, err := m.zoneByID(req.ID)
			if err != nil {
				result.SetError(err)
				return
			}
			completeVoid(result, z.GrantDevice(req.Device, req.Flags))
		},

		zonekeeper.MethodRevokeDevice: func(args json.RawMessage, result bus.Result) {
			var req zonekeeper.DeviceArgs
			if err := json.Unmarshal(args, &req); err != nil {
				result.SetError(err)
				return
			}
			z, err := m.zoneByID(req.ID)
			if err != nil {
				result.SetError(err)
				return
			}
			completeVoid(result, z.RevokeDevice(req.Device))
		},

		zonekeeper.MethodProxyCall: func(args json.RawMessage, result bus.Result) {
			var req zonekeeper.ProxyCallArgs
			if err := json.Unmarshal(args, &req); err != nil {
				result.SetError(err)
				return
			}
			m.OnProxyCall(zonekeeper.HostID, req.Target, req.BusName, req.ObjectPath, req.Interface, req.Method, req.Args, result)
		},

		zonekeeper.MethodCreateNetdevVeth: func(args json.RawMessage, result bus.Result) {
			var req zonekeeper.NetdevVethArgs
			if err := json.Unmarshal(args, &req); err != nil {
				result.SetError(err)
				return
			}
			z, err := m.zoneByID(req.ID)
			if err != nil {
				result.SetError(err)
				return
			}
			completeVoid(result, z.CreateNetdevVeth(req.ZoneDev, req.HostDev))
		},

		zonekeeper.MethodCreateNetdevMacvlan: func(args json.RawMessage, result bus.Result) {
			var req zonekeeper.NetdevMacvlanArgs
			if err := json.Unmarshal(args, &req); err != nil {
				result.SetError(err)
				return
			}
			z, err := m.zoneByID(req.ID)
			if err != nil {
				result.SetError(err)
				return
			}
			completeVoid(result, z.CreateNetdevMacvlan(req.ZoneDev, req.HostDev, req.Mode))
		},

		zonekeeper.MethodCreateNetdevPhys: m.netdevMethod((*zone.Zone).CreateNetdevPhys),

		zonekeeper.MethodDestroyNetdev: m.netdevMethod((*zone.Zone).DestroyNetdev),

		zonekeeper.MethodGetNetdevList: func(args json.RawMessage, result bus.Result) {
			var req zonekeeper.ZoneIDArgs
			if err := json.Unmarshal(args, &req); err != nil {
				result.SetError(err)
				return
			}
			z, err := m.zoneByID(req.ID)
			if err != nil {
				result.SetError(err)
				return
			}
			netdevs, err := z.NetdevList()
			if err != nil {
				result.SetError(err)
				return
			}
			result.Set(netdevs)
		},

		zonekeeper.MethodNetdevUp: m.netdevMethod((*zone.Zone).NetdevUp),

		zonekeeper.MethodNetdevDown: m.netdevMethod((*zone.Zone).NetdevDown),

		zonekeeper.MethodNetdevSetIPAddr: m.netdevAddrMethod((*zone.Zone).NetdevSetIPAddr),

		zonekeeper.MethodNetdevDelIPAddr: m.netdevAddrMethod((*zone.Zone).NetdevDelIPAddr),
	})
}

func completeVoid(result bus.Result, err error) {
	if err != nil {
		result.SetError(err)
		return
	}
	result.Set(nil)
}

func (m *Manager) zoneIDMethod(op func(id string) error) bus.MethodFunc {
	return func(args json.RawMessage, result bus.Result) {
		var req zonekeeper.ZoneIDArgs
		if err := json.Unmarshal(args, &req); err != nil {
			result.SetError(err)
			return
		}
		completeVoid(result, op(req.ID))
	}
}

func (m *Manager) zoneOp(name string, op func(*zone.Zone) error) bus.MethodFunc {
	return func(args json.RawMessage, result bus.Result) {
		var req zonekeeper.ZoneIDArgs
		if err := json.Unmarshal(args, &req); err != nil {
			result.SetError(err)
			return
		}
		z, err := m.zoneByID(req.ID)
		if err != nil {
			result.SetError(err)
			return
		}
		if err := op(z); err != nil {
			result.SetError(err)
			return
		}
		metrics.RecordZoneOp(name)
		result.Set(nil)
	}
}

func (m *Manager) netdevMethod(op func(*zone.Zone, string) error) bus.MethodFunc {
	return func(args json.RawMessage, result bus.Result) {
		var req zonekeeper.NetdevArgs
		if err := json.Unmarshal(args, &req); err != nil {
			result.SetError(err)
			return
		}
		z, err := m.zoneByID(req.ID)
		if err != nil {
			result.SetError(err)
			return
		}
		completeVoid(result, op(z, req.Netdev))
	}
}

func (m *Manager) netdevAddrMethod(op func(*zone.Zone, string, string) error) bus.MethodFunc {
	return func(args json.RawMessage, result bus.Result) {
		var req zonekeeper.NetdevAddrArgs
		if err := json.Unmarshal(args, &req); err != nil {
			result.SetError(err)
			return
		}
		z, err := m.zoneByID(req.ID)
		if err != nil {
			result.SetError(err)
			return
		}
		completeVoid(result, op(z, req.Netdev, req.CIDR))
	}
}
