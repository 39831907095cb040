package zonekeeper

// State is the lifecycle state of a zone as tracked by the daemon.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateLocked   State = "LOCKED"
	StateFrozen   State = "FROZEN"
	StateAborting State = "ABORTING"
)

// HostID is the reserved identifier of the host domain. It addresses the
// host in proxy calls and may never be used as a zone id.
const HostID = "host"

// Well-known bus names, object paths and interfaces served by the daemon.
const (
	HostBusName    = "org.tizen.containers.host"
	HostObjectPath = "/org/tizen/containers/host"
	HostInterface  = "org.tizen.containers.host.manager"

	ZoneBusName    = "org.tizen.containers.domain"
	ZoneObjectPath = "/org/tizen/containers/domain"
	ZoneInterface  = "org.tizen.containers.domain.manager"
)

// The power manager's bus identity. The display-off signal is honored only
// when its sender holds PowerBusName.
const (
	PowerBusName          = "org.tizen.power"
	PowerObjectPath       = "/org/tizen/power"
	PowerInterface        = "org.tizen.power.manager"
	PowerSignalDisplayOff = "DisplayOff"
)

// Host-bus method and signal members.
const (
	MethodGetZoneIds          = "GetZoneIds"
	MethodGetActiveZoneId     = "GetActiveZoneId"
	MethodSetActiveZone       = "SetActiveZone"
	MethodGetZoneDbuses       = "GetZoneDbuses"
	MethodGetZoneInfo         = "GetZoneInfo"
	MethodCreateZone          = "CreateZone"
	MethodDestroyZone         = "DestroyZone"
	MethodStartZone           = "StartZone"
	MethodShutdownZone        = "ShutdownZone"
	MethodLockZone            = "LockZone"
	MethodUnlockZone          = "UnlockZone"
	MethodGrantDevice         = "GrantDevice"
	MethodRevokeDevice        = "RevokeDevice"
	MethodProxyCall           = "ProxyCall"
	MethodCreateNetdevVeth    = "CreateNetdevVeth"
	MethodCreateNetdevMacvlan = "CreateNetdevMacvlan"
	MethodCreateNetdevPhys    = "CreateNetdevPhys"
	MethodDestroyNetdev       = "DestroyNetdev"
	MethodGetNetdevList       = "GetNetdevList"
	MethodNetdevUp            = "NetdevUp"
	MethodNetdevDown          = "NetdevDown"
	MethodNetdevSetIPAddr     = "NetdevSetIPAddr"
	MethodNetdevDelIPAddr     = "NetdevDelIPAddr"

	SignalContainerDbusState = "ContainerDbusState"
)

// Zone-bus method and signal members.
const (
	MethodNotifyActiveContainer = "NotifyActiveContainer"
	MethodFileMoveRequest       = "FileMoveRequest"

	SignalNotification = "Notification"
)

// FileMoveResult is the reply code of a FileMoveRequest call.
type FileMoveResult string

const (
	FileMoveSucceeded            FileMoveResult = "FILE_MOVE_SUCCEEDED"
	FileMoveFailed               FileMoveResult = "FILE_MOVE_FAILED"
	FileMoveDestinationNotFound  FileMoveResult = "FILE_MOVE_DESTINATION_NOT_FOUND"
	FileMoveWrongDestination     FileMoveResult = "FILE_MOVE_WRONG_DESTINATION"
	FileMoveNoPermissionsSend    FileMoveResult = "FILE_MOVE_NO_PERMISSIONS_SEND"
	FileMoveNoPermissionsReceive FileMoveResult = "FILE_MOVE_NO_PERMISSIONS_RECEIVE"
)

// FileMoveNotification is the message carried by the Notification signal
// sent to the destination zone after a successful move.
const FileMoveNotification = "org.tizen.containers.file_move.SUCCEEDED"

// ZoneInfo is the host-bus view of a single zone.
type ZoneInfo struct {
	ID         string
	State      State
	RootfsPath string
	Terminal   int
}

// MacvlanMode selects the mode of a macvlan zone netdev.
type MacvlanMode string

const (
	MacvlanPrivate  MacvlanMode = "private"
	MacvlanVepa     MacvlanMode = "vepa"
	MacvlanBridge   MacvlanMode = "bridge"
	MacvlanPassthru MacvlanMode = "passthru"
)

// Device access flags for GrantDevice.
const (
	DeviceRead  uint32 = 1 << 0
	DeviceWrite uint32 = 1 << 1
	DeviceMknod uint32 = 1 << 2
)
