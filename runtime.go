package zonekeeper

//go:generate counterfeiter . Runtime

// Runtime is the primitive container handle the daemon drives. The actual
// container implementation (lxc, libvirt, a VM) lives outside this
// repository; anything satisfying this interface can back a zone.
//
// All operations must be idempotent with respect to re-entry after
// success: starting a started container or backgrounding a background
// container succeeds without side effects. Failures are reported as
// errors, never panics.
type Runtime interface {
	// Start brings the container up. After a successful start the runtime
	// reports the container's bus address through the callback installed
	// with SetOnBusAddressChanged, as soon as the address is valid.
	Start() error

	// Stop forcibly takes the container down.
	Stop() error

	// Shutdown requests an orderly guest-side shutdown and waits for it.
	Shutdown() error

	// Freeze suspends all tasks in the container; Unfreeze resumes them.
	Freeze() error
	Unfreeze() error

	// SetForeground grants the container the shared physical resources;
	// SetBackground revokes them. Both are idempotent.
	SetForeground() error
	SetBackground() error

	IsRunning() (bool, error)

	// SendNotification delivers a notification into the container through
	// a runtime-specific side channel. The daemon prefers the zone bus and
	// falls back to this when the bus is down.
	SendNotification(zone, application, message string) error

	// BusAddress returns the last reported bus address, or "" when the
	// container's bus is not reachable.
	BusAddress() string

	// SetOnBusAddressChanged installs the observer for bus-address
	// transitions. The callback fires for every change, including the
	// initial connect and the disconnect, and may be invoked from any
	// goroutine.
	SetOnBusAddressChanged(func(address string))

	// InitPid returns the pid of the container's init process, used to
	// enter the container's namespaces for network operations.
	InitPid() (int, error)

	// CgroupPath returns the host path of the container's cgroup directory
	// for the given subsystem (e.g. "devices").
	CgroupPath(subsystem string) (string, error)
}
