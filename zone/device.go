package zone

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"code.cloudfoundry.org/lager/v3"

	"github.com/zonekeeper/zonekeeper"
)

// Device access is granted through the zone's devices cgroup: an entry
// of the form "c 10:200 rw" written to devices.allow or devices.deny.

// GrantDevice allows the zone to access a host device node with the
// given flags (DeviceRead|DeviceWrite|DeviceMknod).
func (z *Zone) GrantDevice(device string, flags uint32) error {
	entry, err := z.deviceEntry(device, permString(flags))
	if err != nil {
		return err
	}
	if err := z.writeDeviceCgroup("devices.allow", entry); err != nil {
		return err
	}

	z.logger.Info("device-granted", lager.Data{"device": device, "entry": entry})
	return nil
}

// RevokeDevice withdraws all access to a host device node.
func (z *Zone) RevokeDevice(device string) error {
	entry, err := z.deviceEntry(device, "rwm")
	if err != nil {
		return err
	}
	if err := z.writeDeviceCgroup("devices.deny", entry); err != nil {
		return err
	}

	z.logger.Info("device-revoked", lager.Data{"device": device, "entry": entry})
	return nil
}

func (z *Zone) deviceEntry(device, perms string) (string, error) {
	if !z.IsRunning() {
		return "", zonekeeper.ZoneStoppedError{ID: z.ID()}
	}

	var st unix.Stat_t
	if err := unix.Stat(device, &st); err != nil {
		return "", zonekeeper.NewZoneOperationError(z.ID(), "stat-device", err)
	}

	var devType byte
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFCHR:
		devType = 'c'
	case unix.S_IFBLK:
		devType = 'b'
	default:
		return "", zonekeeper.NewZoneOperationError(z.ID(), "grant-device",
			fmt.Errorf("not a device node: %s", device))
	}

	rdev := uint64(st.Rdev)
	return fmt.Sprintf("%c %d:%d %s", devType, unix.Major(rdev), unix.Minor(rdev), perms), nil
}

func (z *Zone) writeDeviceCgroup(file, entry string) error {
	cgroupPath, err := z.runtime.CgroupPath("devices")
	if err != nil {
		return zonekeeper.NewZoneOperationError(z.ID(), "device-cgroup", err)
	}

	path := filepath.Join(cgroupPath, file)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return zonekeeper.NewZoneOperationError(z.ID(), "device-cgroup", err)
	}
	defer f.Close()

	if _, err := f.WriteString(entry); err != nil {
		return zonekeeper.NewZoneOperationError(z.ID(), "device-cgroup", err)
	}
	return nil
}

func permString(flags uint32) string {
	perms := ""
	if flags&zonekeeper.DeviceRead != 0 {
		perms += "r"
	}
	if flags&zonekeeper.DeviceWrite != 0 {
		perms += "w"
	}
	if flags&zonekeeper.DeviceMknod != 0 {
		perms += "m"
	}
	if perms == "" {
		perms = "r"
	}
	return perms
}
