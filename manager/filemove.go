package manager

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"code.cloudfoundry.org/lager/v3"

	"github.com/zonekeeper/zonekeeper"
	"github.com/zonekeeper/zonekeeper/bus"
	"github.com/zonekeeper/zonekeeper/metrics"
	"github.com/zonekeeper/zonekeeper/zone"
)

// OnFileMoveRequest serves a zone's request to move one of its files to
// another zone. The reply is always a result code; only transport
// failures surface as bus errors.
//
// The path-based implementation mirrors the mount layout under
// containersPath. It does not cross mount namespaces; a deployment
// where zones own private mounts needs fd passing instead.
func (m *Manager) OnFileMoveRequest(caller, destination, path string, result bus.Result) {
	code := m.moveFile(caller, destination, path)
	metrics.RecordFileMove(string(code))
	result.Set(zonekeeper.FileMoveResponse{Result: code})
}

func (m *Manager) moveFile(caller, destination, path string) zonekeeper.FileMoveResult {
	logger := m.logger.Session("file-move", lager.Data{
		"src": caller, "dst": destination, "path": path,
	})
	logger.Info("requested")

	m.mu.Lock()
	src, srcOK := m.zones[caller]
	dst, dstOK := m.zones[destination]
	zonesPath := m.cfg.ZonesPath
	m.mu.Unlock()

	if !srcOK {
		logger.Error("source-not-found", zonekeeper.ZoneNotFoundError{ID: caller})
		return zonekeeper.FileMoveFailed
	}

	if !dstOK {
		logger.Error("destination-not-found", zonekeeper.ZoneNotFoundError{ID: destination})
		return zonekeeper.FileMoveDestinationNotFound
	}

	if caller == destination {
		logger.Error("wrong-destination", zonekeeper.NewError("cannot send a file to yourself"))
		return zonekeeper.FileMoveWrongDestination
	}

	if !src.PermittedToSend(path) {
		logger.Error("no-send-permission", zonekeeper.NewError("path not in permittedToSend"))
		return zonekeeper.FileMoveNoPermissionsSend
	}

	if !dst.PermittedToRecv(path) {
		logger.Error("no-receive-permission", zonekeeper.NewError("path not in permittedToRecv"))
		return zonekeeper.FileMoveNoPermissionsReceive
	}

	if hasDotDot(path) {
		logger.Error("path-escapes-zone", zonekeeper.NewError("path contains '..'"))
		return zonekeeper.FileMoveFailed
	}

	srcAbs := filepath.Join(zonesPath, caller, path)
	dstAbs := filepath.Join(zonesPath, destination, path)

	if err := moveFile(srcAbs, dstAbs); err != nil {
		logger.Error("move", err)
		return zonekeeper.FileMoveFailed
	}

	logger.Info("succeeded")
	m.notifyFileMoved(logger, dst, caller, path)
	return zonekeeper.FileMoveSucceeded
}

func (m *Manager) notifyFileMoved(logger lager.Logger, dst *zone.Zone, caller, path string) {
	err := dst.SendNotification(caller, path, zonekeeper.FileMoveNotification)
	if err != nil {
		logger.Error("notify-destination", err)
	}
}

func hasDotDot(path string) bool {
	for _, segment := range strings.Split(path, "/") {
		if segment == ".." {
			return true
		}
	}
	return false
}

// moveFile renames when possible and falls back to copy-and-remove for
// cross-device moves.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}

	return os.Remove(src)
}
