// Package config loads and validates the daemon's JSON configuration
// documents.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ProxyCallRule is one entry of the ordered proxy-call rule list. Empty
// glob fields match anything.
type ProxyCallRule struct {
	Caller           string `json:"caller"`
	Target           string `json:"target"`
	TargetBusName    string `json:"targetBusName"`
	TargetObjectPath string `json:"targetObjectPath"`
	TargetInterface  string `json:"targetInterface"`
	TargetMethod     string `json:"targetMethod"`
	Effect           string `json:"effect"`
}

// InputConfig configures the input gesture monitor.
type InputConfig struct {
	Enabled  bool   `json:"enabled"`
	Device   string `json:"device"`
	Code     uint16 `json:"code"`
	Count    int    `json:"numberOfEvents"`
	WindowMs int    `json:"timeWindowMs"`
}

// ManagerConfig is the daemon's top-level configuration. Immutable after
// load except for ForegroundID, which the manager updates as foreground
// arbitration proceeds.
type ManagerConfig struct {
	DefaultID           string          `json:"defaultId"`
	ForegroundID        string          `json:"foregroundId"`
	HostBusAddress      string          `json:"hostBusAddress"`
	ZonesPath           string          `json:"containersPath"`
	RunMountPointPrefix string          `json:"runMountPointPrefix"`
	ZoneConfigs         []string        `json:"containerConfigs"`
	ProxyCallRules      []ProxyCallRule `json:"proxyCallRules"`
	InputConfig         InputConfig     `json:"inputConfig"`
}

// ZoneConfig describes one zone. ID defaults to the config file's base
// name without extension.
type ZoneConfig struct {
	ID                          string   `json:"id"`
	RootfsPath                  string   `json:"rootfsPath"`
	Terminal                    int      `json:"terminal"`
	Privilege                   int      `json:"privilege"`
	SwitchToDefaultAfterTimeout bool     `json:"switchToDefaultAfterTimeout"`
	PermittedToSend             []string `json:"permittedToSend"`
	PermittedToRecv             []string `json:"permittedToRecv"`
}

// LoadManagerConfig reads and validates a manager config document.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	var cfg ManagerConfig
	if err := loadJSON(path, &cfg); err != nil {
		return ManagerConfig{}, err
	}

	if cfg.DefaultID == "" {
		return ManagerConfig{}, fmt.Errorf("%s: defaultId must not be empty", path)
	}
	for i, rule := range cfg.ProxyCallRules {
		switch rule.Effect {
		case "allow", "deny":
		default:
			return ManagerConfig{}, fmt.Errorf("%s: proxyCallRules[%d]: unknown effect %q", path, i, rule.Effect)
		}
	}

	if cfg.HostBusAddress == "" && cfg.RunMountPointPrefix != "" {
		cfg.HostBusAddress = "unix:path=" + filepath.Join(cfg.RunMountPointPrefix, "host", "bus.sock")
	}

	return cfg, nil
}

// LoadZoneConfig reads a zone config document.
func LoadZoneConfig(path string) (ZoneConfig, error) {
	var cfg ZoneConfig
	if err := loadJSON(path, &cfg); err != nil {
		return ZoneConfig{}, err
	}

	if cfg.ID == "" {
		base := filepath.Base(path)
		cfg.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}

	return cfg, nil
}

// ResolveZoneConfigPath resolves a zone config reference from the
// manager config: absolute paths stand, relative ones are taken against
// the manager config's directory.
func ResolveZoneConfigPath(managerConfigPath, ref string) string {
	if filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(filepath.Dir(managerConfigPath), ref)
}

func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
