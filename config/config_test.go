package config_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zonekeeper/zonekeeper/config"
)

var _ = Describe("Config", func() {
	var tmpdir string

	write := func(name, content string) string {
		path := filepath.Join(tmpdir, name)
		Expect(os.MkdirAll(filepath.Dir(path), 0755)).To(Succeed())
		Expect(os.WriteFile(path, []byte(content), 0644)).To(Succeed())
		return path
	}

	BeforeEach(func() {
		var err error
		tmpdir, err = os.MkdirTemp("", "config-test")
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(os.RemoveAll, tmpdir)
	})

	Describe("LoadManagerConfig", func() {
		It("loads a complete document", func() {
			path := write("daemon.conf", `{
				"defaultId": "z1",
				"foregroundId": "",
				"hostBusAddress": "unix:path=/run/zk/host.sock",
				"containersPath": "/var/zones",
				"runMountPointPrefix": "/run/zones",
				"containerConfigs": ["zones/z1.conf"],
				"proxyCallRules": [
					{"caller": "z1", "target": "host", "effect": "allow"}
				],
				"inputConfig": {"enabled": true, "device": "/dev/input/event0", "code": 116, "numberOfEvents": 3, "timeWindowMs": 500}
			}`)

			cfg, err := config.LoadManagerConfig(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.DefaultID).To(Equal("z1"))
			Expect(cfg.ZonesPath).To(Equal("/var/zones"))
			Expect(cfg.ZoneConfigs).To(ConsistOf("zones/z1.conf"))
			Expect(cfg.ProxyCallRules).To(HaveLen(1))
			Expect(cfg.InputConfig.Code).To(Equal(uint16(116)))
		})

		It("defaults the host bus address under the run mount prefix", func() {
			path := write("daemon.conf", `{"defaultId": "z1", "runMountPointPrefix": "/run/zones"}`)

			cfg, err := config.LoadManagerConfig(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.HostBusAddress).To(Equal("unix:path=/run/zones/host/bus.sock"))
		})

		It("rejects an empty default id", func() {
			path := write("daemon.conf", `{"defaultId": ""}`)

			_, err := config.LoadManagerConfig(path)
			Expect(err).To(HaveOccurred())
		})

		It("rejects an unknown rule effect", func() {
			path := write("daemon.conf", `{
				"defaultId": "z1",
				"proxyCallRules": [{"effect": "maybe"}]
			}`)

			_, err := config.LoadManagerConfig(path)
			Expect(err).To(MatchError(ContainSubstring("unknown effect")))
		})

		It("fails on a missing file", func() {
			_, err := config.LoadManagerConfig(filepath.Join(tmpdir, "nope.conf"))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("LoadZoneConfig", func() {
		It("derives the id from the file name when absent", func() {
			path := write("zones/z7.conf", `{"privilege": 10}`)

			cfg, err := config.LoadZoneConfig(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.ID).To(Equal("z7"))
			Expect(cfg.Privilege).To(Equal(10))
		})

		It("keeps an explicit id", func() {
			path := write("zones/anything.conf", `{"id": "named"}`)

			cfg, err := config.LoadZoneConfig(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.ID).To(Equal("named"))
		})
	})

	Describe("ResolveZoneConfigPath", func() {
		It("keeps absolute references and rebases relative ones", func() {
			Expect(config.ResolveZoneConfigPath("/etc/zk/daemon.conf", "/abs/z.conf")).
				To(Equal("/abs/z.conf"))
			Expect(config.ResolveZoneConfigPath("/etc/zk/daemon.conf", "zones/z.conf")).
				To(Equal("/etc/zk/zones/z.conf"))
		})
	})
})
