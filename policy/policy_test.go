package policy_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zonekeeper/zonekeeper/config"
	"github.com/zonekeeper/zonekeeper/policy"
)

var _ = Describe("ProxyCallPolicy", func() {
	It("denies everything with no rules", func() {
		p, err := policy.New(nil)
		Expect(err).ToNot(HaveOccurred())

		Expect(p.IsAllowed("z1", "host", "org.foo", "/", "org.foo", "Ping")).To(BeFalse())
	})

	It("lets the first matching rule decide", func() {
		p, err := policy.New([]config.ProxyCallRule{
			{Caller: "z1", Target: "host", Effect: "allow"},
			{Effect: "deny"},
		})
		Expect(err).ToNot(HaveOccurred())

		Expect(p.IsAllowed("z1", "host", "org.foo", "/", "org.foo", "Ping")).To(BeTrue())
		Expect(p.IsAllowed("z2", "host", "org.foo", "/", "org.foo", "Ping")).To(BeFalse())
	})

	It("stops at an earlier deny even when a later allow matches", func() {
		p, err := policy.New([]config.ProxyCallRule{
			{Caller: "z1", TargetMethod: "Forbidden", Effect: "deny"},
			{Caller: "z1", Effect: "allow"},
		})
		Expect(err).ToNot(HaveOccurred())

		Expect(p.IsAllowed("z1", "host", "b", "/", "i", "Forbidden")).To(BeFalse())
		Expect(p.IsAllowed("z1", "host", "b", "/", "i", "Anything")).To(BeTrue())
	})

	It("treats empty patterns as match-anything", func() {
		p, err := policy.New([]config.ProxyCallRule{{Effect: "allow"}})
		Expect(err).ToNot(HaveOccurred())

		Expect(p.IsAllowed("whoever", "wherever", "b", "/deep/path", "i.face", "M")).To(BeTrue())
	})

	It("supports shell-style wildcards", func() {
		p, err := policy.New([]config.ProxyCallRule{
			{Caller: "z?", TargetBusName: "org.tizen.*", Effect: "allow"},
		})
		Expect(err).ToNot(HaveOccurred())

		Expect(p.IsAllowed("z1", "host", "org.tizen.power", "/", "i", "M")).To(BeTrue())
		Expect(p.IsAllowed("z12", "host", "org.tizen.power", "/", "i", "M")).To(BeFalse())
		Expect(p.IsAllowed("z1", "host", "org.gnome.shell", "/", "i", "M")).To(BeFalse())
	})

	It("rejects unknown effects", func() {
		_, err := policy.New([]config.ProxyCallRule{{Effect: "permit"}})
		Expect(err).To(HaveOccurred())
	})
})
