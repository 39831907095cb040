// Package policy decides whether a proxy call may cross domains.
package policy

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/zonekeeper/zonekeeper/config"
)

// Effect of a matching rule.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

type rule struct {
	caller     glob.Glob
	target     glob.Glob
	busName    glob.Glob
	objectPath glob.Glob
	iface      glob.Glob
	method     glob.Glob
	allow      bool
}

// ProxyCallPolicy is a stateless predicate over an ordered rule list.
// The first matching rule decides; no match means deny.
type ProxyCallPolicy struct {
	rules []rule
}

// New compiles the configured rules. Glob patterns are shell-style
// ('*', '?'); an empty pattern matches anything. A malformed pattern or
// effect is a configuration error.
func New(configs []config.ProxyCallRule) (*ProxyCallPolicy, error) {
	rules := make([]rule, 0, len(configs))

	for i, cfg := range configs {
		var allow bool
		switch Effect(cfg.Effect) {
		case Allow:
			allow = true
		case Deny:
			allow = false
		default:
			return nil, fmt.Errorf("rule %d: unknown effect %q", i, cfg.Effect)
		}

		r := rule{allow: allow}
		for _, field := range []struct {
			pattern string
			dst     *glob.Glob
		}{
			{cfg.Caller, &r.caller},
			{cfg.Target, &r.target},
			{cfg.TargetBusName, &r.busName},
			{cfg.TargetObjectPath, &r.objectPath},
			{cfg.TargetInterface, &r.iface},
			{cfg.TargetMethod, &r.method},
		} {
			compiled, err := compile(field.pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %d: bad pattern %q: %s", i, field.pattern, err)
			}
			*field.dst = compiled
		}

		rules = append(rules, r)
	}

	return &ProxyCallPolicy{rules: rules}, nil
}

func compile(pattern string) (glob.Glob, error) {
	if pattern == "" {
		pattern = "*"
	}
	return glob.Compile(pattern)
}

// IsAllowed matches the call tuple against the rules in order.
func (p *ProxyCallPolicy) IsAllowed(caller, target, busName, objectPath, iface, method string) bool {
	for _, r := range p.rules {
		if r.caller.Match(caller) &&
			r.target.Match(target) &&
			r.busName.Match(busName) &&
			r.objectPath.Match(objectPath) &&
			r.iface.Match(iface) &&
			r.method.Match(method) {
			return r.allow
		}
	}
	return false
}
