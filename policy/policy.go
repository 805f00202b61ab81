// Package policy implements the proxy-call rule matching engine: a small,
// ordered list of 6-tuple rules where "*" matches any value and the first
// matching rule, in declaration order, wins.
package policy

import "github.com/banksean/zoned/zone"

// Engine holds an ordered set of rules loaded from static configuration.
type Engine struct {
	rules []zone.ProxyCallRule
}

// New builds an Engine from rules in declaration order. The slice is
// copied; later mutation of the input has no effect.
func New(rules []zone.ProxyCallRule) *Engine {
	return &Engine{rules: append([]zone.ProxyCallRule(nil), rules...)}
}

const wildcard = "*"

func fieldMatches(pattern, value string) bool {
	return pattern == wildcard || pattern == value
}

// Call is the 6-tuple a ProxyCall request is matched against.
type Call struct {
	Caller     string
	Target     string
	BusName    string
	ObjectPath string
	Interface  string
	Method     string
}

// Allow reports whether call is permitted by the first matching rule, in
// declaration order. With no rule matching, the call is denied.
func (e *Engine) Allow(call Call) bool {
	for _, r := range e.rules {
		if fieldMatches(r.Caller, call.Caller) &&
			fieldMatches(r.Target, call.Target) &&
			fieldMatches(r.BusName, call.BusName) &&
			fieldMatches(r.ObjectPath, call.ObjectPath) &&
			fieldMatches(r.Interface, call.Interface) &&
			fieldMatches(r.Method, call.Method) {
			return true
		}
	}
	return false
}
