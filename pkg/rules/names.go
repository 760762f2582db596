package rules

import (
	"net"
	"path"
	"strings"
)

// MatchName reports whether host is covered by a server name or alias.
// '*' matches any run of characters including dots, so "*.ameo.design"
// covers "bar.p.ameo.design" but not "ameo.design".
func MatchName(pattern, host string) bool {
	if pattern == host {
		return true
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return false
	}
	ok, err := path.Match(pattern, host)
	return err == nil && ok
}

// NormalizeHost lowercases a Host header value and strips the port.
func NormalizeHost(hostport string) string {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	return strings.TrimSuffix(strings.ToLower(host), ".")
}
