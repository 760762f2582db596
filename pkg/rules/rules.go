// Package rules evaluates ordered host/path rewrite rules.
//
// A Table is built once from configuration and never modified, so it is safe
// to share between any number of concurrent requests. Evaluation stops at the
// first rule whose host pattern and path pattern both match.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/multierr"

	"github.com/ameodesign/vhost-router/pkg/config"
)

// Action is what the dispatcher does with a matched request.
type Action int

const (
	Proxy Action = iota
	Redirect
)

func (a Action) String() string {
	switch a {
	case Proxy:
		return config.ActionProxy
	case Redirect:
		return config.ActionRedirect
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

var proxySchemes = []string{"http://", "https://", "ws://", "wss://"}

// Rule is one compiled routing rule.
type Rule struct {
	Name   string
	Host   *regexp.Regexp // nil matches any host
	Path   *regexp.Regexp // nil matches any path
	Action Action
	Status int // redirect status
	Target *Template
}

// NewRule compiles rc. The host pattern is wrapped so it must match the whole
// host; the path pattern is used as written.
func NewRule(rc config.RuleConfig) (*Rule, error) {
	r := &Rule{Name: rc.Name, Status: rc.Status}

	switch rc.Action {
	case config.ActionProxy, "":
		r.Action = Proxy
	case config.ActionRedirect:
		r.Action = Redirect
	default:
		return nil, fmt.Errorf("rule %s: unknown action %q", rc.Name, rc.Action)
	}

	var err error
	if rc.Host != "" {
		if r.Host, err = regexp.Compile("^(?:" + rc.Host + ")$"); err != nil {
			return nil, fmt.Errorf("rule %s: host pattern: %w", rc.Name, err)
		}
	}
	if rc.Path != "" {
		if r.Path, err = regexp.Compile(rc.Path); err != nil {
			return nil, fmt.Errorf("rule %s: path pattern: %w", rc.Name, err)
		}
	}

	if r.Target, err = ParseTemplate(rc.Target); err != nil {
		return nil, fmt.Errorf("rule %s: %w", rc.Name, err)
	}
	if n := numGroups(r.Host); r.Target.maxHost > n {
		return nil, fmt.Errorf("rule %s: target references %%%d but the host pattern has %d groups", rc.Name, r.Target.maxHost, n)
	}
	if n := numGroups(r.Path); r.Target.maxPath > n {
		return nil, fmt.Errorf("rule %s: target references $%d but the path pattern has %d groups", rc.Name, r.Target.maxPath, n)
	}

	if r.Action == Proxy && !hasProxyScheme(rc.Target) {
		return nil, fmt.Errorf("rule %s: proxy target %q must start with one of %s", rc.Name, rc.Target, strings.Join(proxySchemes, ", "))
	}
	return r, nil
}

// match reports whether r applies and returns its captures. Group 0 of an
// absent pattern is the whole input.
func (r *Rule) match(host, path string) (hostCaps, pathCaps []string, ok bool) {
	hostCaps = []string{host}
	if r.Host != nil {
		if hostCaps = r.Host.FindStringSubmatch(host); hostCaps == nil {
			return nil, nil, false
		}
	}
	pathCaps = []string{path}
	if r.Path != nil {
		if pathCaps = r.Path.FindStringSubmatch(path); pathCaps == nil {
			return nil, nil, false
		}
	}
	return hostCaps, pathCaps, true
}

// Table is an ordered, immutable rule list.
type Table []*Rule

// Compile builds a Table from rule configs, keeping their order. All rules are
// compiled so every broken one is reported.
func Compile(rcs []config.RuleConfig) (Table, error) {
	var (
		t    = make(Table, 0, len(rcs))
		errs error
	)
	for _, rc := range rcs {
		r, err := NewRule(rc)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		t = append(t, r)
	}
	if errs != nil {
		return nil, errs
	}
	return t, nil
}

// Match is the result of a successful evaluation.
type Match struct {
	Rule         *Rule
	HostCaptures []string
	PathCaptures []string
}

// Target materializes the rule's target with the captured groups.
func (m *Match) Target() string {
	return m.Rule.Target.Expand(m.HostCaptures, m.PathCaptures)
}

// Match returns the first rule that applies to host and path. host must
// already be lowercased and stripped of its port.
func (t Table) Match(host, path string) (*Match, bool) {
	for _, r := range t {
		hostCaps, pathCaps, ok := r.match(host, path)
		if !ok {
			continue
		}
		return &Match{Rule: r, HostCaptures: hostCaps, PathCaptures: pathCaps}, true
	}
	return nil, false
}

func numGroups(re *regexp.Regexp) int {
	if re == nil {
		return 0
	}
	return re.NumSubexp()
}

func hasProxyScheme(target string) bool {
	lower := strings.ToLower(target)
	for _, s := range proxySchemes {
		if strings.HasPrefix(lower, s) {
			return true
		}
	}
	return false
}
