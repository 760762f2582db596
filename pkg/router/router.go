// Package router ties virtual host selection, rule evaluation and dispatch
// together into the http.Handler behind the TLS listener.
//
// A Router is immutable. Reloading configuration builds a new one and the
// server swaps it in; requests already running finish on the old one.
package router

import (
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/net/http/httpguts"

	"github.com/ameodesign/vhost-router/pkg/config"
	"github.com/ameodesign/vhost-router/pkg/dispatch"
	"github.com/ameodesign/vhost-router/pkg/metrics"
	"github.com/ameodesign/vhost-router/pkg/rules"
	"github.com/ameodesign/vhost-router/pkg/staticfiles"
)

// Dispatcher carries out a matched rule.
type Dispatcher interface {
	Proxy(w http.ResponseWriter, r *http.Request, target string)
	Redirect(w http.ResponseWriter, r *http.Request, target string, status int)
}

// VirtualHost is one compiled name-based virtual host.
type VirtualHost struct {
	Name   string
	Names  []string // server name followed by aliases
	Rules  rules.Table
	Static *staticfiles.Handler
}

// Covers reports whether host (normalized) is one of vh's names.
func (vh *VirtualHost) Covers(host string) bool {
	for _, pattern := range vh.Names {
		if rules.MatchName(pattern, host) {
			return true
		}
	}
	return false
}

func (vh *VirtualHost) named(host string) bool {
	for _, name := range vh.Names {
		if name == host {
			return true
		}
	}
	return false
}

type Router struct {
	vhosts     []*VirtualHost
	dispatcher Dispatcher
	logger     logrus.FieldLogger
	metrics    *metrics.Metrics
}

// New compiles every virtual host in cfg. All rule errors are reported
// together. d may be nil for offline use (Resolve only); m may be nil.
func New(cfg *config.Config, d Dispatcher, logger logrus.FieldLogger, m *metrics.Metrics) (*Router, error) {
	if len(cfg.VirtualHosts) == 0 {
		return nil, fmt.Errorf("no virtual hosts configured")
	}

	contentTypes := cfg.Static.ContentTypeMap()
	rt := &Router{dispatcher: d, logger: logger, metrics: m}

	var errs error
	for _, vc := range cfg.VirtualHosts {
		table, err := rules.Compile(vc.Rules)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("virtual host %s: %w", vc.ServerName, err))
			continue
		}
		vh := &VirtualHost{
			Name:  vc.ServerName,
			Names: vc.Names(),
			Rules: table,
		}
		if vc.DocumentRoot != "" {
			vh.Static = staticfiles.New(vc.DocumentRoot, contentTypes, logger.WithField("vhost", vc.ServerName))
		}
		rt.vhosts = append(rt.vhosts, vh)
	}
	if errs != nil {
		return nil, errs
	}
	return rt, nil
}

// VirtualHosts returns the compiled virtual hosts in config order.
func (rt *Router) VirtualHosts() []*VirtualHost {
	return rt.vhosts
}

// Select returns the virtual host serving host. Exact names win over
// wildcards; a host no virtual host claims goes to the first one.
func (rt *Router) Select(host string) *VirtualHost {
	for _, vh := range rt.vhosts {
		if vh.named(host) {
			return vh
		}
	}
	for _, vh := range rt.vhosts {
		if vh.Covers(host) {
			return vh
		}
	}
	return rt.vhosts[0]
}

// Resolve selects the virtual host for hostport and evaluates its rules
// against path. ok is false when no rule matched and the request falls
// through to the document root.
func (rt *Router) Resolve(hostport, path string) (vh *VirtualHost, m *rules.Match, ok bool) {
	host := rules.NormalizeHost(hostport)
	vh = rt.Select(host)
	m, ok = vh.Rules.Match(host, path)
	return vh, m, ok
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Host == "" || !httpguts.ValidHostHeader(r.Host) {
		rt.logger.WithField("host", r.Host).Debug("Rejecting request with invalid host")
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	// The escaped form is matched so captured segments can be pasted into a
	// target URL unchanged.
	vh, m, ok := rt.Resolve(r.Host, r.URL.EscapedPath())
	if !ok {
		rt.metrics.Routed(vh.Name, "", "static")
		vh.Static.ServeHTTP(w, r)
		return
	}

	target := m.Target()
	action := m.Rule.Action.String()
	if m.Rule.Action == rules.Proxy && dispatch.IsWebsocketUpgrade(r) {
		action = "websocket"
	}
	rt.metrics.Routed(vh.Name, m.Rule.Name, action)
	rt.logger.WithFields(logrus.Fields{
		"vhost":  vh.Name,
		"rule":   m.Rule.Name,
		"action": action,
		"target": target,
	}).Debug("Routing request")

	switch m.Rule.Action {
	case rules.Redirect:
		rt.dispatcher.Redirect(w, r, target, m.Rule.Status)
	default:
		rt.dispatcher.Proxy(w, r, target)
	}
}
