// Package dispatch carries out a matched rule: it proxies the request to the
// materialized upstream URL, relays websocket upgrades, or answers with a
// redirect.
//
// Upstream failures never escape a request. A backend that refuses the
// connection yields 502, one that doesn't answer within the response timeout
// yields 504.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ameodesign/vhost-router/pkg/logging"
	"github.com/ameodesign/vhost-router/pkg/metrics"
)

// RequestIDHeader is set on proxied requests that don't carry one already.
const RequestIDHeader = "X-Request-Id"

type targetKey struct{}

func withTarget(ctx context.Context, target *url.URL) context.Context {
	return context.WithValue(ctx, targetKey{}, target)
}

func targetFrom(ctx context.Context) *url.URL {
	target, _ := ctx.Value(targetKey{}).(*url.URL)
	return target
}

// Dispatcher is safe for concurrent use. One Dispatcher serves every virtual
// host so upstream connections are pooled across them.
type Dispatcher struct {
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	opts    Options

	dialer    *upstreamDialer
	transport *http.Transport
	proxy     *httputil.ReverseProxy

	errLimiter *rate.Limiter
	suppressed atomic.Int64
	errorLog   io.Closer

	relays    atomic.Int64
	closing   chan struct{}
	closeOnce sync.Once
}

// New builds a Dispatcher. m may be nil.
func New(opts Options, logger logrus.FieldLogger, m *metrics.Metrics) *Dispatcher {
	d := &Dispatcher{
		logger:     logger,
		metrics:    m,
		opts:       opts,
		dialer:     &upstreamDialer{net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}},
		errLimiter: rate.NewLimiter(rate.Every(time.Second), 10),
		closing:    make(chan struct{}),
	}
	d.transport = newTransport(opts, d.dialer)
	errorLog, closer := logging.StdLogger(logger, logrus.WarnLevel)
	d.errorLog = closer
	d.proxy = &httputil.ReverseProxy{
		Rewrite:       d.rewrite,
		Transport:     d.transport,
		FlushInterval: -1,
		ErrorHandler:  d.handleError,
		ErrorLog:      errorLog,
	}
	return d
}

// Close drops idle upstream connections and tears down websocket relays.
// http.Server.Shutdown doesn't track hijacked connections, so the server
// calls this on the way out.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.closing)
		d.errorLog.Close()
	})
	d.transport.CloseIdleConnections()
}

// ActiveRelays is the number of websocket relays currently running.
func (d *Dispatcher) ActiveRelays() int64 {
	return d.relays.Load()
}

// CloseIdleConnections drops pooled upstream connections but leaves running
// relays alone. Used when a reload replaces the dispatcher.
func (d *Dispatcher) CloseIdleConnections() {
	d.transport.CloseIdleConnections()
}

// Proxy forwards r to target and streams the response back. The request's
// query string is passed on unless target has its own.
func (d *Dispatcher) Proxy(w http.ResponseWriter, r *http.Request, target string) {
	u, err := url.Parse(target)
	if err == nil && u.Host == "" {
		err = errors.New("missing host")
	}
	if err != nil {
		d.metrics.UpstreamFailure(metrics.FailureOther)
		d.logFailure(r, target, http.StatusBadGateway, fmt.Errorf("invalid upstream url: %w", err))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	if u.RawQuery == "" {
		u.RawQuery = r.URL.RawQuery
	}

	if IsWebsocketUpgrade(r) {
		d.relayWebsocket(w, r, u)
		return
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	d.proxy.ServeHTTP(w, r.WithContext(withTarget(r.Context(), u)))
}

// Redirect answers with status and a Location of target. The request's query
// string is appended unless target has its own.
func (d *Dispatcher) Redirect(w http.ResponseWriter, r *http.Request, target string, status int) {
	location := target
	if r.URL.RawQuery != "" && !strings.Contains(target, "?") {
		location += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, location, status)
}

func (d *Dispatcher) rewrite(pr *httputil.ProxyRequest) {
	target := targetFrom(pr.In.Context())

	pr.Out.URL.Scheme = target.Scheme
	pr.Out.URL.Host = target.Host
	pr.Out.URL.Path = target.Path
	pr.Out.URL.RawPath = target.RawPath
	pr.Out.URL.RawQuery = target.RawQuery
	pr.Out.Host = ""

	pr.SetXForwarded()
	setRequestID(pr.Out.Header)
}

func (d *Dispatcher) handleError(w http.ResponseWriter, r *http.Request, err error) {
	target := ""
	if u := targetFrom(r.Context()); u != nil {
		target = u.String()
	}

	// The client hung up. Any error the upstream side reports is a
	// consequence of that.
	if r.Context().Err() != nil {
		d.logger.WithFields(logrus.Fields{"host": r.Host, "path": r.URL.Path, "target": target}).Debug("Client went away before upstream answered")
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	status, kind := classify(err)
	d.metrics.UpstreamFailure(kind)
	d.logFailure(r, target, status, err)
	http.Error(w, http.StatusText(status), status)
}

// classify maps an upstream error to the status sent to the client.
func classify(err error) (status int, kind string) {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return http.StatusBadGateway, metrics.FailureConnect
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, metrics.FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout, metrics.FailureTimeout
	}
	return http.StatusBadGateway, metrics.FailureOther
}

// logFailure logs at most a burst of failures per second. Dropped lines are
// counted and reported with the next one that gets through.
func (d *Dispatcher) logFailure(r *http.Request, target string, status int, err error) {
	if !d.errLimiter.Allow() {
		d.suppressed.Add(1)
		return
	}
	fields := logrus.Fields{
		"method": r.Method,
		"host":   r.Host,
		"path":   r.URL.Path,
		"target": target,
		"status": status,
	}
	if n := d.suppressed.Swap(0); n > 0 {
		fields["suppressed"] = n
	}
	d.logger.WithFields(fields).WithError(err).Error("Upstream request failed")
}

func setRequestID(h http.Header) {
	if h.Get(RequestIDHeader) == "" {
		h.Set(RequestIDHeader, uuid.New().String())
	}
}
