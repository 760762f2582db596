// Package httpserver runs the public listeners: TLS for the virtual hosts,
// plain HTTP that redirects to https, and an optional metrics listener.
package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/net/http/httpguts"

	"github.com/ameodesign/vhost-router/pkg/config"
	"github.com/ameodesign/vhost-router/pkg/logging"
	"github.com/ameodesign/vhost-router/pkg/metrics"
)

const shutdownTimeout = 15 * time.Second

// Options describe the listeners. Empty PlainAddr or MetricsAddr disables
// that listener.
type Options struct {
	HTTPSAddr    string
	PlainAddr    string
	RedirectHTTP bool // plain listener redirects instead of routing
	MetricsAddr  string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

// OptionsFromConfig derives listener options from cfg.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	readHeader, read, write, idle, err := cfg.HTTP.Timeouts.Durations()
	if err != nil {
		return Options{}, err
	}
	o := Options{
		HTTPSAddr:         cfg.HTTP.HTTPSAddr(),
		PlainAddr:         cfg.HTTP.PlainAddr(),
		RedirectHTTP:      cfg.HTTP.RedirectHTTP,
		ReadHeaderTimeout: readHeader,
		ReadTimeout:       read,
		WriteTimeout:      write,
		IdleTimeout:       idle,
	}
	if cfg.Metrics.Enabled {
		o.MetricsAddr = cfg.Metrics.Addr
	}
	return o, nil
}

type listener struct {
	name   string
	server *http.Server
	ln     net.Listener
	tls    bool
}

type Server struct {
	opts      Options
	tlsConfig *tls.Config
	logger    logrus.FieldLogger
	metrics   *metrics.Metrics

	handler atomic.Value // http.Handler

	mu         sync.Mutex
	listeners  []*listener
	errorLog   io.Closer
	httpsPort  string
	onShutdown []func()
}

// NewServer creates a Server but doesn't bind anything yet. tlsConfig must
// provide certificates through GetCertificate.
func NewServer(opts Options, tlsConfig *tls.Config, h http.Handler, logger logrus.FieldLogger, m *metrics.Metrics) *Server {
	s := &Server{
		opts:      opts,
		tlsConfig: tlsConfig,
		logger:    logger,
		metrics:   m,
	}
	s.SetHandler(h)
	return s
}

// SetHandler swaps the handler behind the TLS listener. Requests already in
// flight finish on the previous one.
func (s *Server) SetHandler(h http.Handler) {
	s.handler.Store(handlerBox{h})
}

type handlerBox struct{ http.Handler }

// Handler returns the handler currently behind the TLS listener.
func (s *Server) Handler() http.Handler {
	return s.handler.Load().(handlerBox).Handler
}

// OnShutdown registers f to run when Stop begins, before open connections
// are drained. Hijacked connections aren't tracked by http.Server, so whoever
// hijacks closes them here.
func (s *Server) OnShutdown(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onShutdown = append(s.onShutdown, f)
}

// Listen binds every configured listener. It is separate from Start so that
// a port conflict surfaces before the process reports itself ready.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) > 0 {
		return nil
	}

	routed := s.metrics.WithLatencyTracking(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Handler().ServeHTTP(w, r)
	}))
	errorLog, errorLogCloser := logging.StdLogger(s.logger, logrus.DebugLevel)

	var bound []*listener
	bind := func(name, addr string, h http.Handler, isTLS bool) error {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("%s listener on %s: %w", name, addr, err)
		}
		srv := &http.Server{
			Handler:           h,
			ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
			ReadTimeout:       s.opts.ReadTimeout,
			WriteTimeout:      s.opts.WriteTimeout,
			IdleTimeout:       s.opts.IdleTimeout,
			ErrorLog:          errorLog,
		}
		if isTLS {
			srv.TLSConfig = s.tlsConfig
		}
		bound = append(bound, &listener{name: name, server: srv, ln: ln, tls: isTLS})
		return nil
	}

	err := bind("https", s.opts.HTTPSAddr, routed, true)
	if err == nil && s.opts.PlainAddr != "" {
		var plain http.Handler = routed
		if s.opts.RedirectHTTP {
			plain = http.HandlerFunc(s.redirectToHTTPS)
		}
		err = bind("http", s.opts.PlainAddr, plain, false)
	}
	if err == nil && s.opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		err = bind("metrics", s.opts.MetricsAddr, mux, false)
	}
	if err != nil {
		for _, l := range bound {
			l.ln.Close()
		}
		errorLogCloser.Close()
		return err
	}

	_, s.httpsPort, _ = net.SplitHostPort(bound[0].ln.Addr().String())
	s.listeners = bound
	s.errorLog = errorLogCloser
	return nil
}

// Addr returns the bound address of the named listener ("https", "http" or
// "metrics"), or "" if it isn't listening.
func (s *Server) Addr(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		if l.name == name {
			return l.ln.Addr().String()
		}
	}
	return ""
}

// Start serves until ctx is cancelled or a listener fails, then stops
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	listeners := s.listeners
	s.mu.Unlock()

	errc := make(chan error, len(listeners))
	for _, l := range listeners {
		go func(l *listener) {
			s.logger.WithField("addr", l.ln.Addr().String()).Infof("%s server listening", strings.ToUpper(l.name))
			var err error
			if l.tls {
				err = l.server.ServeTLS(l.ln, "", "")
			} else {
				err = l.server.Serve(l.ln)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("%s server: %w", l.name, err)
			}
		}(l)
	}

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received by HTTP server...")
		return s.Stop()
	case err := <-errc:
		s.logger.WithError(err).Error("Listener failed, stopping")
		return multierr.Append(err, s.Stop())
	}
}

// Stop gracefully stops every listener.
func (s *Server) Stop() error {
	s.mu.Lock()
	listeners := s.listeners
	hooks := s.onShutdown
	errorLog := s.errorLog
	s.listeners = nil
	s.onShutdown = nil
	s.errorLog = nil
	s.mu.Unlock()

	if len(listeners) == 0 {
		s.logger.Debug("Server Stop() called but server was not running or already stopped.")
		return nil
	}

	for _, f := range hooks {
		f()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var err error
	for _, l := range listeners {
		addr := l.ln.Addr().String()
		if serr := l.server.Shutdown(ctx); serr != nil {
			err = multierr.Append(err, fmt.Errorf("%s server shutdown failed for %s: %w", l.name, addr, serr))
			continue
		}
		// Shutdown only closes listeners Serve has seen; close ours in
		// case Start never got that far.
		l.ln.Close()
		s.logger.WithField("addr", addr).Infof("%s server stopped gracefully", strings.ToUpper(l.name))
	}
	errorLog.Close()
	return err
}

// redirectToHTTPS answers plain HTTP requests with a permanent redirect to
// the same host and request URI over TLS.
func (s *Server) redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	if r.Host == "" || !httpguts.ValidHostHeader(r.Host) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	s.mu.Lock()
	port := s.httpsPort
	s.mu.Unlock()
	if port != "" && port != "443" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	http.Redirect(w, r, "https://"+host+r.URL.RequestURI(), http.StatusMovedPermanently)
}
