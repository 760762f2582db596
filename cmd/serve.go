package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/MakeNowJust/heredoc"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ameodesign/vhost-router/pkg/certwatch"
	"github.com/ameodesign/vhost-router/pkg/config"
	"github.com/ameodesign/vhost-router/pkg/dispatch"
	"github.com/ameodesign/vhost-router/pkg/httpserver"
	"github.com/ameodesign/vhost-router/pkg/logging"
	"github.com/ameodesign/vhost-router/pkg/metrics"
	"github.com/ameodesign/vhost-router/pkg/router"
	"github.com/ameodesign/vhost-router/pkg/tlsterm"
)

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the router",
		Long: heredoc.Doc(`
			Start the router.

			The configuration file is watched. A valid change rebuilds the rules,
			upstream transport and certificates and swaps them in without
			dropping connections; an invalid change is logged and ignored.
			Listener addresses and timeouts only change on restart.
		`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, cmd.ErrOrStderr())
		},
	}
	addConfigFlag(cmd.Flags(), &configPath)
	return cmd
}

func runServe(parent context.Context, configPath string, logOut io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load initial configuration: %w", err)
	}
	logger, err := logging.New(cfg.Log, logOut)
	if err != nil {
		return err
	}
	logger.WithField("config", configPath).Info("Starting vhost-router...")

	a, err := newApp(cfg, logger, metrics.New())
	if err != nil {
		return err
	}
	if err := a.server.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	go func() {
		select {
		case sig := <-quit:
			logger.Infof("Shutdown signal received: %v. Starting graceful shutdown...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	config.Watch(configPath, logger, a.reload)

	interval, err := cfg.CertWatch.GetInterval()
	if err != nil {
		return err
	}
	expiryWarning, err := cfg.CertWatch.GetExpiryWarning()
	if err != nil {
		return err
	}
	stopWatcher := certwatch.StartWatcher(ctx, interval, a.store, expiryWarning, logger.WithField("component", "certwatch"))
	defer stopWatcher()

	err = a.server.Start(ctx)
	logger.Info("Application exiting.")
	return err
}

// app holds the long-lived pieces and the ones a reload replaces.
type app struct {
	logger  *logrus.Logger
	metrics *metrics.Metrics
	store   *tlsterm.Store
	server  *httpserver.Server

	mu         sync.Mutex // serializes reloads
	cfg        *config.Config
	dispatcher atomic.Pointer[dispatch.Dispatcher]
	retired    []*dispatch.Dispatcher // replaced, may still carry websocket relays
}

func newApp(cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) (*app, error) {
	store, err := tlsterm.NewStore(tlsterm.BundlesFromConfig(cfg.VirtualHosts), logger.WithField("component", "tls"))
	if err != nil {
		return nil, fmt.Errorf("failed to load certificates: %w", err)
	}
	d, rt, err := buildRouting(cfg, logger, m)
	if err != nil {
		return nil, err
	}
	opts, err := httpserver.OptionsFromConfig(cfg)
	if err != nil {
		d.Close()
		return nil, err
	}

	a := &app{
		logger:  logger,
		metrics: m,
		store:   store,
		cfg:     cfg,
	}
	a.dispatcher.Store(d)
	a.server = httpserver.NewServer(opts, store.TLSConfig(), rt, logger.WithField("component", "http"), m)
	a.server.OnShutdown(a.closeDispatchers)
	return a, nil
}

func (a *app) closeDispatchers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dispatcher.Load().Close()
	for _, d := range a.retired {
		d.Close()
	}
	a.retired = nil
}

// pruneRetired closes dispatchers from earlier reloads whose relays have all
// ended. The one just replaced is kept for a reload cycle since requests that
// picked up the previous router may still be starting relays on it.
// Callers hold a.mu.
func (a *app) pruneRetired() {
	kept := a.retired[:0]
	for _, d := range a.retired {
		if d.ActiveRelays() > 0 {
			kept = append(kept, d)
			continue
		}
		d.Close()
	}
	for i := len(kept); i < len(a.retired); i++ {
		a.retired[i] = nil
	}
	a.retired = kept
}

func buildRouting(cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) (*dispatch.Dispatcher, *router.Router, error) {
	opts, err := dispatch.OptionsFromConfig(cfg.Upstream)
	if err != nil {
		return nil, nil, err
	}
	d := dispatch.New(opts, logger.WithField("component", "dispatch"), m)
	rt, err := router.New(cfg, d, logger.WithField("component", "router"), m)
	if err != nil {
		d.Close()
		return nil, nil, fmt.Errorf("failed to compile rules: %w", err)
	}
	return d, rt, nil
}

// reload re-initializes everything derived from next and swaps it in. On any
// error the running state is left untouched.
func (a *app) reload(next *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()

	d, rt, err := buildRouting(next, a.logger, a.metrics)
	if err != nil {
		a.logger.WithError(err).Error("Reload failed, keeping previous configuration")
		a.metrics.ConfigReload(false)
		return
	}
	if err := a.store.Replace(tlsterm.BundlesFromConfig(next.VirtualHosts)); err != nil {
		d.Close()
		a.logger.WithError(err).Error("Reload failed to load certificates, keeping previous configuration")
		a.metrics.ConfigReload(false)
		return
	}

	if level, err := logrus.ParseLevel(next.Log.Level); err == nil {
		a.logger.SetLevel(level)
	}
	if !reflect.DeepEqual(a.cfg.HTTP, next.HTTP) || !reflect.DeepEqual(a.cfg.Metrics, next.Metrics) {
		a.logger.Warn("Listener settings changed; they take effect after a restart")
	}

	a.server.SetHandler(rt)
	old := a.dispatcher.Swap(d)
	old.CloseIdleConnections()
	a.pruneRetired()
	a.retired = append(a.retired, old)
	a.cfg = next
	a.metrics.ConfigReload(true)
	a.logger.WithField("virtual_hosts", len(next.VirtualHosts)).Info("Configuration reloaded")
}
