package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// Actions understood by the rule compiler.
const (
	ActionProxy    = "proxy"
	ActionRedirect = "redirect"
)

// newViper returns a viper instance bound to path with defaults applied.
func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)
	return v
}

// decode unmarshals, completes and validates what v has read.
func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config from %s into struct: %w", v.ConfigFileUsed(), err)
	}

	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// loadAndValidate performs the core config reading, unmarshalling, and validation.
func loadAndValidate(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			return nil, fmt.Errorf("config file %s not found: %w", path, err)
		}
		return nil, fmt.Errorf("failed to read/parse config file %s: %w", path, err)
	}
	return decode(v)
}

// Load reads and validates the configuration at path. There is no fallback to
// defaults: a router without virtual hosts has nothing to serve.
func Load(path string) (*Config, error) {
	return loadAndValidate(path)
}

// ValidateConfigFile attempts to load and validate a config file.
// Used by the validate command. Returns nil on success.
func ValidateConfigFile(path string) error {
	if _, err := loadAndValidate(path); err != nil {
		return fmt.Errorf("config file validation failed: %w", err)
	}
	return nil
}

// Watch re-reads path whenever it changes and hands every valid result to
// onChange. Invalid changes are logged and dropped so the caller keeps serving
// with what it has.
func Watch(path string, logger logrus.FieldLogger, onChange func(*Config)) {
	v := newViper(path)
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.WithField("file", e.Name).Info("Config file changed, reloading")

		// Re-read from scratch: when the new file doesn't parse, v still
		// holds the previous values.
		cfg, err := loadAndValidate(path)
		if err != nil {
			logger.WithError(err).Error("Reloaded configuration is invalid, keeping previous configuration")
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	logger.WithField("file", path).Info("Configuration monitoring active")
}

// setDefaults applies default values using Viper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("http.addr", "0.0.0.0")
	v.SetDefault("http.https-port", 443)
	v.SetDefault("http.http-port", 80)
	v.SetDefault("http.redirect-http", true)
	v.SetDefault("http.timeouts.read-header", "10s")
	v.SetDefault("http.timeouts.read", "0")
	v.SetDefault("http.timeouts.write", "0")
	v.SetDefault("http.timeouts.idle", "120s")
	v.SetDefault("upstream.dial-timeout", "10s")
	v.SetDefault("upstream.response-timeout", "60s")
	v.SetDefault("upstream.idle-conn-timeout", "90s")
	v.SetDefault("upstream.max-idle-conns", 100)
	v.SetDefault("upstream.max-idle-conns-per-host", 10)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9090")
	v.SetDefault("cert-watch.interval", "1h")
	v.SetDefault("cert-watch.expiry-warning", "14d")
}

// applyDefaults fills in values that depend on list entries, which viper
// defaults can't reach.
func applyDefaults(cfg *Config) {
	hasWasm := false
	for _, ct := range cfg.Static.ContentTypes {
		if strings.EqualFold(strings.TrimPrefix(ct.Extension, "."), "wasm") {
			hasWasm = true
		}
	}
	if !hasWasm {
		cfg.Static.ContentTypes = append(cfg.Static.ContentTypes, ContentTypeConfig{Extension: ".wasm", Type: "application/wasm"})
	}

	for i := range cfg.VirtualHosts {
		vh := &cfg.VirtualHosts[i]
		vh.ServerName = strings.ToLower(vh.ServerName)
		for j := range vh.Aliases {
			vh.Aliases[j] = strings.ToLower(vh.Aliases[j])
		}
		for j := range vh.Rules {
			r := &vh.Rules[j]
			if r.Action == "" {
				r.Action = ActionProxy
			}
			r.Action = strings.ToLower(r.Action)
			if r.Action == ActionRedirect && r.Status == 0 {
				r.Status = http.StatusFound
			}
			if r.Name == "" {
				r.Name = fmt.Sprintf("rule-%d", j+1)
			}
		}
	}
}

// validateConfig checks the loaded configuration and reports every problem at once.
func validateConfig(cfg *Config) error {
	var err error

	if _, lerr := logrus.ParseLevel(cfg.Log.Level); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("log.level: %w", lerr))
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		err = multierr.Append(err, fmt.Errorf("log.format must be text or json, got '%s'", cfg.Log.Format))
	}

	if cfg.HTTP.HTTPSPort <= 0 || cfg.HTTP.HTTPSPort > 65535 {
		err = multierr.Append(err, fmt.Errorf("http.https-port %d out of range", cfg.HTTP.HTTPSPort))
	}
	if cfg.HTTP.HTTPPort < 0 || cfg.HTTP.HTTPPort > 65535 {
		err = multierr.Append(err, fmt.Errorf("http.http-port %d out of range", cfg.HTTP.HTTPPort))
	}
	if _, _, _, _, terr := cfg.HTTP.Timeouts.Durations(); terr != nil {
		err = multierr.Append(err, terr)
	}

	if _, derr := cfg.Upstream.GetDialTimeout(); derr != nil {
		err = multierr.Append(err, derr)
	}
	if _, derr := cfg.Upstream.GetResponseTimeout(); derr != nil {
		err = multierr.Append(err, derr)
	}
	if _, derr := cfg.Upstream.GetIdleConnTimeout(); derr != nil {
		err = multierr.Append(err, derr)
	}

	if _, cerr := cfg.CertWatch.GetInterval(); cerr != nil {
		err = multierr.Append(err, cerr)
	}
	if _, cerr := cfg.CertWatch.GetExpiryWarning(); cerr != nil {
		err = multierr.Append(err, cerr)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		err = multierr.Append(err, errors.New("metrics.enabled is true, but metrics.addr is not set"))
	}

	if len(cfg.VirtualHosts) == 0 {
		err = multierr.Append(err, errors.New("virtual-hosts: at least one virtual host is required"))
	}
	seen := make(map[string]bool)
	for i, vh := range cfg.VirtualHosts {
		prefix := fmt.Sprintf("virtual-hosts[%d]", i)
		if vh.ServerName == "" {
			err = multierr.Append(err, fmt.Errorf("%s: server-name is required", prefix))
		}
		for _, name := range vh.Names() {
			if seen[name] {
				err = multierr.Append(err, fmt.Errorf("%s: name '%s' is already used by another virtual host", prefix, name))
			}
			seen[name] = true
		}
		if vh.Cert.CertFile == "" || vh.Cert.KeyFile == "" {
			err = multierr.Append(err, fmt.Errorf("%s: cert.cert-file and cert.key-file are required", prefix))
		}
		for j, r := range vh.Rules {
			rprefix := fmt.Sprintf("%s.rules[%d] (%s)", prefix, j, r.Name)
			if r.Target == "" {
				err = multierr.Append(err, fmt.Errorf("%s: target is required", rprefix))
			}
			switch r.Action {
			case ActionProxy:
			case ActionRedirect:
				if !isRedirectStatus(r.Status) {
					err = multierr.Append(err, fmt.Errorf("%s: status %d is not a redirect status", rprefix, r.Status))
				}
			default:
				err = multierr.Append(err, fmt.Errorf("%s: unknown action '%s'", rprefix, r.Action))
			}
		}
	}

	return err
}

func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
