package config

// Config holds the router's entire configuration.
type Config struct {
	Log          LogConfig           `mapstructure:"log"`
	HTTP         HTTPConfig          `mapstructure:"http"`
	Upstream     UpstreamConfig      `mapstructure:"upstream"`
	Static       StaticConfig        `mapstructure:"static"`
	Metrics      MetricsConfig       `mapstructure:"metrics"`
	CertWatch    CertWatchConfig     `mapstructure:"cert-watch"`
	VirtualHosts []VirtualHostConfig `mapstructure:"virtual-hosts"`
}

// LogConfig selects the logrus level and formatter.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// HTTPConfig holds listener settings for the public side.
type HTTPConfig struct {
	Addr         string         `mapstructure:"addr"`
	HTTPSPort    int            `mapstructure:"https-port"`
	HTTPPort     int            `mapstructure:"http-port"` // 0 disables the plain listener
	RedirectHTTP bool           `mapstructure:"redirect-http"`
	Timeouts     ServerTimeouts `mapstructure:"timeouts"`
}

// ServerTimeouts are kept as strings and parsed with StrToDuration.
type ServerTimeouts struct {
	ReadHeader string `mapstructure:"read-header"`
	Read       string `mapstructure:"read"`
	Write      string `mapstructure:"write"`
	Idle       string `mapstructure:"idle"`
}

// UpstreamConfig configures the shared backend transport.
type UpstreamConfig struct {
	DialTimeout         string `mapstructure:"dial-timeout"`
	ResponseTimeout     string `mapstructure:"response-timeout"`
	IdleConnTimeout     string `mapstructure:"idle-conn-timeout"`
	MaxIdleConns        int    `mapstructure:"max-idle-conns"`
	MaxIdleConnsPerHost int    `mapstructure:"max-idle-conns-per-host"`
}

// StaticConfig holds settings for the document-root fallback.
type StaticConfig struct {
	ContentTypes []ContentTypeConfig `mapstructure:"content-types"`
}

// ContentTypeConfig forces a MIME type for a file extension.
// A list is used instead of a map because viper splits keys on dots.
type ContentTypeConfig struct {
	Extension string `mapstructure:"extension"`
	Type      string `mapstructure:"type"`
}

// MetricsConfig controls the prometheus listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// CertWatchConfig holds settings for the background certificate watcher.
type CertWatchConfig struct {
	Interval      string `mapstructure:"interval"`       // How often bundles are re-checked
	ExpiryWarning string `mapstructure:"expiry-warning"` // Warn when a leaf expires within this window
}

// VirtualHostConfig describes one name-based virtual host.
type VirtualHostConfig struct {
	ServerName   string       `mapstructure:"server-name"`
	Aliases      []string     `mapstructure:"aliases"`
	DocumentRoot string       `mapstructure:"document-root"`
	Cert         CertConfig   `mapstructure:"cert"`
	Rules        []RuleConfig `mapstructure:"rules"`
}

// CertConfig points at the PEM files of a certificate bundle.
type CertConfig struct {
	CertFile  string `mapstructure:"cert-file"`
	KeyFile   string `mapstructure:"key-file"`
	ChainFile string `mapstructure:"chain-file"` // Optional intermediates
}

// RuleConfig is one routing rule. Rules are evaluated in list order.
type RuleConfig struct {
	Name   string `mapstructure:"name"`
	Host   string `mapstructure:"host"`   // Regex, anchored to the whole host
	Path   string `mapstructure:"path"`   // Optional regex against the request path
	Action string `mapstructure:"action"` // proxy or redirect
	Target string `mapstructure:"target"` // Template with %N and $N back-references
	Status int    `mapstructure:"status"` // Redirect status, 302 when unset
}
