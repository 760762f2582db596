package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// --- Helper Methods ---

// Durations returns the parsed server timeouts.
func (t ServerTimeouts) Durations() (readHeader, read, write, idle time.Duration, err error) {
	if readHeader, err = parseField("http.timeouts.read-header", t.ReadHeader); err != nil {
		return
	}
	if read, err = parseField("http.timeouts.read", t.Read); err != nil {
		return
	}
	if write, err = parseField("http.timeouts.write", t.Write); err != nil {
		return
	}
	idle, err = parseField("http.timeouts.idle", t.Idle)
	return
}

// GetDialTimeout parses upstream.dial-timeout.
func (u UpstreamConfig) GetDialTimeout() (time.Duration, error) {
	return parseField("upstream.dial-timeout", u.DialTimeout)
}

// GetResponseTimeout parses upstream.response-timeout. Exceeding it yields 504.
func (u UpstreamConfig) GetResponseTimeout() (time.Duration, error) {
	return parseField("upstream.response-timeout", u.ResponseTimeout)
}

// GetIdleConnTimeout parses upstream.idle-conn-timeout.
func (u UpstreamConfig) GetIdleConnTimeout() (time.Duration, error) {
	return parseField("upstream.idle-conn-timeout", u.IdleConnTimeout)
}

// GetInterval parses the certificate re-check interval.
func (c CertWatchConfig) GetInterval() (time.Duration, error) {
	d, err := parseField("cert-watch.interval", c.Interval)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("cert-watch.interval '%s' must be positive", c.Interval)
	}
	return d, nil
}

// GetExpiryWarning parses the expiry warning window. "0" disables warnings.
func (c CertWatchConfig) GetExpiryWarning() (time.Duration, error) {
	return parseField("cert-watch.expiry-warning", c.ExpiryWarning)
}

// ContentTypeMap returns the configured overrides keyed by lowercase extension with a leading dot.
func (s StaticConfig) ContentTypeMap() map[string]string {
	m := make(map[string]string, len(s.ContentTypes))
	for _, ct := range s.ContentTypes {
		ext := strings.ToLower(strings.TrimSpace(ct.Extension))
		if ext == "" || ct.Type == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		m[ext] = ct.Type
	}
	return m
}

// HTTPSAddr is the TLS listen address.
func (h HTTPConfig) HTTPSAddr() string {
	return net.JoinHostPort(h.Addr, strconv.Itoa(h.HTTPSPort))
}

// PlainAddr is the plain HTTP listen address, or "" when disabled.
func (h HTTPConfig) PlainAddr() string {
	if h.HTTPPort == 0 {
		return ""
	}
	return net.JoinHostPort(h.Addr, strconv.Itoa(h.HTTPPort))
}

// Names returns the server name followed by its aliases.
func (v VirtualHostConfig) Names() []string {
	names := make([]string, 0, 1+len(v.Aliases))
	if v.ServerName != "" {
		names = append(names, v.ServerName)
	}
	return append(names, v.Aliases...)
}

func parseField(key, value string) (time.Duration, error) {
	d, err := StrToDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s '%s': %w", key, value, err)
	}
	return d, nil
}

// --- Duration Parsing Helper (handles 'd' and 'w') ---

// StrToDuration converts a string defining time period and return a time.Duration
func StrToDuration(durationStr string) (time.Duration, error) {
	durationStr = strings.TrimSpace(durationStr)
	if durationStr == "" {
		return 0, fmt.Errorf("empty duration string")
	}
	if durationStr == "0" {
		return 0, nil
	}

	splitIndex := strings.IndexFunc(durationStr, func(r rune) bool {
		return !unicode.IsDigit(r) && r != '.'
	})
	if splitIndex <= 0 {
		// No unit, or no number in front of it. Let time.ParseDuration report it.
		return time.ParseDuration(durationStr)
	}

	numStr, unitStr := durationStr[:splitIndex], strings.ToLower(durationStr[splitIndex:])

	var unit time.Duration
	switch unitStr {
	case "d":
		unit = 24 * time.Hour
	case "w":
		unit = 7 * 24 * time.Hour
	default:
		d, err := time.ParseDuration(durationStr)
		if err != nil {
			return 0, fmt.Errorf("failed to parse duration '%s' using standard units: %w", durationStr, err)
		}
		return d, nil
	}

	n, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number '%s' for unit '%s': %w", numStr, unitStr, err)
	}
	return time.Duration(n * float64(unit)), nil
}
