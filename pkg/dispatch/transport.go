package dispatch

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ameodesign/vhost-router/pkg/config"
)

// Options tune the upstream side of the dispatcher.
type Options struct {
	DialTimeout         time.Duration
	ResponseTimeout     time.Duration // exceeding it answers 504
	IdleConnTimeout     time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
}

// OptionsFromConfig parses the upstream section.
func OptionsFromConfig(cfg config.UpstreamConfig) (Options, error) {
	var (
		o   Options
		err error
	)
	if o.DialTimeout, err = cfg.GetDialTimeout(); err != nil {
		return o, err
	}
	if o.ResponseTimeout, err = cfg.GetResponseTimeout(); err != nil {
		return o, err
	}
	if o.IdleConnTimeout, err = cfg.GetIdleConnTimeout(); err != nil {
		return o, err
	}
	o.MaxIdleConns = cfg.MaxIdleConns
	o.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	return o, nil
}

// upstreamDialer dials backends. Names under .localhost are resolved to the
// loopback interface so "v.localhost:7645" works without a hosts entry; the
// Host header still carries the full name.
type upstreamDialer struct {
	net.Dialer
}

func (d *upstreamDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.Dialer.DialContext(ctx, network, loopbackAlias(addr))
}

func loopbackAlias(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if strings.HasSuffix(strings.ToLower(strings.TrimSuffix(host, ".")), ".localhost") {
		return net.JoinHostPort("localhost", port)
	}
	return addr
}

// newTransport builds the transport shared by every proxied request.
// Proxy settings from the environment are ignored: backends are local.
func newTransport(opts Options, dialer *upstreamDialer) *http.Transport {
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       opts.IdleConnTimeout,
		ResponseHeaderTimeout: opts.ResponseTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// dialRaw opens a connection for a relayed upgrade. https and wss targets get
// a TLS client on top.
func (d *upstreamDialer) dialRaw(ctx context.Context, scheme, host string) (net.Conn, error) {
	tlsUpstream := scheme == "https" || scheme == "wss"
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		port := "80"
		if tlsUpstream {
			port = "443"
		}
		addr = net.JoinHostPort(host, port)
	}

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !tlsUpstream {
		return conn, nil
	}

	serverName, _, _ := net.SplitHostPort(addr)
	tlsConn := tls.Client(conn, &tls.Config{ServerName: serverName})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
	}
	return tlsConn, nil
}
