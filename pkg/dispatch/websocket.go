package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http/httpguts"
)

// IsWebsocketUpgrade reports whether r asks to switch to the websocket protocol.
func IsWebsocketUpgrade(r *http.Request) bool {
	return httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade") &&
		httpguts.HeaderValuesContainsToken(r.Header["Upgrade"], "websocket")
}

// relayWebsocket performs the upgrade handshake with the upstream and, once it
// answers 101, splices the client and upstream connections together until
// either side closes. Any other upstream answer is passed back as a normal
// response.
func (d *Dispatcher) relayWebsocket(w http.ResponseWriter, r *http.Request, target *url.URL) {
	r = r.WithContext(withTarget(r.Context(), target))
	log := d.logger.WithFields(logrus.Fields{"host": r.Host, "path": r.URL.Path, "target": target.String()})

	upstream, err := d.dialer.dialRaw(r.Context(), target.Scheme, target.Host)
	if err != nil {
		d.handleError(w, r, err)
		return
	}
	// Until the upgrade completes, a client hanging up must not leave the
	// upstream waiting on the handshake.
	stopWatching := context.AfterFunc(r.Context(), func() { upstream.Close() })
	defer stopWatching()

	out := &http.Request{
		Method:     r.Method,
		URL:        &url.URL{Path: target.Path, RawPath: target.RawPath, RawQuery: target.RawQuery},
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       target.Host,
	}
	copyHeaders(out.Header, r.Header)
	out.Header.Set("Connection", "Upgrade")
	out.Header.Set("Upgrade", r.Header.Get("Upgrade"))
	setForwarded(out.Header, r)
	setRequestID(out.Header)

	if d.opts.ResponseTimeout > 0 {
		upstream.SetDeadline(time.Now().Add(d.opts.ResponseTimeout))
	}
	if err := out.Write(upstream); err != nil {
		upstream.Close()
		d.handleError(w, r, err)
		return
	}
	upstreamBuf := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(upstreamBuf, out)
	if err != nil {
		upstream.Close()
		d.handleError(w, r, err)
		return
	}
	upstream.SetDeadline(time.Time{})

	if resp.StatusCode != http.StatusSwitchingProtocols {
		defer upstream.Close()
		defer resp.Body.Close()
		log.WithField("status", resp.StatusCode).Debug("Upstream declined websocket upgrade")
		copyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		if n, err := io.Copy(w, resp.Body); err != nil && !isConnectionClosed(err) {
			log.WithError(err).Warnf("Error writing response body after %d bytes", n)
		}
		return
	}

	// Past this point the relay owns both connections. The server cancels the
	// request context when the handler returns, so the watch has to go.
	if !stopWatching() {
		upstream.Close()
		d.handleError(w, r, r.Context().Err())
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		log.Error("Hijacking not supported by ResponseWriter")
		upstream.Close()
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		log.WithError(err).Error("Failed to hijack client connection")
		upstream.Close()
		return
	}

	closed := d.metrics.WebsocketOpened()
	defer closed()
	d.relays.Add(1)
	defer d.relays.Add(-1)

	if err := writeSwitchingProtocols(clientBuf.Writer, resp); err != nil {
		log.WithError(err).Warn("Failed to send 101 to client")
		clientConn.Close()
		upstream.Close()
		return
	}
	log.Debug("Websocket relay established")

	finished := make(chan struct{}, 2)
	go d.transfer(upstream, clientBuf.Reader, "client->upstream", finished)
	go d.transfer(clientConn, upstreamBuf, "upstream->client", finished)

	// Either side closing, or the dispatcher shutting down, tears down both.
	select {
	case <-finished:
	case <-d.closing:
	}
	clientConn.Close()
	upstream.Close()
	<-finished
	log.Debug("Websocket relay closed")
}

// transfer copies data in one direction of a relay.
func (d *Dispatcher) transfer(destination io.Writer, source io.Reader, direction string, finished chan<- struct{}) {
	defer func() { finished <- struct{}{} }()
	_, err := io.Copy(destination, source)
	if err != nil && !isConnectionClosed(err) {
		d.logger.WithError(err).Warnf("Error during websocket transfer %s", direction)
	}
}

func writeSwitchingProtocols(w *bufio.Writer, resp *http.Response) error {
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %s\r\n", resp.Status); err != nil {
		return err
	}
	if err := resp.Header.Write(w); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// setForwarded adds the X-Forwarded-* headers for a request that doesn't go
// through httputil.ReverseProxy.
func setForwarded(h http.Header, r *http.Request) {
	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}
		h.Set("X-Forwarded-For", clientIP)
	}
	h.Set("X-Forwarded-Host", r.Host)
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
}

var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// copyHeaders copies headers from src to dst, filtering hop-by-hop headers and
// any header src's Connection header names.
func copyHeaders(dst, src http.Header) {
	named := make(map[string]struct{})
	for _, v := range src["Connection"] {
		for _, f := range strings.Split(v, ",") {
			if f = textproto.TrimString(f); f != "" {
				named[http.CanonicalHeaderKey(f)] = struct{}{}
			}
		}
	}

	for k, vv := range src {
		ck := http.CanonicalHeaderKey(k)
		if _, ok := hopByHopHeaders[ck]; ok {
			continue
		}
		if _, ok := named[ck]; ok {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// isConnectionClosed checks for common network errors indicating expected closure.
func isConnectionClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "broken pipe")
}
