package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ameodesign/vhost-router/pkg/config"
	"github.com/ameodesign/vhost-router/pkg/dispatch"
	"github.com/ameodesign/vhost-router/pkg/metrics"
	"github.com/ameodesign/vhost-router/pkg/router"
	"github.com/ameodesign/vhost-router/pkg/testcert"
)

const configTemplate = `
log:
  level: debug
http:
  addr: 127.0.0.1
  https-port: 8443
  http-port: 0
upstream:
  response-timeout: 30s
virtual-hosts:
  - server-name: io.ameo.design
    cert:
      cert-file: %[1]s/io.crt
      key-file: %[1]s/io.key
    rules:
      - name: socket
        path: '^/socket/websocket$'
        target: ws://localhost:3699/socket/websocket
      - name: io
        path: '^(.*)$'
        target: http://localhost:3699$1
  - server-name: ameo.design
    aliases: ['*.ameo.design']
    document-root: %[1]s/www
    cert:
      cert-file: %[1]s/apex.crt
      key-file: %[1]s/apex.key
    rules:
      - name: apex
        host: 'ameo\.design'
        path: '^(.*)$'
        target: http://localhost:7645$1
      - name: version-root
        host: '([^.]+)\.ameo\.design'
        path: '^/v/([^/]+)$'
        action: redirect
        target: https://%%1.ameo.design/v/$1/
      - name: versioned
        host: '([^.]+)\.ameo\.design'
        path: '^/v/(.*)$'
        target: http://v.localhost:7645/%%1/$1
      - name: preview
        host: '([^.]+)\.p\.ameo\.design'
        path: '^/(.*)$'
        target: http://localhost:5855/%%1$1
      - name: hosted
        host: '([^.]+)\.ameo\.design'
        path: '^/(.*)$'
        target: http://localhost:7645/__HOSTED/%%1$1
`

// writeConfig writes certificates and a config file into a temp dir and
// returns the config path.
func writeConfig(t *testing.T) (dir, path string) {
	t.Helper()
	dir = t.TempDir()
	ca, err := testcert.NewCA("test ca")
	require.NoError(t, err)
	for base, names := range map[string][]string{
		"io":   {"io.ameo.design"},
		"apex": {"ameo.design", "*.ameo.design"},
	} {
		c, err := ca.Issue(time.Now().Add(24*time.Hour), names...)
		require.NoError(t, err)
		_, _, err = c.WriteFiles(dir, base)
		require.NoError(t, err)
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "www"), 0o755))

	path = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(configTemplate, dir)), 0o600))
	return dir, path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	_, path := writeConfig(t)

	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "OK (2 virtual hosts, 7 rules)")
}

func TestValidateCommandReportsMissingCertificate(t *testing.T) {
	dir, path := writeConfig(t)
	require.NoError(t, os.Remove(filepath.Join(dir, "apex.key")))

	_, err := execute(t, "validate", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apex.key")
}

func TestValidateCommandReportsBadRule(t *testing.T) {
	_, path := writeConfig(t)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	broken := strings.Replace(string(data), `path: '^/v/(.*)$'`, `path: '^/v/(.*$'`, 1)
	require.NoError(t, os.WriteFile(path, []byte(broken), 0o600))

	_, err = execute(t, "validate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "versioned")
}

func TestMatchCommand(t *testing.T) {
	dir, path := writeConfig(t)

	tests := []struct {
		host string
		path string
		want []string
	}{
		{"foo.ameo.design", "/v/2", []string{"ameo.design", "version-root", "redirect 302", "https://foo.ameo.design/v/2/"}},
		{"foo.ameo.design", "v/2/app.js?x=1", []string{"versioned", "http://v.localhost:7645/foo/2/app.js?x=1"}},
		{"bar.p.ameo.design", "/x", []string{"preview", "http://localhost:5855/barx"}},
		{"io.ameo.design", "/socket/websocket", []string{"io.ameo.design", "socket", "ws://localhost:3699/socket/websocket"}},
		{"a.b.c.ameo.design", "/x", []string{"(none)", filepath.Join(dir, "www")}},
	}
	for _, test := range tests {
		t.Run(test.host+test.path, func(t *testing.T) {
			out, err := execute(t, "match", "--config", path, test.host, test.path)
			require.NoError(t, err)
			for _, want := range test.want {
				assert.Contains(t, out, want)
			}
		})
	}

	_, err := execute(t, "match", "--config", path, "only-host")
	assert.Error(t, err)
}

func metricsText(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func currentRouter(t *testing.T, a *app) *router.Router {
	t.Helper()
	rt, ok := a.server.Handler().(*router.Router)
	require.True(t, ok)
	return rt
}

func TestAppReload(t *testing.T) {
	_, path := writeConfig(t)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	m := metrics.New()
	a, err := newApp(cfg, logger, m)
	require.NoError(t, err)
	defer a.closeDispatchers()

	before := currentRouter(t, a)
	oldDispatcher := a.dispatcher.Load()

	next, err := config.Load(path)
	require.NoError(t, err)
	next.VirtualHosts[1].Rules = next.VirtualHosts[1].Rules[:1]
	next.Log.Level = "warn"
	a.reload(next)

	assert.NotSame(t, before, currentRouter(t, a))
	assert.NotSame(t, oldDispatcher, a.dispatcher.Load())
	require.Len(t, a.retired, 1)
	assert.Same(t, oldDispatcher, a.retired[0])
	assert.Len(t, currentRouter(t, a).VirtualHosts()[1].Rules, 1)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	assert.Contains(t, metricsText(t, m), `vhost_router_config_reloads_total{result="success"} 1`)
}

func TestAppReloadKeepsStateOnError(t *testing.T) {
	dir, path := writeConfig(t)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	m := metrics.New()
	a, err := newApp(cfg, logger, m)
	require.NoError(t, err)
	defer a.closeDispatchers()
	before := currentRouter(t, a)

	badRule, err := config.Load(path)
	require.NoError(t, err)
	badRule.VirtualHosts[1].Rules[0].Path = "(["
	a.reload(badRule)
	assert.Same(t, before, currentRouter(t, a))

	badCert, err := config.Load(path)
	require.NoError(t, err)
	badCert.VirtualHosts[0].Cert.CertFile = filepath.Join(dir, "missing.crt")
	a.reload(badCert)
	assert.Same(t, before, currentRouter(t, a))

	assert.Contains(t, metricsText(t, m), `vhost_router_config_reloads_total{result="failure"} 2`)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestAppReloadReleasesIdleRetiredDispatchers(t *testing.T) {
	_, path := writeConfig(t)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	a, err := newApp(cfg, logger, nil)
	require.NoError(t, err)
	defer a.closeDispatchers()

	var replaced []*dispatch.Dispatcher
	for i := 0; i < 5; i++ {
		replaced = append(replaced, a.dispatcher.Load())
		next, err := config.Load(path)
		require.NoError(t, err)
		a.reload(next)
	}

	// Only the most recently replaced dispatcher is kept around; the
	// earlier ones had no relays and were closed.
	require.Len(t, a.retired, 1)
	assert.Same(t, replaced[len(replaced)-1], a.retired[0])
}
