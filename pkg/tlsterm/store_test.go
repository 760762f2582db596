package tlsterm

import (
	"crypto/tls"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ameodesign/vhost-router/pkg/config"
	"github.com/ameodesign/vhost-router/pkg/testcert"
)

type fixture struct {
	dir     string
	ca      *testcert.Cert
	io      *testcert.Cert
	apex    *testcert.Cert
	bundles []Bundle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	ca, err := testcert.NewCA("test ca")
	require.NoError(t, err)
	caFile := filepath.Join(dir, "chain.pem")
	require.NoError(t, os.WriteFile(caFile, ca.CertPEM, 0o600))

	ioCert, err := ca.Issue(time.Now().Add(90*24*time.Hour), "io.ameo.design")
	require.NoError(t, err)
	ioCrt, ioKey, err := ioCert.WriteFiles(dir, "io")
	require.NoError(t, err)

	apex, err := ca.Issue(time.Now().Add(90*24*time.Hour), "ameo.design", "*.ameo.design")
	require.NoError(t, err)
	apexCrt, apexKey, err := apex.WriteFiles(dir, "apex")
	require.NoError(t, err)

	return &fixture{
		dir:  dir,
		ca:   ca,
		io:   ioCert,
		apex: apex,
		bundles: []Bundle{
			{Names: []string{"io.ameo.design"}, CertFile: ioCrt, KeyFile: ioKey, ChainFile: caFile},
			{Names: []string{"ameo.design", "*.ameo.design"}, CertFile: apexCrt, KeyFile: apexKey, ChainFile: caFile},
		},
	}
}

func quietLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func TestLoadBundleAppendsChain(t *testing.T) {
	f := newFixture(t)

	cert, err := LoadBundle(f.bundles[0])
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 2)
	assert.Equal(t, f.ca.Cert.Raw, cert.Certificate[1])
	require.NotNil(t, cert.Leaf)
	assert.Equal(t, "io.ameo.design", cert.Leaf.Subject.CommonName)
}

func TestLoadBundleErrors(t *testing.T) {
	f := newFixture(t)

	missing := f.bundles[0]
	missing.CertFile = filepath.Join(f.dir, "nope.crt")
	_, err := LoadBundle(missing)
	assert.Error(t, err)

	emptyChain := f.bundles[0]
	emptyChain.ChainFile = filepath.Join(f.dir, "empty.pem")
	require.NoError(t, os.WriteFile(emptyChain.ChainFile, []byte("not pem"), 0o600))
	_, err = LoadBundle(emptyChain)
	assert.Error(t, err)

	_, err = NewStore([]Bundle{missing}, quietLogger())
	assert.Error(t, err)
	_, err = NewStore(nil, quietLogger())
	assert.Error(t, err)
}

func TestGetCertificateBySNI(t *testing.T) {
	f := newFixture(t)
	store, err := NewStore(f.bundles, quietLogger())
	require.NoError(t, err)

	tests := []struct {
		serverName string
		wantCN     string
	}{
		{"io.ameo.design", "io.ameo.design"},
		{"IO.ameo.design", "io.ameo.design"},
		{"ameo.design", "ameo.design"},
		{"foo.ameo.design", "ameo.design"},
		{"bar.p.ameo.design", "ameo.design"},
		{"", "io.ameo.design"},
		{"unknown.example", "io.ameo.design"},
	}
	for _, test := range tests {
		cert, err := store.GetCertificate(&tls.ClientHelloInfo{ServerName: test.serverName})
		require.NoError(t, err)
		assert.Equal(t, test.wantCN, cert.Leaf.Subject.CommonName, test.serverName)
	}
}

// serveOnce accepts a single TCP connection and runs the server handshake on it.
func serveOnce(t *testing.T, store *Store) (string, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	errs := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			errs <- err
			return
		}
		server := tls.Server(conn, store.TLSConfig())
		err = server.Handshake()
		server.Close()
		errs <- err
	}()
	return ln.Addr().String(), errs
}

func TestHandshakeSelectsCertificate(t *testing.T) {
	f := newFixture(t)
	store, err := NewStore(f.bundles, quietLogger())
	require.NoError(t, err)

	for _, name := range []string{"io.ameo.design", "foo.ameo.design", "ameo.design"} {
		addr, serverErr := serveOnce(t, store)

		client, err := tls.Dial("tcp", addr, &tls.Config{ServerName: name, RootCAs: f.ca.Pool()})
		require.NoError(t, err, name)

		state := client.ConnectionState()
		require.NotEmpty(t, state.PeerCertificates)
		assert.NoError(t, state.PeerCertificates[0].VerifyHostname(name))
		client.Close()
		require.NoError(t, <-serverErr, name)
	}
}

func TestHandshakeFailureClosesConnection(t *testing.T) {
	f := newFixture(t)
	store, err := NewStore(f.bundles, quietLogger())
	require.NoError(t, err)

	addr, serverErr := serveOnce(t, store)

	// The default certificate doesn't cover this name, so verification fails
	// and the client aborts.
	_, err = tls.Dial("tcp", addr, &tls.Config{ServerName: "unknown.example", RootCAs: f.ca.Pool()})
	assert.Error(t, err)
	assert.Error(t, <-serverErr)
}

func TestRefreshPicksUpRenewedCertificate(t *testing.T) {
	f := newFixture(t)
	logger, hook := test.NewNullLogger()
	store, err := NewStore(f.bundles, logger)
	require.NoError(t, err)

	reloaded, err := store.Refresh()
	require.NoError(t, err)
	assert.Zero(t, reloaded)

	renewed, err := f.ca.Issue(time.Now().Add(180*24*time.Hour), "ameo.design", "*.ameo.design")
	require.NoError(t, err)
	_, _, err = renewed.WriteFiles(f.dir, "apex")
	require.NoError(t, err)
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(f.bundles[1].CertFile, future, future))
	require.NoError(t, os.Chtimes(f.bundles[1].KeyFile, future, future))

	reloaded, err = store.Refresh()
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded)

	cert, err := store.GetCertificate(&tls.ClientHelloInfo{ServerName: "foo.ameo.design"})
	require.NoError(t, err)
	assert.Equal(t, renewed.Cert.SerialNumber, cert.Leaf.SerialNumber)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Reloaded certificate bundle", hook.LastEntry().Message)
}

func TestRefreshKeepsCertificateWhenRenewalIsBroken(t *testing.T) {
	f := newFixture(t)
	store, err := NewStore(f.bundles, quietLogger())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(f.bundles[1].CertFile, []byte("garbage"), 0o600))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(f.bundles[1].CertFile, future, future))

	reloaded, err := store.Refresh()
	assert.Error(t, err)
	assert.Zero(t, reloaded)

	cert, err := store.GetCertificate(&tls.ClientHelloInfo{ServerName: "foo.ameo.design"})
	require.NoError(t, err)
	assert.Equal(t, f.apex.Cert.SerialNumber, cert.Leaf.SerialNumber)
}

func TestExpiring(t *testing.T) {
	dir := t.TempDir()
	soon, err := testcert.SelfSigned(time.Now().Add(48*time.Hour), "soon.example")
	require.NoError(t, err)
	soonCrt, soonKey, err := soon.WriteFiles(dir, "soon")
	require.NoError(t, err)
	later, err := testcert.SelfSigned(time.Now().Add(365*24*time.Hour), "later.example")
	require.NoError(t, err)
	laterCrt, laterKey, err := later.WriteFiles(dir, "later")
	require.NoError(t, err)

	store, err := NewStore([]Bundle{
		{Names: []string{"soon.example"}, CertFile: soonCrt, KeyFile: soonKey},
		{Names: []string{"later.example"}, CertFile: laterCrt, KeyFile: laterKey},
	}, quietLogger())
	require.NoError(t, err)

	expiring := store.Expiring(time.Now(), 14*24*time.Hour)
	require.Len(t, expiring, 1)
	assert.Equal(t, "soon.example", expiring[0].Subject)
	assert.Equal(t, soonCrt, expiring[0].CertFile)
}

func TestBundlesFromConfig(t *testing.T) {
	bundles := BundlesFromConfig([]config.VirtualHostConfig{
		{ServerName: "ameo.design", Aliases: []string{"*.ameo.design"}, Cert: config.CertConfig{CertFile: "a.crt", KeyFile: "a.key", ChainFile: "chain.pem"}},
	})
	require.Len(t, bundles, 1)
	assert.Equal(t, []string{"ameo.design", "*.ameo.design"}, bundles[0].Names)
	assert.Equal(t, []string{"a.crt", "a.key", "chain.pem"}, bundles[0].files())
}

func TestGetCertificatePrefersExactName(t *testing.T) {
	f := newFixture(t)
	reversed := []Bundle{f.bundles[1], f.bundles[0]}
	store, err := NewStore(reversed, quietLogger())
	require.NoError(t, err)

	cert, err := store.GetCertificate(&tls.ClientHelloInfo{ServerName: "io.ameo.design"})
	require.NoError(t, err)
	assert.Equal(t, "io.ameo.design", cert.Leaf.Subject.CommonName)

	cert, err = store.GetCertificate(&tls.ClientHelloInfo{ServerName: "foo.ameo.design"})
	require.NoError(t, err)
	assert.Equal(t, "ameo.design", cert.Leaf.Subject.CommonName)
}
