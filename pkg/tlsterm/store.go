// Package tlsterm terminates TLS for the router's virtual hosts.
//
// Each virtual host owns one certificate bundle. The certificate presented
// for a handshake is chosen by SNI against the virtual hosts' names and
// aliases; handshakes without SNI, or with a name nobody claims, get the
// first bundle, the way name-based virtual hosting falls back to the first
// vhost on a port.
package tlsterm

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/ameodesign/vhost-router/pkg/config"
	"github.com/ameodesign/vhost-router/pkg/rules"
)

// Bundle names the PEM files of one certificate and the host names it serves.
type Bundle struct {
	Names     []string
	CertFile  string
	KeyFile   string
	ChainFile string
}

// BundlesFromConfig returns one bundle per virtual host, in config order.
func BundlesFromConfig(vhosts []config.VirtualHostConfig) []Bundle {
	bundles := make([]Bundle, 0, len(vhosts))
	for _, vh := range vhosts {
		bundles = append(bundles, Bundle{
			Names:     vh.Names(),
			CertFile:  vh.Cert.CertFile,
			KeyFile:   vh.Cert.KeyFile,
			ChainFile: vh.Cert.ChainFile,
		})
	}
	return bundles
}

func (b Bundle) files() []string {
	files := []string{b.CertFile, b.KeyFile}
	if b.ChainFile != "" {
		files = append(files, b.ChainFile)
	}
	return files
}

// LoadBundle reads the key pair and appends the chain file's certificates.
func LoadBundle(b Bundle) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(b.CertFile, b.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair %s / %s: %w", b.CertFile, b.KeyFile, err)
	}

	if b.ChainFile != "" {
		data, err := os.ReadFile(b.ChainFile)
		if err != nil {
			return nil, fmt.Errorf("read chain file %s: %w", b.ChainFile, err)
		}
		added := 0
		for {
			var block *pem.Block
			block, data = pem.Decode(data)
			if block == nil {
				break
			}
			if block.Type != "CERTIFICATE" {
				continue
			}
			cert.Certificate = append(cert.Certificate, block.Bytes)
			added++
		}
		if added == 0 {
			return nil, fmt.Errorf("chain file %s contains no certificates", b.ChainFile)
		}
	}

	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("parse leaf certificate %s: %w", b.CertFile, err)
		}
		cert.Leaf = leaf
	}
	return &cert, nil
}

type entry struct {
	bundle  Bundle
	cert    *tls.Certificate
	modTime time.Time // newest mod time across the bundle's files
}

// Store holds the loaded certificates. Lookups and swaps are safe for
// concurrent use.
type Store struct {
	logger logrus.FieldLogger

	mu      sync.RWMutex
	entries []*entry
}

// NewStore loads every bundle. Any unreadable bundle fails the whole store.
func NewStore(bundles []Bundle, logger logrus.FieldLogger) (*Store, error) {
	s := &Store{logger: logger}
	if err := s.Replace(bundles); err != nil {
		return nil, err
	}
	return s, nil
}

// Replace loads a new bundle set and swaps it in. On error the current set
// stays in place.
func (s *Store) Replace(bundles []Bundle) error {
	if len(bundles) == 0 {
		return errors.New("no certificate bundles configured")
	}

	entries := make([]*entry, 0, len(bundles))
	var errs error
	for _, b := range bundles {
		e, err := loadEntry(b)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		entries = append(entries, e)
	}
	if errs != nil {
		return errs
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (s *Store) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return nil, errors.New("no certificates loaded")
	}

	name := strings.TrimSuffix(strings.ToLower(hello.ServerName), ".")
	if name == "" {
		return s.entries[0].cert, nil
	}
	// Exact names first, so io.ameo.design isn't taken by an earlier
	// *.ameo.design.
	for _, e := range s.entries {
		for _, n := range e.bundle.Names {
			if n == name {
				return e.cert, nil
			}
		}
	}
	for _, e := range s.entries {
		for _, pattern := range e.bundle.Names {
			if rules.MatchName(pattern, name) {
				return e.cert, nil
			}
		}
	}
	return s.entries[0].cert, nil
}

// TLSConfig returns the server-side TLS configuration backed by s.
func (s *Store) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: s.GetCertificate,
	}
}

// Refresh re-reads bundles whose files changed since they were loaded.
// A bundle that fails to load keeps its previous certificate.
func (s *Store) Refresh() (reloaded int, err error) {
	s.mu.RLock()
	current := make([]*entry, len(s.entries))
	copy(current, s.entries)
	s.mu.RUnlock()

	next := make([]*entry, len(current))
	for i, e := range current {
		next[i] = e
		mod, statErr := newestModTime(e.bundle.files())
		if statErr != nil {
			err = multierr.Append(err, statErr)
			continue
		}
		if !mod.After(e.modTime) {
			continue
		}
		fresh, loadErr := loadEntry(e.bundle)
		if loadErr != nil {
			err = multierr.Append(err, loadErr)
			continue
		}
		next[i] = fresh
		reloaded++
		s.logger.WithFields(logrus.Fields{
			"cert":      e.bundle.CertFile,
			"not_after": fresh.cert.Leaf.NotAfter,
		}).Info("Reloaded certificate bundle")
	}

	if reloaded > 0 {
		s.mu.Lock()
		// Skip the swap if Replace ran in between; its set is newer.
		if sameEntries(s.entries, current) {
			s.entries = next
		}
		s.mu.Unlock()
	}
	return reloaded, err
}

// Expiry describes a certificate close to its NotAfter.
type Expiry struct {
	CertFile string
	Subject  string
	NotAfter time.Time
}

// Expiring lists the leaves that expire within window of now.
func (s *Store) Expiring(now time.Time, window time.Duration) []Expiry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Expiry
	for _, e := range s.entries {
		leaf := e.cert.Leaf
		if leaf.NotAfter.Sub(now) <= window {
			out = append(out, Expiry{CertFile: e.bundle.CertFile, Subject: leaf.Subject.CommonName, NotAfter: leaf.NotAfter})
		}
	}
	return out
}

func loadEntry(b Bundle) (*entry, error) {
	mod, err := newestModTime(b.files())
	if err != nil {
		return nil, err
	}
	cert, err := LoadBundle(b)
	if err != nil {
		return nil, err
	}
	return &entry{bundle: b, cert: cert, modTime: mod}, nil
}

func newestModTime(files []string) (time.Time, error) {
	var newest time.Time
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			return time.Time{}, fmt.Errorf("stat %s: %w", f, err)
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
	}
	return newest, nil
}

func sameEntries(a, b []*entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
