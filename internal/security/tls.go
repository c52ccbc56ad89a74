// Package security builds the client-side tls.Config imapkit dials with
// and persists trust decisions across runs, grounded on the teacher's
// internal/security/tls.go (cipher pinning, min version) but turned
// around: a client verifies the server's certificate rather than
// presenting its own, so there's no autocert manager here — only a
// disk-backed cache of previously accepted chains (TOFU, akin to
// autocert.DirCache's on-disk persistence model) feeding the async
// transport.TrustFunc hook.
package security

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fenilsonani/imapkit/internal/config"
	"github.com/fenilsonani/imapkit/transport"
)

// BuildTLSConfig constructs the tls.Config imapkit uses for STARTTLS and
// implicit-TLS connections, applying the min-version and cipher-suite
// policy the teacher's TLS manager applies server-side.
func BuildTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	switch cfg.MinVersion {
	case "", "1.2":
		tlsCfg.MinVersion = tls.VersionTLS12
	case "1.3":
		tlsCfg.MinVersion = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("security: unsupported tls.min_version %q", cfg.MinVersion)
	}
	tlsCfg.CipherSuites = []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	}

	if cfg.InsecureSkipVerify {
		tlsCfg.InsecureSkipVerify = true
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("security: reading tls.ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("security: tls.ca_file contains no usable certificates")
		}
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}

// PromptFunc asks a human (or some other out-of-band authority) whether
// to trust a certificate chain the system trust store didn't already
// resolve. It is only consulted on a TrustCache miss.
type PromptFunc func(chain []*x509.Certificate) transport.TrustDecision

// TrustCache persists accepted certificate fingerprints to a directory
// on disk, one file per host, the same "cache dir holding one blob per
// trust decision" shape as autocert.DirCache.
type TrustCache struct {
	dir    string
	mu     sync.Mutex
	prompt PromptFunc
}

// NewTrustCache returns a TrustCache backed by dir, creating it if
// necessary. prompt is consulted whenever a host has no cached decision
// or its leaf fingerprint has changed.
func NewTrustCache(dir string, prompt PromptFunc) (*TrustCache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("security: creating trust cache dir: %w", err)
	}
	return &TrustCache{dir: dir, prompt: prompt}, nil
}

func fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

func (c *TrustCache) path(host string) string {
	sum := sha256.Sum256([]byte(host))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".fingerprint")
}

// Func returns a transport.TrustFunc bound to this cache for the given
// host. Host is baked in at construction time since TrustFunc's
// signature (matching every other TLS upgrade hook in transport) only
// carries the chain, not the address being dialed.
func (c *TrustCache) Func(host string) transport.TrustFunc {
	return func(ctx context.Context, chain []*x509.Certificate) transport.TrustDecision {
		return c.decide(host, chain)
	}
}

func (c *TrustCache) decide(host string, chain []*x509.Certificate) transport.TrustDecision {
	if len(chain) == 0 {
		return transport.TrustReject
	}
	leaf := fingerprint(chain[0])

	c.mu.Lock()
	cached, err := os.ReadFile(c.path(host))
	c.mu.Unlock()
	if err == nil && string(cached) == leaf {
		return transport.TrustAccept
	}

	if c.prompt == nil {
		return transport.TrustReject
	}
	decision := c.prompt(chain)
	if decision == transport.TrustAcceptPersistently {
		c.mu.Lock()
		_ = os.WriteFile(c.path(host), []byte(leaf), 0600)
		c.mu.Unlock()
		return transport.TrustAccept
	}
	return decision
}
