// Package security builds the TLS configuration for the implicit-TLS
// IMAP listener.
package security

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/crypto/acme/autocert"

	"github.com/fenilsonani/imapd/internal/config"
)

// TLSManager handles TLS certificate management
type TLSManager struct {
	cfg         config.TLSConfig
	certManager *autocert.Manager
	tlsConfig   *tls.Config

	mu   sync.RWMutex
	cert *tls.Certificate
}

// NewTLSManager creates a TLS manager for hostname. When neither ACME nor a
// certificate pair is configured the manager reports HasTLS() == false.
func NewTLSManager(cfg config.TLSConfig, hostname string) (*TLSManager, error) {
	m := &TLSManager{cfg: cfg}

	switch {
	case cfg.AutoTLS:
		m.certManager = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(hostname),
			Cache:      autocert.DirCache(cfg.CacheDir),
			Email:      cfg.Email,
		}
		m.tlsConfig = m.certManager.TLSConfig()

	case cfg.CertFile != "" && cfg.KeyFile != "":
		if err := m.Reload(); err != nil {
			return nil, err
		}
		m.tlsConfig = &tls.Config{GetCertificate: m.getCertificate}

	default:
		return m, nil
	}

	m.tlsConfig.MinVersion = tls.VersionTLS12
	m.tlsConfig.CipherSuites = []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	}
	m.tlsConfig.NextProtos = append(m.tlsConfig.NextProtos, "imap")

	return m, nil
}

// Reload re-reads the configured certificate pair. Handshakes in progress
// keep the certificate they started with.
func (m *TLSManager) Reload() error {
	if m.cfg.CertFile == "" || m.cfg.KeyFile == "" {
		return nil
	}

	cert, err := tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	m.mu.Lock()
	m.cert = &cert
	m.mu.Unlock()
	return nil
}

func (m *TLSManager) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cert, nil
}

// TLSConfig returns the TLS configuration
func (m *TLSManager) TLSConfig() *tls.Config {
	return m.tlsConfig
}

// ChallengeHandler returns the ACME HTTP-01 responder, or nil when ACME is
// not in use.
func (m *TLSManager) ChallengeHandler() http.Handler {
	if m.certManager == nil {
		return nil
	}
	return m.certManager.HTTPHandler(nil)
}

// HasTLS returns true if TLS is configured
func (m *TLSManager) HasTLS() bool {
	return m.tlsConfig != nil
}
