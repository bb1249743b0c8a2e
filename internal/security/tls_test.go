package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fenilsonani/imapd/internal/config"
)

// writeSelfSigned writes a throwaway certificate pair for commonName.
func writeSelfSigned(t *testing.T, dir, commonName string) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		DNSNames:     []string{commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		t.Fatal(err)
	}
	return certPath, keyPath
}

func TestNewTLSManager_Disabled(t *testing.T) {
	m, err := NewTLSManager(config.TLSConfig{}, "localhost")
	if err != nil {
		t.Fatalf("NewTLSManager() error = %v", err)
	}
	if m.HasTLS() {
		t.Error("HasTLS() = true without any certificate source")
	}
	if m.ChallengeHandler() != nil {
		t.Error("ChallengeHandler() should be nil without ACME")
	}
}

func TestNewTLSManager_CertificatePair(t *testing.T) {
	certPath, keyPath := writeSelfSigned(t, t.TempDir(), "imap.example.com")

	m, err := NewTLSManager(config.TLSConfig{CertFile: certPath, KeyFile: keyPath}, "imap.example.com")
	if err != nil {
		t.Fatalf("NewTLSManager() error = %v", err)
	}
	if !m.HasTLS() {
		t.Fatal("HasTLS() = false with a certificate pair")
	}

	cfg := m.TLSConfig()
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x, want TLS 1.2", cfg.MinVersion)
	}
	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{ServerName: "imap.example.com"})
	if err != nil || cert == nil {
		t.Fatalf("GetCertificate() = %v, %v", cert, err)
	}
}

func TestNewTLSManager_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := NewTLSManager(config.TLSConfig{
		CertFile: filepath.Join(dir, "missing.pem"),
		KeyFile:  filepath.Join(dir, "missing.key"),
	}, "localhost")
	if err == nil {
		t.Error("NewTLSManager() should fail for missing certificate files")
	}
}

func TestReload_SwapsCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSigned(t, dir, "old.example.com")

	m, err := NewTLSManager(config.TLSConfig{CertFile: certPath, KeyFile: keyPath}, "old.example.com")
	if err != nil {
		t.Fatal(err)
	}
	before, _ := m.TLSConfig().GetCertificate(nil)

	writeSelfSigned(t, dir, "new.example.com")
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	after, _ := m.TLSConfig().GetCertificate(nil)

	if before == after {
		t.Error("Reload() did not replace the certificate")
	}
	leaf, err := x509.ParseCertificate(after.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if leaf.Subject.CommonName != "new.example.com" {
		t.Errorf("CommonName = %q, want new.example.com", leaf.Subject.CommonName)
	}
}

func TestNewTLSManager_AutoTLS(t *testing.T) {
	m, err := NewTLSManager(config.TLSConfig{
		AutoTLS:  true,
		Email:    "admin@example.com",
		CacheDir: t.TempDir(),
	}, "imap.example.com")
	if err != nil {
		t.Fatalf("NewTLSManager() error = %v", err)
	}
	if !m.HasTLS() {
		t.Error("HasTLS() = false with auto_tls")
	}
	if m.ChallengeHandler() == nil {
		t.Error("ChallengeHandler() should be set with auto_tls")
	}
}
