package proxy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

const (
	caCertName = "bluegreen-ca.pem"
	caKeyName  = "bluegreen-ca.key"
)

// certAuthority owns the interception CA and mints leaf certificates for
// intercepted hosts on demand.
type certAuthority struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey

	mu     sync.Mutex
	leaves map[string]*tls.Certificate
}

// loadOrCreateCA reads the CA pair from certDir, generating and
// persisting a fresh one when absent. Generation is idempotent across
// interceptor instances sharing the directory.
func loadOrCreateCA(certDir string) (*certAuthority, error) {
	if err := os.MkdirAll(certDir, 0o700); err != nil {
		return nil, err
	}
	certPath := filepath.Join(certDir, caCertName)
	keyPath := filepath.Join(certDir, caKeyName)

	if _, err := os.Stat(certPath); err == nil {
		return loadCA(certPath, keyPath)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "bluegreen interception CA",
			Organization: []string{"bluegreen"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &certAuthority{cert: cert, key: key, leaves: make(map[string]*tls.Certificate)}, nil
}

func loadCA(certPath, keyPath string) (*certAuthority, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("no PEM block in %s", certPath)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("no PEM block in %s", keyPath)
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}

	return &certAuthority{cert: cert, key: key, leaves: make(map[string]*tls.Certificate)}, nil
}

// leafFor mints (and caches) a certificate for one intercepted host.
func (ca *certAuthority) leafFor(host string) (*tls.Certificate, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if leaf, ok := ca.leaves[host]; ok {
		return leaf, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(0, 0, 7),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("mint certificate for %s: %w", host, err)
	}

	leaf := &tls.Certificate{
		Certificate: [][]byte{der, ca.cert.Raw},
		PrivateKey:  key,
	}
	ca.leaves[host] = leaf
	return leaf, nil
}

// tlsConfig serves a minted certificate per SNI host, falling back to
// the CONNECT target when the client sends no server name.
func (ca *certAuthority) tlsConfig(fallbackHost string) *tls.Config {
	return &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := hello.ServerName
			if host == "" {
				host = fallbackHost
			}
			return ca.leafFor(host)
		},
	}
}

// waitForCACert blocks until the CA certificate exists on disk or the
// timeout elapses. Readiness depends on it: a client started before the
// certificate exists would fail its first TLS handshake.
func waitForCACert(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s after %s", ErrCertificateTimeout, path, timeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// installTrustStore copies the CA certificate into the system trust
// store directory and refreshes the store. Idempotent: an already
// installed certificate is left alone. Refresh failures are logged,
// not fatal; clients also get the CA via SSL_CERT_FILE.
func installTrustStore(caCertPath, trustDir string, logger *slog.Logger) error {
	if trustDir == "" {
		return nil
	}
	target := filepath.Join(trustDir, "bluegreen-ca.crt")
	if _, err := os.Stat(target); err == nil {
		return nil
	}

	if err := os.MkdirAll(trustDir, 0o755); err != nil {
		return err
	}
	raw, err := os.ReadFile(caCertPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(target, raw, 0o644); err != nil {
		return err
	}

	if path, err := exec.LookPath("update-ca-certificates"); err == nil {
		if out, err := exec.Command(path).CombinedOutput(); err != nil {
			logger.Warn("trust store refresh failed",
				slog.String("error", err.Error()),
				slog.String("output", string(out)))
		}
	}
	return nil
}
