// Package tlsconfig builds the tls.Config the transport listens with: either
// a PEM pair supplied on disk, or a short-lived self-signed certificate for
// local development (spec.md §6, teacher's generateTLSConfig pattern).
package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"time"
)

// selfSignedValidity is how long a generated certificate remains valid.
const selfSignedValidity = 24 * time.Hour

// LoadOrGenerate returns a tls.Config for the listener. If certPath and
// keyPath are both non-empty, it loads that PEM pair via
// tls.LoadX509KeyPair. Otherwise it falls back to a self-signed certificate
// scoped to hostname, logging loudly that the deployment is not
// production-grade.
func LoadOrGenerate(certPath, keyPath, hostname string) (*tls.Config, error) {
	if certPath != "" && keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("tlsconfig: load key pair: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}

	slog.Warn("no -cert/-key supplied, generating a self-signed certificate; do not use this in production")
	cfg, fingerprint, err := generateSelfSigned(selfSignedValidity, hostname)
	if err != nil {
		return nil, err
	}
	slog.Info("generated self-signed certificate", "sha256", fingerprint)
	return cfg, nil
}

// generateSelfSigned creates a self-signed ECDSA certificate valid for the
// given duration, naming hostname (plus "localhost") in its DNS SANs.
func generateSelfSigned(validity time.Duration, hostname string) (*tls.Config, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("tlsconfig: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, "", fmt.Errorf("tlsconfig: generate serial: %w", err)
	}

	cn := "chatserver"
	if hostname != "" {
		cn = hostname
	}

	sans := []string{"localhost"}
	if hostname != "" && hostname != "localhost" {
		sans = append(sans, hostname)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              sans,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, "", fmt.Errorf("tlsconfig: create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, "", fmt.Errorf("tlsconfig: parse certificate: %w", err)
	}

	fp := sha256.Sum256(certDER)
	fingerprint := hex.EncodeToString(fp[:])

	tlsCert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        cert,
	}
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}}, fingerprint, nil
}
