package server

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
	"path/filepath"
	"time"
)

const selfSignedValidity = 365 * 24 * time.Hour

// tlsPaths returns the certificate and key locations, defaulting into DataDir.
func tlsPaths(cfg Config) (certPath, keyPath string) {
	certPath, keyPath = cfg.CertFile, cfg.KeyFile
	if certPath == "" {
		certPath = filepath.Join(cfg.DataDir, "huddle.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "huddle.key")
	}
	return certPath, keyPath
}

// certSANs lists the names a self-signed certificate is issued for: the
// loopback names plus the host part of the bind address, when it names one.
func certSANs(addr string) (dns []string, ips []net.IP) {
	dns = []string{"localhost"}
	ips = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}

	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" || host == "localhost" {
		return dns, ips
	}
	if ip := net.ParseIP(host); ip != nil {
		if !ip.IsUnspecified() && !ip.IsLoopback() {
			ips = append(ips, ip)
		}
		return dns, ips
	}
	return append(dns, host), ips
}

// loadOrGenerateTLS loads the configured key pair, or issues a self-signed
// one for the bind address and writes it where the next start will find it.
func loadOrGenerateTLS(cfg Config) (tls.Certificate, error) {
	certPath, keyPath := tlsPaths(cfg)

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		slog.Info("loaded TLS certificate", "cert", certPath)
		return cert, nil
	}

	dns, ips := certSANs(cfg.Addr)
	slog.Info("generating self-signed TLS certificate", "dns", dns, "ips", ips)
	certPEM, keyPEM, err := selfSigned(dns, ips, time.Now())
	if err != nil {
		return tls.Certificate{}, err
	}

	if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert dir: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil { //nolint:gosec // public certificate
		return tls.Certificate{}, fmt.Errorf("write cert: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return tls.Certificate{}, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("write key: %w", err)
	}
	slog.Info("TLS certificate generated", "cert", certPath, "key", keyPath)

	return tls.X509KeyPair(certPEM, keyPEM)
}

// selfSigned issues a P-256 server certificate valid from now and returns it
// and its key PEM encoded.
func selfSigned(dns []string, ips []net.IP, now time.Time) (certPEM, keyPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"huddle"}, CommonName: dns[len(dns)-1]},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(selfSignedValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     dns,
		IPAddresses:  ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create cert: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}
