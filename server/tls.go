package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// Cert is a PEM-encoded certificate and private key.
type Cert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
}

// ServerTLSConfig builds a server config from a PEM certificate (chain) and key.
func ServerTLSConfig(certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	return cfg, nil
}

// LoadServerTLSConfig reads the certificate and key files and builds a server config.
func LoadServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("reading TLS cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading TLS key: %w", err)
	}
	return ServerTLSConfig(certPEM, keyPEM)
}

// ClientTLSConfig builds a client config that trusts only the given PEM CA certificates.
func ClientTLSConfig(caCertPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no certificates found in CA PEM")
	}
	return &tls.Config{RootCAs: caCertPool}, nil
}

// GenerateCert generates a self-signed certificate for the given host names and IP addresses.
// It is meant for local use and tests, and is valid for 7 days.
func GenerateCert(hosts ...string) (*Cert, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}

	c := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: "liverun"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().AddDate(0, 0, 7),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			c.IPAddresses = append(c.IPAddresses, ip)
		} else {
			c.DNSNames = append(c.DNSNames, h)
		}
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &c, &c, &certKey.PublicKey, certKey)
	if err != nil {
		return nil, fmt.Errorf("creating cert: %w", err)
	}

	certPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})
	if certPEMBytes == nil {
		return nil, errors.New("unable to encode certificate to PEM")
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(certKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	certKeyPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBytes,
	})
	if certKeyPEMBytes == nil {
		return nil, errors.New("unable to encode private key to PEM")
	}

	return &Cert{
		CertPEMBytes: certPEMBytes,
		KeyPEMBytes:  certKeyPEMBytes,
	}, nil
}
