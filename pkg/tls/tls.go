// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tls builds server TLS configurations for secure endpoints from
// PEM files on disk.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// VerifyMode defines client certificate verification.
type VerifyMode string

const (
	// VerifyNone - No certificate verification
	VerifyNone VerifyMode = "none"
	// VerifyPeer - Verify peer certificate if one is presented
	VerifyPeer VerifyMode = "verify_peer"
	// VerifyPeerFailIfNoCert - Verify peer certificate and fail if not provided
	VerifyPeerFailIfNoCert VerifyMode = "verify_peer_fail_if_no_peer_cert"
)

var versions = map[string]uint16{
	"tlsv1.2": tls.VersionTLS12,
	"tlsv1.3": tls.VersionTLS13,
}

// Config locates the certificate material of a TLS listener.
type Config struct {
	CertFile   string     `yaml:"certfile" json:"certfile"`
	KeyFile    string     `yaml:"keyfile" json:"keyfile"`
	CACertFile string     `yaml:"cacertfile,omitempty" json:"cacertfile,omitempty"`
	Verify     VerifyMode `yaml:"verify,omitempty" json:"verify,omitempty"`
	MinVersion string     `yaml:"min_version,omitempty" json:"min_version,omitempty"`
}

// ServerConfig loads the certificate files and returns a server tls.Config.
func (c *Config) ServerConfig() (*tls.Config, error) {
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, errors.New("certfile and keyfile are required")
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.MinVersion != "" {
		v, ok := versions[c.MinVersion]
		if !ok {
			return nil, fmt.Errorf("unsupported TLS version: %s (supported: tlsv1.2, tlsv1.3)", c.MinVersion)
		}
		tlsConfig.MinVersion = v
	}

	switch c.Verify {
	case "", VerifyNone:
		tlsConfig.ClientAuth = tls.NoClientCert
	case VerifyPeer:
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	case VerifyPeerFailIfNoCert:
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		return nil, fmt.Errorf("unsupported verify mode: %s", c.Verify)
	}

	if tlsConfig.ClientAuth != tls.NoClientCert {
		if c.CACertFile == "" {
			return nil, fmt.Errorf("verify mode %s requires cacertfile", c.Verify)
		}
		pemData, err := os.ReadFile(c.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.ClientCAs = pool
	}

	return tlsConfig, nil
}

// CertificateInfo contains parsed certificate information
type CertificateInfo struct {
	Subject     string    `json:"subject"`
	Issuer      string    `json:"issuer"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	DNSNames    []string  `json:"dns_names,omitempty"`
	Fingerprint string    `json:"fingerprint"`
}

// ParseCertificate parses the first PEM certificate in certPEM.
func ParseCertificate(certPEM []byte) (*CertificateInfo, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("failed to parse certificate PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	fingerprint := sha256.Sum256(cert.Raw)
	return &CertificateInfo{
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		DNSNames:    cert.DNSNames,
		Fingerprint: hex.EncodeToString(fingerprint[:]),
	}, nil
}

// ExpiresWithin reports whether the certificate expires within d of now.
func (i *CertificateInfo) ExpiresWithin(now time.Time, d time.Duration) bool {
	return i.NotAfter.Sub(now) <= d
}

// Inspect parses the configured server certificate.
func (c *Config) Inspect() (*CertificateInfo, error) {
	data, err := os.ReadFile(c.CertFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	return ParseCertificate(data)
}

// GenerateSelfSigned writes a self-signed ECDSA certificate for hosts, valid
// for validFor, to dir as cert.pem and key.pem. It is meant for development
// listeners.
func GenerateSelfSigned(dir string, hosts []string, validFor time.Duration) (certFile, keyFile string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"msgroute"}, CommonName: "msgroute"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return "", "", fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal key: %w", err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0644); err != nil {
		return "", "", fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		return "", "", fmt.Errorf("failed to write key: %w", err)
	}
	return certFile, keyFile, nil
}
