package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

// TrustConfig selects the roots used to verify remote certificates.
// Verification cannot be disabled.
type TrustConfig struct {
	CAFile      string `mapstructure:"ca_file"`
	CAPEM       string `mapstructure:"ca_pem"`
	SystemRoots bool   `mapstructure:"system_roots"`
	ServerName  string `mapstructure:"server_name"`
}

// Custom reports whether the settings name a CA beyond the system roots.
func (c TrustConfig) Custom() bool {
	return strings.TrimSpace(c.CAFile) != "" || strings.TrimSpace(c.CAPEM) != ""
}

// TLSConfig builds a client TLS configuration from the trust settings.
func (c TrustConfig) TLSConfig() (*tls.Config, error) {
	var pool *x509.CertPool
	if c.SystemRoots {
		sys, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("load system roots: %w", err)
		}
		pool = sys
	} else {
		pool = x509.NewCertPool()
	}

	added := false
	if path := strings.TrimSpace(c.CAFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("ca file %s: no certificates found", path)
		}
		added = true
	}
	if pem := strings.TrimSpace(c.CAPEM); pem != "" {
		if !pool.AppendCertsFromPEM([]byte(pem)) {
			return nil, errors.New("ca_pem: no certificates found")
		}
		added = true
	}
	if !added && !c.SystemRoots {
		return nil, errors.New("no trust roots configured")
	}

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    pool,
		ServerName: c.ServerName,
	}, nil
}
