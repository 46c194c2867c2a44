package redis

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// TLSOptions 描述 Redis TLS 连接参数
type TLSOptions struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	CACertPath string `json:"caCert" yaml:"caCert"`
	CertPath   string `json:"cert" yaml:"cert"`
	KeyPath    string `json:"key" yaml:"key"`
	ServerName string `json:"serverName" yaml:"serverName"`
}

// Build returns nil when TLS is disabled.
func (o TLSOptions) Build() (*tls.Config, error) {
	if !o.Enabled {
		return nil, nil
	}

	certPath := strings.TrimSpace(o.CertPath)
	keyPath := strings.TrimSpace(o.KeyPath)
	if (certPath == "") != (keyPath == "") {
		return nil, fmt.Errorf("redis tls: cert and key must be set together")
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: strings.TrimSpace(o.ServerName),
	}

	if caPath := strings.TrimSpace(o.CACertPath); caPath != "" {
		caBytes, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls: read ca cert: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(caBytes); !ok {
			return nil, fmt.Errorf("redis tls: ca cert %s has no valid certificates", caPath)
		}
		cfg.RootCAs = pool
	}

	if certPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls: load key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
