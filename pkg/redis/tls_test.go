package redis

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTLSOptionsDisabled(t *testing.T) {
	cfg, err := TLSOptions{CertPath: "/ignored"}.Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil tls config when disabled")
	}
}

func TestTLSOptionsCertKeyPairValidation(t *testing.T) {
	_, err := TLSOptions{Enabled: true, CertPath: "/tmp/redis-client-cert.pem"}.Build()
	if err == nil {
		t.Fatal("expected error when cert is set without key")
	}
}

func TestTLSOptionsBasic(t *testing.T) {
	cfg, err := TLSOptions{Enabled: true, ServerName: " redis.internal "}.Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected non-nil tls config")
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Fatalf("unexpected min tls version: %d", cfg.MinVersion)
	}
	if cfg.ServerName != "redis.internal" {
		t.Fatalf("unexpected server name: %s", cfg.ServerName)
	}
}

func TestTLSOptionsInvalidCACert(t *testing.T) {
	caPath := filepath.Join(t.TempDir(), "invalid-ca.pem")
	if err := os.WriteFile(caPath, []byte("not-a-certificate"), 0o600); err != nil {
		t.Fatalf("write temp ca file: %v", err)
	}

	_, err := TLSOptions{Enabled: true, CACertPath: caPath}.Build()
	if err == nil {
		t.Fatal("expected error for invalid ca cert")
	}
	if !strings.Contains(err.Error(), "no valid certificates") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTLSOptionsMissingCACert(t *testing.T) {
	_, err := TLSOptions{Enabled: true, CACertPath: filepath.Join(t.TempDir(), "missing.pem")}.Build()
	if err == nil || !strings.Contains(err.Error(), "read ca cert") {
		t.Fatalf("expected read error, got %v", err)
	}
}
