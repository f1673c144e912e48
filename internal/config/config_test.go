package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithNoFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg != want {
		t.Fatalf("cfg = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadAppliesYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telemetryd.yaml")
	yamlContent := "http_addr: \":9999\"\nfirewall_enabled: true\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("HTTPAddr = %q, want :9999", cfg.HTTPAddr)
	}
	if !cfg.FirewallEnabled {
		t.Fatal("expected firewall_enabled override to take effect")
	}
	// untouched fields keep their defaults
	if cfg.PortRange != (Default().PortRange) {
		t.Fatalf("PortRange = %+v, want default", cfg.PortRange)
	}
}

func TestLoadMissingExplicitFileIsError(t *testing.T) {
	_, err := Load("/nonexistent/path/telemetryd.yaml", nil)
	if err == nil {
		t.Fatal("expected an error for a missing explicit config path")
	}
}

func TestFlagsOverrideFileAndDefaults(t *testing.T) {
	cfg, err := Load("", []string{"-http-addr", ":7777", "-socket-timeout", "5m"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":7777" {
		t.Fatalf("HTTPAddr = %q, want :7777", cfg.HTTPAddr)
	}
	if cfg.SocketTimeout != 5*time.Minute {
		t.Fatalf("SocketTimeout = %v, want 5m", cfg.SocketTimeout)
	}
}
