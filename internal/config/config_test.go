package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, doc map[string]any) string {
	t.Helper()
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func baseDoc() map[string]any {
	return map[string]any{
		"listen_addr": "0.0.0.0:8443",
		"whitelist":   []string{"*.example.com"},
	}
}

func TestLoad_ValidMinimal(t *testing.T) {
	path := writeConfig(t, baseDoc())

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxConnections != defaultMaxConnections {
		t.Errorf("got %d, want default %d", cfg.MaxConnections, defaultMaxConnections)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("got log level %q, want default info", cfg.Log.Level)
	}
}

func TestValidate_C1_RequiresOneAllowList(t *testing.T) {
	doc := baseDoc()
	doc["whitelist"] = []string{}
	path := writeConfig(t, doc)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error when both allow-lists are empty")
	}
}

func TestValidate_C2_Socks5WhitelistNeedsEndpoint(t *testing.T) {
	doc := baseDoc()
	doc["socks5_whitelist"] = []string{"socks.example.com"}
	path := writeConfig(t, doc)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error when socks5_whitelist is set without a socks5 endpoint")
	}
}

func TestValidate_C3_CredentialsBothOrNeither(t *testing.T) {
	doc := baseDoc()
	doc["socks5_whitelist"] = []string{"socks.example.com"}
	doc["socks5"] = map[string]any{
		"addr":     "127.0.0.1:1080",
		"username": "user",
	}
	path := writeConfig(t, doc)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error when only username is set")
	}
}

func TestValidate_C3_BothCredentialsOK(t *testing.T) {
	doc := baseDoc()
	doc["socks5_whitelist"] = []string{"socks.example.com"}
	doc["socks5"] = map[string]any{
		"addr":     "127.0.0.1:1080",
		"username": "user",
		"password": "pass",
	}
	path := writeConfig(t, doc)

	if _, err := Load(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_InvalidListenAddr(t *testing.T) {
	doc := baseDoc()
	doc["listen_addr"] = "not-an-address"
	path := writeConfig(t, doc)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid listen_addr")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	doc := baseDoc()
	doc["log"] = map[string]any{"level": "verbose"}
	path := writeConfig(t, doc)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestValidate_IPTrafficTrackingCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	doc := baseDoc()
	doc["ip_traffic_tracking"] = map[string]any{
		"enabled":             true,
		"max_tracked_ips":     1000,
		"output_file":         filepath.Join(dir, "nested", "out.txt"),
		"persistence_file":    filepath.Join(dir, "nested", "out.json"),
		"print_interval_secs": 30,
	}
	path := writeConfig(t, doc)

	if _, err := Load(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "nested")); err != nil {
		t.Errorf("expected parent directory to be created: %v", err)
	}
}

func TestValidate_IPWhitelistAcceptsIPsAndCIDRs(t *testing.T) {
	doc := baseDoc()
	doc["ip_whitelist"] = []string{"1.2.3.4", "10.0.0.0/8"}
	path := writeConfig(t, doc)

	if _, err := Load(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_IPWhitelistRejectsGarbage(t *testing.T) {
	doc := baseDoc()
	doc["ip_whitelist"] = []string{"not-an-ip"}
	path := writeConfig(t, doc)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid ip_whitelist entry")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
