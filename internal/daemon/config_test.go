package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadServiceConfig(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadServiceConfig: %v", err)
	}
	if cfg.HTTP.Port != 8090 {
		t.Errorf("port = %d", cfg.HTTP.Port)
	}
	if !cfg.Storage.UseLocal {
		t.Error("local storage not enabled by default")
	}
}

func TestLoadServiceConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sprinklerd.toml")
	content := `
[http]
host = "127.0.0.1"
port = 9000

[portal]
servers = ["http://portal.local"]

[discovery.static]
control = ["http://relay.local"]

[telemetry]
prometheus = true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadServiceConfig(path)
	if err != nil {
		t.Fatalf("LoadServiceConfig: %v", err)
	}
	if cfg.HTTP.Host != "127.0.0.1" || cfg.HTTP.Port != 9000 {
		t.Errorf("http = %+v", cfg.HTTP)
	}
	if len(cfg.Portal.Servers) != 1 {
		t.Errorf("portal servers = %v", cfg.Portal.Servers)
	}
	if got := cfg.Discovery.Static["control"]; len(got) != 1 || got[0] != "http://relay.local" {
		t.Errorf("static control providers = %v", got)
	}
	if !cfg.Telemetry.Prometheus {
		t.Error("prometheus not enabled")
	}
	// Unset sections keep their defaults.
	if !cfg.Storage.UseLocal {
		t.Error("use_local default lost on partial file")
	}
}

func TestInvalidServiceConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sprinklerd.toml")
	if err := os.WriteFile(path, []byte(`[http`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadServiceConfig(path); err == nil {
		t.Error("invalid TOML accepted")
	}
}
