package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load with defaults failed: %v", err)
	}

	if cfg.Bridge.WSAddr != ":8080" {
		t.Errorf("ws_addr = %q, want :8080", cfg.Bridge.WSAddr)
	}
	if cfg.Bridge.ThrottlingConfig.MaxConnections != 1024 {
		t.Errorf("max_connections = %d, want 1024", cfg.Bridge.ThrottlingConfig.MaxConnections)
	}
	if len(cfg.Streams) != 3 {
		t.Fatalf("default streams = %d, want 3", len(cfg.Streams))
	}
	for _, sc := range cfg.Streams {
		switch sc.Kind {
		case "ticker", "randomwalk", "counter":
		default:
			t.Errorf("stream %q has unexpected kind %q", sc.ID, sc.Kind)
		}
	}
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: verbose
`)
	_, err := Load(path, nil)
	if err == nil {
		t.Fatal("Load accepted an invalid log level")
	}
	if !strings.Contains(err.Error(), "Level") {
		t.Errorf("error does not name the field: %v", err)
	}
}

func TestLoadRejectsInvalidListenAddr(t *testing.T) {
	path := writeConfig(t, `
bridge:
  ws_addr: "not an address"
`)
	if _, err := Load(path, nil); err == nil {
		t.Fatal("Load accepted an invalid listen address")
	}
}

func TestLoadRejectsUnknownStreamKind(t *testing.T) {
	path := writeConfig(t, `
streams:
  - id: bad
    name: Bad
    kind: fibonacci
    interval: 1s
`)
	if _, err := Load(path, nil); err == nil {
		t.Fatal("Load accepted an unknown stream kind")
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
bridge:
  name: custom-bridge
  ws_addr: ":9000"
`)
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Bridge.Name != "custom-bridge" {
		t.Errorf("name = %q, want custom-bridge", cfg.Bridge.Name)
	}
	if cfg.Bridge.WSAddr != ":9000" {
		t.Errorf("ws_addr = %q, want :9000", cfg.Bridge.WSAddr)
	}
	// Untouched sections keep their defaults.
	if cfg.Metrics.Port != 9181 {
		t.Errorf("metrics port = %d, want 9181", cfg.Metrics.Port)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}
