package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Mediasoup.NumWorkers < 1 {
		t.Fatalf("numWorkers = %d", cfg.Mediasoup.NumWorkers)
	}
	if len(cfg.Mediasoup.RouterOptions.MediaCodecs) == 0 {
		t.Fatal("default media codecs empty")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "confab.yaml")
	data := []byte(`
domain: meet.example.com
http:
  listenIp: 127.0.0.1
  listenPort: 8443
mediasoup:
  numWorkers: 2
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Domain != "meet.example.com" {
		t.Errorf("domain = %q", cfg.Domain)
	}
	if cfg.HTTP.ListenPort != 8443 {
		t.Errorf("listenPort = %d", cfg.HTTP.ListenPort)
	}
	if cfg.Mediasoup.NumWorkers != 2 {
		t.Errorf("numWorkers = %d", cfg.Mediasoup.NumWorkers)
	}
	// Untouched sections keep their defaults.
	if len(cfg.Mediasoup.RouterOptions.MediaCodecs) == 0 {
		t.Error("media codecs lost on partial file")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Domain != "localhost" {
		t.Errorf("domain = %q, want default", cfg.Domain)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	t.Setenv("DOMAIN", "conf.example.org")
	t.Setenv("MEDIASOUP_NUM_WORKERS", "3")
	t.Setenv("NETWORK_THROTTLE_SECRET", "s3cret")
	t.Setenv("TERMINAL", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Domain != "conf.example.org" {
		t.Errorf("domain = %q", cfg.Domain)
	}
	if cfg.Mediasoup.NumWorkers != 3 {
		t.Errorf("numWorkers = %d", cfg.Mediasoup.NumWorkers)
	}
	if cfg.ThrottleSecret != "s3cret" {
		t.Errorf("throttleSecret = %q", cfg.ThrottleSecret)
	}
	if !cfg.Terminal {
		t.Error("terminal flag not set")
	}
}

func TestValidateFailures(t *testing.T) {
	cfg := Default()
	cfg.Domain = ""
	cfg.HTTP.ListenPort = -1
	cfg.Mediasoup.NumWorkers = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate accepted a broken config")
	}
}
