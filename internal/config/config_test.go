package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Proxy.ControlPort != 8080 || cfg.Proxy.TargetPort != 8081 {
		t.Errorf("proxy ports = %d/%d, want 8080/8081", cfg.Proxy.ControlPort, cfg.Proxy.TargetPort)
	}
	if cfg.Registry.BaseURL != "https://pypi.org" {
		t.Errorf("registry base URL = %q", cfg.Registry.BaseURL)
	}
	if cfg.Run.TimeoutDuration() != time.Hour {
		t.Errorf("run timeout = %v, want 1h", cfg.Run.TimeoutDuration())
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
artifacts_root: /data/artifacts
proxy:
  control_port: 9090
  match_request_body: true
run:
  timeout: 10m
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ArtifactsRoot != "/data/artifacts" {
		t.Errorf("ArtifactsRoot = %q", cfg.ArtifactsRoot)
	}
	if cfg.Proxy.ControlPort != 9090 {
		t.Errorf("ControlPort = %d, want 9090", cfg.Proxy.ControlPort)
	}
	if !cfg.Proxy.MatchRequestBody {
		t.Error("MatchRequestBody = false, want true")
	}
	// Unset keys still default.
	if cfg.Proxy.TargetPort != 8081 {
		t.Errorf("TargetPort = %d, want default 8081", cfg.Proxy.TargetPort)
	}
	if cfg.Run.TimeoutDuration() != 10*time.Minute {
		t.Errorf("run timeout = %v, want 10m", cfg.Run.TimeoutDuration())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BLUEGREEN_PROXY__CONTROL_PORT", "7070")
	t.Setenv("BLUEGREEN_ARTIFACTS_ROOT", "/env/artifacts")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Proxy.ControlPort != 7070 {
		t.Errorf("ControlPort = %d, want 7070 from env", cfg.Proxy.ControlPort)
	}
	if cfg.ArtifactsRoot != "/env/artifacts" {
		t.Errorf("ArtifactsRoot = %q, want /env/artifacts", cfg.ArtifactsRoot)
	}
}

func TestCertWaitTimeoutFallback(t *testing.T) {
	p := ProxyConfig{CertWaitTimeout: "nonsense"}
	if got := p.CertWaitTimeoutDuration(); got != 30*time.Second {
		t.Errorf("CertWaitTimeoutDuration() = %v, want 30s fallback", got)
	}
}
