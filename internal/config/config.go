// Package config loads harness configuration from an optional YAML file
// and BLUEGREEN_-prefixed environment variables, file first, env wins.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	// ArtifactsRoot is where artifact bundles land, keyed
	// package/version/command below it.
	ArtifactsRoot string `koanf:"artifacts_root"`

	Proxy    ProxyConfig    `koanf:"proxy"`
	Registry RegistryConfig `koanf:"registry"`
	Install  InstallConfig  `koanf:"install"`
	Index    IndexConfig    `koanf:"index"`
	Run      RunConfig      `koanf:"run"`
}

type ProxyConfig struct {
	Host string `koanf:"host"`
	// ControlPort and TargetPort keep the two interceptors off each
	// other's sockets; zero binds an ephemeral port.
	ControlPort int `koanf:"control_port"`
	TargetPort  int `koanf:"target_port"`

	CertDir          string `koanf:"cert_dir"`
	TrustStoreDir    string `koanf:"trust_store_dir"`
	CertWaitTimeout  string `koanf:"cert_wait_timeout"`
	MatchRequestBody bool   `koanf:"match_request_body"`
}

type RegistryConfig struct {
	BaseURL      string `koanf:"base_url"`
	MetadataPath string `koanf:"metadata_path"`
}

type InstallConfig struct {
	Root string `koanf:"root"`
}

type IndexConfig struct {
	Path string `koanf:"path"`
}

type RunConfig struct {
	Timeout string `koanf:"timeout"`
}

// Load reads configuration, applying defaults for anything unset. An
// empty path skips the file layer entirely.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	// Double underscore separates nesting levels, so
	// BLUEGREEN_PROXY__CONTROL_PORT maps to proxy.control_port.
	if err := k.Load(env.Provider("BLUEGREEN_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "BLUEGREEN_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	defaults := map[string]any{
		"artifacts_root":          "./artifacts",
		"proxy.host":              "127.0.0.1",
		"proxy.control_port":      8080,
		"proxy.target_port":       8081,
		"proxy.cert_dir":          "./certs",
		"proxy.trust_store_dir":   "/usr/local/share/ca-certificates/extra",
		"proxy.cert_wait_timeout": "30s",
		"registry.base_url":       "https://pypi.org",
		"install.root":            "/tmp/bluegreen-installs",
		"index.path":              "./bluegreen.db",
		"run.timeout":             "1h",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// CertWaitTimeoutDuration parses the configured readiness bound.
func (p ProxyConfig) CertWaitTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(p.CertWaitTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// TimeoutDuration bounds one whole comparison.
func (r RunConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(r.Timeout)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}
