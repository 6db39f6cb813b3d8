package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"url-reputation-scorer/features"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	for _, k := range []string{"PORT", "MODEL_DIR", "MODEL_THRESHOLD", "DNS_SERVER", "SCHEMA_REVISION", "LOG_LEVEL", "LOG_FORMAT", "LOG_FILE", "CONFIG_FILE"} {
		t.Setenv(k, "")
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != "8080" || cfg.Model.Dir != "models" {
		t.Errorf("server/model defaults: %+v %+v", cfg.Server, cfg.Model)
	}
	if cfg.Probes.TimeoutDuration() != 4*time.Second || cfg.Probes.DNSTimeoutDuration() != 2*time.Second {
		t.Errorf("probe timeouts: %v %v", cfg.Probes.TimeoutDuration(), cfg.Probes.DNSTimeoutDuration())
	}
	if cfg.Features.InteractivePolicy() != features.PolicySentinel || cfg.Features.OneShotPolicy() != features.PolicyMedian {
		t.Errorf("policies: %q %q", cfg.Features.InteractivePolicy(), cfg.Features.OneShotPolicy())
	}
	if cfg.Features.ActiveSchema().Revision() != features.DefaultRevision {
		t.Errorf("schema = %s", cfg.Features.ActiveSchema().Revision())
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
  scan_timeout: 2m
model:
  dir: /srv/models
  threshold: 0.7
features:
  schema: v1-questionmark
  policy: median
  medians:
    ttl_hostname: 600
probes:
  dns_servers: ["1.1.1.1:53"]
  timeout: 3s
  dns_timeout: soon
rate_limit:
  burst: 10
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != "9090" || cfg.Server.ScanTimeoutDuration() != 2*time.Minute {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.ReadTimeoutDuration() != 10*time.Second {
		t.Errorf("read timeout default lost: %v", cfg.Server.ReadTimeoutDuration())
	}
	if cfg.Model.Dir != "/srv/models" || cfg.Model.Threshold != 0.7 {
		t.Errorf("model = %+v", cfg.Model)
	}
	if cfg.Features.ActiveSchema().Revision() != features.RevisionQuestionmark {
		t.Errorf("schema = %s", cfg.Features.Schema)
	}
	if cfg.Features.InteractivePolicy() != features.PolicyMedian {
		t.Errorf("policy = %s", cfg.Features.Policy)
	}
	m := cfg.Features.MedianTable()
	if m[features.TTLHostname] != 600 || m[features.ASNIP] != features.DefaultMedians()[features.ASNIP] {
		t.Errorf("medians = %v", m)
	}
	if cfg.Probes.TimeoutDuration() != 3*time.Second {
		t.Errorf("probe timeout = %v", cfg.Probes.TimeoutDuration())
	}
	if cfg.Probes.DNSTimeoutDuration() != 2*time.Second {
		t.Errorf("invalid dns_timeout should fall back, got %v", cfg.Probes.DNSTimeoutDuration())
	}
	if cfg.RateLimit.Burst != 10 || !cfg.RateLimit.Enabled || cfg.RateLimit.ClientExpirationDuration() != 10*time.Minute {
		t.Errorf("rate limit = %+v", cfg.RateLimit)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  port: \"9090\"\n")
	t.Setenv("PORT", "7000")
	t.Setenv("MODEL_DIR", "/tmp/m")
	t.Setenv("DNS_SERVER", "9.9.9.9:53, 8.8.8.8:53")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != "7000" || cfg.Model.Dir != "/tmp/m" || cfg.Logging.Level != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Probes.DNSServers) != 2 || cfg.Probes.DNSServers[1] != "8.8.8.8:53" {
		t.Errorf("dns servers = %v", cfg.Probes.DNSServers)
	}
}

func TestLoadConfigFileEnv(t *testing.T) {
	path := writeConfig(t, "model:\n  dir: from-env-file\n")
	t.Setenv("CONFIG_FILE", path)
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model.Dir != "from-env-file" {
		t.Errorf("model dir = %q", cfg.Model.Dir)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := map[string]string{
		"schema": "features:\n  schema: v2\n",
		"policy": "features:\n  policy: mean\n",
		"median": "features:\n  medians:\n    length_url: 10\n",
		"yaml":   "server: [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file: expected error")
	}
}
