package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"url-reputation-scorer/features"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Features  FeaturesConfig  `yaml:"features"`
	Probes    ProbesConfig    `yaml:"probes"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Port        string `yaml:"port"`
	ReadTimeout string `yaml:"read_timeout"`
	ScanTimeout string `yaml:"scan_timeout"` // bounds one scan, including its probes
	Templates   string `yaml:"templates"`    // optional directory overriding the embedded templates

	parsedReadTimeout time.Duration
	parsedScanTimeout time.Duration
}

type ModelConfig struct {
	Dir       string  `yaml:"dir"`
	Threshold float64 `yaml:"threshold"` // P(phishing) at or above which a URL is labeled phishing
}

type FeaturesConfig struct {
	Schema           string             `yaml:"schema"`
	Policy           string             `yaml:"policy"`             // interactive scans
	SingleShotPolicy string             `yaml:"single_shot_policy"` // -url mode
	Medians          map[string]float64 `yaml:"medians"`
}

type ProbesConfig struct {
	DNSServers   []string `yaml:"dns_servers"`
	DNSTimeout   string   `yaml:"dns_timeout"`
	Timeout      string   `yaml:"timeout"`
	WhoisTimeout string   `yaml:"whois_timeout"`
	Concurrency  int      `yaml:"concurrency"`
	RDAPBaseURL  string   `yaml:"rdap_base_url"`
	CymruZone    string   `yaml:"cymru_zone"`
	CymruZone6   string   `yaml:"cymru_zone6"`
	CymruWhois   string   `yaml:"cymru_whois"`

	parsedDNSTimeout   time.Duration
	parsedTimeout      time.Duration
	parsedWhoisTimeout time.Duration
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
	File   struct {
		Path       string `yaml:"path"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"file"`
}

type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	ClientExpiration  string  `yaml:"client_expiration"`

	parsedClientExpiration time.Duration
}

// Default returns a configuration that runs without a config file.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:        "8080",
			ReadTimeout: "10s",
			ScanTimeout: "60s",
		},
		Model: ModelConfig{
			Dir:       "models",
			Threshold: 0.5,
		},
		Features: FeaturesConfig{
			Schema:           features.DefaultRevision,
			Policy:           string(features.PolicySentinel),
			SingleShotPolicy: string(features.PolicyMedian),
		},
		Probes: ProbesConfig{
			DNSTimeout:   "2s",
			Timeout:      "4s",
			WhoisTimeout: "4s",
			Concurrency:  4,
			RDAPBaseURL:  "https://rdap.org",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 1,
			Burst:             5,
			ClientExpiration:  "10m",
		},
	}
	cfg.Logging.File.MaxSizeMB = 50
	cfg.Logging.File.MaxBackups = 3
	cfg.Logging.File.MaxAgeDays = 14
	_ = cfg.normalize()
	return cfg
}

// Load reads .env, then the YAML file at path (or $CONFIG_FILE), then
// environment overrides. An empty path with no CONFIG_FILE yields defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("MODEL_DIR"); v != "" {
		c.Model.Dir = v
	}
	if v := os.Getenv("MODEL_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Model.Threshold = f
		} else {
			log.Warn().Str("component", "config").Str("value", v).Msg("invalid MODEL_THRESHOLD, ignored")
		}
	}
	if v := os.Getenv("DNS_SERVER"); v != "" {
		c.Probes.DNSServers = splitList(v)
	}
	if v := os.Getenv("SCHEMA_REVISION"); v != "" {
		c.Features.Schema = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Logging.File.Path = v
	}
}

// normalize fills blanks, parses durations and validates names. Bad
// durations fall back to their defaults with a warning; bad schema or policy
// names are errors.
func (c *Config) normalize() error {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	c.Server.parsedReadTimeout = parseDuration("server.read_timeout", c.Server.ReadTimeout, 10*time.Second)
	c.Server.parsedScanTimeout = parseDuration("server.scan_timeout", c.Server.ScanTimeout, 60*time.Second)

	if c.Model.Dir == "" {
		c.Model.Dir = "models"
	}
	if c.Model.Threshold <= 0 || c.Model.Threshold >= 1 {
		c.Model.Threshold = 0.5
	}

	c.Probes.parsedDNSTimeout = parseDuration("probes.dns_timeout", c.Probes.DNSTimeout, 2*time.Second)
	c.Probes.parsedTimeout = parseDuration("probes.timeout", c.Probes.Timeout, 4*time.Second)
	c.Probes.parsedWhoisTimeout = parseDuration("probes.whois_timeout", c.Probes.WhoisTimeout, 4*time.Second)
	if c.Probes.Concurrency <= 0 {
		c.Probes.Concurrency = 4
	}

	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = 1
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 5
	}
	c.RateLimit.parsedClientExpiration = parseDuration("rate_limit.client_expiration", c.RateLimit.ClientExpiration, 10*time.Minute)

	if c.Features.Schema == "" {
		c.Features.Schema = features.DefaultRevision
	}
	if _, err := features.SchemaFor(c.Features.Schema); err != nil {
		return err
	}
	if _, err := features.ParsePolicy(c.Features.Policy); err != nil {
		return fmt.Errorf("features.policy: %w", err)
	}
	if c.Features.SingleShotPolicy == "" {
		c.Features.SingleShotPolicy = string(features.PolicyMedian)
	}
	if _, err := features.ParsePolicy(c.Features.SingleShotPolicy); err != nil {
		return fmt.Errorf("features.single_shot_policy: %w", err)
	}

	var errs []error
	for name := range c.Features.Medians {
		if !isProbeFeature(features.Name(name)) {
			errs = append(errs, fmt.Errorf("features.medians: %q is not a network feature", name))
		}
	}
	return errors.Join(errs...)
}

func parseDuration(key, s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		log.Warn().Str("component", "config").Str("key", key).Str("value", s).
			Dur("default", def).Msg("invalid duration, using default")
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isProbeFeature(n features.Name) bool {
	switch n {
	case features.ASNIP, features.TimeDomainActivation, features.TimeDomainExpiration, features.TTLHostname:
		return true
	}
	return false
}

func (s ServerConfig) ReadTimeoutDuration() time.Duration { return s.parsedReadTimeout }
func (s ServerConfig) ScanTimeoutDuration() time.Duration { return s.parsedScanTimeout }

func (p ProbesConfig) DNSTimeoutDuration() time.Duration { return p.parsedDNSTimeout }
func (p ProbesConfig) TimeoutDuration() time.Duration { return p.parsedTimeout }
func (p ProbesConfig) WhoisTimeoutDuration() time.Duration { return p.parsedWhoisTimeout }

func (r RateLimitConfig) ClientExpirationDuration() time.Duration {
	return r.parsedClientExpiration
}

// ActiveSchema returns the configured feature schema. Load has already
// validated the revision name.
func (f FeaturesConfig) ActiveSchema() *features.Schema {
	s, err := features.SchemaFor(f.Schema)
	if err != nil {
		return features.MustSchema(features.DefaultRevision)
	}
	return s
}

// MedianTable overlays configured medians on the built-in table.
func (f FeaturesConfig) MedianTable() features.Medians {
	m := features.DefaultMedians()
	for k, v := range f.Medians {
		m[features.Name(k)] = v
	}
	return m
}

func (f FeaturesConfig) InteractivePolicy() features.Policy {
	p, _ := features.ParsePolicy(f.Policy)
	return p
}

// OneShotPolicy is the policy for the -url mode.
func (f FeaturesConfig) OneShotPolicy() features.Policy {
	p, err := features.ParsePolicy(f.SingleShotPolicy)
	if err != nil || f.SingleShotPolicy == "" {
		return features.PolicyMedian
	}
	return p
}
