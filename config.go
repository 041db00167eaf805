package skiff

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/skiff-io/skiff/internal/retry"
	"github.com/skiff-io/skiff/internal/transport"
)

// Config holds all configuration for a connection handle.
type Config struct {
	// Version is the target broker protocol version, e.g. "2.1.0".
	Version string `yaml:"version"`

	// AutoAPIVersions negotiates API versions after bootstrap. It is
	// ignored for broker versions that predate the ApiVersions API.
	AutoAPIVersions bool `yaml:"autoApiVersions"`

	// BootstrapServers is the ordered list of broker URIs tried during
	// bootstrap.
	BootstrapServers []string `yaml:"bootstrapServers"`

	// ClientID is sent with every request.
	ClientID string `yaml:"clientId"`

	// ConnID uniquely identifies this handle in logs. Auto-generated when
	// empty.
	ConnID string `yaml:"connId"`

	// BootstrapRetry is applied to bootstrap attempts.
	BootstrapRetry RetryConfig `yaml:"bootstrapRetry"`

	// RequestRetry is applied to per-request recoveries.
	RequestRetry RetryConfig `yaml:"requestRetry"`

	// TCP holds socket-level settings, passed through to the channel layer.
	TCP TCPConfig `yaml:"tcp"`

	Observability ObservabilityConfig `yaml:"observability"`
}

// RetryConfig selects and parameterizes a retry policy.
type RetryConfig struct {
	// Strategy is "constant" or "exp".
	Strategy string `yaml:"strategy"`

	// DelayMs is the constant-strategy delay between attempts.
	DelayMs int64 `yaml:"delayMs"`

	// BaseMs, Factor, Jitter, and CapMs parameterize the exp strategy.
	BaseMs int64   `yaml:"baseMs"`
	Factor float64 `yaml:"factor"`
	Jitter float64 `yaml:"jitter"`
	CapMs  int64   `yaml:"capMs"`

	// MaxAttempts bounds the total attempts.
	MaxAttempts int `yaml:"maxAttempts"`
}

// Policy builds the retry policy this config describes.
func (rc RetryConfig) Policy() retry.Policy {
	if rc.Strategy == "exp" {
		return retry.ExpRandLimitBounded(
			time.Duration(rc.BaseMs)*time.Millisecond,
			rc.Factor,
			rc.Jitter,
			time.Duration(rc.CapMs)*time.Millisecond,
			rc.MaxAttempts,
		)
	}
	return retry.ConstantBounded(time.Duration(rc.DelayMs)*time.Millisecond, rc.MaxAttempts)
}

// TCPConfig holds socket-level settings.
type TCPConfig struct {
	DialTimeoutMs    int64 `yaml:"dialTimeoutMs"`
	ReadTimeoutMs    int64 `yaml:"readTimeoutMs"`
	WriteTimeoutMs   int64 `yaml:"writeTimeoutMs"`
	MaxResponseBytes int32 `yaml:"maxResponseBytes"`
}

func (tc TCPConfig) transport() transport.TCPConfig {
	out := transport.DefaultTCPConfig()
	if tc.DialTimeoutMs > 0 {
		out.DialTimeout = time.Duration(tc.DialTimeoutMs) * time.Millisecond
	}
	if tc.ReadTimeoutMs > 0 {
		out.ReadTimeout = time.Duration(tc.ReadTimeoutMs) * time.Millisecond
	}
	if tc.WriteTimeoutMs > 0 {
		out.WriteTimeout = time.Duration(tc.WriteTimeoutMs) * time.Millisecond
	}
	if tc.MaxResponseBytes > 0 {
		out.MaxResponseBytes = tc.MaxResponseBytes
	}
	return out
}

// ObservabilityConfig controls logging and the metrics endpoint.
type ObservabilityConfig struct {
	// MetricsAddr, when set, is where the process serves /metrics.
	MetricsAddr string `yaml:"metricsAddr"`
	LogLevel    string `yaml:"logLevel"`
	LogFormat   string `yaml:"logFormat"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version:         "2.1.0",
		AutoAPIVersions: true,
		ClientID:        "skiff",
		BootstrapRetry: RetryConfig{
			Strategy:    "constant",
			DelayMs:     1000,
			MaxAttempts: 3,
		},
		RequestRetry: RetryConfig{
			Strategy:    "constant",
			DelayMs:     1000,
			MaxAttempts: 20,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("skiff: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("skiff: parse config: %w", err)
	}
	return cfg, nil
}

// normalize validates the config and fills generated fields. Called once at
// handle construction.
func (c *Config) normalize() ([]BrokerAddr, serverVersion, error) {
	seeds, err := ParseBrokerURIs(c.BootstrapServers)
	if err != nil {
		return nil, serverVersion{}, err
	}
	ver, err := parseServerVersion(c.Version)
	if err != nil {
		return nil, serverVersion{}, err
	}
	if c.ConnID == "" {
		c.ConnID = uuid.NewString()
	}
	if c.ClientID == "" {
		c.ClientID = "skiff"
	}
	if c.RequestRetry.MaxAttempts <= 0 {
		c.RequestRetry = DefaultConfig().RequestRetry
	}
	if c.BootstrapRetry.MaxAttempts <= 0 {
		c.BootstrapRetry = DefaultConfig().BootstrapRetry
	}
	return seeds, ver, nil
}
