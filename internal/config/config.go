// Package config loads module host settings.
//
// Values are layered: built-in defaults, then an optional YAML file, then an
// optional .env file, then MODHOST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// PathEnv overrides the location of the YAML file.
	PathEnv = "MODHOST_CONFIG"

	// DefaultPath is read when PathEnv is unset. A missing file is not an
	// error.
	DefaultPath = "config/modhost.yaml"
)

// Config is the complete process configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Manifest ManifestConfig `yaml:"manifest"`
	Render   RenderConfig   `yaml:"render"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Reports  ReportsConfig  `yaml:"reports"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string        `yaml:"addr" env:"MODHOST_ADDR"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout" env:"MODHOST_READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout" env:"MODHOST_SHUTDOWN_TIMEOUT"`
}

// ManifestConfig configures the manifest poller and fetcher.
type ManifestConfig struct {
	URL              string        `yaml:"url" env:"MODHOST_MANIFEST_URL"`
	RootModule       string        `yaml:"rootModule" env:"MODHOST_ROOT_MODULE"`
	PollInterval     time.Duration `yaml:"pollInterval" env:"MODHOST_POLL_INTERVAL"`
	FetchTimeout     time.Duration `yaml:"fetchTimeout" env:"MODHOST_FETCH_TIMEOUT"`
	MaxPayloadBytes  int64         `yaml:"maxPayloadBytes" env:"MODHOST_MAX_PAYLOAD_BYTES"`
	RequiredVariants []string      `yaml:"requiredVariants" env:"MODHOST_REQUIRED_VARIANTS"`
	LoadTimeout      time.Duration `yaml:"loadTimeout" env:"MODHOST_LOAD_TIMEOUT"`
	RuntimePoolSize  int           `yaml:"runtimePoolSize" env:"MODHOST_RUNTIME_POOL_SIZE"`
}

// RenderConfig configures the page pipeline.
type RenderConfig struct {
	AppName      string        `yaml:"appName" env:"MODHOST_APP_NAME"`
	MaxBodyBytes int64         `yaml:"maxBodyBytes" env:"MODHOST_MAX_BODY_BYTES"`
	Timeout      time.Duration `yaml:"timeout" env:"MODHOST_RENDER_TIMEOUT"`
	FetchTimeout time.Duration `yaml:"fetchTimeout" env:"MODHOST_MODULE_FETCH_TIMEOUT"`
}

// BreakerConfig configures the data-loading circuit breaker.
type BreakerConfig struct {
	Timeout                  time.Duration `yaml:"timeout" env:"MODHOST_BREAKER_TIMEOUT"`
	ErrorThresholdPercentage float64       `yaml:"errorThresholdPercentage" env:"MODHOST_BREAKER_ERROR_THRESHOLD"`
	ResetTimeout             time.Duration `yaml:"resetTimeout" env:"MODHOST_BREAKER_RESET_TIMEOUT"`
	RollingWindow            time.Duration `yaml:"rollingWindow" env:"MODHOST_BREAKER_ROLLING_WINDOW"`
	VolumeThreshold          int           `yaml:"volumeThreshold" env:"MODHOST_BREAKER_VOLUME_THRESHOLD"`
}

// ReportsConfig configures the client report endpoints.
type ReportsConfig struct {
	RatePerSecond float64 `yaml:"ratePerSecond" env:"MODHOST_REPORT_RATE"`
	Burst         int     `yaml:"burst" env:"MODHOST_REPORT_BURST"`
	MaxBodyBytes  int64   `yaml:"maxBodyBytes" env:"MODHOST_REPORT_MAX_BODY_BYTES"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `yaml:"level" env:"MODHOST_LOG_LEVEL"`
	Format string `yaml:"format" env:"MODHOST_LOG_FORMAT"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":3000",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Manifest: ManifestConfig{
			PollInterval:     5 * time.Second,
			FetchTimeout:     10 * time.Second,
			MaxPayloadBytes:  8 << 20,
			RequiredVariants: []string{"node"},
			LoadTimeout:      5 * time.Second,
			RuntimePoolSize:  4,
		},
		Render: RenderConfig{
			AppName:      "modhost",
			MaxBodyBytes: 64 << 10,
			Timeout:      5 * time.Second,
			FetchTimeout: time.Second,
		},
		Breaker: BreakerConfig{
			Timeout:                  100 * time.Millisecond,
			ErrorThresholdPercentage: 10,
			ResetTimeout:             60 * time.Second,
			RollingWindow:            10 * time.Second,
		},
		Reports: ReportsConfig{
			RatePerSecond: 10,
			Burst:         20,
			MaxBodyBytes:  16 << 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration from the path named by MODHOST_CONFIG (or
// DefaultPath), the .env file in the working directory and the
// environment.
func Load() (*Config, error) {
	path := os.Getenv(PathEnv)
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	return LoadFromPath(path, explicit, ".env")
}

// LoadFromPath loads the YAML file at path on top of the defaults, then the
// dotenv files and the environment. A missing YAML file is only an error
// when required is set; missing dotenv files are ignored.
func LoadFromPath(path string, required bool, dotenv ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !required:
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	for _, f := range dotenv {
		// godotenv.Load never overrides variables that are already set.
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	cfg.Manifest.RequiredVariants = trimAll(cfg.Manifest.RequiredVariants)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Manifest.URL == "" {
		return fmt.Errorf("manifest.url is required")
	}
	u, err := url.Parse(c.Manifest.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("manifest.url %q must be an absolute URL", c.Manifest.URL)
	}
	if c.Manifest.RootModule == "" {
		return fmt.Errorf("manifest.rootModule is required")
	}
	if c.Manifest.PollInterval <= 0 {
		return fmt.Errorf("manifest.pollInterval must be positive")
	}
	if c.Manifest.FetchTimeout <= 0 {
		return fmt.Errorf("manifest.fetchTimeout must be positive")
	}
	for _, v := range c.Manifest.RequiredVariants {
		switch v {
		case "node", "browser", "legacyBrowser":
		default:
			return fmt.Errorf("manifest.requiredVariants: unknown variant %q", v)
		}
	}
	if c.Render.Timeout <= 0 || c.Render.FetchTimeout <= 0 {
		return fmt.Errorf("render timeouts must be positive")
	}
	if c.Breaker.Timeout <= 0 || c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("breaker timeouts must be positive")
	}
	if c.Breaker.ErrorThresholdPercentage <= 0 || c.Breaker.ErrorThresholdPercentage > 100 {
		return fmt.Errorf("breaker.errorThresholdPercentage must be in (0, 100]")
	}
	if c.Reports.RatePerSecond <= 0 || c.Reports.Burst <= 0 {
		return fmt.Errorf("reports rate and burst must be positive")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	return nil
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
