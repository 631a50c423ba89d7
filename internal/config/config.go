package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

// Config holds the full server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Registry RegistryConfig `yaml:"registry"`
	Auth     AuthConfig     `yaml:"auth"`
}

type ServerConfig struct {
	Addr    string `yaml:"addr"`
	DataDir string `yaml:"data_dir"`
}

type RegistryConfig struct {
	// MaxManifestBytes caps manifest uploads.
	MaxManifestBytes int64 `yaml:"max_manifest_bytes"`
	// MaxChunkBytes caps a single blob upload chunk.
	MaxChunkBytes int64 `yaml:"max_chunk_bytes"`
	// RateRPS and RateBurst configure the per-client rate limiter.
	// RateRPS <= 0 disables rate limiting.
	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`
	// UploadMaxAgeHours is how long an idle upload session survives before
	// the reaper removes it.
	UploadMaxAgeHours int `yaml:"upload_max_age_hours"`
}

type AuthConfig struct {
	// JWTSecret is the HMAC signing secret shared with the identity service.
	// When set, bearer tokens are verified as JWTs.
	JWTSecret string `yaml:"jwt_secret"`
	// IdentityTokens maps bearer tokens to account identifiers. This is the
	// single-box stand-in when no JWT secret is configured.
	IdentityTokens map[string]string `yaml:"identity_tokens"`
}

const (
	DefaultAddr             = ":5000"
	DefaultDataDir          = "./data"
	DefaultMaxManifestBytes = 10 * 1024 * 1024  // 10MB
	DefaultMaxChunkBytes    = 512 * 1024 * 1024 // 512MB
	DefaultUploadMaxAge     = 24
)

// Load reads the config file at path (or ./wharf.yml when empty), applies
// environment overrides and fills defaults. A missing file is not an error;
// the defaults alone describe a working single-node registry.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		path = "wharf.yml"
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unable to parse config file %s: %w", path, err)
		}
		log.Debug("Loaded config file", "path", path)
	case os.IsNotExist(err):
		log.Debug("Config file not found, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("unable to read config file %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("WHARF_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("WHARF_DATA_DIR"); v != "" {
		c.Server.DataDir = v
	}
	if v := os.Getenv("WHARF_RATE_RPS"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			c.Registry.RateRPS = rps
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.DataDir == "" {
		c.Server.DataDir = DefaultDataDir
	}
	if c.Registry.MaxManifestBytes <= 0 {
		c.Registry.MaxManifestBytes = DefaultMaxManifestBytes
	}
	if c.Registry.MaxChunkBytes <= 0 {
		c.Registry.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if c.Registry.RateBurst <= 0 {
		c.Registry.RateBurst = 50
	}
	if c.Registry.UploadMaxAgeHours <= 0 {
		c.Registry.UploadMaxAgeHours = DefaultUploadMaxAge
	}
}

func (c *Config) validate() error {
	if c.Registry.MaxManifestBytes > c.Registry.MaxChunkBytes {
		return fmt.Errorf("registry.max_manifest_bytes must not exceed registry.max_chunk_bytes")
	}
	return nil
}
