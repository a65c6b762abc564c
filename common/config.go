package common

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	// APIURLEnvVar overrides the configured base URL.
	APIURLEnvVar = "FITAPI_API_URL"
	// DefaultAPIURL is used when neither the env nor the config file set one.
	DefaultAPIURL = "http://localhost:8000/api"

	DefaultUserAgent = "fitapi-client/1.0"
)

type TokenStoreBackend string

const (
	TokenStoreFile   TokenStoreBackend = "file"
	TokenStoreMemory TokenStoreBackend = "memory"
	TokenStoreRedis  TokenStoreBackend = "redis"
)

// Persistent reports whether tokens written through b survive the process.
func (b TokenStoreBackend) Persistent() bool {
	return b != TokenStoreMemory
}

type Config struct {
	APIURL    string   `toml:"api_url"`
	UserAgent string   `toml:"user_agent"`
	Timeout   Duration `toml:"timeout"`
	// coalesce concurrent 401s into a single refresh call
	CoalesceRefresh bool `toml:"coalesce_refresh"`
	// logging
	LogLevel      string `toml:"log_level"`
	LogsPath      string `toml:"logs_path"`
	LogToStdout   bool   `toml:"log_to_stdout"`
	LogFormatJSON bool   `toml:"log_format_json"`
	// token store
	TokenStore     TokenStoreBackend `toml:"token_store"`
	TokenKeyPrefix string            `toml:"token_key_prefix"`
	TokenFile      string            `toml:"token_file"`
	RedisAddr      string            `toml:"redis_addr"`
	RedisPassword  string            `toml:"redis_password"`
	RedisDB        int               `toml:"redis_db"`
	// metrics
	MetricsNamespace string `toml:"metrics_namespace"`
}

// Duration lets TOML carry values like "15s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

type Toml struct {
	Development *Config
	Production  *Config
}

func (t *Toml) Get(env string) (*Config, error) {
	var cfg *Config
	switch strings.ToLower(env) {
	case "dev", "development":
		cfg = t.Development
	case "prod", "production":
		cfg = t.Production
	default:
		return nil, fmt.Errorf("unknown env: %s", env)
	}
	if cfg == nil {
		return nil, fmt.Errorf("no config section for env: %s", env)
	}
	return cfg, nil
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped; variables already set are left alone.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// LoadConfig reads the section for env from the TOML file at path. An empty
// path yields the defaults. The API URL is resolved once here.
func LoadConfig(env, path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		var t Toml
		if _, err := toml.DecodeFile(path, &t); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		envCfg, err := t.Get(env)
		if err != nil {
			return nil, err
		}
		cfg = envCfg
	}

	cfg.applyDefaults()
	cfg.APIURL = ResolveAPIURL(cfg.APIURL)

	switch cfg.TokenStore {
	case TokenStoreFile, TokenStoreMemory, TokenStoreRedis:
	default:
		return nil, fmt.Errorf("unknown token store backend: %s", cfg.TokenStore)
	}
	return cfg, nil
}

// ResolveAPIURL picks the base URL: env var first, then configured, then the default.
func ResolveAPIURL(configured string) string {
	if v := strings.TrimSpace(os.Getenv(APIURLEnvVar)); v != "" {
		return v
	}
	if configured != "" {
		return configured
	}
	return DefaultAPIURL
}

func (c *Config) applyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout.Duration <= 0 {
		c.Timeout.Duration = defaultTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.TokenStore == "" {
		c.TokenStore = TokenStoreFile
	}
	if c.TokenFile == "" {
		c.TokenFile = DefaultTokenFile()
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = "fitapi"
	}
}
