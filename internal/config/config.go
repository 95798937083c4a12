package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/IntegralDefense/netskope-log-fetcher/pkg/output"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/platforms/netskope"
)

// ErrMissing is returned when a required setting has no value.
var ErrMissing = errors.New("missing required setting")

// Checkpoint backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

type Config struct {
	Netskope   NetskopeConfig
	HTTP       HTTPConfig
	Output     OutputConfig
	Checkpoint CheckpointConfig
	DB         DBConfig
	LogLevel   string
}

type NetskopeConfig struct {
	Tenant       string
	Token        string
	Domain       string
	Scheme       string
	BaseURL      string // overrides scheme://tenant.domain
	Interval     int64  // seconds looked back without a checkpoint
	MaxLogs      int
	RetryInvalid int
	RetryWait    time.Duration
}

type HTTPConfig struct {
	Retries int
	Timeout time.Duration
	Proxy   string
}

type OutputConfig struct {
	Dir         string
	Compression output.Compression
}

type CheckpointConfig struct {
	Path    string
	Backend string
	Name    string // row used by the sqlite backend
}

type DBConfig struct {
	Path string
}

// envBindings maps config keys to the environment variables that set them.
var envBindings = map[string]string{
	"netskope.tenant":       "NETSKOPE_TENANT_NAME",
	"netskope.token":        "NETSKOPE_AUTH_TOKEN",
	"netskope.domain":       "NETSKOPE_DOMAIN",
	"netskope.baseurl":      "NETSKOPE_BASE_URL",
	"netskope.interval":     "NETSKOPE_DEFAULT_INTERVAL",
	"netskope.maxlogs":      "NETSKOPE_MAX_LOGS",
	"netskope.retryinvalid": "NETSKOPE_RETRY_INVALID",
	"http.retries":          "NETSKOPE_HTTP_RETRIES",
	"http.timeout":          "NETSKOPE_HTTP_TIMEOUT",
	"http.proxy":            "NETSKOPE_PROXY",
	"output.dir":            "NETSKOPE_OUTPUT_DIR",
	"output.compression":    "NETSKOPE_OUTPUT_COMPRESSION",
	"checkpoint.path":       "NETSKOPE_CHECKPOINT_PATH",
	"checkpoint.backend":    "NETSKOPE_CHECKPOINT_BACKEND",
	"db.path":               "NETSKOPE_DB_PATH",
	"loglevel":              "LOG_LEVEL",
}

// SetDefaults registers the default value of every setting on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("netskope.tenant", "")
	v.SetDefault("netskope.token", "")
	v.SetDefault("netskope.domain", "eu.goskope.com")
	v.SetDefault("netskope.scheme", "https")
	v.SetDefault("netskope.baseurl", "")
	v.SetDefault("netskope.interval", 600)
	v.SetDefault("netskope.maxlogs", netskope.DefaultMaxLogs)
	v.SetDefault("netskope.retryinvalid", 0)
	v.SetDefault("netskope.retrywait", "5s")
	v.SetDefault("http.retries", 3)
	v.SetDefault("http.timeout", "0s")
	v.SetDefault("http.proxy", "")
	v.SetDefault("output.dir", "logs")
	v.SetDefault("output.compression", "none")
	v.SetDefault("checkpoint.path", "time.log")
	v.SetDefault("checkpoint.backend", BackendFile)
	v.SetDefault("checkpoint.name", "default")
	v.SetDefault("db.path", "netskope-fetcher.sqlite")
	v.SetDefault("loglevel", "info")
}

// BindEnv binds every setting to its environment variable.
func BindEnv(v *viper.Viper) error {
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("binding %s: %w", env, err)
		}
	}
	return nil
}

// New returns a viper instance with defaults and environment bindings.
func New() (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	if err := BindEnv(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Load reads and validates the settings held by v.
func Load(v *viper.Viper) (Config, error) {
	return load(v, true)
}

// LoadForTool loads config for commands that never call the API, so the
// tenant and token may be missing.
func LoadForTool(v *viper.Viper) (Config, error) {
	return load(v, false)
}

func load(v *viper.Viper, requireCredentials bool) (Config, error) {
	cfg := Config{
		Netskope: NetskopeConfig{
			Tenant:       strings.TrimSpace(v.GetString("netskope.tenant")),
			Token:        strings.TrimSpace(v.GetString("netskope.token")),
			Domain:       strings.TrimSpace(v.GetString("netskope.domain")),
			Scheme:       strings.TrimSpace(v.GetString("netskope.scheme")),
			BaseURL:      strings.TrimSpace(v.GetString("netskope.baseurl")),
			Interval:     v.GetInt64("netskope.interval"),
			MaxLogs:      v.GetInt("netskope.maxlogs"),
			RetryInvalid: v.GetInt("netskope.retryinvalid"),
			RetryWait:    v.GetDuration("netskope.retrywait"),
		},
		HTTP: HTTPConfig{
			Retries: v.GetInt("http.retries"),
			Timeout: v.GetDuration("http.timeout"),
			Proxy:   strings.TrimSpace(v.GetString("http.proxy")),
		},
		Output: OutputConfig{Dir: v.GetString("output.dir")},
		Checkpoint: CheckpointConfig{
			Path:    v.GetString("checkpoint.path"),
			Backend: strings.ToLower(strings.TrimSpace(v.GetString("checkpoint.backend"))),
			Name:    v.GetString("checkpoint.name"),
		},
		DB:       DBConfig{Path: v.GetString("db.path")},
		LogLevel: v.GetString("loglevel"),
	}

	if requireCredentials {
		if cfg.Netskope.Token == "" {
			return Config{}, fmt.Errorf("%w: netskope.token (NETSKOPE_AUTH_TOKEN)", ErrMissing)
		}
		if cfg.Netskope.BaseURL == "" && cfg.Netskope.Tenant == "" {
			return Config{}, fmt.Errorf("%w: netskope.tenant (NETSKOPE_TENANT_NAME)", ErrMissing)
		}
	}
	if cfg.Netskope.Interval <= 0 {
		return Config{}, fmt.Errorf("invalid netskope.interval: %d", cfg.Netskope.Interval)
	}
	if cfg.Netskope.MaxLogs <= 0 {
		return Config{}, fmt.Errorf("invalid netskope.maxlogs: %d", cfg.Netskope.MaxLogs)
	}
	if cfg.Netskope.RetryInvalid < 0 {
		cfg.Netskope.RetryInvalid = 0
	}
	if cfg.HTTP.Retries < 0 {
		cfg.HTTP.Retries = 0
	}
	switch cfg.Checkpoint.Backend {
	case BackendFile, BackendSQLite:
	default:
		return Config{}, fmt.Errorf("invalid checkpoint.backend %q (want %s or %s)", cfg.Checkpoint.Backend, BackendFile, BackendSQLite)
	}
	compression, err := output.ParseCompression(v.GetString("output.compression"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid output.compression: %w", err)
	}
	cfg.Output.Compression = compression
	if cfg.Output.Dir == "" {
		return Config{}, fmt.Errorf("%w: output.dir", ErrMissing)
	}
	return cfg, nil
}

// APIBaseURL returns the tenant URL the category endpoints hang off.
func (c NetskopeConfig) APIBaseURL() (string, error) {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/"), nil
	}
	return netskope.BaseURL(c.Scheme, c.Tenant, c.Domain)
}
