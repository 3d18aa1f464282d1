// Package config loads offlinesync settings from a .env file, an optional
// config file and OFFLINESYNC_* environment variables, in increasing order
// of precedence.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	errs "github.com/sglegalhelp/offlinesync/internal/errors"
)

// EnvPrefix prefixes every environment variable, e.g. OFFLINESYNC_REMOTE_BASE_URL.
const EnvPrefix = "OFFLINESYNC"

// Config is the full service configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir" validate:"required"`
	UserID    string          `mapstructure:"user_id"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Network   NetworkConfig   `mapstructure:"network"`
	Push      PushConfig      `mapstructure:"push"`
	API       APIConfig       `mapstructure:"api"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Log       LogConfig       `mapstructure:"log"`
}

// RemoteConfig points at the portal API.
type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	// Token is a static bearer token. TokenFile takes precedence when set.
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`
}

// SyncConfig tunes the engine, queue and monitor.
type SyncConfig struct {
	Interval    time.Duration `mapstructure:"interval" validate:"gt=0"`
	OnStart     bool          `mapstructure:"on_start"`
	MaxRetries  int           `mapstructure:"max_retries" validate:"min=1,max=100"`
	BackoffBase time.Duration `mapstructure:"backoff_base" validate:"gt=0"`
	BackoffMax  time.Duration `mapstructure:"backoff_max" validate:"gtefield=BackoffBase"`
	UseLease    bool          `mapstructure:"use_lease"`
	LeaseTTL    time.Duration `mapstructure:"lease_ttl" validate:"gt=0"`
}

// NetworkConfig configures the reachability probe. An empty ProbeURL
// disables probing and the service assumes it is online.
type NetworkConfig struct {
	ProbeURL      string        `mapstructure:"probe_url" validate:"omitempty,url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" validate:"gt=0"`
}

// PushConfig enables the server push listener when URL is set.
type PushConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// APIConfig configures the local control API.
type APIConfig struct {
	Addr      string        `mapstructure:"addr" validate:"required,hostname_port"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
}

// RateLimitConfig configures control API rate limiting. PostgresDSN selects
// the shared limiter; otherwise limits are kept in process memory.
type RateLimitConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Requests    int           `mapstructure:"requests" validate:"min=1"`
	Window      time.Duration `mapstructure:"window" validate:"gt=0"`
	PostgresDSN string        `mapstructure:"postgres_dsn"`
}

// SnapshotConfig configures local archives and the optional S3 upload target.
type SnapshotConfig struct {
	Dir        string `mapstructure:"dir"`
	Keep       int    `mapstructure:"keep" validate:"min=0"`
	Passphrase string `mapstructure:"passphrase" validate:"omitempty,min=8"`
	Endpoint   string `mapstructure:"endpoint"`
	Bucket     string `mapstructure:"bucket" validate:"required_with=Endpoint"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	Region     string `mapstructure:"region"`
	UseSSL     bool   `mapstructure:"use_ssl"`
	Prefix     string `mapstructure:"prefix"`
}

// LogConfig selects level and destination. An empty File logs to stdout.
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"min=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"min=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"min=0"`
	Compress   bool   `mapstructure:"compress"`
}

// Options control where Load looks.
type Options struct {
	// ConfigFile is read when set; it must exist. Otherwise offlinesync.{yaml,toml,json}
	// is looked up in the working directory and the user config directory.
	ConfigFile string
	// EnvFile defaults to .env. A missing file is ignored.
	EnvFile string
	// Overrides win over every other source, keyed like "data_dir" or "log.level".
	Overrides map[string]any
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("user_id", "")

	v.SetDefault("remote.base_url", "http://localhost:3000")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.token_file", "")

	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.on_start", true)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.backoff_base", time.Second)
	v.SetDefault("sync.backoff_max", 5*time.Minute)
	v.SetDefault("sync.use_lease", true)
	v.SetDefault("sync.lease_ttl", 2*time.Minute)

	v.SetDefault("network.probe_url", "")
	v.SetDefault("network.probe_interval", 30*time.Second)

	v.SetDefault("push.url", "")

	v.SetDefault("api.addr", "127.0.0.1:8090")
	v.SetDefault("api.jwt_secret", "")
	v.SetDefault("api.token_ttl", 24*time.Hour)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.requests", 120)
	v.SetDefault("ratelimit.window", time.Minute)
	v.SetDefault("ratelimit.postgres_dsn", "")

	v.SetDefault("snapshot.dir", "")
	v.SetDefault("snapshot.keep", 10)
	v.SetDefault("snapshot.passphrase", "")
	v.SetDefault("snapshot.endpoint", "")
	v.SetDefault("snapshot.bucket", "")
	v.SetDefault("snapshot.access_key", "")
	v.SetDefault("snapshot.secret_key", "")
	v.SetDefault("snapshot.region", "")
	v.SetDefault("snapshot.use_ssl", true)
	v.SetDefault("snapshot.prefix", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "offlinesync")
	}
	return ".offlinesync"
}

// Load reads and validates the configuration.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, errs.Wrap(errs.ErrInvalid, "failed to load "+envFile, err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errs.Wrap(errs.ErrInvalid, "failed to read config file "+opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName("offlinesync")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "offlinesync"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errs.Wrap(errs.ErrInvalid, "failed to read config file", err)
			}
		}
	}

	for key, val := range opts.Overrides {
		v.Set(key, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errs.Wrap(errs.ErrInvalid, "failed to decode config", err)
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDerived fills paths that default relative to DataDir.
func (c *Config) applyDerived() {
	if c.Snapshot.Dir == "" {
		c.Snapshot.Dir = filepath.Join(c.DataDir, "snapshots")
	}
}

var validate = validator.New()

// Validate checks field constraints and reports the first failure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errs.Newf(errs.ErrValidation, "config %s fails %q", fe.Namespace(), fe.Tag())
		}
		return errs.Wrap(errs.ErrValidation, "invalid config", err)
	}
	return nil
}

// SnapshotUploadEnabled reports whether archives can be uploaded.
func (c *Config) SnapshotUploadEnabled() bool {
	return c.Snapshot.Endpoint != "" && c.Snapshot.Bucket != ""
}
