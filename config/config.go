// Package config loads the service settings. Sources are applied in order:
// defaults, an optional TOML file, an optional .env file and finally the
// process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"tasklist-api/storage"
)

const (
	DefaultDriver          = storage.DriverSQLite
	DefaultListenAddr      = ":8080"
	DefaultCacheTTL        = 5 * time.Minute
	DefaultCachePrefix     = "tasks"
	DefaultDeduperTTL      = 24 * time.Hour
	DefaultShutdownTimeout = 10 * time.Second

	AuthNone   = "none"
	AuthHS256  = "hs256"
	AuthAuth0  = "auth0"
	FormatText = "text"
	FormatJSON = "json"
)

// Config holds every runtime setting of the service.
type Config struct {
	DB    DB    `toml:"db"`
	Redis Redis `toml:"redis"`
	Auth  Auth  `toml:"auth"`
	HTTP  HTTP  `toml:"http"`
	Log   Log   `toml:"log"`
	Tasks Tasks `toml:"tasks"`
}

type DB struct {
	Driver       string `toml:"driver"`
	DSN          string `toml:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns"`
	TxRetries    int    `toml:"tx_retries"`
}

// Redis is optional. An empty URL disables the read cache and idempotency
// keys.
type Redis struct {
	URL         string        `toml:"url"`
	CacheTTL    time.Duration `toml:"cache_ttl"`
	CachePrefix string        `toml:"cache_prefix"`
	DeduperTTL  time.Duration `toml:"deduper_ttl"`
}

type Auth struct {
	Mode          string `toml:"mode"`
	Auth0Domain   string `toml:"auth0_domain"`
	Auth0Audience string `toml:"auth0_audience"`
	SharedSecret  string `toml:"shared_secret"`
}

type HTTP struct {
	ListenAddr      string        `toml:"listen_addr"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	// Pprof mounts the runtime profiling handlers under /debug/pprof.
	Pprof bool `toml:"pprof"`
}

type Log struct {
	Debug  bool   `toml:"debug"`
	Format string `toml:"format"`
}

type Tasks struct {
	// RepairOnStart renumbers a broken order sequence at startup instead of
	// refusing to serve.
	RepairOnStart bool `toml:"repair_on_start"`
}

func setDefaults(cfg *Config) {
	cfg.DB.Driver = DefaultDriver
	cfg.Redis.CacheTTL = DefaultCacheTTL
	cfg.Redis.CachePrefix = DefaultCachePrefix
	cfg.Redis.DeduperTTL = DefaultDeduperTTL
	cfg.Auth.Mode = AuthNone
	cfg.HTTP.ListenAddr = DefaultListenAddr
	cfg.HTTP.ShutdownTimeout = DefaultShutdownTimeout
	cfg.Log.Format = FormatText
}

// Load builds the configuration. path names an optional TOML file and
// envFile an optional dotenv file; both may be empty. A missing envFile is
// not an error, a missing path is.
func Load(path, envFile string) (*Config, error) {
	cfg := &Config{}
	setDefaults(cfg)

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if envFile != "" {
		// Variables already set in the environment win over the file.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*dst = n
	}
	boolean := func(key string, dst *bool) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*dst = b
	}
	duration := func(key string, dst *time.Duration) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*dst = d
	}

	str("DB_DRIVER", &cfg.DB.Driver)
	str("DB_DSN", &cfg.DB.DSN)
	integer("DB_MAX_OPEN_CONNS", &cfg.DB.MaxOpenConns)
	integer("DB_TX_RETRIES", &cfg.DB.TxRetries)
	boolean("TASKS_REPAIR_ON_START", &cfg.Tasks.RepairOnStart)

	str("REDIS_CONNECTION_STRING", &cfg.Redis.URL)
	duration("CACHE_TTL", &cfg.Redis.CacheTTL)
	str("CACHE_PREFIX", &cfg.Redis.CachePrefix)
	duration("DEDUPER_TTL", &cfg.Redis.DeduperTTL)

	str("AUTH_MODE", &cfg.Auth.Mode)
	str("AUTH0_DOMAIN", &cfg.Auth.Auth0Domain)
	str("AUTH0_AUDIENCE", &cfg.Auth.Auth0Audience)
	str("LOCAL_AUTH_SHARED_SECRET", &cfg.Auth.SharedSecret)

	str("LISTEN_ADDR", &cfg.HTTP.ListenAddr)
	if port, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok && port != "" {
		cfg.HTTP.ListenAddr = ":" + port
	}
	duration("SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout)
	boolean("PPROF_ENABLED", &cfg.HTTP.Pprof)

	boolean("DEBUG", &cfg.Log.Debug)
	str("LOG_FORMAT", &cfg.Log.Format)

	return errors.Join(errs...)
}

// Validate reports every setting that cannot be used as given.
func (c *Config) Validate() error {
	var errs []error
	if driver, err := storage.CanonicalDriver(c.DB.Driver); err != nil {
		errs = append(errs, fmt.Errorf("invalid DB_DRIVER %q", c.DB.Driver))
	} else {
		c.DB.Driver = driver
		if driver != storage.DriverSQLite && c.DB.DSN == "" {
			errs = append(errs, fmt.Errorf("DB_DSN is required for %s", driver))
		}
	}
	if c.DB.MaxOpenConns < 0 {
		errs = append(errs, errors.New("invalid DB_MAX_OPEN_CONNS: must not be negative"))
	}
	if c.Redis.URL != "" {
		if c.Redis.CacheTTL <= 0 {
			errs = append(errs, errors.New("invalid CACHE_TTL: must be greater than zero"))
		}
		if c.Redis.DeduperTTL <= 0 {
			errs = append(errs, errors.New("invalid DEDUPER_TTL: must be greater than zero"))
		}
	}

	c.Auth.Mode = strings.ToLower(c.Auth.Mode)
	switch c.Auth.Mode {
	case AuthNone:
	case AuthHS256:
		if c.Auth.SharedSecret == "" {
			errs = append(errs, errors.New("LOCAL_AUTH_SHARED_SECRET is required for hs256 auth"))
		}
	case AuthAuth0:
		if c.Auth.Auth0Domain == "" || c.Auth.Auth0Audience == "" {
			errs = append(errs, errors.New("missing Auth0 config"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid AUTH_MODE %q", c.Auth.Mode))
	}

	if c.HTTP.ListenAddr == "" {
		errs = append(errs, errors.New("LISTEN_ADDR must not be empty"))
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("invalid SHUTDOWN_TIMEOUT: must be greater than zero"))
	}

	c.Log.Format = strings.ToLower(c.Log.Format)
	if c.Log.Format != FormatText && c.Log.Format != FormatJSON {
		errs = append(errs, fmt.Errorf("invalid LOG_FORMAT %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Auth0Issuer is the issuer claim expected on Auth0 tokens.
func (c *Config) Auth0Issuer() string {
	return "https://" + c.Auth.Auth0Domain + "/"
}

// JWKSURL is where the Auth0 signing keys are published.
func (c *Config) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", c.Auth.Auth0Domain)
}
