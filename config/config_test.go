package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"DB_DRIVER", "DB_DSN", "DB_MAX_OPEN_CONNS", "DB_TX_RETRIES", "TASKS_REPAIR_ON_START",
	"REDIS_CONNECTION_STRING", "CACHE_TTL", "CACHE_PREFIX", "DEDUPER_TTL",
	"AUTH_MODE", "AUTH0_DOMAIN", "AUTH0_AUDIENCE", "LOCAL_AUTH_SHARED_SECRET",
	"LISTEN_ADDR", "FUNCTIONS_CUSTOMHANDLER_PORT", "SHUTDOWN_TIMEOUT", "PPROF_ENABLED", "DEBUG", "LOG_FORMAT",
}

// clearEnv blanks every key Load reads; empty values count as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

// unsetEnv removes key for the duration of the test so a dotenv file can
// supply it.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("unset %s: %v", key, err)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DB.Driver != DefaultDriver {
		t.Errorf("Driver: got %q, want %q", cfg.DB.Driver, DefaultDriver)
	}
	if cfg.HTTP.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr: got %q, want %q", cfg.HTTP.ListenAddr, DefaultListenAddr)
	}
	if cfg.Redis.CacheTTL != DefaultCacheTTL || cfg.Redis.DeduperTTL != DefaultDeduperTTL {
		t.Errorf("TTLs: got %v/%v", cfg.Redis.CacheTTL, cfg.Redis.DeduperTTL)
	}
	if cfg.Auth.Mode != AuthNone {
		t.Errorf("Auth mode: got %q, want %q", cfg.Auth.Mode, AuthNone)
	}
	if cfg.Log.Format != FormatText || cfg.Log.Debug {
		t.Errorf("Log: got %+v", cfg.Log)
	}
	if cfg.Tasks.RepairOnStart {
		t.Errorf("RepairOnStart should default to false")
	}
	if cfg.HTTP.Pprof {
		t.Errorf("Pprof should default to false")
	}
}

func TestLoadPrecedence(t *testing.T) {
	clearEnv(t)
	file := writeFile(t, "tasks.toml", `
[db]
driver = "mysql"
dsn = "user:pass@tcp(db:3306)/tasks"
max_open_conns = 4

[redis]
url = "redis://cache:6379/0"
cache_ttl = "30s"

[http]
listen_addr = ":9000"
`)
	dotenv := writeFile(t, ".env", "CACHE_PREFIX=fromdotenv\nLISTEN_ADDR=:9100\n")
	unsetEnv(t, "CACHE_PREFIX")
	t.Setenv("LISTEN_ADDR", ":9200")
	t.Setenv("DB_MAX_OPEN_CONNS", "16")
	t.Setenv("PPROF_ENABLED", "true")

	cfg, err := Load(file, dotenv)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DB.Driver != "mysql" || cfg.DB.DSN != "user:pass@tcp(db:3306)/tasks" {
		t.Errorf("db from file: got %+v", cfg.DB)
	}
	if cfg.DB.MaxOpenConns != 16 {
		t.Errorf("env should override file: got %d", cfg.DB.MaxOpenConns)
	}
	if cfg.Redis.CacheTTL != 30*time.Second {
		t.Errorf("CacheTTL: got %v", cfg.Redis.CacheTTL)
	}
	if cfg.Redis.CachePrefix != "fromdotenv" {
		t.Errorf("CachePrefix: got %q", cfg.Redis.CachePrefix)
	}
	if cfg.HTTP.ListenAddr != ":9200" {
		t.Errorf("process env should win over .env: got %q", cfg.HTTP.ListenAddr)
	}
	if !cfg.HTTP.Pprof {
		t.Errorf("PPROF_ENABLED was not applied")
	}
}

func TestFunctionsPortOverridesListenAddr(t *testing.T) {
	clearEnv(t)
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("FUNCTIONS_CUSTOMHANDLER_PORT", "7071")
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.ListenAddr != ":7071" {
		t.Fatalf("ListenAddr: got %q, want :7071", cfg.HTTP.ListenAddr)
	}
}

func TestMissingFilesAndEnvFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load("", filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml"), ""); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad int", map[string]string{"DB_MAX_OPEN_CONNS": "many"}, "invalid DB_MAX_OPEN_CONNS"},
		{"bad bool", map[string]string{"DEBUG": "sometimes"}, "invalid DEBUG"},
		{"bad duration", map[string]string{"SHUTDOWN_TIMEOUT": "soon"}, "invalid SHUTDOWN_TIMEOUT"},
		{"zero shutdown", map[string]string{"SHUTDOWN_TIMEOUT": "0s"}, "invalid SHUTDOWN_TIMEOUT"},
		{"driver", map[string]string{"DB_DRIVER": "oracle"}, "invalid DB_DRIVER"},
		{"dsn required", map[string]string{"DB_DRIVER": "pgx"}, "DB_DSN is required"},
		{"auth mode", map[string]string{"AUTH_MODE": "ldap"}, "invalid AUTH_MODE"},
		{"hs256 secret", map[string]string{"AUTH_MODE": "hs256"}, "LOCAL_AUTH_SHARED_SECRET"},
		{"auth0 config", map[string]string{"AUTH_MODE": "auth0", "AUTH0_DOMAIN": "tenant.example"}, "missing Auth0 config"},
		{"log format", map[string]string{"LOG_FORMAT": "xml"}, "invalid LOG_FORMAT"},
		{"cache ttl", map[string]string{"REDIS_CONNECTION_STRING": "redis://localhost:6379", "CACHE_TTL": "-1s"}, "invalid CACHE_TTL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("", "")
			if err == nil {
				t.Fatalf("expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestDriverAliases(t *testing.T) {
	tests := []struct {
		driver string
		dsn    string
		want   string
	}{
		{"sqlite", "", "sqlite3"},
		{"SQLite3", "", "sqlite3"},
		{"postgres", "postgres://tasks@db/tasks", "pgx"},
		{"postgresql", "postgres://tasks@db/tasks", "pgx"},
		{"MySQL", "user:pass@tcp(db:3306)/tasks", "mysql"},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("DB_DRIVER", tt.driver)
			t.Setenv("DB_DSN", tt.dsn)
			cfg, err := Load("", "")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.DB.Driver != tt.want {
				t.Fatalf("Driver: got %q, want %q", cfg.DB.Driver, tt.want)
			}
		})
	}

	clearEnv(t)
	t.Setenv("DB_DRIVER", "postgresql")
	_, err := Load("", "")
	if err == nil || !strings.Contains(err.Error(), "DB_DSN is required for pgx") {
		t.Fatalf("expected missing DSN error for an aliased driver, got %v", err)
	}
}

func TestAuth0Endpoints(t *testing.T) {
	clearEnv(t)
	t.Setenv("AUTH_MODE", "AUTH0")
	t.Setenv("AUTH0_DOMAIN", "tenant.example")
	t.Setenv("AUTH0_AUDIENCE", "api://tasks")
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.Mode != AuthAuth0 {
		t.Errorf("mode should be normalised: got %q", cfg.Auth.Mode)
	}
	if got := cfg.Auth0Issuer(); got != "https://tenant.example/" {
		t.Errorf("issuer: got %q", got)
	}
	if got := cfg.JWKSURL(); got != "https://tenant.example/.well-known/jwks.json" {
		t.Errorf("jwks url: got %q", got)
	}
}
