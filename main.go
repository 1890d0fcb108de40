package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"tasklist-api/api"
	"tasklist-api/config"
	"tasklist-api/storage"
)

func main() {
	cfg, err := config.Load(os.Getenv("TASKS_CONFIG"), ".env")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := log.New()
	if cfg.Log.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.Log.Format == config.FormatJSON {
		logger.SetFormatter(&log.JSONFormatter{})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Warn("tracer shutdown")
		}
	}()

	store, err := storage.Open(ctx, storage.Options{
		Driver:       cfg.DB.Driver,
		DSN:          cfg.DB.DSN,
		MaxOpenConns: cfg.DB.MaxOpenConns,
		TxRetries:    cfg.DB.TxRetries,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	defer store.Close()

	if err := checkOrder(ctx, store, cfg.Tasks.RepairOnStart, logger); err != nil {
		logger.Fatalf("storage: %v", err)
	}

	var tasks api.TaskStore = store
	var deduper api.Deduper
	if cfg.Redis.URL != "" {
		rc := redis.NewClient(redisOptions(cfg.Redis.URL))
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("redis unreachable; serving from storage until it recovers")
		}
		tasks = storage.NewCache(store, rc, cfg.Redis.CacheTTL, cfg.Redis.CachePrefix, logger)
		deduper = api.NewRedisDeduper(rc, cfg.Redis.DeduperTTL)
	} else {
		logger.Info("REDIS_CONNECTION_STRING not set; cache and idempotency keys disabled")
	}

	auth, err := newAuth(cfg)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = api.SonicSerializer{}
	e.Use(middleware.Recover())
	e.Use(api.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(api.GzipRequestMiddleware())

	api.Register(e, tasks, auth, deduper, logger)
	if cfg.HTTP.Pprof {
		pprof.Register(e)
	}

	go func() {
		if err := e.Start(cfg.HTTP.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("http shutdown")
	}
}

// checkOrder refuses to serve a broken order sequence unless repair is
// enabled, in which case the tasks are renumbered by current position.
func checkOrder(ctx context.Context, store *storage.Store, repair bool, logger *log.Logger) error {
	err := store.Verify(ctx)
	if err == nil || !errors.Is(err, storage.ErrSequenceBroken) || !repair {
		return err
	}
	logger.WithError(err).Warn("renumbering tasks")
	return store.Renumber(ctx)
}

// redisOptions accepts a redis:// URL or an Azure style
// "host:port,password=...,ssl=True" connection string.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

func newAuth(cfg *config.Config) (api.Authenticator, error) {
	opts := api.AuthOptions{Mode: cfg.Auth.Mode}
	switch cfg.Auth.Mode {
	case config.AuthHS256:
		opts.Secret = cfg.Auth.SharedSecret
	case config.AuthAuth0:
		jwks, err := keyfunc.Get(cfg.JWKSURL(), keyfunc.Options{RefreshInterval: time.Hour})
		if err != nil {
			return nil, err
		}
		opts.JWKS = jwks
		opts.Audience = cfg.Auth.Auth0Audience
		opts.Issuer = cfg.Auth0Issuer()
	}
	return api.NewAuth(opts)
}
