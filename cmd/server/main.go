package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-dmchat/internal/api"
	"github.com/npezzotti/go-dmchat/internal/auth"
	"github.com/npezzotti/go-dmchat/internal/broadcast"
	"github.com/npezzotti/go-dmchat/internal/config"
	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/encryption"
	"github.com/npezzotti/go-dmchat/internal/logging"
	"github.com/npezzotti/go-dmchat/internal/server"
	"github.com/npezzotti/go-dmchat/internal/stats"
	"github.com/npezzotti/go-dmchat/internal/store"
	"github.com/redis/go-redis/v9"
)

const (
	serviceName          = "go-dmchat"
	sessionSweepInterval = time.Hour
	shutdownTimeout      = 10 * time.Second
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func main() {
	opts, err := config.LoadOptions()
	if err != nil {
		log.Fatal("config: ", err)
	}

	flag.StringVar(&opts.ServerAddr, "addr", opts.ServerAddr, "server address")
	flag.StringVar(&opts.DatabaseDSN, "dsn", opts.DatabaseDSN, "database connection string")
	flag.StringVar(&opts.SessionSecret, "session-secret", opts.SessionSecret, "base64 encoded session signing secret")
	flag.Var((*stringSliceFlag)(&opts.FallbackSecrets), "session-secret-fallbacks", "comma-separated list of retired base64 session secrets")
	flag.Var((*stringSliceFlag)(&opts.AllowedOrigins), "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&opts.BroadcastBackend, "broadcast", opts.BroadcastBackend, "broadcast backend: memory or redis")
	flag.StringVar(&opts.Redis.Addr, "redis-addr", opts.Redis.Addr, "redis address for the redis broadcast backend")
	flag.StringVar(&opts.SessionStore, "session-store", opts.SessionStore, "session store: memory or postgres")
	flag.DurationVar(&opts.SessionTTL, "session-ttl", opts.SessionTTL, "session lifetime")
	flag.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level")
	flag.BoolVar(&opts.LogPretty, "log-pretty", opts.LogPretty, "human readable log output")
	flag.BoolVar(&opts.Migrate, "migrate", opts.Migrate, "apply database migrations on startup")
	flag.Parse()

	cfg, err := config.NewConfig(opts)
	if err != nil {
		log.Fatal("config: ", err)
	}

	zl := logging.New(logging.Config{
		Level:       cfg.LogLevel,
		Pretty:      cfg.LogPretty,
		ServiceName: serviceName,
	})
	logging.BridgeStdlog(zl)
	logger := logging.StdLogger(zl, "main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbConn, err := database.NewPgGoChatRepository(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open: ", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	if cfg.Migrate {
		if err := dbConn.Migrate(ctx); err != nil {
			logger.Fatal("db migrate: ", err)
		}
	}

	codec, err := encryption.NewCodec(cfg.EncryptionKey)
	if err != nil {
		logger.Fatal("encryption: ", err)
	}

	var sessions auth.SessionStore = auth.NewPostgresSessionStore(dbConn)
	if cfg.SessionStore == config.SessionStoreMemory {
		sessions = auth.NewMemorySessionStore()
	}

	backends, err := auth.ParseBackends(cfg.AuthBackends, dbConn)
	if err != nil {
		logger.Fatal("auth backends: ", err)
	}

	authn, err := auth.NewAuthenticator(auth.Options{
		Secret:          cfg.SessionSecret,
		FallbackSecrets: cfg.FallbackSecrets,
		TTL:             cfg.SessionTTL,
		Backends:        backends,
		Store:           sessions,
		Logger:          logging.StdLogger(zl, "auth"),
	})
	if err != nil {
		logger.Fatal("authenticator: ", err)
	}
	go authn.RunSweeper(ctx, sessionSweepInterval)

	roomStore := store.New(dbConn, codec, logging.StdLogger(zl, "store"))

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	registry := broadcast.NewRegistry(statsUpdater, logging.StdLogger(zl, "broadcast"))
	var broadcaster broadcast.Broadcaster = registry
	if cfg.BroadcastBackend == config.BroadcastRedis {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis: ", err)
		}

		rb := broadcast.NewRedisBroadcaster(rdb, cfg.Redis.Prefix, registry, logging.StdLogger(zl, "redis"))
		go func() {
			if err := rb.Run(ctx); err != nil {
				logger.Println("redis subscriber:", err)
				stop()
			}
		}()
		broadcaster = rb
	}

	gateway := server.NewGateway(server.Options{
		Logger:         logging.StdLogger(zl, "gateway"),
		Auth:           authn,
		Store:          roomStore,
		Broadcaster:    broadcaster,
		Stats:          statsUpdater,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	srv := api.NewGoChatApp(mux, api.Options{
		Logger:    logging.StdLogger(zl, "api"),
		AccessLog: zl.With().Str(logging.FieldComponent, "http").Logger(),
		DB:        dbConn,
		Auth:      authn,
		Store:     roomStore,
		Gateway:   gateway,
		Config:    cfg,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Println("received shutdown signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Println("server:", err)
		}
	}
	stop()

	shutDownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat gateway...")
	if err := gateway.Shutdown(shutDownCtx); err != nil {
		logger.Println("chat gateway shutdown:", err)
	}

	logger.Println("shutdown complete")
}
