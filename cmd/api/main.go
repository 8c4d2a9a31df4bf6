package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	"keybridge.io/internal/audit"
	"keybridge.io/internal/bridge"
	"keybridge.io/internal/config"
	"keybridge.io/internal/credential"
	"keybridge.io/internal/handshake"
	"keybridge.io/internal/httpapi"
	"keybridge.io/internal/identity"
	"keybridge.io/internal/obs"
	"keybridge.io/internal/operator"
	"keybridge.io/internal/ratelimit"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	configPath := flag.String("config", "config.yaml", "path to YAML configuration")
	flag.Parse()

	// Отсутствующий файл конфигурации не ошибка: живём на дефолтах + env.
	path := *configPath
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = ""
	}
	cfg, err := config.LoadWithEnv(path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Identity.BaseURL == "" {
		log.Fatalf("identity.base_url is required (or set KEYBRIDGE_IDENTITY_URL)")
	}

	// БД для durable-аудита (и пинга в /readyz), если задан драйвер.
	var db *sql.DB
	var sink audit.Sink = audit.NopSink{}
	switch {
	case cfg.Audit.Driver != "":
		db, err = sql.Open(cfg.Audit.Driver, cfg.Audit.DSN)
		if err != nil {
			log.Fatalf("open audit db: %v", err)
		}
		if cfg.Audit.Driver == "pgx" {
			db.SetMaxOpenConns(10)
			db.SetMaxIdleConns(10)
			db.SetConnMaxLifetime(30 * time.Minute)
		}
		sink = audit.NewSQLSink(db, cfg.Audit.Driver)
	case cfg.Audit.File != "":
		fs, err := audit.NewFileSink(cfg.Audit.File)
		if err != nil {
			log.Fatalf("open audit file: %v", err)
		}
		sink = fs
	}

	auditLog := audit.New(sink,
		audit.WithCapacity(cfg.Audit.RingCapacity),
		audit.WithFlushInterval(cfg.AuditFlushInterval()),
	)

	// Redis — общий fixed-window лимитер для multi-instance деплоя.
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	storeOpts := []credential.Option{
		credential.WithTokenTTL(cfg.TokenTTL()),
		credential.WithRequestTTL(cfg.RequestTTL()),
		credential.WithCodeTTL(cfg.CodeTTL()),
		credential.WithGCInterval(cfg.GCInterval()),
	}
	if cfg.Credentials.SnapshotPath != "" {
		storeOpts = append(storeOpts, credential.WithSnapshotPath(cfg.Credentials.SnapshotPath))
	}
	store, err := credential.New(storeOpts...)
	if err != nil {
		log.Fatalf("credential store: %v", err)
	}

	identityOpts := []identity.HTTPOption{identity.WithTimeout(cfg.IdentityTimeout())}
	if cfg.Identity.APIKey != "" {
		identityOpts = append(identityOpts, identity.WithAPIKey(cfg.Identity.APIKey))
	}
	backend := identity.NewHTTPBackend(cfg.Identity.BaseURL, identityOpts...)

	bridgeOpts := []bridge.Option{bridge.WithLoginURLBase(cfg.Login.URLBase)}
	for op, def := range bridge.DefaultLimits {
		max, window := def.Max, def.Window
		o, overridden := cfg.RateLimit.Ops[op]
		if overridden {
			max, window = o.Max, o.WindowDuration()
		}
		switch {
		case rdb != nil:
			bridgeOpts = append(bridgeOpts, bridge.WithLimiter(op,
				ratelimit.NewSharedWindow(rdb, max, window, "rl:"+op)))
		case overridden:
			bridgeOpts = append(bridgeOpts, bridge.WithLimiter(op,
				ratelimit.NewFixedWindow(max, window)))
		}
	}
	svc := bridge.New(store, handshake.New(store), backend, auditLog, bridgeOpts...)

	opAuth := operator.New(cfg.Operator.JWTSecret, cfg.Operator.PasswordHash,
		operator.WithTTL(cfg.OperatorTokenTTL()))

	apiOpts := []httpapi.Option{httpapi.WithMaxBodyBytes(cfg.Server.MaxBodyBytes)}
	if cfg.RateLimit.Enabled {
		apiOpts = append(apiOpts, httpapi.WithRateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst))
	}
	api := httpapi.New(svc, auditLog, opAuth, httpapi.ReadyProbe{DB: db, Redis: rdb}, version, apiOpts...)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting keybridge-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	store.Close()
	auditLog.Close()
	_ = sink.Close()
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Println("Stopped")
}
