package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/bodegaops/gatekeeper/internal/auth"
	"github.com/bodegaops/gatekeeper/internal/blocklist"
	"github.com/bodegaops/gatekeeper/internal/bruteforce"
	"github.com/bodegaops/gatekeeper/internal/cache"
	"github.com/bodegaops/gatekeeper/internal/config"
	"github.com/bodegaops/gatekeeper/internal/devices"
	"github.com/bodegaops/gatekeeper/internal/events"
	"github.com/bodegaops/gatekeeper/internal/geoip"
	"github.com/bodegaops/gatekeeper/internal/guard"
	"github.com/bodegaops/gatekeeper/internal/handler"
	"github.com/bodegaops/gatekeeper/internal/logging"
	"github.com/bodegaops/gatekeeper/internal/model"
	"github.com/bodegaops/gatekeeper/internal/notify"
	"github.com/bodegaops/gatekeeper/internal/oracle"
	"github.com/bodegaops/gatekeeper/internal/scheduler"
	"github.com/bodegaops/gatekeeper/internal/store"
	"github.com/bodegaops/gatekeeper/internal/version"
)

const (
	reputationCacheTTL = 24 * time.Hour
	countryCacheTTL    = 30 * time.Minute
	blockCacheTTL      = 5 * time.Minute
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting gatekeeper",
		"version", version.Version,
		"env", cfg.Env,
		"addr", cfg.ServerAddr())

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		logger.Error("opening database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := store.Migrate(db); err != nil {
		logger.Error("running migrations", "error", err)
		os.Exit(1)
	}

	// Once the database is up, tee WARN+ records into security_events.
	textHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger = slog.New(logging.NewEventLogHandler(textHandler, db))
	slog.SetDefault(logger)

	// Cache backend: Redis when configured, in-process memory otherwise.
	var backend cache.Cache
	if cfg.UseRedisCache() {
		rc, err := cache.NewRedisCache(cfg.RedisURL, cfg.CachePrefix, time.Hour)
		if err != nil {
			logger.Error("connecting to Redis", "error", err)
			os.Exit(1)
		}
		backend = rc
		logger.Info("using Redis cache")
	} else {
		backend = cache.NewMemoryCache(cache.MemoryCacheOptions{
			DefaultTTL:      time.Hour,
			MaxSize:         cfg.CacheMaxSize,
			CleanupInterval: 10 * time.Minute,
		})
	}
	defer backend.Close()

	var geo *geoip.Lookup
	if cfg.GeoIPEnabled() {
		geo, err = geoip.NewLookup(cfg.GeoIPDBPath)
		if err != nil {
			logger.Error("opening GeoIP database", "path", cfg.GeoIPDBPath, "error", err)
			os.Exit(1)
		}
		defer geo.Close()
	}

	ev := events.NewService(db, logger)
	blocks := blocklist.NewStore(db)
	ledger := bruteforce.NewLedger(db, bruteforce.Policy{
		MaxAttemptsPerIP:      cfg.MaxAttemptsPerIP,
		MaxAttemptsPerAccount: cfg.MaxAttemptsPerAccount,
		Lockout:               cfg.LockoutDuration(),
		Window:                cfg.AttemptWindow(),
	}, blocks, ev, logger)
	registry := devices.NewRegistry(db, geo, ev, cfg.MaxSimultaneousSessions, logger)

	// Workers outlive individual requests; cancelled only at shutdown.
	notifyCtx, cancelNotify := context.WithCancel(context.Background())
	defer cancelNotify()

	notifySvc := notify.NewService(db, nil, notify.NewExpoClient(10*time.Second), logger, notify.DefaultConfig())
	notifySvc.Start(notifyCtx)
	defer notifySvc.Stop()
	ledger.SetNotifier(notifySvc)

	authCfg := auth.DefaultConfig()
	authCfg.DetectDeviceChanges = cfg.DetectDeviceChanges
	authSvc := auth.NewService(db, ledger, registry, ev, authCfg, logger)

	oc := oracle.NewClient(cfg.AbuseIPDBKey, cfg.OracleTimeout())

	blockDecisions := cache.NewTypedCache[model.BlockedIP](backend, blockCacheTTL)

	pipeline := guard.NewPipeline(cfg.WhitelistIPs, devices.Fingerprint, logger)
	pipeline.Use(guard.NewBlocklistGuard(
		blocks,
		blockDecisions,
		cfg.BlacklistIPs,
		ev,
	), guard.Propagate)
	pipeline.Use(guard.NewReputationGuard(
		guard.ReputationConfig{
			ScoreEnabled: cfg.ReputationEnabled,
			BlockVPN:     cfg.BlockVPN,
			BlockProxy:   cfg.BlockProxy,
			BlockTor:     cfg.BlockTor,
		},
		oc,
		cache.NewTypedCache[oracle.GeoVerdict](backend, reputationCacheTTL),
		blocks,
		ev,
		notifySvc,
		logger,
	), guard.FailOpen)
	pipeline.Use(guard.NewGeofenceGuard(
		guard.GeofenceConfig{
			AllowedCountries: cfg.AllowedCountries,
			BlockedCountries: cfg.BlockedCountries,
			Strict:           cfg.GeofenceStrict,
		},
		geo,
		oc,
		cache.NewTypedCache[string](backend, countryCacheTTL),
		ev,
		logger,
	), guard.FailOpen)
	pipeline.Use(guard.NewHoneypotGuard(ev, notifySvc, logger), guard.FailOpen)
	pipeline.Use(guard.NewTimeRestrictionGuard(guard.TimeRestrictionConfig{
		Enabled:        cfg.TimeRestrictionsEnabled,
		HourStart:      cfg.AllowedHoursStart,
		HourEnd:        cfg.AllowedHoursEnd,
		AllowedDays:    cfg.AllowedDays,
		UTCOffsetHours: cfg.UTCOffsetHours,
	}, ev), guard.FailOpen)

	apiHandler := handler.New(db, blocks, blockDecisions, ledger, ev, registry, authSvc, notifySvc, logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(pipeline.Middleware)
	r.Mount("/api", apiHandler.Routes())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	sched := scheduler.New(blocks, ledger, registry, ev, geo, logger)
	if err := sched.Start(); err != nil {
		logger.Error("starting scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	srv := &http.Server{
		Addr:              cfg.ServerAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
}
