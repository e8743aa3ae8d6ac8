package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	adminapi "github.com/balanzlc/balanz/internal/adapter/admin"
	"github.com/balanzlc/balanz/internal/adapter/audit"
	"github.com/balanzlc/balanz/internal/adapter/cache"
	fibermw "github.com/balanzlc/balanz/internal/adapter/http/fiber/middleware"
	v16 "github.com/balanzlc/balanz/internal/adapter/ocpp/v16"
	"github.com/balanzlc/balanz/internal/adapter/queue"
	"github.com/balanzlc/balanz/internal/adapter/storage/csv"
	"github.com/balanzlc/balanz/internal/adapter/storage/postgres"
	"github.com/balanzlc/balanz/internal/adapter/vault"
	"github.com/balanzlc/balanz/internal/infrastructure/circuitbreaker"
	"github.com/balanzlc/balanz/internal/ports"
	"github.com/balanzlc/balanz/internal/service/admin"
	"github.com/balanzlc/balanz/internal/service/allocator"
	"github.com/balanzlc/balanz/internal/service/health"
	"github.com/balanzlc/balanz/internal/service/registry"
	"github.com/balanzlc/balanz/internal/service/statemachine"
	"github.com/balanzlc/balanz/internal/service/watchdog"
	"github.com/balanzlc/balanz/pkg/config"
)

const (
	serviceName    = "balanz"
	serviceVersion = "v1.0.0"
)

func main() {
	configPath := flag.String("config", "balanz.ini", "path to the INI configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting balanz controller",
		zap.String("service", serviceName),
		zap.String("version", serviceVersion),
		zap.String("config", *configPath),
	)

	// Model registry, seeded from the boot-time CSV fixtures (spec.md §3/§6).
	reg := registry.New(registry.Config{
		AutoregisterEnabled: cfg.Model.AutoregisterEnabled,
		AutoregisterGroupID: cfg.Model.AutoregisterGroupID,
		DefaultConnMax:      cfg.Model.DefaultConnMax,
		DefaultPriority:     cfg.Model.DefaultPriority,
		DefaultConnectors:   cfg.Model.DefaultConnectors,
	}, logger)

	if err := loadModel(reg, cfg.Model, logger); err != nil {
		logger.Fatal("failed to load boot-time model", zap.Error(err))
	}

	// Optional Vault-backed AuthorizationKey store.
	var secrets ports.SecretStore
	if cfg.CSMS.VaultAddress != "" {
		secretMgr, err := vault.NewSecretManager(cfg.CSMS.VaultAddress, cfg.CSMS.VaultToken)
		if err != nil {
			logger.Fatal("failed to initialize vault secret store", zap.Error(err))
		}
		secrets = secretMgr
		logger.Info("vault secret store enabled", zap.String("address", cfg.CSMS.VaultAddress))
	} else {
		logger.Info("vault address not configured, AuthorizationKey material stays local-only")
	}

	// Optional Postgres mirror of closed sessions (spec.md §6 DOMAIN STACK).
	var sessionRepo ports.SessionRepository
	var healthDB *sql.DB
	if cfg.History.DatabaseURL != "" {
		db, err := postgres.NewConnection(cfg.History.DatabaseURL, logger)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		sessionRepo = postgres.NewSessionRepository(db)
		if sqlDB, err := db.DB(); err == nil {
			healthDB = sqlDB
		}
		logger.Info("postgres session mirror enabled")
	}

	history := csv.NewSessionHistoryWriter(cfg.History.SessionsPath)

	// Event bus: NATS by default, RabbitMQ when the URL scheme says amqp.
	var mq ports.MessageQueue
	if cfg.CSMS.QueueURL != "" {
		mq, err = newQueue(cfg.CSMS.QueueURL, logger)
		if err != nil {
			logger.Warn("event bus not available, continuing without one", zap.Error(err))
			mq = nil
		} else {
			defer mq.Close()
		}
	}

	// Usage-sample cache feeding the allocator's plateau/reduction logic.
	var usageCache ports.UsageCache
	var redisClient *redis.Client
	if cfg.Balanz.CacheURL != "" {
		opts, err := redis.ParseURL(cfg.Balanz.CacheURL)
		if err != nil {
			logger.Fatal("invalid balanz.cache_url", zap.Error(err))
		}
		redisClient = redis.NewClient(opts)
		if pingErr := redisClient.Ping(context.Background()).Err(); pingErr != nil {
			logger.Warn("redis not reachable, falling back to local usage cache", zap.Error(pingErr))
			usageCache = cache.NewLocalUsageCache(logger)
			redisClient = nil
		} else {
			usageCache = cache.NewRedisUsageCache(redisClient, logger)
			logger.Info("redis usage cache enabled")
		}
	} else {
		usageCache = cache.NewLocalUsageCache(logger)
	}

	// The OCPP transport dispatches inbound frames into the state machine;
	// the state machine sends outbound calls back through the transport.
	// transportProxy breaks that construction cycle: statemachine.New gets a
	// stable ports.OCPPTransport immediately, and its target is filled in
	// once the real *v16.Server exists.
	transportProxy := &transportProxy{}
	sm := statemachine.New(reg, transportProxy, mq, secrets, sessionRepo, history, usageCache, statemachine.Config{
		MinAllocationA:     cfg.Balanz.MinAllocationA,
		AuthKeyDelay:       cfg.CSMS.AuthKeyDelay,
		TransactionTimeout: cfg.Balanz.TransactionTimeout,
	}, logger)
	ocppServer := v16.NewServer(sm, v16.Config{PingTimeout: cfg.CSMS.PingTimeout}, logger)
	transportProxy.target = ocppServer

	// Allocator + committer (the balanz loop).
	breakers := circuitbreaker.NewManager(logger)
	committer := allocator.NewCommitter(reg, sm, breakers, logger)
	alloc := allocator.New(usageCache, allocator.Config{
		RunInterval:                  cfg.Balanz.RunInterval,
		IntervalsFull:                cfg.Balanz.IntervalsFull,
		FirstWait:                    cfg.Balanz.FirstWait,
		MinAllocationA:               cfg.Balanz.MinAllocationA,
		MaxOfferIncreaseA:            cfg.Balanz.MaxOfferIncreaseA,
		MinOfferIncreaseInterval:     cfg.Balanz.MinOfferIncreaseInterval,
		WaitAfterReduce:              cfg.Balanz.WaitAfterReduce,
		UsageMonitoringInterval:      cfg.Balanz.UsageMonitoringInterval,
		MarginLowerA:                 cfg.Balanz.MarginLowerA,
		UsageThresholdA:              cfg.Balanz.UsageThresholdA,
		SuspendedAllocationTimeout:   cfg.Balanz.SuspendedAllocationTimeout,
		SuspendedDelayedTime:         cfg.Balanz.SuspendedDelayedTime,
		SuspendedDelayedTimeNotFirst: cfg.Balanz.SuspendedDelayedTimeNotFirst,
		EnergyThresholdWh:            cfg.Balanz.EnergyThresholdWh,
		SuspendTopOfHour:             cfg.Balanz.SuspendTopOfHour,
	}, logger)

	// Watchdog: stale-connection and stuck-transaction reaper, wakes the
	// allocator loop immediately whenever it changes something.
	wd := watchdog.New(reg, sm, watchdog.Config{
		Interval:           cfg.Balanz.WatchdogInterval,
		StaleAfter:         cfg.Balanz.WatchdogStale,
		TransactionTimeout: cfg.Balanz.TransactionTimeout,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go wd.Run(ctx)
	go runAllocatorLoop(ctx, alloc, committer, reg, wd.Wake, cfg.Balanz.RunInterval)

	healthCfg := &health.Config{Version: serviceVersion}
	if healthDB != nil {
		healthCfg.DB = healthDB
	}
	if redisClient != nil {
		healthCfg.Redis = redisClient
	}
	healthSvc := health.NewService(healthCfg, logger)

	// OCPP-J 1.6 endpoint: plain net/http, its own port.
	ocppMux := http.NewServeMux()
	ocppServer.RegisterRoutes(ocppMux)
	ocppMux.Handle("/metrics", promhttp.Handler())
	health.NewHTTPHandler(healthSvc).RegisterRoutes(ocppMux)

	ocppAddr := fmt.Sprintf("%s:%d", cfg.Host.Address, cfg.Host.Port)
	ocppHTTPServer := &http.Server{Addr: ocppAddr, Handler: ocppMux}
	tlsEnabled := cfg.Host.TLSCert != "" && cfg.Host.TLSKey != ""
	go func() {
		logger.Info("starting OCPP-J 1.6 listener", zap.String("addr", ocppAddr), zap.Bool("tls", tlsEnabled))
		var err error
		if tlsEnabled {
			err = ocppHTTPServer.ListenAndServeTLS(cfg.Host.TLSCert, cfg.Host.TLSKey)
		} else {
			err = ocppHTTPServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("OCPP listener failed", zap.Error(err))
		}
	}()

	// Admin API: fiber + gofiber/websocket, its own port.
	users, err := csv.LoadUsers(cfg.Model.UsersPath)
	if err != nil {
		logger.Fatal("failed to load users.csv", zap.Error(err))
	}
	adminSvc := admin.New(users, reg, sm, ocppServer, admin.Config{
		JWTSecret:     cfg.API.JWTSecret,
		TokenDuration: cfg.API.TokenDuration,
	}, logger)

	var auditLog *audit.Logger
	if cfg.API.AuditLogPath != "" {
		auditLog = audit.NewLogger(cfg.API.AuditLogPath)
	}
	adminServer := adminapi.NewServer(adminSvc, auditLog, logger)

	app := fiber.New(fiber.Config{
		AppName:               serviceName,
		ServerHeader:          serviceName,
		DisableStartupMessage: true,
		ErrorHandler:          fibermw.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(fibermw.NewCORS(cfg.API.CORS))
	app.Use(fibermw.CircuitBreakerWithLogger(logger))

	health.NewFiberHandler(healthSvc).RegisterRoutes(app)

	adminServer.RegisterRoutes(app)

	adminAddr := fmt.Sprintf("%s:%d", cfg.Host.Address, cfg.Host.AdminPort)
	go func() {
		logger.Info("starting admin API listener", zap.String("addr", adminAddr), zap.Bool("tls", tlsEnabled))
		var err error
		if tlsEnabled {
			err = app.ListenTLS(adminAddr, cfg.Host.TLSCert, cfg.Host.TLSKey)
		} else {
			err = app.Listen(adminAddr)
		}
		if err != nil {
			logger.Fatal("admin API listener failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("admin API forced to shutdown", zap.Error(err))
	}
	if err := ocppHTTPServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("OCPP listener forced to shutdown", zap.Error(err))
	}
	ocppServer.Stop()

	if err := saveModel(reg, cfg.Model, logger); err != nil {
		logger.Error("failed to flush model CSVs on shutdown", zap.Error(err))
	}

	logger.Info("shutdown complete")
}

// transportProxy forwards ports.OCPPTransport calls to a target filled in
// after construction, resolving the statemachine/v16.Server construction
// cycle (each needs the other to already exist).
type transportProxy struct {
	target ports.OCPPTransport
}

func (p *transportProxy) SendCall(ctx context.Context, chargerID, action string, payload interface{}) (json.RawMessage, error) {
	return p.target.SendCall(ctx, chargerID, action, payload)
}

func newQueue(url string, log *zap.Logger) (ports.MessageQueue, error) {
	if strings.HasPrefix(url, "amqp://") || strings.HasPrefix(url, "amqps://") {
		return queue.NewRabbitMQQueue(url, log)
	}
	return queue.NewNATSQueue(url, log)
}

// runAllocatorLoop drives the periodic balanz tick (spec.md §4.4): every
// RunInterval, snapshot the registry, plan offer changes, commit them, and
// also wake immediately whenever the watchdog signals a reap happened.
// RunInterval == 0 disables smart charging globally (spec.md §6): no pass
// runs, and watchdog wakes are drained without planning.
func runAllocatorLoop(ctx context.Context, alloc *allocator.Allocator, committer *allocator.Committer, reg *registry.Registry, wake <-chan struct{}, interval time.Duration) {
	tick := func() {
		now := time.Now()
		snap := reg.Snapshot()
		changes := alloc.Plan(ctx, snap, now, alloc.NextIsFullPass())
		if len(changes) > 0 {
			committer.Commit(ctx, changes)
		}
	}

	if interval <= 0 {
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			}
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		case <-wake:
			tick()
		}
	}
}

func loadModel(reg *registry.Registry, m config.ModelConfig, log *zap.Logger) error {
	groups, err := csv.LoadGroups(m.GroupsPath)
	if err != nil {
		return fmt.Errorf("loading %s: %w", m.GroupsPath, err)
	}
	if err := reg.ReloadGroups(groups); err != nil {
		return fmt.Errorf("applying groups.csv: %w", err)
	}

	chargers, err := csv.LoadChargers(m.ChargersPath)
	if err != nil {
		return fmt.Errorf("loading %s: %w", m.ChargersPath, err)
	}
	if warnings := reg.ReloadChargers(chargers, time.Now()); len(warnings) > 0 {
		for _, w := range warnings {
			log.Warn("charger reload warning", zap.String("detail", w))
		}
	}

	tags, err := csv.LoadTags(m.TagsPath)
	if err != nil {
		return fmt.Errorf("loading %s: %w", m.TagsPath, err)
	}
	reg.ReloadTags(tags)

	return nil
}

// saveModel flushes the registry's current groups/chargers/tags back to
// their CSV files (spec.md §6), so admin-API mutations since boot survive a
// restart.
func saveModel(reg *registry.Registry, m config.ModelConfig, log *zap.Logger) error {
	snap := reg.Snapshot()
	if err := csv.SaveGroups(m.GroupsPath, snap.Groups); err != nil {
		return fmt.Errorf("saving %s: %w", m.GroupsPath, err)
	}
	if err := csv.SaveChargers(m.ChargersPath, snap.Chargers); err != nil {
		return fmt.Errorf("saving %s: %w", m.ChargersPath, err)
	}
	if err := csv.SaveTags(m.TagsPath, snap.Tags); err != nil {
		return fmt.Errorf("saving %s: %w", m.TagsPath, err)
	}
	return nil
}

func buildLogger(lc config.LoggingConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(lc.Level); err != nil {
		level = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if lc.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	var ws zapcore.WriteSyncer
	switch lc.Output {
	case "", "stdout":
		ws = zapcore.Lock(os.Stdout)
	case "stderr":
		ws = zapcore.Lock(os.Stderr)
	default:
		f, err := os.OpenFile(lc.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening log output %q: %w", lc.Output, err)
		}
		ws = zapcore.AddSync(f)
	}

	core := zapcore.NewCore(encoder, ws, level)
	return zap.New(core, zap.AddCaller()), nil
}
