// Package main is the entry point for the Smart Lock Manager slot engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/smart-lock-manager/backend/internal/api"
	"github.com/smart-lock-manager/backend/internal/api/handlers"
	"github.com/smart-lock-manager/backend/internal/config"
	"github.com/smart-lock-manager/backend/internal/engine"
	"github.com/smart-lock-manager/backend/internal/feed"
	"github.com/smart-lock-manager/backend/internal/gateway"
	"github.com/smart-lock-manager/backend/internal/hierarchy"
	"github.com/smart-lock-manager/backend/internal/lock"
	"github.com/smart-lock-manager/backend/internal/logger"
	"github.com/smart-lock-manager/backend/internal/metrics"
	"github.com/smart-lock-manager/backend/internal/scheduler"
	"github.com/smart-lock-manager/backend/internal/storage"
	"github.com/smart-lock-manager/backend/internal/websocket"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
// Defaults to "dev" when not provided.
var version = "dev"

func main() {
	addr := flag.String("addr", ":8099", "HTTP server address (overrides server.addr)")
	dataDir := flag.String("data", "/data", "Data directory for the SQLite database (overrides data_dir)")
	configPath := flag.String("config", os.Getenv("SLM_CONFIG"), "Path to the YAML configuration file")
	healthCheck := flag.Bool("health-check", false, "Run health check and exit")
	flag.Parse()

	// Health check mode for Docker HEALTHCHECK
	if *healthCheck {
		if err := runHealthCheck(*addr); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if envVer := os.Getenv("VERSION"); envVer != "" {
		version = envVer
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	if flag.CommandLine.Changed("addr") || cfg.Server.Addr == "" {
		cfg.Server.Addr = *addr
	}
	if flag.CommandLine.Changed("data") {
		cfg.DataDir = *dataDir
	}

	log, level, err := logger.New(cfg.Log.Level, cfg.Log.Format, "slot-engine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log, level); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger, level zap.AtomicLevel) error {
	log.Info("starting slot engine", zap.String("version", version), zap.Int("locks", len(cfg.Locks)))

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	clock := func() time.Time { return time.Now().In(loc) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %q: %w", cfg.DataDir, err)
	}
	db, err := storage.NewDB(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := storage.RunMigrations(ctx, db, log); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	lockRepo := storage.NewLockRepository(db, clock, log)
	syncLog := storage.NewSyncLogRepository(db)
	settingsRepo := storage.NewSettingsRepository(db)

	// Events and metrics
	hub := websocket.NewHub(log)
	go hub.Run(ctx)
	events := websocket.NewEventBroadcaster(hub, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Device gateway
	gw := newGateway(cfg, log)
	for _, l := range cfg.Locks {
		if err := gw.Register(gateway.Target{
			LockID:      l.ID,
			EntityID:    l.EntityID,
			NodeID:      l.NodeID,
			Integration: l.Integration,
			ScanSlots:   cfg.Gateway.ScanSlots,
		}); err != nil {
			return fmt.Errorf("registering lock: %w", err)
		}
	}
	if missing, err := gw.MissingEntities(ctx); err != nil {
		log.Warn("checking home assistant lock entities", zap.Error(err))
	} else {
		for _, id := range missing {
			log.Warn("lock entity not found in home assistant", zap.String("lock_id", id))
		}
	}
	events.SystemStatusChanged(gw.Health(ctx))

	// Engine
	registry := lock.NewRegistry()
	dispatcher := hierarchy.NewDispatcher(registry, gw, hierarchy.Options{
		Timeout:    cfg.Gateway.Timeout,
		Parallel:   cfg.Gateway.Parallel,
		ClearRogue: cfg.Gateway.ClearRogue,
		Audit:      syncLog,
		Observer:   m,
		Now:        clock,
	}, log)

	svc := engine.New(engine.Deps{
		Registry:   registry,
		Store:      lockRepo,
		Dispatcher: dispatcher,
		Notifier:   events,
		Observer:   m,
	}, engine.Options{
		Horizon:      cfg.Scheduler.StatsHorizon,
		SyncOnChange: true,
		Now:          clock,
	}, log)
	defer svc.Close()

	if err := svc.Bootstrap(ctx, lockConfigs(cfg)); err != nil {
		return fmt.Errorf("bootstrapping locks: %w", err)
	}
	svc.SyncAllAsync(engine.TriggerStartup)

	// Scheduler
	sched := scheduler.New(scheduler.Deps{
		Registry: registry,
		Saver:    lockRepo,
		Notifier: events,
		Observer: m,
		Syncer:   svc,
		Pruner:   syncLog,
	}, scheduler.Options{
		SweepInterval:  cfg.Scheduler.SweepInterval,
		SyncInterval:   cfg.Scheduler.SyncInterval,
		StatsHorizon:   cfg.Scheduler.StatsHorizon,
		AuditRetention: cfg.Scheduler.AuditRetention,
		Location:       loc,
		Now:            clock,
	}, log)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	// Stored settings override the configured intervals.
	if settings, err := settingsRepo.All(ctx); err != nil {
		log.Warn("loading settings", zap.Error(err))
	} else if err := handlers.ApplySettings(settings, sched, level); err != nil {
		log.Warn("applying settings", zap.Error(err))
	}

	// Usage feeds
	if cfg.Feed.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Feed.Redis.Addr,
			Password: cfg.Feed.Redis.Password,
			DB:       cfg.Feed.Redis.DB,
		})
		defer client.Close()
		consumer := feed.NewStreamConsumer(client, feed.StreamConfig{
			Stream:   cfg.Feed.Redis.Stream,
			Group:    cfg.Feed.Redis.Group,
			Consumer: cfg.Feed.Redis.Consumer,
		}, svc, log)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("redis usage feed stopped", zap.Error(err))
			}
		}()
	}
	if cfg.Feed.MQTT.Broker != "" {
		consumer := feed.NewMQTTConsumer(feed.MQTTConfig{
			Broker:    cfg.Feed.MQTT.Broker,
			ClientID:  cfg.Feed.MQTT.ClientID,
			Username:  cfg.Feed.MQTT.Username,
			Password:  cfg.Feed.MQTT.Password,
			BaseTopic: cfg.Feed.MQTT.BaseTopic,
			Devices:   cfg.Feed.MQTT.Devices,
		}, svc, log)
		if err := consumer.Start(ctx); err != nil {
			log.Warn("mqtt usage feed unavailable", zap.Error(err))
		}
		defer consumer.Stop()
	}

	// HTTP
	router := api.NewRouter(api.Deps{
		DB:        db,
		Engine:    svc,
		Hub:       hub,
		Gateway:   gw,
		Scheduler: sched,
		SyncLog:   syncLog,
		Settings:  settingsRepo,
		Level:     level,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:    log,
	})
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		return fmt.Errorf("serving http: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", zap.Error(err))
	}
	log.Info("server stopped")
	return nil
}

// newGateway builds the device router. The Home Assistant and in-memory
// clients always exist; Z-Wave JS UI is only dialed when a lock uses it.
func newGateway(cfg config.Config, log *zap.Logger) *gateway.Router {
	ha := gateway.NewHAClient(gateway.HAConfig{
		BaseURL:         cfg.Gateway.HomeAssistant.URL,
		Token:           cfg.Gateway.HomeAssistant.Token,
		SupervisorToken: cfg.Gateway.HomeAssistant.SupervisorToken,
		Timeout:         cfg.Gateway.Timeout,
	})

	var zwave *gateway.ZWaveJSUIClient
	for _, l := range cfg.Locks {
		if l.Integration == gateway.IntegrationZWaveJSUI {
			zwave = gateway.NewZWaveJSUIClient(gateway.ZWaveConfig{
				URL:     cfg.Gateway.ZWaveJSUI.URL,
				APIKey:  cfg.Gateway.ZWaveJSUI.APIKey,
				HTTPURL: cfg.Gateway.ZWaveJSUI.HTTPURL,
				Timeout: cfg.Gateway.Timeout,
			}, log)
			break
		}
	}
	return gateway.NewRouter(ha, zwave, gateway.NewMemory(), cfg.Gateway.Timeout, log)
}

// lockConfigs derives each lock's role from the configured hierarchy.
func lockConfigs(cfg config.Config) []lock.Config {
	out := make([]lock.Config, 0, len(cfg.Locks))
	for _, l := range cfg.Locks {
		lc := lock.Config{
			ID:        l.ID,
			Name:      l.Name,
			StartSlot: l.StartSlot,
			SlotCount: l.Slots,
			Role:      lock.RoleStandalone,
		}
		switch {
		case l.Parent != "":
			lc.Role = lock.RoleChild
			lc.ParentID = l.Parent
		case cfg.IsParent(l.ID):
			lc.Role = lock.RoleParent
		}
		out = append(out, lc)
	}
	return out
}

// runHealthCheck performs a health check against the running server.
func runHealthCheck(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost" + addr + "/api/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
