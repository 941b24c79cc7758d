package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/meshboard/meshboard/internal/auth"
	"github.com/meshboard/meshboard/internal/config"
	"github.com/meshboard/meshboard/internal/event"
	"github.com/meshboard/meshboard/internal/host"
	"github.com/meshboard/meshboard/internal/manifest"
	"github.com/meshboard/meshboard/internal/permission"
	"github.com/meshboard/meshboard/internal/plugins/sysinfo"
	"github.com/meshboard/meshboard/internal/schedule"
	"github.com/meshboard/meshboard/internal/server"
	"github.com/meshboard/meshboard/internal/services"
	"github.com/meshboard/meshboard/internal/store"
	"github.com/meshboard/meshboard/internal/transport"
	"github.com/meshboard/meshboard/internal/version"
	"github.com/meshboard/meshboard/internal/ws"
	"github.com/meshboard/meshboard/pkg/plugin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Long())
		os.Exit(0)
	}

	// Load configuration (before logger, so log level/format can be configured).
	viperCfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := config.New(viperCfg)

	logger, err := config.NewLogger(viperCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Meshboard node starting", zap.String("version", version.Short()))

	if f := viperCfg.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded",
			zap.String("component", "config"),
			zap.String("source", f),
		)
	} else {
		logger.Warn("no configuration file found, using defaults",
			zap.String("component", "config"),
		)
	}

	// Open database and run component migrations.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPath := viperCfg.GetString("storage.path")
	db, err := store.Open(dbPath)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Migrate(ctx, "schedule", schedule.Migrations); err != nil {
		logger.Fatal("schedule migrations failed", zap.Error(err))
	}
	if err := db.Migrate(ctx, "kv", store.KVMigrations); err != nil {
		logger.Fatal("kv migrations failed", zap.Error(err))
	}
	logger.Info("database initialized",
		zap.String("component", "database"),
		zap.String("path", dbPath),
	)

	// Shared services.
	bus := event.NewBus(logger.Named("event"))
	perms := permission.NewManager(logger.Named("permission"))

	// Transport to the mesh.
	tr, err := buildTransport(viperCfg, bus, logger)
	if err != nil {
		logger.Fatal("failed to create transport", zap.Error(err))
	}
	defer func() { _ = tr.Close() }()

	node := plugin.NodeInfo{
		Name:      viperCfg.GetString("node.name"),
		ID:        viperCfg.GetString("node.id"),
		Version:   version.Short(),
		StartedAt: time.Now(),
	}
	if node.ID == "" {
		node.ID = uuid.NewString()
	}

	// Plugin host.
	var schedCfg schedule.Config
	if err := viperCfg.UnmarshalKey("scheduler", &schedCfg); err != nil {
		logger.Fatal("invalid scheduler configuration", zap.Error(err))
	}
	var healthCfg host.Config
	if err := viperCfg.UnmarshalKey("health", &healthCfg); err != nil {
		logger.Fatal("invalid health configuration", zap.Error(err))
	}
	var routerCfg services.RouterConfig
	if err := viperCfg.UnmarshalKey("router", &routerCfg); err != nil {
		logger.Fatal("invalid router configuration", zap.Error(err))
	}

	h := host.New(host.Options{
		Config:     healthCfg,
		Root:       cfg,
		Store:      db,
		Bus:        bus,
		Transport:  tr,
		Perms:      perms,
		Node:       node,
		Scheduler:  schedCfg,
		Router:     routerCfg,
		IPCTimeout: viperCfg.GetDuration("ipc.timeout"),
		Logger:     logger.Named("host"),
	})

	// Compile-time plugin composition.
	builtins := []host.Factory{
		func() plugin.Plugin { return sysinfo.New() },
	}
	for _, f := range builtins {
		if err := h.Register(f); err != nil {
			logger.Fatal("failed to register plugin", zap.Error(err))
		}
	}

	// Surface external plugin manifests dropped in plugins.dir. They are
	// validated and reported; loading out-of-process plugins is not wired.
	reportManifests(viperCfg.GetString("plugins.dir"), logger)

	if err := h.Start(ctx); err != nil {
		logger.Fatal("failed to start plugin host", zap.Error(err))
	}

	// Admin authentication.
	tokens := buildTokens(viperCfg, logger)
	authSvc := auth.NewService(viperCfg.GetString("server.auth.password_hash"), tokens)
	if viperCfg.GetString("server.auth.password_hash") == "" {
		logger.Warn("server.auth.password_hash is not set; admin login is disabled",
			zap.String("component", "auth"))
	}
	var authHandler server.RouteRegistrar
	if viperCfg.GetBool("server.auth.enabled") {
		authHandler = auth.NewHandler(authSvc, logger.Named("auth"))
	}

	wsHandler := ws.NewHandler(tokens, bus, logger.Named("ws"))
	defer wsHandler.Close()

	// Admin HTTP server.
	addr := fmt.Sprintf("%s:%d",
		viperCfg.GetString("server.host"), viperCfg.GetInt("server.port"))
	readyCheck := server.ReadinessChecker(func(ctx context.Context) error {
		return db.DB().PingContext(ctx)
	})
	srv := server.New(addr, h, h.Scheduler(), perms, readyCheck, authHandler, logger.Named("server"), wsHandler)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("Meshboard node ready",
		zap.String("addr", addr),
		zap.String("node", node.Name),
	)

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	h.Stop(shutdownCtx)

	logger.Info("Meshboard node stopped")
}

// buildTransport creates the configured mesh transport. "loopback" runs the
// node radio-less for development.
func buildTransport(v *viper.Viper, bus *event.Bus, logger *zap.Logger) (transport.Transport, error) {
	kind := v.GetString("transport.kind")
	switch kind {
	case "loopback":
		logger.Warn("using loopback transport; nothing reaches the mesh",
			zap.String("component", "transport"))
		return transport.NewLoopback(), nil
	case "mqtt":
		cfg := transport.DefaultMQTTConfig()
		if err := v.UnmarshalKey("transport.mqtt", &cfg); err != nil {
			return nil, fmt.Errorf("invalid mqtt configuration: %w", err)
		}
		cfg.SendRate = v.GetFloat64("transport.send_rate")
		cfg.SendBurst = v.GetInt("transport.send_burst")
		return transport.NewMQTT(cfg, bus, logger.Named("mqtt"))
	default:
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}
}

// buildTokens creates the JWT token service. Without a configured secret an
// ephemeral one is generated; tokens then do not survive restarts.
func buildTokens(v *viper.Viper, logger *zap.Logger) *auth.TokenService {
	secret := v.GetString("server.auth.jwt_secret")
	if secret == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			logger.Fatal("failed to generate JWT secret", zap.Error(err))
		}
		secret = hex.EncodeToString(b)
		logger.Info("using auto-generated JWT secret (set server.auth.jwt_secret in config to persist sessions across restarts)",
			zap.String("component", "auth"),
		)
	}
	return auth.NewTokenService([]byte(secret), v.GetDuration("server.auth.token_ttl"))
}

// reportManifests validates manifests dropped in plugins.dir so operators
// see schema problems at startup. Out-of-process plugin loading is not
// wired; the manifest is the contract a sidecar build would compile against.
func reportManifests(dir string, logger *zap.Logger) {
	manifests, malformed, err := manifest.Discover(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		logger.Warn("plugin manifest discovery failed",
			zap.String("dir", dir), zap.Error(err))
		return
	}
	for _, merr := range malformed {
		logger.Warn("malformed plugin manifest",
			zap.String("dir", dir), zap.Error(merr))
	}
	for i := range manifests {
		m := manifests[i]
		if verr := manifest.Validate(&m); verr != nil {
			logger.Warn("invalid plugin manifest",
				zap.String("plugin", m.Name), zap.Error(verr))
			continue
		}
		logger.Info("external plugin manifest found",
			zap.String("plugin", m.Name),
			zap.String("version", m.Version),
		)
	}
}
