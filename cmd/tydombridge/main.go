// Tydom Bridge - Delta Dore Tydom gateway to MQTT
//
// This is the main entry point for the bridge. It holds a persistent
// session with one Tydom gateway, reconciles every frame into a device
// registry and republishes devices to a home-automation host over MQTT.
//
// Optional components:
//   - Local REST and WebSocket API with Prometheus metrics
//   - InfluxDB telemetry for numeric attributes and energy readings
//   - Redis mirror of device snapshots
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/tydom-bridge/migrations"

	"github.com/nerrad567/tydom-bridge/internal/api"
	"github.com/nerrad567/tydom-bridge/internal/bridges/tydom"
	"github.com/nerrad567/tydom-bridge/internal/device"
	"github.com/nerrad567/tydom-bridge/internal/infrastructure/config"
	"github.com/nerrad567/tydom-bridge/internal/infrastructure/database"
	"github.com/nerrad567/tydom-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/tydom-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/tydom-bridge/internal/infrastructure/metrics"
	"github.com/nerrad567/tydom-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/tydom-bridge/internal/infrastructure/statecache"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	defaultConfigPath = "configs/config.yaml"

	historyPruneInterval = 6 * time.Hour
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting Tydom bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	setup := setupParams(cfg)
	if setupErr := tydom.ValidateSetup(setup); setupErr != nil {
		log.Error("invalid gateway setup", "code", tydom.SetupErrorCode(setupErr), "error", setupErr)
		return fmt.Errorf("gateway setup: %w", setupErr)
	}

	credentials := tydom.NewCredentialStore(db.DB)
	password, err := tydom.ResolvePassword(ctx, setup, credentials, tydom.NewCredentialClient(cfg.Cloud, nil))
	if err != nil {
		log.Error("could not obtain gateway password", "code", tydom.SetupErrorCode(err), "error", err)
		return fmt.Errorf("resolving gateway password: %w", err)
	}

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected", "routes", mqttClient.Routes())
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Optional telemetry and snapshot mirror. The interfaces stay nil when
	// disabled so the bridge skips them.
	var (
		influxClient *influxdb.Client
		telemetry    tydom.Telemetry
	)
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		telemetry = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "org", cfg.InfluxDB.Org, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	var (
		cacheClient *statecache.Cache
		cache       tydom.StateCache
	)
	if cfg.Redis.Enabled {
		cacheClient, err = statecache.Connect(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connecting to Redis: %w", err)
		}
		defer func() {
			log.Info("closing Redis connection")
			if closeErr := cacheClient.Close(); closeErr != nil {
				log.Error("error closing Redis", "error", closeErr)
			}
		}()
		cache = cacheClient
		log.Info("Redis state cache connected", "addr", cfg.Redis.Addr)
	}

	collector := metrics.New()

	registry := device.NewRegistry()
	registry.SetLogger(log)
	catalog := device.NewCatalog()
	polls := tydom.NewPollSet()
	router := tydom.NewRouter(catalog, polls, tydom.NormalizeMAC(cfg.Gateway.MAC))
	router.SetLogger(log)

	history := device.NewSQLiteStateHistoryRepository(db.DB)
	snapshots := device.NewSQLiteSnapshotRepository(db.DB)
	warmed, err := device.WarmStart(ctx, snapshots, registry)
	if err != nil {
		log.Warn("warm start failed, starting with an empty registry", "error", err)
	} else {
		log.Info("device registry warmed", "devices", warmed)
		if cacheClient != nil {
			pruneStateCache(ctx, cacheClient, registry, log)
		}
	}

	if retention := cfg.Database.GetHistoryRetention(); retention > 0 {
		go retainHistory(ctx, history, retention, log)
	}

	mode := gatewayMode(cfg.Gateway)
	session, err := tydom.Dial(ctx, tydom.SessionConfig{
		Host:               cfg.Gateway.Host,
		MAC:                tydom.NormalizeMAC(cfg.Gateway.MAC),
		Password:           password,
		Mode:               mode,
		InsecureSkipVerify: cfg.Gateway.InsecureSkipVerify,
		ConnectTimeout:     cfg.Gateway.GetConnectTimeout(),
		WriteTimeout:       cfg.Gateway.GetWriteTimeout(),
		PingInterval:       cfg.Gateway.GetPingInterval(),
		RefreshInterval:    cfg.Gateway.GetRefreshInterval(),
		PollInterval:       cfg.Gateway.GetPollInterval(),
		HeartbeatInterval:  cfg.Gateway.GetHeartbeatInterval(),
		PongTimeout:        cfg.Gateway.GetPongTimeout(),
		ReconnectDelay:     cfg.Gateway.GetReconnectDelay(),
		MaxReconnectDelay:  cfg.Gateway.GetMaxReconnectDelay(),
		PollSet:            polls,
		Logger:             log,
	})
	if err != nil {
		log.Error("gateway connection failed", "code", tydom.SetupErrorCode(err), "error", err)
		if errors.Is(err, tydom.ErrAuthentication) && cfg.Gateway.Password == "" {
			// A stale cached password would fail every restart; drop it so
			// the next start exchanges a fresh one.
			if delErr := credentials.Delete(ctx, setup.MAC); delErr != nil {
				log.Warn("failed to clear cached gateway password", "error", delErr)
			}
		}
		return fmt.Errorf("connecting to gateway: %w", err)
	}
	defer func() {
		log.Info("closing gateway session")
		if closeErr := session.Close(); closeErr != nil {
			log.Error("error closing gateway session", "error", closeErr)
		}
	}()
	log.Info("gateway connected", "host", cfg.Gateway.Host, "mode", mode.String())

	collector.WatchSession(func() metrics.SessionSnapshot {
		st := session.Stats()
		return metrics.SessionSnapshot{
			Connected:      st.State == tydom.StateConnected,
			Reconnects:     st.Reconnects,
			FramesSent:     st.FramesSent,
			FramesReceived: st.FramesReceived,
			Errors:         st.Errors,
		}
	})

	bridge, err := tydom.NewBridge(tydom.BridgeOptions{
		Session:  session,
		Router:   router,
		Registry: registry,
		MQTT:     mqttClient,
		Topics:   mqttClient.Topics(),
		Controller: tydom.ControllerConfig{
			GatewayMAC: tydom.NormalizeMAC(cfg.Gateway.MAC),
			AlarmPIN:   cfg.Gateway.AlarmPIN,
			Zones:      cfg.Gateway.Zones,
		},
		AttributeFilter: cfg.Gateway.AttributeFilter,
		BridgeID:        tydom.Protocol,
		Version:         version,
		Host:            cfg.Gateway.Host,
		Mode:            mode,
		History:         history,
		Snapshots:       snapshots,
		Cache:           cache,
		Telemetry:       telemetry,
		Metrics:         collector,
		Logger:          log,
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()
	if startErr := bridge.Start(ctx); startErr != nil {
		return fmt.Errorf("starting bridge: %w", startErr)
	}

	if cfg.API.Enabled {
		srv, apiErr := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Logger:   log,
			Registry: registry,
			Catalog:  catalog,
			Bridge:   bridge,
			History:  history,
			Metrics:  collector.Handler(),
			Version:  version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if apiErr = srv.Start(ctx); apiErr != nil {
			return fmt.Errorf("starting API server: %w", apiErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient, cacheClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	case runErr := <-bridge.Err():
		log.Error("gateway session ended", "code", tydom.SetupErrorCode(runErr), "error", runErr)
		return fmt.Errorf("gateway session: %w", runErr)
	}

	// Deferred calls run in reverse order: API, bridge, session, Redis,
	// InfluxDB, MQTT, database.
	log.Info("Tydom bridge stopped")
	return nil
}

// pruneStateCache drops Redis entries for devices the warmed registry no
// longer knows about.
func pruneStateCache(ctx context.Context, cache *statecache.Cache, registry *device.Registry, log *logging.Logger) {
	devices := registry.List()
	keep := make([]string, 0, len(devices))
	for _, dev := range devices {
		keep = append(keep, dev.UniqueID())
	}
	removed, err := cache.RemoveAllExcept(ctx, keep)
	if err != nil {
		log.Warn("state cache cleanup failed", "error", err)
		return
	}
	if len(removed) > 0 {
		log.Info("removed stale state cache entries", "count", len(removed))
	}
}

// historyPruner is the part of the history repository retainHistory needs.
type historyPruner interface {
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}

// retainHistory prunes state history older than retention at startup and
// then every historyPruneInterval until ctx is cancelled.
func retainHistory(ctx context.Context, repo historyPruner, retention time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(historyPruneInterval)
	defer ticker.Stop()

	for {
		deleted, err := repo.PruneHistory(ctx, retention)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("state history pruning failed", "error", err)
		case deleted > 0:
			log.Info("pruned state history", "rows", deleted, "retention", retention.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// getConfigPath returns the configuration file path.
// Uses TYDOMBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("TYDOMBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// setupParams collects the gateway setup values from the configuration.
func setupParams(cfg *config.Config) tydom.SetupParams {
	return tydom.SetupParams{
		Host:          cfg.Gateway.Host,
		MAC:           tydom.NormalizeMAC(cfg.Gateway.MAC),
		Password:      cfg.Gateway.Password,
		Email:         cfg.Cloud.Email,
		CloudPassword: cfg.Cloud.Password,
	}
}

// gatewayMode resolves the configured mode; auto picks remote only for the
// mediation host.
func gatewayMode(g config.GatewayConfig) tydom.Mode {
	switch g.Mode {
	case config.GatewayModeLocal:
		return tydom.ModeLocal
	case config.GatewayModeRemote:
		return tydom.ModeRemote
	default:
		return tydom.ModeForHost(g.Host)
	}
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient and cacheClient may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, cacheClient *statecache.Cache) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if cacheClient != nil {
		if err := cacheClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}

	// The gateway session is verified by Dial and the bridge bootstrap.
	return nil
}
