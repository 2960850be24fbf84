// Command knxgateway bridges asset attributes to KNX group addresses.
//
// It loads gateway configurations and attribute links from SQLite, keeps
// one shared KNXnet/IP connection per endpoint, relays attribute writes
// from MQTT and the HTTP API onto the bus, and publishes bus values back
// to MQTT, InfluxDB and WebSocket subscribers.
//
// Usage:
//
//	knxgateway                              run the gateway
//	knxgateway token -role admin -subject x issue an API token
//	knxgateway migrate status               show applied and pending migrations
//	knxgateway migrate up                   apply pending migrations
//	knxgateway migrate rollback -steps 1    revert the latest migrations
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/knx-gateway/migrations"

	"github.com/nerrad567/knx-gateway/internal/agent"
	"github.com/nerrad567/knx-gateway/internal/api"
	"github.com/nerrad567/knx-gateway/internal/audit"
	"github.com/nerrad567/knx-gateway/internal/gateway"
	"github.com/nerrad567/knx-gateway/internal/infrastructure/config"
	"github.com/nerrad567/knx-gateway/internal/infrastructure/database"
	"github.com/nerrad567/knx-gateway/internal/infrastructure/influxdb"
	"github.com/nerrad567/knx-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/knx-gateway/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch {
	case len(os.Args) > 1 && os.Args[1] == "token":
		err = issueToken(os.Args[2:], os.Stdout)
	case len(os.Args) > 1 && os.Args[1] == "migrate":
		err = migrate(ctx, os.Args[2:], os.Stdout)
	default:
		err = run(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Deferred cleanups run in reverse start order on shutdown.
func run(ctx context.Context) error { //nolint:funlen,gocognit // linear startup sequence
	log := logging.Default()
	log.Info("starting KNX gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := config.Path()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"seeds", len(cfg.Configurations),
	)

	// Database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	// MQTT
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
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// InfluxDB (optional)
	pubOpts := agent.PublisherOptions{MQTT: mqttClient, Logger: log.Component("publisher")}
	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		pubOpts.History = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}
	publisher := agent.NewPublisher(pubOpts)

	// Engine
	engine, err := gateway.NewEngine(gateway.EngineOptions{
		Factory:    agent.NewConnectionFactory(cfg.Gateway, log.Component("knx")),
		Attributes: publisher,
		Statuses:   publisher,
		Logger:     log.Component("engine"),
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	engine.Start(ctx)
	defer func() {
		log.Info("stopping engine")
		engine.Stop()
	}()

	gw, err := agent.New(agent.Options{
		Engine:     engine,
		Repository: gateway.NewSQLiteRepository(db.DB),
		Subscriber: mqttClient,
		Seeds:      cfg.Configurations,
		Logger:     log.Component("agent"),
	})
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	health := agent.NewHealthReporter(agent.HealthReporterConfig{
		Version:     version,
		Interval:    cfg.GetHealthInterval(),
		Publisher:   mqttClient,
		Connections: engine,
		Logger:      log.Component("health"),
	})

	// API
	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log.Component("api"),
		Gateway:  gw,
		Health:   health,
		Audit:    audit.NewSQLiteRepository(db.DB),
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	publisher.SetBroadcaster(server.Hub())

	if startErr := gw.Start(ctx); startErr != nil {
		return fmt.Errorf("starting agent: %w", startErr)
	}

	health.Start(ctx)
	defer health.Stop()

	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal",
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// healthCheck verifies the infrastructure connections. influxClient may
// be nil when InfluxDB is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
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
	return nil
}
