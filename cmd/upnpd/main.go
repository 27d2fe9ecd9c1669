// upnpd - UPnP device host and control point
//
// This is the main entry point of the upnpd daemon. upnpd:
//   - Hosts local UPnP devices (BinaryLights from configuration)
//   - Discovers remote devices over SSDP and subscribes to their events
//   - Records what it observes in a SQLite journal and InfluxDB
//   - Relays device presence and events over MQTT and a WebSocket stream
//
// Configuration is read from configs/upnpd.yaml, or the file named by
// UPNPD_CONFIG. Without a file the built-in defaults are used.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-upnp/internal/api"
	"github.com/nerrad567/gray-logic-upnp/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-upnp/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-upnp/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-upnp/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-upnp/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-upnp/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-upnp/internal/journal"
	"github.com/nerrad567/gray-logic-upnp/internal/monitor"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/controlpoint"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/devices"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/header"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/model"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/protocol"
	"github.com/nerrad567/gray-logic-upnp/internal/upnp/transport"
	"github.com/nerrad567/gray-logic-upnp/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	// defaultConfigPath is used when UPNPD_CONFIG is not set.
	defaultConfigPath = "configs/upnpd.yaml"

	// shutdownTimeout bounds byebye notifications and unsubscribes on exit.
	shutdownTimeout = 10 * time.Second
)

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // startup wiring: one block per optional integration
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting upnpd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath, explicit := getConfigPath()
	cfg, err := loadConfig(configPath, explicit)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	promMetrics := metrics.New()
	health := make(map[string]api.HealthChecker)

	svc := upnp.New(serviceConfig(cfg), transport.NewNetworkTransportFactory(
		transportConfig(cfg), log.Component("transport"), promMetrics))
	svc.SetLogger(log.Component("upnp"))
	svc.SetObserver(promMetrics)

	mon := monitor.New(monitorConfig(cfg), svc.Registry(), svc.ControlPoint())
	mon.SetLogger(log.Component("monitor"))
	mon.AddSink(monitor.NewMetricsSink(promMetrics))
	mon.AddCountsRecorder(promMetrics.SetRegistryCounts)
	svc.Registry().AddListener(mon.Listener())

	// Open the journal (optional)
	var repo journal.Repository
	if cfg.Database.Enabled {
		db, dbErr := database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if dbErr != nil {
			return fmt.Errorf("opening database: %w", dbErr)
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

		sqlRepo := journal.NewSQLiteRepository(db.DB)
		repo = sqlRepo
		mon.AddSink(monitor.NewJournalSink(sqlRepo))
		mon.SetPruner(sqlRepo)
		health["database"] = db
	} else {
		log.Info("journal disabled")
	}

	// Connect to MQTT broker (optional)
	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		mon.AddSink(monitor.NewMQTTSink(mqttClient))
		//nolint:gosec // QoS is validated to 0..2 by config.Validate
		if subErr := mqttClient.Subscribe(mqtt.Topics{}.CommandSearch(), byte(cfg.MQTT.QoS), mon.HandleSearchCommand); subErr != nil {
			return fmt.Errorf("subscribing to search commands: %w", subErr)
		}
		health["mqtt"] = mqttClient
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		mon.AddSink(monitor.NewInfluxSink(influxClient))
		mon.AddCountsRecorder(influxClient.WriteRegistryCounts)
		health["influxdb"] = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	// Host configured devices
	if err := addLocalDevices(svc, cfg.Devices); err != nil {
		return err
	}

	// Start the status API (optional)
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:    cfg.API,
			WS:        cfg.WebSocket,
			Metrics:   cfg.Metrics,
			Logger:    log.Component("api"),
			Registry:  svc.Registry(),
			Searcher:  mon,
			Invoker:   svc.ControlPoint(),
			Journal:   repo,
			Health:    health,
			Version:   version,
			StartedAt: time.Now(),
		}
		if cfg.Metrics.Enabled {
			deps.Scrape = promMetrics.Handler()
		}
		server, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		mon.AddSink(server.Hub())
	} else {
		log.Info("API disabled")
	}

	// Verify all connections are healthy
	if err := healthCheck(ctx, health); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	mon.Start(ctx)
	if err := svc.Start(ctx); err != nil {
		mon.Wait()
		return fmt.Errorf("starting UPnP service: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"local_devices", len(svc.Registry().LocalDevices()),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// The service announces byebye and ends subscriptions while the sinks
	// are still open; deferred closes run afterwards in reverse order.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Warn("UPnP service shutdown incomplete", "error", err)
	}
	mon.Wait()

	log.Info("upnpd stopped")
	return nil
}

// getConfigPath returns the configuration file path and whether it was set
// explicitly through UPNPD_CONFIG.
func getConfigPath() (string, bool) {
	if path := os.Getenv("UPNPD_CONFIG"); path != "" {
		return path, true
	}
	return defaultConfigPath, false
}

// loadConfig loads the file at path. A missing default file falls back to
// the built-in defaults; an explicitly named file must exist.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return config.Default()
	}
	return nil, err
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	for name, c := range checks {
		if err := c.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// addLocalDevices builds and registers the configured devices.
func addLocalDevices(svc *upnp.Service, cfg config.DevicesConfig) error {
	for _, l := range cfg.BinaryLights {
		light, err := devices.NewBinaryLight(l.Name, model.DeviceDetails{FriendlyName: l.FriendlyName}, nil)
		if err != nil {
			return fmt.Errorf("building binary light %q: %w", l.Name, err)
		}
		if err := svc.AddLocalDevice(light); err != nil {
			return fmt.Errorf("adding binary light %q: %w", l.Name, err)
		}
	}
	return nil
}

// serviceConfig maps the configuration onto the UPnP service settings.
func serviceConfig(cfg *config.Config) upnp.Config {
	return upnp.Config{
		Protocol: protocol.Config{
			Server:     header.DefaultServer(cfg.Node.Product, cfg.Node.Version),
			Namespace:  model.NewNamespace(cfg.Node.BasePath),
			BulkRepeat: cfg.Discovery.BulkRepeat,
			EventWait:  cfg.GetEventWait(),
		},
		ControlPoint: controlpoint.Config{
			SearchMX:             cfg.Discovery.SearchMX,
			SubscriptionDuration: cfg.GetSubscriptionDuration(),
		},
		LockTimeout:         cfg.GetLockTimeout(),
		MaxAge:              cfg.Discovery.MaxAge,
		AliveInterval:       cfg.GetAliveInterval(),
		MaintenanceInterval: cfg.GetMaintenanceInterval(),
		RenewalMargin:       cfg.GetRenewalMargin(),
		SearchOnStart:       cfg.Discovery.SearchOnStart,
	}
}

// transportConfig maps the configuration onto the network transport
// settings.
func transportConfig(cfg *config.Config) transport.Config {
	return transport.Config{
		Interfaces:       cfg.Network.Interfaces,
		IncludeLoopback:  cfg.Network.IncludeLoopback,
		MulticastAddress: cfg.Network.MulticastAddress,
		MulticastPort:    cfg.Network.MulticastPort,
		MulticastTTL:     cfg.Network.MulticastTTL,
		StreamPort:       cfg.Network.StreamPort,
		ConnectTimeout:   cfg.GetConnectTimeout(),
		ReadTimeout:      cfg.GetReadTimeout(),
		MaxBodySize:      cfg.HTTP.MaxBodySize,
		Workers:          cfg.Workers.Count,
		QueueSize:        cfg.Workers.QueueSize,
		UserAgent:        header.DefaultServer(cfg.Node.Product, cfg.Node.Version).String(),
	}
}

// monitorConfig maps the configuration onto the monitor settings.
func monitorConfig(cfg *config.Config) monitor.Config {
	return monitor.Config{
		AutoSubscribe:        cfg.GENA.AutoSubscribe,
		SubscriptionDuration: cfg.GetSubscriptionDuration(),
		StatsInterval:        cfg.GetStatsInterval(),
		Retention:            cfg.GetRetention(),
		SearchMX:             cfg.Discovery.SearchMX,
	}
}
