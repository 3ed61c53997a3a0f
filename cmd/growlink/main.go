// Growlink Core - device telemetry and command gateway for agricultural controllers.
//
// This is the main entry point. It wires the gateway components, the
// optional infrastructure (MQTT, InfluxDB, SQLite audit trail) and the
// HTTP/WebSocket API, then runs until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nerrad567/growlink-core/internal/api"
	"github.com/nerrad567/growlink-core/internal/audit"
	"github.com/nerrad567/growlink-core/internal/bridges/mqttdevice"
	"github.com/nerrad567/growlink-core/internal/broadcast"
	"github.com/nerrad567/growlink-core/internal/command"
	"github.com/nerrad567/growlink-core/internal/device"
	"github.com/nerrad567/growlink-core/internal/gateway"
	"github.com/nerrad567/growlink-core/internal/infrastructure/config"
	"github.com/nerrad567/growlink-core/internal/infrastructure/database"
	"github.com/nerrad567/growlink-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/growlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/growlink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/growlink-core/internal/metrics"
	"github.com/nerrad567/growlink-core/internal/projection"
	"github.com/nerrad567/growlink-core/internal/telemetry"
	"github.com/nerrad567/growlink-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds how long the audit writer may take to flush.
const shutdownTimeout = 5 * time.Second

// errVersionRequested ends run early after printing the version.
var errVersionRequested = errors.New("version requested")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, errVersionRequested) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options are the command-line flags.
type options struct {
	configPath string
	version    bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("growlink", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file (env GROWLINK_CONFIG)")
	fs.BoolVar(&opts.version, "version", false, "print version information and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, fmt.Errorf("parsing flags: %w", err)
	}
	if opts.configPath == "" {
		opts.configPath = getConfigPath()
	}
	return opts, nil
}

// getConfigPath returns the configuration file path.
// Uses GROWLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GROWLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context, args []string) error { //nolint:gocognit,gocyclo // startup wiring of optional infrastructure
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.version {
		fmt.Printf("growlink %s (commit %s, built %s)\n", version, commit, date)
		return errVersionRequested
	}

	log := logging.Default()
	log.Info("starting Growlink Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", opts.configPath,
		"site", cfg.Site.ID,
		"devices", len(cfg.Devices),
	)

	// Audit trail (optional)
	var (
		db       *database.DB
		auditRep audit.Repository
		recorder *audit.Recorder
	)
	if cfg.Database.Enabled {
		db, err = database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: time.Duration(cfg.Database.BusyTimeout) * time.Second,
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
		if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("database ready", "path", cfg.Database.Path)

		auditRep = audit.NewSQLiteRepository(db.DB)
		recorder = audit.NewRecorder(auditRep, cfg.Gateway.AuditBuffer, log.Component("audit"))
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if closeErr := recorder.Close(flushCtx); closeErr != nil {
				log.Error("audit writer did not drain", "error", closeErr, "dropped", recorder.Dropped())
			}
		}()
	} else {
		log.Info("audit database disabled")
	}

	// Time-series mirror (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Gateway core
	collector := metrics.New()
	svc, err := buildGateway(cfg, log, collector, influxClient, recorder)
	if err != nil {
		return err
	}
	defer svc.Close()
	if watchErr := collector.WatchStats(svc); watchErr != nil {
		return fmt.Errorf("registering gauges: %w", watchErr)
	}

	// MQTT device transport (optional)
	var (
		mqttClient *mqtt.Client
		bridge     *mqttdevice.Bridge
	)
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(ctx, cfg.MQTT, log.Component("mqtt"))
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
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

		bridge, err = mqttdevice.New(mqttdevice.Options{
			Client:  mqttClient,
			Gateway: svc,
			QoS:     byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0..2
			Breaker: mqttdevice.BreakerConfig{
				MaxFailures: cfg.MQTT.Breaker.MaxFailures,
				OpenFor:     cfg.MQTT.Breaker.OpenFor,
			},
			Logger: log.Component("mqttdevice"),
		})
		if err != nil {
			return fmt.Errorf("creating MQTT device bridge: %w", err)
		}
		svc.SetPusher(bridge)
		if startErr := bridge.Start(ctx); startErr != nil {
			return fmt.Errorf("starting MQTT device bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping MQTT device bridge")
			bridge.Stop()
		}()
	} else {
		log.Info("MQTT disabled, devices use HTTP and WebSocket only")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	// HTTP and WebSocket API
	apiDeps := api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Logger:     log.Component("api"),
		Gateway:    svc,
		AuditRepo:  auditRep,
		Prometheus: collector.Handler(),
		Version:    version,
	}
	if mqttClient != nil {
		apiDeps.MQTT = mqttClient
		apiDeps.Bridge = bridge
	}
	if db != nil {
		apiDeps.DB = db.DB
	}
	server, err := api.New(apiDeps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	go svc.Run(ctx)

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API, MQTT bridge and client,
	// gateway, InfluxDB, audit writer, database.
	return nil
}

// buildGateway assembles the gateway core from configuration.
func buildGateway(
	cfg *config.Config,
	log *logging.Logger,
	collector *metrics.Collector,
	influxClient *influxdb.Client,
	recorder *audit.Recorder,
) (*gateway.Service, error) {
	registry := device.NewRegistry(cfg.DeviceGroups())
	registry.SetLogger(log.Component("device"))

	store, err := telemetry.NewStore(cfg.Gateway.HistoryCapacity)
	if err != nil {
		return nil, fmt.Errorf("creating telemetry store: %w", err)
	}

	queue := command.NewQueue(command.Config{
		Timeout:           cfg.Gateway.CommandTimeout,
		DefaultDurationMS: cfg.Gateway.DefaultDurationMS,
	})
	queue.SetLogger(log.Component("command"))

	events := broadcast.New(cfg.Gateway.SubscriberBuffer)
	events.SetLogger(log.Component("broadcast"))
	events.OnDrop(collector.EventDropped)

	deps := gateway.Deps{
		Registry:  registry,
		Store:     store,
		Queue:     queue,
		Projector: projection.NewProjector(),
		Events:    events,
		Metrics:   collector,
		Logger:    log.Component("gateway"),
	}
	// Typed nil pointers must not reach the interface fields.
	if influxClient != nil {
		deps.Sink = influxClient
	}
	if recorder != nil {
		deps.Auditor = recorder
	}

	svc, err := gateway.New(deps, gateway.Config{
		CommandRetention:   cfg.Gateway.CommandRetention,
		SweepInterval:      cfg.Gateway.SweepInterval,
		StaleAfter:         cfg.Gateway.StaleAfter,
		StaleCheckInterval: cfg.Gateway.StaleCheckInterval,
		PushOnSubmit:       cfg.Gateway.PushOnSubmit,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gateway: %w", err)
	}
	return svc, nil
}

// healthCheck verifies every enabled infrastructure connection.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
