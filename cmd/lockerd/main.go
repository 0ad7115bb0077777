// Locker Core - Locker Bank Controller
//
// This is the main entry point for the Locker Core daemon. Locker Core
// drives a bank of electronic lockers over an RS-485 relay bus:
//   - Offline-first operation (assignments keep working without broker
//     or internet connectivity)
//   - Crash-safe state machine backed by SQLite
//   - Open hardware interface (Modbus RTU relay boards)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/kioskworks/locker-core/migrations"

	"github.com/kioskworks/locker-core/internal/api"
	"github.com/kioskworks/locker-core/internal/assign"
	"github.com/kioskworks/locker-core/internal/command"
	"github.com/kioskworks/locker-core/internal/eventbus"
	"github.com/kioskworks/locker-core/internal/infrastructure/config"
	"github.com/kioskworks/locker-core/internal/infrastructure/database"
	"github.com/kioskworks/locker-core/internal/infrastructure/influxdb"
	"github.com/kioskworks/locker-core/internal/infrastructure/logging"
	"github.com/kioskworks/locker-core/internal/infrastructure/mqtt"
	"github.com/kioskworks/locker-core/internal/locker"
	"github.com/kioskworks/locker-core/internal/relay"
	"github.com/kioskworks/locker-core/internal/telemetry"
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
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Locker Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
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

	kioskID := cfg.Site.ID

	// Open database
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
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Build the hardware mapping from zone configuration
	zones, err := buildZones(cfg.Zones)
	if err != nil {
		return fmt.Errorf("building zones: %w", err)
	}
	mapping, err := relay.NewMapping(zones)
	if err != nil {
		return fmt.Errorf("building hardware mapping: %w", err)
	}
	holder := relay.NewHolder(mapping)
	ids := lockerIDs(zones)
	log.Info("hardware mapping built",
		"zones", len(zones),
		"lockers", len(ids),
	)

	// Create the relay bus transport. The handle opens lazily on the
	// first pulse, so a disconnected bus does not block startup.
	transport, err := relay.NewTransport(relay.Config{
		Connection:      cfg.Bus.Connection,
		BaudRate:        cfg.Bus.BaudRate,
		ResponseTimeout: time.Duration(cfg.Bus.ResponseTimeout) * time.Millisecond,
		InterCommandGap: time.Duration(cfg.Bus.InterCommandGap) * time.Millisecond,
		RetryAttempts:   cfg.Bus.RetryAttempts,
		RetryDelay:      time.Duration(cfg.Bus.RetryDelay) * time.Millisecond,
		StaleAfter:      time.Duration(cfg.Bus.StaleAfter) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("creating bus transport: %w", err)
	}
	transport.SetLogger(log)
	defer func() {
		log.Info("closing bus transport")
		if closeErr := transport.Close(); closeErr != nil {
			log.Error("error closing bus transport", "error", closeErr)
		}
	}()

	controller := relay.NewController(transport, holder, relay.ControllerConfig{
		PulseDuration:    cfg.GetPulseDuration(),
		VerifyAfterPulse: cfg.Relay.VerifyAfterPulse,
	})
	controller.SetLogger(log)
	log.Info("relay controller ready",
		"connection", cfg.Bus.Connection,
		"pulse_duration", cfg.GetPulseDuration(),
	)

	// In-process event bus carries committed transitions to the API's
	// WebSocket relay and the telemetry publisher.
	bus := eventbus.New(0)
	defer bus.Close()

	// Locker state manager
	lockerRepo := locker.NewSQLiteRepository(db.DB)
	eventRepo := locker.NewSQLiteEventRepository(db.DB)
	manager := locker.NewManager(lockerRepo, eventRepo,
		locker.WithEventSink(bus),
		locker.WithReservationTTL(cfg.GetReservationTTL()),
		locker.WithLogger(log),
	)

	// Provision lockers declared in config. Existing rows are left
	// untouched, so restarts never reset state.
	provisioned, err := lockerRepo.Provision(ctx, kioskID, ids, vipSet(cfg.Assignment.VIPLockers))
	if err != nil {
		return fmt.Errorf("provisioning lockers: %w", err)
	}
	if provisioned > 0 {
		log.Info("lockers provisioned", "count", provisioned)
	}

	// Resolve lockers stranded mid-pulse by a crash
	recovered, err := manager.RecoverOpening(ctx, kioskID)
	if err != nil {
		return fmt.Errorf("recovering opening lockers: %w", err)
	}
	if recovered > 0 {
		log.Warn("recovered lockers stranded in opening", "count", recovered)
	}

	// Assignment orchestrator
	assigner := assign.New(manager, controller, holder, assign.Config{
		DefaultMode: assign.Mode(cfg.Assignment.DefaultMode),
		Modes:       assignmentModes(cfg.Assignment.Modes),
	})
	assigner.SetLogger(log)

	// Durable command queue
	commandRepo := command.NewSQLiteRepository(db.DB)
	mux := command.NewMux()
	registerCommandHandlers(mux, kioskID, manager, assigner, controller, log)

	worker := command.NewWorker(command.WorkerConfig{
		KioskID:       kioskID,
		PollInterval:  time.Duration(cfg.Commands.PollInterval) * time.Millisecond,
		BackoffBase:   time.Duration(cfg.Commands.BackoffBase) * time.Millisecond,
		BackoffCap:    time.Duration(cfg.Commands.BackoffCap) * time.Millisecond,
		PurgeInterval: time.Duration(cfg.Commands.PurgeInterval) * time.Second,
		Retention:     time.Duration(cfg.Commands.Retention) * time.Hour,
	}, commandRepo, mux)
	worker.SetLogger(log)
	worker.Start(ctx)
	defer func() {
		log.Info("stopping command worker")
		worker.Stop()
	}()
	log.Info("command worker started")

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
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

		// Inbound commands from the broker land in the same durable
		// queue as API commands.
		if subErr := subscribeCommands(mqttClient, commandRepo, kioskID, byte(cfg.MQTT.QoS), log); subErr != nil {
			return fmt.Errorf("subscribing to command topic: %w", subErr)
		}
	} else {
		log.Info("MQTT disabled, running standalone")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Telemetry publisher bridges committed transitions to the outbound
	// sinks. Only started when at least one sink is configured.
	if mqttClient != nil || influxClient != nil {
		sub := bus.Subscribe()
		opts := telemetry.Options{
			KioskID: kioskID,
			QoS:     byte(cfg.MQTT.QoS),
			Events:  sub.Events(),
			States:  manager,
			Logger:  log,
		}
		// Assign sinks individually: a nil *Client inside a non-nil
		// interface would defeat the publisher's nil checks.
		if mqttClient != nil {
			opts.Broker = mqttClient
		}
		if influxClient != nil {
			opts.Points = influxClient
		}
		go telemetry.New(opts).Run(ctx)
		log.Info("telemetry publisher started",
			"mqtt", mqttClient != nil,
			"influxdb", influxClient != nil,
		)
	}

	// Reservation expiry sweep. The command queue can also trigger a
	// sweep on demand; this ticker is the steady-state safety net.
	go expireLoop(ctx, manager, kioskID, cfg.GetReservationTTL(), log)

	// HTTP API server
	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		KioskID:  kioskID,
		Logger:   log,
		Lockers:  manager,
		Assigner: assigner,
		Commands: commandRepo,
		Events:   bus,
		Bus:      transport,
		Health:   healthAggregator(db, mqttClient, influxClient),
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started",
		"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		"tls", cfg.API.TLS.Enabled,
	)

	// Verify infrastructure connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server (stops accepting requests)
	// 2. InfluxDB / MQTT (if enabled)
	// 3. Command worker (finishes the in-flight command)
	// 4. Bus transport
	// 5. Database

	log.Info("Locker Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses LOCKERCORE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("LOCKERCORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// buildZones converts zone configuration into relay zones, validating
// board addresses against the Modbus slave address range.
//
// Parameters:
//   - zones: Zone entries from config.yaml
//
// Returns:
//   - []relay.Zone: Converted zones ready for mapping construction
//   - error: If a board address is outside 1-247
func buildZones(zones []config.ZoneConfig) ([]relay.Zone, error) {
	out := make([]relay.Zone, 0, len(zones))
	for _, z := range zones {
		boards := make([]byte, 0, len(z.Boards))
		for _, b := range z.Boards {
			if b < 1 || b > 247 {
				return nil, fmt.Errorf("zone %q: board address %d outside 1-247", z.Name, b)
			}
			boards = append(boards, byte(b))
		}
		out = append(out, relay.Zone{
			Name:             z.Name,
			FirstLocker:      z.FirstLocker,
			LastLocker:       z.LastLocker,
			Boards:           boards,
			ChannelsPerBoard: z.ChannelsPerBoard,
		})
	}
	return out, nil
}

// lockerIDs flattens the zone ranges into the full list of locker ids
// this site serves.
func lockerIDs(zones []relay.Zone) []int {
	var ids []int
	for _, z := range zones {
		for id := z.FirstLocker; id <= z.LastLocker; id++ {
			ids = append(ids, id)
		}
	}
	return ids
}

// vipSet converts the configured VIP locker list to a lookup set.
func vipSet(ids []int) map[int]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[int]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// assignmentModes converts config mode strings to typed modes.
func assignmentModes(modes map[string]string) map[string]assign.Mode {
	if len(modes) == 0 {
		return nil
	}
	out := make(map[string]assign.Mode, len(modes))
	for kiosk, mode := range modes {
		out[kiosk] = assign.Mode(mode)
	}
	return out
}

// registerCommandHandlers binds the queue's command types to their
// executors. Handler errors become command retry state, never crashes.
func registerCommandHandlers(
	mux *command.Mux,
	kioskID string,
	manager *locker.Manager,
	assigner *assign.Orchestrator,
	controller *relay.Controller,
	log *logging.Logger,
) {
	mux.Register(command.TypeOpenLocker, func(ctx context.Context, cmd *command.Command) error {
		id, err := payloadInt(cmd, "locker_id")
		if err != nil {
			return err
		}
		ownerKey, _ := cmd.Payload["owner_key"].(string)
		_, err = assigner.Open(ctx, kioskID, id, ownerKey)
		return err
	})

	mux.Register(command.TypePulseChannel, func(ctx context.Context, cmd *command.Command) error {
		id, err := payloadInt(cmd, "locker_id")
		if err != nil {
			return err
		}
		zone, _ := cmd.Payload["zone"].(string)
		return controller.Pulse(ctx, id, zone)
	})

	mux.Register(command.TypeExpireReservations, func(ctx context.Context, _ *command.Command) error {
		expired, err := manager.ExpireReservations(ctx, kioskID)
		if err != nil {
			return err
		}
		if expired > 0 {
			log.Info("reservations expired by command", "count", expired)
		}
		return nil
	})
}

// payloadInt extracts an integer payload field. JSON numbers decode as
// float64, so the value is converted and validated.
func payloadInt(cmd *command.Command, key string) (int, error) {
	v, ok := cmd.Payload[key].(float64)
	if !ok {
		return 0, fmt.Errorf("command %s: payload field %q missing or not a number", cmd.CommandID, key)
	}
	id := int(v)
	if id < 1 {
		return 0, fmt.Errorf("command %s: payload field %q must be positive", cmd.CommandID, key)
	}
	return id, nil
}

// commandMessage is the JSON envelope accepted on the MQTT command topic.
type commandMessage struct {
	CommandID  string         `json:"command_id"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
}

// subscribeCommands wires the MQTT command topic into the durable queue.
// Malformed messages are logged and dropped; the broker is untrusted
// input and must never crash the controller.
func subscribeCommands(client *mqtt.Client, repo command.Repository, kioskID string, qos byte, log *logging.Logger) error {
	topic := mqtt.Topics{}.Command(kioskID)
	return client.Subscribe(topic, qos, func(_ string, payload []byte) error {
		var msg commandMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Warn("dropping malformed command message", "error", err)
			return nil
		}
		if msg.CommandID == "" || msg.Type == "" {
			log.Warn("dropping command message without id or type")
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		created, err := repo.Enqueue(ctx, &command.Command{
			CommandID:  msg.CommandID,
			KioskID:    kioskID,
			Type:       msg.Type,
			Payload:    msg.Payload,
			MaxRetries: msg.MaxRetries,
		})
		if err != nil {
			log.Error("enqueuing MQTT command", "command_id", msg.CommandID, "error", err)
			return err
		}
		if created {
			log.Info("command enqueued from MQTT", "command_id", msg.CommandID, "type", msg.Type)
		}
		return nil
	})
}

// expireLoop sweeps stale reservations back to Free on a fixed cadence.
// The sweep interval is half the TTL so a reservation is never stale for
// longer than 1.5x its TTL.
func expireLoop(ctx context.Context, manager *locker.Manager, kioskID string, ttl time.Duration, log *logging.Logger) {
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := manager.ExpireReservations(ctx, kioskID)
			if err != nil {
				log.Error("reservation expiry sweep failed", "error", err)
				continue
			}
			if expired > 0 {
				log.Info("stale reservations expired", "count", expired)
			}
		}
	}
}

// healthAggregator builds the per-component health map served by
// GET /health. Disabled components are omitted rather than reported.
func healthAggregator(db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) func(ctx context.Context) map[string]string {
	return func(ctx context.Context) map[string]string {
		components := make(map[string]string)

		if err := db.HealthCheck(ctx); err != nil {
			components["database"] = err.Error()
		} else {
			components["database"] = "ok"
		}

		if mqttClient != nil {
			if err := mqttClient.HealthCheck(ctx); err != nil {
				components["mqtt"] = err.Error()
			} else {
				components["mqtt"] = "ok"
			}
		}

		if influxClient != nil {
			if err := influxClient.HealthCheck(ctx); err != nil {
				components["influxdb"] = err.Error()
			} else {
				components["influxdb"] = "ok"
			}
		}

		return components
	}
}

// healthCheck verifies infrastructure connections at startup.
//
// The relay bus is deliberately excluded: it opens lazily on the first
// pulse, and a dead bus degrades service rather than blocking startup.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
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
