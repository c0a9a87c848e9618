// DCP Core - authentication, role hierarchy and audit backend.
//
// This is the main entry point. It loads configuration, migrates the
// database, seeds the first root account, connects the optional fan-out
// adapters and serves the HTTP API until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/dcp-core/migrations"

	"github.com/nerrad567/dcp-core/internal/api"
	"github.com/nerrad567/dcp-core/internal/audit"
	"github.com/nerrad567/dcp-core/internal/auth"
	"github.com/nerrad567/dcp-core/internal/gateway"
	"github.com/nerrad567/dcp-core/internal/infrastructure/amqp"
	"github.com/nerrad567/dcp-core/internal/infrastructure/config"
	"github.com/nerrad567/dcp-core/internal/infrastructure/database"
	"github.com/nerrad567/dcp-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/dcp-core/internal/infrastructure/logging"
	"github.com/nerrad567/dcp-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/dcp-core/internal/infrastructure/ratelimit"
	"github.com/nerrad567/dcp-core/internal/session"
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
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// adapters collects the optional fan-out components that came up.
type adapters struct {
	publishers []audit.Publisher
	observers  []session.Observer
	health     map[string]api.HealthChecker
	closers    []func()
}

func (a *adapters) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting DCP Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(ctx, database.Config{
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

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	if vocabErr := auth.ValidateRoleVocabulary(ctx, db); vocabErr != nil {
		return fmt.Errorf("checking roles: %w", vocabErr)
	}
	log.Info("database migrations complete")

	users := auth.NewUserStore(nil)
	hasher := auth.NewHasher(auth.HasherParams{})
	if seedErr := seedRoot(ctx, cfg, db, users, hasher, log); seedErr != nil {
		return seedErr
	}

	ad := connectAdapters(ctx, cfg, log)
	defer ad.close()

	notifier := audit.NewNotifier(log.Logger, ad.publishers...)
	gw, err := gateway.New(gateway.Deps{
		DB:                         db,
		Users:                      users,
		Audit:                      audit.NewStore(nil),
		Hasher:                     hasher,
		Tokens:                     auth.NewTokenIssuer(cfg.Security.JWT.Secret, cfg.AccessTokenTTL(), cfg.RefreshTokenTTL(), nil),
		Sessions:                   session.NewRecorder(db, nil, ad.observers...),
		Notifier:                   notifier,
		Logger:                     log,
		AllowAnonymousRegistration: cfg.Security.Registration.AllowAnonymous,
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	limiter, closeLimiter := connectLimiter(ctx, cfg, log)
	defer closeLimiter()

	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log,
		Gateway:  gw,
		DB:       db,
		Limiter:  limiter,
		Adapters: ad.health,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if cfg.WebSocket.Enabled {
		notifier.Add(server.Hub())
	}
	notifier.Start()
	defer notifier.Close()

	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	return nil
}

// getConfigPath returns the configuration file path.
// Uses DCP_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DCP_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// seedRoot creates the bootstrap root account when the users table is empty.
func seedRoot(ctx context.Context, cfg *config.Config, db *database.DB, users *auth.UserStore, hasher *auth.Hasher, log *logging.Logger) error {
	seed := auth.RootSeed{
		Username: cfg.Bootstrap.RootUsername,
		Email:    cfg.Bootstrap.RootEmail,
		Password: cfg.Bootstrap.RootPassword,
	}
	err := database.WithTx(ctx, db, nil, func(ctx context.Context, tx database.DBTX) error {
		_, err := auth.SeedRoot(ctx, tx, users, hasher, seed, log.Logger)
		return err
	})
	if err != nil {
		return fmt.Errorf("seeding root account: %w", err)
	}
	return nil
}

// connectAdapters brings up the enabled fan-out adapters. An adapter that
// cannot connect is logged and left out; the service runs without it.
func connectAdapters(ctx context.Context, cfg *config.Config, log *logging.Logger) *adapters {
	ad := &adapters{health: make(map[string]api.HealthChecker)}

	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			log.Warn("MQTT unavailable, audit events will not be published there", "error", err)
		} else {
			client.SetLogger(log)
			ad.publishers = append(ad.publishers, client)
			ad.health["mqtt"] = client
			ad.closers = append(ad.closers, func() {
				log.Info("disconnecting from MQTT")
				if closeErr := client.Close(); closeErr != nil {
					log.Error("error closing MQTT", "error", closeErr)
				}
			})
			log.Info("MQTT connected",
				"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
				"client_id", cfg.MQTT.Broker.ClientID,
			)
		}
	}

	if cfg.AMQP.Enabled {
		pub, err := amqp.Dial(ctx, cfg.AMQP)
		if err != nil {
			log.Warn("AMQP unavailable, audit events will not be queued", "error", err)
		} else {
			ad.publishers = append(ad.publishers, pub)
			ad.health["amqp"] = pub
			ad.closers = append(ad.closers, func() {
				log.Info("closing AMQP publisher")
				if closeErr := pub.Close(); closeErr != nil {
					log.Error("error closing AMQP", "error", closeErr)
				}
			})
			log.Info("AMQP connected", "queue", cfg.AMQP.Queue)
		}
	}

	if cfg.InfluxDB.Enabled {
		influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			log.Warn("InfluxDB unavailable, login telemetry disabled", "error", err)
		} else {
			influxClient.SetOnError(func(writeErr error) {
				log.Error("InfluxDB write error", "error", writeErr)
			})
			ad.publishers = append(ad.publishers, influxClient)
			ad.observers = append(ad.observers, influxClient)
			ad.health["influxdb"] = influxClient
			ad.closers = append(ad.closers, func() {
				log.Info("closing InfluxDB connection")
				if closeErr := influxClient.Close(); closeErr != nil {
					log.Error("error closing InfluxDB", "error", closeErr)
				}
			})
			log.Info("InfluxDB connected",
				"url", cfg.InfluxDB.URL,
				"org", cfg.InfluxDB.Org,
				"bucket", cfg.InfluxDB.Bucket,
			)
		}
	} else {
		log.Info("InfluxDB disabled")
	}

	return ad
}

// connectLimiter returns the Redis-backed limiter, or nil when rate
// limiting is disabled or Redis is unreachable.
func connectLimiter(ctx context.Context, cfg *config.Config, log *logging.Logger) (api.RateLimiter, func()) {
	rl := cfg.Security.RateLimit
	if !rl.Enabled {
		log.Info("rate limiting disabled")
		return nil, func() {}
	}

	rdb, err := ratelimit.Connect(ctx, rl.Redis)
	if err != nil {
		log.Warn("Redis unavailable, rate limiting disabled", "error", err)
		return nil, func() {}
	}
	log.Info("rate limiting enabled",
		"redis", rl.Redis.Addr,
		"requests_per_minute", rl.RequestsPerMinute,
		"burst", rl.Burst,
	)
	return ratelimit.New(rdb, rl.RequestsPerMinute, rl.Burst), func() {
		if closeErr := rdb.Close(); closeErr != nil {
			log.Error("error closing Redis", "error", closeErr)
		}
	}
}
