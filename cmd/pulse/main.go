// Package main provides the relay server binary: the websocket session
// registry, the send entry point, and the administrative registry surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pulserelay/pulse/internal/analytics"
	"github.com/pulserelay/pulse/internal/config"
	"github.com/pulserelay/pulse/internal/httpapi"
	"github.com/pulserelay/pulse/internal/observability"
	"github.com/pulserelay/pulse/internal/opencloud"
	"github.com/pulserelay/pulse/internal/relay"
	"github.com/pulserelay/pulse/internal/server"
	"github.com/pulserelay/pulse/internal/store"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	seedPath := flag.String("seed", "", "optional YAML file of universes to register at startup")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	st, err := openStore(ctx, &cfg, logger)
	if err != nil {
		logger.Fatal("opening store", zap.Error(err))
	}
	defer st.Close()

	if *seedPath != "" {
		if err := seedUniverses(ctx, st, *seedPath, logger); err != nil {
			logger.Fatal("seeding universes", zap.Error(err))
		}
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(promReg)

	publisher := opencloud.NewClient(cfg.OpenCloud, logger)

	api := httpapi.New(httpapi.Deps{
		Config:         &cfg,
		Store:          st,
		Publisher:      publisher,
		Recorder:       analytics.NewLogRecorder(logger),
		Relay:          relay.NewHandler(publisher, metrics, logger),
		Host:           httpapi.NewHost(st, logger),
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		Logger:         logger,
	})

	httpServer := server.NewHTTPServer(cfg.Server, api.Router())

	logger.Info("starting relay server",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Duration("startup", time.Since(start)),
	)

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("http", &server.HTTPService{
		Server:          httpServer,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("lifecycle failed", zap.Error(err))
	}
}

// openStore builds the configured credential store backend.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	key, err := cfg.Encryption.KeyBytes()
	if err != nil {
		return nil, err
	}
	cipher, err := store.NewCipher(key)
	if err != nil {
		return nil, err
	}

	switch cfg.Storage.Backend {
	case config.StorageBackendMemory:
		logger.Warn("using in-memory store, credentials and counters will not survive restarts")
		return store.NewMemoryStore(cipher), nil
	case config.StorageBackendPostgres:
		dbStart := time.Now()
		pool, err := store.NewPool(ctx, cfg.Storage.Database)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		logger.Info("database connected",
			zap.String("host", cfg.Storage.Database.Host),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		return store.NewPostgresStore(pool, cipher), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

type seedEntry struct {
	UniverseID      int64  `yaml:"universeId"`
	OpenCloudAPIKey string `yaml:"openCloudApiKey"`
}

// seedUniverses registers universes from a YAML file, skipping ones that
// already exist. Seeded credentials are not probed upstream.
func seedUniverses(ctx context.Context, st store.Store, path string, logger *zap.Logger) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading seed file: %w", err)
	}

	var entries []seedEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parsing seed file: %w", err)
	}

	for _, e := range entries {
		if e.UniverseID <= 0 || e.OpenCloudAPIKey == "" {
			return fmt.Errorf("invalid seed entry: universeId=%d", e.UniverseID)
		}
		if _, err := st.GetCredential(ctx, e.UniverseID); err == nil {
			logger.Debug("seed universe already registered", zap.Int64("universe_id", e.UniverseID))
			continue
		}
		if err := st.PutCredential(ctx, e.UniverseID, e.OpenCloudAPIKey); err != nil {
			return fmt.Errorf("seeding universe %d: %w", e.UniverseID, err)
		}
		logger.Info("seeded universe", zap.Int64("universe_id", e.UniverseID))
	}
	return nil
}
