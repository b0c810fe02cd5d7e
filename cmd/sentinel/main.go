package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/cache"
	"github.com/raaihank/pii-sentinel/internal/config"
	"github.com/raaihank/pii-sentinel/internal/llm"
	"github.com/raaihank/pii-sentinel/internal/logger"
	"github.com/raaihank/pii-sentinel/internal/pipeline"
	"github.com/raaihank/pii-sentinel/internal/privacy"
	"github.com/raaihank/pii-sentinel/internal/server"
	"github.com/raaihank/pii-sentinel/internal/store"
	"github.com/raaihank/pii-sentinel/internal/vault"
	"github.com/raaihank/pii-sentinel/internal/websocket"
)

var (
	version = server.Version
	commit  = "dev"
	date    = "unknown"
)

const statusInterval = 30 * time.Second

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.String("health-check", "", "Check the server at this address (e.g. http://localhost:8080) and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("PII-Sentinel %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *healthCheck != "" {
		performHealthCheck(*healthCheck)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting PII-Sentinel",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	if err := run(cfg, log); err != nil {
		log.Error("PII-Sentinel stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	detector, err := privacy.New(cfg.Detection.Rules, log.WithComponent("privacy"))
	if err != nil {
		return fmt.Errorf("failed to create pattern detector: %w", err)
	}

	algorithm, err := vault.ParseAlgorithm(cfg.Tokenization.Algorithm)
	if err != nil {
		return err
	}

	opts := []pipeline.Option{
		pipeline.WithThreshold(cfg.Detection.Threshold),
		pipeline.WithRunTimeout(cfg.Detection.RunTimeout),
		pipeline.WithTokenizer(vault.NewTokenizer(log.WithComponent("vault"), vault.WithAlgorithm(algorithm))),
	}

	var redisCache *cache.RedisCache
	if cfg.Cache.RedisURL != "" {
		redisCache, err = cache.New(&cache.Config{
			RedisURL:   cfg.Cache.RedisURL,
			DefaultTTL: cfg.Cache.TTL,
			LockTTL:    cfg.Cache.LockTTL,
			KeyPrefix:  cfg.Cache.KeyPrefix,
		}, log)
		if err != nil {
			// caching and the shared run lock are optional
			log.Warn("Redis unavailable, continuing without cache", zap.Error(err))
			redisCache = nil
		} else {
			defer redisCache.Close()
			defer logCacheStats(redisCache, log)
			opts = append(opts, pipeline.WithLocker(redisCache))
		}
	}

	if cfg.Model.Enabled {
		client := llm.NewOllamaClient(llm.Config{
			Host:    cfg.Model.Host,
			Model:   cfg.Model.Model,
			Timeout: cfg.Model.Timeout,
			Options: llm.Options{
				Temperature: cfg.Model.Temperature,
				TopP:        cfg.Model.TopP,
				NumPredict:  cfg.Model.NumPredict,
			},
		}, log)

		modelOpts := []privacy.ModelOption{
			privacy.WithSampleLimit(cfg.Model.SampleLimit),
			privacy.WithRelocationWindow(cfg.Model.RelocationWindow),
			privacy.WithTimeout(cfg.Model.Timeout),
		}
		if redisCache != nil {
			modelOpts = append(modelOpts, privacy.WithCache(redisCache))
		}
		model := privacy.NewModelDetector(client, log.WithComponent("model"), modelOpts...)
		opts = append(opts, pipeline.WithModelDetector(model, client.Model()))
	}

	if cfg.Storage.DatabaseURL != "" {
		st, err := store.NewStore(&store.Config{
			DatabaseURL:     cfg.Storage.DatabaseURL,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to open document store: %w", err)
		}
		defer st.Close()
		opts = append(opts, pipeline.WithStore(st))
	} else {
		log.Info("No database configured, document endpoints are disabled")
	}

	var hub *websocket.Hub
	if cfg.WebSocket.Enabled {
		hub = websocket.NewHub(&websocket.HubConfig{
			BroadcastDetections:    cfg.WebSocket.Events.BroadcastDetections,
			BroadcastTokenizations: cfg.WebSocket.Events.BroadcastTokenizations,
			BroadcastSystem:        cfg.WebSocket.Events.BroadcastSystem,
			BroadcastConnections:   cfg.WebSocket.Events.BroadcastConnections,
			MaxConnections:         cfg.WebSocket.MaxConnections,
			ReadBufferSize:         cfg.WebSocket.ReadBufferSize,
			WriteBufferSize:        cfg.WebSocket.WriteBufferSize,
			PingInterval:           cfg.WebSocket.PingInterval,
			PongTimeout:            cfg.WebSocket.PongTimeout,
			WriteTimeout:           cfg.WebSocket.WriteTimeout,
			MaxMessageSize:         cfg.WebSocket.MaxMessageSize,
			AllowedOrigins:         cfg.WebSocket.AllowedOrigins,
			Username:               cfg.WebSocket.Username,
			Password:               cfg.WebSocket.Password,
		}, log.WithComponent("websocket"))
		go hub.Run(ctx)
		opts = append(opts, pipeline.WithNotifier(hub))
	}

	pipe := pipeline.New(detector, log, opts...)
	srv := server.New(cfg, pipe, detector, hub, log)

	err = config.Watch(func(newCfg *config.Config) {
		if err := pipe.SetThreshold(newCfg.Detection.Threshold); err != nil {
			log.Warn("Ignoring reloaded threshold", zap.Error(err))
		}
		if err := detector.Configure(newCfg.Detection.Rules); err != nil {
			log.Warn("Ignoring reloaded rule set", zap.Error(err))
		}
		log.Info("Configuration reloaded",
			zap.Float64("threshold", pipe.Threshold()),
			zap.Strings("rules", detector.GetEnabledRules()),
		)
	}, func(err error) {
		log.Warn("Configuration reload failed", zap.Error(err))
	})
	if err != nil {
		log.Debug("Configuration hot reload disabled", zap.Error(err))
	}

	if hub != nil {
		go broadcastStatus(ctx, hub, pipe, detector)
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		pipe.Close()
		return err
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	// let background detection runs finish before closing the store
	done := make(chan struct{})
	go func() {
		pipe.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("Cancelling unfinished detection runs")
		pipe.Close()
	}

	log.Info("Server shutdown complete")
	return nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled:  cfg.Logging.File.Enabled,
			Path:     cfg.Logging.File.Path,
			MaxSize:  cfg.Logging.File.MaxSize,
			MaxAge:   cfg.Logging.File.MaxAge,
			Compress: cfg.Logging.File.Compress,
		}
	}
	return logger.New(loggerConfig)
}

// logCacheStats reports model response cache effectiveness at shutdown
func logCacheStats(c *cache.RedisCache, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stats, err := c.GetStats(ctx)
	if err != nil {
		log.Debug("Cache stats unavailable", zap.Error(err))
		return
	}
	log.Info("Model response cache",
		zap.Int64("hits", stats.Hits),
		zap.Int64("misses", stats.Misses),
		zap.Float64("hit_rate", stats.HitRate),
		zap.Int64("total_keys", stats.TotalKeys),
	)
}

// broadcastStatus periodically publishes a system_status event
func broadcastStatus(ctx context.Context, hub *websocket.Hub, pipe *pipeline.Pipeline, detector *privacy.Detector) {
	started := time.Now()
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hub.BroadcastEvent(websocket.Event{
				Type: websocket.EventTypeSystemStatus,
				Data: websocket.SystemStatusEvent{
					Status:           "healthy",
					Uptime:           time.Since(started).Round(time.Second).String(),
					Threshold:        pipe.Threshold(),
					ActiveRules:      len(detector.GetEnabledRules()),
					ModelEnabled:     pipe.ModelName() != "",
					ConnectedClients: hub.ActiveConnections(),
				},
			})
		}
	}
}

// performHealthCheck performs a health check against a running server
func performHealthCheck(addr string) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
}
