package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/batch"
	"github.com/raaihank/pii-sentinel/internal/cache"
	"github.com/raaihank/pii-sentinel/internal/config"
	"github.com/raaihank/pii-sentinel/internal/llm"
	"github.com/raaihank/pii-sentinel/internal/logger"
	"github.com/raaihank/pii-sentinel/internal/pipeline"
	"github.com/raaihank/pii-sentinel/internal/privacy"
	"github.com/raaihank/pii-sentinel/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "Configuration file path")
		inputFile  = flag.String("input", "", "Input dataset file (CSV, Parquet, or JSON lines)")
		outputFile = flag.String("output", "", "Output JSON-lines file (default stdout)")
		batchSize  = flag.Int("batch-size", 100, "Records read per batch")
		workers    = flag.Int("workers", 4, "Number of concurrent detections")
		noModel    = flag.Bool("no-model", false, "Run pattern rules only")
		noMatches  = flag.Bool("no-matches", false, "Write counts only, omit matched text")
		persist    = flag.Bool("persist", false, "Store texts and results in the configured database")
		threshold  = flag.Float64("threshold", -1, "Override the aggregation threshold")
		clearCache = flag.Bool("clear-cache", false, "Drop cached model responses before scanning")
	)
	flag.Parse()

	if *inputFile == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --input documents.jsonl --output findings.jsonl\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --input documents.parquet --workers 8 --no-model\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// results go to stdout by default, so logs go to stderr only
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling scan...")
		cancel()
	}()

	if *noModel {
		cfg.Model.Enabled = false
	}
	if *threshold >= 0 {
		cfg.Detection.Threshold = *threshold
	}

	svc, err := initializeServices(cfg, *persist, log)
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer svc.cleanup()

	if *clearCache && svc.cache != nil {
		if err := svc.cache.Clear(ctx); err != nil {
			log.Warn("Failed to clear model response cache", zap.Error(err))
		}
	}

	var out io.Writer = os.Stdout
	if *outputFile != "" {
		f, err := os.Create(*outputFile)
		if err != nil {
			log.Fatal("Failed to create output file", zap.Error(err))
		}
		defer f.Close()
		out = f
	}
	buffered := bufio.NewWriter(out)

	var sink batch.Sink
	if svc.store != nil {
		sink = svc.store
	}
	scanner, err := batch.NewScanner(svc.pipeline, sink, &batch.Config{
		BatchSize:      *batchSize,
		WorkerCount:    *workers,
		MaxTextBytes:   1 << 20,
		IncludeMatches: !*noMatches,
		Persist:        *persist,
		ProgressReport: 1000,
	}, log)
	if err != nil {
		log.Fatal("Failed to create scanner", zap.Error(err))
	}

	result, scanErr := scanner.ScanFile(ctx, *inputFile, buffered)
	if err := buffered.Flush(); err != nil {
		log.Error("Failed to flush output", zap.Error(err))
	}
	if scanErr != nil {
		log.Fatal("Scan failed", zap.Error(scanErr))
	}

	summary, _ := json.MarshalIndent(result, "", "  ")
	fmt.Fprintln(os.Stderr, string(summary))

	if svc.cache != nil {
		logCacheStats(ctx, svc.cache, log)
	}

	if err := result.Err(); err != nil {
		log.Warn("Some records failed", zap.Int64("failed", result.ProcessedFailed))
		os.Exit(2)
	}
}

// services holds everything the scan needs
type services struct {
	pipeline *pipeline.Pipeline
	store    *store.Store
	cache    *cache.RedisCache
}

func (s *services) cleanup() {
	if s.pipeline != nil {
		s.pipeline.Close()
	}
	if s.store != nil {
		s.store.Close()
	}
	if s.cache != nil {
		s.cache.Close()
	}
}

func logCacheStats(ctx context.Context, c *cache.RedisCache, log *logger.Logger) {
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

func initializeServices(cfg *config.Config, persist bool, log *logger.Logger) (*services, error) {
	svc := &services{}

	detector, err := privacy.New(cfg.Detection.Rules, log.WithComponent("privacy"))
	if err != nil {
		return nil, err
	}

	opts := []pipeline.Option{pipeline.WithThreshold(cfg.Detection.Threshold)}

	if cfg.Model.Enabled {
		if cfg.Cache.RedisURL != "" {
			svc.cache, err = cache.New(&cache.Config{
				RedisURL:   cfg.Cache.RedisURL,
				DefaultTTL: cfg.Cache.TTL,
				LockTTL:    cfg.Cache.LockTTL,
				KeyPrefix:  cfg.Cache.KeyPrefix,
			}, log)
			if err != nil {
				log.Warn("Redis unavailable, model responses will not be cached", zap.Error(err))
				svc.cache = nil
			}
		}

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
		if svc.cache != nil {
			modelOpts = append(modelOpts, privacy.WithCache(svc.cache))
		}
		opts = append(opts, pipeline.WithModelDetector(
			privacy.NewModelDetector(client, log.WithComponent("model"), modelOpts...),
			client.Model(),
		))
	}

	if persist {
		if cfg.Storage.DatabaseURL == "" {
			return nil, fmt.Errorf("--persist requires storage.database_url")
		}
		svc.store, err = store.NewStore(&store.Config{
			DatabaseURL:     cfg.Storage.DatabaseURL,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
		}, log)
		if err != nil {
			return nil, err
		}
	}

	svc.pipeline = pipeline.New(detector, log, opts...)
	return svc, nil
}
