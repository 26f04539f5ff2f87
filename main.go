package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/marketbrief/internal/circuitbreaker"
	cfg "github.com/Kocoro-lab/marketbrief/internal/config"
	"github.com/Kocoro-lab/marketbrief/internal/db"
	"github.com/Kocoro-lab/marketbrief/internal/health"
	"github.com/Kocoro-lab/marketbrief/internal/httpapi"
	"github.com/Kocoro-lab/marketbrief/internal/llm"
	"github.com/Kocoro-lab/marketbrief/internal/logging"
	"github.com/Kocoro-lab/marketbrief/internal/planner"
	"github.com/Kocoro-lab/marketbrief/internal/retrieval"
	"github.com/Kocoro-lab/marketbrief/internal/session"
	"github.com/Kocoro-lab/marketbrief/internal/streaming"
	"github.com/Kocoro-lab/marketbrief/internal/synthesis"
	"github.com/Kocoro-lab/marketbrief/internal/tracing"
	"github.com/Kocoro-lab/marketbrief/internal/workflow"
)

func main() {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// .env is optional
	_ = godotenv.Load()

	conf, err := cfg.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:      conf.Observability.Logging.Level,
		Format:     conf.Observability.Logging.Format,
		File:       conf.Observability.Logging.File,
		MaxSizeMB:  conf.Observability.Logging.MaxSizeMB,
		MaxBackups: conf.Observability.Logging.MaxBackups,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:      conf.Observability.Tracing.Enabled,
		ServiceName:  conf.Observability.Tracing.ServiceName,
		OTLPEndpoint: conf.Observability.Tracing.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	hm := health.NewManager(logger)
	_ = hm.RegisterChecker(health.NewBreakerChecker(circuitbreaker.GlobalMetricsCollector))

	// Session store
	store, err := db.Open(ctx, conf.Database, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database client", zap.Error(err))
	}
	defer store.Close()
	_ = hm.RegisterChecker(health.NewDatabaseHealthChecker(store.Wrapper(), logger))

	// Live event fan-out and mirrors
	stream := streaming.NewManager(conf.Streaming.RingCapacity, logger)
	stream.SetIdleTTL(conf.Streaming.IdleTTL)
	redisReplay := false
	if conf.Redis.Enabled {
		if rw, err := connectRedis(conf.Redis.URL, logger); err != nil {
			logger.Warn("Redis mirror disabled", zap.Error(err))
		} else {
			defer rw.Close()
			stream.AddMirror(streaming.NewRedisMirror(rw, conf.Redis.StreamMaxLen, conf.Redis.StreamTTL))
			_ = hm.RegisterChecker(health.NewRedisHealthChecker(rw, logger))
			redisReplay = true
		}
	}
	if !redisReplay {
		stream.SetReplayer(session.NewHistoryReplayer(store))
	}
	if conf.NATS.Enabled {
		if nm, err := streaming.ConnectNATSMirror(conf.NATS.URL, conf.NATS.SubjectPrefix, logger); err != nil {
			logger.Warn("NATS mirror disabled", zap.Error(err))
		} else {
			defer nm.Close()
			stream.AddMirror(nm)
		}
	}

	// Entity lookup table, hot-reloaded from entities.yaml
	entities := planner.NewEntityTable()
	if watcher, err := cfg.NewWatcher(conf.ConfigDir, logger); err != nil {
		logger.Warn("Config watcher init failed", zap.Error(err))
	} else {
		watcher.RegisterValidator(cfg.EntitiesFile, cfg.ValidateEntities)
		watcher.RegisterHandler(cfg.EntitiesFile, func(ev cfg.ChangeEvent) error {
			table, err := cfg.ParseEntities(ev.Config)
			if err != nil {
				return err
			}
			entities.Replace(table)
			logger.Info("Entity table reloaded", zap.String("action", ev.Action), zap.Int("entries", entities.Len()))
			return nil
		})
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("Config watcher start failed", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	// Generative capability, shared by extractor and generator
	var extractor planner.Extractor
	var generator synthesis.Generator
	if conf.LLM.Enabled {
		client := llm.NewClient(llm.Config{
			BaseURL:     conf.LLM.BaseURL,
			APIKey:      conf.LLM.APIKey,
			Model:       conf.LLM.Model,
			Temperature: conf.LLM.Temperature,
			MaxTokens:   conf.LLM.MaxTokens,
			Timeout:     conf.LLM.Timeout,
		}, logger)
		extractor = planner.NewLLMExtractor(client)
		generator = synthesis.NewLLMGenerator(client)
		logger.Info("LLM capability enabled", zap.String("model", conf.LLM.Model))
	}

	runner := workflow.NewRunner(
		planner.New(extractor, entities, conf.Policy.MissingIdentifier, logger),
		newNewsChain(conf, logger),
		newFinancialChain(conf, logger),
		synthesis.New(generator, conf.Policy.MaxCitations, logger),
		workflow.Config{MinSources: conf.Policy.MinSources},
		logger,
	)

	sink := session.NewSink(store, stream, logger)
	svc := session.NewService(store, sink, runner, logger)

	handler := httpapi.NewRouter(httpapi.Options{
		Sessions:       svc,
		Stream:         stream,
		Health:         hm,
		AllowedOrigins: conf.Server.AllowedOrigins,
		MetricsEnabled: conf.Observability.Metrics.Enabled,
		Logger:         logger,
	})
	server := &http.Server{
		Addr:         ":" + strconv.Itoa(conf.Server.Port),
		Handler:      handler,
		ReadTimeout:  conf.Server.ReadTimeout,
		WriteTimeout: 0, // SSE runs are long-lived
		IdleTimeout:  conf.Server.IdleTimeout,
	}

	go func() {
		logger.Info("HTTP server listening",
			zap.Int("port", conf.Server.Port),
			zap.Strings("allowed_origins", conf.Server.AllowedOrigins),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down market research service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracer shutdown failed", zap.Error(err))
	}
}

func connectRedis(url string, logger *zap.Logger) (*circuitbreaker.RedisWrapper, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rw := circuitbreaker.NewRedisWrapper(redis.NewClient(opts), logger)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rw.Ping(pingCtx); err != nil {
		rw.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rw, nil
}

func providerHTTP(name string, timeout time.Duration, logger *zap.Logger) *circuitbreaker.HTTPWrapper {
	settings := circuitbreaker.SettingsFromEnv(name, circuitbreaker.ProviderDefaults)
	return circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, name, "retrieval", settings, logger)
}

func newNewsChain(conf *cfg.Config, logger *zap.Logger) *retrieval.NewsChain {
	tv := conf.Providers.Tavily
	source := retrieval.NewTavilyProvider(tv.APIKey, tv.BaseURL, tv.MaxResults, providerHTTP("tavily", tv.Timeout, logger))
	return retrieval.NewNewsChain(source, tv.Timeout, logger)
}

func newFinancialChain(conf *cfg.Config, logger *zap.Logger) *retrieval.FinancialChain {
	av := conf.Providers.AlphaVantage
	yc := conf.Providers.Yahoo

	chain := retrieval.FinancialChainConfig{
		SyntheticFallback: conf.Policy.SyntheticFallback,
		PrimaryTimeout:    av.Timeout,
		SecondaryTimeout:  yc.Timeout,
	}
	if av.APIKey != "" {
		chain.Primary = retrieval.NewAlphaVantageProvider(av.APIKey, av.BaseURL, av.RequestsPerMinute, yc.Points,
			providerHTTP("alphavantage", av.Timeout, logger), logger)
	}
	// Assigned only when enabled so a disabled tier stays a nil interface.
	if yc.Enabled {
		chain.Secondary = retrieval.NewYahooChartProvider(yc.BaseURL, yc.Points, providerHTTP("yahoo", yc.Timeout, logger))
	}
	return retrieval.NewFinancialChain(chain, logger)
}
