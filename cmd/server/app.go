package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/georgeshao/prompt-relay/internal/api"
	"github.com/georgeshao/prompt-relay/internal/cache"
	"github.com/georgeshao/prompt-relay/internal/callback"
	"github.com/georgeshao/prompt-relay/internal/config"
	"github.com/georgeshao/prompt-relay/internal/dispatcher"
	"github.com/georgeshao/prompt-relay/internal/llm"
	"github.com/georgeshao/prompt-relay/internal/metrics"
	"github.com/georgeshao/prompt-relay/internal/secure"
	"github.com/georgeshao/prompt-relay/internal/storage"
	"github.com/georgeshao/prompt-relay/internal/storage/pebbledb"
	"github.com/georgeshao/prompt-relay/internal/storage/postgres"
	"github.com/georgeshao/prompt-relay/internal/storage/sqlite"
	"github.com/georgeshao/prompt-relay/internal/submission"
	"github.com/georgeshao/prompt-relay/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

type application struct {
	cfg       *config.Config
	logger    zerolog.Logger
	store     storage.Store
	redis     *redis.Client
	pool      *dispatcher.Pool
	scheduler *dispatcher.Scheduler
	callbacks *callback.Dispatcher
	fiber     *fiber.App
	telemetry func(context.Context) error
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, *pebbledb.PebbleStore, error) {
	switch cfg.StorageDriver {
	case config.DriverPebble:
		store, err := pebbledb.New(cfg.PebblePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize pebble storage: %w", err)
		}
		return store, store, nil
	case config.DriverPostgres:
		store, err := postgres.New(ctx, postgres.Config{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize postgres storage: %w", err)
		}
		return store, nil, nil
	default:
		store, err := sqlite.New(cfg.StoragePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		return store, nil, nil
	}
}

func newApplication(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*application, error) {
	a := &application{cfg: cfg, logger: log}

	meter, shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:        cfg.OTelEnabled,
		Endpoint:       cfg.OTelEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return nil, err
	}
	a.telemetry = shutdownTelemetry

	store, pebbleStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = store

	if cfg.EncryptionKey == "" || cfg.EncryptionSalt == "" {
		log.Warn().Msg("ENCRYPTION_KEY or ENCRYPTION_SALT not set, submissions will fail")
	}
	cipher := secure.NewCipher(secure.StaticKeySource{Key: cfg.EncryptionKey, Salt: cfg.EncryptionSalt})

	responseCache, err := a.buildCache(ctx, pebbleStore)
	if err != nil {
		store.Close()
		return nil, err
	}

	collector, err := metrics.NewOTelCollector(metrics.NewAtomicCollector(), meter)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	retry := llm.DefaultRetryConfig()
	retry.MaxAttempts = cfg.LLMMaxAttempts
	llmClient := llm.NewRetryingClient(
		llm.NewHTTPClient(llm.HTTPConfig{
			Endpoint:          cfg.LLMEndpoint,
			APIKey:            cfg.LLMAPIKey,
			Model:             cfg.LLMModel,
			SystemPrompt:      cfg.LLMSystemPrompt,
			MaxTokens:         cfg.LLMMaxTokens,
			Temperature:       cfg.LLMTemperature,
			Timeout:           cfg.LLMTimeout,
			RequestsPerSecond: cfg.LLMRPS,
		}),
		llm.WithCache(responseCache),
		llm.WithCollector(collector),
		llm.WithRetryConfig(retry),
		llm.WithLogger(log.With().Str("component", "llm").Logger()),
	)

	callbackBase := cfg.MainNodeURL
	if callbackBase == "" {
		callbackBase = "http://127.0.0.1" + cfg.ListenAddr()
		log.Warn().Str("url", callbackBase).Msg("MAIN_NODE_URL not set, sending callbacks to this node")
	}
	a.callbacks = callback.NewDispatcher(store, callback.DispatcherConfig{
		BaseURL:     callbackBase,
		Secret:      cfg.CallbackSecret,
		Timeout:     cfg.CallbackTimeout,
		MaxAttempts: cfg.CallbackMaxAttempts,
		RetryDelay:  cfg.CallbackRetryDelay,
	}, log.With().Str("component", "callback").Logger())

	dispatchCfg := dispatcher.Config{
		Interval:       cfg.SchedulerInterval,
		BatchSize:      cfg.BatchSize,
		Lease:          cfg.ClaimLease,
		BatchTimeout:   cfg.BatchTimeout,
		EnabledOnStart: cfg.SchedulerEnabled,
	}
	dispatchLog := log.With().Str("component", "dispatcher").Logger()
	a.pool = dispatcher.NewPool(dispatcher.PoolConfig{
		Workers:        cfg.PoolWorkers,
		QueueSize:      cfg.PoolQueueSize,
		MaxConcurrency: cfg.MaxConcurrency,
	}, dispatchLog)
	processor := dispatcher.NewProcessor(store, cipher, llmClient, a.callbacks, dispatchLog)
	batch := dispatcher.NewBatchProcessor(store, a.pool, processor, dispatchCfg, dispatchLog)
	a.scheduler = dispatcher.NewScheduler(batch, store, dispatchCfg, dispatchLog)

	var receiver *callback.Receiver
	if cfg.ReceiverEnabled {
		receiver = callback.NewReceiver(cipher, callback.NewMemorySink(), cfg.RequestIDPrefix, log.With().Str("component", "receiver").Logger())
	}

	a.fiber = fiber.New(fiber.Config{
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		IdleTimeout:           120 * time.Second,
		BodyLimit:             10 * 1024 * 1024, // 10MB
		DisableStartupMessage: true,
	})
	a.fiber.Use(recover.New())
	a.fiber.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))
	a.fiber.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, " + callback.SignatureHeader,
	}))

	api.SetupRoutes(a.fiber, api.Deps{
		Store:          store,
		Submissions:    submission.NewService(store, cipher, log.With().Str("component", "submission").Logger()),
		Scheduler:      a.scheduler,
		Batch:          batch,
		Collector:      collector,
		Receiver:       receiver,
		CallbackSecret: cfg.CallbackSecret,
		Logger:         log.With().Str("component", "api").Logger(),
	})

	return a, nil
}

func (a *application) buildCache(ctx context.Context, pebbleStore *pebbledb.PebbleStore) (cache.Cache, error) {
	local, err := cache.NewLRU(a.cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create response cache: %w", err)
	}

	switch a.cfg.CacheBackend {
	case config.CacheRedis:
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.logger.Warn().Err(err).Msg("redis unreachable, answers are cached locally until it recovers")
		}
		remote := cache.NewRedis(a.redis, "prompt-relay:answer:", a.cfg.CacheTTL)
		return cache.NewTiered(local, remote, a.logger), nil
	case config.CachePebble:
		remote := pebbleStore.ResponseCache(a.cfg.CacheTTL, a.logger)
		return cache.NewTiered(local, remote, a.logger), nil
	default:
		return local, nil
	}
}

func (a *application) run(ctx context.Context) error {
	schedCtx, cancelScheduler := context.WithCancel(context.Background())
	g := new(errgroup.Group)

	g.Go(func() error {
		return a.scheduler.Run(schedCtx)
	})

	listenErr := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", a.cfg.ListenAddr()).Str("driver", a.cfg.StorageDriver).Msg("starting prompt relay")
		listenErr <- a.fiber.Listen(a.cfg.ListenAddr())
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info().Msg("shutting down server")
	case err := <-listenErr:
		if err != nil {
			runErr = fmt.Errorf("failed to start server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.fiber.ShutdownWithContext(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("error during server shutdown")
	}

	cancelScheduler()
	if err := g.Wait(); err != nil {
		a.logger.Error().Err(err).Msg("scheduler exited with error")
	}
	if err := a.pool.Close(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.logger.Error().Err(err).Msg("worker pool shutdown failed")
	}
	a.callbacks.Wait()
	a.callbacks.Close()

	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error().Err(err).Msg("failed to close storage")
	}
	if err := a.telemetry(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("telemetry shutdown failed")
	}
	return runErr
}
