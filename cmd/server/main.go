// Command server starts the Stagecast session orchestrator API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"stagecast/internal/api"
	"stagecast/internal/auth"
	"stagecast/internal/egress"
	"stagecast/internal/mediaroom"
	"stagecast/internal/observability/logging"
	"stagecast/internal/observability/metrics"
	"stagecast/internal/orchestrator"
	"stagecast/internal/reconcile"
	"stagecast/internal/server"
	"stagecast/internal/storage"
	"stagecast/internal/timerutil"
)

type stringListFlag []string

func (s *stringListFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringListFlag) Set(value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("value must not be empty")
	}
	*s = append(*s, trimmed)
	return nil
}

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path for the JSON session snapshot (memory driver)")
	storageDriver := flag.String("storage-driver", "", "session store driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresConnLifetime := flag.Duration("postgres-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")

	roomURL := flag.String("room-url", "", "base URL of the media room service")
	roomToken := flag.String("room-token", "", "bearer token for the media room service")
	distributionURL := flag.String("distribution-url", "", "base URL of the distribution service")
	distributionToken := flag.String("distribution-token", "", "bearer token for the distribution service")
	providerAttempts := flag.Int("provider-retry-attempts", 0, "HTTP retry attempts against providers")
	providerInterval := flag.Duration("provider-retry-interval", 0, "base delay between provider retries")

	roomHookSecret := flag.String("room-hook-secret", "", "HMAC secret for room webhook deliveries")
	distributionHookSecret := flag.String("distribution-hook-secret", "", "HMAC secret for distribution webhook deliveries")

	queueDriver := flag.String("queue-driver", "", "webhook queue driver (memory or redis)")
	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for the webhook queue")
	queueRedisUsername := flag.String("queue-redis-username", "", "Redis username for the webhook queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for the webhook queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for webhook envelopes")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for the webhook queue")
	queueRedisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the webhook queue")

	reconnectWindow := flag.Duration("reconnect-window", 0, "grace period for a disconnected endpoint to return")
	reconnectGrace := flag.Duration("reconnect-grace", 0, "extra slack on top of the reconnect window")
	reconcileWorkers := flag.Int("reconcile-workers", 0, "goroutines draining the webhook queue")
	idleThreshold := flag.Duration("idle-threshold", 0, "how long an unwatched egress job runs before it is stopped")
	roomDeleteGrace := flag.Duration("room-delete-grace", 0, "delay before an ended session's room is deleted")
	optimizeInterval := flag.Duration("optimize-interval", 0, "interval between egress optimization sweeps")
	maxParticipants := flag.Int("max-room-participants", 0, "participant cap applied to created rooms")
	playbackURLFormat := flag.String("playback-url-format", "", "fmt verb filled with the playback id")
	targetURLFormat := flag.String("target-url-format", "", "fmt verb filled with the distribution endpoint id")
	layout := flag.String("layout", "", "default composite layout for restream jobs")

	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")

	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	hookLimit := flag.Int("rate-hook-limit", 0, "maximum webhook deliveries per window for a single sender")
	hookWindow := flag.Duration("rate-hook-window", 0, "window for counting webhook deliveries")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed webhook throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed webhook throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")

	var apiKeys stringListFlag
	flag.Var(&apiKeys, "api-key", "provisioned API key spec keyID:ownerID:hash (repeatable)")
	flag.Parse()

	logger := logging.New(logging.Config{Level: firstNonEmpty(*logLevel, os.Getenv("STAGECAST_LOG_LEVEL"))})
	recorder := metrics.Default()

	store, storeCloser, err := openStore(
		firstNonEmpty(*storageDriver, os.Getenv("STAGECAST_STORAGE_DRIVER")),
		firstNonEmpty(*dataPath, os.Getenv("STAGECAST_DATA")),
		storage.PostgresConfig{
			DSN:             firstNonEmpty(*postgresDSN, os.Getenv("STAGECAST_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
			MaxConnections:  int32(resolveInt(*postgresMaxConns, "STAGECAST_POSTGRES_MAX_CONNS")),
			MinConnections:  int32(resolveInt(*postgresMinConns, "STAGECAST_POSTGRES_MIN_CONNS")),
			MaxConnLifetime: resolveDuration(*postgresConnLifetime, "STAGECAST_POSTGRES_CONN_LIFETIME", 0),
			ApplicationName: firstNonEmpty(*postgresAppName, os.Getenv("STAGECAST_POSTGRES_APP_NAME")),
		},
	)
	if err != nil {
		logger.Error("failed to open session store", "error", err)
		os.Exit(1)
	}

	roomBase := firstNonEmpty(*roomURL, os.Getenv("STAGECAST_ROOM_URL"))
	distributionBase := firstNonEmpty(*distributionURL, os.Getenv("STAGECAST_DISTRIBUTION_URL"))
	if roomBase == "" || distributionBase == "" {
		logger.Error("room and distribution service URLs are required")
		os.Exit(1)
	}
	attempts := resolveInt(*providerAttempts, "STAGECAST_PROVIDER_RETRY_ATTEMPTS")
	interval := resolveDuration(*providerInterval, "STAGECAST_PROVIDER_RETRY_INTERVAL", 0)

	rooms := mediaroom.NewHTTPClient(
		roomBase,
		firstNonEmpty(*roomToken, os.Getenv("STAGECAST_ROOM_TOKEN")),
		nil,
		logging.WithComponent(logger, "mediaroom"),
		attempts,
		interval,
	)
	distribution := egress.NewHTTPClient(
		distributionBase,
		firstNonEmpty(*distributionToken, os.Getenv("STAGECAST_DISTRIBUTION_TOKEN")),
		nil,
		logging.WithComponent(logger, "distribution"),
		attempts,
		interval,
	)

	manager := orchestrator.New(orchestrator.Config{
		Store:               store,
		Rooms:               rooms,
		Egress:              distribution,
		Logger:              logger,
		Metrics:             recorder,
		MaxRoomParticipants: resolveInt(*maxParticipants, "STAGECAST_MAX_ROOM_PARTICIPANTS"),
		RoomDeleteGrace:     resolveDuration(*roomDeleteGrace, "STAGECAST_ROOM_DELETE_GRACE", 0),
		IdleThreshold:       resolveDuration(*idleThreshold, "STAGECAST_IDLE_THRESHOLD", 0),
		PlaybackURLFormat:   firstNonEmpty(*playbackURLFormat, os.Getenv("STAGECAST_PLAYBACK_URL_FORMAT")),
		TargetURLFormat:     firstNonEmpty(*targetURLFormat, os.Getenv("STAGECAST_TARGET_URL_FORMAT")),
		Layout:              firstNonEmpty(*layout, os.Getenv("STAGECAST_LAYOUT")),
	})

	engine := reconcile.New(reconcile.Config{
		Store:           store,
		Lifecycle:       manager,
		Rooms:           rooms,
		Logger:          logger,
		Metrics:         recorder,
		Timers:          timerutil.NewRegistry(nil),
		ReconnectWindow: resolveDuration(*reconnectWindow, "STAGECAST_RECONNECT_WINDOW", 0),
		ReconnectGrace:  resolveDuration(*reconnectGrace, "STAGECAST_RECONNECT_GRACE", 0),
		Workers:         resolveInt(*reconcileWorkers, "STAGECAST_RECONCILE_WORKERS"),
	})
	manager.OnStop(engine.CancelPendingWork)

	queue, err := configureQueue(
		firstNonEmpty(*queueDriver, os.Getenv("STAGECAST_QUEUE_DRIVER")),
		reconcile.RedisQueueConfig{
			Addr:     firstNonEmpty(*queueRedisAddr, os.Getenv("STAGECAST_QUEUE_REDIS_ADDR")),
			Username: firstNonEmpty(*queueRedisUsername, os.Getenv("STAGECAST_QUEUE_REDIS_USERNAME")),
			Password: firstNonEmpty(*queueRedisPassword, os.Getenv("STAGECAST_QUEUE_REDIS_PASSWORD")),
			Stream:   firstNonEmpty(*queueRedisStream, os.Getenv("STAGECAST_QUEUE_REDIS_STREAM")),
			Group:    firstNonEmpty(*queueRedisGroup, os.Getenv("STAGECAST_QUEUE_REDIS_GROUP")),
			PoolSize: resolveInt(*queueRedisPoolSize, "STAGECAST_QUEUE_REDIS_POOL_SIZE"),
		},
		logger,
	)
	if err != nil {
		logger.Error("failed to configure webhook queue", "error", err)
		os.Exit(1)
	}

	keyring := auth.NewKeyring()
	specs := append([]string(nil), apiKeys...)
	if env := strings.TrimSpace(os.Getenv("STAGECAST_API_KEYS")); env != "" {
		for _, spec := range strings.Split(env, ",") {
			if trimmed := strings.TrimSpace(spec); trimmed != "" {
				specs = append(specs, trimmed)
			}
		}
	}
	for _, spec := range specs {
		key, err := auth.ParseKeySpec(spec)
		if err != nil {
			logger.Error("invalid api key spec", "error", err)
			os.Exit(1)
		}
		if err := keyring.Add(key); err != nil {
			logger.Error("failed to register api key", "error", err)
			os.Exit(1)
		}
	}
	if len(specs) == 0 {
		logger.Warn("no API keys configured, all session endpoints will reject requests")
	}

	handler := &api.Handler{
		Store:                  store,
		Orchestrator:           manager,
		Queue:                  queue,
		Keyring:                keyring,
		Logger:                 logger,
		Metrics:                recorder,
		RoomHookSecret:         firstNonEmpty(*roomHookSecret, os.Getenv("STAGECAST_ROOM_HOOK_SECRET")),
		DistributionHookSecret: firstNonEmpty(*distributionHookSecret, os.Getenv("STAGECAST_DISTRIBUTION_HOOK_SECRET")),
		Now:                    time.Now,
	}
	if handler.RoomHookSecret == "" || handler.DistributionHookSecret == "" {
		logger.Warn("webhook secrets not fully configured, unsigned deliveries will be rejected")
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go func() {
		if err := engine.Run(workerCtx, queue); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reconcile engine stopped", "error", err)
		}
	}()
	optimizeStop := startOptimizeWorker(
		workerCtx,
		logging.WithComponent(logger, "egress-sweep"),
		manager,
		store,
		resolveDuration(*optimizeInterval, "STAGECAST_OPTIMIZE_INTERVAL", 30*time.Second),
	)
	defer optimizeStop()

	listenAddr := firstNonEmpty(*addr, os.Getenv("STAGECAST_ADDR"))
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("STAGECAST_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("STAGECAST_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "STAGECAST_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "STAGECAST_RATE_GLOBAL_BURST"),
			HookLimit:     resolveInt(*hookLimit, "STAGECAST_RATE_HOOK_LIMIT"),
			HookWindow:    resolveDuration(*hookWindow, "STAGECAST_RATE_HOOK_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("STAGECAST_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("STAGECAST_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "STAGECAST_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Stagecast orchestrator listening", "addr", listenAddr)
	logger.Info("metrics endpoint available", "path", "/metrics")
	if err := srv.Run(runCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
	}

	workerCancel()
	optimizeStop()
	if closer, ok := queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close webhook queue", "error", err)
		}
	}
	if storeCloser != nil {
		storeCloser()
	}

	logger.Info("server stopped")
}

func openStore(driver, dataPath string, pgCfg storage.PostgresConfig) (storage.Repository, func(), error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		if strings.TrimSpace(pgCfg.DSN) != "" {
			driver = "postgres"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		store, err := storage.NewStore(dataPath)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		repo, err := storage.NewPostgresRepository(ctx, pgCfg)
		if err != nil {
			return nil, nil, err
		}
		closer := func() {
			if c, ok := repo.(interface{ Close() }); ok {
				c.Close()
			}
		}
		return repo, closer, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func configureQueue(driver string, cfg reconcile.RedisQueueConfig, logger *slog.Logger) (reconcile.Queue, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "redis":
		if strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the webhook queue")
		}
		cfg.Logger = logging.WithComponent(logger, "webhook-queue")
		return reconcile.NewRedisQueue(cfg)
	case "", "memory":
		return reconcile.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}
