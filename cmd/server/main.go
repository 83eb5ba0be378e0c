// Command server starts the Driftcast session manager HTTP service.
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

	"golang.org/x/sync/errgroup"

	"driftcast/internal/api"
	"driftcast/internal/ingest"
	"driftcast/internal/ledger"
	"driftcast/internal/live"
	"driftcast/internal/observability/logging"
	"driftcast/internal/observability/metrics"
	"driftcast/internal/replay"
	"driftcast/internal/segment"
	"driftcast/internal/server"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	dataPath := flag.String("data", "", "path to the JSON ledger file")
	ledgerDriver := flag.String("ledger-driver", "", "ledger driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresConnectTimeout := flag.Duration("postgres-connect-timeout", 0, "timeout when opening the Postgres pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	hookToken := flag.String("hook-token", "", "bearer token required on ingest hook calls")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	hookLimit := flag.Int("rate-hook-limit", 0, "maximum publish attempts per window for a single IP")
	hookWindow := flag.Duration("rate-hook-window", 0, "window for counting publish attempts")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed hook throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed hook throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis rate limit operations")
	controlOrigins := flag.String("cors-control-origins", "", "comma separated origins allowed on control endpoints")
	playerOrigins := flag.String("cors-player-origins", "", "comma separated origins allowed on playback endpoints")
	graceWindow := flag.Duration("segment-grace-window", 0, "minimum time a segment stays servable after its epoch freezes")
	keepCount := flag.Int("segment-keep-count", 0, "trailing segments retained per epoch once the sweep trims")
	epochTTL := flag.Duration("segment-epoch-ttl", 0, "how long a frozen epoch survives in its entirety")
	archivalTTL := flag.Duration("segment-archival-ttl", 0, "hard upper bound for leased replay epochs")
	sweepInterval := flag.Duration("segment-sweep-interval", 0, "interval between eviction sweeps")
	idleTimeout := flag.Duration("ingest-idle-timeout", 0, "publisher idle time before the watchdog ends the session")
	checkInterval := flag.Duration("ingest-check-interval", 0, "interval between watchdog liveness checks")
	queueDriver := flag.String("replay-queue-driver", "", "replay queue driver (memory or redis)")
	queueBuffer := flag.Int("replay-queue-buffer", 0, "buffered jobs held by the replay queue")
	queueRedisAddr := flag.String("replay-redis-addr", "", "Redis address for the replay queue")
	queueRedisAddrs := flag.String("replay-redis-addrs", "", "comma separated Redis addresses for the replay queue")
	queueRedisUsername := flag.String("replay-redis-username", "", "Redis username for the replay queue")
	queueRedisPassword := flag.String("replay-redis-password", "", "Redis password for the replay queue")
	queueRedisStream := flag.String("replay-redis-stream", "", "Redis stream key for replay jobs")
	queueRedisGroup := flag.String("replay-redis-group", "", "Redis consumer group for replay workers")
	queueRedisMasterName := flag.String("replay-redis-sentinel-master", "", "Redis sentinel master name for the replay queue")
	queueRedisPoolSize := flag.Int("replay-redis-pool-size", 0, "maximum Redis connections for the replay queue")
	queueRedisTLSCA := flag.String("replay-redis-tls-ca", "", "path to Redis TLS CA certificate for the replay queue")
	queueRedisTLSCert := flag.String("replay-redis-tls-cert", "", "path to Redis TLS client certificate for the replay queue")
	queueRedisTLSKey := flag.String("replay-redis-tls-key", "", "path to Redis TLS client key for the replay queue")
	queueRedisTLSServerName := flag.String("replay-redis-tls-server-name", "", "override Redis TLS server name for the replay queue")
	queueRedisTLSSkipVerify := flag.Bool("replay-redis-tls-skip-verify", false, "skip Redis TLS verification for the replay queue")
	replayWorkers := flag.Int("replay-workers", 0, "concurrent replay assembly workers")
	replayMaxAttempts := flag.Int("replay-max-attempts", 0, "attempts per replay job before it is marked failed")
	replayRetryDelay := flag.Duration("replay-retry-delay", 0, "delay between replay job attempts")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	objectPrefix := flag.String("object-prefix", "", "object storage key prefix for replays")
	objectPublicEndpoint := flag.String("object-public-endpoint", "", "public endpoint used for replay URLs")
	objectRequestTimeout := flag.Duration("object-request-timeout", 0, "timeout for object storage requests")
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("DRIFTCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("DRIFTCAST_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("DRIFTCAST_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("DRIFTCAST_ADDR"))

	dsn := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveLedgerDriver(*ledgerDriver, os.Getenv("DRIFTCAST_LEDGER_DRIVER"), dsn)
	if err != nil {
		logger.Error("failed to resolve ledger driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" {
		if err := validateProductionLedger(driver, dsn); err != nil {
			logger.Error("production ledger validation failed", "error", err)
			os.Exit(1)
		}
	}

	var store ledger.Store
	switch driver {
	case "json":
		store, err = ledger.NewMemory(resolveDataPath(*dataPath, os.Getenv("DRIFTCAST_DATA")))
	case "postgres":
		if dsn == "" {
			logger.Error("postgres ledger selected without DSN")
			os.Exit(1)
		}
		store, err = ledger.NewPostgres(context.Background(), ledger.PostgresConfig{
			DSN:                 dsn,
			MaxConnections:      int32(resolveInt(*postgresMaxConns, "DRIFTCAST_POSTGRES_MAX_CONNS")),
			MinConnections:      int32(resolveInt(*postgresMinConns, "DRIFTCAST_POSTGRES_MIN_CONNS")),
			MaxConnLifetime:     resolveDuration(*postgresMaxConnLifetime, "DRIFTCAST_POSTGRES_MAX_CONN_LIFETIME", 0),
			MaxConnIdleTime:     resolveDuration(*postgresMaxConnIdle, "DRIFTCAST_POSTGRES_MAX_CONN_IDLE", 0),
			HealthCheckInterval: resolveDuration(*postgresHealthInterval, "DRIFTCAST_POSTGRES_HEALTH_INTERVAL", 0),
			ConnectTimeout:      resolveDuration(*postgresConnectTimeout, "DRIFTCAST_POSTGRES_CONNECT_TIMEOUT", 0),
			ApplicationName:     firstNonEmpty(*postgresAppName, os.Getenv("DRIFTCAST_POSTGRES_APP_NAME")),
		})
	default:
		logger.Error("unsupported ledger driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open ledger", "error", err)
		os.Exit(1)
	}

	segments := segment.NewStore(segment.Config{
		GraceWindow: resolveDuration(*graceWindow, "DRIFTCAST_SEGMENT_GRACE_WINDOW", 0),
		KeepCount:   resolveInt(*keepCount, "DRIFTCAST_SEGMENT_KEEP_COUNT"),
		EpochTTL:    resolveDuration(*epochTTL, "DRIFTCAST_SEGMENT_EPOCH_TTL", 0),
		ArchivalTTL: resolveDuration(*archivalTTL, "DRIFTCAST_SEGMENT_ARCHIVAL_TTL", 0),
	})

	queueCfg := replay.RedisQueueConfig{
		Addr:       firstNonEmpty(*queueRedisAddr, os.Getenv("DRIFTCAST_REPLAY_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*queueRedisAddrs, os.Getenv("DRIFTCAST_REPLAY_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*queueRedisUsername, os.Getenv("DRIFTCAST_REPLAY_REDIS_USERNAME")),
		Password:   firstNonEmpty(*queueRedisPassword, os.Getenv("DRIFTCAST_REPLAY_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*queueRedisStream, os.Getenv("DRIFTCAST_REPLAY_REDIS_STREAM")),
		Group:      firstNonEmpty(*queueRedisGroup, os.Getenv("DRIFTCAST_REPLAY_REDIS_GROUP")),
		MasterName: firstNonEmpty(*queueRedisMasterName, os.Getenv("DRIFTCAST_REPLAY_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*queueRedisPoolSize, "DRIFTCAST_REPLAY_REDIS_POOL_SIZE"),
		Buffer:     resolveInt(*queueBuffer, "DRIFTCAST_REPLAY_QUEUE_BUFFER"),
		TLS: replay.RedisTLSConfig{
			CAFile:             firstNonEmpty(*queueRedisTLSCA, os.Getenv("DRIFTCAST_REPLAY_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*queueRedisTLSCert, os.Getenv("DRIFTCAST_REPLAY_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*queueRedisTLSKey, os.Getenv("DRIFTCAST_REPLAY_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*queueRedisTLSServerName, os.Getenv("DRIFTCAST_REPLAY_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*queueRedisTLSSkipVerify, "DRIFTCAST_REPLAY_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	queue, err := configureReplayQueue(firstNonEmpty(*queueDriver, os.Getenv("DRIFTCAST_REPLAY_QUEUE_DRIVER")), queueCfg, logger)
	if err != nil {
		logger.Error("failed to configure replay queue", "error", err)
		os.Exit(1)
	}

	engine := live.NewEngine(live.Config{
		Store:    store,
		Segments: segments,
		Queue:    queue,
		Recorder: recorder,
		Logger:   logging.WithComponent(logger, "live"),
	})

	gateway := ingest.NewGateway(ingest.GatewayConfig{
		Engine:        engine,
		Store:         store,
		Segments:      segments,
		Recorder:      recorder,
		Logger:        logging.WithComponent(logger, "ingest"),
		IdleTimeout:   resolveDuration(*idleTimeout, "DRIFTCAST_INGEST_IDLE_TIMEOUT", 0),
		CheckInterval: resolveDuration(*checkInterval, "DRIFTCAST_INGEST_CHECK_INTERVAL", 0),
	})

	objects := replay.NewObjectStorage(replay.ObjectStorageConfig{
		Endpoint:       firstNonEmpty(*objectEndpoint, os.Getenv("DRIFTCAST_OBJECT_ENDPOINT")),
		Region:         firstNonEmpty(*objectRegion, os.Getenv("DRIFTCAST_OBJECT_REGION")),
		AccessKey:      firstNonEmpty(*objectAccessKey, os.Getenv("DRIFTCAST_OBJECT_ACCESS_KEY")),
		SecretKey:      firstNonEmpty(*objectSecretKey, os.Getenv("DRIFTCAST_OBJECT_SECRET_KEY")),
		Bucket:         firstNonEmpty(*objectBucket, os.Getenv("DRIFTCAST_OBJECT_BUCKET")),
		UseSSL:         resolveBool(*objectUseSSL, "DRIFTCAST_OBJECT_USE_SSL"),
		Prefix:         strings.TrimSpace(firstNonEmpty(*objectPrefix, os.Getenv("DRIFTCAST_OBJECT_PREFIX"))),
		PublicEndpoint: firstNonEmpty(*objectPublicEndpoint, os.Getenv("DRIFTCAST_OBJECT_PUBLIC_ENDPOINT")),
		RequestTimeout: resolveDuration(*objectRequestTimeout, "DRIFTCAST_OBJECT_REQUEST_TIMEOUT", 0),
	})

	assembler := replay.NewAssembler(replay.AssemblerConfig{
		Store:       store,
		Segments:    segments,
		Queue:       queue,
		Objects:     objects,
		Recorder:    recorder,
		Logger:      logging.WithComponent(logger, "replay"),
		Workers:     resolveInt(*replayWorkers, "DRIFTCAST_REPLAY_WORKERS"),
		MaxAttempts: resolveInt(*replayMaxAttempts, "DRIFTCAST_REPLAY_MAX_ATTEMPTS"),
		RetryDelay:  resolveDuration(*replayRetryDelay, "DRIFTCAST_REPLAY_RETRY_DELAY", 0),
	})

	handler := api.NewHandler(store, engine, gateway, segments)
	handler.Logger = logging.WithComponent(logger, "api")
	handler.HookToken = firstNonEmpty(*hookToken, os.Getenv("DRIFTCAST_HOOK_TOKEN"))

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("DRIFTCAST_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("DRIFTCAST_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "DRIFTCAST_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "DRIFTCAST_RATE_GLOBAL_BURST"),
			HookLimit:     resolveInt(*hookLimit, "DRIFTCAST_RATE_HOOK_LIMIT"),
			HookWindow:    resolveDuration(*hookWindow, "DRIFTCAST_RATE_HOOK_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("DRIFTCAST_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("DRIFTCAST_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "DRIFTCAST_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			ControlOrigins: splitAndTrim(firstNonEmpty(*controlOrigins, os.Getenv("DRIFTCAST_CORS_CONTROL_ORIGINS"))),
			PlayerOrigins:  splitAndTrim(firstNonEmpty(*playerOrigins, os.Getenv("DRIFTCAST_CORS_PLAYER_ORIGINS"))),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweepStop := startSweepWorker(ctx, logging.WithComponent(logger, "sweeper"), segments, recorder,
		resolveDuration(*sweepInterval, "DRIFTCAST_SEGMENT_SWEEP_INTERVAL", 10*time.Second))
	defer sweepStop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("Driftcast API listening", "addr", listenAddr, "mode", serverMode)
		logger.Info("metrics endpoint available", "path", "/metrics")
		return srv.Run(groupCtx)
	})
	group.Go(func() error {
		return gateway.Run(groupCtx)
	})
	group.Go(func() error {
		return assembler.Run(groupCtx)
	})

	err = group.Wait()
	sweepStop()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closeErr := store.Close(closeCtx); closeErr != nil {
		logger.Warn("failed to close ledger", "error", closeErr)
	}

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func configureReplayQueue(driver string, cfg replay.RedisQueueConfig, logger *slog.Logger) (replay.Queue, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the replay queue")
		}
		cfg.Logger = logging.WithComponent(logger, "replay-queue")
		return replay.NewRedisQueue(cfg)
	case "", "memory":
		buffer := cfg.Buffer
		if buffer <= 0 {
			buffer = 128
		}
		return replay.NewMemoryQueue(buffer), nil
	default:
		return nil, fmt.Errorf("unsupported replay queue driver %q", driver)
	}
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveLedgerDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func validateProductionLedger(driver, dsn string) error {
	if driver != "postgres" {
		return fmt.Errorf("production mode requires the postgres ledger driver, got %q", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return fmt.Errorf("postgres ledger selected without DSN")
	}
	return nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/ledger.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("DRIFTCAST_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
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

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
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
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
