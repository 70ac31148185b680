package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"signtrust/internal/config"
	"signtrust/internal/domain"
	"signtrust/internal/infra/db"
	"signtrust/internal/infra/docsource"
	"signtrust/internal/infra/fieldcipher"
	httpinfra "signtrust/internal/infra/http"
	"signtrust/internal/infra/memstore"
	"signtrust/internal/infra/metrics"
	"signtrust/internal/infra/notify"
	"signtrust/internal/infra/policyopa"
	"signtrust/internal/infra/ratelimit"
	"signtrust/internal/infra/redisstore"
	"signtrust/internal/infra/tsa"
	"signtrust/internal/logging"
	"signtrust/internal/usecase"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("signtrustd exited", zap.Error(err))
	}
}

type backends struct {
	trails   domain.TrailRepository
	evidence domain.EvidenceRepository
	otp      domain.OTPStore
	limiter  domain.RateLimiter
	health   map[string]httpinfra.HealthCheck
	closers  []func() error
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for i := len(b.closers) - 1; i >= 0; i-- {
			if err := b.closers[i](); err != nil {
				logger.Warn("close backend", zap.Error(err))
			}
		}
	}()

	keys, err := fieldcipher.NewTenantKeyStore(cfg.ServerSecret)
	if err != nil {
		return fmt.Errorf("tenant keys: %w", err)
	}
	cipher, err := fieldcipher.New(keys, logger.Named("fieldcipher"))
	if err != nil {
		return fmt.Errorf("field cipher: %w", err)
	}

	sms, email, closeNotify, err := openNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeNotify(); err != nil {
			logger.Warn("close notifier", zap.Error(err))
		}
	}()

	timestamps, err := openTimestamps(cfg, logger)
	if err != nil {
		return err
	}

	documents, err := openDocuments(cfg, logger)
	if err != nil {
		return err
	}

	policy, err := openPolicy(ctx, cfg)
	if err != nil {
		return err
	}
	logger.Info("policy loaded", zap.String("bundle_hash", policy.BundleHash()))

	trails := usecase.NewAuditTrailService(b.trails, nil, logger.Named("audit"), m)
	otp := usecase.NewOTPChallenge(b.otp, sms, email, cfg.OTPPolicy(), cfg.SMSSender, nil, logger.Named("otp"), m)
	signing := usecase.NewSigningFlow(trails, otp, timestamps, cipher, b.evidence, nil, logger.Named("signing"), m)
	signing.EncryptedFields = cfg.EncryptedFields
	verifier := usecase.NewIntegrityVerifier(b.evidence, cipher, trails, cfg.ScoringPolicy(), logger.Named("integrity"), m)
	verifier.EncryptedFields = cfg.EncryptedFields
	verifier.Policy = policy
	verifier.Documents = documents

	srv := httpinfra.NewServer(httpinfra.Deps{
		Trails:   trails,
		OTP:      otp,
		Signing:  signing,
		Verifier: verifier,
		Limiter:  b.limiter,
		RateLimit: httpinfra.RateLimitConfig{
			Requests:   cfg.RateLimitRequests,
			Window:     cfg.RateLimitWindow,
			FailClosed: cfg.RateLimitFailClosed,
		},
		Observer: m,
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Health:   b.health,
		Logger:   logger.Named("http"),
	})
	return srv.Run(ctx, cfg.HTTPAddr)
}

func openBackends(ctx context.Context, cfg config.Config, logger *zap.Logger) (*backends, error) {
	b := &backends{health: map[string]httpinfra.HealthCheck{}}

	switch cfg.StoreBackend {
	case "postgres":
		store, err := db.NewStore(cfg.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, store.Close)
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		b.trails, b.evidence = store.Trails, store.Evidence
		b.health["postgres"] = store.Ping
		if cfg.OTPBackend == "postgres" {
			b.otp = store.OTP
		}
	default:
		b.trails, b.evidence = memstore.NewTrailStore(), memstore.NewEvidenceStore()
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		b.closers = append(b.closers, rdb.Close)
		b.health["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	switch cfg.OTPBackend {
	case "redis":
		store, err := redisstore.NewOTPStore(rdb, 0)
		if err != nil {
			return nil, err
		}
		b.otp = store
	case "postgres":
		if b.otp == nil {
			return nil, fmt.Errorf("OTP_BACKEND=postgres requires STORE_BACKEND=postgres")
		}
	default:
		b.otp = memstore.NewOTPStore()
	}

	if rdb != nil {
		limiter, err := ratelimit.NewRedis(rdb, nil)
		if err != nil {
			return nil, err
		}
		b.limiter = limiter
	} else {
		b.limiter = ratelimit.NewMemory(nil, cfg.RateLimitMaxKeys)
	}

	logger.Info("backends ready",
		zap.String("store", cfg.StoreBackend),
		zap.String("otp", cfg.OTPBackend),
		zap.Bool("redis", rdb != nil),
	)
	return b, nil
}

func openNotifier(cfg config.Config, logger *zap.Logger) (domain.SMSSender, domain.EmailSender, func() error, error) {
	if cfg.AMQPURL == "" {
		sender := notify.NewLogSender(logger.Named("notify"))
		return sender, sender, func() error { return nil }, nil
	}
	publisher, err := notify.Dial(cfg.AMQPURL, cfg.AMQPExchange, logger.Named("notify"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("notification broker: %w", err)
	}
	return publisher, publisher, publisher.Close, nil
}

func openTimestamps(cfg config.Config, logger *zap.Logger) (domain.TimestampClient, error) {
	if cfg.TSAURL == "" {
		logger.Warn("TSA_URL not set, signatures will carry unverified timestamps")
		return tsa.Disabled{Clock: time.Now}, nil
	}
	client, err := tsa.NewClient(cfg.TSAURL, cfg.TSATimeout, nil, tsa.WithLogger(logger.Named("tsa")))
	if err != nil {
		return nil, fmt.Errorf("tsa client: %w", err)
	}
	return client, nil
}

// openDocuments returns nil when no document service is configured; evidence
// without a snapshot then has no hash source.
func openDocuments(cfg config.Config, logger *zap.Logger) (domain.DocumentSource, error) {
	if cfg.DocumentSourceURL == "" {
		return nil, nil
	}
	client, err := docsource.NewClient(cfg.DocumentSourceURL, cfg.DocumentSourceTimeout, nil, logger.Named("documents"))
	if err != nil {
		return nil, fmt.Errorf("document source: %w", err)
	}
	return client, nil
}

func openPolicy(ctx context.Context, cfg config.Config) (*policyopa.Engine, error) {
	if cfg.PolicyBundlePath == "" {
		engine, err := policyopa.NewDefaultEngine(ctx)
		if err != nil {
			return nil, fmt.Errorf("load default policy: %w", err)
		}
		return engine, nil
	}
	engine, err := policyopa.NewEngineFromBundlePath(ctx, cfg.PolicyBundlePath, cfg.PolicyBundleID)
	if err != nil {
		return nil, fmt.Errorf("load policy bundle %s: %w", cfg.PolicyBundlePath, err)
	}
	return engine, nil
}
