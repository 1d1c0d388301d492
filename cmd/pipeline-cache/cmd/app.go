package cmd

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/j3t/pipeline-cache/internal/cache"
	"github.com/j3t/pipeline-cache/internal/config"
	"github.com/j3t/pipeline-cache/internal/evict"
	"github.com/j3t/pipeline-cache/internal/lock"
	"github.com/j3t/pipeline-cache/internal/metrics"
)

// app carries the dependencies of one command invocation. The store client
// and the locker are built on first use.
type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry
	metrics  *metrics.CacheMetrics
	latency  *metrics.LatencyTracker

	repository func() (cache.Repository, error)
	locker     func() (lock.Locker, error)

	redis *redis.Client
}

func newApp(cfg config.Config, logger zerolog.Logger) *app {
	registry := metrics.NewRegistry()
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  metrics.NewCacheMetrics(registry),
		latency:  metrics.NewLatencyTracker(metrics.DefaultRelativeAccuracy),
	}
	a.repository = sync.OnceValues(func() (cache.Repository, error) {
		repo, err := newRepository(context.Background(), cfg, logger)
		if err != nil {
			return nil, err
		}
		return cache.NewInstrumented(repo, a.metrics, a.latency), nil
	})
	a.locker = sync.OnceValues(a.newLocker)
	return a
}

func (a *app) cache() (*cache.Cache, error) {
	repo, err := a.repository()
	if err != nil {
		return nil, err
	}
	return cache.New(repo, a.logger), nil
}

func (a *app) scheduler() (*evict.Scheduler, error) {
	repo, err := a.repository()
	if err != nil {
		return nil, err
	}
	locker, err := a.locker()
	if err != nil {
		return nil, err
	}
	return &evict.Scheduler{
		Policy: &evict.Policy{
			Repo:      repo,
			Threshold: a.cfg.SizeThreshold,
			Logger:    a.logger,
			Metrics:   a.metrics,
		},
		Interval:     a.cfg.EvictionInterval,
		InitialDelay: a.cfg.EvictionInitialDelay,
		Locker:       locker,
		LockTTL:      a.cfg.LockTTL,
		Logger:       a.logger,
	}, nil
}

func (a *app) newLocker() (lock.Locker, error) {
	switch a.cfg.LockBackend {
	case config.LockFile:
		return lock.NewFileLocker(a.cfg.LockDir), nil
	case config.LockRedis:
		a.redis = lock.NewRedisClient(a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB)
		return lock.NewRedisLocker(a.redis, ""), nil
	default:
		return nil, nil
	}
}

func (a *app) close() {
	for _, s := range a.latency.AllStats() {
		a.logger.Debug().Msg(s.String())
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close redis client")
		}
	}
}

func newRepository(ctx context.Context, cfg config.Config, logger zerolog.Logger) (cache.Repository, error) {
	opts := []cache.Option{
		cache.WithWindowSize(cfg.PartSize),
		cache.WithLogger(logger),
	}
	switch cfg.Backend {
	case config.BackendMinio:
		client, err := newMinioClient(cfg)
		if err != nil {
			return nil, err
		}
		return cache.NewMinioRepository(cfg.S3Bucket, client, opts...), nil
	default:
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return cache.NewS3Repository(cfg.S3Bucket, client, opts...), nil
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.UsePathStyle = true
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		// S3 compatible stores reject the default trailing checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	}), nil
}

// newMinioClient connects to endpoint. A bare host:port is plain HTTP, an
// https:// URL enables TLS.
func newMinioClient(cfg config.Config) (*minio.Client, error) {
	host, secure := cfg.S3Endpoint, false
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("parse s3 endpoint: %w", err)
		}
		host, secure = u.Host, u.Scheme == "https"
	}
	client, err := minio.New(host, &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: secure,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return client, nil
}
