package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/j3t/pipeline-cache/internal/upload"
)

// Configuration keys. Each maps to the environment variable
// PIPELINE_CACHE_<KEY> once the CLI has enabled AutomaticEnv.
const (
	KeyBackend              = "backend"
	KeyS3Endpoint           = "s3_endpoint"
	KeyS3Region             = "s3_region"
	KeyS3Bucket             = "s3_bucket"
	KeyS3AccessKey          = "s3_access_key"
	KeyS3SecretKey          = "s3_secret_key"
	KeySizeThreshold        = "size_threshold"
	KeyPartSize             = "part_size"
	KeyEvictionInterval     = "eviction_interval"
	KeyEvictionInitialDelay = "eviction_initial_delay"
	KeyLockBackend          = "lock_backend"
	KeyLockDir              = "lock_dir"
	KeyLockTTL              = "lock_ttl"
	KeyRedisAddr            = "redis_addr"
	KeyRedisPassword        = "redis_password"
	KeyRedisDB              = "redis_db"
	KeyListenAddr           = "listen_addr"
	KeyLogLevel             = "log_level"
	KeyLogFormat            = "log_format"
)

const (
	BackendS3    = "s3"
	BackendMinio = "minio"

	LockNone  = "none"
	LockFile  = "file"
	LockRedis = "redis"
)

type Config struct {
	Backend     string
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string

	// SizeThreshold is the bucket size in bytes above which eviction deletes
	// items. <= 0 disables eviction.
	SizeThreshold int64
	PartSize      int

	EvictionInterval     time.Duration
	EvictionInitialDelay time.Duration

	LockBackend   string
	LockDir       string
	LockTTL       time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ListenAddr string
	LogLevel   string
	LogFormat  string
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyBackend, BackendS3)
	v.SetDefault(KeyS3Region, "us-east-1")
	v.SetDefault(KeySizeThreshold, "0")
	v.SetDefault(KeyPartSize, strconv.Itoa(upload.DefaultWindowSize))
	v.SetDefault(KeyEvictionInterval, time.Hour)
	v.SetDefault(KeyEvictionInitialDelay, time.Hour)
	v.SetDefault(KeyLockBackend, LockNone)
	v.SetDefault(KeyLockDir, filepath.Join(os.TempDir(), "pipeline-cache"))
	v.SetDefault(KeyLockTTL, 10*time.Minute)
	v.SetDefault(KeyRedisDB, 0)
	v.SetDefault(KeyListenAddr, ":8080")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "console")
}

// Load reads and validates the configuration from v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Backend:              strings.ToLower(v.GetString(KeyBackend)),
		S3Endpoint:           v.GetString(KeyS3Endpoint),
		S3Region:             v.GetString(KeyS3Region),
		S3Bucket:             v.GetString(KeyS3Bucket),
		S3AccessKey:          v.GetString(KeyS3AccessKey),
		S3SecretKey:          v.GetString(KeyS3SecretKey),
		EvictionInterval:     v.GetDuration(KeyEvictionInterval),
		EvictionInitialDelay: v.GetDuration(KeyEvictionInitialDelay),
		LockBackend:          strings.ToLower(v.GetString(KeyLockBackend)),
		LockDir:              v.GetString(KeyLockDir),
		LockTTL:              v.GetDuration(KeyLockTTL),
		RedisAddr:            v.GetString(KeyRedisAddr),
		RedisPassword:        v.GetString(KeyRedisPassword),
		RedisDB:              v.GetInt(KeyRedisDB),
		ListenAddr:           v.GetString(KeyListenAddr),
		LogLevel:             v.GetString(KeyLogLevel),
		LogFormat:            strings.ToLower(v.GetString(KeyLogFormat)),
	}

	threshold, err := ParseSize(v.GetString(KeySizeThreshold))
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", KeySizeThreshold, err)
	}
	cfg.SizeThreshold = threshold

	partSize, err := ParseSize(v.GetString(KeyPartSize))
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", KeyPartSize, err)
	}
	if partSize < upload.MinPartSize || partSize > math.MaxInt32 {
		return cfg, fmt.Errorf("%s must be between %s and 2GiB", KeyPartSize, humanize.IBytes(upload.MinPartSize))
	}
	cfg.PartSize = int(partSize)

	return cfg, cfg.Validate()
}

// Validate checks the fields that depend on each other.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendS3, BackendMinio:
	default:
		return fmt.Errorf("unknown backend %q (want s3 or minio)", c.Backend)
	}
	if c.S3Bucket == "" {
		return errors.New("s3_bucket is required")
	}
	if c.Backend == BackendMinio && c.S3Endpoint == "" {
		return errors.New("s3_endpoint is required for the minio backend")
	}
	if (c.S3AccessKey == "") != (c.S3SecretKey == "") {
		return errors.New("s3_access_key and s3_secret_key must be set together")
	}
	if c.Backend == BackendMinio && c.S3AccessKey == "" {
		return errors.New("s3 access/secret are required for the minio backend")
	}
	if c.EvictionInterval <= 0 {
		return errors.New("eviction_interval must be positive")
	}
	if c.EvictionInitialDelay < 0 {
		return errors.New("eviction_initial_delay must not be negative")
	}

	switch c.LockBackend {
	case LockNone:
	case LockFile:
		if c.LockDir == "" {
			return errors.New("lock_dir is required for the file lock backend")
		}
	case LockRedis:
		if c.RedisAddr == "" {
			return errors.New("redis_addr is required for the redis lock backend")
		}
	default:
		return fmt.Errorf("unknown lock_backend %q (want none, file or redis)", c.LockBackend)
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log_format %q (want console or json)", c.LogFormat)
	}
	return nil
}

// ParseSize reads a byte count given either as a plain integer, which may be
// negative, or as a human readable size such as "5GB" or "512 MiB". The empty
// string is zero.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return int64(n), nil
}
