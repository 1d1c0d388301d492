package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/j3t/pipeline-cache/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "pipeline-cache",
	Short: "S3 backed cache for CI pipelines",
	Long: "Stores and restores build caches in an S3 compatible bucket, resolves restore keys " +
		"by exact and prefix match, and keeps the bucket under a size threshold.",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: teardown,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// flagKeys binds persistent flags to configuration keys.
var flagKeys = map[string]string{
	"backend":       config.KeyBackend,
	"s3-endpoint":   config.KeyS3Endpoint,
	"s3-region":     config.KeyS3Region,
	"s3-bucket":     config.KeyS3Bucket,
	"s3-access-key": config.KeyS3AccessKey,
	"s3-secret-key": config.KeyS3SecretKey,
	"part-size":     config.KeyPartSize,
	"threshold":     config.KeySizeThreshold,
	"lock-backend":  config.KeyLockBackend,
	"lock-dir":      config.KeyLockDir,
	"redis-addr":    config.KeyRedisAddr,
	"log-level":     config.KeyLogLevel,
	"log-format":    config.KeyLogFormat,
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "config file (default: ~/.config/pipeline-cache/config.yaml)")
	pf.String("backend", "", "store client: s3 or minio")
	pf.String("s3-endpoint", "", "custom S3 endpoint, enables path-style addressing")
	pf.String("s3-region", "", "S3 region")
	pf.String("s3-bucket", "", "bucket holding the cache")
	pf.String("s3-access-key", "", "S3 access key")
	pf.String("s3-secret-key", "", "S3 secret key")
	pf.String("part-size", "", "multipart upload part size, e.g. 10MiB")
	pf.String("threshold", "", "bucket size above which items are evicted, e.g. 50GB (0 disables)")
	pf.String("lock-backend", "", "eviction lease: none, file or redis")
	pf.String("lock-dir", "", "directory of file leases")
	pf.String("redis-addr", "", "redis address for the redis lease")
	pf.String("log-level", "", "log level")
	pf.String("log-format", "", "log format: console or json")

	for name, key := range flagKeys {
		viper.BindPFlag(key, pf.Lookup(name))
	}
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PIPELINE_CACHE")
	viper.AutomaticEnv()
	config.SetDefaults(viper.GetViper())
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "pipeline-cache")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "pipeline-cache")
	}
	return ".pipeline-cache"
}

func readConfig() (config.Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config.Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return config.Load(viper.GetViper())
}

func newLogger(cfg config.Config, out io.Writer) zerolog.Logger {
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	if cfg.LogFormat == "json" {
		return zerolog.New(out).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()
}

var current *app

func setup(cmd *cobra.Command, _ []string) error {
	cfg, err := readConfig()
	if err != nil {
		return err
	}
	// stdout may carry cache payloads, so logs go to stderr.
	current = newApp(cfg, newLogger(cfg, cmd.ErrOrStderr()))
	return nil
}

func teardown(*cobra.Command, []string) {
	if current != nil {
		current.close()
	}
}
