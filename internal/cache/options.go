package cache

import (
	"context"
	"time"

	"github.com/j3t/pipeline-cache/internal/upload"
	"github.com/rs/zerolog"
)

// Option configures a repository.
type Option func(*options)

type options struct {
	window   int
	pageSize int32
	now      func() time.Time
	logger   zerolog.Logger
}

// WithWindowSize sets the upload buffer window (see upload.WithWindowSize).
func WithWindowSize(n int) Option {
	return func(o *options) { o.window = n }
}

// WithPageSize limits the number of keys requested per listing page.
// Zero leaves the store default (1000 for S3).
func WithPageSize(n int32) Option {
	return func(o *options) { o.pageSize = n }
}

// WithClock sets the time source used for CREATION and LAST_ACCESS.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the repository logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{
		window: upload.DefaultWindowSize,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) newWriter(ctx context.Context, key string, target upload.Target) *upload.Writer {
	return upload.New(ctx, target,
		upload.WithWindowSize(o.window),
		upload.WithMetadata(func() map[string]string { return newMetadata(o.now()) }),
		upload.WithLogger(o.logger.With().Str("key", key).Logger()),
	)
}
