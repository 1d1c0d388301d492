package cache

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// Cache ties a Repository and a Resolver into the backup and restore flows.
type Cache struct {
	repo     Repository
	resolver *Resolver
	logger   zerolog.Logger
}

func New(repo Repository, logger zerolog.Logger, opts ...ResolverOption) *Cache {
	opts = append([]ResolverOption{WithResolverLogger(logger)}, opts...)
	return &Cache{
		repo:     repo,
		resolver: NewResolver(repo, opts...),
		logger:   logger,
	}
}

func (c *Cache) Repository() Repository { return c.repo }

// BackupResult describes a finished backup.
type BackupResult struct {
	Key string
	// Saved is false when the key already existed and nothing was written.
	Saved bool
	Size  int64
}

// Backup stores r under key unless key is already taken.
func (c *Cache) Backup(ctx context.Context, key string, r io.Reader) (BackupResult, error) {
	w, err := c.repo.Create(ctx, key)
	if errors.Is(err, ErrAlreadyExists) {
		c.logger.Info().Str("key", key).Msg("cache already exists, not saving cache")
		return BackupResult{Key: key}, nil
	}
	if err != nil {
		return BackupResult{}, fmt.Errorf("create %q: %w", key, err)
	}

	if _, err := io.Copy(w, r); err != nil {
		if abortErr := w.Abort(); abortErr != nil {
			c.logger.Warn().Err(abortErr).Str("key", key).Msg("failed to abort upload")
		}
		return BackupResult{}, fmt.Errorf("upload %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return BackupResult{}, fmt.Errorf("upload %q: %w", key, err)
	}

	size := w.Size()
	if rec, ok := c.repo.(interface{ RecordUpload(int64) }); ok {
		rec.RecordUpload(size)
	}
	c.logger.Info().
		Str("key", key).
		Str("size", humanize.IBytes(uint64(size))).
		Msg("cache saved")
	return BackupResult{Key: key, Saved: true, Size: size}, nil
}

// RestoreResult describes a finished restore.
type RestoreResult struct {
	Match Match
	// Found is false when no key matched and nothing was written.
	Found bool
	Size  int64
}

// Lookup resolves the key a restore would read, without reading it.
func (c *Cache) Lookup(ctx context.Context, primary string, restoreKeys ...string) (Match, bool, error) {
	return c.resolver.Resolve(ctx, primary, restoreKeys...)
}

// Entry is an opened restore. Closing it refreshes the item's LAST_ACCESS
// metadata.
type Entry struct {
	Match Match
	Size  int64

	body   io.ReadCloser
	ctx    context.Context
	cache  *Cache
	closed bool
}

func (e *Entry) Read(p []byte) (int, error) { return e.body.Read(p) }

func (e *Entry) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	err := e.body.Close()
	e.cache.touch(e.ctx, e.Match.Key)
	return err
}

// Open resolves the best matching item and opens it for reading. ok is false
// on a miss.
func (c *Cache) Open(ctx context.Context, primary string, restoreKeys ...string) (*Entry, bool, error) {
	m, ok, err := c.resolver.Resolve(ctx, primary, restoreKeys...)
	if err != nil || !ok {
		return nil, false, err
	}
	body, size, err := c.repo.Open(ctx, m.Key)
	if errors.Is(err, ErrNotFound) {
		// Evicted between resolving and opening.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open %q: %w", m.Key, err)
	}
	return &Entry{Match: m, Size: size, body: body, ctx: ctx, cache: c}, true, nil
}

// Restore resolves the best matching item, streams it to w and refreshes its
// LAST_ACCESS metadata.
func (c *Cache) Restore(ctx context.Context, w io.Writer, primary string, restoreKeys ...string) (RestoreResult, error) {
	return c.restore(ctx, primary, restoreKeys, func(key string) (int64, error) {
		body, _, err := c.repo.Open(ctx, key)
		if err != nil {
			return 0, err
		}
		defer body.Close()
		return io.Copy(w, body)
	})
}

// RestoreTo is Restore for random-access sinks such as files. Repositories
// implementing RangeDownloader fetch the item with parallel ranged requests.
func (c *Cache) RestoreTo(ctx context.Context, w io.WriterAt, primary string, restoreKeys ...string) (RestoreResult, error) {
	return c.restore(ctx, primary, restoreKeys, func(key string) (int64, error) {
		if d, ok := c.repo.(RangeDownloader); ok {
			return d.DownloadTo(ctx, key, w)
		}
		return copyTo(ctx, c.repo, key, w)
	})
}

func (c *Cache) restore(ctx context.Context, primary string, restoreKeys []string, fetch func(key string) (int64, error)) (RestoreResult, error) {
	m, ok, err := c.resolver.Resolve(ctx, primary, restoreKeys...)
	if err != nil {
		return RestoreResult{}, err
	}
	if !ok {
		c.logger.Info().Str("key", primary).Strs("restore_keys", restoreKeys).Msg("cache not restored, no such key found")
		return RestoreResult{}, nil
	}

	n, err := fetch(m.Key)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("restore %q: %w", m.Key, err)
	}
	c.touch(ctx, m.Key)

	c.logger.Info().
		Str("key", m.Key).
		Stringer("match", m.Kind).
		Str("size", humanize.IBytes(uint64(n))).
		Msg("cache restored")
	return RestoreResult{Match: m, Found: true, Size: n}, nil
}

func (c *Cache) touch(ctx context.Context, key string) {
	if err := c.repo.TouchLastAccess(ctx, key); err != nil {
		// The content is already out; eviction just sees an older access.
		c.logger.Warn().Err(err).Str("key", key).Msg("failed to update last access")
	}
}
