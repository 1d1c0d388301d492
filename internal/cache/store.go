package cache

import (
	"context"
	"errors"
	"io"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/j3t/pipeline-cache/internal/upload"
)

var (
	ErrNotFound      = errors.New("cache item not found")
	ErrAlreadyExists = errors.New("cache item already exists")
)

// User metadata fields stamped on every stored object. Values are decimal
// epoch milliseconds.
const (
	MetaCreation   = "CREATION"
	MetaLastAccess = "LAST_ACCESS"
)

// Item is one stored cache entry.
type Item struct {
	Key           string
	ContentLength int64
	LastAccess    time.Time
}

// Repository is the object store view of the cache.
type Repository interface {
	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// ContentLength returns the size of the object, or ErrNotFound.
	ContentLength(ctx context.Context, key string) (int64, error)

	// TotalSize sums the sizes of all objects in the bucket.
	TotalSize(ctx context.Context) (int64, error)

	// FindAll enumerates every object, one listing page at a time. Each
	// iteration lists the bucket again from the start.
	FindAll(ctx context.Context) iter.Seq2[Item, error]

	// FindByPrefix enumerates the objects whose key starts with prefix.
	FindByPrefix(ctx context.Context, prefix string) iter.Seq2[Item, error]

	// Creation returns the creation time recorded on the object. Objects
	// without it report the zero Unix epoch.
	Creation(ctx context.Context, key string) (time.Time, error)

	// Delete removes keys and returns how many the store confirmed. Per-key
	// failures only lower the count.
	Delete(ctx context.Context, keys []string) (int, error)

	// Create opens a writer for a new object. It fails with ErrAlreadyExists
	// when key is taken. The object exists once the writer is closed.
	Create(ctx context.Context, key string) (*upload.Writer, error)

	// Open streams an object's content, or returns ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// TouchLastAccess refreshes the LAST_ACCESS metadata of key.
	TouchLastAccess(ctx context.Context, key string) error

	// BucketExists probes the configured bucket.
	BucketExists(ctx context.Context) (bool, error)
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// metaTime reads a millisecond timestamp from user metadata. Stores differ in
// how they case metadata keys, so the lookup ignores case.
func metaTime(meta map[string]string, name string) time.Time {
	for k, v := range meta {
		if !strings.EqualFold(k, name) {
			continue
		}
		ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return time.UnixMilli(0)
		}
		return time.UnixMilli(ms)
	}
	return time.UnixMilli(0)
}

// newMetadata returns the metadata for an object created at now.
func newMetadata(now time.Time) map[string]string {
	ts := formatMillis(now)
	return map[string]string{
		MetaCreation:   ts,
		MetaLastAccess: ts,
	}
}

// touchedMetadata copies meta, replacing LAST_ACCESS with now.
func touchedMetadata(meta map[string]string, now time.Time) map[string]string {
	out := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		if strings.EqualFold(k, MetaLastAccess) {
			continue
		}
		out[k] = v
	}
	out[MetaLastAccess] = formatMillis(now)
	return out
}
