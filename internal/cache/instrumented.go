package cache

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/j3t/pipeline-cache/internal/metrics"
	"github.com/j3t/pipeline-cache/internal/upload"
)

// RangeDownloader is implemented by repositories that fetch an object into a
// random-access sink with parallel ranged requests.
type RangeDownloader interface {
	DownloadTo(ctx context.Context, key string, w io.WriterAt) (int64, error)
}

// Instrumented records metrics for every call to the wrapped repository.
type Instrumented struct {
	next    Repository
	metrics *metrics.CacheMetrics
	latency *metrics.LatencyTracker
}

// NewInstrumented wraps next. Either recorder may be nil.
func NewInstrumented(next Repository, m *metrics.CacheMetrics, lt *metrics.LatencyTracker) *Instrumented {
	return &Instrumented{next: next, metrics: m, latency: lt}
}

func (i *Instrumented) observe(op string, start time.Time, err error) {
	d := time.Since(start)
	if i.metrics != nil {
		i.metrics.RecordOperation(op, err, d)
	}
	if i.latency != nil {
		i.latency.Record(op, d)
	}
}

func (i *Instrumented) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := i.next.Exists(ctx, key)
	i.observe("exists", start, err)
	return ok, err
}

func (i *Instrumented) ContentLength(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	n, err := i.next.ContentLength(ctx, key)
	i.observe("content_length", start, ignoreNotFound(err))
	return n, err
}

func (i *Instrumented) TotalSize(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := i.next.TotalSize(ctx)
	i.observe("total_size", start, err)
	return n, err
}

func (i *Instrumented) FindAll(ctx context.Context) iter.Seq2[Item, error] {
	return i.instrumentList("find_all", i.next.FindAll(ctx))
}

func (i *Instrumented) FindByPrefix(ctx context.Context, prefix string) iter.Seq2[Item, error] {
	return i.instrumentList("find_by_prefix", i.next.FindByPrefix(ctx, prefix))
}

func (i *Instrumented) instrumentList(op string, seq iter.Seq2[Item, error]) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		start := time.Now()
		var failure error
		defer func() { i.observe(op, start, failure) }()
		for item, err := range seq {
			if err != nil {
				failure = err
			}
			if !yield(item, err) {
				return
			}
		}
	}
}

func (i *Instrumented) Creation(ctx context.Context, key string) (time.Time, error) {
	start := time.Now()
	t, err := i.next.Creation(ctx, key)
	i.observe("creation", start, ignoreNotFound(err))
	return t, err
}

func (i *Instrumented) Delete(ctx context.Context, keys []string) (int, error) {
	start := time.Now()
	n, err := i.next.Delete(ctx, keys)
	i.observe("delete", start, err)
	return n, err
}

func (i *Instrumented) Create(ctx context.Context, key string) (*upload.Writer, error) {
	start := time.Now()
	w, err := i.next.Create(ctx, key)
	if errors.Is(err, ErrAlreadyExists) {
		i.observe("create", start, nil)
	} else {
		i.observe("create", start, err)
	}
	return w, err
}

func (i *Instrumented) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	start := time.Now()
	body, size, err := i.next.Open(ctx, key)
	i.observe("open", start, ignoreNotFound(err))
	if err != nil {
		return nil, 0, err
	}
	return &countingReadCloser{ReadCloser: body, done: i.recordDownload}, size, nil
}

func (i *Instrumented) TouchLastAccess(ctx context.Context, key string) error {
	start := time.Now()
	err := i.next.TouchLastAccess(ctx, key)
	i.observe("touch_last_access", start, err)
	return err
}

func (i *Instrumented) BucketExists(ctx context.Context) (bool, error) {
	start := time.Now()
	ok, err := i.next.BucketExists(ctx)
	i.observe("bucket_exists", start, err)
	return ok, err
}

// DownloadTo uses the wrapped repository's ranged downloader when it has
// one, otherwise it copies the object body sequentially.
func (i *Instrumented) DownloadTo(ctx context.Context, key string, w io.WriterAt) (int64, error) {
	start := time.Now()
	var (
		n   int64
		err error
	)
	if d, ok := i.next.(RangeDownloader); ok {
		n, err = d.DownloadTo(ctx, key, w)
	} else {
		n, err = copyTo(ctx, i.next, key, w)
	}
	i.observe("download", start, ignoreNotFound(err))
	i.recordDownload(n)
	return n, err
}

// RecordUpload counts bytes written through a writer returned by Create.
func (i *Instrumented) RecordUpload(n int64) {
	if i.metrics != nil {
		i.metrics.RecordUpload(n)
	}
}

func (i *Instrumented) recordDownload(n int64) {
	if i.metrics != nil && n > 0 {
		i.metrics.RecordDownload(n)
	}
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// copyTo streams key into w from offset zero.
func copyTo(ctx context.Context, repo Repository, key string, w io.WriterAt) (int64, error) {
	body, _, err := repo.Open(ctx, key)
	if err != nil {
		return 0, err
	}
	defer body.Close()
	return io.Copy(io.NewOffsetWriter(w, 0), body)
}

// countingReadCloser reports the bytes read once it is closed.
type countingReadCloser struct {
	io.ReadCloser
	n    int64
	once sync.Once
	done func(int64)
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error {
	c.once.Do(func() { c.done(c.n) })
	return c.ReadCloser.Close()
}

var (
	_ Repository      = (*Instrumented)(nil)
	_ RangeDownloader = (*Instrumented)(nil)
	_ RangeDownloader = (*S3Repository)(nil)
)
