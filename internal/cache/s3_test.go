package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/j3t/pipeline-cache/internal/cache/cachetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBucket = "pipeline-cache"

var epoch = time.UnixMilli(1_700_000_000_000)

type fixture struct {
	repo  *S3Repository
	store *cachetest.MemoryS3
	clock *cachetest.Clock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := cachetest.NewClock(epoch, time.Second)
	store := cachetest.NewMemoryS3(testBucket, clock.Now)
	opts = append([]Option{WithClock(clock.Now), WithWindowSize(16)}, opts...)
	return &fixture{
		repo:  NewS3Repository(testBucket, store, opts...),
		store: store,
		clock: clock,
	}
}

// put stores body under key through the repository.
func (f *fixture) put(t *testing.T, key string, body []byte) {
	t.Helper()
	w, err := f.repo.Create(context.Background(), key)
	require.NoError(t, err)
	_, err = w.Write(body)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func data(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func collect(t *testing.T, seq func(func(Item, error) bool)) []Item {
	t.Helper()
	var items []Item
	for item, err := range seq {
		require.NoError(t, err)
		items = append(items, item)
	}
	return items
}

func keysOf(items []Item) []string {
	keys := make([]string, 0, len(items))
	for _, item := range items {
		keys = append(keys, item.Key)
	}
	return keys
}

func TestS3ExistsAndContentLength(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.repo.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.repo.ContentLength(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	f.put(t, "present", data(10))
	ok, err = f.repo.Exists(ctx, "present")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := f.repo.ContentLength(ctx, "present")
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}

func TestS3ExistsPropagatesTransportFailure(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("connection reset")
	f.store.Fail("HeadObject", "", boom)

	_, err := f.repo.Exists(context.Background(), "key")
	assert.ErrorIs(t, err, boom)
}

func TestS3RoundTrip(t *testing.T) {
	sizes := []int{0, 1, 15, 16, 17, 32, 100, 1000}
	for _, size := range sizes {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			f := newFixture(t)
			want := data(size)
			f.put(t, "round-trip", want)

			body, n, err := f.repo.Open(context.Background(), "round-trip")
			require.NoError(t, err)
			defer body.Close()
			got, err := io.ReadAll(body)
			require.NoError(t, err)

			assert.Equal(t, int64(size), n)
			assert.Equal(t, want, got)
			if size > 16 {
				assert.Equal(t, 1, f.store.Calls("CreateMultipartUpload"))
				assert.Zero(t, f.store.Calls("PutObject"))
			} else {
				assert.Zero(t, f.store.Calls("CreateMultipartUpload"))
				assert.Equal(t, 1, f.store.Calls("PutObject"))
			}
			assert.Zero(t, f.store.OpenUploads())
		})
	}
}

func TestS3CreateRefusesExistingKey(t *testing.T) {
	f := newFixture(t)
	f.put(t, "taken", []byte("first"))

	w, err := f.repo.Create(context.Background(), "taken")
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Nil(t, w)

	obj, ok := f.store.Get("taken")
	require.True(t, ok)
	assert.Equal(t, []byte("first"), obj.Body)
}

func TestS3CreateStampsMetadata(t *testing.T) {
	for _, size := range []int{4, 40} {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			f := newFixture(t)
			f.put(t, "stamped", data(size))

			obj, ok := f.store.Get("stamped")
			require.True(t, ok)
			creation := metaTime(obj.Metadata, MetaCreation)
			lastAccess := metaTime(obj.Metadata, MetaLastAccess)
			assert.True(t, creation.After(epoch.Add(-time.Millisecond)))
			assert.Equal(t, creation, lastAccess)

			got, err := f.repo.Creation(context.Background(), "stamped")
			require.NoError(t, err)
			assert.Equal(t, creation, got)
		})
	}
}

func TestS3CreationWithoutMetadata(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("bare", []byte("x"), nil)
	f.store.Seed("garbled", []byte("x"), map[string]string{"creation": "yesterday"})

	for _, key := range []string{"bare", "garbled"} {
		got, err := f.repo.Creation(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, time.UnixMilli(0), got)
	}

	_, err := f.repo.Creation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3AbortedUploadLeavesNothing(t *testing.T) {
	f := newFixture(t)
	w, err := f.repo.Create(context.Background(), "partial")
	require.NoError(t, err)
	_, err = w.Write(data(40))
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	ok, err := f.repo.Exists(context.Background(), "partial")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, f.store.OpenUploads())
	assert.Equal(t, 1, f.store.Calls("AbortMultipartUpload"))
}

func TestS3FailedPartAbortsSession(t *testing.T) {
	f := newFixture(t)
	f.store.Fail("UploadPart", "broken", errors.New("slow down"))

	w, err := f.repo.Create(context.Background(), "broken")
	require.NoError(t, err)
	_, err = w.Write(data(40))
	require.Error(t, err)
	require.Error(t, w.Close())

	assert.Zero(t, f.store.OpenUploads())
	_, ok := f.store.Get("broken")
	assert.False(t, ok)
}

func TestS3RealPartSizes(t *testing.T) {
	clock := cachetest.NewClock(epoch, time.Second)
	store := cachetest.NewMemoryS3(testBucket, clock.Now)
	store.MinPartSize = 5 << 20
	repo := NewS3Repository(testBucket, store, WithClock(clock.Now), WithWindowSize(5<<20))

	want := data(11 << 20)
	w, err := repo.Create(context.Background(), "large")
	require.NoError(t, err)
	for off := 0; off < len(want); off += 1 << 20 {
		_, err := w.Write(want[off : off+1<<20])
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	obj, ok := store.Get("large")
	require.True(t, ok)
	assert.True(t, bytes.Equal(want, obj.Body))
	assert.Equal(t, 3, store.Calls("UploadPart"))
}

func TestS3TotalSizeAndFindAllPaginate(t *testing.T) {
	f := newFixture(t, WithPageSize(3))
	var want []string
	for i := range 10 {
		key := fmt.Sprintf("item-%02d", i)
		f.store.Seed(key, data(i+1), nil)
		want = append(want, key)
	}
	ctx := context.Background()

	total, err := f.repo.TotalSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(55), total)
	assert.Equal(t, 4, f.store.Calls("ListObjectsV2"))

	items := collect(t, f.repo.FindAll(ctx))
	assert.Equal(t, want, keysOf(items))
	assert.Equal(t, int64(1), items[0].ContentLength)

	// A second pass lists again from the start.
	again := collect(t, f.repo.FindAll(ctx))
	assert.Equal(t, want, keysOf(again))
	assert.Equal(t, 12, f.store.Calls("ListObjectsV2"))
}

func TestS3FindAllStopsEarly(t *testing.T) {
	f := newFixture(t, WithPageSize(2))
	for i := range 10 {
		f.store.Seed(fmt.Sprintf("k%d", i), nil, nil)
	}

	n := 0
	for _, err := range f.repo.FindAll(context.Background()) {
		require.NoError(t, err)
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 2, f.store.Calls("ListObjectsV2"))
}

func TestS3FindAllYieldsListingError(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("list failed")
	f.store.Fail("ListObjectsV2", "", boom)

	var got error
	for _, err := range f.repo.FindAll(context.Background()) {
		got = err
	}
	assert.ErrorIs(t, got, boom)

	_, err := f.repo.TotalSize(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestS3FindByPrefix(t *testing.T) {
	f := newFixture(t)
	for _, key := range []string{"linux-a", "linux-b", "mac-a", "lin"} {
		f.store.Seed(key, nil, nil)
	}
	items := collect(t, f.repo.FindByPrefix(context.Background(), "linux-"))
	assert.Equal(t, []string{"linux-a", "linux-b"}, keysOf(items))
}

func TestS3EmptyBucket(t *testing.T) {
	f := newFixture(t)
	total, err := f.repo.TotalSize(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, collect(t, f.repo.FindAll(context.Background())))
}

func TestS3Delete(t *testing.T) {
	f := newFixture(t)
	for _, key := range []string{"a", "b", "c"} {
		f.store.Seed(key, nil, nil)
	}
	f.store.RefuseDelete("b")

	n, err := f.repo.Delete(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"b"}, f.store.Keys())
}

func TestS3DeleteNothing(t *testing.T) {
	f := newFixture(t)
	n, err := f.repo.Delete(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.store.Calls("DeleteObjects"))
}

func TestS3DeleteSplitsLargeBatches(t *testing.T) {
	f := newFixture(t)
	keys := make([]string, 2500)
	for i := range keys {
		keys[i] = fmt.Sprintf("item-%04d", i)
		f.store.Seed(keys[i], nil, nil)
	}

	n, err := f.repo.Delete(context.Background(), keys)
	require.NoError(t, err)
	assert.Equal(t, 2500, n)
	assert.Equal(t, 3, f.store.Calls("DeleteObjects"))
	assert.Empty(t, f.store.Keys())
}

func TestS3DeleteRequestFailure(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("a", nil, nil)
	boom := errors.New("forbidden")
	f.store.Fail("DeleteObjects", "", boom)

	_, err := f.repo.Delete(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, boom)
}

func TestS3TouchLastAccess(t *testing.T) {
	f := newFixture(t)
	f.put(t, "nested/key with space", data(4))
	before, _ := f.store.Get("nested/key with space")

	f.clock.Advance(time.Hour)
	require.NoError(t, f.repo.TouchLastAccess(context.Background(), "nested/key with space"))

	after, ok := f.store.Get("nested/key with space")
	require.True(t, ok)
	assert.Equal(t, before.Body, after.Body)
	assert.Equal(t, metaTime(before.Metadata, MetaCreation), metaTime(after.Metadata, MetaCreation))
	assert.True(t, metaTime(after.Metadata, MetaLastAccess).After(metaTime(before.Metadata, MetaLastAccess)))
	assert.True(t, after.LastModified.After(before.LastModified))
}

func TestS3TouchLastAccessMissing(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.repo.TouchLastAccess(context.Background(), "missing"), ErrNotFound)
}

func TestS3BucketExists(t *testing.T) {
	f := newFixture(t)
	ok, err := f.repo.BucketExists(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	other := NewS3Repository("other-bucket", f.store)
	ok, err = other.BucketExists(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	boom := errors.New("dial tcp: refused")
	f.store.Fail("HeadBucket", "", boom)
	_, err = f.repo.BucketExists(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestS3DownloadTo(t *testing.T) {
	f := newFixture(t)
	want := data(100)
	f.put(t, "download", want)

	buf := manager.NewWriteAtBuffer(nil)
	n, err := f.repo.DownloadTo(context.Background(), "download", buf)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)
	assert.Equal(t, want, buf.Bytes())

	_, err = f.repo.DownloadTo(context.Background(), "missing", manager.NewWriteAtBuffer(nil))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3DownloadToEmptyItem(t *testing.T) {
	f := newFixture(t)
	f.put(t, "empty", nil)

	buf := manager.NewWriteAtBuffer(nil)
	n, err := f.repo.DownloadTo(context.Background(), "empty", buf)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, buf.Bytes())
}

func TestCopySource(t *testing.T) {
	assert.Equal(t, "bucket/a/b%20c", copySource("bucket", "a/b c"))
	assert.Equal(t, "bucket/plain", copySource("bucket", "plain"))
}
