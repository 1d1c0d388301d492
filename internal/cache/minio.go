package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"net/http"
	"time"

	"github.com/j3t/pipeline-cache/internal/upload"
	"github.com/minio/minio-go/v7"
)

// MinioRepository stores cache items through minio-go.
type MinioRepository struct {
	bucket string
	client *minio.Client
	core   *minio.Core
	opts   options
}

func NewMinioRepository(bucket string, client *minio.Client, opts ...Option) *MinioRepository {
	return &MinioRepository{
		bucket: bucket,
		client: client,
		core:   &minio.Core{Client: client},
		opts:   buildOptions(opts),
	}
}

func (m *MinioRepository) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.stat(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (m *MinioRepository) ContentLength(ctx context.Context, key string) (int64, error) {
	info, err := m.stat(ctx, key)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

func (m *MinioRepository) Creation(ctx context.Context, key string) (time.Time, error) {
	info, err := m.stat(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	return metaTime(info.UserMetadata, MetaCreation), nil
}

func (m *MinioRepository) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	for item, err := range m.list(ctx, "") {
		if err != nil {
			return 0, err
		}
		total += item.ContentLength
	}
	return total, nil
}

func (m *MinioRepository) FindAll(ctx context.Context) iter.Seq2[Item, error] {
	return m.list(ctx, "")
}

func (m *MinioRepository) FindByPrefix(ctx context.Context, prefix string) iter.Seq2[Item, error] {
	return m.list(ctx, prefix)
}

// Delete removes keys with minio's batch API, which splits the request at
// the store limit on its own.
func (m *MinioRepository) Delete(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	objectsCh := make(chan minio.ObjectInfo, len(keys))
	for _, key := range keys {
		objectsCh <- minio.ObjectInfo{Key: key}
	}
	close(objectsCh)

	failed := 0
	for rerr := range m.client.RemoveObjects(ctx, m.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if rerr.Err == nil {
			continue
		}
		failed++
		m.opts.logger.Warn().
			Err(rerr.Err).
			Str("key", rerr.ObjectName).
			Msg("failed to delete cache item")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return len(keys) - failed, nil
}

func (m *MinioRepository) Create(ctx context.Context, key string) (*upload.Writer, error) {
	exists, err := m.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAlreadyExists
	}
	target := &minioTarget{core: m.core, bucket: m.bucket, key: key}
	return m.opts.newWriter(ctx, key, target), nil
}

func (m *MinioRepository) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, translateMinio(err)
	}
	// GetObject is lazy; Stat issues the request and surfaces a missing key.
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, 0, translateMinio(err)
	}
	return obj, info.Size, nil
}

func (m *MinioRepository) TouchLastAccess(ctx context.Context, key string) error {
	info, err := m.stat(ctx, key)
	if err != nil {
		return err
	}
	src := minio.CopySrcOptions{
		Bucket: m.bucket,
		Object: key,
	}
	dst := minio.CopyDestOptions{
		Bucket:          m.bucket,
		Object:          key,
		UserMetadata:    touchedMetadata(info.UserMetadata, m.opts.now()),
		ReplaceMetadata: true,
	}
	_, err = m.client.CopyObject(ctx, dst, src)
	return translateMinio(err)
}

func (m *MinioRepository) BucketExists(ctx context.Context) (bool, error) {
	ok, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		if errors.Is(translateMinio(err), ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

func (m *MinioRepository) stat(ctx context.Context, key string) (minio.ObjectInfo, error) {
	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return minio.ObjectInfo{}, translateMinio(err)
	}
	return info, nil
}

func (m *MinioRepository) list(ctx context.Context, prefix string) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		// Cancelling stops minio's listing goroutine when the caller breaks early.
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		for object := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
			MaxKeys:   int(m.opts.pageSize),
		}) {
			if object.Err != nil {
				yield(Item{}, object.Err)
				return
			}
			item := Item{
				Key:           object.Key,
				ContentLength: object.Size,
				LastAccess:    object.LastModified,
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// translateMinio maps missing keys and buckets to ErrNotFound.
func translateMinio(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return ErrNotFound
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return err
}

// minioTarget adapts minio's low-level multipart API to upload.Target.
type minioTarget struct {
	core   *minio.Core
	bucket string
	key    string
}

func (t *minioTarget) PutObject(ctx context.Context, body []byte, meta map[string]string) error {
	_, err := t.core.Client.PutObject(ctx, t.bucket, t.key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		UserMetadata: meta,
	})
	return err
}

func (t *minioTarget) CreateMultipartUpload(ctx context.Context, meta map[string]string) (string, error) {
	return t.core.NewMultipartUpload(ctx, t.bucket, t.key, minio.PutObjectOptions{
		UserMetadata: meta,
	})
}

func (t *minioTarget) UploadPart(ctx context.Context, uploadID string, number int32, body []byte) (upload.Part, error) {
	part, err := t.core.PutObjectPart(ctx, t.bucket, t.key, uploadID, int(number), bytes.NewReader(body), int64(len(body)), minio.PutObjectPartOptions{})
	if err != nil {
		return upload.Part{}, err
	}
	return upload.Part{Number: number, ETag: part.ETag}, nil
}

func (t *minioTarget) CompleteMultipartUpload(ctx context.Context, uploadID string, parts []upload.Part) error {
	completed := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, minio.CompletePart{
			PartNumber: int(p.Number),
			ETag:       p.ETag,
		})
	}
	_, err := t.core.CompleteMultipartUpload(ctx, t.bucket, t.key, uploadID, completed, minio.PutObjectOptions{})
	return err
}

func (t *minioTarget) AbortMultipartUpload(ctx context.Context, uploadID string) error {
	return t.core.AbortMultipartUpload(ctx, t.bucket, t.key, uploadID)
}

var (
	_ Repository    = (*MinioRepository)(nil)
	_ upload.Target = (*minioTarget)(nil)
)
