package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/j3t/pipeline-cache/internal/upload"
)

// maxDeleteBatch is the S3 limit of keys per DeleteObjects request.
const maxDeleteBatch = 1000

// S3API is the subset of *s3.Client used by S3Repository.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Repository stores cache items in an S3 bucket through aws-sdk-go-v2.
type S3Repository struct {
	bucket string
	client S3API
	opts   options
}

func NewS3Repository(bucket string, client S3API, opts ...Option) *S3Repository {
	return &S3Repository{
		bucket: bucket,
		client: client,
		opts:   buildOptions(opts),
	}
}

func (s *S3Repository) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.head(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (s *S3Repository) ContentLength(ctx context.Context, key string) (int64, error) {
	out, err := s.head(ctx, key)
	if err != nil {
		return 0, err
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (s *S3Repository) Creation(ctx context.Context, key string) (time.Time, error) {
	out, err := s.head(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	return metaTime(out.Metadata, MetaCreation), nil
}

func (s *S3Repository) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	for item, err := range s.list(ctx, "") {
		if err != nil {
			return 0, err
		}
		total += item.ContentLength
	}
	return total, nil
}

func (s *S3Repository) FindAll(ctx context.Context) iter.Seq2[Item, error] {
	return s.list(ctx, "")
}

func (s *S3Repository) FindByPrefix(ctx context.Context, prefix string) iter.Seq2[Item, error] {
	return s.list(ctx, prefix)
}

func (s *S3Repository) Delete(ctx context.Context, keys []string) (int, error) {
	deleted := 0
	for batch := range slices.Chunk(keys, maxDeleteBatch) {
		objects := make([]types.ObjectIdentifier, 0, len(batch))
		for _, key := range batch {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(key)})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(false),
			},
		})
		if err != nil {
			return deleted, err
		}
		deleted += len(out.Deleted)
		for _, e := range out.Errors {
			s.opts.logger.Warn().
				Str("key", aws.ToString(e.Key)).
				Str("code", aws.ToString(e.Code)).
				Str("message", aws.ToString(e.Message)).
				Msg("failed to delete cache item")
		}
	}
	return deleted, nil
}

func (s *S3Repository) Create(ctx context.Context, key string) (*upload.Writer, error) {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAlreadyExists
	}
	target := &s3Target{client: s.client, bucket: s.bucket, key: key}
	return s.opts.newWriter(ctx, key, target), nil
}

func (s *S3Repository) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// DownloadTo fetches key into w with concurrent ranged requests.
func (s *S3Repository) DownloadTo(ctx context.Context, key string, w io.WriterAt) (int64, error) {
	downloader := manager.NewDownloader(s.client, func(d *manager.Downloader) {
		d.PartSize = int64(s.opts.window)
	})
	n, err := downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, ErrNotFound
		}
		// Ranged GETs of an empty object fail with InvalidRange.
		if isInvalidRange(err) {
			if size, herr := s.ContentLength(ctx, key); herr == nil && size == 0 {
				return 0, nil
			}
		}
		return n, err
	}
	return n, nil
}

// TouchLastAccess copies the object onto itself with refreshed metadata, the
// only way S3 allows changing metadata of an existing object. This also moves
// the object's last-modified time.
//
// TODO: CopyObject is limited to 5 GiB; larger items need UploadPartCopy.
func (s *S3Repository) TouchLastAccess(ctx context.Context, key string) error {
	head, err := s.head(ctx, key)
	if err != nil {
		return err
	}
	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(copySource(s.bucket, key)),
		Metadata:          touchedMetadata(head.Metadata, s.opts.now()),
		MetadataDirective: types.MetadataDirectiveReplace,
		ContentType:       head.ContentType,
	})
	return err
}

func (s *S3Repository) BucketExists(ctx context.Context) (bool, error) {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func (s *S3Repository) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return out, nil
}

func (s *S3Repository) list(ctx context.Context, prefix string) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		input := &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
		}
		if prefix != "" {
			input.Prefix = aws.String(prefix)
		}
		if s.opts.pageSize > 0 {
			input.MaxKeys = aws.Int32(s.opts.pageSize)
		}

		paginator := s3.NewListObjectsV2Paginator(s.client, input)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(Item{}, err)
				return
			}
			for _, obj := range page.Contents {
				item := Item{
					Key:           aws.ToString(obj.Key),
					ContentLength: aws.ToInt64(obj.Size),
					LastAccess:    aws.ToTime(obj.LastModified),
				}
				if !yield(item, nil) {
					return
				}
			}
		}
	}
}

// copySource builds the URL-encoded "bucket/key" value of x-amz-copy-source.
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nf) || errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) && status.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}

func isInvalidRange(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange"
}

// s3Target adapts S3Repository's client to upload.Target for one key.
type s3Target struct {
	client S3API
	bucket string
	key    string
}

func (t *s3Target) PutObject(ctx context.Context, body []byte, meta map[string]string) error {
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(t.key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata:      meta,
	})
	return err
}

func (t *s3Target) CreateMultipartUpload(ctx context.Context, meta map[string]string) (string, error) {
	out, err := t.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(t.bucket),
		Key:      aws.String(t.key),
		Metadata: meta,
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.UploadId), nil
}

func (t *s3Target) UploadPart(ctx context.Context, uploadID string, number int32, body []byte) (upload.Part, error) {
	out, err := t.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(t.key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(number),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return upload.Part{}, err
	}
	return upload.Part{Number: number, ETag: aws.ToString(out.ETag)}, nil
}

func (t *s3Target) CompleteMultipartUpload(ctx context.Context, uploadID string, parts []upload.Part) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.Number),
		})
	}
	_, err := t.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(t.bucket),
		Key:             aws.String(t.key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	return err
}

func (t *s3Target) AbortMultipartUpload(ctx context.Context, uploadID string) error {
	_, err := t.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(t.bucket),
		Key:      aws.String(t.key),
		UploadId: aws.String(uploadID),
	})
	return err
}

var (
	_ Repository    = (*S3Repository)(nil)
	_ upload.Target = (*s3Target)(nil)
)
