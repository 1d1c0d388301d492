// Package cachetest provides an in-memory S3 bucket for exercising the cache
// repository without a network.
package cachetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Clock hands out strictly increasing times.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func NewClock(start time.Time, step time.Duration) *Clock {
	return &Clock{now: start, step: step}
}

// Now returns the current time and moves the clock forward by one step.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Object is a stored object as seen by the fake.
type Object struct {
	Body         []byte
	Metadata     map[string]string
	LastModified time.Time
	ContentType  string
}

type multipart struct {
	key      string
	metadata map[string]string
	parts    map[int32][]byte
}

// MemoryS3 implements the S3 calls used by the cache over a single bucket.
// Metadata keys are lower-cased on write like S3 does.
type MemoryS3 struct {
	// PageSize caps the keys returned per listing page. Defaults to 1000.
	PageSize int32
	// MinPartSize rejects completion when a non-final part is smaller.
	// Zero disables the check.
	MinPartSize int

	mu           sync.Mutex
	bucket       string
	now          func() time.Time
	objects      map[string]*Object
	uploads      map[string]*multipart
	nextUpload   int
	calls        map[string]int
	faults       map[string]error
	keepOnDelete map[string]bool
}

func NewMemoryS3(bucket string, now func() time.Time) *MemoryS3 {
	if now == nil {
		now = time.Now
	}
	return &MemoryS3{
		PageSize:     1000,
		bucket:       bucket,
		now:          now,
		objects:      make(map[string]*Object),
		uploads:      make(map[string]*multipart),
		calls:        make(map[string]int),
		faults:       make(map[string]error),
		keepOnDelete: make(map[string]bool),
	}
}

// Seed stores an object directly, bypassing the API.
func (m *MemoryS3) Seed(key string, body []byte, meta map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = &Object{
		Body:         bytes.Clone(body),
		Metadata:     lowerKeys(meta),
		LastModified: m.now(),
	}
}

// Get returns a copy of the object stored under key.
func (m *MemoryS3) Get(key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return Object{}, false
	}
	out := *obj
	out.Body = bytes.Clone(obj.Body)
	out.Metadata = lowerKeys(obj.Metadata)
	return out, true
}

// Keys returns the stored keys in listing order.
func (m *MemoryS3) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedKeys("")
}

// Fail makes op return err. An empty key matches every key.
func (m *MemoryS3) Fail(op, key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op+"/"+key] = err
}

// RefuseDelete makes DeleteObjects report key as a per-key error.
func (m *MemoryS3) RefuseDelete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keepOnDelete[key] = true
}

// Calls returns how often op was invoked.
func (m *MemoryS3) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// OpenUploads returns the number of multipart sessions neither completed nor
// aborted.
func (m *MemoryS3) OpenUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}

func (m *MemoryS3) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("HeadBucket", "", in.Bucket); err != nil {
		return nil, err
	}
	return &s3.HeadBucketOutput{}, nil
}

func (m *MemoryS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := aws.ToString(in.Key)
	if err := m.enter("HeadObject", key, in.Bucket); err != nil {
		return nil, err
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, &types.NotFound{Message: aws.String("Not Found")}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.Body))),
		Metadata:      lowerKeys(obj.Metadata),
		LastModified:  aws.Time(obj.LastModified),
		ContentType:   optional(obj.ContentType),
	}, nil
}

func (m *MemoryS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := aws.ToString(in.Key)
	if err := m.enter("GetObject", key, in.Bucket); err != nil {
		return nil, err
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}

	body := obj.Body
	out := &s3.GetObjectOutput{
		Metadata:     lowerKeys(obj.Metadata),
		LastModified: aws.Time(obj.LastModified),
	}
	if r := aws.ToString(in.Range); r != "" {
		start, end, err := parseRange(r, int64(len(body)))
		if err != nil {
			return nil, err
		}
		out.ContentRange = aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		body = body[start : end+1]
	}
	out.Body = io.NopCloser(bytes.NewReader(bytes.Clone(body)))
	out.ContentLength = aws.Int64(int64(len(body)))
	return out, nil
}

func (m *MemoryS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(in.Key)
	var body []byte
	if in.Body != nil {
		var err error
		if body, err = io.ReadAll(in.Body); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PutObject", key, in.Bucket); err != nil {
		return nil, err
	}
	m.objects[key] = &Object{
		Body:         body,
		Metadata:     lowerKeys(in.Metadata),
		LastModified: m.now(),
		ContentType:  aws.ToString(in.ContentType),
	}
	return &s3.PutObjectOutput{}, nil
}

func (m *MemoryS3) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := aws.ToString(in.Key)
	if err := m.enter("CopyObject", key, in.Bucket); err != nil {
		return nil, err
	}

	srcBucket, srcKey, ok := strings.Cut(aws.ToString(in.CopySource), "/")
	if !ok || srcBucket != m.bucket {
		return nil, &types.NoSuchBucket{}
	}
	srcKey, err := url.PathUnescape(srcKey)
	if err != nil {
		return nil, apiError("InvalidArgument", "malformed copy source")
	}
	src, ok := m.objects[srcKey]
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	replace := in.MetadataDirective == types.MetadataDirectiveReplace
	if srcKey == key && !replace {
		return nil, apiError("InvalidRequest", "This copy request is illegal because it is trying to copy an object to itself without changing the object's metadata.")
	}
	meta := src.Metadata
	if replace {
		meta = in.Metadata
	}
	m.objects[key] = &Object{
		Body:         src.Body,
		Metadata:     lowerKeys(meta),
		LastModified: m.now(),
		ContentType:  aws.ToString(in.ContentType),
	}
	return &s3.CopyObjectOutput{}, nil
}

func (m *MemoryS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteObjects", "", in.Bucket); err != nil {
		return nil, err
	}
	if in.Delete == nil || len(in.Delete.Objects) == 0 || len(in.Delete.Objects) > 1000 {
		return nil, apiError("MalformedXML", "The XML you provided was not well-formed")
	}

	out := &s3.DeleteObjectsOutput{}
	for _, id := range in.Delete.Objects {
		key := aws.ToString(id.Key)
		if m.keepOnDelete[key] {
			out.Errors = append(out.Errors, types.Error{
				Key:     aws.String(key),
				Code:    aws.String("AccessDenied"),
				Message: aws.String("Access Denied"),
			})
			continue
		}
		delete(m.objects, key)
		out.Deleted = append(out.Deleted, types.DeletedObject{Key: aws.String(key)})
	}
	return out, nil
}

func (m *MemoryS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListObjectsV2", "", in.Bucket); err != nil {
		return nil, err
	}

	limit := m.PageSize
	if n := aws.ToInt32(in.MaxKeys); n > 0 && n < limit {
		limit = n
	}
	keys := m.sortedKeys(aws.ToString(in.Prefix))
	if token := aws.ToString(in.ContinuationToken); token != "" {
		i, _ := slices.BinarySearch(keys, token)
		for i < len(keys) && keys[i] <= token {
			i++
		}
		keys = keys[i:]
	}

	truncated := len(keys) > int(limit)
	if truncated {
		keys = keys[:limit]
	}
	out := &s3.ListObjectsV2Output{
		IsTruncated: aws.Bool(truncated),
		KeyCount:    aws.Int32(int32(len(keys))),
		MaxKeys:     aws.Int32(limit),
	}
	for _, key := range keys {
		obj := m.objects[key]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(obj.Body))),
			LastModified: aws.Time(obj.LastModified),
		})
	}
	if truncated {
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	return out, nil
}

func (m *MemoryS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := aws.ToString(in.Key)
	if err := m.enter("CreateMultipartUpload", key, in.Bucket); err != nil {
		return nil, err
	}
	m.nextUpload++
	id := "upload-" + strconv.Itoa(m.nextUpload)
	m.uploads[id] = &multipart{
		key:      key,
		metadata: lowerKeys(in.Metadata),
		parts:    make(map[int32][]byte),
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (m *MemoryS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := aws.ToString(in.Key)
	if err := m.enter("UploadPart", key, in.Bucket); err != nil {
		return nil, err
	}
	up, ok := m.uploads[aws.ToString(in.UploadId)]
	if !ok || up.key != key {
		return nil, &types.NoSuchUpload{}
	}
	number := aws.ToInt32(in.PartNumber)
	up.parts[number] = body
	return &s3.UploadPartOutput{ETag: aws.String(partETag(number))}, nil
}

func (m *MemoryS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := aws.ToString(in.Key)
	if err := m.enter("CompleteMultipartUpload", key, in.Bucket); err != nil {
		return nil, err
	}
	id := aws.ToString(in.UploadId)
	up, ok := m.uploads[id]
	if !ok || up.key != key {
		return nil, &types.NoSuchUpload{}
	}
	if in.MultipartUpload == nil || len(in.MultipartUpload.Parts) == 0 {
		return nil, apiError("MalformedXML", "no parts")
	}

	var body bytes.Buffer
	parts := in.MultipartUpload.Parts
	for i, p := range parts {
		number := aws.ToInt32(p.PartNumber)
		data, ok := up.parts[number]
		if !ok || aws.ToString(p.ETag) != partETag(number) {
			return nil, apiError("InvalidPart", fmt.Sprintf("part %d not found", number))
		}
		if i > 0 && number <= aws.ToInt32(parts[i-1].PartNumber) {
			return nil, apiError("InvalidPartOrder", "parts must be ascending")
		}
		if m.MinPartSize > 0 && i < len(parts)-1 && len(data) < m.MinPartSize {
			return nil, apiError("EntityTooSmall", fmt.Sprintf("part %d is too small", number))
		}
		body.Write(data)
	}

	m.objects[key] = &Object{
		Body:         body.Bytes(),
		Metadata:     up.metadata,
		LastModified: m.now(),
	}
	delete(m.uploads, id)
	return &s3.CompleteMultipartUploadOutput{Key: aws.String(key)}, nil
}

func (m *MemoryS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := aws.ToString(in.Key)
	if err := m.enter("AbortMultipartUpload", key, in.Bucket); err != nil {
		return nil, err
	}
	id := aws.ToString(in.UploadId)
	if _, ok := m.uploads[id]; !ok {
		return nil, &types.NoSuchUpload{}
	}
	delete(m.uploads, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}

// enter counts the call and returns an injected fault or a bucket mismatch.
// Callers hold m.mu.
func (m *MemoryS3) enter(op, key string, bucket *string) error {
	m.calls[op]++
	if err, ok := m.faults[op+"/"+key]; ok {
		return err
	}
	if err, ok := m.faults[op+"/"]; ok {
		return err
	}
	if aws.ToString(bucket) != m.bucket {
		if op == "HeadBucket" {
			return &types.NotFound{}
		}
		return &types.NoSuchBucket{}
	}
	return nil
}

func (m *MemoryS3) sortedKeys(prefix string) []string {
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

func parseRange(r string, size int64) (int64, int64, error) {
	bounds, ok := strings.CutPrefix(r, "bytes=")
	if !ok {
		return 0, 0, apiError("InvalidRange", r)
	}
	from, to, _ := strings.Cut(bounds, "-")
	start, err := strconv.ParseInt(from, 10, 64)
	if err != nil || start >= size {
		return 0, 0, apiError("InvalidRange", r)
	}
	end := size - 1
	if to != "" {
		if end, err = strconv.ParseInt(to, 10, 64); err != nil {
			return 0, 0, apiError("InvalidRange", r)
		}
		end = min(end, size-1)
	}
	return start, end, nil
}

func partETag(number int32) string {
	return fmt.Sprintf("\"etag-%d\"", number)
}

func lowerKeys(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[strings.ToLower(k)] = v
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

func apiError(code, msg string) error {
	return &smithy.GenericAPIError{Code: code, Message: msg}
}
