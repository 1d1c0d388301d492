// Package upload turns an unbounded byte stream into object store requests.
//
// A Writer buffers writes into a fixed window. Content that never exceeds the
// window is stored with a single put on Close; larger content is sent as a
// multipart upload, one part per full window, completed on Close.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

const (
	// MinPartSize is the smallest part size S3-compatible stores accept for
	// every part but the last one.
	MinPartSize = 5 * 1024 * 1024

	// DefaultWindowSize is the buffer size used when none is configured.
	DefaultWindowSize = 10 * 1024 * 1024
)

var (
	ErrClosed  = errors.New("upload: writer closed")
	ErrAborted = errors.New("upload: writer aborted")
)

// Part identifies one uploaded part of a multipart session.
type Part struct {
	Number int32
	ETag   string
}

// Target is the store side of an upload, bound to a single object key.
// The body slices passed to PutObject and UploadPart are only valid for the
// duration of the call.
type Target interface {
	PutObject(ctx context.Context, body []byte, meta map[string]string) error
	CreateMultipartUpload(ctx context.Context, meta map[string]string) (uploadID string, err error)
	UploadPart(ctx context.Context, uploadID string, number int32, body []byte) (Part, error)
	CompleteMultipartUpload(ctx context.Context, uploadID string, parts []Part) error
	AbortMultipartUpload(ctx context.Context, uploadID string) error
}

// State is the lifecycle position of a Writer.
type State int

const (
	StateEmpty State = iota
	StateBuffering
	StateMultipart
	StateFinalized
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateBuffering:
		return "buffering"
	case StateMultipart:
		return "multipart"
	case StateFinalized:
		return "finalized"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Option configures a Writer.
type Option func(*Writer)

// WithWindowSize sets the buffer window. Values <= 0 select DefaultWindowSize.
func WithWindowSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.window = n
		}
	}
}

// WithMetadata sets the function producing the object metadata. It is called
// once, when the metadata is submitted to the store.
func WithMetadata(fn func() map[string]string) Option {
	return func(w *Writer) { w.metadata = fn }
}

// WithLogger sets the logger used for session diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Writer) { w.logger = l }
}

// Writer is an io.WriteCloser that uploads to a Target. It is safe to call
// from multiple goroutines, but is meant for one logical writer.
//
// The context given to New governs every store request; io.Writer has no
// room for one per call.
type Writer struct {
	mu       sync.Mutex
	ctx      context.Context
	target   Target
	window   int
	metadata func() map[string]string
	logger   zerolog.Logger

	buf      []byte
	uploadID string
	parts    []Part
	size     int64
	state    State
	err      error
}

// New creates a Writer uploading to target.
func New(ctx context.Context, target Target, opts ...Option) *Writer {
	w := &Writer{
		ctx:    ctx,
		target: target,
		window: DefaultWindowSize,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metadata == nil {
		w.metadata = func() map[string]string { return nil }
	}
	return w
}

// Write buffers p, uploading a part every time the window fills up.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usable(); err != nil {
		return 0, err
	}
	if err := w.ctx.Err(); err != nil {
		w.fail(err)
		return 0, err
	}
	if w.buf == nil {
		w.buf = make([]byte, 0, w.window)
	}

	n := 0
	for len(w.buf)+len(p) > w.window {
		free := w.window - len(w.buf)
		w.buf = append(w.buf, p[:free]...)
		p = p[free:]
		n += free
		w.size += int64(free)
		if err := w.flushPart(); err != nil {
			w.fail(err)
			return n, err
		}
	}
	w.buf = append(w.buf, p...)
	n += len(p)
	w.size += int64(len(p))
	if w.state == StateEmpty && len(w.buf) > 0 {
		w.state = StateBuffering
	}
	return n, nil
}

// Close finalizes the object: a single put when the content fit into the
// window, otherwise the last part followed by the completion request.
// Closing a finalized writer is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case StateFinalized:
		return nil
	case StateAborted:
		return ErrAborted
	case StateFailed:
		return w.err
	}

	if w.uploadID == "" {
		if err := w.target.PutObject(w.ctx, w.buf, w.metadata()); err != nil {
			w.fail(fmt.Errorf("put object: %w", err))
			return w.err
		}
	} else {
		if err := w.flushPart(); err != nil {
			w.fail(err)
			return w.err
		}
		if err := w.target.CompleteMultipartUpload(w.ctx, w.uploadID, w.parts); err != nil {
			w.fail(fmt.Errorf("complete multipart upload: %w", err))
			return w.err
		}
		w.logger.Debug().Str("upload_id", w.uploadID).Int("parts", len(w.parts)).Msg("multipart upload completed")
	}

	w.buf = nil
	w.state = StateFinalized
	return nil
}

// Abort discards buffered content and aborts an open multipart session.
// Nothing is stored. Aborting a finalized writer returns ErrClosed.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case StateFinalized:
		return ErrClosed
	case StateAborted, StateFailed:
		return nil
	}
	w.state = StateAborted
	w.buf = nil
	return w.abortSession()
}

// Size returns the number of bytes accepted so far.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// State returns the current lifecycle state.
func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Writer) usable() error {
	switch w.state {
	case StateFinalized:
		return ErrClosed
	case StateAborted:
		return ErrAborted
	case StateFailed:
		return w.err
	}
	return nil
}

// flushPart uploads the buffer as the next part, opening the multipart
// session first if needed.
func (w *Writer) flushPart() error {
	if len(w.buf) == 0 {
		return nil
	}
	if w.uploadID == "" {
		id, err := w.target.CreateMultipartUpload(w.ctx, w.metadata())
		if err != nil {
			return fmt.Errorf("initiate multipart upload: %w", err)
		}
		w.uploadID = id
		w.state = StateMultipart
	}

	number := int32(len(w.parts) + 1)
	part, err := w.target.UploadPart(w.ctx, w.uploadID, number, w.buf)
	if err != nil {
		return fmt.Errorf("upload part %d: %w", number, err)
	}
	if part.Number == 0 {
		part.Number = number
	}
	w.parts = append(w.parts, part)
	w.buf = w.buf[:0]
	return nil
}

// fail records err, releases the buffer and aborts the open session.
func (w *Writer) fail(err error) {
	w.state = StateFailed
	w.err = err
	w.buf = nil
	if abortErr := w.abortSession(); abortErr != nil {
		w.logger.Warn().Err(abortErr).Str("upload_id", w.uploadID).Msg("failed to abort multipart upload")
	}
}

func (w *Writer) abortSession() error {
	if w.uploadID == "" {
		return nil
	}
	// Reclaim the session even when w.ctx is already cancelled.
	ctx := context.WithoutCancel(w.ctx)
	if err := w.target.AbortMultipartUpload(ctx, w.uploadID); err != nil {
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	w.logger.Debug().Str("upload_id", w.uploadID).Msg("multipart upload aborted")
	return nil
}
