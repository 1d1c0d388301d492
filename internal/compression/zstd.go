// Package compression wraps cache payload streams in zstd.
package compression

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// EncoderLevel maps 1 (fastest) to 3 (best) onto zstd levels. Anything else
// is the default level.
func EncoderLevel(level int) zstd.EncoderLevel {
	switch level {
	case 1:
		return zstd.SpeedFastest
	case 2:
		return zstd.SpeedDefault
	case 3:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedDefault
	}
}

// NewWriter compresses everything written to it into w. Close flushes the
// final frame but does not close w.
func NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	return zstd.NewWriter(w,
		zstd.WithEncoderLevel(EncoderLevel(level)),
		zstd.WithEncoderConcurrency(1),
	)
}

// NewReader decompresses r.
func NewReader(r io.Reader) (io.ReadCloser, error) {
	d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return d.IOReadCloser(), nil
}

// Compress returns a reader producing the zstd stream of r. The encoder runs
// in its own goroutine; a read error from r surfaces on the returned reader.
func Compress(r io.Reader, level int) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		zw, err := NewWriter(pw, level)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(zw, r); err != nil {
			zw.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(zw.Close())
	}()
	return pr
}
