package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// FileLocker takes advisory flock(2) leases on files under Dir. Leases end
// with the process, so ttl is ignored.
type FileLocker struct {
	Dir string
}

func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{Dir: dir}
}

func (l *FileLocker) TryLock(_ context.Context, key string, _ time.Duration) (Lease, bool, error) {
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(l.path(key))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", fl.Path(), err)
	}
	if !ok {
		return nil, false, nil
	}
	return &fileLease{fl: fl}, true, nil
}

func (l *FileLocker) path(key string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(key)
	return filepath.Join(l.Dir, name+".lock")
}

type fileLease struct {
	fl *flock.Flock
}

func (l *fileLease) Unlock(context.Context) error {
	return l.fl.Unlock()
}
