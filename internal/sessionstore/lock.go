package sessionstore

import (
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/kynetic-ai/kbot/internal/kerrors"
)

// fileLock is an advisory flock(2) lock on the .lock path that retries with
// a short cooperative sleep until a timeout elapses. The lock file is not
// created exclusively, does not record the holder's pid, and stays on disk
// after release.
type fileLock struct {
	f *flock.Flock
}

func acquireLock(path string, timeout time.Duration) (*fileLock, error) {
	f := flock.New(path)
	deadline := time.Now().Add(timeout)
	for {
		locked, err := f.TryLock()
		if err != nil {
			return nil, kerrors.Wrap(kerrors.CodeLockFailed, fmt.Sprintf("failed to acquire lock %s", path), err)
		}
		if locked {
			return &fileLock{f: f}, nil
		}
		if time.Now().After(deadline) {
			return nil, kerrors.New(kerrors.CodeLockFailed, fmt.Sprintf("timed out acquiring lock %s", path))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// release is best-effort: it drops the flock and ignores unlock errors; the
// lock file itself is left in place.
func (l *fileLock) release() {
	if l == nil || l.f == nil {
		return
	}
	_ = l.f.Unlock()
}
