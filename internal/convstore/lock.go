package convstore

import (
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/kynetic-ai/kbot/internal/kerrors"
)

const (
	codeLockFailed      = kerrors.CodeLockFailed
	codeIndexLockFailed = kerrors.CodeIndexLockFailed
)

// fileLock mirrors sessionstore's advisory flock wrapper: the .lock file is
// not created exclusively and is left on disk after release. The
// per-conversation lock and the dedicated session-key index lock share the
// same acquire/retry/release semantics.
type fileLock struct {
	f *flock.Flock
}

func acquireLock(path string, timeout time.Duration, failCode kerrors.Code) (*fileLock, error) {
	f := flock.New(path)
	deadline := time.Now().Add(timeout)
	for {
		locked, err := f.TryLock()
		if err != nil {
			return nil, kerrors.Wrap(failCode, fmt.Sprintf("failed to acquire lock %s", path), err)
		}
		if locked {
			return &fileLock{f: f}, nil
		}
		if time.Now().After(deadline) {
			return nil, kerrors.New(failCode, fmt.Sprintf("timed out acquiring lock %s", path))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (l *fileLock) release() {
	if l == nil || l.f == nil {
		return
	}
	_ = l.f.Unlock()
}
