package runstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const operationLockFile = "operation.lock"

// ErrOperationInProgress is returned when another control operation holds the
// run-directory lock.
var ErrOperationInProgress = errors.New("operation_in_progress")

// OperationLock is an exclusive, file-creation-based lock over control
// operations on a run directory. Release must run on every exit path.
type OperationLock struct {
	path     string
	released bool
}

type operationLockPayload struct {
	PID        int    `json:"pid"`
	Operation  string `json:"operation"`
	AcquiredAt string `json:"acquired_at"`
}

func OperationLockPath(runDir string) string {
	return filepath.Join(runDir, RuntimeDir, operationLockFile)
}

// AcquireOperationLock creates the lock file with O_CREAT|O_EXCL. A
// concurrent holder yields ErrOperationInProgress.
func AcquireOperationLock(runDir, operation string) (*OperationLock, error) {
	path := OperationLockPath(runDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create runtime dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrOperationInProgress
		}
		return nil, errors.Wrap(err, "create operation lock")
	}
	payload := operationLockPayload{
		PID:        os.Getpid(),
		Operation:  operation,
		AcquiredAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(payload); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, errors.Wrap(err, "write operation lock")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return &OperationLock{path: path}, nil
}

// Release removes the lock file. Safe to call more than once.
func (l *OperationLock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "release operation lock")
	}
	return nil
}
