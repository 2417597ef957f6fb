package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Lock is a file lock guarding the runs directory. Runs hold it shared;
// pruning holds it exclusively.
type Lock struct {
	file *os.File
}

// AcquireLock blocks until the lock in dir is held.
func AcquireLock(dir string, exclusive bool) (*Lock, error) {
	file, err := openLockFile(dir)
	if err != nil {
		return nil, err
	}
	how := syscall.LOCK_SH
	if exclusive {
		how = syscall.LOCK_EX
	}
	if err := syscall.Flock(int(file.Fd()), how); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("lock runs: %w", err)
	}
	return &Lock{file: file}, nil
}

// TryAcquireExclusive takes the lock exclusively without blocking.
// It reports false when another holder exists.
func TryAcquireExclusive(dir string) (*Lock, bool, error) {
	file, err := openLockFile(dir)
	if err != nil {
		return nil, false, err
	}
	ok, err := tryExclusive(file)
	if !ok {
		_ = file.Close()
		return nil, false, err
	}
	return &Lock{file: file}, true, nil
}

// tryExclusive reports false without an error only when another holder exists.
func tryExclusive(file *os.File) (bool, error) {
	err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, syscall.EWOULDBLOCK):
		return false, nil
	default:
		return false, fmt.Errorf("lock runs: %w", err)
	}
}

// Release releases the lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}

func openLockFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(dir, "runs.lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return file, nil
}
