package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// FileLock guards a state file (capability store, settings) against
// concurrent writers from other minichat processes. It combines an exclusive
// sidecar ".lock" file with flock(2).
type FileLock struct {
	path     string
	lockPath string
	file     *os.File
	locked   bool
}

// LockConfig holds configuration for file locking behavior
type LockConfig struct {
	Timeout    time.Duration
	RetryDelay time.Duration
	StaleAfter time.Duration
}

// DefaultLockConfig returns the lock settings used for state files
func DefaultLockConfig() LockConfig {
	return LockConfig{
		Timeout:    5 * time.Second,
		RetryDelay: 50 * time.Millisecond,
		StaleAfter: 2 * time.Minute,
	}
}

// NewFileLock creates a new file lock for the given path
func NewFileLock(path string) *FileLock {
	return &FileLock{
		path:     path,
		lockPath: path + ".lock",
	}
}

// Lock acquires the lock, retrying until cfg.Timeout elapses
func (fl *FileLock) Lock(cfg LockConfig) error {
	if fl.locked {
		return errors.New("file is already locked")
	}

	if err := os.MkdirAll(filepath.Dir(fl.lockPath), 0700); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	deadline := time.Now().Add(cfg.Timeout)
	for {
		err := fl.tryLock(cfg.StaleAfter)
		if err == nil {
			fl.locked = true
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout acquiring lock on %s after %v: %w", fl.path, cfg.Timeout, err)
		}
		time.Sleep(cfg.RetryDelay)
	}
}

func (fl *FileLock) tryLock(staleAfter time.Duration) error {
	file, err := os.OpenFile(fl.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) && fl.isStale(staleAfter) {
			os.Remove(fl.lockPath)
			file, err = os.OpenFile(fl.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		}
		if err != nil {
			return fmt.Errorf("lock held: %w", err)
		}
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		os.Remove(fl.lockPath)
		return fmt.Errorf("failed to apply system lock: %w", err)
	}

	fmt.Fprintf(file, "pid:%d\ntime:%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	fl.file = file
	return nil
}

// isStale reports whether the lock file belongs to a dead process or is
// older than staleAfter with an unreadable owner.
func (fl *FileLock) isStale(staleAfter time.Duration) bool {
	info, err := os.Stat(fl.lockPath)
	if err != nil {
		return true
	}
	if time.Since(info.ModTime()) < staleAfter {
		return false
	}

	data, err := os.ReadFile(fl.lockPath)
	if err != nil {
		return true
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "pid:%d", &pid); err != nil {
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	return proc.Signal(syscall.Signal(0)) != nil
}

// Unlock releases the file lock
func (fl *FileLock) Unlock() error {
	if !fl.locked {
		return nil
	}

	var lastErr error
	if fl.file != nil {
		if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
			lastErr = fmt.Errorf("failed to release system lock: %w", err)
		}
		if err := fl.file.Close(); err != nil && lastErr == nil {
			lastErr = fmt.Errorf("failed to close lock file: %w", err)
		}
		fl.file = nil
	}
	if err := os.Remove(fl.lockPath); err != nil && lastErr == nil {
		lastErr = fmt.Errorf("failed to remove lock file: %w", err)
	}

	fl.locked = false
	return lastErr
}

// IsLocked returns whether the file is currently locked
func (fl *FileLock) IsLocked() bool {
	return fl.locked
}

// WithLock executes fn while holding a lock on path
func WithLock(path string, cfg LockConfig, fn func() error) (err error) {
	lock := NewFileLock(path)
	if err := lock.Lock(cfg); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()
	return fn()
}

// AtomicWrite replaces path with data through a temp file and rename. The
// caller is expected to hold the lock for path.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, perm); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}
