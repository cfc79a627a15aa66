package lock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	lockFilePrefix = "operator."
	lockFileSuffix = ".lock"
	counterFile    = "bsig.satisfier.lock"
)

// FileLock implements engine.DistributedLock with one exclusive-create file
// per operator.
type FileLock struct {
	dir string
}

// NewFileLock returns a lock that keeps its files in dir, creating it if needed.
func NewFileLock(dir string) (*FileLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FileLock{dir: dir}, nil
}

func (l *FileLock) path(key string) string {
	return filepath.Join(l.dir, lockFilePrefix+sanitizeKey(key)+lockFileSuffix)
}

// TryAcquire creates the operator's lock file. It reports false if the
// file already exists.
func (l *FileLock) TryAcquire(ctx context.Context, key string) (bool, error) {
	f, err := os.OpenFile(l.path(key), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	// The holder's pid helps an operator identify stale locks
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
	return true, nil
}

// Release removes the operator's lock file.
func (l *FileLock) Release(ctx context.Context, key string) error {
	if err := os.Remove(l.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Reset removes every operator lock file in the directory.
func (l *FileLock) Reset(ctx context.Context) error {
	matches, err := filepath.Glob(filepath.Join(l.dir, lockFilePrefix+"*"+lockFileSuffix))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale lock %s: %w", filepath.Base(m), err)
		}
	}
	return nil
}

// Held lists the keys whose lock files currently exist, as sanitized names.
func (l *FileLock) Held() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, lockFilePrefix+"*"+lockFileSuffix))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), lockFilePrefix), lockFileSuffix)
		out = append(out, name)
	}
	return out, nil
}

// sanitizeKey maps an operator key onto a single path element.
func sanitizeKey(key string) string {
	return strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(key)
}

// FileCounter implements engine.SatisfierThrottle with a decimal counter in a
// file guarded by flock(2).
type FileCounter struct {
	path string
}

// NewFileCounter returns a counter stored in dir.
func NewFileCounter(dir string) (*FileCounter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create counter directory: %w", err)
	}
	return &FileCounter{path: filepath.Join(dir, counterFile)}, nil
}

// Register increments the counter.
func (c *FileCounter) Register(ctx context.Context) error {
	return c.update(func(n int64) int64 { return n + 1 })
}

// Unregister decrements the counter, never below zero.
func (c *FileCounter) Unregister(ctx context.Context) error {
	return c.update(func(n int64) int64 {
		if n <= 0 {
			return 0
		}
		return n - 1
	})
}

// Reset sets the counter to zero.
func (c *FileCounter) Reset(ctx context.Context) error {
	return c.update(func(int64) int64 { return 0 })
}

// Count returns the current value.
func (c *FileCounter) Count(ctx context.Context) (int64, error) {
	f, err := os.OpenFile(c.path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open counter: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return 0, fmt.Errorf("failed to lock counter: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck

	return readCount(f)
}

func (c *FileCounter) update(fn func(int64) int64) error {
	f, err := os.OpenFile(c.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open counter: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock counter: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck

	n, err := readCount(f)
	if err != nil {
		return err
	}
	next := strconv.FormatInt(fn(n), 10)

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate counter: %w", err)
	}
	if _, err := f.WriteAt([]byte(next), 0); err != nil {
		return fmt.Errorf("failed to write counter: %w", err)
	}
	return nil
}

func readCount(f *os.File) (int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter %q: %w", s, err)
	}
	return n, nil
}
