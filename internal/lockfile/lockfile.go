// Package lockfile guards a HabitPipe state directory against a second running instance.
//
// The lock is an flock(2) on a file in the state directory, so the kernel releases it when the
// process exits however it exits. Two engines sharing one SQLite file would both answer the same
// webhook retries, so cmd/HabitPipe takes the lock before opening a file-backed store.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	ps "github.com/mitchellh/go-ps"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "habitpipe.lock"

const pidPrefix = "pid="

// findProcess is swapped in tests.
var findProcess = ps.FindProcess

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock on stateDir, creating the directory if needed. When
// another process holds it, the returned *LockError describes that process.
func AcquireLock(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	lockPath := filepath.Join(stateDir, LockFileName)

	// Not truncated yet: on conflict the current owner's pid is still readable.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner := describeOwner(lockPath)
		slog.Error("lockfile.AcquireLock: state directory is locked", "lock_path", lockPath, "owner", owner, "error", err)
		return nil, &LockError{LockPath: lockPath, Owner: owner, Cause: err}
	}

	if err := file.Truncate(0); err == nil {
		_, err = file.WriteAt([]byte(pidPrefix+strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	if err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", lockPath, err)
	}

	slog.Info("Acquired state directory lock", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

// Release unlocks and removes the lock file. Calling it more than once is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("lockfile.Release: unlock failed", "lock_path", l.path, "error", err)
	}
	closeErr := l.file.Close()
	l.file = nil
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	slog.Info("Released state directory lock", "lock_path", l.path)
	return closeErr
}

// LockError is returned when another process holds the lock.
type LockError struct {
	LockPath string
	Owner    string
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another HabitPipe instance is using this state directory (lock file %s", e.LockPath)
	if e.Owner != "" {
		fmt.Fprintf(&b, ", held by %s", e.Owner)
	}
	b.WriteString("); stop it or point -state-dir elsewhere")
	return b.String()
}

func (e *LockError) Unwrap() error { return e.Cause }

// describeOwner reports the pid recorded in the lock file and what is running under it.
func describeOwner(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return ""
	}
	pid := parsePID(string(data))
	if pid <= 0 {
		return ""
	}
	proc, err := findProcess(pid)
	switch {
	case err != nil:
		return fmt.Sprintf("PID %d", pid)
	case proc == nil:
		return fmt.Sprintf("PID %d (not running)", pid)
	default:
		return fmt.Sprintf("PID %d (%s)", pid, proc.Executable())
	}
}

// parsePID extracts N from a "pid=N" line.
func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), pidPrefix); ok {
			if pid, err := strconv.Atoi(v); err == nil {
				return pid
			}
		}
	}
	return 0
}
