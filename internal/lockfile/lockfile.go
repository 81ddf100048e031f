// Package lockfile keeps two SakePipe processes from sharing one state directory.
//
// Both would otherwise open the same SQLite database and whatsmeow session. The lock
// is an flock on a file in the state directory, released by the kernel when the
// process exits however it exits.
package lockfile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "sakepipe.lock"

// Owner describes the process holding a lock. It is written into the lock file so a
// second process can report who it collided with.
type Owner struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname,omitempty"`
	Addr      string    `json:"addr,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

func (o Owner) String() string {
	state := "not running, stale lock"
	if isProcessRunning(o.PID) {
		state = "running"
	}
	s := fmt.Sprintf("PID %d (%s) since %s", o.PID, state, o.StartedAt.Format(time.RFC3339))
	if o.Hostname != "" {
		s += " on " + o.Hostname
	}
	if o.Addr != "" {
		s += ", serving " + o.Addr
	}
	return s
}

// Lock represents an active directory lock
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock on stateDir, creating the directory when needed.
// addr is recorded for diagnostics only. When another process holds the lock the
// returned error is a *LockError describing it.
func AcquireLock(stateDir, addr string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lerr := &LockError{LockPath: lockPath, Owner: readOwner(lockPath), Cause: err}
		slog.Error("Lock.Acquire: state directory is locked by another process", "lock_path", lockPath, "owner", lerr.ownerString())
		return nil, lerr
	}

	hostname, _ := os.Hostname()
	owner := Owner{PID: os.Getpid(), Hostname: hostname, Addr: addr, StartedAt: time.Now().UTC()}
	data, err := json.Marshal(owner)
	if err == nil {
		if err = file.Truncate(0); err == nil {
			_, err = file.WriteAt(append(data, '\n'), 0)
		}
	}
	if err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock owner to %s: %w", lockPath, err)
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Lock.Acquire: failed to sync lock file", "error", err, "lock_path", lockPath)
	}

	slog.Info("Lock.Acquire: state directory locked", "lock_path", lockPath, "pid", owner.PID)
	return &Lock{file: file, path: lockPath}, nil
}

// Release releases the lock and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting process never reads our stale owner.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: failed to unlock", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()
	l.file = nil
	slog.Debug("Lock.Release: state directory unlocked", "lock_path", l.path)
	return err
}

// LockError represents an error when failing to acquire a lock due to another process
type LockError struct {
	LockPath string
	Owner    *Owner // nil when the lock file could not be read
	Cause    error
}

func (e *LockError) ownerString() string {
	if e.Owner == nil {
		return "unknown"
	}
	return e.Owner.String()
}

func (e *LockError) Error() string {
	return fmt.Sprintf("another SakePipe instance is using this state directory (lock file %s, owner %s); "+
		"remove the lock file only if that process is gone", e.LockPath, e.ownerString())
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func readOwner(lockPath string) *Owner {
	data, err := os.ReadFile(lockPath)
	if err != nil || len(data) == 0 {
		return nil
	}
	var o Owner
	if err := json.Unmarshal(data, &o); err != nil || o.PID <= 0 {
		return nil
	}
	return &o
}

// isProcessRunning reports whether pid exists, using signal 0.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
