// Package lock keeps a single instance running through a PID-bearing lock file.
package lock

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/google/renameio/v2"
	"github.com/shirou/gopsutil/v3/process"
)

// Guard owns a lock file. The check-then-create sequence is not atomic
// against two instances starting at the same instant.
type Guard struct {
	Path string
	// PID is written into the lock file on Acquire.
	PID int
	// Alive reports whether a process identifier is still running.
	Alive func(pid int) bool
}

// NewGuard returns a guard for the current process.
func NewGuard(path string) *Guard {
	return &Guard{Path: path, PID: os.Getpid(), Alive: processAlive}
}

func processAlive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		slog.Warn("lock_pid_check_failed", "pid", pid, "error", err)
		return false
	}
	return ok
}

// Holder returns the PID recorded in the lock file, or 0 when there is none or
// it cannot be parsed.
func (g *Guard) Holder() int {
	data, err := os.ReadFile(g.Path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// Acquire takes the lock. A live holder other than ourselves fails with a
// concurrency error; a stale lock file is replaced.
func (g *Guard) Acquire() error {
	slog.Info("lock_acquire", "path", g.Path, "pid", g.PID)

	if _, err := os.Stat(g.Path); err == nil {
		holder := g.Holder()
		if holder != 0 && holder != g.PID && g.Alive(holder) {
			slog.Error("lock_busy", "path", g.Path, "holder", holder)
			return errors.Concurrency(
				fmt.Sprintf("another instance is running (pid %d)", holder),
				fmt.Sprintf("wait for it to finish or remove %s if you are sure it is stale", g.Path))
		}
		slog.Info("lock_stale_removed", "path", g.Path, "holder", holder)
		if err := os.Remove(g.Path); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "failed to remove stale lock")
		}
	}

	if err := renameio.WriteFile(g.Path, []byte(strconv.Itoa(g.PID)+"\n"), 0644); err != nil {
		slog.Error("lock_write_failed", "path", g.Path, "error", err)
		return errors.Classify(errors.KindEnvironment, err, "cannot create lock file "+g.Path,
			"check that the lock directory exists and is writable")
	}

	slog.Info("lock_acquired", "path", g.Path, "pid", g.PID)
	return nil
}

// Release removes the lock file. Releasing twice is harmless.
func (g *Guard) Release() error {
	if err := os.Remove(g.Path); err != nil && !os.IsNotExist(err) {
		slog.Error("lock_release_failed", "path", g.Path, "error", err)
		return errors.Wrap(err, "failed to release lock")
	}
	slog.Info("lock_released", "path", g.Path)
	return nil
}
