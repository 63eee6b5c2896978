// Package cleanup releases everything a run acquired: the mount, the mount
// directory, downloaded artifacts and the process lock.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/clonestick/clonestick/pkg/install"
	"github.com/clonestick/clonestick/pkg/lock"
	"github.com/clonestick/clonestick/pkg/mount"
	"github.com/clonestick/clonestick/pkg/status"
)

// artifactGlobs match the transient files a run leaves in the download directory.
var artifactGlobs = []string{install.ArtifactPrefix + "live*", install.ArtifactPrefix + "backup*"}

// Cleaner runs the cleanup sequence once, whichever exit path triggers it.
type Cleaner struct {
	Mounter     *mount.Mounter
	MountDir    string
	DownloadDir string
	Lock        *lock.Guard
	Reporter    *status.Reporter
	// DryRun leaves the mount directory and download artifacts untouched.
	DryRun bool

	once sync.Once
	code int
}

func New(m *mount.Mounter, mountDir, downloadDir string, g *lock.Guard, r *status.Reporter) *Cleaner {
	return &Cleaner{Mounter: m, MountDir: mountDir, DownloadDir: downloadDir, Lock: g, Reporter: r}
}

// Run cleans up and reports the outcome of runErr. It returns the process exit
// code. Only the first call does any work; later calls return the same code.
// Cleanup steps ignore cancellation of ctx.
func (c *Cleaner) Run(ctx context.Context, runErr error) int {
	c.once.Do(func() {
		ctx = context.WithoutCancel(ctx)
		slog.Info("cleanup_start", "run_error", runErr != nil)

		if c.DryRun {
			slog.Info("cleanup_dry_run_skip", "mount_path", c.MountDir, "download_dir", c.DownloadDir)
		} else {
			c.unmount(ctx)
			c.removeArtifacts()
		}
		if c.Lock != nil {
			if err := c.Lock.Release(); err != nil {
				slog.Warn("cleanup_lock_release_failed", "error", err)
			}
		}

		c.code = c.report(runErr)
		slog.Info("cleanup_complete", "exit_code", c.code)
	})
	return c.code
}

func (c *Cleaner) unmount(ctx context.Context) {
	if c.Mounter == nil || c.MountDir == "" {
		return
	}
	if _, err := os.Stat(c.MountDir); os.IsNotExist(err) {
		return
	}

	mounted, err := c.Mounter.IsMounted(ctx, c.MountDir)
	if err != nil {
		slog.Warn("cleanup_mount_check_failed", "mount_path", c.MountDir, "error", err)
	}
	if mounted {
		if err := c.Mounter.Unmount(ctx, c.MountDir); err != nil {
			slog.Warn("cleanup_unmount_failed", "mount_path", c.MountDir, "error", err)
			// Never remove a directory that may still expose the device.
			return
		}
	}

	// os.Remove only succeeds on an empty directory.
	if err := os.Remove(c.MountDir); err != nil && !os.IsNotExist(err) {
		slog.Warn("cleanup_mount_dir_remove_failed", "mount_path", c.MountDir, "error", err)
		return
	}
	slog.Info("cleanup_mount_dir_removed", "mount_path", c.MountDir)
}

func (c *Cleaner) removeArtifacts() {
	if c.DownloadDir == "" {
		return
	}
	for _, pattern := range artifactGlobs {
		matches, _ := filepath.Glob(filepath.Join(c.DownloadDir, pattern))
		for _, m := range matches {
			fi, err := os.Lstat(m)
			if err != nil || !fi.Mode().IsRegular() {
				continue
			}
			if err := os.Remove(m); err != nil {
				slog.Warn("cleanup_artifact_remove_failed", "path", m, "error", err)
				continue
			}
			slog.Info("cleanup_artifact_removed", "path", m)
		}
	}
}

func (c *Cleaner) report(runErr error) int {
	if c.Reporter == nil {
		if runErr != nil {
			return 1
		}
		return 0
	}
	if runErr == nil {
		c.Reporter.Always(status.Success, "Done")
		return 0
	}
	if errors.KindOf(runErr) == errors.KindCancelled {
		c.Reporter.Always(status.Error, "Cancelled: "+runErr.Error())
		return 1
	}
	c.Reporter.Always(status.Error, runErr.Error())
	c.Reporter.Hint(errors.HintOf(runErr))
	return 1
}
