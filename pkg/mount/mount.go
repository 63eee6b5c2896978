// Package mount brackets partition access: mount, check and unmount with a
// bounded wait and a lazy fallback.
package mount

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/clonestick/clonestick/pkg/runner"
)

// DefaultUnmountTimeout bounds a regular umount before falling back to a lazy one.
const DefaultUnmountTimeout = 30 * time.Second

// Mounter shells out to mount, umount and mountpoint.
type Mounter struct {
	Runner         runner.Runner
	UnmountTimeout time.Duration
}

func NewMounter(r runner.Runner, unmountTimeout time.Duration) *Mounter {
	if unmountTimeout <= 0 {
		unmountTimeout = DefaultUnmountTimeout
	}
	return &Mounter{Runner: r, UnmountTimeout: unmountTimeout}
}

// Mount creates dir if needed and mounts devicePath on it.
func (m *Mounter) Mount(ctx context.Context, devicePath, dir string) error {
	slog.Info("mount_device", "device_path", devicePath, "mount_path", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("mount_dir_failed", "mount_path", dir, "error", err)
		return errors.Classify(errors.KindEnvironment, err, "cannot create mount directory "+dir,
			"check that the parent directory is writable")
	}

	if mounted, _ := m.IsMounted(ctx, dir); mounted {
		slog.Warn("mount_path_busy", "mount_path", dir)
		if err := m.Unmount(ctx, dir); err != nil {
			return err
		}
	}

	if _, err := m.Runner.Run(ctx, "mount", devicePath, dir); err != nil {
		if ctx.Err() != nil {
			return errors.Cancelled("mount interrupted", ctx.Err())
		}
		slog.Error("mount_failed", "device_path", devicePath, "mount_path", dir, "error", err)
		return errors.Classify(errors.KindEnvironment, err, "failed to mount "+devicePath,
			"check that "+devicePath+" is formatted and not in use")
	}

	slog.Info("mount_complete", "mount_path", dir)
	return nil
}

// IsMounted reports whether dir is a mount point. mountpoint exits non-zero
// for plain directories and missing paths alike.
func (m *Mounter) IsMounted(ctx context.Context, dir string) (bool, error) {
	if _, err := os.Stat(dir); err != nil {
		return false, nil
	}
	_, err := m.Runner.Run(ctx, "mountpoint", "-q", dir)
	if err == nil {
		return true, nil
	}
	var exit *runner.ExitError
	if errors.As(err, &exit) {
		return false, nil
	}
	return false, errors.Wrap(err, "failed to check mount point")
}

// Unmount detaches dir. A regular umount gets UnmountTimeout; when it fails
// or times out the mount is detached lazily.
func (m *Mounter) Unmount(ctx context.Context, dir string) error {
	slog.Info("unmount_device", "mount_path", dir)

	tctx, cancel := context.WithTimeout(ctx, m.UnmountTimeout)
	_, err := m.Runner.Run(tctx, "umount", dir)
	timedOut := tctx.Err() == context.DeadlineExceeded
	cancel()
	if err == nil {
		slog.Info("unmount_complete", "mount_path", dir)
		return nil
	}
	if ctx.Err() != nil {
		return errors.Cancelled("unmount interrupted", ctx.Err())
	}

	slog.Warn("unmount_fallback_lazy", "mount_path", dir, "timed_out", timedOut, "error", err)
	if _, lerr := m.Runner.Run(ctx, "umount", "-l", dir); lerr != nil {
		slog.Error("unmount_failed", "mount_path", dir, "error", lerr)
		return errors.Classify(errors.KindEnvironment, lerr, "failed to unmount "+dir,
			"close any program using "+dir+" and run `clonestick cleanup`")
	}

	slog.Info("unmount_complete", "mount_path", dir, "lazy", true)
	return nil
}

// UnmountDevice detaches every mounted partition of a device. Failures are
// logged and ignored.
func (m *Mounter) UnmountDevice(ctx context.Context, partitions []string) {
	for _, p := range partitions {
		if _, err := m.Runner.Run(ctx, "umount", p); err != nil {
			slog.Debug("unmount_partition_skipped", "partition", p, "error", err)
		}
	}
}
