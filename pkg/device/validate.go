package device

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/clonestick/clonestick/pkg/errors"
)

// CheckSize fails when size is below min, citing both values.
func CheckSize(path string, size, min uint64) error {
	if size < min {
		return &errors.ShortageError{What: "device " + path, Required: min, Available: size}
	}
	return nil
}

// ValidateCandidate checks a device for a full setup: it must be a block
// device, unmounted and large enough. A device that looks like a system disk
// passes; callers ask for explicit confirmation through Device.SystemDisk.
func (inv *Inventory) ValidateCandidate(ctx context.Context, path string) (Device, error) {
	path = NormalizeName(path)
	slog.Info("device_validate", "device", path)

	if path == "" || !inv.IsBlockDevice(path) {
		slog.Warn("device_not_block", "device", path)
		return Device{}, errors.Validation(fmt.Sprintf("%s is not a block device", path),
			"check the device name with `clonestick list` or lsblk")
	}

	dev, err := inv.Inspect(ctx, path)
	if err != nil {
		return Device{}, err
	}

	if dev.Mounted() {
		slog.Warn("device_mounted", "device", path, "mounts", strings.Join(dev.MountedPaths(), ","))
		return Device{}, errors.Validation(
			fmt.Sprintf("%s is currently mounted (%s)", path, strings.Join(dev.MountedPaths(), ", ")),
			"unmount every partition of the device first, e.g. umount "+path+"1")
	}

	if err := CheckSize(path, dev.Size, inv.MinSize); err != nil {
		slog.Warn("device_too_small", "device", path, "size", dev.Size, "min", inv.MinSize)
		return Device{}, err
	}

	slog.Info("device_valid", "device", path, "size", dev.Size, "system_disk", dev.SystemDisk)
	return dev, nil
}

// fatTypes are lsblk FSTYPE values of a FAT32-compatible filesystem.
var fatTypes = map[string]bool{"vfat": true, "fat32": true, "fat": true, "msdos": true}

// DetectExistingLayout checks a device prepared by an earlier run: at least
// two partitions with a FAT32 second partition. It returns the second
// partition.
func (inv *Inventory) DetectExistingLayout(ctx context.Context, path string) (Device, Partition, error) {
	path = NormalizeName(path)
	slog.Info("device_detect_layout", "device", path)

	if path == "" || !inv.IsBlockDevice(path) {
		return Device{}, Partition{}, errors.Validation(fmt.Sprintf("%s is not a block device", path),
			"check the device name with `clonestick list` or lsblk")
	}

	dev, err := inv.Inspect(ctx, path)
	if err != nil {
		return Device{}, Partition{}, err
	}

	if len(dev.Partitions) < 2 {
		slog.Warn("device_layout_partitions", "device", path, "found", len(dev.Partitions))
		return Device{}, Partition{}, errors.Validation(
			fmt.Sprintf("not enough partitions on %s: found %d, need 2", path, len(dev.Partitions)),
			"run a full setup on this device first (without --backup-only)")
	}

	second := dev.Partitions[1]
	if !fatTypes[strings.ToLower(second.FSType)] {
		slog.Warn("device_layout_fstype", "device", path, "partition", second.Path, "fstype", second.FSType)
		fstype := second.FSType
		if fstype == "" {
			fstype = "unformatted"
		}
		return Device{}, Partition{}, errors.Validation(
			fmt.Sprintf("second partition %s is %s, expected FAT32", second.Path, fstype),
			"run a full setup on this device first (without --backup-only)")
	}

	if second.Mountpoint != "" {
		return Device{}, Partition{}, errors.Validation(
			fmt.Sprintf("%s is mounted at %s", second.Path, second.Mountpoint),
			"unmount it first: umount "+second.Path)
	}

	slog.Info("device_layout_ok", "device", path, "partition", second.Path)
	return dev, second, nil
}
