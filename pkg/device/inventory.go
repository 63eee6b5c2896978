// Package device lists block devices, classifies them and validates the one
// the operator picks.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/clonestick/clonestick/pkg/runner"
	"github.com/clonestick/clonestick/pkg/units"
)

// DefaultMinSize is the smallest device accepted for a full setup.
const DefaultMinSize = 8 * units.GiB

// systemMounts mark a disk as hosting the running system.
var systemMounts = []string{"/", "/boot", "/boot/efi", "/usr", "/var", "/home", "[SWAP]"}

// Partition is a partition on a disk.
type Partition struct {
	Path       string
	Size       uint64
	FSType     string
	Mountpoint string
}

// Device is a whole disk with derived facts.
type Device struct {
	Path       string
	Name       string
	Size       uint64
	Model      string
	Transport  string
	Removable  bool
	Mountpoint string
	Partitions []Partition
	SystemDisk bool
}

// Mounted reports whether the disk or any partition is mounted.
func (d Device) Mounted() bool {
	return len(d.MountedPaths()) > 0
}

// MountedPaths lists "device -> mountpoint" pairs for the disk and its partitions.
func (d Device) MountedPaths() []string {
	var out []string
	if d.Mountpoint != "" {
		out = append(out, fmt.Sprintf("%s -> %s", d.Path, d.Mountpoint))
	}
	for _, p := range d.Partitions {
		if p.Mountpoint != "" {
			out = append(out, fmt.Sprintf("%s -> %s", p.Path, p.Mountpoint))
		}
	}
	return out
}

// Tags are the heuristic labels shown in listings.
func (d Device) Tags() []string {
	var tags []string
	if d.Removable {
		tags = append(tags, "removable")
	}
	if d.Transport == "usb" {
		tags = append(tags, "usb")
	}
	if d.SystemDisk {
		tags = append(tags, "system-disk?")
	}
	if d.Mounted() {
		tags = append(tags, "mounted")
	}
	return tags
}

// Inventory inspects block devices through lsblk.
type Inventory struct {
	Runner  runner.Runner
	MinSize uint64
	// IsBlockDevice defaults to a stat of the device node.
	IsBlockDevice func(path string) bool
}

func NewInventory(r runner.Runner, minSize uint64) *Inventory {
	return &Inventory{Runner: r, MinSize: minSize, IsBlockDevice: isBlockDevice}
}

func isBlockDevice(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeDevice != 0 && fi.Mode()&os.ModeCharDevice == 0
}

// List returns every disk-type block device.
func (inv *Inventory) List(ctx context.Context) ([]Device, error) {
	res, err := inv.Runner.Run(ctx, "lsblk", "-J", "-b", "-o", lsblkColumns)
	if err != nil {
		return nil, errors.Classify(errors.KindEnvironment, err, "cannot list block devices", "check that lsblk works")
	}
	raw, err := parseLsblk(res.Stdout)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse lsblk output")
	}

	var devices []Device
	for _, d := range raw {
		if d.Type != "disk" {
			continue
		}
		devices = append(devices, toDevice(d))
	}
	slog.Info("device_inventory", "count", len(devices))
	return devices, nil
}

// Inspect returns facts for a single device path.
func (inv *Inventory) Inspect(ctx context.Context, path string) (Device, error) {
	res, err := inv.Runner.Run(ctx, "lsblk", "-J", "-b", "-o", lsblkColumns, path)
	if err != nil {
		return Device{}, errors.Validation(fmt.Sprintf("cannot inspect %s", path),
			"check the device name with `clonestick list` or lsblk")
	}
	raw, err := parseLsblk(res.Stdout)
	if err != nil {
		return Device{}, errors.Wrap(err, "failed to parse lsblk output")
	}
	if len(raw) == 0 {
		return Device{}, errors.Validation(fmt.Sprintf("%s not found", path),
			"check the device name with `clonestick list` or lsblk")
	}
	return toDevice(raw[0]), nil
}

func toDevice(d lsblkDevice) Device {
	dev := Device{
		Path:       d.path(),
		Name:       d.Name,
		Size:       uint64(d.Size),
		Model:      str(d.Model),
		Transport:  str(d.Tran),
		Removable:  bool(d.RM),
		Mountpoint: str(d.Mountpoint),
	}
	for _, c := range d.Children {
		if c.Type != "part" {
			continue
		}
		dev.Partitions = append(dev.Partitions, Partition{
			Path:       c.path(),
			Size:       uint64(c.Size),
			FSType:     str(c.FSType),
			Mountpoint: str(c.Mountpoint),
		})
	}
	dev.SystemDisk = looksLikeSystemDisk(dev)
	return dev
}

// looksLikeSystemDisk flags disks that host system mounts, and fixed internal
// disks with the names a first boot disk usually gets.
func looksLikeSystemDisk(d Device) bool {
	mounts := []string{d.Mountpoint}
	for _, p := range d.Partitions {
		mounts = append(mounts, p.Mountpoint)
	}
	for _, m := range mounts {
		for _, sys := range systemMounts {
			if m == sys {
				return true
			}
		}
	}
	if !d.Removable && d.Transport != "usb" {
		switch d.Name {
		case "sda", "nvme0n1", "mmcblk0", "vda", "xvda":
			return true
		}
	}
	return false
}

// NormalizeName turns "sdb", "/dev/sdb" and " /dev/sdb " into "/dev/sdb".
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "/dev/")
	if name == "" {
		return ""
	}
	return "/dev/" + name
}

// PartitionPath returns the node of partition index on disk, inserting the
// "p" separator for nvme and mmcblk devices.
func PartitionPath(disk string, index int) string {
	name := strings.TrimPrefix(NormalizeName(disk), "/dev/")
	if strings.HasPrefix(name, "mmcblk") || strings.HasPrefix(name, "nvme") || strings.HasPrefix(name, "loop") {
		return fmt.Sprintf("/dev/%sp%d", name, index)
	}
	return fmt.Sprintf("/dev/%s%d", name, index)
}
