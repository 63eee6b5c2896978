// Package partition lays out a target device: wipe, GPT label, a boot
// partition and a payload partition, both FAT32.
package partition

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clonestick/clonestick/pkg/device"
	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/clonestick/clonestick/pkg/mount"
	"github.com/clonestick/clonestick/pkg/runner"
)

const (
	DefaultBootEndMiB = 513
	DefaultSettleTime = 5 * time.Second

	BootLabel   = "CLONEZILLA"
	BackupLabel = "BACKUP"
)

// Layout names the two partitions of a prepared device.
type Layout struct {
	Boot   string
	Backup string
}

// Partitioner runs the partitioning and formatting sequence.
type Partitioner struct {
	Runner     runner.Runner
	Inventory  *device.Inventory
	Mounter    *mount.Mounter
	BootEndMiB int
	SettleTime time.Duration
	// Sleep waits for the kernel to create partition nodes.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewPartitioner(r runner.Runner, inv *device.Inventory, m *mount.Mounter, bootEndMiB int, settle time.Duration) *Partitioner {
	if bootEndMiB <= 1 {
		bootEndMiB = DefaultBootEndMiB
	}
	return &Partitioner{
		Runner:     r,
		Inventory:  inv,
		Mounter:    m,
		BootEndMiB: bootEndMiB,
		SettleTime: settle,
		Sleep:      sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Partition wipes dev and creates the two-partition GPT layout. Any failing
// step aborts the rest.
func (p *Partitioner) Partition(ctx context.Context, dev device.Device) (Layout, error) {
	slog.Info("partition_start", "device", dev.Path, "boot_end_mib", p.BootEndMiB)

	var existing []string
	for _, part := range dev.Partitions {
		existing = append(existing, part.Path)
	}
	p.Mounter.UnmountDevice(ctx, existing)

	for _, s := range p.steps(dev.Path) {
		slog.Info(s.event, "device", dev.Path)
		if err := p.run(ctx, s.name, s.args...); err != nil {
			return Layout{}, err
		}
	}

	slog.Info("partition_settle", "device", dev.Path, "wait", p.SettleTime)
	if err := p.Sleep(ctx, p.SettleTime); err != nil {
		return Layout{}, errors.Cancelled("partitioning interrupted", err)
	}

	layout, err := p.resolve(ctx, dev.Path)
	if err != nil {
		return Layout{}, err
	}
	slog.Info("partition_complete", "device", dev.Path, "boot", layout.Boot, "backup", layout.Backup)
	return layout, nil
}

type step struct {
	event string
	name  string
	args  []string
}

func (p *Partitioner) steps(path string) []step {
	boot := fmt.Sprintf("%dMiB", p.BootEndMiB)
	return []step{
		{"partition_wipe", "shred", []string{"-n", "1", "-z", "-s", "1M", path}},
		{"partition_label", "parted", []string{"-s", path, "mklabel", "gpt"}},
		{"partition_create_boot", "parted", []string{"-s", path, "mkpart", "primary", "fat32", "1MiB", boot}},
		{"partition_create_backup", "parted", []string{"-s", path, "mkpart", "primary", "fat32", boot, "100%"}},
		{"partition_boot_flag", "parted", []string{"-s", path, "set", "1", "boot", "on"}},
		{"partition_reread", "partprobe", []string{path}},
	}
}

func formatArgs(part, label string) []string {
	return []string{"-F", "32", "-n", label, part}
}

// Plan lists the commands Partition and Format would run on path, assuming
// the conventional partition node names.
func (p *Partitioner) Plan(path string) []string {
	var out []string
	for _, s := range p.steps(path) {
		out = append(out, runner.CommandLine(s.name, s.args...))
	}
	out = append(out,
		runner.CommandLine("mkfs.vfat", formatArgs(device.PartitionPath(path, 1), BootLabel)...),
		runner.CommandLine("mkfs.vfat", formatArgs(device.PartitionPath(path, 2), BackupLabel)...))
	return out
}

// resolve binds the first two partitions found on the device. Before the
// kernel reports them, the conventional node names are used.
func (p *Partitioner) resolve(ctx context.Context, path string) (Layout, error) {
	dev, err := p.Inventory.Inspect(ctx, path)
	if err != nil {
		return Layout{}, err
	}
	if len(dev.Partitions) < 2 {
		slog.Error("partition_nodes_missing", "device", path, "found", len(dev.Partitions))
		return Layout{}, errors.Environment(
			fmt.Sprintf("partitions of %s did not appear: found %d, need 2", path, len(dev.Partitions)),
			"unplug and replug the device, then run again")
	}
	return Layout{Boot: dev.Partitions[0].Path, Backup: dev.Partitions[1].Path}, nil
}

// Format creates FAT32 filesystems on both partitions.
func (p *Partitioner) Format(ctx context.Context, layout Layout) error {
	for _, f := range []struct{ part, label string }{
		{layout.Boot, BootLabel},
		{layout.Backup, BackupLabel},
	} {
		slog.Info("format_partition", "partition", f.part, "filesystem", "vfat", "label", f.label)
		if err := p.run(ctx, "mkfs.vfat", formatArgs(f.part, f.label)...); err != nil {
			return err
		}
	}
	slog.Info("format_complete", "boot", layout.Boot, "backup", layout.Backup)
	return nil
}

func (p *Partitioner) run(ctx context.Context, name string, args ...string) error {
	if _, err := p.Runner.Run(ctx, name, args...); err != nil {
		if ctx.Err() != nil {
			return errors.Cancelled(name+" interrupted", ctx.Err())
		}
		slog.Error("partition_step_failed", "command", runner.CommandLine(name, args...), "error", err)
		return errors.Classify(errors.KindEnvironment, err, "failed to run "+name,
			"check the device is still connected and not in use")
	}
	return nil
}
