// Package install writes the live image and an optional backup image onto
// the partitions of a prepared device.
package install

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/clonestick/clonestick/pkg/archive"
	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/clonestick/clonestick/pkg/fetch"
	"github.com/clonestick/clonestick/pkg/mount"
	"github.com/clonestick/clonestick/pkg/security"
	"github.com/clonestick/clonestick/pkg/status"
	"github.com/clonestick/clonestick/pkg/version"
	"golang.org/x/sys/unix"
)

// ArtifactPrefix names every file the tool creates in the download directory.
const ArtifactPrefix = "clonestick-"

// ArtifactPath returns the download path of a named artifact.
func ArtifactPath(downloadDir, name string, format archive.Format) string {
	return filepath.Join(downloadDir, ArtifactPrefix+name+format.Ext())
}

// Installer mounts a partition, obtains an archive and extracts it there.
type Installer struct {
	Mounter     *mount.Mounter
	Fetcher     *fetch.Fetcher
	Extractor   *archive.Extractor
	Resolver    *version.Resolver
	Reporter    *status.Reporter
	DownloadDir string
	MountDir    string
	// Sync flushes filesystem buffers before unmounting.
	Sync func()
}

func syncAll() { unix.Sync() }

// LiveOptions selects the live image.
type LiveOptions struct {
	// Version pins a release; empty resolves the latest.
	Version string
	// ImageFile installs a local archive instead of downloading.
	ImageFile string
}

// Result describes an installed image.
type Result struct {
	Source  string
	Version string
	SHA256  string
	Files   int
	Bytes   uint64
}

// InstallLiveImage installs the live system onto the boot partition.
func (in *Installer) InstallLiveImage(ctx context.Context, partition string, opts LiveOptions) (Result, error) {
	res := Result{Source: opts.ImageFile}
	if opts.ImageFile == "" {
		v, err := in.Resolver.Resolve(ctx, opts.Version)
		if err != nil {
			return Result{}, err
		}
		res.Version = v
		res.Source = in.Resolver.URL(v)
	}

	in.Reporter.Info("Installing live image from %s", res.Source)
	out, err := in.install(ctx, partition, res.Source, "live", "live image")
	if err != nil {
		return Result{}, err
	}
	out.Version = res.Version
	in.Reporter.Success("Live image installed on %s (%d files)", partition, out.Files)
	return out, nil
}

// InstallBackup installs a backup image onto the payload partition.
func (in *Installer) InstallBackup(ctx context.Context, partition, source string) (Result, error) {
	in.Reporter.Info("Installing backup image from %s", source)
	out, err := in.install(ctx, partition, source, "backup", "backup image")
	if err != nil {
		return Result{}, err
	}
	in.Reporter.Success("Backup image installed on %s (%d files)", partition, out.Files)
	return out, nil
}

func (in *Installer) install(ctx context.Context, partition, source, name, label string) (Result, error) {
	format := archive.FormatOf(source)
	if format == archive.FormatUnknown {
		if fetch.KindOf(source) != fetch.SourceURL {
			return Result{}, errors.Validation(source+" is not a supported archive",
				"use a .zip, .tar, .tar.gz or .iso image")
		}
		slog.Warn("install_format_assumed", "source", source, "format", "zip")
		format = archive.FormatZip
	}
	artifact := ArtifactPath(in.DownloadDir, name, format)
	slog.Info("install_start", "label", label, "partition", partition, "source", source, "artifact", artifact)

	if err := in.Mounter.Mount(ctx, partition, in.MountDir); err != nil {
		return Result{}, err
	}

	got, err := in.Fetcher.Get(ctx, source, artifact, label)
	if err != nil {
		return Result{}, err
	}

	free, err := in.Fetcher.FreeSpace(in.MountDir)
	if err != nil {
		slog.Warn("install_free_space_unknown", "mount_path", in.MountDir, "error", err)
		free = 0
	}
	v := security.NewValidator(security.FAT32MaxFileSize, free)

	in.Reporter.Info("Extracting %s", label)
	st, err := in.Extractor.Extract(ctx, artifact, in.MountDir, format, v)
	if err != nil {
		return Result{}, err
	}
	for _, s := range st.Skipped {
		in.Reporter.Warn("Skipped symbolic link %s (not supported on FAT32)", s)
	}
	if st.Files == 0 {
		return Result{}, errors.Integrity(label+" archive "+source+" contains no files",
			"the archive may be corrupt or truncated; run again to download it afresh")
	}
	if err := archive.VerifyNotEmpty(in.MountDir); err != nil {
		return Result{}, err
	}

	in.Sync()
	if err := in.Mounter.Unmount(ctx, in.MountDir); err != nil {
		return Result{}, err
	}

	if err := os.Remove(artifact); err != nil && !os.IsNotExist(err) {
		slog.Warn("install_artifact_remove_failed", "artifact", artifact, "error", err)
	}

	slog.Info("install_complete", "label", label, "partition", partition, "files", st.Files, "bytes", st.Bytes)
	return Result{Source: source, SHA256: got.SHA256, Files: st.Files, Bytes: st.Bytes}, nil
}

// NewInstaller wires an installer that flushes buffers with sync(2).
func NewInstaller(m *mount.Mounter, f *fetch.Fetcher, x *archive.Extractor, r *version.Resolver, rep *status.Reporter, downloadDir, mountDir string) *Installer {
	return &Installer{
		Mounter:     m,
		Fetcher:     f,
		Extractor:   x,
		Resolver:    r,
		Reporter:    rep,
		DownloadDir: downloadDir,
		MountDir:    mountDir,
		Sync:        syncAll,
	}
}
