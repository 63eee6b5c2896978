// Package archive extracts live and backup images onto a mounted partition.
// Zip archives are handed to unzip after their central directory has been
// validated; tar and ISO 9660 images are unpacked in-process.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/clonestick/clonestick/pkg/runner"
	"github.com/clonestick/clonestick/pkg/security"
)

// Format is an archive container type.
type Format int

const (
	FormatUnknown Format = iota
	FormatZip
	FormatTar
	FormatTarGz
	FormatISO
)

func (f Format) String() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatTar:
		return "tar"
	case FormatTarGz:
		return "tar.gz"
	case FormatISO:
		return "iso"
	default:
		return "unknown"
	}
}

// Ext is the file extension artifacts of this format are stored under.
func (f Format) Ext() string {
	if f == FormatUnknown {
		return ""
	}
	return "." + f.String()
}

// FormatOf detects the format from a file name or URL path.
func FormatOf(name string) Format {
	name = strings.ToLower(name)
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimSuffix(name, "/download")
	switch {
	case strings.HasSuffix(name, ".zip"):
		return FormatZip
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return FormatTarGz
	case strings.HasSuffix(name, ".tar"):
		return FormatTar
	case strings.HasSuffix(name, ".iso"):
		return FormatISO
	}
	return FormatUnknown
}

// Stats summarizes an extraction.
type Stats struct {
	Files   int
	Bytes   uint64
	Skipped []string
}

// Extractor unpacks archives into a directory.
type Extractor struct {
	Runner runner.Runner
}

func NewExtractor(r runner.Runner) *Extractor {
	return &Extractor{Runner: r}
}

// Extract unpacks src of the given format into dest after validating every
// entry with v. Symbolic links are skipped since FAT32 cannot store them.
func (e *Extractor) Extract(ctx context.Context, src, dest string, format Format, v *security.Validator) (Stats, error) {
	slog.Info("extract_start", "archive", src, "dest", dest, "format", format.String())
	v.Reset()

	var (
		st  Stats
		err error
	)
	switch format {
	case FormatZip:
		st, err = e.extractZip(ctx, src, dest, v)
	case FormatTar, FormatTarGz:
		st, err = extractTar(ctx, src, dest, format == FormatTarGz, v)
	case FormatISO:
		st, err = extractISO(ctx, src, dest, v)
	default:
		return Stats{}, errors.Validation(fmt.Sprintf("%s is not a supported archive", filepath.Base(src)),
			"use a .zip, .tar, .tar.gz or .iso image")
	}
	if err != nil {
		if ctx.Err() != nil {
			return st, errors.Cancelled("extraction interrupted", ctx.Err())
		}
		slog.Error("extract_failed", "archive", src, "error", err)
		return st, err
	}

	for _, s := range st.Skipped {
		slog.Warn("extract_skipped_symlink", "entry", s)
	}
	slog.Info("extract_complete", "archive", src, "files", st.Files, "bytes", st.Bytes, "skipped", len(st.Skipped))
	return st, nil
}

// VerifyNotEmpty fails when dir holds no entries.
func VerifyNotEmpty(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "failed to read extraction directory")
	}
	for _, e := range entries {
		// Windows creates this on any FAT volume it touches.
		if e.Name() == "System Volume Information" {
			continue
		}
		return nil
	}
	return errors.Integrity(fmt.Sprintf("extraction left %s empty", dir),
		"the archive may be corrupt or truncated; run again to download it afresh")
}

// target joins an already validated entry name onto dest.
func target(dest, name string) string {
	return filepath.Join(dest, filepath.FromSlash(filepath.Clean("/" + name)))
}
