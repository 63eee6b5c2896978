package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/clonestick/clonestick/pkg/runner"
	"github.com/clonestick/clonestick/pkg/security"
)

func extractTar(ctx context.Context, src, dest string, gz bool, v *security.Validator) (Stats, error) {
	f, err := os.Open(src)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to open tar: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if gz {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return Stats{}, errors.Classify(errors.KindIntegrity, err, "cannot read "+src,
				"the archive may be corrupt; run again to download it afresh")
		}
		defer zr.Close()
		r = zr
	}

	var st Stats
	tarReader := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return st, errors.Classify(errors.KindIntegrity, err, "tar read error in "+src,
				"the archive may be corrupt; run again to download it afresh")
		}

		if err := v.ValidatePath(header.Name); err != nil {
			return st, err
		}

		path := target(dest, header.Name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return st, fmt.Errorf("failed to create directory: %w", err)
			}

		case tar.TypeReg:
			size := uint64(header.Size)
			if err := v.ValidateFileSize(header.Name, size); err != nil {
				return st, err
			}
			if err := v.AddExtractedSize(size); err != nil {
				return st, err
			}
			if err := writeFile(ctx, path, tarReader); err != nil {
				return st, err
			}
			st.Files++
			st.Bytes += size

		case tar.TypeSymlink, tar.TypeLink:
			st.Skipped = append(st.Skipped, header.Name)
		}
	}
	return st, nil
}

// writeFile copies r to path, creating parents. FAT32 ignores permission
// bits, so files are written 0644.
func writeFile(ctx context.Context, path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}

	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(out, runner.NewContextReader(ctx, r)); err != nil {
		out.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	return out.Close()
}
