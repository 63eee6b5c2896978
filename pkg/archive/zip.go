package archive

import (
	"archive/zip"
	"context"
	"log/slog"
	"os"

	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/clonestick/clonestick/pkg/runner"
	"github.com/clonestick/clonestick/pkg/security"
)

// unzip exits 1 when it succeeded with warnings.
const unzipWarning = 1

func (e *Extractor) extractZip(ctx context.Context, src, dest string, v *security.Validator) (Stats, error) {
	st, err := inspectZip(src, v)
	if err != nil {
		return st, err
	}

	args := []string{"-o", "-q", src, "-d", dest}
	if len(st.Skipped) > 0 {
		args = append(args, "-x")
		args = append(args, st.Skipped...)
	}
	if _, err := e.Runner.Run(ctx, "unzip", args...); err != nil {
		var exit *runner.ExitError
		if errors.As(err, &exit) && exit.Result.ExitCode == unzipWarning {
			slog.Warn("unzip_warnings", "archive", src, "stderr", exit.Result.Stderr)
			return st, nil
		}
		return st, errors.Classify(errors.KindIntegrity, err, "failed to extract "+src,
			"the archive may be corrupt; run again to download it afresh")
	}
	return st, nil
}

// inspectZip validates the central directory without extracting anything.
func inspectZip(src string, v *security.Validator) (Stats, error) {
	r, err := zip.OpenReader(src)
	if err != nil {
		return Stats{}, errors.Classify(errors.KindIntegrity, err, "cannot read zip archive "+src,
			"the archive may be corrupt; run again to download it afresh")
	}
	defer r.Close()

	var st Stats
	for _, f := range r.File {
		if err := v.ValidatePath(f.Name); err != nil {
			return st, err
		}
		mode := f.Mode()
		switch {
		case mode&os.ModeSymlink != 0:
			st.Skipped = append(st.Skipped, f.Name)
		case mode.IsDir():
		default:
			if err := v.ValidateFileSize(f.Name, f.UncompressedSize64); err != nil {
				return st, err
			}
			if err := v.AddExtractedSize(f.UncompressedSize64); err != nil {
				return st, err
			}
			st.Files++
			st.Bytes += f.UncompressedSize64
		}
	}
	return st, nil
}
