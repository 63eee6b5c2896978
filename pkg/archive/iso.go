package archive

import (
	"context"
	"os"
	"path"

	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/clonestick/clonestick/pkg/security"
	"github.com/kdomanski/iso9660"
)

func extractISO(ctx context.Context, src, dest string, v *security.Validator) (Stats, error) {
	f, err := os.Open(src)
	if err != nil {
		return Stats{}, errors.Wrap(err, "failed to open image")
	}
	defer f.Close()

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return Stats{}, errors.Classify(errors.KindIntegrity, err, "cannot read ISO image "+src,
			"the image may be corrupt; run again to download it afresh")
	}
	root, err := img.RootDir()
	if err != nil {
		return Stats{}, errors.Classify(errors.KindIntegrity, err, "cannot read ISO root directory",
			"the image may be corrupt; run again to download it afresh")
	}

	var st Stats
	err = walkISO(ctx, root, "", func(name string, file *iso9660.File) error {
		if err := v.ValidatePath(name); err != nil {
			return err
		}
		if file.IsDir() {
			return os.MkdirAll(target(dest, name), 0o755)
		}
		size := uint64(file.Size())
		if err := v.ValidateFileSize(name, size); err != nil {
			return err
		}
		if err := v.AddExtractedSize(size); err != nil {
			return err
		}
		if err := writeFile(ctx, target(dest, name), file.Reader()); err != nil {
			return err
		}
		st.Files++
		st.Bytes += size
		return nil
	})
	return st, err
}

func walkISO(ctx context.Context, dir *iso9660.File, prefix string, fn func(string, *iso9660.File) error) error {
	children, err := dir.GetChildren()
	if err != nil {
		return errors.Wrap(err, "failed to list ISO directory "+prefix)
	}
	for _, c := range children {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := c.Name()
		if n == "" || n == "." || n == ".." || n == "\x00" || n == "\x01" {
			continue
		}
		name := path.Join(prefix, n)
		if err := fn(name, c); err != nil {
			return err
		}
		if c.IsDir() {
			if err := walkISO(ctx, c, name, fn); err != nil {
				return err
			}
		}
	}
	return nil
}
