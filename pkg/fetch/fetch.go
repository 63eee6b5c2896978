// Package fetch obtains image archives: HTTP downloads through curl, S3
// objects and local copies, each behind a free-space preflight.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/clonestick/clonestick/pkg/runner"
	"github.com/clonestick/clonestick/pkg/storage"
	"github.com/clonestick/clonestick/pkg/units"
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
)

const (
	DefaultAttempts       = 3
	DefaultTimeout        = 300 * time.Second
	DefaultRetryDelay     = 5 * time.Second
	DefaultFallbackSize   = 512 * units.MiB
	DefaultChecksumSuffix = ".sha256"
)

// ObjectStore is the S3 capability used for s3:// sources.
type ObjectStore interface {
	Size(ctx context.Context, loc storage.Location) (uint64, error)
	Download(ctx context.Context, loc storage.Location, localPath string) (*storage.DownloadResult, error)
}

// Fetcher downloads or copies artifacts into the download directory.
type Fetcher struct {
	Runner         runner.Runner
	Client         *http.Client
	Attempts       int
	Timeout        time.Duration
	RetryDelay     time.Duration
	FallbackSize   uint64
	ChecksumSuffix string
	// FreeSpace reports the bytes available on the filesystem holding path.
	FreeSpace func(path string) (uint64, error)
	// Store serves s3:// sources; it is created lazily when nil.
	Store    ObjectStore
	NewStore func(ctx context.Context) (ObjectStore, error)
}

func NewFetcher(r runner.Runner, client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		Runner:         r,
		Client:         client,
		Attempts:       DefaultAttempts,
		Timeout:        DefaultTimeout,
		RetryDelay:     DefaultRetryDelay,
		FallbackSize:   DefaultFallbackSize,
		ChecksumSuffix: DefaultChecksumSuffix,
		FreeSpace:      FreeSpace,
	}
}

// FreeSpace returns the free bytes of the filesystem holding path.
func FreeSpace(path string) (uint64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

// SourceKind tells how a source string is obtained.
type SourceKind int

const (
	SourceLocal SourceKind = iota
	SourceURL
	SourceS3
)

// KindOf classifies a source as URL, s3:// object or local path.
func KindOf(source string) SourceKind {
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return SourceURL
	case storage.IsURI(source):
		return SourceS3
	}
	return SourceLocal
}

// Result describes an obtained artifact.
type Result struct {
	Path   string
	Size   uint64
	SHA256 string
}

// Get obtains source into dest by download, S3 transfer or local copy.
func (f *Fetcher) Get(ctx context.Context, source, dest, label string) (Result, error) {
	switch KindOf(source) {
	case SourceURL:
		checksum := f.ResolveChecksum(ctx, source)
		return f.Fetch(ctx, source, dest, label, checksum)
	case SourceS3:
		return f.FetchObject(ctx, source, dest, label)
	default:
		return f.CopyLocal(ctx, source, dest, label)
	}
}

// CheckSpace fails when the filesystem holding dir has fewer than required
// free bytes.
func (f *Fetcher) CheckSpace(dir string, required uint64, label string) error {
	free, err := f.FreeSpace(dir)
	if err != nil {
		return errors.Classify(errors.KindEnvironment, err, "cannot determine free space in "+dir,
			"check that the download directory exists and is writable")
	}
	slog.Info("fetch_space_check", "label", label, "dir", dir, "required", humanize.IBytes(required), "free", humanize.IBytes(free))
	if free < required {
		return &errors.ShortageError{What: label + " in " + dir, Required: required, Available: free}
	}
	return nil
}

// RemoteSize returns the Content-Length advertised by a HEAD request, or the
// fallback size when none is available.
func (f *Fetcher) RemoteSize(ctx context.Context, url string) uint64 {
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, url, nil)
	if err != nil {
		return f.FallbackSize
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		slog.Warn("fetch_size_unknown", "url", url, "error", err)
		return f.FallbackSize
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 || resp.ContentLength <= 0 {
		slog.Warn("fetch_size_unknown", "url", url, "status", resp.StatusCode)
		return f.FallbackSize
	}
	return uint64(resp.ContentLength)
}

// Fetch downloads url to dest with bounded, resumable retries. A non-empty
// checksum is verified after the transfer; a mismatch is not retried.
func (f *Fetcher) Fetch(ctx context.Context, url, dest, label, checksum string) (Result, error) {
	slog.Info("fetch_start", "label", label, "url", url, "dest", dest)

	size := f.RemoteSize(ctx, url)
	if err := f.CheckSpace(filepath.Dir(dest), size, label); err != nil {
		return Result{}, err
	}

	attempt := 0
	op := func() error {
		attempt++
		args := []string{"-fL", "--silent", "--show-error",
			"--max-time", strconv.Itoa(int(f.Timeout / time.Second)),
			"-o", dest}
		if attempt > 1 && nonEmpty(dest) {
			args = append(args, "-C", "-")
		}
		args = append(args, url)

		slog.Info("fetch_attempt", "label", label, "attempt", attempt, "of", f.Attempts)
		attemptCtx, cancel := context.WithTimeout(ctx, f.Timeout+10*time.Second)
		defer cancel()
		if _, err := f.Runner.Run(attemptCtx, "curl", args...); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			slog.Warn("fetch_attempt_failed", "label", label, "attempt", attempt, "error", err)
			return err
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(f.RetryDelay), uint64(max(f.Attempts-1, 0))), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if ctx.Err() != nil {
			os.Remove(dest)
			return Result{}, errors.Cancelled("download of "+label+" interrupted", ctx.Err())
		}
		slog.Error("fetch_failed", "label", label, "url", url, "attempts", attempt)
		return Result{}, errors.Transient(
			fmt.Sprintf("download of %s failed after %d attempts", label, attempt),
			"check the network connection and the URL, then run again", err)
	}

	fi, err := os.Stat(dest)
	if err != nil || fi.Size() == 0 {
		os.Remove(dest)
		return Result{}, errors.Integrity(fmt.Sprintf("download of %s produced no data", label),
			"the server returned an empty file; try again later or pick another source")
	}

	res := Result{Path: dest, Size: uint64(fi.Size())}
	if checksum != "" {
		sum, err := VerifyChecksum(dest, checksum)
		if err != nil {
			os.Remove(dest)
			return Result{}, err
		}
		res.SHA256 = sum
	}

	slog.Info("fetch_complete", "label", label, "dest", dest, "size", humanize.IBytes(res.Size), "verified", checksum != "")
	return res, nil
}

// FetchObject transfers an s3://bucket/key object to dest.
func (f *Fetcher) FetchObject(ctx context.Context, source, dest, label string) (Result, error) {
	loc, err := storage.ParseURI(source)
	if err != nil {
		return Result{}, err
	}
	store, err := f.store(ctx)
	if err != nil {
		return Result{}, err
	}

	size, err := store.Size(ctx, loc)
	if err != nil {
		return Result{}, err
	}
	if size == 0 {
		size = f.FallbackSize
	}
	if err := f.CheckSpace(filepath.Dir(dest), size, label); err != nil {
		return Result{}, err
	}

	var out *storage.DownloadResult
	attempt := 0
	op := func() error {
		attempt++
		res, err := store.Download(ctx, loc, dest)
		if err != nil {
			if errors.KindOf(err) == errors.KindCancelled {
				return backoff.Permanent(err)
			}
			return err
		}
		out = res
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(f.RetryDelay), uint64(max(f.Attempts-1, 0))), ctx)
	if err := backoff.Retry(op, b); err != nil {
		os.Remove(dest)
		if ctx.Err() != nil {
			return Result{}, errors.Cancelled("download of "+label+" interrupted", ctx.Err())
		}
		return Result{}, errors.Transient(
			fmt.Sprintf("download of %s failed after %d attempts", label, attempt),
			"check the bucket, key and network connection, then run again", err)
	}
	if out.Size == 0 {
		os.Remove(dest)
		return Result{}, errors.Integrity(fmt.Sprintf("%s is empty", loc), "pick another backup source")
	}
	return Result{Path: dest, Size: uint64(out.Size), SHA256: out.SHA256}, nil
}

func (f *Fetcher) store(ctx context.Context) (ObjectStore, error) {
	if f.Store != nil {
		return f.Store, nil
	}
	if f.NewStore == nil {
		return nil, errors.Environment("s3 sources are not configured", "set s3-region in the configuration")
	}
	s, err := f.NewStore(ctx)
	if err != nil {
		return nil, err
	}
	f.Store = s
	return s, nil
}

// CopyLocal copies a local file to dest after the same space preflight.
func (f *Fetcher) CopyLocal(ctx context.Context, src, dest, label string) (Result, error) {
	slog.Info("copy_start", "label", label, "src", src, "dest", dest)

	fi, err := os.Stat(src)
	if err != nil {
		return Result{}, errors.Validation(fmt.Sprintf("%s not found: %s", label, src),
			"check the path of the local file")
	}
	if !fi.Mode().IsRegular() {
		return Result{}, errors.Validation(fmt.Sprintf("%s is not a regular file: %s", label, src),
			"point to the archive file itself")
	}
	if err := f.CheckSpace(filepath.Dir(dest), uint64(fi.Size()), label); err != nil {
		return Result{}, err
	}

	in, err := os.Open(src)
	if err != nil {
		return Result{}, errors.Validation(fmt.Sprintf("cannot read %s: %v", src, err), "check the file permissions")
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return Result{}, errors.Classify(errors.KindEnvironment, err, "cannot create "+dest,
			"check that the download directory is writable")
	}
	n, err := io.Copy(out, runner.NewContextReader(ctx, in))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		if ctx.Err() != nil {
			return Result{}, errors.Cancelled("copy of "+label+" interrupted", ctx.Err())
		}
		return Result{}, errors.Wrap(err, "failed to copy "+label)
	}

	slog.Info("copy_complete", "label", label, "dest", dest, "size", humanize.IBytes(uint64(n)))
	return Result{Path: dest, Size: uint64(n)}, nil
}

func nonEmpty(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Size() > 0
}
