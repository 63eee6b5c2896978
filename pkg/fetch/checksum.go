package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/clonestick/clonestick/pkg/errors"
)

// ChecksumURL returns the sibling digest resource of url. SourceForge style
// ".../file.zip/download" links get the suffix on the file name.
func ChecksumURL(url, suffix string) string {
	if base, ok := strings.CutSuffix(url, "/download"); ok {
		return base + suffix + "/download"
	}
	return url + suffix
}

// ResolveChecksum fetches the digest published next to url. Any failure
// yields "", meaning no checksum is available.
func (f *Fetcher) ResolveChecksum(ctx context.Context, url string) string {
	sumURL := ChecksumURL(url, f.ChecksumSuffix)
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, sumURL, nil)
	if err != nil {
		return ""
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		slog.Info("checksum_unavailable", "url", sumURL, "error", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		slog.Info("checksum_unavailable", "url", sumURL, "status", resp.StatusCode)
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return ""
	}
	sum := ParseChecksum(string(body))
	if sum == "" {
		slog.Info("checksum_malformed", "url", sumURL)
	}
	return sum
}

// ParseChecksum returns the first whitespace-delimited token of body when it
// is a 64-character hex digest, lowercased.
func ParseChecksum(body string) string {
	fields := strings.Fields(body)
	if len(fields) == 0 || len(fields[0]) != sha256.Size*2 {
		return ""
	}
	if _, err := hex.DecodeString(fields[0]); err != nil {
		return ""
	}
	return strings.ToLower(fields[0])
}

// SHA256File returns the hex digest of the file at path.
func SHA256File(path string) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to open file for hashing")
	}
	defer fh.Close()

	h := sha256.New()
	if _, err := io.Copy(h, fh); err != nil {
		return "", errors.Wrap(err, "failed to hash file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChecksum compares the digest of path with want. An empty want skips
// verification.
func VerifyChecksum(path, want string) (string, error) {
	if want == "" {
		return "", nil
	}
	got, err := SHA256File(path)
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(got, want) {
		slog.Error("checksum_mismatch", "path", path, "expected", want, "actual", got)
		return got, errors.Integrity(
			fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", path, want, got),
			"the download is corrupt; run again to download it afresh")
	}
	slog.Info("checksum_verified", "path", path, "sha256", got)
	return got, nil
}
