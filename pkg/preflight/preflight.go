// Package preflight verifies the host before anything touches a device.
package preflight

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/clonestick/clonestick/pkg/errors"
)

// RequiredTools are the external programs a full run shells out to.
var RequiredTools = []string{
	"lsblk",
	"parted",
	"partprobe",
	"shred",
	"mkfs.vfat",
	"mount",
	"umount",
	"mountpoint",
	"curl",
	"unzip",
}

// CheckRoot fails unless the effective user is root.
func CheckRoot(euid int) error {
	if euid != 0 {
		slog.Error("preflight_not_root", "euid", euid)
		return errors.Environment("clonestick must run as root because it partitions and mounts devices",
			"re-run with sudo")
	}
	return nil
}

// CheckRootProcess checks the running process.
func CheckRootProcess() error { return CheckRoot(os.Geteuid()) }

// CheckDependencies resolves every tool and reports all missing ones at once.
// lookPath is exec.LookPath outside of tests.
func CheckDependencies(tools []string, lookPath func(string) (string, error)) error {
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	var missing []string
	for _, tool := range tools {
		if _, err := lookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		slog.Error("preflight_missing_tools", "missing", strings.Join(missing, ","))
		return errors.Environment(
			fmt.Sprintf("missing required commands: %s", strings.Join(missing, ", ")),
			"install them first (e.g. apt-get install parted dosfstools coreutils util-linux curl unzip)")
	}
	slog.Info("preflight_tools_ok", "count", len(tools))
	return nil
}

// InternetCheck sends HEAD requests to a known-reachable endpoint.
type InternetCheck struct {
	Client   *http.Client
	URL      string
	Attempts int
	Timeout  time.Duration
	Delay    time.Duration
}

// Run succeeds on the first 2xx response and gives up after Attempts tries
// separated by Delay.
func (c *InternetCheck) Run(ctx context.Context) error {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	attempt := 0
	op := func() error {
		attempt++
		reqCtx, cancel := context.WithTimeout(ctx, c.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, c.URL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			slog.Warn("internet_check_attempt_failed", "attempt", attempt, "url", c.URL, "error", err)
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			slog.Warn("internet_check_attempt_failed", "attempt", attempt, "url", c.URL, "status", resp.StatusCode)
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.Delay), uint64(max(c.Attempts-1, 0))), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if ctx.Err() != nil {
			return errors.Cancelled("internet check interrupted", ctx.Err())
		}
		slog.Error("internet_check_failed", "url", c.URL, "attempts", attempt)
		return errors.Transient(
			fmt.Sprintf("no internet connection after %d attempts", attempt),
			"check the network cable or proxy settings, or use --offline with local images", err)
	}

	slog.Info("internet_check_ok", "url", c.URL, "attempts", attempt)
	return nil
}
