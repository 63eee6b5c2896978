package cleanup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/clonestick/clonestick/pkg/lock"
	"github.com/clonestick/clonestick/pkg/mount"
	"github.com/clonestick/clonestick/pkg/runner"
	"github.com/clonestick/clonestick/pkg/status"
	"github.com/google/go-cmp/cmp"
)

type env struct {
	fake     *runner.Fake
	cleaner  *Cleaner
	console  *bytes.Buffer
	mnt      string
	download string
	lockPath string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		fake:     runner.NewFake(),
		console:  &bytes.Buffer{},
		mnt:      filepath.Join(dir, "clonestick-mnt"),
		download: dir,
		lockPath: filepath.Join(dir, "clonestick.lock"),
	}
	g := lock.NewGuard(e.lockPath)
	if err := g.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	os.MkdirAll(e.mnt, 0o755)
	e.cleaner = New(mount.NewMounter(e.fake, time.Second), e.mnt, e.download, g,
		status.NewWithWriters(e.console, &bytes.Buffer{}, false))
	return e
}

func TestRunAfterInterruptedDownload(t *testing.T) {
	e := newEnv(t)
	os.WriteFile(filepath.Join(e.download, "clonestick-backup.zip"), []byte("partial"), 0o644)
	os.WriteFile(filepath.Join(e.download, "unrelated.zip"), []byte("keep"), 0o644)

	code := e.cleaner.Run(context.Background(), errors.Cancelled("interrupted", context.Canceled))
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}

	want := []string{"mountpoint -q " + e.mnt, "umount " + e.mnt}
	if diff := cmp.Diff(want, e.fake.Calls); diff != "" {
		t.Errorf("commands (-want +got):\n%s", diff)
	}
	for _, p := range []string{e.mnt, e.lockPath, filepath.Join(e.download, "clonestick-backup.zip")} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists", p)
		}
	}
	if _, err := os.Stat(filepath.Join(e.download, "unrelated.zip")); err != nil {
		t.Error("files not owned by the tool must be kept")
	}
	if !strings.Contains(e.console.String(), "[ERROR]") {
		t.Errorf("final status should be an error:\n%s", e.console.String())
	}
}

func TestRunDryRunKeepsArtifacts(t *testing.T) {
	e := newEnv(t)
	e.cleaner.DryRun = true
	artifact := filepath.Join(e.download, "clonestick-live.zip")
	os.WriteFile(artifact, []byte("cached"), 0o644)

	if code := e.cleaner.Run(context.Background(), nil); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if _, err := os.Stat(artifact); err != nil {
		t.Errorf("dry run removed %s: %v", artifact, err)
	}
	if _, err := os.Stat(e.mnt); err != nil {
		t.Errorf("dry run removed the mount directory: %v", err)
	}
	if len(e.fake.Calls) != 0 {
		t.Errorf("dry run ran commands: %v", e.fake.Calls)
	}
	if _, err := os.Stat(e.lockPath); !os.IsNotExist(err) {
		t.Error("the lock must still be released")
	}
}

func TestRunSuccess(t *testing.T) {
	e := newEnv(t)
	e.fake.Fail("mountpoint", 1, "")

	if code := e.cleaner.Run(context.Background(), nil); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if len(e.fake.CallsWithPrefix("umount")) != 0 {
		t.Error("nothing was mounted, nothing should be unmounted")
	}
	if !strings.Contains(e.console.String(), "[SUCCESS]") {
		t.Errorf("final status should be success:\n%s", e.console.String())
	}
}

func TestRunOnlyOnce(t *testing.T) {
	e := newEnv(t)
	first := e.cleaner.Run(context.Background(), errors.New("boom"))
	calls := len(e.fake.Calls)

	if second := e.cleaner.Run(context.Background(), nil); second != first {
		t.Errorf("second call returned %d, want %d", second, first)
	}
	if len(e.fake.Calls) != calls {
		t.Error("cleanup ran twice")
	}
	if n := strings.Count(e.console.String(), "[ERROR]"); n != 1 {
		t.Errorf("final status printed %d times", n)
	}
}

func TestRunKeepsMountDirWhenUnmountFails(t *testing.T) {
	e := newEnv(t)
	e.fake.Fail("umount", 32, "target is busy")
	os.WriteFile(filepath.Join(e.mnt, "live.img"), []byte("data"), 0o644)

	e.cleaner.Run(context.Background(), errors.New("boom"))
	if _, err := os.Stat(filepath.Join(e.mnt, "live.img")); err != nil {
		t.Error("content under a still-mounted directory must not be touched")
	}
	if _, err := os.Stat(e.lockPath); !os.IsNotExist(err) {
		t.Error("lock must be released even when unmount fails")
	}
}

func TestRunIgnoresCancelledContext(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e.cleaner.Run(ctx, errors.Cancelled("interrupted", ctx.Err()))
	if got := e.fake.CallsWithPrefix("umount"); len(got) != 1 {
		t.Errorf("unmount should still run after cancellation, calls = %v", e.fake.Calls)
	}
}
