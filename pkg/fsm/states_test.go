package fsm

import (
	"archive/tar"
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clonestick/clonestick/pkg/archive"
	"github.com/clonestick/clonestick/pkg/db"
	"github.com/clonestick/clonestick/pkg/device"
	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/clonestick/clonestick/pkg/fetch"
	"github.com/clonestick/clonestick/pkg/install"
	"github.com/clonestick/clonestick/pkg/mount"
	"github.com/clonestick/clonestick/pkg/partition"
	"github.com/clonestick/clonestick/pkg/runner"
	"github.com/clonestick/clonestick/pkg/status"
	"github.com/clonestick/clonestick/pkg/units"
	"github.com/clonestick/clonestick/pkg/version"
	"github.com/superfly/fsm"
)

type offline struct{}

func (offline) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("network disabled")
}

type fixture struct {
	fake    *runner.Fake
	repo    *db.Repository
	machine *Machine
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	fake := runner.NewFake()
	fake.Fail("mountpoint", 1, "")

	repo, err := db.NewRepository(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	inv := &device.Inventory{Runner: fake, MinSize: device.DefaultMinSize, IsBlockDevice: func(p string) bool {
		return strings.HasPrefix(p, "/dev/sd")
	}}
	m := mount.NewMounter(fake, time.Second)
	p := partition.NewPartitioner(fake, inv, m, partition.DefaultBootEndMiB, 0)
	p.Sleep = func(context.Context, time.Duration) error { return nil }

	client := &http.Client{Transport: offline{}}
	f := fetch.NewFetcher(fake, client)
	f.FreeSpace = func(string) (uint64, error) { return 64 * units.GiB, nil }

	downloads := filepath.Join(dir, "dl")
	os.MkdirAll(downloads, 0o755)
	in := install.NewInstaller(m, f, archive.NewExtractor(fake),
		version.NewResolver(client, "http://listing.invalid", "https://mirror.invalid/{version}.zip"),
		status.NewWithWriters(&bytes.Buffer{}, &bytes.Buffer{}, false),
		downloads, filepath.Join(dir, "mnt"))
	in.Sync = func() {}

	return &fixture{
		fake:    fake,
		repo:    repo,
		machine: NewMachine(p, in, inv, repo, 3),
		dir:     dir,
	}
}

func (fx *fixture) start(t *testing.T, req *ProvisionRequest) {
	t.Helper()
	if err := fx.repo.Create(&db.Run{ID: req.RunID, Mode: req.Mode, Device: req.Device.Path, Status: db.StatusRunning}); err != nil {
		t.Fatal(err)
	}
}

func TestHandlePartitionFailureAbortsAndRecords(t *testing.T) {
	fx := newFixture(t)
	fx.fake.Fail("parted", 1, "Error: Partition(s) on /dev/sdb are being used.")

	req := &ProvisionRequest{RunID: "run-1", Mode: FullSetup, Device: device.Device{Path: "/dev/sdb"}}
	fx.start(t, req)

	_, err := fx.machine.handlePartition(context.Background(), fsm.NewRequest(req, &ProvisionResponse{}))
	if err == nil {
		t.Fatal("expected partition failure")
	}
	if errors.KindOf(fx.machine.Err()) != errors.KindEnvironment {
		t.Errorf("first error kind = %v, want environment", errors.KindOf(fx.machine.Err()))
	}

	run, _ := fx.repo.Get("run-1")
	if run.Status != db.StatusFailed || !strings.Contains(run.ErrorMessage, "parted") {
		t.Errorf("run not marked failed: %+v", run)
	}
	if len(fx.fake.CallsWithPrefix("mkfs.vfat")) != 0 {
		t.Error("nothing may be formatted after a partition failure")
	}
}

func TestHandlePartitionBindsLayout(t *testing.T) {
	fx := newFixture(t)
	fx.fake.Respond("lsblk", `{"blockdevices":[{"name":"sdb","path":"/dev/sdb","size":17179869184,"type":"disk","rm":true,"children":[
		{"name":"sdb1","path":"/dev/sdb1","size":536870912,"type":"part"},
		{"name":"sdb2","path":"/dev/sdb2","size":16642998272,"type":"part"}]}]}`)

	req := &ProvisionRequest{RunID: "run-2", Mode: FullSetup, Device: device.Device{Path: "/dev/sdb"}}
	resp := &ProvisionResponse{}
	if _, err := fx.machine.handlePartition(context.Background(), fsm.NewRequest(req, resp)); err != nil {
		t.Fatalf("handlePartition: %v", err)
	}

	got := fx.machine.Result()
	if got.BootPartition != "/dev/sdb1" || got.BackupPartition != "/dev/sdb2" {
		t.Errorf("layout = %+v", got)
	}
}

func TestHandleDetectExistingRejectsSinglePartition(t *testing.T) {
	fx := newFixture(t)
	fx.fake.Respond("lsblk", `{"blockdevices":[{"name":"sdb","path":"/dev/sdb","size":17179869184,"type":"disk","rm":true,"children":[
		{"name":"sdb1","path":"/dev/sdb1","size":536870912,"type":"part","fstype":"vfat"}]}]}`)

	req := &ProvisionRequest{RunID: "run-3", Mode: BackupOnly, Device: device.Device{Path: "/dev/sdb"}}
	fx.start(t, req)

	if _, err := fx.machine.handleDetectExisting(context.Background(), fsm.NewRequest(req, &ProvisionResponse{})); err == nil {
		t.Fatal("expected detection failure")
	}
	if !strings.Contains(fx.machine.Err().Error(), "not enough partitions") {
		t.Errorf("err = %v", fx.machine.Err())
	}
}

func TestHandleInstallBackupSkipsWithoutSource(t *testing.T) {
	fx := newFixture(t)

	req := &ProvisionRequest{RunID: "run-4", Mode: FullSetup}
	resp := &ProvisionResponse{BackupPartition: "/dev/sdb2"}
	if _, err := fx.machine.handleInstallBackup(context.Background(), fsm.NewRequest(req, resp)); err != nil {
		t.Fatalf("handleInstallBackup: %v", err)
	}
	if len(fx.fake.CallsWithPrefix("mount")) != 0 {
		t.Error("skipped backup must not mount anything")
	}
}

func TestHandleInstallBackupFromLocalTar(t *testing.T) {
	fx := newFixture(t)

	src := filepath.Join(fx.dir, "backup.tar")
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	body := "disk image chunk"
	tw.WriteHeader(&tar.Header{Name: "img/sda1.ntfs-ptcl-img.gz.aa", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))})
	tw.Write([]byte(body))
	tw.Close()
	os.WriteFile(src, buf.Bytes(), 0o644)

	req := &ProvisionRequest{RunID: "run-5", Mode: BackupOnly, BackupSource: src}
	resp := &ProvisionResponse{BackupPartition: "/dev/sdb2"}
	if _, err := fx.machine.handleInstallBackup(context.Background(), fsm.NewRequest(req, resp)); err != nil {
		t.Fatalf("handleInstallBackup: %v", err)
	}

	got := fx.machine.Result()
	if got.BackupFiles != 1 {
		t.Errorf("backup result = %+v", got)
	}
}

func TestHandleCompleteRecordsSuccess(t *testing.T) {
	fx := newFixture(t)

	req := &ProvisionRequest{RunID: "run-6", Mode: FullSetup, Device: device.Device{Path: "/dev/sdb"}, BackupSource: "s3://backups/win11.zip"}
	fx.start(t, req)

	resp := &ProvisionResponse{Version: "3.2.0-5", ImageSHA256: "abc", BackupSHA256: "def"}
	if _, err := fx.machine.handleComplete(context.Background(), fsm.NewRequest(req, resp)); err != nil {
		t.Fatalf("handleComplete: %v", err)
	}

	run, _ := fx.repo.Get("run-6")
	if run.Status != db.StatusSucceeded || run.Version != "3.2.0-5" || run.BackupSource != "s3://backups/win11.zip" {
		t.Errorf("run = %+v", run)
	}
	if fx.machine.Result().Status != db.StatusSucceeded {
		t.Errorf("result status = %q", fx.machine.Result().Status)
	}
}

func TestFailKeepsFirstErrorAndMarksCancelled(t *testing.T) {
	fx := newFixture(t)
	req := &ProvisionRequest{RunID: "run-7", Mode: FullSetup, Device: device.Device{Path: "/dev/sdb"}}
	fx.start(t, req)

	first := errors.Cancelled("download interrupted", context.Canceled)
	fx.machine.fail("run-7", &ProvisionResponse{}, first)

	run, _ := fx.repo.Get("run-7")
	if run.Status != db.StatusCancelled {
		t.Errorf("status = %q, want cancelled", run.Status)
	}

	fx.machine.fail("run-7", &ProvisionResponse{}, errors.Environment("later", ""))
	if fx.machine.Err() != first {
		t.Errorf("Err() = %v, want the first failure", fx.machine.Err())
	}
}

const preparedStick = `{"blockdevices":[{"name":"sdb","path":"/dev/sdb","size":17179869184,"type":"disk","rm":true,"children":[
	{"name":"sdb1","path":"/dev/sdb1","size":536870912,"type":"part","fstype":"vfat"},
	{"name":"sdb2","path":"/dev/sdb2","size":16642998272,"type":"part","fstype":"vfat"}]}]}`

func writeTar(t *testing.T, path string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, body := range files {
		tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))})
		tw.Write([]byte(body))
	}
	tw.Close()
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestExecuteFullSetup(t *testing.T) {
	fx := newFixture(t)
	fx.fake.Respond("lsblk", preparedStick)
	image := filepath.Join(fx.dir, "live.tar")
	writeTar(t, image, map[string]string{"live/vmlinuz": "kernel", "live/initrd.img": "initrd"})
	backup := filepath.Join(fx.dir, "win11.tar")
	writeTar(t, backup, map[string]string{"win11/disk": "sda"})

	var fsmLog bytes.Buffer
	fx.machine.SetLogOutput(&fsmLog)

	req := ProvisionRequest{RunID: "run-full", Mode: FullSetup, Device: device.Device{Path: "/dev/sdb"},
		ImageFile: image, BackupSource: backup}
	fx.start(t, &req)

	resp, err := fx.machine.Execute(context.Background(), t.TempDir(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if resp.Status != db.StatusSucceeded || resp.BootPartition != "/dev/sdb1" || resp.BackupPartition != "/dev/sdb2" {
		t.Errorf("response = %+v", resp)
	}
	if resp.ImageFiles != 2 || resp.BackupFiles != 1 || resp.ImageSource != image {
		t.Errorf("installed files = %+v", resp)
	}
	if len(fx.fake.CallsWithPrefix("mkfs.vfat")) != 2 {
		t.Errorf("mkfs calls = %v", fx.fake.CallsWithPrefix("mkfs.vfat"))
	}

	run, _ := fx.repo.Get("run-full")
	if run.Status != db.StatusSucceeded || run.ImageSource != image || run.BackupSource != backup {
		t.Errorf("run = %+v", run)
	}
	if !strings.Contains(fsmLog.String(), "waiting for FSM to finish") {
		t.Errorf("state machine log lines should reach the log output:\n%s", fsmLog.String())
	}
}

func TestExecuteBackupOnly(t *testing.T) {
	fx := newFixture(t)
	fx.fake.Respond("lsblk", preparedStick)
	backup := filepath.Join(fx.dir, "win11.tar")
	writeTar(t, backup, map[string]string{"win11/disk": "sda", "win11/parts": "sda1 sda2"})

	req := ProvisionRequest{RunID: "run-backup", Mode: BackupOnly, Device: device.Device{Path: "/dev/sdb"}, BackupSource: backup}
	fx.start(t, &req)

	resp, err := fx.machine.Execute(context.Background(), t.TempDir(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if resp.Status != db.StatusSucceeded || resp.BackupPartition != "/dev/sdb2" || resp.BackupFiles != 2 {
		t.Errorf("response = %+v", resp)
	}
	for _, tool := range []string{"parted", "mkfs.vfat"} {
		if calls := fx.fake.CallsWithPrefix(tool); len(calls) != 0 {
			t.Errorf("backup-only must not run %s: %v", tool, calls)
		}
	}
	if got := fx.fake.CallsWithPrefix("mount /dev/sdb2"); len(got) != 1 {
		t.Errorf("backup partition mounts = %v", got)
	}

	run, _ := fx.repo.Get("run-backup")
	if run.Status != db.StatusSucceeded {
		t.Errorf("run = %+v", run)
	}
}

func TestExecuteAbortSurfacesTypedError(t *testing.T) {
	fx := newFixture(t)
	fx.fake.Respond("lsblk", preparedStick)
	fx.fake.Fail("parted", 1, "Error: Partition(s) on /dev/sdb are being used.")

	req := ProvisionRequest{RunID: "run-abort", Mode: FullSetup, Device: device.Device{Path: "/dev/sdb"}}
	fx.start(t, &req)

	resp, err := fx.machine.Execute(context.Background(), t.TempDir(), req)
	if errors.KindOf(err) != errors.KindEnvironment {
		t.Fatalf("kind = %v (%v), want environment", errors.KindOf(err), err)
	}
	if resp.Status != db.StatusFailed {
		t.Errorf("response status = %q, want failed", resp.Status)
	}
	if len(fx.fake.CallsWithPrefix("mkfs.vfat")) != 0 {
		t.Error("nothing may be formatted after a partition failure")
	}

	run, _ := fx.repo.Get("run-abort")
	if run.Status != db.StatusFailed || !strings.Contains(run.ErrorMessage, "parted") {
		t.Errorf("run = %+v", run)
	}
}
