package device

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/clonestick/clonestick/pkg/prompt"
	"github.com/clonestick/clonestick/pkg/runner"
	"github.com/clonestick/clonestick/pkg/status"
	"github.com/clonestick/clonestick/pkg/units"
	"github.com/google/go-cmp/cmp"
)

const inventoryJSON = `{
  "blockdevices": [
    {"name":"sda","path":"/dev/sda","size":512110190592,"type":"disk","rm":false,"model":"Samsung SSD","mountpoint":null,"fstype":null,"tran":"sata",
     "children":[
       {"name":"sda1","path":"/dev/sda1","size":536870912,"type":"part","rm":false,"model":null,"mountpoint":"/boot/efi","fstype":"vfat","tran":null},
       {"name":"sda2","path":"/dev/sda2","size":511573319680,"type":"part","rm":false,"model":null,"mountpoint":"/","fstype":"ext4","tran":null}
     ]},
    {"name":"sdb","path":"/dev/sdb","size":"17179869184","type":"disk","rm":"1","model":"SanDisk Ultra","mountpoint":null,"fstype":null,"tran":"usb"},
    {"name":"loop0","path":"/dev/loop0","size":4096,"type":"loop","rm":false,"model":null,"mountpoint":"/snap/core","fstype":"squashfs","tran":null}
  ]
}`

func deviceJSON(name string, size uint64, rm bool, children string) string {
	rmStr := "false"
	if rm {
		rmStr = "true"
	}
	return `{"blockdevices":[{"name":"` + name + `","path":"/dev/` + name + `","size":` +
		strconv.FormatUint(size, 10) + `,"type":"disk","rm":` + rmStr + `,"model":"Stick","mountpoint":null,"fstype":null,"tran":"usb","children":[` + children + `]}]}`
}

func newInventory(fake *runner.Fake) *Inventory {
	return &Inventory{Runner: fake, MinSize: DefaultMinSize, IsBlockDevice: func(p string) bool {
		return strings.HasPrefix(p, "/dev/sd")
	}}
}

func TestListClassifiesDisks(t *testing.T) {
	fake := runner.NewFake()
	fake.Respond("lsblk", inventoryJSON)
	inv := newInventory(fake)

	devices, err := inv.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2 (loop devices excluded)", len(devices))
	}

	sda, sdb := devices[0], devices[1]
	if !sda.SystemDisk || !sda.Mounted() {
		t.Errorf("sda should be a mounted system disk: %+v", sda)
	}
	if diff := cmp.Diff([]string{"system-disk?", "mounted"}, sda.Tags()); diff != "" {
		t.Errorf("sda tags (-want +got):\n%s", diff)
	}
	if sdb.Size != 16*units.GiB || !sdb.Removable || sdb.SystemDisk {
		t.Errorf("sdb facts wrong: %+v", sdb)
	}
	if diff := cmp.Diff([]string{"removable", "usb"}, sdb.Tags()); diff != "" {
		t.Errorf("sdb tags (-want +got):\n%s", diff)
	}
}

func TestCheckSize(t *testing.T) {
	tests := []struct {
		size uint64
		ok   bool
	}{
		{8 * units.GiB, true},
		{16 * units.GiB, true},
		{8*units.GiB - 1, false},
		{4 * units.GiB, false},
		{0, false},
	}

	for _, tt := range tests {
		err := CheckSize("/dev/sdb", tt.size, DefaultMinSize)
		if (err == nil) != tt.ok {
			t.Errorf("CheckSize(%d) err = %v, want ok=%v", tt.size, err, tt.ok)
			continue
		}
		if err != nil {
			var short *errors.ShortageError
			if !errors.As(err, &short) {
				t.Fatalf("expected ShortageError, got %T", err)
			}
			if short.Required != DefaultMinSize || short.Available != tt.size {
				t.Errorf("shortage = %+v", short)
			}
			if !strings.Contains(err.Error(), "required 8GB") {
				t.Errorf("message should cite required size: %v", err)
			}
		}
	}
}

func TestValidateCandidate(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		json    string
		wantErr string
	}{
		{"valid", "sdb", deviceJSON("sdb", 16*units.GiB, true, ""), ""},
		{"not block", "/dev/nope", "", "not a block device"},
		{"too small", "sdb", deviceJSON("sdb", 4*units.GiB, true, ""), "insufficient space"},
		{"mounted", "sdb", deviceJSON("sdb", 16*units.GiB, true,
			`{"name":"sdb1","path":"/dev/sdb1","size":1024,"type":"part","mountpoint":"/media/usb","fstype":"vfat"}`), "currently mounted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := runner.NewFake()
			fake.Respond("lsblk", tt.json)
			inv := newInventory(fake)

			dev, err := inv.ValidateCandidate(context.Background(), tt.path)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if dev.Path != "/dev/sdb" {
					t.Errorf("path = %q", dev.Path)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDetectExistingLayout(t *testing.T) {
	twoParts := `{"name":"sdb1","path":"/dev/sdb1","size":536870912,"type":"part","fstype":"vfat"},
		{"name":"sdb2","path":"/dev/sdb2","size":16642998272,"type":"part","fstype":"vfat"}`
	ntfsSecond := `{"name":"sdb1","path":"/dev/sdb1","size":536870912,"type":"part","fstype":"vfat"},
		{"name":"sdb2","path":"/dev/sdb2","size":16642998272,"type":"part","fstype":"ntfs"}`
	onePart := `{"name":"sdb1","path":"/dev/sdb1","size":536870912,"type":"part","fstype":"vfat"}`

	tests := []struct {
		name     string
		children string
		wantErr  string
	}{
		{"ok", twoParts, ""},
		{"one partition", onePart, "not enough partitions"},
		{"wrong fs", ntfsSecond, "expected FAT32"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := runner.NewFake()
			fake.Respond("lsblk", deviceJSON("sdb", 16*units.GiB, true, tt.children))
			inv := newInventory(fake)

			_, part, err := inv.DetectExistingLayout(context.Background(), "/dev/sdb")
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if part.Path != "/dev/sdb2" {
					t.Errorf("partition = %q, want /dev/sdb2", part.Path)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
			if errors.KindOf(err) != errors.KindValidation {
				t.Errorf("kind = %v, want validation", errors.KindOf(err))
			}
		})
	}
}

func TestSelectForBackupRepromptsOnSinglePartition(t *testing.T) {
	fake := runner.NewFake()
	fake.Respond("lsblk -J -b -o "+lsblkColumns, inventoryJSON)
	fake.Respond("lsblk -J -b -o "+lsblkColumns+" /dev/sdc", deviceJSON("sdc", 16*units.GiB, true,
		`{"name":"sdc1","path":"/dev/sdc1","size":1024,"type":"part","fstype":"vfat"}`))
	fake.Respond("lsblk -J -b -o "+lsblkColumns+" /dev/sdb", deviceJSON("sdb", 16*units.GiB, true,
		`{"name":"sdb1","path":"/dev/sdb1","size":1024,"type":"part","fstype":"vfat"},
		 {"name":"sdb2","path":"/dev/sdb2","size":2048,"type":"part","fstype":"vfat"}`))

	var console bytes.Buffer
	p := &prompt.Scripted{Answers: []string{"/dev/sdc", "sdb"}}
	s := &Selector{
		Inventory: newInventory(fake),
		Prompter:  p,
		Reporter:  status.NewWithWriters(&console, &bytes.Buffer{}, false),
	}

	sel, err := s.SelectForBackup(context.Background(), "")
	if err != nil {
		t.Fatalf("SelectForBackup: %v", err)
	}
	if sel.Backup.Path != "/dev/sdb2" {
		t.Errorf("backup partition = %q", sel.Backup.Path)
	}
	if len(p.Asked) != 2 {
		t.Errorf("asked %d times, want 2", len(p.Asked))
	}
	if !strings.Contains(console.String(), "not enough partitions") {
		t.Errorf("console should explain the rejection:\n%s", console.String())
	}
}

func TestSelectForSetupSystemDiskNeedsConfirmation(t *testing.T) {
	fake := runner.NewFake()
	fake.Respond("lsblk -J -b -o "+lsblkColumns, inventoryJSON)
	// Internal, non-removable disk named sda: a likely system disk.
	fake.Respond("lsblk -J -b -o "+lsblkColumns+" /dev/sda",
		`{"blockdevices":[{"name":"sda","path":"/dev/sda","size":64424509440,"type":"disk","rm":false,"tran":"sata"}]}`)
	fake.Respond("lsblk -J -b -o "+lsblkColumns+" /dev/sdb", deviceJSON("sdb", 16*units.GiB, true, ""))

	p := &prompt.Scripted{Answers: []string{"sda", "n", "sdb"}}
	s := &Selector{
		Inventory: newInventory(fake),
		Prompter:  p,
		Reporter:  status.NewWithWriters(&bytes.Buffer{}, &bytes.Buffer{}, false),
	}

	sel, err := s.SelectForSetup(context.Background(), "")
	if err != nil {
		t.Fatalf("SelectForSetup: %v", err)
	}
	if sel.Device.Path != "/dev/sdb" {
		t.Errorf("selected %q, want /dev/sdb", sel.Device.Path)
	}
}

func TestSelectPresetFailureIsFatal(t *testing.T) {
	fake := runner.NewFake()
	fake.Respond("lsblk", deviceJSON("sdb", 2*units.GiB, true, ""))
	s := &Selector{
		Inventory: newInventory(fake),
		Prompter:  &prompt.Scripted{},
		Reporter:  status.NewWithWriters(&bytes.Buffer{}, &bytes.Buffer{}, false),
	}

	if _, err := s.SelectForSetup(context.Background(), "sdb"); err == nil {
		t.Fatal("expected validation failure for preset device")
	}
}

func TestConfirmWipeDeclined(t *testing.T) {
	s := &Selector{Prompter: &prompt.Scripted{Answers: []string{"no"}}}
	err := s.ConfirmWipe(context.Background(), Device{Path: "/dev/sdb"})
	if errors.KindOf(err) != errors.KindCancelled {
		t.Errorf("kind = %v, want cancelled", errors.KindOf(err))
	}
}

func TestPartitionPath(t *testing.T) {
	tests := map[string]string{
		"sdb":          "/dev/sdb2",
		"/dev/nvme0n1": "/dev/nvme0n1p2",
		"mmcblk0":      "/dev/mmcblk0p2",
	}
	for disk, want := range tests {
		if got := PartitionPath(disk, 2); got != want {
			t.Errorf("PartitionPath(%q) = %q, want %q", disk, got, want)
		}
	}
}

func TestNormalizeName(t *testing.T) {
	for in, want := range map[string]string{"sdb": "/dev/sdb", " /dev/sdc ": "/dev/sdc", "": ""} {
		if got := NormalizeName(in); got != want {
			t.Errorf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
