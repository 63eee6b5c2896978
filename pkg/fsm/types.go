package fsm

import "github.com/clonestick/clonestick/pkg/device"

// ProvisionRequest is the FSM input
type ProvisionRequest struct {
	RunID  string
	Mode   string
	Device device.Device

	// Live image options (full-setup only)
	Version   string
	ImageFile string

	// BackupSource is a URL, s3:// URI or local path. Empty skips the backup.
	BackupSource string
}

// ProvisionResponse is the FSM output (accumulated across transitions)
type ProvisionResponse struct {
	// From Partition / DetectExisting
	BootPartition   string
	BackupPartition string

	// From InstallImage
	Version     string
	ImageSource string
	ImageSHA256 string
	ImageFiles  int

	// From InstallBackup
	BackupSHA256 string
	BackupFiles  int

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StatePartition      = "partition"
	StateFormat         = "format"
	StateInstallImage   = "install_image"
	StateInstallBackup  = "install_backup"
	StateDetectExisting = "detect_existing"
	StateComplete       = "complete"
	StateFailed         = "failed"
)

// Machine names
const (
	FullSetup  = "full-setup"
	BackupOnly = "backup-only"
)
