package db

// Schema defines the SQLite schema for the run history. One row is written
// per provisioning run and updated as the run progresses.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    mode TEXT NOT NULL CHECK(mode IN ('full-setup', 'backup-only')),
    device TEXT NOT NULL,
    version TEXT,
    image_source TEXT,
    image_sha256 TEXT,
    backup_source TEXT,
    backup_sha256 TEXT,
    status TEXT NOT NULL CHECK(status IN ('running', 'succeeded', 'failed', 'cancelled')),
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// Status constants
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Mode constants
const (
	ModeFullSetup  = "full-setup"
	ModeBackupOnly = "backup-only"
)

// Run is one provisioning run.
type Run struct {
	ID           string
	Mode         string
	Device       string
	Version      string
	ImageSource  string
	ImageSHA256  string
	BackupSource string
	BackupSHA256 string
	Status       string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}
