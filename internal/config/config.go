package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/clonestick/clonestick/pkg/device"
	"github.com/clonestick/clonestick/pkg/fetch"
	"github.com/clonestick/clonestick/pkg/install"
	"github.com/clonestick/clonestick/pkg/mount"
	"github.com/clonestick/clonestick/pkg/partition"
	"github.com/clonestick/clonestick/pkg/storage"
	"github.com/clonestick/clonestick/pkg/units"
	"github.com/clonestick/clonestick/pkg/version"
	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// DefaultInternetCheckURL is checked before anything is downloaded.
const DefaultInternetCheckURL = "https://www.google.com"

// Config holds all application configuration
type Config struct {
	// Run flags
	Verbose    bool   `mapstructure:"verbose"`
	DryRun     bool   `mapstructure:"dry-run"`
	BackupOnly bool   `mapstructure:"backup-only"`
	Offline    bool   `mapstructure:"offline"`
	Yes        bool   `mapstructure:"yes"`
	Device     string `mapstructure:"device"`
	Backup     string `mapstructure:"backup"`
	ImageFile  string `mapstructure:"image-file"`
	Version    string `mapstructure:"version"`

	// Paths
	LogFile     string `mapstructure:"log-file"`
	LockFile    string `mapstructure:"lock-file"`
	DownloadDir string `mapstructure:"download-dir"`
	MountDir    string `mapstructure:"mount-dir"`
	StateDir    string `mapstructure:"state-dir"`
	HistoryDB   string `mapstructure:"history-db"`
	FSMDBPath   string `mapstructure:"fsm-db-path"`

	// Sources
	ListingURL       string `mapstructure:"listing-url"`
	URLTemplate      string `mapstructure:"url-template"`
	ChecksumSuffix   string `mapstructure:"checksum-suffix"`
	InternetCheckURL string `mapstructure:"internet-check-url"`
	BackupCatalog    string `mapstructure:"backup-catalog"`
	BackupBaseURL    string `mapstructure:"backup-base-url"`
	S3Region         string `mapstructure:"s3-region"`

	// Device and partitioning
	MinDeviceSize       string        `mapstructure:"min-device-size"`
	BootPartitionEndMiB int           `mapstructure:"boot-partition-end-mib"`
	SettleTime          time.Duration `mapstructure:"settle-time"`
	UnmountTimeout      time.Duration `mapstructure:"unmount-timeout"`

	// Retries
	FetchAttempts      int           `mapstructure:"fetch-attempts"`
	FetchTimeout       time.Duration `mapstructure:"fetch-timeout"`
	FetchRetryDelay    time.Duration `mapstructure:"fetch-retry-delay"`
	InternetAttempts   int           `mapstructure:"internet-attempts"`
	InternetTimeout    time.Duration `mapstructure:"internet-timeout"`
	InternetRetryDelay time.Duration `mapstructure:"internet-retry-delay"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`
}

// SetDefaults registers every default on the global viper instance.
func SetDefaults() {
	tmp := os.TempDir()
	state := filepath.Join(tmp, "clonestick")

	viper.SetDefault("verbose", false)
	viper.SetDefault("dry-run", false)
	viper.SetDefault("backup-only", false)
	viper.SetDefault("offline", false)
	viper.SetDefault("yes", false)
	viper.SetDefault("device", "")
	viper.SetDefault("backup", "")
	viper.SetDefault("image-file", "")
	viper.SetDefault("version", "")

	viper.SetDefault("log-file", filepath.Join(tmp, "clonestick.log"))
	viper.SetDefault("lock-file", filepath.Join(tmp, "clonestick.lock"))
	viper.SetDefault("download-dir", tmp)
	viper.SetDefault("mount-dir", filepath.Join(tmp, "clonestick-mnt"))
	viper.SetDefault("state-dir", state)
	viper.SetDefault("history-db", filepath.Join(state, "history.db"))
	viper.SetDefault("fsm-db-path", filepath.Join(state, "fsm"))

	viper.SetDefault("listing-url", version.DefaultListingURL)
	viper.SetDefault("url-template", version.DefaultURLTemplate)
	viper.SetDefault("checksum-suffix", fetch.DefaultChecksumSuffix)
	viper.SetDefault("internet-check-url", DefaultInternetCheckURL)
	viper.SetDefault("backup-catalog", "")
	viper.SetDefault("backup-base-url", install.DefaultBackupBaseURL)
	viper.SetDefault("s3-region", storage.DefaultRegion)

	viper.SetDefault("min-device-size", "8GiB")
	viper.SetDefault("boot-partition-end-mib", partition.DefaultBootEndMiB)
	viper.SetDefault("settle-time", partition.DefaultSettleTime)
	viper.SetDefault("unmount-timeout", mount.DefaultUnmountTimeout)

	viper.SetDefault("fetch-attempts", fetch.DefaultAttempts)
	viper.SetDefault("fetch-timeout", fetch.DefaultTimeout)
	viper.SetDefault("fetch-retry-delay", fetch.DefaultRetryDelay)
	viper.SetDefault("internet-attempts", 3)
	viper.SetDefault("internet-timeout", 5*time.Second)
	viper.SetDefault("internet-retry-delay", 3*time.Second)

	viper.SetDefault("fsm-max-retries", 1)
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	SetDefaults()

	// Environment variables (CLONESTICK_DOWNLOAD_DIR, etc.)
	viper.SetEnvPrefix("CLONESTICK")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	if viper.ConfigFileUsed() == "" {
		viper.SetConfigName("clonestick")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/clonestick")
	}

	// Read config file (ignore if not found)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && viper.ConfigFileUsed() != "" {
			return nil, fmt.Errorf("failed to read config %s: %w", viper.ConfigFileUsed(), err)
		}
	}

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// MinDeviceBytes parses min-device-size.
func (c *Config) MinDeviceBytes() (uint64, error) {
	if c.MinDeviceSize == "" {
		return device.DefaultMinSize, nil
	}
	return units.ParseSize(c.MinDeviceSize)
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	for key, v := range map[string]string{
		"log-file":     c.LogFile,
		"lock-file":    c.LockFile,
		"download-dir": c.DownloadDir,
		"mount-dir":    c.MountDir,
		"history-db":   c.HistoryDB,
		"fsm-db-path":  c.FSMDBPath,
	} {
		if v == "" {
			return fmt.Errorf("%s cannot be empty", key)
		}
	}
	if !strings.Contains(c.URLTemplate, "{version}") {
		return fmt.Errorf("url-template must contain {version}")
	}
	if c.FetchAttempts <= 0 {
		return fmt.Errorf("fetch-attempts must be positive")
	}
	if c.InternetAttempts <= 0 {
		return fmt.Errorf("internet-attempts must be positive")
	}
	if c.FetchTimeout <= 0 || c.InternetTimeout <= 0 || c.UnmountTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.FetchRetryDelay < 0 || c.InternetRetryDelay < 0 || c.SettleTime < 0 {
		return fmt.Errorf("delays cannot be negative")
	}
	if c.BootPartitionEndMiB <= 1 {
		return fmt.Errorf("boot-partition-end-mib must be greater than 1")
	}
	minSize, err := c.MinDeviceBytes()
	if err != nil {
		return fmt.Errorf("min-device-size %q: %w", c.MinDeviceSize, err)
	}
	if minSize == 0 {
		return fmt.Errorf("min-device-size must be positive")
	}
	if c.FSMMaxRetries <= 0 {
		return fmt.Errorf("fsm-max-retries must be positive")
	}
	if c.Offline && c.BackupOnly && c.Backup != "" && isRemote(c.Backup) {
		return fmt.Errorf("backup %s needs the network but offline mode is set", c.Backup)
	}
	return nil
}

// Summary renders the settings the run was started with, for the log file.
func (c *Config) Summary() []any {
	minSize, _ := c.MinDeviceBytes()
	return []any{
		"dry_run", c.DryRun,
		"backup_only", c.BackupOnly,
		"offline", c.Offline,
		"download_dir", c.DownloadDir,
		"mount_dir", c.MountDir,
		"min_device_size", humanize.IBytes(minSize),
		"fetch_attempts", c.FetchAttempts,
		"fetch_timeout", c.FetchTimeout,
	}
}

func isRemote(source string) bool {
	return fetch.KindOf(source) != fetch.SourceLocal
}
