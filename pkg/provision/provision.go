// Package provision drives a whole run: preconditions, device selection, the
// provisioning state machine and cleanup.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/clonestick/clonestick/internal/config"
	"github.com/clonestick/clonestick/pkg/archive"
	"github.com/clonestick/clonestick/pkg/cleanup"
	"github.com/clonestick/clonestick/pkg/db"
	"github.com/clonestick/clonestick/pkg/device"
	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/clonestick/clonestick/pkg/fetch"
	appfsm "github.com/clonestick/clonestick/pkg/fsm"
	"github.com/clonestick/clonestick/pkg/install"
	"github.com/clonestick/clonestick/pkg/lock"
	"github.com/clonestick/clonestick/pkg/mount"
	"github.com/clonestick/clonestick/pkg/partition"
	"github.com/clonestick/clonestick/pkg/preflight"
	"github.com/clonestick/clonestick/pkg/prompt"
	"github.com/clonestick/clonestick/pkg/runner"
	"github.com/clonestick/clonestick/pkg/status"
	"github.com/clonestick/clonestick/pkg/storage"
	"github.com/clonestick/clonestick/pkg/version"
	"github.com/google/uuid"
)

// Provisioner holds every component of a run. New wires them from the
// configuration; tests replace individual fields.
type Provisioner struct {
	Config   *config.Config
	Reporter *status.Reporter
	Prompter prompt.Prompter
	Runner   runner.Runner
	Client   *http.Client

	Lock        *lock.Guard
	Inventory   *device.Inventory
	Selector    *device.Selector
	Mounter     *mount.Mounter
	Partitioner *partition.Partitioner
	Fetcher     *fetch.Fetcher
	Installer   *install.Installer
	Cleaner     *cleanup.Cleaner

	// Host facts
	EUID     func() int
	LookPath func(string) (string, error)

	NewRunID func() string
	// Execute runs the provisioning state machine.
	Execute func(ctx context.Context, m *appfsm.Machine, req appfsm.ProvisionRequest) (appfsm.ProvisionResponse, error)
}

// New wires a provisioner from cfg. In dry-run mode every mutating command
// goes through a dry-run runner.
func New(cfg *config.Config, rep *status.Reporter, pr prompt.Prompter, r runner.Runner) (*Provisioner, error) {
	minSize, err := cfg.MinDeviceBytes()
	if err != nil {
		return nil, errors.Wrap(err, "invalid min-device-size")
	}
	if cfg.DryRun {
		r = runner.NewDryRunRunner(r)
	}

	client := &http.Client{}
	inv := device.NewInventory(r, minSize)
	m := mount.NewMounter(r, cfg.UnmountTimeout)

	f := fetch.NewFetcher(r, client)
	f.Attempts = cfg.FetchAttempts
	f.Timeout = cfg.FetchTimeout
	f.RetryDelay = cfg.FetchRetryDelay
	f.ChecksumSuffix = cfg.ChecksumSuffix
	f.NewStore = func(ctx context.Context) (fetch.ObjectStore, error) {
		return storage.NewClient(ctx, cfg.S3Region)
	}

	in := install.NewInstaller(m, f, archive.NewExtractor(r),
		version.NewResolver(client, cfg.ListingURL, cfg.URLTemplate),
		rep, cfg.DownloadDir, cfg.MountDir)

	g := lock.NewGuard(cfg.LockFile)

	p := &Provisioner{
		Config:    cfg,
		Reporter:  rep,
		Prompter:  pr,
		Runner:    r,
		Client:    client,
		Lock:      g,
		Inventory: inv,
		Selector: &device.Selector{
			Inventory:   inv,
			Prompter:    pr,
			Reporter:    rep,
			SkipConfirm: cfg.Yes,
		},
		Mounter:     m,
		Partitioner: partition.NewPartitioner(r, inv, m, cfg.BootPartitionEndMiB, cfg.SettleTime),
		Fetcher:     f,
		Installer:   in,
		Cleaner:     cleanup.New(m, cfg.MountDir, cfg.DownloadDir, g, rep),
		EUID:        os.Geteuid,
		NewRunID:    uuid.NewString,
	}
	p.Cleaner.DryRun = cfg.DryRun
	p.Execute = func(ctx context.Context, m *appfsm.Machine, req appfsm.ProvisionRequest) (appfsm.ProvisionResponse, error) {
		return m.Execute(ctx, cfg.FSMDBPath, req)
	}
	return p, nil
}

// Run performs the run and the cleanup sequence and returns the exit code.
func (p *Provisioner) Run(ctx context.Context) int {
	slog.Info("run_start", p.Config.Summary()...)

	if err := p.Lock.Acquire(); err != nil {
		// The lock, mount and artifacts belong to the other instance.
		c := &cleanup.Cleaner{Reporter: p.Reporter}
		return c.Run(ctx, err)
	}
	return p.Cleaner.Run(ctx, p.run(ctx))
}

// plan is what a run decided before touching the device.
type plan struct {
	mode      string
	selection device.Selection
	backup    string
}

func (p *Provisioner) run(ctx context.Context) error {
	cfg := p.Config

	if err := preflight.CheckRoot(p.EUID()); err != nil {
		return err
	}
	if err := preflight.CheckDependencies(preflight.RequiredTools, p.LookPath); err != nil {
		return err
	}
	if err := p.checkDirectories(); err != nil {
		return err
	}

	if !cfg.BackupOnly {
		if cfg.Offline && cfg.ImageFile == "" {
			return errors.Environment("offline mode needs a local live image",
				"pass --image-file with the path of a downloaded live image archive")
		}
		if err := p.checkInternet(ctx, cfg.ImageFile == ""); err != nil {
			return err
		}
	}

	pl, err := p.choose(ctx)
	if err != nil {
		return err
	}

	if cfg.BackupOnly {
		// Deferred until the backup source is known.
		if err := p.checkInternet(ctx, pl.backup != "" && fetch.KindOf(pl.backup) != fetch.SourceLocal); err != nil {
			return err
		}
	}

	if cfg.DryRun {
		p.printPlan(pl)
		return nil
	}
	return p.provision(ctx, pl)
}

func (p *Provisioner) checkDirectories() error {
	fi, err := os.Stat(p.Config.DownloadDir)
	if err != nil || !fi.IsDir() {
		return errors.Environment(fmt.Sprintf("download directory %s does not exist", p.Config.DownloadDir),
			"create it or pass --download-dir")
	}
	tmp, err := os.CreateTemp(p.Config.DownloadDir, install.ArtifactPrefix+"write-test-*")
	if err != nil {
		return errors.Environment(fmt.Sprintf("download directory %s is not writable", p.Config.DownloadDir),
			"pick a writable directory with --download-dir")
	}
	tmp.Close()
	os.Remove(tmp.Name())
	return nil
}

// checkInternet checks the network when needed is set, unless the run is
// offline or a dry run.
func (p *Provisioner) checkInternet(ctx context.Context, needed bool) error {
	cfg := p.Config
	if !needed || cfg.DryRun {
		return nil
	}
	if cfg.Offline {
		return errors.Environment("offline mode but a download is required",
			"use local files for the live image and the backup, or drop --offline")
	}
	p.Reporter.Info("Checking internet connection")
	check := &preflight.InternetCheck{
		Client:   p.Client,
		URL:      cfg.InternetCheckURL,
		Attempts: cfg.InternetAttempts,
		Timeout:  cfg.InternetTimeout,
		Delay:    cfg.InternetRetryDelay,
	}
	return check.Run(ctx)
}

func (p *Provisioner) choose(ctx context.Context) (plan, error) {
	cfg := p.Config
	pl := plan{mode: appfsm.FullSetup}

	var err error
	if cfg.BackupOnly {
		pl.mode = appfsm.BackupOnly
		pl.selection, err = p.Selector.SelectForBackup(ctx, cfg.Device)
	} else {
		pl.selection, err = p.Selector.SelectForSetup(ctx, cfg.Device)
	}
	if err != nil {
		return plan{}, err
	}
	p.Reporter.Success("Selected %s", pl.selection.Device.Path)

	if !cfg.BackupOnly {
		if err := p.Selector.ConfirmWipe(ctx, pl.selection.Device); err != nil {
			return plan{}, err
		}
	}

	pl.backup, err = p.chooseBackup(ctx)
	if err != nil {
		return plan{}, err
	}
	return pl, nil
}

func (p *Provisioner) chooseBackup(ctx context.Context) (string, error) {
	cfg := p.Config
	source := cfg.Backup
	if source == "" {
		entries, err := install.LoadCatalog(cfg.BackupCatalog, cfg.BackupBaseURL)
		if err != nil {
			return "", err
		}
		choice, err := install.ChooseBackup(ctx, p.Prompter, p.Reporter, entries, !cfg.BackupOnly)
		if err != nil {
			return "", err
		}
		if choice.Skip {
			return "", nil
		}
		source = choice.Source
	}

	if cfg.Offline && fetch.KindOf(source) != fetch.SourceLocal {
		return "", errors.Environment(fmt.Sprintf("backup %s needs the network but offline mode is set", source),
			"use a local backup file or drop --offline")
	}
	if fetch.KindOf(source) == fetch.SourceLocal {
		abs, err := filepath.Abs(source)
		if err == nil {
			source = abs
		}
	}
	return source, nil
}

func (p *Provisioner) printPlan(pl plan) {
	r := p.Reporter
	dev := pl.selection.Device.Path
	r.Always(status.Info, "Dry run: nothing will be changed")

	if pl.mode == appfsm.FullSetup {
		for _, line := range p.Partitioner.Plan(dev) {
			r.Always(status.Info, "would run: "+line)
		}
		live := p.Config.ImageFile
		if live == "" {
			v := p.Config.Version
			if v == "" {
				v = "latest"
			}
			live = "live image version " + v
		}
		r.Always(status.Info, fmt.Sprintf("would install %s on %s", live, device.PartitionPath(dev, 1)))
	}

	target := device.PartitionPath(dev, 2)
	if pl.selection.Backup.Path != "" {
		target = pl.selection.Backup.Path
	}
	if pl.backup == "" {
		r.Always(status.Info, "would skip the backup image")
	} else {
		r.Always(status.Info, fmt.Sprintf("would install backup %s on %s", pl.backup, target))
	}
}

func (p *Provisioner) provision(ctx context.Context, pl plan) error {
	cfg := p.Config
	if err := ensureDirectories(cfg.HistoryDB, cfg.FSMDBPath); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.HistoryDB)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	req := appfsm.ProvisionRequest{
		RunID:        p.NewRunID(),
		Mode:         pl.mode,
		Device:       pl.selection.Device,
		Version:      cfg.Version,
		ImageFile:    cfg.ImageFile,
		BackupSource: pl.backup,
	}
	if err := repo.Create(&db.Run{
		ID:           req.RunID,
		Mode:         req.Mode,
		Device:       req.Device.Path,
		Version:      req.Version,
		BackupSource: req.BackupSource,
		Status:       db.StatusRunning,
	}); err != nil {
		return errors.Wrap(err, "failed to record run")
	}
	slog.Info("run_recorded", "run_id", req.RunID, "mode", req.Mode, "device", req.Device.Path)

	machine := appfsm.NewMachine(p.Partitioner, p.Installer, p.Inventory, repo, cfg.FSMMaxRetries)
	machine.SetLogOutput(p.Reporter.LogWriter())
	resp, err := p.Execute(ctx, machine, req)
	if err != nil {
		if run, gerr := repo.Get(req.RunID); gerr == nil && run != nil && run.Status == db.StatusRunning {
			st := db.StatusFailed
			if errors.KindOf(err) == errors.KindCancelled {
				st = db.StatusCancelled
			}
			repo.UpdateStatus(req.RunID, st, err.Error())
		}
		return err
	}

	p.summarize(req, resp)
	return nil
}

func (p *Provisioner) summarize(req appfsm.ProvisionRequest, resp appfsm.ProvisionResponse) {
	r := p.Reporter
	if req.Mode == appfsm.FullSetup {
		v := resp.Version
		if v == "" {
			v = "local image"
		}
		r.Always(status.Success, fmt.Sprintf("Live system (%s) installed on %s", v, resp.BootPartition))
	}
	if req.BackupSource != "" {
		r.Always(status.Success, fmt.Sprintf("Backup installed on %s (%d files)", resp.BackupPartition, resp.BackupFiles))
	}
	r.Always(status.Info, fmt.Sprintf("Run %s recorded; see `clonestick history`", req.RunID))
}

// ensureDirectories creates the state directories a provisioning run writes to.
func ensureDirectories(historyDB, fsmDBPath string) error {
	if err := os.MkdirAll(filepath.Dir(historyDB), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}
	if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
		return errors.Wrap(err, "failed to create FSM directory")
	}
	return nil
}
