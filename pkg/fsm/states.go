package fsm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/clonestick/clonestick/pkg/db"
	"github.com/clonestick/clonestick/pkg/device"
	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/clonestick/clonestick/pkg/install"
	"github.com/clonestick/clonestick/pkg/partition"
	"github.com/superfly/fsm"
)

// Machine holds dependencies for FSM transitions
type Machine struct {
	partitioner *partition.Partitioner
	installer   *install.Installer
	inventory   *device.Inventory
	repo        *db.Repository
	maxRetries  int
	logOut      io.Writer

	mu     sync.Mutex
	err    error
	result ProvisionResponse
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(
	partitioner *partition.Partitioner,
	installer *install.Installer,
	inventory *device.Inventory,
	repo *db.Repository,
	maxRetries int,
) *Machine {
	return &Machine{
		partitioner: partitioner,
		installer:   installer,
		inventory:   inventory,
		repo:        repo,
		maxRetries:  maxRetries,
	}
}

// SetLogOutput directs the FSM library's own log lines to w. They are
// discarded when w is nil.
func (m *Machine) SetLogOutput(w io.Writer) { m.logOut = w }

// Err returns the first error a transition failed with.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Result returns the response as last seen by a transition.
func (m *Machine) Result() ProvisionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}

func (m *Machine) save(resp *ProvisionResponse) {
	m.mu.Lock()
	m.result = *resp
	m.mu.Unlock()
}

// fail records err against the run and aborts the FSM. Failures are never
// retried: every step either wipes the device again or reads fixed state.
func (m *Machine) fail(runID string, resp *ProvisionResponse, err error) (*fsm.Response[ProvisionResponse], error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()

	status := db.StatusFailed
	if errors.KindOf(err) == errors.KindCancelled {
		status = db.StatusCancelled
	}
	if resp != nil {
		resp.Status = status
		resp.ErrorMessage = err.Error()
		m.save(resp)
	}
	if uerr := m.repo.UpdateStatus(runID, status, err.Error()); uerr != nil {
		slog.Error("status_update_failed", "run_id", runID, "status", status, "error", uerr)
	}
	return nil, fsm.Abort(err)
}

func (m *Machine) checkRetries(ctx context.Context, state, runID string) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "run_id", runID, "state", state, "max_retries", m.maxRetries)
		return errors.Environment(fmt.Sprintf("%s: max retries (%d) exceeded", state, m.maxRetries),
			"run clonestick again from the start")
	}
	return nil
}

func response(req *fsm.Request[ProvisionRequest, ProvisionResponse]) *ProvisionResponse {
	resp := req.W.Msg
	if resp == nil {
		resp = &ProvisionResponse{}
	}
	return resp
}

// handlePartition wipes the device and creates the two-partition layout
func (m *Machine) handlePartition(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	slog.Info("fsm_state_partition", "run_id", req.Msg.RunID, "device", req.Msg.Device.Path)

	resp := response(req)
	if err := m.checkRetries(ctx, StatePartition, req.Msg.RunID); err != nil {
		return m.fail(req.Msg.RunID, resp, err)
	}

	layout, err := m.partitioner.Partition(ctx, req.Msg.Device)
	if err != nil {
		slog.Error("partition_failed", "run_id", req.Msg.RunID, "device", req.Msg.Device.Path, "error", err)
		return m.fail(req.Msg.RunID, resp, err)
	}

	resp.BootPartition = layout.Boot
	resp.BackupPartition = layout.Backup
	m.save(resp)
	return fsm.NewResponse(resp), nil
}

// handleFormat creates FAT32 filesystems on both partitions
func (m *Machine) handleFormat(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	slog.Info("fsm_state_format", "run_id", req.Msg.RunID, "device", req.Msg.Device.Path)

	resp := response(req)
	if err := m.checkRetries(ctx, StateFormat, req.Msg.RunID); err != nil {
		return m.fail(req.Msg.RunID, resp, err)
	}

	layout := partition.Layout{Boot: resp.BootPartition, Backup: resp.BackupPartition}
	if err := m.partitioner.Format(ctx, layout); err != nil {
		slog.Error("format_failed", "run_id", req.Msg.RunID, "error", err)
		return m.fail(req.Msg.RunID, resp, err)
	}

	m.save(resp)
	return fsm.NewResponse(resp), nil
}

// handleInstallImage installs the live system onto the boot partition
func (m *Machine) handleInstallImage(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	resp := response(req)
	slog.Info("fsm_state_install_image", "run_id", req.Msg.RunID, "partition", resp.BootPartition)

	if err := m.checkRetries(ctx, StateInstallImage, req.Msg.RunID); err != nil {
		return m.fail(req.Msg.RunID, resp, err)
	}

	result, err := m.installer.InstallLiveImage(ctx, resp.BootPartition, install.LiveOptions{
		Version:   req.Msg.Version,
		ImageFile: req.Msg.ImageFile,
	})
	if err != nil {
		slog.Error("install_image_failed", "run_id", req.Msg.RunID, "error", err)
		return m.fail(req.Msg.RunID, resp, err)
	}

	resp.Version = result.Version
	resp.ImageSource = result.Source
	resp.ImageSHA256 = result.SHA256
	resp.ImageFiles = result.Files
	m.save(resp)

	if err := m.record(req.Msg, resp, db.StatusRunning); err != nil {
		return m.fail(req.Msg.RunID, resp, err)
	}
	return fsm.NewResponse(resp), nil
}

// handleDetectExisting re-checks the layout of a device prepared by an earlier run
func (m *Machine) handleDetectExisting(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	slog.Info("fsm_state_detect_existing", "run_id", req.Msg.RunID, "device", req.Msg.Device.Path)

	resp := response(req)
	if err := m.checkRetries(ctx, StateDetectExisting, req.Msg.RunID); err != nil {
		return m.fail(req.Msg.RunID, resp, err)
	}

	_, part, err := m.inventory.DetectExistingLayout(ctx, req.Msg.Device.Path)
	if err != nil {
		slog.Error("detect_existing_failed", "run_id", req.Msg.RunID, "error", err)
		return m.fail(req.Msg.RunID, resp, err)
	}

	resp.BackupPartition = part.Path
	m.save(resp)
	return fsm.NewResponse(resp), nil
}

// handleInstallBackup installs the chosen backup onto the backup partition
func (m *Machine) handleInstallBackup(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	slog.Info("fsm_state_install_backup", "run_id", req.Msg.RunID, "source", req.Msg.BackupSource)

	resp := response(req)
	if err := m.checkRetries(ctx, StateInstallBackup, req.Msg.RunID); err != nil {
		return m.fail(req.Msg.RunID, resp, err)
	}

	if req.Msg.BackupSource == "" {
		slog.Info("install_backup_skipped", "run_id", req.Msg.RunID)
		m.save(resp)
		return fsm.NewResponse(resp), nil
	}

	result, err := m.installer.InstallBackup(ctx, resp.BackupPartition, req.Msg.BackupSource)
	if err != nil {
		slog.Error("install_backup_failed", "run_id", req.Msg.RunID, "error", err)
		return m.fail(req.Msg.RunID, resp, err)
	}

	resp.BackupSHA256 = result.SHA256
	resp.BackupFiles = result.Files
	m.save(resp)
	return fsm.NewResponse(resp), nil
}

// handleComplete marks the run as succeeded
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	slog.Info("fsm_state_complete", "run_id", req.Msg.RunID)

	resp := response(req)
	resp.Status = db.StatusSucceeded
	resp.ErrorMessage = ""

	if err := m.record(req.Msg, resp, db.StatusSucceeded); err != nil {
		return m.fail(req.Msg.RunID, resp, err)
	}
	m.save(resp)

	slog.Info("fsm_complete", "run_id", req.Msg.RunID, "status", db.StatusSucceeded)
	return fsm.NewResponse(resp), nil
}

// record writes the accumulated response into the run's history row.
func (m *Machine) record(msg *ProvisionRequest, resp *ProvisionResponse, status string) error {
	run := &db.Run{
		ID:           msg.RunID,
		Mode:         msg.Mode,
		Device:       msg.Device.Path,
		Version:      resp.Version,
		ImageSource:  resp.ImageSource,
		ImageSHA256:  resp.ImageSHA256,
		BackupSource: msg.BackupSource,
		BackupSHA256: resp.BackupSHA256,
		Status:       status,
		ErrorMessage: resp.ErrorMessage,
	}
	if err := m.repo.Update(run); err != nil {
		slog.Error("run_update_failed", "run_id", msg.RunID, "error", err)
		return errors.Wrap(err, "failed to update run history")
	}
	return nil
}
