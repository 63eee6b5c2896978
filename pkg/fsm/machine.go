// Package fsm implements the provisioning finite state machine workflow.
// It orchestrates partitioning, formatting and image installation on the
// selected device using the superfly/fsm library.
package fsm

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/superfly/fsm"
)

// RegisterFullSetup registers the full-setup FSM
func (m *Machine) RegisterFullSetup(ctx context.Context, manager *fsm.Manager) (fsm.Start[ProvisionRequest, ProvisionResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[ProvisionRequest, ProvisionResponse](manager, FullSetup).
		Start(StatePartition, m.handlePartition).
		To(StateFormat, m.handleFormat).
		To(StateInstallImage, m.handleInstallImage).
		To(StateInstallBackup, m.handleInstallBackup).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register full-setup FSM")
	}

	return start, resume, nil
}

// RegisterBackupOnly registers the FSM that installs a backup onto an
// already prepared device.
func (m *Machine) RegisterBackupOnly(ctx context.Context, manager *fsm.Manager) (fsm.Start[ProvisionRequest, ProvisionResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[ProvisionRequest, ProvisionResponse](manager, BackupOnly).
		Start(StateDetectExisting, m.handleDetectExisting).
		To(StateInstallBackup, m.handleInstallBackup).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register backup-only FSM")
	}

	return start, resume, nil
}

// Execute runs req through the machine matching req.Mode and waits for it to
// finish. The FSM store lives at dbPath.
func (m *Machine) Execute(ctx context.Context, dbPath string, req ProvisionRequest) (ProvisionResponse, error) {
	manager, err := fsm.New(fsm.Config{DBPath: dbPath, Logger: m.fsmLogger()})
	if err != nil {
		return ProvisionResponse{}, errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	register := m.RegisterFullSetup
	if req.Mode == BackupOnly {
		register = m.RegisterBackupOnly
	}
	start, _, err := register(ctx, manager)
	if err != nil {
		return ProvisionResponse{}, err
	}

	resp := &ProvisionResponse{}
	version, err := start(ctx, req.RunID, fsm.NewRequest(&req, resp))
	if err != nil {
		return ProvisionResponse{}, errors.Wrap(err, "FSM start failed")
	}
	slog.Info("fsm_started", "run_id", req.RunID, "machine", req.Mode, "version", version)

	waitErr := manager.Wait(ctx, version)

	// Handler errors carry the typed failure; the FSM only reports that the
	// run ended in the failed state.
	if err := m.Err(); err != nil {
		return m.Result(), err
	}
	if waitErr != nil {
		if ctx.Err() != nil {
			return m.Result(), errors.Cancelled("provisioning interrupted", ctx.Err())
		}
		return m.Result(), errors.Wrap(waitErr, "FSM execution failed")
	}

	slog.Info("fsm_finished", "run_id", req.RunID, "status", m.Result().Status)
	return m.Result(), nil
}

// fsmLogger keeps the library's logrus output off the console. logrus writes
// to stderr unless told otherwise.
func (m *Machine) fsmLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	logger.SetOutput(io.Discard)
	if m.logOut != nil {
		logger.SetOutput(m.logOut)
	}
	return logger
}
