package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/clonestick/clonestick/internal/config"
	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/clonestick/clonestick/pkg/status"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}

// openReporter opens the log file and routes library logging into it.
func openReporter(cfg *config.Config) (*status.Reporter, error) {
	if err := ensureDirectories(filepath.Dir(cfg.LogFile), filepath.Dir(cfg.LockFile)); err != nil {
		return nil, err
	}
	rep := status.New(cfg.LogFile, cfg.Verbose)
	slog.SetDefault(rep.Logger())
	return rep, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create directory "+dir)
		}
	}
	return nil
}
