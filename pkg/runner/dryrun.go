package runner

import (
	"context"
	"log/slog"
)

// readOnly lists the programs a dry run may still execute because they only
// inspect the system.
var readOnly = map[string]bool{
	"lsblk":      true,
	"blkid":      true,
	"findmnt":    true,
	"mountpoint": true,
}

// DryRunRunner forwards inspection commands to the wrapped runner and records
// every other command without executing it.
type DryRunRunner struct {
	next    Runner
	Planned []string
}

func NewDryRunRunner(next Runner) *DryRunRunner {
	return &DryRunRunner{next: next}
}

func (r *DryRunRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if readOnly[name] {
		return r.next.Run(ctx, name, args...)
	}
	line := CommandLine(name, args...)
	slog.Info("dry_run_skip", "command", line)
	r.Planned = append(r.Planned, line)
	return Result{}, nil
}
