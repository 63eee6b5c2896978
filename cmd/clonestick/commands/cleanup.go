package commands

import (
	"github.com/clonestick/clonestick/pkg/cleanup"
	"github.com/clonestick/clonestick/pkg/lock"
	"github.com/clonestick/clonestick/pkg/mount"
	"github.com/clonestick/clonestick/pkg/preflight"
	"github.com/clonestick/clonestick/pkg/runner"
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up after an aborted run (mount, mount directory, downloads, stale lock)",
	Long: `Unmounts the mount directory if a previous run left it mounted, removes it,
deletes downloaded images from the download directory and removes a stale lock.
A lock held by a running instance is left alone.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := preflight.CheckRootProcess(); err != nil {
		return err
	}

	rep, err := openReporter(cfg)
	if err != nil {
		return err
	}
	defer rep.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	g := lock.NewGuard(cfg.LockFile)
	if err := g.Acquire(); err != nil {
		c := &cleanup.Cleaner{Reporter: rep}
		return exitCode(c.Run(ctx, err))
	}

	m := mount.NewMounter(runner.NewCommandRunner(), cfg.UnmountTimeout)
	c := cleanup.New(m, cfg.MountDir, cfg.DownloadDir, g, rep)
	if code := c.Run(ctx, nil); code != 0 {
		return exitCode(code)
	}
	return nil
}
