package commands

import (
	"fmt"
	"os"

	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/clonestick/clonestick/pkg/prompt"
	"github.com/clonestick/clonestick/pkg/provision"
	"github.com/clonestick/clonestick/pkg/runner"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "clonestick",
	Short: "Turn a USB drive into a bootable disk-imaging stick",
	Long: `Partitions a USB drive, installs a disk-imaging live system on the first
partition and, optionally, a backup image on the second.

Run without a subcommand to provision a device.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runProvision,
}

// exitCode carries a process exit code whose message was already reported.
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if hint := errors.HintOf(err); hint != "" {
			fmt.Fprintf(os.Stderr, "  hint: %s\n", hint)
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(func() {
		if configFile != "" {
			viper.SetConfigFile(configFile)
		}
	})

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		cmd.PrintErrln(cmd.UsageString())
		return err
	})

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Config file (default ./clonestick.yaml or $HOME/.config/clonestick/clonestick.yaml)")
	pf.BoolP("verbose", "v", false, "Show every status line on the console")
	pf.StringP("log-file", "l", "", "Log file path (default $TMPDIR/clonestick.log)")
	pf.StringP("download-dir", "D", "", "Directory for downloaded images (default $TMPDIR)")
	pf.String("mount-dir", "", "Mount point used while installing (default $TMPDIR/clonestick-mnt)")
	pf.String("lock-file", "", "Lock file path (default $TMPDIR/clonestick.lock)")
	pf.String("history-db", "", "Run history database")

	f := rootCmd.Flags()
	f.BoolP("dry-run", "d", false, "Show what would be done without changing anything")
	f.BoolP("backup-only", "b", false, "Only install a backup onto an already prepared device")
	f.StringP("version", "V", "", "Live image version to install (default: latest)")
	f.BoolP("offline", "o", false, "Never use the network; images must be local files")
	f.BoolP("yes", "y", false, "Do not ask for confirmation")
	f.String("device", "", "Device to use, e.g. sdb (skips the device prompt)")
	f.String("backup", "", "Backup image URL, s3:// object or local path (skips the backup menu)")
	f.String("image-file", "", "Local live image archive instead of downloading")

	for _, name := range []string{"verbose", "log-file", "download-dir", "mount-dir", "lock-file", "history-db"} {
		viper.BindPFlag(name, pf.Lookup(name))
	}
	for _, name := range []string{"dry-run", "backup-only", "version", "offline", "yes", "device", "backup", "image-file"} {
		viper.BindPFlag(name, f.Lookup(name))
	}
}

func runProvision(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rep, err := openReporter(cfg)
	if err != nil {
		return err
	}
	defer rep.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	prov, err := provision.New(cfg, rep, prompt.NewLinePrompter(os.Stdin, os.Stdout), runner.NewCommandRunner())
	if err != nil {
		return err
	}
	if code := prov.Run(ctx); code != 0 {
		return exitCode(code)
	}
	return nil
}
