package commands

import (
	"io"
	"os"

	"github.com/clonestick/clonestick/pkg/device"
	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/clonestick/clonestick/pkg/runner"
	"github.com/clonestick/clonestick/pkg/status"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List block devices with their size and tags",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	minSize, _ := cfg.MinDeviceBytes()

	inv := device.NewInventory(runner.NewCommandRunner(), minSize)
	devices, err := inv.List(cmd.Context())
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	rep := status.NewWithWriters(os.Stdout, io.Discard, false)
	if len(devices) == 0 {
		rep.Println("No block devices found")
		return nil
	}
	device.PrintTable(rep, devices)
	return nil
}
