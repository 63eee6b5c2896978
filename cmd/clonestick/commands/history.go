package commands

import (
	"fmt"
	"os"

	"github.com/clonestick/clonestick/pkg/db"
	"github.com/clonestick/clonestick/pkg/errors"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past provisioning runs and their status",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to show (0 for all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfg.HistoryDB); os.IsNotExist(err) {
		fmt.Println("No runs found")
		return nil
	}

	repo, err := db.NewRepository(cfg.HistoryDB)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	runs, err := repo.List(historyLimit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	fmt.Printf("%-36s %-20s %-12s %-12s %-10s %s\n", "RUN", "STARTED", "MODE", "DEVICE", "STATUS", "DETAILS")
	fmt.Println("------------------------------------------------------------------------------------------------------------")

	for _, run := range runs {
		fmt.Printf("%-36s %-20s %-12s %-12s %-10s %s\n",
			run.ID, run.CreatedAt, run.Mode, run.Device, run.Status, details(run))
	}

	return nil
}

func details(run *db.Run) string {
	if run.ErrorMessage != "" {
		return run.ErrorMessage
	}
	d := ""
	if run.Version != "" {
		d = "live " + run.Version
	}
	if run.BackupSource != "" {
		if d != "" {
			d += ", "
		}
		d += "backup " + run.BackupSource
	}
	if d == "" {
		return "-"
	}
	return d
}
