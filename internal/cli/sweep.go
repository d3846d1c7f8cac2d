package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Settle stale tasks once",
	Long: `Fail and refund tasks whose poller is gone, and refund tasks that
finished but were never settled. The daemon runs this on its sweep schedule.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	d, closeFn, err := openDaemon(false)
	if err != nil {
		return err
	}
	defer closeFn()

	sweeper := d.GetSweeper()
	if sweeper == nil {
		return fmt.Errorf("sweeping is disabled (executor.sweep_schedule is empty)")
	}
	n, err := sweeper.Sweep(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "settled %d task(s)\n", n)
	return nil
}
