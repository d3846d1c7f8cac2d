package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edenartlab/eden2-sub000/internal/daemon"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Eden daemon in the foreground",
	Long: `Start the Eden daemon. It sweeps stale tasks on schedule and serves
Prometheus metrics when enabled, until interrupted or stopped with 'eden stop'.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	d, closeFn, err := openDaemon(true)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := d.Start(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Eden daemon running (PID file: %s)\n", pidFile)
	d.Wait()
	return nil
}

func isRunning(pidFile string) bool {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return false
	}
	return daemon.ProcessAlive(pid)
}
