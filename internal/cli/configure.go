package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edenartlab/eden2-sub000/internal/config"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Run interactive configuration wizard",
	Long: `Run an interactive configuration wizard to set up Eden.
The wizard will guide you through configuring provider API keys, backends, and logging.`,
	RunE: runConfigure,
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and print it with secrets masked",
	RunE:  runConfigCheck,
}

func init() {
	configureCmd.AddCommand(configCheckCmd)
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	base, err := loader.Load()
	if err != nil {
		return err
	}

	wizard := config.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout())
	cfg, err := wizard.Run(base)
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nConfiguration saved to: %s\n", loader.GetConfigPath())
	fmt.Fprintln(out, "\nYou can now start Eden with: eden start")
	return nil
}

func runConfigCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	problems := config.NewValidator().ValidateConfig(cfg)
	for _, p := range problems {
		fmt.Fprintf(out, "warning: %v\n", p)
	}
	fmt.Fprintln(out, cfg.String())
	if len(problems) > 0 {
		return fmt.Errorf("%d configuration problem(s)", len(problems))
	}
	return nil
}
