package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edenartlab/eden2-sub000/internal/config"
	"github.com/edenartlab/eden2-sub000/internal/daemon"
	"github.com/edenartlab/eden2-sub000/internal/logger"
	"github.com/edenartlab/eden2-sub000/pkg/agent"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string

	// providerFactory overrides LLM client construction (tests)
	providerFactory agent.ProviderCreator
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "eden",
	Short: "Eden - generative tool execution and agent orchestration",
	Long: `Eden runs generative media tools (image, video, audio) on local and remote
GPU backends, charges users per task, and hosts agents that call those tools
from a conversation.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.eden/eden.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
}

// openDaemon builds the runtime for a one-shot command. The returned func
// releases it.
func openDaemon(serve bool) (*daemon.Daemon, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	d, err := daemon.New(cfg, log, daemon.Options{
		ProviderFactory: providerFactory,
		SkipTracing:     !serve,
	})
	if err != nil {
		_ = log.Close()
		return nil, nil, err
	}

	return d, func() {
		_ = d.Close()
		_ = log.Close()
	}, nil
}
