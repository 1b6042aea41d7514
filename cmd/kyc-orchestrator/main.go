package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"onchainkyc/internal/platform/config"
	"onchainkyc/internal/platform/logger"
)

const programName = "kyc-orchestrator"

var (
	globalFlags = struct {
		debug bool
	}{}
	configFile string
)

type configKey struct{}

func configFromContext(ctx context.Context) *config.Config {
	cfg, _ := ctx.Value(configKey{}).(*config.Config)
	return cfg
}

func slogPrintf(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...),
		"component", programName,
	)
}

// commonRun builds the process logger and sizes GOMAXPROCS to the container quota.
func commonRun(cfg *config.Config) *slog.Logger {
	level := cfg.Log.Level
	if globalFlags.debug {
		level = "debug"
	}
	log := logger.New(level, cfg.Log.Format)
	slog.SetDefault(log)
	if _, err := maxprocs.Set(maxprocs.Logger(slogPrintf)); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
	return log
}

func main() {
	rootCmd := &cobra.Command{
		Use:   programName,
		Short: "Onchain KYC verification orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveRun(cmd, configFromContext(cmd.Context()))
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations["config"] == "skip" {
			return nil
		}
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
		return nil
	}

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(recoverCommand())
	rootCmd.AddCommand(sweepCommand())
	rootCmd.AddCommand(statsCommand())
	rootCmd.AddCommand(keygenCommand())
	rootCmd.AddCommand(simulateCommand())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		// cobra already printed the error
		os.Exit(1)
	}
}
