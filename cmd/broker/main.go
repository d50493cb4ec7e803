package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/cyrus/internal/broker"
	"github.com/rudransh-shrivastava/cyrus/internal/config"
	"github.com/rudransh-shrivastava/cyrus/internal/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "cyrus-broker",
	Short:        "signaling broker for cyrus peers",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadBroker(configPath)
		if err != nil {
			return err
		}

		log, err := logger.New(cfg.LogLevel, os.Stderr)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return broker.Serve(ctx, cfg, log)
	},
}

func main() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (CYRUS_* variables override it)")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
