package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/cyrus/internal/broker"
	"github.com/rudransh-shrivastava/cyrus/internal/config"
	"github.com/rudransh-shrivastava/cyrus/internal/logger"
)

var (
	listenAddr string
	advertise  bool
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "run a signaling broker",
	Long: `runs the rendezvous server peers use to claim addresses and negotiate
connections. With --advertise it announces itself on the local network so
peers configured with broker "mdns" find it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadBroker(configPath)
		if err != nil {
			return err
		}
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}
		if advertise {
			cfg.Advertise = true
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
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

func init() {
	brokerCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "address to listen on (default :8080)")
	brokerCmd.Flags().BoolVar(&advertise, "advertise", false, "announce the broker over mDNS")
}
