package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	brokerURL  string
)

var rootCmd = &cobra.Command{
	Use:   "cyrus",
	Short: "pair two devices over a direct peer-to-peer channel",
	Long: `cyrus pairs two devices with a QR code, an 8 character PIN or a pasted
address, then opens a direct data channel between them for messages and files.
Run without a command to start the pairing wizard.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShell(cmd)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&brokerURL, "broker", "", `signaling broker URL, or "mdns" to find one on the LAN`)

	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(hostPINCmd)
	rootCmd.AddCommand(joinPINCmd)
	rootCmd.AddCommand(showQRCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(addressCmd)
	rootCmd.AddCommand(brokerCmd)
}
