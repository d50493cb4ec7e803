package cli

import (
	"github.com/spf13/cobra"
)

var hostPINCmd = &cobra.Command{
	Use:   "host-pin",
	Short: "show a Smart PIN for the other device to enter",
	Long: `claims a fresh 8 character PIN and waits for the other device to enter it.
Both devices must reach the same broker, usually one on the local network.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShell(cmd, execLines("use spin-generate"))
	},
}

var joinPINCmd = &cobra.Command{
	Use:   "join-pin pin",
	Short: "connect to the device showing a Smart PIN",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShell(cmd, execLines("use spin-connect", "enter "+args[0]))
	},
}
