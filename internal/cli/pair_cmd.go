package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/cyrus/internal/pairing"
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "start the pairing wizard",
	Long:  `starts the interactive wizard, pick a pairing method and follow its instructions`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShell(cmd)
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect address",
	Short: "connect to a device by its address",
	Long:  `connects to the device whose address was shared by hand, then opens the wizard`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShell(cmd, execLines("use manual", "enter "+args[0]))
	},
}

var addressCmd = &cobra.Command{
	Use:   "address pin",
	Short: "print the address a PIN resolves to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := pairing.DeriveAddress(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), addr)
		return nil
	},
}

// execLines runs wizard commands before the prompt shows up, as if the user
// had typed them.
func execLines(lines ...string) prelude {
	return func(ctx context.Context, p *peer) error {
		for _, line := range lines {
			if err := p.wizard.Exec(ctx, line); err != nil {
				return err
			}
		}
		return nil
	}
}
