package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/cyrus/internal/qr"
)

var (
	pngPath  string
	scanFrom string
)

var showQRCmd = &cobra.Command{
	Use:   "show-qr",
	Short: "show a QR code for the other device to scan",
	Long:  `renders this device's address as a QR code in the terminal, and optionally as a PNG`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShell(cmd, func(ctx context.Context, p *peer) error {
			if err := execLines("use qr-generate")(ctx, p); err != nil {
				return err
			}
			if pngPath == "" {
				return nil
			}
			addr, err := p.mgr.WaitReady(ctx)
			if err != nil {
				return err
			}
			if err := qr.NewEncoder(p.cfg.QRSize).WriteFile(addr, pngPath); err != nil {
				return err
			}
			fmt.Fprintf(p.rl.Stdout(), "QR code written to %s\n", pngPath)
			return nil
		})
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "scan the other device's QR code",
	Long: `starts the configured decoder (zbarcam by default) and connects to the first
address it reads. --from reads decoded lines from a file or FIFO instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShell(cmd, execLines("use qr-scan"))
	},
}

func init() {
	showQRCmd.Flags().StringVarP(&pngPath, "out", "o", "", "also write the QR code as a PNG to this path")
	scanCmd.Flags().StringVar(&scanFrom, "from", "", "read decoded QR text from this file instead of a decoder command")
}

// newScanner picks the decoder for the QR scan method. It returns nil when
// none is available, for example when the decoder is not installed.
func newScanner(argv []string, from string) (qr.Scanner, func(), error) {
	if from != "" {
		f, err := os.Open(from)
		if err != nil {
			return nil, nil, fmt.Errorf("open scan source: %w", err)
		}
		return qr.NewReaderScanner(f), func() { _ = f.Close() }, nil
	}

	if len(argv) == 0 {
		return nil, func() {}, nil
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, func() {}, nil
	}
	s, err := qr.NewCommandScanner(argv)
	if err != nil {
		return nil, nil, err
	}
	return s, func() {}, nil
}
