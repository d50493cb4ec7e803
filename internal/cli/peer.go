package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/cyrus/internal/config"
	"github.com/rudransh-shrivastava/cyrus/internal/connection"
	"github.com/rudransh-shrivastava/cyrus/internal/discovery"
	"github.com/rudransh-shrivastava/cyrus/internal/logger"
	"github.com/rudransh-shrivastava/cyrus/internal/method"
	"github.com/rudransh-shrivastava/cyrus/internal/qr"
	"github.com/rudransh-shrivastava/cyrus/internal/session"
	"github.com/rudransh-shrivastava/cyrus/internal/signaling"
	"github.com/rudransh-shrivastava/cyrus/internal/transport"
	"github.com/rudransh-shrivastava/cyrus/internal/transport/webrtc"
	"github.com/rudransh-shrivastava/cyrus/internal/wizard"
)

// peer is everything one running device needs: the manager, the pairing
// methods and the wizard shell on top of them.
type peer struct {
	cfg    config.Config
	log    *logrus.Logger
	mgr    *connection.Manager
	host   *method.Host
	wizard *wizard.Wizard
	rl     *readline.Instance

	cleanup []func()
}

// prelude runs after the peer is up and before the prompt is shown.
type prelude func(ctx context.Context, p *peer) error

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if brokerURL != "" {
		cfg.BrokerURL = brokerURL
	}
	return cfg, nil
}

func newPeer(ctx context.Context, cfg config.Config) (*peer, error) {
	log, err := logger.New(cfg.LogLevel, os.Stderr)
	if err != nil {
		return nil, err
	}

	url, err := resolveBroker(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	p := &peer{cfg: cfg, log: log}
	tr := webrtc.New(signalDialer(url, cfg, log), webrtc.WithLogger(log))
	p.mgr = connection.NewManager(tr,
		connection.WithLogger(log),
		connection.WithBindOptions(transport.BindOptions{ICEServers: cfg.STUNServers}),
		connection.WithConnectTimeout(cfg.ConnectTimeout),
	)
	p.cleanup = append(p.cleanup, func() { _ = p.mgr.Close() })

	p.host = method.NewHost(log)
	p.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "cyrus> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    wizard.NewCompleter(p.host),
	})
	if err != nil {
		p.close()
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	log.SetOutput(p.rl.Stderr())

	sess := session.New(p.mgr,
		session.WithLogger(log),
		session.WithDownloadDir(cfg.DownloadDir),
		session.WithProgress(p.rl.Stderr()),
		session.OnText(func(text string) {
			fmt.Fprintf(p.rl.Stdout(), "%s: %s\n", p.mgr.RemoteAddress(), text)
		}),
		session.OnFile(func(path string) {
			fmt.Fprintf(p.rl.Stdout(), "Received %s\n", path)
		}),
	)
	p.mgr.Subscribe(sess.Handle)

	if err := p.registerMethods(); err != nil {
		p.close()
		return nil, err
	}

	p.wizard = wizard.New(p.mgr, p.host, sess,
		wizard.WithOutput(p.rl.Stdout()),
		wizard.WithLogger(log),
		wizard.WithCloseDelay(cfg.CloseDelay),
	)
	p.cleanup = append(p.cleanup, func() { p.wizard.Close(context.Background()) })

	startCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	err = spin(startCtx, p.rl.Stderr(), "connecting to the broker", func() error {
		return p.mgr.Start(startCtx)
	})
	if err != nil {
		p.close()
		return nil, fmt.Errorf("connect to broker %s: %w", url, err)
	}
	return p, nil
}

func (p *peer) registerMethods() error {
	scanner, closeScanner, err := newScanner(p.cfg.ScannerCommand, scanFrom)
	if err != nil {
		return err
	}
	p.cleanup = append(p.cleanup, closeScanner)

	p.host.Register(method.NewPINGenerate(p.mgr, p.log))
	p.host.Register(method.NewPINConnect(p.mgr, p.log))
	p.host.Register(method.NewQRGenerate(p.mgr, qr.NewEncoder(p.cfg.QRSize), p.log))
	if scanner != nil {
		p.host.Register(method.NewQRScan(p.mgr, scanner, p.log))
	} else {
		p.host.Register(method.NewDisabled(method.KindQRScan, "QR Code", "Scan a QR code"))
	}
	p.host.Register(method.NewManual(p.mgr, p.log))
	for _, m := range method.Unavailable() {
		p.host.Register(m)
	}
	return nil
}

// close tears down in reverse order of construction.
func (p *peer) close() {
	for i := len(p.cleanup) - 1; i >= 0; i-- {
		p.cleanup[i]()
	}
	if p.rl != nil {
		_ = p.rl.Close()
	}
}

// runShell brings up a peer, runs pre and then hands the terminal to the
// wizard until the user quits or the process is interrupted.
func runShell(cmd *cobra.Command, pre ...prelude) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	p, err := newPeer(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.close()

	for _, fn := range pre {
		if err := fn(ctx, p); err != nil {
			fmt.Fprintf(p.rl.Stdout(), "Error: %v\n", err)
		}
	}

	// Readline does not watch ctx; closing it unblocks the prompt.
	go func() {
		<-ctx.Done()
		_ = p.rl.Close()
	}()
	return p.wizard.Run(ctx, p.rl)
}

// resolveBroker returns the configured broker URL, browsing the LAN for one
// when the config asks for discovery.
func resolveBroker(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (string, error) {
	if !cfg.DiscoverBroker() {
		return cfg.BrokerURL, nil
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var b discovery.Broker
	err := spin(ctx, os.Stderr, "looking for a broker on the local network", func() error {
		var err error
		b, err = discovery.FindBroker(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	log.WithField("url", b.URL()).Info("found broker")
	return b.URL(), nil
}

func signalDialer(url string, cfg config.Config, log logrus.FieldLogger) webrtc.SignalDialer {
	return func(ctx context.Context, address string) (webrtc.Signaler, error) {
		c, err := signaling.Dial(ctx, url, address,
			signaling.WithHeartbeat(cfg.HeartbeatInterval),
			signaling.WithLogger(log),
		)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// spin shows a spinner on w while fn runs.
func spin(ctx context.Context, w io.Writer, desc string, fn func() error) error {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = bar.Add(1)
			}
		}
	}()

	err := fn()
	close(done)
	<-stopped
	_ = bar.Finish()
	return err
}
