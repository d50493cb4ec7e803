// Package wizard is the interactive shell that walks the user through
// pairing: pick a method, follow its instructions, and once the devices
// are connected, exchange messages and files.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/cyrus/internal/connection"
	"github.com/rudransh-shrivastava/cyrus/internal/logger"
	"github.com/rudransh-shrivastava/cyrus/internal/method"
	"github.com/rudransh-shrivastava/cyrus/internal/session"
)

const DefaultCloseDelay = 3 * time.Second

// ErrQuit is returned by Exec when the user asks to leave.
var ErrQuit = errors.New("quit")

type Wizard struct {
	mgr        *connection.Manager
	host       *method.Host
	sess       *session.Session
	out        io.Writer
	log        logrus.FieldLogger
	closeDelay time.Duration

	unsubscribe func()

	mu     sync.Mutex
	open   bool
	remote string
	timer  *time.Timer
	closed chan struct{}
}

type Option func(*Wizard)

func WithOutput(w io.Writer) Option {
	return func(wz *Wizard) { wz.out = w }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(wz *Wizard) { wz.log = logger.OrDiscard(l) }
}

// WithCloseDelay sets how long the wizard lingers on "We are connected!"
// before it closes.
func WithCloseDelay(d time.Duration) Option {
	return func(wz *Wizard) { wz.closeDelay = d }
}

func New(mgr *connection.Manager, host *method.Host, sess *session.Session, opts ...Option) *Wizard {
	w := &Wizard{
		mgr:        mgr,
		host:       host,
		sess:       sess,
		out:        io.Discard,
		log:        logger.Discard(),
		closeDelay: DefaultCloseDelay,
		open:       true,
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.WithField("component", "wizard")
	w.unsubscribe = mgr.Subscribe(w.handle)
	return w
}

// Closed is closed once the wizard has closed after a successful pairing.
// If the connection later drops, the wizard reopens with a fresh channel.
func (w *Wizard) Closed() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Wizard) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.open
}

// Close deactivates the active method and stops listening to the manager.
func (w *Wizard) Close(ctx context.Context) {
	w.unsubscribe()
	w.host.Deactivate(ctx)

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *Wizard) handle(e connection.Event) {
	switch e.Kind {
	case connection.EventOpen:
		w.log.WithField("address", e.Address).Info("my address")
	case connection.EventConnected:
		w.connected(e.Address)
	case connection.EventData:
		w.log.WithField("bytes", len(e.Payload)).Debug("received")
	case connection.EventClose:
		w.disconnected(e)
	}
}

func (w *Wizard) connected(remote string) {
	w.host.Deactivate(context.Background())

	w.mu.Lock()
	defer w.mu.Unlock()

	w.remote = remote
	if !w.open {
		fmt.Fprintf(w.out, "Connected to %s\n", remote)
		return
	}

	fmt.Fprintf(w.out, "\nWe are connected! (%s)\n", remote)
	fmt.Fprintf(w.out, "Cyrus Wizard closes in %d...\n", int((w.closeDelay+time.Second-1)/time.Second))

	if w.timer != nil {
		w.timer.Stop()
	}
	closed := w.closed
	w.timer = time.AfterFunc(w.closeDelay, func() { w.closeWizard(closed) })
}

func (w *Wizard) closeWizard(closed chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed != closed || !w.open || w.remote == "" {
		return
	}
	w.open = false
	close(closed)
	fmt.Fprintf(w.out, "Paired with %s. Type 'help' for what you can do now.\n", w.remote)
}

func (w *Wizard) disconnected(e connection.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}

	w.log.WithField("remote", e.Address).WithField("reason", e.Reason).Info("connection closed")
	wasPaired := w.remote != ""
	w.remote = ""
	if !wasPaired {
		if e.Reason == connection.ReasonFailed || e.Reason == connection.ReasonTimeout {
			fmt.Fprintf(w.out, "Could not connect to %s (%s)\n", e.Address, e.Reason)
		}
		return
	}

	fmt.Fprintf(w.out, "Connection to %s closed (%s)\n", e.Address, e.Reason)
	if !w.open {
		w.open = true
		w.closed = make(chan struct{})
		fmt.Fprintln(w.out, "Pick a pairing method to connect again ('methods' lists them).")
	}
}

// Exec runs one command line.
func (w *Wizard) Exec(ctx context.Context, line string) error {
	input := strings.TrimSpace(line)
	if input == "" {
		return nil
	}

	fields := strings.Fields(input)
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(input, fields[0]))

	switch cmd {
	case "help", "?":
		w.printHelp()
	case "methods", "m":
		w.printMethods()
	case "use", "u":
		if len(args) != 1 {
			return errors.New("usage: use <method>")
		}
		return w.use(ctx, args[0])
	case "enter", "e":
		return w.submit(ctx, rest)
	case "show":
		w.printActive()
	case "status", "s":
		w.printStatus()
	case "send":
		if rest == "" {
			return errors.New("usage: send <text>")
		}
		return w.sess.SendText(rest)
	case "sendfile", "file":
		if len(args) != 1 {
			return errors.New("usage: sendfile <path>")
		}
		return w.sess.SendFile(ctx, args[0])
	case "disconnect":
		w.mgr.Disconnect()
	case "quit", "exit", "q":
		return ErrQuit
	default:
		// Bare input goes to the method waiting for it, if any.
		if active := w.host.Active(); active != nil && active.Present().Placeholder != "" {
			return w.submit(ctx, input)
		}
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
	return nil
}

func (w *Wizard) use(ctx context.Context, arg string) error {
	if !w.IsOpen() {
		return errors.New("already paired; 'disconnect' first")
	}

	kind, err := w.resolve(arg)
	if err != nil {
		return err
	}
	if err := w.host.Switch(ctx, kind); err != nil {
		return err
	}
	w.printActive()
	return nil
}

// resolve accepts a method kind or its number in the catalogue.
func (w *Wizard) resolve(arg string) (method.Kind, error) {
	catalogue := w.host.Catalogue()
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(catalogue) {
			return "", fmt.Errorf("%w: %d", method.ErrUnknownMethod, n)
		}
		return catalogue[n-1].Kind, nil
	}
	return method.Kind(strings.ToLower(arg)), nil
}

func (w *Wizard) submit(ctx context.Context, input string) error {
	active := w.host.Active()
	err := w.host.Submit(ctx, input)
	if active != nil {
		if status := active.Present().Status; status != "" {
			fmt.Fprintln(w.out, status)
		}
	}
	return err
}

func (w *Wizard) printHelp() {
	fmt.Fprintln(w.out, `
Pairing:
  methods            - List pairing methods
  use <method|n>     - Start a pairing method
  enter <input>      - Give the active method its PIN or address
                       (bare input works too)
  show               - Show the active method again

Connection:
  status             - Show addresses and connection state
  send <text>        - Send a message
  sendfile <path>    - Send a file
  disconnect         - Close the connection

General:
  help               - Show this help
  quit               - Exit`)
}

func (w *Wizard) printMethods() {
	fmt.Fprintln(w.out, "First, let's connect these together.")
	group := ""
	for i, p := range w.host.Catalogue() {
		if p.Group != group {
			group = p.Group
			fmt.Fprintf(w.out, "%s\n", group)
		}
		suffix := ""
		if p.Disabled {
			suffix = " (unavailable)"
		}
		fmt.Fprintf(w.out, "  %d. %-40s %s%s\n", i+1, p.Label, p.Kind, suffix)
	}
}

func (w *Wizard) printActive() {
	active := w.host.Active()
	if active == nil {
		fmt.Fprintln(w.out, "No pairing method is active.")
		return
	}
	p := active.Present()
	if p.Title != "" {
		fmt.Fprintln(w.out, p.Title)
	}
	if p.Art != "" {
		fmt.Fprint(w.out, p.Art)
	}
	if p.Value != "" {
		fmt.Fprintf(w.out, "  %s\n", p.Value)
	}
	if p.Placeholder != "" {
		fmt.Fprintf(w.out, "  (type it and press enter, e.g. %s)\n", p.Placeholder)
	}
	if p.Status != "" {
		fmt.Fprintln(w.out, p.Status)
	}
}

func (w *Wizard) printStatus() {
	fmt.Fprintf(w.out, "state:  %s\n", w.mgr.State())
	fmt.Fprintf(w.out, "local:  %s\n", orDash(w.mgr.LocalAddress()))
	fmt.Fprintf(w.out, "remote: %s\n", orDash(w.mgr.RemoteAddress()))
	if active := w.host.Active(); active != nil {
		fmt.Fprintf(w.out, "method: %s\n", active.Kind())
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Completer offers command and method names.
func (w *Wizard) Completer() readline.AutoCompleter {
	return NewCompleter(w.host)
}

// NewCompleter is Completer for callers that build the readline instance
// before the wizard exists.
func NewCompleter(host *method.Host) readline.AutoCompleter {
	kinds := func(string) []string {
		var out []string
		for _, p := range host.Catalogue() {
			if !p.Disabled {
				out = append(out, string(p.Kind))
			}
		}
		return out
	}

	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("methods"),
		readline.PcItem("use", readline.PcItemDynamic(kinds)),
		readline.PcItem("enter"),
		readline.PcItem("show"),
		readline.PcItem("status"),
		readline.PcItem("send"),
		readline.PcItem("sendfile"),
		readline.PcItem("disconnect"),
		readline.PcItem("quit"),
	)
}

// Run reads commands from rl until the user quits or ctx ends.
func (w *Wizard) Run(ctx context.Context, rl *readline.Instance) error {
	defer rl.Close()

	if w.host.Active() == nil {
		w.printMethods()
	}
	fmt.Fprintln(w.out, "Type 'help' for commands.")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			return nil
		}

		err = w.Exec(ctx, line)
		if errors.Is(err, ErrQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
		}
	}
}
