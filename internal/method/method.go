// Package method implements the pairing methods a user picks from to
// exchange an address with the other device, and the Host that switches
// between them.
//
// Every method follows the same lifecycle. Present describes what to show,
// Activate starts the method's work against the connection manager and
// Deactivate releases whatever Activate acquired. Deactivate is idempotent
// and safe to call on a method that was never activated, or whose
// activation is still in flight.
package method

import (
	"context"
	"errors"
	"sync"

	"github.com/rudransh-shrivastava/cyrus/internal/transport"
)

type Kind string

const (
	KindPINGenerate Kind = "spin-generate"
	KindPINConnect  Kind = "spin-connect"
	KindQRGenerate  Kind = "qr-generate"
	KindQRScan      Kind = "qr-scan"
	KindBLE         Kind = "ble"
	KindSound       Kind = "sound"
	KindManual      Kind = "manual"
	KindServer      Kind = "server"
)

var (
	ErrUnknownMethod  = errors.New("unknown pairing method")
	ErrMethodDisabled = errors.New("pairing method is not available")
	ErrAlreadyActive  = errors.New("pairing method is already active")
	ErrNotActive      = errors.New("pairing method is not active")
	ErrNoInput        = errors.New("pairing method takes no input")
)

// Presentation is what the user should see for a method.
type Presentation struct {
	Kind  Kind
	Group string
	Label string
	Title string

	// Value is the code or address to show, Art its QR rendering.
	Value string
	Art   string

	// Placeholder is set when the method takes input through Submit.
	Placeholder string

	Status   string
	Disabled bool
}

type Method interface {
	Kind() Kind
	Present() Presentation
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
}

// Submitter is implemented by methods that take typed or pasted input.
type Submitter interface {
	Submit(ctx context.Context, input string) error
}

// Connector is the part of the connection manager the methods drive.
type Connector interface {
	LocalAddress() string
	WaitReady(ctx context.Context) (string, error)
	ConnectTo(address string) error
	ReplaceIdentity(ctx context.Context, address string, opts transport.BindOptions) error
	RestoreDefaultIdentity(ctx context.Context) error
}

// lifecycle tracks whether a method is active. Each activation gets its own
// generation and context; Deactivate cancels the context so work still in
// flight notices it was superseded.
type lifecycle struct {
	mu     sync.Mutex
	active bool
	gen    uint64
	cancel context.CancelFunc
}

func (l *lifecycle) begin(ctx context.Context) (context.Context, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active {
		return nil, 0, ErrAlreadyActive
	}
	ctx, cancel := context.WithCancel(ctx)
	l.active = true
	l.gen++
	l.cancel = cancel
	return ctx, l.gen, nil
}

// end deactivates whatever activation is current and reports whether there
// was one.
func (l *lifecycle) end() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.endLocked()
}

// endGen deactivates only if gen is still the current activation.
func (l *lifecycle) endGen(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.currentLocked(gen) {
		return false
	}
	return l.endLocked()
}

func (l *lifecycle) endLocked() bool {
	if !l.active {
		return false
	}
	l.active = false
	l.cancel()
	l.cancel = nil
	return true
}

func (l *lifecycle) currentLocked(gen uint64) bool {
	return l.active && l.gen == gen
}

func (l *lifecycle) isActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}
