package method

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/cyrus/internal/logger"
	"github.com/rudransh-shrivastava/cyrus/internal/pairing"
	"github.com/rudransh-shrivastava/cyrus/internal/transport"
)

// maxMintAttempts bounds how many codes PINGenerate tries when the derived
// address is already claimed.
const maxMintAttempts = 3

var ErrNoFreeCode = errors.New("no unclaimed pairing code found")

// CodeSource mints pairing codes.
type CodeSource func() (string, error)

func randomCode() (string, error) {
	return pairing.RandomCode(pairing.CodeLength)
}

// PINGenerate mints a pairing code, shows it, and rebinds the local
// identity to the address derived from it so the other device can dial in.
// The identity is bound LAN only.
type PINGenerate struct {
	conn  Connector
	codes CodeSource
	log   logrus.FieldLogger

	lifecycle
	code   string
	status string
}

type PINOption func(*PINGenerate)

// WithCodeSource replaces the random code generator.
func WithCodeSource(src CodeSource) PINOption {
	return func(m *PINGenerate) { m.codes = src }
}

func NewPINGenerate(conn Connector, log logrus.FieldLogger, opts ...PINOption) *PINGenerate {
	m := &PINGenerate{
		conn:  conn,
		codes: randomCode,
		log:   logger.OrDiscard(log).WithField("method", KindPINGenerate),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *PINGenerate) Kind() Kind { return KindPINGenerate }

func (m *PINGenerate) Present() Presentation {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Presentation{
		Kind:   KindPINGenerate,
		Group:  "Smart PIN (LAN only)",
		Label:  "Generate a smart PIN",
		Title:  "Here's your Smart PIN:",
		Value:  m.code,
		Status: m.status,
	}
}

// Activate returns once the local identity is reachable at the derived
// address. Any connection the manager held is torn down by the rebind.
func (m *PINGenerate) Activate(ctx context.Context) error {
	ctx, gen, err := m.begin(ctx)
	if err != nil {
		return err
	}

	for attempt := 1; attempt <= maxMintAttempts; attempt++ {
		code, err := m.codes()
		if err != nil {
			m.endGen(gen)
			return err
		}
		address, err := pairing.DeriveAddress(code)
		if err != nil {
			m.endGen(gen)
			return err
		}
		if !m.show(gen, pairing.Normalize(code), "Preparing...") {
			return ErrNotActive
		}

		err = m.conn.ReplaceIdentity(ctx, address, transport.BindOptions{LANOnly: true})
		if err == nil {
			m.show(gen, pairing.Normalize(code), "Waiting for the other device...")
			m.log.WithField("address", address).Info("hosting pin")
			return nil
		}
		if !errors.Is(err, transport.ErrAddressInUse) {
			m.endGen(gen)
			return err
		}
		m.log.WithField("attempt", attempt).Warn("derived address already claimed, minting another code")
	}

	m.endGen(gen)
	return fmt.Errorf("%w after %d attempts", ErrNoFreeCode, maxMintAttempts)
}

// Deactivate forgets the code. The identity stays bound to the derived
// address until something else replaces it.
func (m *PINGenerate) Deactivate(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.endLocked()
	m.code, m.status = "", ""
	return nil
}

func (m *PINGenerate) show(gen uint64, code, status string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(gen) {
		return false
	}
	m.code, m.status = code, status
	return true
}

// PINConnect derives the host's address from a typed code and dials it.
type PINConnect struct {
	conn Connector
	log  logrus.FieldLogger

	lifecycle
	status string
}

func NewPINConnect(conn Connector, log logrus.FieldLogger) *PINConnect {
	return &PINConnect{
		conn: conn,
		log:  logger.OrDiscard(log).WithField("method", KindPINConnect),
	}
}

func (m *PINConnect) Kind() Kind { return KindPINConnect }

func (m *PINConnect) Present() Presentation {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Presentation{
		Kind:        KindPINConnect,
		Group:       "Smart PIN (LAN only)",
		Label:       "Connect with a smart PIN",
		Title:       "Enter your Smart PIN:",
		Placeholder: "00000000",
		Status:      m.status,
	}
}

func (m *PINConnect) Activate(ctx context.Context) error {
	_, _, err := m.begin(ctx)
	return err
}

// Submit validates the code before deriving anything; a malformed code
// never reaches ConnectTo.
func (m *PINConnect) Submit(_ context.Context, input string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return ErrNotActive
	}

	address, err := pairing.DeriveAddress(input)
	if err != nil {
		m.status = fmt.Sprintf("The PIN must be %d characters", pairing.CodeLength)
		return err
	}
	if err := m.conn.ConnectTo(address); err != nil {
		m.status = "Connection failed"
		return err
	}
	m.status = "Connecting..."
	m.log.WithField("remote", address).Info("dialing pin address")
	return nil
}

func (m *PINConnect) Deactivate(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.endLocked()
	m.status = ""
	return nil
}
