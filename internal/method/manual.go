package method

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/cyrus/internal/logger"
	"github.com/rudransh-shrivastava/cyrus/internal/pairing"
)

const (
	statusInvalidID  = "Invalid ID"
	statusConnecting = "Connecting..."
)

// Manual dials an address pasted verbatim, for example one copied from the
// other device's QR screen.
type Manual struct {
	conn Connector
	log  logrus.FieldLogger

	lifecycle
	status string
}

func NewManual(conn Connector, log logrus.FieldLogger) *Manual {
	return &Manual{
		conn: conn,
		log:  logger.OrDiscard(log).WithField("method", KindManual),
	}
}

func (m *Manual) Kind() Kind { return KindManual }

func (m *Manual) Present() Presentation {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Presentation{
		Kind:        KindManual,
		Group:       "Manual",
		Label:       "Connect manually by pasting",
		Title:       "Manual Connect",
		Placeholder: "Paste token",
		Status:      m.status,
	}
}

func (m *Manual) Activate(ctx context.Context) error {
	_, _, err := m.begin(ctx)
	return err
}

func (m *Manual) Submit(_ context.Context, input string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return ErrNotActive
	}

	address, err := pairing.ParseToken(input)
	if err != nil {
		m.status = statusInvalidID
		return err
	}
	if err := m.conn.ConnectTo(address); err != nil {
		m.status = statusInvalidID
		return err
	}
	m.status = statusConnecting
	m.log.WithField("remote", address).Info("dialing pasted address")
	return nil
}

func (m *Manual) Deactivate(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.endLocked()
	m.status = ""
	return nil
}
