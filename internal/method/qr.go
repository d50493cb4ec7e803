package method

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/cyrus/internal/logger"
	"github.com/rudransh-shrivastava/cyrus/internal/pairing"
	"github.com/rudransh-shrivastava/cyrus/internal/qr"
)

// QRGenerate shows the local address as a QR code for the other device to
// scan. An identity left bound to a PIN-derived address is first swapped
// back for a transport-assigned one, so the code never reveals a PIN.
type QRGenerate struct {
	conn Connector
	enc  qr.Encoder
	log  logrus.FieldLogger

	lifecycle
	address string
	art     string
	status  string
}

func NewQRGenerate(conn Connector, enc qr.Encoder, log logrus.FieldLogger) *QRGenerate {
	return &QRGenerate{
		conn: conn,
		enc:  enc,
		log:  logger.OrDiscard(log).WithField("method", KindQRGenerate),
	}
}

func (m *QRGenerate) Kind() Kind { return KindQRGenerate }

func (m *QRGenerate) Present() Presentation {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Presentation{
		Kind:   KindQRGenerate,
		Group:  "QR Code",
		Label:  "Generate a QR code",
		Title:  "Scan this QR Code:",
		Value:  m.address,
		Art:    m.art,
		Status: m.status,
	}
}

// Activate waits for the local identity and renders its address.
func (m *QRGenerate) Activate(ctx context.Context) error {
	ctx, gen, err := m.begin(ctx)
	if err != nil {
		return err
	}
	m.setStatus(gen, "Waiting for the local address...")

	// The manager falls back on its own when this fails; WaitReady below
	// picks up whichever identity it ends up with.
	if err := m.conn.RestoreDefaultIdentity(ctx); err != nil {
		m.log.WithError(err).Warn("failed to restore default identity")
	}

	address, err := m.conn.WaitReady(ctx)
	if err != nil {
		m.endGen(gen)
		return fmt.Errorf("local address unavailable: %w", err)
	}

	art, err := m.enc.Terminal(address)
	if err != nil {
		m.endGen(gen)
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(gen) {
		return ErrNotActive
	}
	m.address, m.art, m.status = address, art, ""
	m.log.WithField("address", address).Debug("showing qr code")
	return nil
}

func (m *QRGenerate) Deactivate(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.endLocked()
	m.address, m.art, m.status = "", "", ""
	return nil
}

func (m *QRGenerate) setStatus(gen uint64, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentLocked(gen) {
		m.status = status
	}
}

// QRScan reads the other device's address from a scanner and dials it. It
// deactivates itself after the first address it decodes.
type QRScan struct {
	conn    Connector
	scanner qr.Scanner
	log     logrus.FieldLogger

	lifecycle
	scanning bool
	status   string
}

func NewQRScan(conn Connector, scanner qr.Scanner, log logrus.FieldLogger) *QRScan {
	return &QRScan{
		conn:    conn,
		scanner: scanner,
		log:     logger.OrDiscard(log).WithField("method", KindQRScan),
	}
}

func (m *QRScan) Kind() Kind { return KindQRScan }

func (m *QRScan) Present() Presentation {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Presentation{
		Kind:   KindQRScan,
		Group:  "QR Code",
		Label:  "Scan a QR code",
		Title:  "Point the camera at the other device's QR code",
		Status: m.status,
	}
}

func (m *QRScan) Activate(ctx context.Context) error {
	ctx, gen, err := m.begin(ctx)
	if err != nil {
		return err
	}

	// Marked before Start so a concurrent Deactivate tries to stop it.
	m.mu.Lock()
	if !m.currentLocked(gen) {
		m.mu.Unlock()
		return ErrNotActive
	}
	m.scanning = true
	m.status = "Scanning..."
	m.mu.Unlock()

	err = m.scanner.Start(ctx,
		func(text string) { m.decoded(gen, text) },
		func(err error) { m.log.WithError(err).Debug("scan error") },
	)
	if err != nil {
		m.mu.Lock()
		if m.currentLocked(gen) {
			m.endLocked()
			m.scanning = false
			m.status = ""
		}
		m.mu.Unlock()
		return fmt.Errorf("failed to start scanner: %w", err)
	}

	m.mu.Lock()
	superseded := !m.currentLocked(gen)
	m.mu.Unlock()
	if superseded {
		// Deactivated while starting; the camera may have come up after
		// Deactivate tried to stop it.
		m.releaseScanner(ctx)
		return ErrNotActive
	}
	return nil
}

func (m *QRScan) decoded(gen uint64, text string) {
	m.mu.Lock()
	if !m.currentLocked(gen) {
		m.mu.Unlock()
		return
	}

	address, err := pairing.ParseToken(text)
	if err != nil {
		m.status = "Invalid QR code"
		m.mu.Unlock()
		m.log.WithError(err).Debug("ignoring scanned text")
		return
	}
	m.status = "Connecting..."
	m.mu.Unlock()

	m.log.WithField("remote", address).Info("scanned address")
	if err := m.conn.ConnectTo(address); err != nil {
		m.log.WithError(err).Warn("connect failed")
		m.setStatus(gen, "Connection failed")
		return
	}

	// Stopping the scanner waits for the goroutine calling us.
	go func() { _ = m.deactivate(context.Background(), gen) }()
}

// Deactivate stops and clears the scanner. Failures releasing the camera
// are logged and otherwise ignored.
func (m *QRScan) Deactivate(ctx context.Context) error {
	return m.deactivate(ctx, 0)
}

// deactivate ends activation gen, or whichever is current when gen is 0.
func (m *QRScan) deactivate(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	if gen != 0 && !m.currentLocked(gen) {
		m.mu.Unlock()
		return nil
	}
	m.endLocked()
	scanning := m.scanning
	m.scanning = false
	if gen == 0 {
		m.status = ""
	}
	m.mu.Unlock()

	if scanning {
		m.releaseScanner(ctx)
	}
	return nil
}

func (m *QRScan) releaseScanner(ctx context.Context) {
	if err := m.scanner.Stop(ctx); err != nil {
		m.log.WithError(err).Warn("failed to stop scanner")
	}
	if err := m.scanner.Clear(ctx); err != nil {
		m.log.WithError(err).Warn("failed to clear scanner")
	}
}

func (m *QRScan) setStatus(gen uint64, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentLocked(gen) {
		m.status = status
	}
}
