package method

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/cyrus/internal/pairing"
	"github.com/rudransh-shrivastava/cyrus/internal/qr"
	"github.com/rudransh-shrivastava/cyrus/internal/transport"
)

const (
	sampleAddress = "d24cdad5759224aa803a11e67d4ac48a" // SAMPLE12
	pinAddress    = "1b6ed178f3093f076b2a4983abe2c8cc" // 7K3M9QXP
)

func fixedCodes(codes ...string) CodeSource {
	i := 0
	return func() (string, error) {
		if i >= len(codes) {
			return "", errors.New("out of codes")
		}
		c := codes[i]
		i++
		return c, nil
	}
}

func TestPINConnectRejectsMalformedCodes(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too short", "1234"},
		{"too long", "7K3M9QXPA"},
		{"empty", ""},
		{"whitespace", "        "},
		{"punctuation", "7K3M-QXP"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			conn := &mockConnector{}
			m := NewPINConnect(conn, nil)
			require.NoError(t, m.Activate(ctx))

			err := m.Submit(ctx, tt.input)
			assert.ErrorIs(t, err, pairing.ErrInvalidSecret)
			assert.Equal(t, "The PIN must be 8 characters", m.Present().Status)
			conn.AssertNotCalled(t, "ConnectTo", mock.Anything)
		})
	}
}

func TestPINConnectDialsDerivedAddress(t *testing.T) {
	ctx := context.Background()
	conn := &mockConnector{}
	conn.On("ConnectTo", pinAddress).Return(nil).Once()

	m := NewPINConnect(conn, nil)
	require.NoError(t, m.Activate(ctx))
	require.NoError(t, m.Submit(ctx, " 7k3m9qxp "))

	assert.Equal(t, "Connecting...", m.Present().Status)
	assert.Equal(t, "00000000", m.Present().Placeholder)
	conn.AssertExpectations(t)
}

func TestSubmitRequiresActivation(t *testing.T) {
	ctx := context.Background()
	conn := &mockConnector{}

	assert.ErrorIs(t, NewPINConnect(conn, nil).Submit(ctx, "7K3M9QXP"), ErrNotActive)
	assert.ErrorIs(t, NewManual(conn, nil).Submit(ctx, "peer"), ErrNotActive)
	conn.AssertNotCalled(t, "ConnectTo", mock.Anything)
}

func TestManualRejectsEmptyToken(t *testing.T) {
	for _, input := range []string{"", "   ", "\n\t"} {
		ctx := context.Background()
		conn := &mockConnector{}
		m := NewManual(conn, nil)
		require.NoError(t, m.Activate(ctx))

		err := m.Submit(ctx, input)
		assert.ErrorIs(t, err, pairing.ErrInvalidToken)
		assert.Equal(t, "Invalid ID", m.Present().Status)
		conn.AssertNotCalled(t, "ConnectTo", mock.Anything)
	}
}

func TestManualDialsPastedAddress(t *testing.T) {
	ctx := context.Background()
	conn := &mockConnector{}
	conn.On("ConnectTo", "4f1c2a9e-peer").Return(nil).Once()

	m := NewManual(conn, nil)
	require.NoError(t, m.Activate(ctx))
	require.NoError(t, m.Submit(ctx, "  4f1c2a9e-peer\n"))

	assert.Equal(t, "Connecting...", m.Present().Status)
	conn.AssertExpectations(t)
}

func TestManualReportsConnectFailure(t *testing.T) {
	ctx := context.Background()
	conn := &mockConnector{}
	conn.On("ConnectTo", "peer").Return(errors.New("not ready")).Once()

	m := NewManual(conn, nil)
	require.NoError(t, m.Activate(ctx))
	assert.Error(t, m.Submit(ctx, "peer"))
	assert.Equal(t, "Invalid ID", m.Present().Status)
}

func TestPINGenerateRebindsToDerivedAddress(t *testing.T) {
	ctx := context.Background()
	conn := &mockConnector{}
	conn.On("ReplaceIdentity", mock.Anything, sampleAddress, transport.BindOptions{LANOnly: true}).Return(nil).Once()

	m := NewPINGenerate(conn, nil, WithCodeSource(fixedCodes("sample12")))
	require.NoError(t, m.Activate(ctx))

	p := m.Present()
	assert.Equal(t, "SAMPLE12", p.Value)
	assert.Equal(t, "Here's your Smart PIN:", p.Title)
	conn.AssertExpectations(t)

	require.NoError(t, m.Deactivate(ctx))
	assert.Empty(t, m.Present().Value)
}

func TestPINGenerateRetriesClaimedAddress(t *testing.T) {
	ctx := context.Background()
	conn := &mockConnector{}
	conn.On("ReplaceIdentity", mock.Anything, pinAddress, mock.Anything).
		Return(fmt.Errorf("bind identity: %w", transport.ErrAddressInUse)).Once()
	conn.On("ReplaceIdentity", mock.Anything, sampleAddress, mock.Anything).Return(nil).Once()

	m := NewPINGenerate(conn, nil, WithCodeSource(fixedCodes("7K3M9QXP", "SAMPLE12")))
	require.NoError(t, m.Activate(ctx))

	assert.Equal(t, "SAMPLE12", m.Present().Value)
	conn.AssertExpectations(t)
}

func TestPINGenerateGivesUp(t *testing.T) {
	ctx := context.Background()
	conn := &mockConnector{}
	conn.On("ReplaceIdentity", mock.Anything, mock.Anything, mock.Anything).Return(transport.ErrAddressInUse)

	m := NewPINGenerate(conn, nil, WithCodeSource(fixedCodes("7K3M9QXP", "SAMPLE12", "ABCDEFGH")))
	err := m.Activate(ctx)

	assert.ErrorIs(t, err, ErrNoFreeCode)
	assert.False(t, m.isActive())
	conn.AssertNumberOfCalls(t, "ReplaceIdentity", maxMintAttempts)
}

func TestPINGenerateStopsOnOtherErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("broker unreachable")
	conn := &mockConnector{}
	conn.On("ReplaceIdentity", mock.Anything, mock.Anything, mock.Anything).Return(boom).Once()

	m := NewPINGenerate(conn, nil, WithCodeSource(fixedCodes("7K3M9QXP")))
	assert.ErrorIs(t, m.Activate(ctx), boom)
	assert.False(t, m.isActive())

	// A failed activation can be retried.
	conn.On("ReplaceIdentity", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	m.codes = fixedCodes("SAMPLE12")
	require.NoError(t, m.Activate(ctx))
}

func TestQRGenerateShowsLocalAddress(t *testing.T) {
	ctx := context.Background()
	conn := &mockConnector{}
	conn.On("RestoreDefaultIdentity", mock.Anything).Return(nil).Once()
	conn.On("WaitReady", mock.Anything).Return("peer-address", nil).Once()

	m := NewQRGenerate(conn, qr.NewEncoder(0), nil)
	require.NoError(t, m.Activate(ctx))
	assert.ErrorIs(t, m.Activate(ctx), ErrAlreadyActive)

	p := m.Present()
	assert.Equal(t, "peer-address", p.Value)
	assert.NotEmpty(t, p.Art)

	require.NoError(t, m.Deactivate(ctx))
	assert.Empty(t, m.Present().Art)
}

func TestQRGenerateShowsAddressWhenRestoreFails(t *testing.T) {
	ctx := context.Background()
	conn := &mockConnector{}
	conn.On("RestoreDefaultIdentity", mock.Anything).Return(transport.ErrAddressInUse).Once()
	conn.On("WaitReady", mock.Anything).Return("fallback-address", nil).Once()

	m := NewQRGenerate(conn, qr.NewEncoder(0), nil)
	require.NoError(t, m.Activate(ctx))
	assert.Equal(t, "fallback-address", m.Present().Value)
	conn.AssertExpectations(t)
}

func TestQRGenerateDeactivateCancelsWait(t *testing.T) {
	ctx := context.Background()
	conn := &mockConnector{}
	conn.On("RestoreDefaultIdentity", mock.Anything).Return(nil).Once()
	conn.On("WaitReady", mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return("", context.Canceled).Once()

	m := NewQRGenerate(conn, qr.NewEncoder(0), nil)

	errc := make(chan error, 1)
	go func() { errc <- m.Activate(ctx) }()

	require.Eventually(t, func() bool {
		return m.Present().Status != ""
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Deactivate(ctx))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("activation did not notice deactivation")
	}
	assert.Empty(t, m.Present().Value)
}

func TestQRScanConnectsAndReleasesScanner(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	conn := &mockConnector{}
	conn.On("ConnectTo", "scanned-peer").Return(nil).Once()

	scanner := &mockScanner{}
	scanner.On("Start", mock.Anything).Return(nil).Once()
	scanner.On("Stop", mock.Anything).Run(func(mock.Arguments) { rec.add("stop") }).Return(nil).Once()
	scanner.On("Clear", mock.Anything).Run(func(mock.Arguments) { rec.add("clear") }).Return(nil).Once()

	m := NewQRScan(conn, scanner, nil)
	require.NoError(t, m.Activate(ctx))
	assert.Equal(t, "Scanning...", m.Present().Status)

	scanner.decode(" scanned-peer ")

	require.Eventually(t, func() bool { return rec.has("clear") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"stop", "clear"}, rec.list())
	assert.False(t, m.isActive())
	assert.Equal(t, "Connecting...", m.Present().Status)

	// Later decodes from a lagging scanner are ignored.
	scanner.decode("another-peer")

	require.NoError(t, m.Deactivate(ctx))
	conn.AssertExpectations(t)
	scanner.AssertExpectations(t)
}

func TestQRScanIgnoresBlankDecode(t *testing.T) {
	ctx := context.Background()
	conn := &mockConnector{}
	scanner := &mockScanner{}
	scanner.On("Start", mock.Anything).Return(nil).Once()

	m := NewQRScan(conn, scanner, nil)
	require.NoError(t, m.Activate(ctx))

	scanner.decode("   ")

	assert.Equal(t, "Invalid QR code", m.Present().Status)
	assert.True(t, m.isActive())
	conn.AssertNotCalled(t, "ConnectTo", mock.Anything)
}

func TestQRScanStartFailure(t *testing.T) {
	ctx := context.Background()
	scanner := &mockScanner{}
	scanner.On("Start", mock.Anything).Return(errors.New("no camera")).Once()

	m := NewQRScan(&mockConnector{}, scanner, nil)
	assert.Error(t, m.Activate(ctx))
	assert.False(t, m.isActive())

	require.NoError(t, m.Deactivate(ctx))
	scanner.AssertNotCalled(t, "Stop", mock.Anything)
}

func TestQRScanDeactivateSwallowsScannerErrors(t *testing.T) {
	ctx := context.Background()
	scanner := &mockScanner{}
	scanner.On("Start", mock.Anything).Return(nil).Once()
	scanner.On("Stop", mock.Anything).Return(qr.ErrNotScanning).Once()
	scanner.On("Clear", mock.Anything).Return(qr.ErrNotScanning).Once()

	m := NewQRScan(&mockConnector{}, scanner, nil)
	require.NoError(t, m.Activate(ctx))

	assert.NoError(t, m.Deactivate(ctx))
	assert.NoError(t, m.Deactivate(ctx))
	scanner.AssertExpectations(t)
}

func TestDeactivateWithoutActivate(t *testing.T) {
	ctx := context.Background()
	conn := &mockConnector{}
	scanner := &mockScanner{}

	methods := []Method{
		NewQRGenerate(conn, qr.NewEncoder(0), nil),
		NewQRScan(conn, scanner, nil),
		NewPINGenerate(conn, nil),
		NewPINConnect(conn, nil),
		NewManual(conn, nil),
		NewDisabled(KindBLE, "Wireless", "BLE"),
	}
	for _, m := range methods {
		t.Run(string(m.Kind()), func(t *testing.T) {
			assert.NoError(t, m.Deactivate(ctx))
			assert.NoError(t, m.Deactivate(ctx))
		})
	}

	assert.Empty(t, conn.Calls)
	assert.Empty(t, scanner.Calls)
}

func TestDisabledNeverActivates(t *testing.T) {
	for _, m := range Unavailable() {
		assert.ErrorIs(t, m.Activate(context.Background()), ErrMethodDisabled)
		assert.True(t, m.Present().Disabled)
	}
}
