package broker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/cyrus/internal/config"
	"github.com/rudransh-shrivastava/cyrus/internal/protocol"
	"github.com/rudransh-shrivastava/cyrus/internal/signaling"
	"github.com/rudransh-shrivastava/cyrus/internal/transport"
)

func newBroker(t *testing.T) (*Server, string, string) {
	t.Helper()

	cfg := config.DefaultBroker()
	cfg.HeartbeatTimeout = 2 * time.Second
	srv := NewServer(cfg, openRegistry(t), nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Path, ts.URL
}

func dial(t *testing.T, url, address string) *signaling.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := signaling.Dial(ctx, url, address, signaling.WithHeartbeat(200*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func next(t *testing.T, c *signaling.Client) *protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-c.Recv():
		require.True(t, ok, "signaling connection closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a relayed message")
		return nil
	}
}

func TestBrokerAssignsAddresses(t *testing.T) {
	_, url, _ := newBroker(t)

	a := dial(t, url, "")
	b := dial(t, url, "")
	c := dial(t, url, "d24cdad5759224aa803a11e67d4ac48a")

	assert.NotEmpty(t, a.Address())
	assert.NotEqual(t, a.Address(), b.Address())
	assert.Equal(t, "d24cdad5759224aa803a11e67d4ac48a", c.Address())
}

func TestBrokerRefusesTakenAddress(t *testing.T) {
	_, url, _ := newBroker(t)
	dial(t, url, "host")

	_, err := signaling.Dial(context.Background(), url, "host")
	require.Error(t, err)
	assert.True(t, errors.Is(err, signaling.ErrAddressTaken))
	assert.True(t, errors.Is(err, transport.ErrAddressInUse))
}

func TestBrokerRelaysWithSource(t *testing.T) {
	_, url, _ := newBroker(t)
	a := dial(t, url, "alice")
	b := dial(t, url, "bob")

	require.NoError(t, a.Send(&protocol.Message{
		Type:         protocol.MsgOffer,
		Src:          "spoofed",
		Dst:          "bob",
		ConnectionID: "c1",
		Payload:      []byte("sdp"),
	}))

	msg := next(t, b)
	assert.Equal(t, protocol.MsgOffer, msg.Type)
	assert.Equal(t, "alice", msg.Src)
	assert.Equal(t, "c1", msg.ConnectionID)
	assert.Equal(t, []byte("sdp"), msg.Payload)
}

func TestBrokerExpiresUnknownDestination(t *testing.T) {
	_, url, _ := newBroker(t)
	a := dial(t, url, "alice")

	require.NoError(t, a.Send(&protocol.Message{
		Type:         protocol.MsgOffer,
		Dst:          "nobody",
		ConnectionID: "c1",
	}))

	msg := next(t, a)
	assert.Equal(t, protocol.MsgExpire, msg.Type)
	assert.Equal(t, "nobody", msg.Src)
	assert.Equal(t, "c1", msg.ConnectionID)
}

func TestBrokerReleasesOnDisconnect(t *testing.T) {
	_, url, _ := newBroker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, err := signaling.Dial(ctx, url, "host")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		c, err := signaling.Dial(context.Background(), url, "host")
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)
}

func TestBrokerHeartbeatsKeepSessionAlive(t *testing.T) {
	_, url, _ := newBroker(t)
	c := dial(t, url, "")

	// Longer than three client heartbeat intervals; the echoes keep the
	// client's read deadline moving.
	time.Sleep(800 * time.Millisecond)

	select {
	case <-c.Done():
		t.Fatalf("signaling connection dropped: %v", c.Err())
	default:
	}
}

func TestBrokerHealth(t *testing.T) {
	_, url, httpURL := newBroker(t)
	dial(t, url, "one")

	resp, err := http.Get(httpURL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok 1\n", string(body))
}

func TestServeStopsWithContext(t *testing.T) {
	cfg := config.DefaultBroker()
	cfg.ListenAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, cfg, nil) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("broker did not stop")
	}
}

func TestServeRejectsBadListenAddr(t *testing.T) {
	cfg := config.DefaultBroker()
	cfg.ListenAddr = "not-an-address"

	assert.Error(t, Serve(context.Background(), cfg, nil))
}
