package signaling

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/cyrus/internal/broker"
	"github.com/rudransh-shrivastava/cyrus/internal/config"
	"github.com/rudransh-shrivastava/cyrus/internal/protocol"
	"github.com/rudransh-shrivastava/cyrus/internal/transport"
)

func startBroker(t *testing.T) string {
	t.Helper()

	registry, err := broker.OpenRegistry(":memory:")
	require.NoError(t, err)

	cfg := config.DefaultBroker()
	srv := broker.NewServer(cfg, registry, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		_ = registry.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Path
}

func dialCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDialAssignsAddress(t *testing.T) {
	url := startBroker(t)

	c, err := Dial(dialCtx(t), url, "")
	require.NoError(t, err)
	defer c.Close()

	assert.NotEmpty(t, c.Address())
}

func TestDialClaimsExplicitAddress(t *testing.T) {
	url := startBroker(t)

	c, err := Dial(dialCtx(t), url, "1b6ed178f3093f076b2a4983abe2c8cc")
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "1b6ed178f3093f076b2a4983abe2c8cc", c.Address())

	_, err = Dial(dialCtx(t), url, "1b6ed178f3093f076b2a4983abe2c8cc")
	assert.ErrorIs(t, err, ErrAddressTaken)
	assert.ErrorIs(t, err, transport.ErrAddressInUse)
}

func TestRelayBetweenClients(t *testing.T) {
	url := startBroker(t)

	a, err := Dial(dialCtx(t), url, "alice", WithHeartbeat(100*time.Millisecond))
	require.NoError(t, err)
	defer a.Close()
	b, err := Dial(dialCtx(t), url, "bob", WithHeartbeat(100*time.Millisecond))
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Send(&protocol.Message{Type: protocol.MsgOffer, Dst: "bob", ConnectionID: "c1", Payload: []byte("sdp")}))

	select {
	case msg := <-b.Recv():
		assert.Equal(t, protocol.MsgOffer, msg.Type)
		assert.Equal(t, "alice", msg.Src)
		assert.Equal(t, "c1", msg.ConnectionID)
	case <-time.After(2 * time.Second):
		t.Fatal("offer was not relayed")
	}
}

func TestCloseEndsRecv(t *testing.T) {
	url := startBroker(t)

	c, err := Dial(dialCtx(t), url, "")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, ok := <-c.Recv()
	assert.False(t, ok)
	assert.NoError(t, c.Err())
	assert.NoError(t, c.Close())
}

func TestDialBadURL(t *testing.T) {
	_, err := Dial(dialCtx(t), "ws://127.0.0.1:1/signal", "")
	assert.Error(t, err)
}
