package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/cyrus/internal/protocol"
	"github.com/rudransh-shrivastava/cyrus/internal/transport"
)

// hub relays signaling messages between in-process peers the way the
// broker does. Recv channels are never closed, so identities only end
// through Close.
type hub struct {
	mu    sync.Mutex
	peers map[string]*hubPeer
}

type hubPeer struct {
	hub     *hub
	address string
	recv    chan *protocol.Message
	done    chan struct{}
	once    sync.Once
}

func newHub() *hub { return &hub{peers: make(map[string]*hubPeer)} }

func (h *hub) dial(_ context.Context, address string) (Signaler, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if address == "" {
		address = uuid.NewString()
	}
	if _, ok := h.peers[address]; ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrAddressInUse, address)
	}
	p := &hubPeer{hub: h, address: address, recv: make(chan *protocol.Message, 256), done: make(chan struct{})}
	h.peers[address] = p
	return p, nil
}

func (p *hubPeer) Address() string                { return p.address }
func (p *hubPeer) Recv() <-chan *protocol.Message { return p.recv }

func (p *hubPeer) Send(msg *protocol.Message) error {
	relayed := *msg
	relayed.Src = p.address

	p.hub.mu.Lock()
	to, ok := p.hub.peers[msg.Dst]
	p.hub.mu.Unlock()

	if !ok {
		if msg.Type != protocol.MsgLeave {
			select {
			case p.recv <- &protocol.Message{Type: protocol.MsgExpire, Src: msg.Dst, ConnectionID: msg.ConnectionID}:
			case <-p.done:
			default:
			}
		}
		return nil
	}
	select {
	case to.recv <- &relayed:
	case <-to.done:
	}
	return nil
}

func (p *hubPeer) Close() error {
	p.once.Do(func() {
		p.hub.mu.Lock()
		delete(p.hub.peers, p.address)
		p.hub.mu.Unlock()
		close(p.done)
	})
	return nil
}

func TestListenPropagatesAddressInUse(t *testing.T) {
	tr := New(newHub().dial)

	id, err := tr.Listen(context.Background(), "host", transport.BindOptions{LANOnly: true})
	require.NoError(t, err)
	defer id.Close()

	_, err = tr.Listen(context.Background(), "host", transport.BindOptions{LANOnly: true})
	assert.True(t, errors.Is(err, transport.ErrAddressInUse))
}

func TestDialUnknownPeerFails(t *testing.T) {
	tr := New(newHub().dial)
	id, err := tr.Listen(context.Background(), "", transport.BindOptions{LANOnly: true})
	require.NoError(t, err)
	defer id.Close()

	c, err := id.Dial("nobody")
	require.NoError(t, err)

	select {
	case _, ok := <-c.Recv():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("dial to unknown peer never failed")
	}
	assert.ErrorIs(t, c.Err(), transport.ErrUnreachable)
}

func TestLoopbackDataChannel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ICE negotiation in short mode")
	}

	tr := New(newHub().dial)
	opts := transport.BindOptions{LANOnly: true}

	host, err := tr.Listen(context.Background(), "host", opts)
	require.NoError(t, err)
	defer host.Close()

	guest, err := tr.Listen(context.Background(), "", opts)
	require.NoError(t, err)
	defer guest.Close()

	out, err := guest.Dial("host")
	require.NoError(t, err)

	var in transport.Conn
	select {
	case in = <-host.Accept():
	case <-time.After(10 * time.Second):
		t.Fatal("no inbound connection")
	}
	assert.Equal(t, guest.Address(), in.RemoteAddress())

	for _, c := range []transport.Conn{out, in} {
		select {
		case <-c.Opened():
		case <-time.After(15 * time.Second):
			t.Fatal("data channel never opened")
		}
	}

	require.NoError(t, out.Send([]byte("ping")))
	select {
	case p := <-in.Recv():
		assert.Equal(t, "ping", string(p))
	case <-time.After(5 * time.Second):
		t.Fatal("payload never arrived")
	}

	require.NoError(t, out.Close())
	select {
	case <-in.Recv():
	case <-time.After(10 * time.Second):
		t.Fatal("remote never saw the close")
	}
}
