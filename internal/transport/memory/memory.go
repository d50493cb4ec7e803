// Package memory is an in-process transport. Identities bound on the same
// Network can reach each other; nothing leaves the process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rudransh-shrivastava/cyrus/internal/transport"
)

const acceptBacklog = 16

type Network struct {
	mu         sync.Mutex
	identities map[string]*identity
	blackholes map[string]bool
	openDelay  time.Duration
}

type Option func(*Network)

// WithOpenDelay delays every connection by d before it opens, roughly what
// ICE negotiation costs on a real network.
func WithOpenDelay(d time.Duration) Option {
	return func(n *Network) { n.openDelay = d }
}

func NewNetwork(opts ...Option) *Network {
	n := &Network{
		identities: make(map[string]*identity),
		blackholes: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Network) Listen(ctx context.Context, address string, _ transport.BindOptions) (transport.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if address == "" {
		address = uuid.NewString()
	}
	if _, taken := n.identities[address]; taken {
		return nil, fmt.Errorf("%w: %s", transport.ErrAddressInUse, address)
	}

	id := &identity{
		net:     n,
		address: address,
		accept:  make(chan transport.Conn, acceptBacklog),
		done:    make(chan struct{}),
		conns:   make(map[*conn]struct{}),
	}
	n.identities[address] = id
	return id, nil
}

// Drop simulates losing the identity bound to address, the way a broker
// session can die. Established connections stay up.
func (n *Network) Drop(address string) bool {
	n.mu.Lock()
	id, ok := n.identities[address]
	if ok {
		delete(n.identities, address)
	}
	n.mu.Unlock()

	if ok {
		id.lose()
	}
	return ok
}

// Blackhole makes dials to address hang forever, neither opening nor
// failing.
func (n *Network) Blackhole(address string) {
	n.mu.Lock()
	n.blackholes[address] = true
	n.mu.Unlock()
}

// Addresses returns the bound addresses in sorted order.
func (n *Network) Addresses() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]string, 0, len(n.identities))
	for addr := range n.identities {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func (n *Network) lookup(address string) (*identity, bool, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id, ok := n.identities[address]
	return id, ok, n.blackholes[address]
}

func (n *Network) unregister(id *identity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.identities[id.address] == id {
		delete(n.identities, id.address)
	}
}

func (n *Network) connect(local *conn, remote string) {
	if n.openDelay > 0 {
		select {
		case <-time.After(n.openDelay):
		case <-local.inbox.Done():
			return
		}
	}

	peer, ok, blackholed := n.lookup(remote)
	if blackholed {
		return
	}
	if !ok {
		local.finish(fmt.Errorf("%w: %s", transport.ErrUnreachable, remote))
		return
	}

	inbound := newConn(peer, local.owner.address)
	if !link(local, inbound) {
		_ = inbound.Close()
		return
	}
	peer.track(inbound)

	select {
	case peer.accept <- inbound:
	case <-peer.done:
		local.finish(fmt.Errorf("%w: %s", transport.ErrUnreachable, remote))
		_ = inbound.Close()
		return
	case <-local.inbox.Done():
		_ = inbound.Close()
		return
	}

	inbound.open()
	local.open()
}

type identity struct {
	net     *Network
	address string
	accept  chan transport.Conn
	done    chan struct{}

	mu       sync.Mutex
	conns    map[*conn]struct{}
	loseOnce sync.Once
}

func (i *identity) Address() string { return i.address }

func (i *identity) Accept() <-chan transport.Conn { return i.accept }

func (i *identity) Done() <-chan struct{} { return i.done }

func (i *identity) Dial(remote string) (transport.Conn, error) {
	select {
	case <-i.done:
		return nil, transport.ErrClosed
	default:
	}

	c := newConn(i, remote)
	i.track(c)
	go i.net.connect(c, remote)
	return c, nil
}

func (i *identity) Close() error {
	i.net.unregister(i)
	i.lose()

	i.mu.Lock()
	conns := make([]*conn, 0, len(i.conns))
	for c := range i.conns {
		conns = append(conns, c)
	}
	i.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

func (i *identity) lose() {
	i.loseOnce.Do(func() { close(i.done) })
}

func (i *identity) track(c *conn) {
	i.mu.Lock()
	i.conns[c] = struct{}{}
	i.mu.Unlock()
}

func (i *identity) untrack(c *conn) {
	i.mu.Lock()
	delete(i.conns, c)
	i.mu.Unlock()
}

type conn struct {
	owner  *identity
	remote string
	inbox  *transport.Inbox

	opened    chan struct{}
	openOnce  sync.Once
	closeOnce sync.Once

	mu   sync.Mutex
	peer *conn
}

func newConn(owner *identity, remote string) *conn {
	return &conn{
		owner:  owner,
		remote: remote,
		inbox:  transport.NewInbox(),
		opened: make(chan struct{}),
	}
}

// link pairs two connections unless a has already ended.
func link(a, b *conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inbox.Ended() {
		return false
	}
	a.peer = b

	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
	return true
}

func (c *conn) RemoteAddress() string { return c.remote }

func (c *conn) Opened() <-chan struct{} { return c.opened }

func (c *conn) Recv() <-chan []byte { return c.inbox.C() }

func (c *conn) Err() error { return c.inbox.Err() }

func (c *conn) Send(payload []byte) error {
	select {
	case <-c.opened:
	default:
		return transport.ErrNotOpen
	}

	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if c.inbox.Ended() || peer == nil {
		return transport.ErrClosed
	}

	if !peer.inbox.Push(append([]byte(nil), payload...)) {
		return transport.ErrClosed
	}
	return nil
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.inbox.Abort()
		peer := c.peer
		c.mu.Unlock()

		if peer != nil {
			peer.finish(nil)
		}
		c.owner.untrack(c)
	})
	return nil
}

func (c *conn) open() {
	if c.inbox.Ended() {
		return
	}
	c.openOnce.Do(func() { close(c.opened) })
}

func (c *conn) finish(err error) {
	c.inbox.Finish(err)
}
