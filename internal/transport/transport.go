// Package transport defines the peer-to-peer transport the connection
// manager drives. Implementations live in subpackages.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrAddressInUse is returned by Listen when an explicit address is
	// already bound by another identity.
	ErrAddressInUse = errors.New("address already in use")
	ErrClosed       = errors.New("transport closed")
	ErrNotOpen      = errors.New("connection not open")
	ErrUnreachable  = errors.New("peer unreachable")
	ErrTimeout      = errors.New("connection timed out")
)

// BindOptions tune how an identity is reachable.
type BindOptions struct {
	// ICEServers are STUN/TURN URLs. Empty means host candidates only.
	ICEServers []string
	// LANOnly restricts connectivity to the local network.
	LANOnly bool
}

type Transport interface {
	// Listen binds a local identity. An empty address asks the transport to
	// pick one. It blocks until the address is assigned or ctx is done.
	Listen(ctx context.Context, address string, opts BindOptions) (Identity, error)
}

// Identity is a bound local address.
type Identity interface {
	Address() string
	// Dial starts connecting to remote. The returned Conn reports progress
	// through Opened and Recv; failures surface as Recv being closed before
	// Opened fires.
	Dial(remote string) (Conn, error)
	// Accept yields inbound connections. They may not be open yet.
	Accept() <-chan Conn
	// Done is closed when the identity is lost or closed.
	Done() <-chan struct{}
	Close() error
}

type Conn interface {
	RemoteAddress() string
	// Opened is closed once the connection can carry data.
	Opened() <-chan struct{}
	// Recv delivers payloads in order and is closed when the connection
	// ends for any reason.
	Recv() <-chan []byte
	Send(payload []byte) error
	// Err reports why the connection ended once Recv is closed. It is nil
	// for an orderly close by either side.
	Err() error
	Close() error
}
