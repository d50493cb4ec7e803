// Package webrtc implements the transport over WebRTC data channels, with
// negotiation relayed through a signaling broker.
package webrtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/cyrus/internal/logger"
	"github.com/rudransh-shrivastava/cyrus/internal/protocol"
	"github.com/rudransh-shrivastava/cyrus/internal/transport"
)

const acceptBacklog = 16

// Signaler is a claimed address on a signaling broker. Recv is closed when
// the broker session is lost.
type Signaler interface {
	Address() string
	Send(msg *protocol.Message) error
	Recv() <-chan *protocol.Message
	Close() error
}

// SignalDialer claims address on a broker, or any address when empty.
type SignalDialer func(ctx context.Context, address string) (Signaler, error)

type Transport struct {
	dial SignalDialer
	log  logrus.FieldLogger
}

type Option func(*Transport)

func WithLogger(l logrus.FieldLogger) Option {
	return func(t *Transport) { t.log = logger.OrDiscard(l) }
}

func New(dial SignalDialer, opts ...Option) *Transport {
	t := &Transport{dial: dial, log: logger.Discard()}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.WithField("component", "webrtc")
	return t
}

func (t *Transport) Listen(ctx context.Context, address string, opts transport.BindOptions) (transport.Identity, error) {
	sig, err := t.dial(ctx, address)
	if err != nil {
		return nil, err
	}

	id := &identity{
		sig:     sig,
		api:     newAPI(opts),
		config:  configuration(opts),
		log:     t.log.WithField("address", sig.Address()),
		accept:  make(chan transport.Conn, acceptBacklog),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
		conns:   make(map[string]*connection),
	}
	go id.route()
	return id, nil
}

func configuration(opts transport.BindOptions) webrtc.Configuration {
	cfg := webrtc.Configuration{ICETransportPolicy: webrtc.ICETransportPolicyAll}
	if opts.LANOnly || len(opts.ICEServers) == 0 {
		return cfg
	}
	cfg.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	return cfg
}

func newAPI(opts transport.BindOptions) *webrtc.API {
	var se webrtc.SettingEngine
	if opts.LANOnly {
		se.SetIncludeLoopbackCandidate(true)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

type identity struct {
	sig    Signaler
	api    *webrtc.API
	config webrtc.Configuration
	log    logrus.FieldLogger

	accept  chan transport.Conn
	done    chan struct{}
	closing chan struct{}

	closeOnce sync.Once

	mu    sync.Mutex
	conns map[string]*connection
}

func (id *identity) Address() string { return id.sig.Address() }

func (id *identity) Accept() <-chan transport.Conn { return id.accept }

func (id *identity) Done() <-chan struct{} { return id.done }

func (id *identity) Dial(remote string) (transport.Conn, error) {
	select {
	case <-id.done:
		return nil, transport.ErrClosed
	default:
	}

	c, err := id.newConnection(remote, uuid.NewString(), true)
	if err != nil {
		return nil, err
	}

	if err := c.createDataChannel(); err != nil {
		_ = c.Close()
		return nil, err
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	if err := c.signal(protocol.MsgOffer, offer); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to send offer: %w", err)
	}

	return c, nil
}

func (id *identity) Close() error {
	id.closeOnce.Do(func() {
		close(id.closing)

		id.mu.Lock()
		conns := make([]*connection, 0, len(id.conns))
		for _, c := range id.conns {
			conns = append(conns, c)
		}
		id.mu.Unlock()

		for _, c := range conns {
			_ = c.Close()
		}
		_ = id.sig.Close()
	})
	<-id.done
	return nil
}

func (id *identity) newConnection(remote, connID string, initiator bool) (*connection, error) {
	pc, err := id.api.NewPeerConnection(id.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c := newConnection(id, remote, connID, pc, initiator)

	id.mu.Lock()
	id.conns[connID] = c
	id.mu.Unlock()
	return c, nil
}

func (id *identity) lookup(connID string) (*connection, bool) {
	id.mu.Lock()
	defer id.mu.Unlock()
	c, ok := id.conns[connID]
	return c, ok
}

func (id *identity) forget(connID string) {
	id.mu.Lock()
	delete(id.conns, connID)
	id.mu.Unlock()
}

// route dispatches broker messages to connections until the broker session
// ends. Connections still negotiating cannot finish without it and fail;
// open ones are unaffected.
func (id *identity) route() {
	defer close(id.done)

	for {
		select {
		case msg, ok := <-id.sig.Recv():
			if !ok {
				id.failPending()
				return
			}
			id.handle(msg)
		case <-id.closing:
			return
		}
	}
}

func (id *identity) handle(msg *protocol.Message) {
	log := id.log.WithField("type", msg.Type).WithField("remote", msg.Src)

	if msg.Type == protocol.MsgOffer {
		if _, exists := id.lookup(msg.ConnectionID); !exists {
			id.acceptOffer(msg)
			return
		}
	}

	c, ok := id.lookup(msg.ConnectionID)
	if !ok {
		log.Debug("message for unknown connection")
		return
	}

	switch msg.Type {
	case protocol.MsgOffer, protocol.MsgAnswer:
		if err := c.handleDescription(msg.Payload); err != nil {
			log.WithError(err).Warn("negotiation failed")
			c.finish(err)
		}
	case protocol.MsgCandidate:
		if err := c.addCandidate(msg.Payload); err != nil {
			log.WithError(err).Debug("bad candidate")
		}
	case protocol.MsgLeave:
		c.finish(nil)
	case protocol.MsgExpire:
		c.finish(fmt.Errorf("%w: %s", transport.ErrUnreachable, msg.Src))
	}
}

func (id *identity) acceptOffer(msg *protocol.Message) {
	c, err := id.newConnection(msg.Src, msg.ConnectionID, false)
	if err != nil {
		id.log.WithError(err).Warn("dropping offer")
		return
	}

	if err := c.handleDescription(msg.Payload); err != nil {
		id.log.WithError(err).WithField("remote", msg.Src).Warn("bad offer")
		_ = c.Close()
		return
	}

	select {
	case id.accept <- c:
	default:
		id.log.WithField("remote", msg.Src).Warn("accept backlog full, refusing")
		_ = c.Close()
	}
}

func (id *identity) failPending() {
	id.mu.Lock()
	var pending []*connection
	for _, c := range id.conns {
		if !c.isOpen() {
			pending = append(pending, c)
		}
	}
	id.mu.Unlock()

	for _, c := range pending {
		c.finish(fmt.Errorf("%w: broker connection lost", transport.ErrUnreachable))
	}
}
