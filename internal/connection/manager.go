// Package connection owns the local transport identity and the single
// logical connection a process holds at a time.
//
// State transitions are serialized under one mutex. Events are queued in
// the order the transitions happen and delivered to subscribers from a
// dedicated goroutine, so a handler may call ConnectTo, Send or
// ReplaceIdentity without deadlocking. Every connection is tagged with a
// generation; anything a superseded connection reports after it was
// replaced is dropped before it reaches the queue.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/cyrus/internal/logger"
	"github.com/rudransh-shrivastava/cyrus/internal/transport"
)

// defaultRestoreTimeout bounds the first attempt to get a transport-assigned
// identity back after a failed replacement.
const defaultRestoreTimeout = 10 * time.Second

var (
	ErrNotReady  = errors.New("local identity not ready")
	ErrClosed    = errors.New("connection manager closed")
	ErrNoAddress = errors.New("remote address is empty")
)

type Option func(*Manager)

func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = logger.OrDiscard(l) }
}

// WithBindOptions sets the options used by Start and by re-binding after
// the identity is lost.
func WithBindOptions(opts transport.BindOptions) Option {
	return func(m *Manager) { m.bindOpts = opts }
}

// WithConnectTimeout fails connections that have not opened within d.
// Zero disables the timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) { m.connectTimeout = d }
}

func WithBackoff(cfg BackoffConfig) Option {
	return func(m *Manager) { m.backoff = cfg }
}

// active is the managed connection. conn is nil while Dial is in flight.
type active struct {
	gen       uint64
	remote    string
	conn      transport.Conn
	connected bool
}

type Manager struct {
	tr             transport.Transport
	log            logrus.FieldLogger
	bindOpts       transport.BindOptions
	connectTimeout time.Duration
	backoff        BackoffConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	subs   subscribers
	events *eventQueue

	// bindMu serializes identity replacement end to end, including the
	// blocking Listen call.
	bindMu sync.Mutex

	mu          sync.Mutex
	closed      bool
	identity    transport.Identity
	idGen       uint64
	bindAddress string
	bindCurrent transport.BindOptions
	ready       chan struct{}
	active      *active
	connGen     uint64
}

func NewManager(tr transport.Transport, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		tr:      tr,
		log:     logger.Discard(),
		backoff: BackoffConfig{Jitter: backoffJitter},
		ctx:     ctx,
		cancel:  cancel,
		events:  newEventQueue(),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.WithField("component", "connection")

	go m.events.run(m.subs.publish)
	return m
}

// Subscribe registers fn for every event. The returned func unsubscribes.
func (m *Manager) Subscribe(fn Handler) func() {
	return m.subs.add(0, fn)
}

// On registers fn for one kind of event.
func (m *Manager) On(kind EventKind, fn Handler) func() {
	return m.subs.add(kind, fn)
}

// Start binds a transport-assigned identity.
func (m *Manager) Start(ctx context.Context) error {
	m.bindMu.Lock()
	defer m.bindMu.Unlock()

	m.mu.Lock()
	bound := m.identity != nil
	m.mu.Unlock()
	if bound {
		return nil
	}

	return m.bind(ctx, "", m.bindOpts)
}

// ReplaceIdentity tears down the current identity and any connection, then
// binds a new identity at address. It returns once the new identity is
// live or binding failed. On failure the manager falls back to a
// transport-assigned identity so the other pairing methods keep working,
// and the bind error is still returned.
func (m *Manager) ReplaceIdentity(ctx context.Context, address string, opts transport.BindOptions) error {
	m.bindMu.Lock()
	defer m.bindMu.Unlock()

	return m.replaceLocked(ctx, address, opts)
}

// RestoreDefaultIdentity swaps an explicitly bound identity, such as a
// PIN-derived one, for a transport-assigned one. This includes an explicit
// identity that was lost and is still being re-bound. A transport-assigned
// identity is left as it is.
func (m *Manager) RestoreDefaultIdentity(ctx context.Context) error {
	m.bindMu.Lock()
	defer m.bindMu.Unlock()

	m.mu.Lock()
	explicit := !m.closed && m.bindAddress != ""
	m.mu.Unlock()
	if !explicit {
		return nil
	}
	return m.replaceLocked(ctx, "", m.bindOpts)
}

// replaceLocked is ReplaceIdentity with bindMu held.
func (m *Manager) replaceLocked(ctx context.Context, address string, opts transport.BindOptions) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	oldConn := m.dropLocked(ReasonIdentityReplaced, nil)
	oldID := m.unbindLocked()
	// A re-bind still pending for a lost identity must not reclaim its
	// address after this.
	m.idGen++
	m.mu.Unlock()

	closeQuietly(m.log, oldConn)
	if oldID != nil {
		if err := oldID.Close(); err != nil {
			m.log.WithError(err).Warn("failed to close previous identity")
		}
	}

	err := m.bind(ctx, address, opts)
	if err == nil || errors.Is(err, ErrClosed) || m.ctx.Err() != nil {
		return err
	}
	m.log.WithError(err).WithField("address", address).Warn("replacement failed, restoring default identity")
	m.restoreDefault()
	return err
}

// restoreDefault binds a transport-assigned identity after a failed
// replacement, retrying with backoff in the background if the transport
// refuses right away. Called with bindMu held.
func (m *Manager) restoreDefault() {
	ctx, cancel := context.WithTimeout(m.ctx, m.restoreTimeout())
	defer cancel()

	err := m.bind(ctx, "", m.bindOpts)
	if err == nil || errors.Is(err, ErrClosed) || m.ctx.Err() != nil {
		return
	}
	m.log.WithError(err).Warn("failed to restore default identity")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.identity != nil {
		return
	}
	m.wg.Add(1)
	go m.rebind(m.idGen, "", m.bindOpts)
}

func (m *Manager) restoreTimeout() time.Duration {
	if m.connectTimeout > 0 {
		return m.connectTimeout
	}
	return defaultRestoreTimeout
}

// ConnectTo starts connecting to address, replacing any existing
// connection. The outcome is reported through EventConnected or
// EventClose.
func (m *Manager) ConnectTo(address string) error {
	if address == "" {
		return ErrNoAddress
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.identity == nil {
		m.mu.Unlock()
		return ErrNotReady
	}
	oldConn := m.dropLocked(ReasonReplaced, nil)
	a := m.nextLocked(address, nil)
	id := m.identity
	m.mu.Unlock()

	closeQuietly(m.log, oldConn)
	m.log.WithField("remote", address).Debug("dialing")

	c, err := id.Dial(address)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(a.gen) {
		if c != nil {
			go closeQuietly(m.log, c)
		}
		return nil
	}
	if err != nil {
		m.dropLocked(ReasonFailed, err)
		return nil
	}
	a.conn = c
	m.watchLocked(a.gen, c)
	return nil
}

// AcceptInbound makes c the managed connection, replacing any existing one.
func (m *Manager) AcceptInbound(c transport.Conn) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		closeQuietly(m.log, c)
		return
	}
	m.acceptLocked(c)
}

// acceptFrom is AcceptInbound for a connection offered by identity
// generation gen. It refuses the connection once that identity has been
// replaced.
func (m *Manager) acceptFrom(gen uint64, c transport.Conn) bool {
	m.mu.Lock()
	if m.closed || m.identity == nil || m.idGen != gen {
		m.mu.Unlock()
		closeQuietly(m.log, c)
		return false
	}
	m.acceptLocked(c)
	return true
}

// acceptLocked installs c and releases m.mu.
func (m *Manager) acceptLocked(c transport.Conn) {
	oldConn := m.dropLocked(ReasonReplaced, nil)
	a := m.nextLocked(c.RemoteAddress(), c)
	m.watchLocked(a.gen, c)
	m.mu.Unlock()

	closeQuietly(m.log, oldConn)
	m.log.WithField("remote", c.RemoteAddress()).Debug("accepted inbound connection")
}

// Send writes payload to the connection if it is CONNECTED and reports
// whether it did. In any other state nothing is sent.
func (m *Manager) Send(payload []byte) bool {
	m.mu.Lock()
	a := m.active
	if a == nil || !a.connected {
		m.mu.Unlock()
		return false
	}
	c := a.conn
	m.mu.Unlock()

	if err := c.Send(payload); err != nil {
		m.log.WithError(err).Warn("send failed")
		return false
	}
	return true
}

// Disconnect closes the current connection, if any.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	c := m.dropLocked(ReasonLocal, nil)
	m.mu.Unlock()

	closeQuietly(m.log, c)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.active != nil && m.active.connected:
		return StateConnected
	case m.active != nil:
		return StateConnecting
	case m.identity != nil:
		return StateReady
	default:
		return StateIdle
	}
}

// LocalAddress returns the bound address or "" when no identity is live.
func (m *Manager) LocalAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return ""
	}
	return m.identity.Address()
}

// RemoteAddress returns the peer of the current connection, if any.
func (m *Manager) RemoteAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.remote
}

// WaitReady blocks until an identity is bound and returns its address.
func (m *Manager) WaitReady(ctx context.Context) (string, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return "", ErrClosed
		}
		if m.identity != nil {
			addr := m.identity.Address()
			m.mu.Unlock()
			return addr, nil
		}
		ready := m.ready
		m.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return "", ctx.Err()
		case <-m.ctx.Done():
			return "", ErrClosed
		}
	}
}

// Close drops the connection and identity and waits for pending events to
// be delivered. The manager cannot be reused. Calling Close from a Handler
// deadlocks.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	c := m.dropLocked(ReasonShutdown, nil)
	id := m.unbindLocked()
	m.mu.Unlock()

	m.cancel()
	closeQuietly(m.log, c)

	var err error
	if id != nil {
		err = id.Close()
	}

	m.wg.Wait()
	m.events.close()
	<-m.events.done
	return err
}

func (m *Manager) bind(ctx context.Context, address string, opts transport.BindOptions) error {
	id, err := m.tr.Listen(ctx, address, opts)
	if err != nil {
		return fmt.Errorf("bind identity: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = id.Close()
		return ErrClosed
	}
	m.idGen++
	gen := m.idGen
	m.identity = id
	m.bindAddress = address
	m.bindCurrent = opts
	close(m.ready)
	m.events.push(Event{Kind: EventOpen, Address: id.Address(), Generation: gen})
	m.wg.Add(1)
	go m.serve(gen, id)
	m.mu.Unlock()

	m.log.WithField("address", id.Address()).Info("identity ready")
	return nil
}

// unbindLocked forgets the identity and returns it for closing.
func (m *Manager) unbindLocked() transport.Identity {
	id := m.identity
	if id == nil {
		return nil
	}
	m.identity = nil
	m.idGen++
	m.ready = make(chan struct{})
	return id
}

// serve accepts inbound connections for one identity generation.
func (m *Manager) serve(gen uint64, id transport.Identity) {
	defer m.wg.Done()

	for {
		select {
		case c := <-id.Accept():
			if !m.acceptFrom(gen, c) {
				return
			}
		case <-id.Done():
			m.identityLost(gen, id)
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// identityLost re-binds the same address with backoff. An established
// connection is left alone; it does not depend on the identity.
func (m *Manager) identityLost(gen uint64, id transport.Identity) {
	m.mu.Lock()
	if m.closed || m.identity != id || m.idGen != gen {
		m.mu.Unlock()
		return
	}
	m.identity = nil
	m.ready = make(chan struct{})
	address, opts := m.bindAddress, m.bindCurrent
	m.mu.Unlock()

	m.log.WithField("address", id.Address()).Warn("identity lost, re-binding")
	_ = id.Close()

	m.wg.Add(1)
	go m.rebind(gen, address, opts)
}

func (m *Manager) rebind(lostGen uint64, address string, opts transport.BindOptions) {
	defer m.wg.Done()

	b := NewBackoff(m.backoff)
	for {
		select {
		case <-time.After(b.Next()):
		case <-m.ctx.Done():
			return
		}

		m.bindMu.Lock()
		m.mu.Lock()
		superseded := m.closed || m.identity != nil || m.idGen != lostGen
		m.mu.Unlock()
		if superseded {
			m.bindMu.Unlock()
			return
		}

		err := m.bind(m.ctx, address, opts)
		m.bindMu.Unlock()
		if err == nil {
			m.log.WithField("attempts", b.Attempts()).Debug("re-bound identity")
			return
		}
		if errors.Is(err, ErrClosed) || m.ctx.Err() != nil {
			return
		}
		m.log.WithError(err).WithField("attempt", b.Attempts()).Warn("re-bind failed")
	}
}

// nextLocked installs a new managed connection with a fresh generation.
func (m *Manager) nextLocked(remote string, c transport.Conn) *active {
	m.connGen++
	a := &active{gen: m.connGen, remote: remote, conn: c}
	m.active = a
	return a
}

func (m *Manager) currentLocked(gen uint64) bool {
	return m.active != nil && m.active.gen == gen
}

// dropLocked ends the managed connection, emits its single close event and
// returns the transport handle for the caller to close outside the lock.
func (m *Manager) dropLocked(reason CloseReason, err error) transport.Conn {
	a := m.active
	if a == nil {
		return nil
	}
	m.active = nil
	m.events.push(Event{
		Kind:       EventClose,
		Address:    a.remote,
		Reason:     reason,
		Err:        err,
		Generation: a.gen,
	})

	entry := m.log.WithField("remote", a.remote).WithField("reason", reason)
	if err != nil {
		entry = entry.WithError(err)
	}
	if reason == ReasonFailed || reason == ReasonTimeout {
		entry.Warn("connection failed")
	} else {
		entry.Info("connection closed")
	}
	return a.conn
}

func (m *Manager) watchLocked(gen uint64, c transport.Conn) {
	m.wg.Add(1)
	go m.watch(gen, c)
}

// watch turns one connection's transport signals into events until the
// connection ends or is superseded.
func (m *Manager) watch(gen uint64, c transport.Conn) {
	defer m.wg.Done()

	var timeout <-chan time.Time
	if m.connectTimeout > 0 {
		t := time.NewTimer(m.connectTimeout)
		defer t.Stop()
		timeout = t.C
	}

	opened := c.Opened()
	recv := c.Recv()

	for {
		select {
		case <-opened:
			opened, timeout = nil, nil
			if !m.markConnected(gen) {
				closeQuietly(m.log, c)
				return
			}

		case p, ok := <-recv:
			// Recv and Opened can be ready together; open must win.
			if opened != nil {
				select {
				case <-opened:
					opened, timeout = nil, nil
					if !m.markConnected(gen) {
						closeQuietly(m.log, c)
						return
					}
				default:
				}
			}
			if !ok {
				m.ended(gen, c, opened == nil)
				return
			}
			if !m.deliver(gen, p) {
				closeQuietly(m.log, c)
				return
			}

		case <-timeout:
			m.mu.Lock()
			if m.currentLocked(gen) {
				m.dropLocked(ReasonTimeout, transport.ErrTimeout)
			}
			m.mu.Unlock()
			closeQuietly(m.log, c)
			return
		}
	}
}

func (m *Manager) markConnected(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(gen) {
		return false
	}
	a := m.active
	a.connected = true
	m.events.push(Event{Kind: EventConnected, Address: a.remote, Generation: gen})
	m.log.WithField("remote", a.remote).Info("connected")
	return true
}

func (m *Manager) deliver(gen uint64, p []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(gen) {
		return false
	}
	m.events.push(Event{Kind: EventData, Address: m.active.remote, Payload: p, Generation: gen})
	return true
}

func (m *Manager) ended(gen uint64, c transport.Conn, wasOpen bool) {
	m.mu.Lock()
	if m.currentLocked(gen) {
		err := c.Err()
		reason := ReasonRemote
		switch {
		case errors.Is(err, transport.ErrTimeout):
			reason = ReasonTimeout
		case err != nil || !wasOpen:
			reason = ReasonFailed
		}
		m.dropLocked(reason, err)
	}
	m.mu.Unlock()

	closeQuietly(m.log, c)
}

func closeQuietly(log logrus.FieldLogger, c transport.Conn) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		log.WithError(err).Debug("close connection")
	}
}
