// Package signaling is the peer side of the broker protocol: it claims an
// address on the broker and relays negotiation messages for that address.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/cyrus/internal/logger"
	"github.com/rudransh-shrivastava/cyrus/internal/protocol"
	"github.com/rudransh-shrivastava/cyrus/internal/transport"
)

const (
	DefaultHeartbeat = 5 * time.Second
	handshakeTimeout = 10 * time.Second
	writeWait        = 5 * time.Second
	// missedHeartbeats is how many echoes may go missing before the broker
	// is considered gone.
	missedHeartbeats = 3
)

var (
	// ErrAddressTaken is returned when the broker refuses an explicit
	// address because another peer holds it.
	ErrAddressTaken = fmt.Errorf("broker refused address: %w", transport.ErrAddressInUse)
	ErrHandshake    = errors.New("unexpected broker handshake")
)

type Option func(*Client)

func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.log = logger.OrDiscard(l) }
}

// Client is one claimed address on a broker.
type Client struct {
	conn      *websocket.Conn
	address   string
	heartbeat time.Duration
	log       logrus.FieldLogger

	recv    chan *protocol.Message
	done    chan struct{}
	closing chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Dial connects to the broker at brokerURL and claims address, or lets the
// broker assign one when address is empty.
func Dial(ctx context.Context, brokerURL, address string, opts ...Option) (*Client, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	if address != "" {
		q := u.Query()
		q.Set("id", address)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial broker %s: %w", u.Host, err)
	}

	c := &Client{
		conn:      conn,
		heartbeat: DefaultHeartbeat,
		log:       logger.Discard(),
		recv:      make(chan *protocol.Message, 64),
		done:      make(chan struct{}),
		closing:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	assigned, err := c.handshake(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.address = assigned
	c.log = c.log.WithField("component", "signaling").WithField("address", assigned)
	conn.SetReadLimit(protocol.MaxMessageSize)

	go c.readLoop()
	go c.heartbeatLoop()

	c.log.Debug("address claimed")
	return c, nil
}

func (c *Client) handshake(ctx context.Context) (string, error) {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read handshake: %w", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return "", fmt.Errorf("decode handshake: %w", err)
	}

	switch msg.Type {
	case protocol.MsgOpen:
		if msg.Dst == "" {
			return "", fmt.Errorf("%w: empty address", ErrHandshake)
		}
		return msg.Dst, nil
	case protocol.MsgIDTaken:
		return "", fmt.Errorf("%w: %s", ErrAddressTaken, msg.Dst)
	case protocol.MsgError:
		return "", fmt.Errorf("broker error %s: %s", msg.Code, msg.Reason)
	default:
		return "", fmt.Errorf("%w: %s", ErrHandshake, msg.Type)
	}
}

func (c *Client) Address() string { return c.address }

// Recv yields messages relayed to this address. It is closed when the
// broker connection ends.
func (c *Client) Recv() <-chan *protocol.Message { return c.recv }

func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, nil after Close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) Send(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()

		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.recv)

	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(missedHeartbeats * c.heartbeat)); err != nil {
			c.fail(err)
			return
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.WithError(err).Warn("dropping malformed message")
			continue
		}
		if msg.Type == protocol.MsgHeartbeat {
			continue
		}
		if msg.Type == protocol.MsgError {
			c.log.WithField("code", msg.Code).Warn(msg.Reason)
			continue
		}

		select {
		case c.recv <- msg:
		case <-c.closing:
			return
		}
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Send(&protocol.Message{Type: protocol.MsgHeartbeat}); err != nil {
				c.log.WithError(err).Debug("heartbeat failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) fail(err error) {
	select {
	case <-c.closing:
		return
	default:
	}

	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
	c.log.WithError(err).Warn("broker connection lost")
}
