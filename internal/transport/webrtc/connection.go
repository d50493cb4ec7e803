package webrtc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/rudransh-shrivastava/cyrus/internal/protocol"
	"github.com/rudransh-shrivastava/cyrus/internal/transport"
)

const dataChannelLabel = "data"

type connection struct {
	id        *identity
	remote    string
	connID    string
	pc        *webrtc.PeerConnection
	initiator bool
	inbox     *transport.Inbox

	opened    chan struct{}
	openOnce  sync.Once
	closeOnce sync.Once

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	pending   []webrtc.ICECandidateInit
	remoteSet bool
}

func newConnection(id *identity, remote, connID string, pc *webrtc.PeerConnection, initiator bool) *connection {
	c := &connection{
		id:        id,
		remote:    remote,
		connID:    connID,
		pc:        pc,
		initiator: initiator,
		inbox:     transport.NewInbox(),
		opened:    make(chan struct{}),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if err := c.signal(protocol.MsgCandidate, cand.ToJSON()); err != nil {
			id.log.WithError(err).Debug("failed to send candidate")
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed:
			c.finish(fmt.Errorf("%w: ice failed", transport.ErrUnreachable))
		case webrtc.PeerConnectionStateClosed:
			c.finish(nil)
		}
	})

	if !initiator {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			c.setupDataChannel(dc)
		})
	}

	return c
}

func (c *connection) createDataChannel() error {
	ordered := true
	dc, err := c.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	c.setupDataChannel(dc)
	return nil
}

func (c *connection) setupDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		if c.inbox.Ended() {
			return
		}
		c.openOnce.Do(func() { close(c.opened) })
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.inbox.Push(msg.Data)
	})

	dc.OnClose(func() {
		c.finish(nil)
	})
}

func (c *connection) signal(typ protocol.MessageType, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.id.sig.Send(&protocol.Message{
		Type:         typ,
		Dst:          c.remote,
		ConnectionID: c.connID,
		Payload:      payload,
	})
}

// handleDescription applies a remote offer or answer. Responders answer
// right away.
func (c *connection) handleDescription(payload []byte) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("decode session description: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.remoteSet {
		return nil
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	c.remoteSet = true

	for _, cand := range c.pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.id.log.WithError(err).Debug("failed to add buffered candidate")
		}
	}
	c.pending = nil

	if c.initiator {
		return nil
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	if err := c.signal(protocol.MsgAnswer, answer); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}
	return nil
}

// addCandidate applies a trickled candidate, buffering it until the remote
// description is known.
func (c *connection) addCandidate(payload []byte) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &cand); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.remoteSet {
		c.pending = append(c.pending, cand)
		return nil
	}
	return c.pc.AddICECandidate(cand)
}

func (c *connection) isOpen() bool {
	select {
	case <-c.opened:
		return true
	default:
		return false
	}
}

// finish ends the connection from the transport side. Payloads already
// received are still delivered.
func (c *connection) finish(err error) {
	if !c.inbox.Finish(err) {
		return
	}
	// pion must not be closed from inside its own callbacks.
	go c.teardown(false)
}

func (c *connection) teardown(notify bool) {
	if notify {
		_ = c.id.sig.Send(&protocol.Message{
			Type:         protocol.MsgLeave,
			Dst:          c.remote,
			ConnectionID: c.connID,
		})
	}

	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc != nil {
		_ = dc.Close()
	}
	_ = c.pc.Close()
	c.id.forget(c.connID)
}

func (c *connection) RemoteAddress() string { return c.remote }

func (c *connection) Opened() <-chan struct{} { return c.opened }

func (c *connection) Recv() <-chan []byte { return c.inbox.C() }

func (c *connection) Err() error { return c.inbox.Err() }

func (c *connection) Send(payload []byte) error {
	if !c.isOpen() {
		return transport.ErrNotOpen
	}
	if c.inbox.Ended() {
		return transport.ErrClosed
	}

	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	return dc.Send(payload)
}

func (c *connection) Close() error {
	c.closeOnce.Do(func() {
		c.inbox.Abort()
		c.teardown(true)
	})
	return nil
}
