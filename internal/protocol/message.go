package protocol

import "fmt"

// Message is the single envelope exchanged between peers and the broker.
// Which fields are meaningful depends on Type:
//
//	OPEN       Dst is the address the broker assigned
//	ID_TAKEN   Dst is the address that was refused
//	OFFER      Payload is the SDP offer, ConnectionID names the attempt
//	ANSWER     Payload is the SDP answer
//	CANDIDATE  Payload is one trickled ICE candidate
//	LEAVE      the sender dropped ConnectionID
//	EXPIRE     Src is the peer that could not be reached
//	ERROR      Code and Reason
type Message struct {
	Type         MessageType
	Src          string
	Dst          string
	ConnectionID string
	Payload      []byte
	Code         ErrorCode
	Reason       string
}

func (m *Message) String() string {
	if m.Type == MsgError {
		return fmt.Sprintf("%s(%s: %s)", m.Type, m.Code, m.Reason)
	}
	return fmt.Sprintf("%s(%s -> %s, conn=%s, %d bytes)", m.Type, m.Src, m.Dst, m.ConnectionID, len(m.Payload))
}

// Validate checks the fields the broker and peers rely on.
func (m *Message) Validate() error {
	if m.Type.String() == "UNKNOWN" {
		return fmt.Errorf("%w: type 0x%04x", ErrMalformed, uint16(m.Type))
	}
	if len(m.Src) > MaxAddressSize || len(m.Dst) > MaxAddressSize {
		return fmt.Errorf("%w: address too long", ErrMalformed)
	}
	if m.Type.Relayed() && (m.Dst == "" || m.ConnectionID == "") {
		return fmt.Errorf("%w: %s needs dst and connection id", ErrMalformed, m.Type)
	}
	return nil
}

func NewError(code ErrorCode, reason string) *Message {
	return &Message{Type: MsgError, Code: code, Reason: reason}
}
