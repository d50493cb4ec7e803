package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the signaling envelope on the wire. They must never be
// reused for a different meaning.
const (
	fieldType         protowire.Number = 1
	fieldSrc          protowire.Number = 2
	fieldDst          protowire.Number = 3
	fieldConnectionID protowire.Number = 4
	fieldPayload      protowire.Number = 5
	fieldCode         protowire.Number = 6
	fieldReason       protowire.Number = 7
)

var (
	ErrMalformed = errors.New("malformed message")
	ErrTooLarge  = errors.New("message too large")
)

// Encode serializes msg in protobuf wire format. Zero-valued fields are
// omitted, as proto3 does.
func Encode(msg *Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	b := make([]byte, 0, 32+len(msg.Payload)+len(msg.Reason))
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Type))
	b = appendString(b, fieldSrc, msg.Src)
	b = appendString(b, fieldDst, msg.Dst)
	b = appendString(b, fieldConnectionID, msg.ConnectionID)
	if len(msg.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, msg.Payload)
	}
	if msg.Code != ErrUnknown {
		b = protowire.AppendTag(b, fieldCode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(msg.Code))
	}
	b = appendString(b, fieldReason, msg.Reason)

	if len(b) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(b))
	}
	return b, nil
}

// Decode parses one message. Unknown fields are skipped so older peers can
// talk to newer brokers.
func Decode(data []byte) (*Message, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	msg := &Message{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: type: %v", ErrMalformed, protowire.ParseError(n))
			}
			msg.Type = MessageType(v)
			data = data[n:]
		case num == fieldCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: code: %v", ErrMalformed, protowire.ParseError(n))
			}
			msg.Code = ErrorCode(v)
			data = data[n:]
		case typ == protowire.BytesType && num >= fieldSrc && num <= fieldReason:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			msg.set(num, v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (m *Message) set(num protowire.Number, v []byte) {
	switch num {
	case fieldSrc:
		m.Src = string(v)
	case fieldDst:
		m.Dst = string(v)
	case fieldConnectionID:
		m.ConnectionID = string(v)
	case fieldPayload:
		m.Payload = append([]byte(nil), v...)
	case fieldReason:
		m.Reason = string(v)
	}
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
