package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestCodecOffer(t *testing.T) {
	sdp := []byte(`{"type":"offer","sdp":"v=0\r\n..."}`)
	msg := &Message{
		Type:         MsgOffer,
		Src:          "peer-a",
		Dst:          "d24cdad5759224aa803a11e67d4ac48a",
		ConnectionID: "c-1",
		Payload:      sdp,
	}

	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.Type != MsgOffer {
		t.Errorf("Expected OFFER, got %s", decoded.Type)
	}
	if decoded.Src != "peer-a" || decoded.Dst != msg.Dst || decoded.ConnectionID != "c-1" {
		t.Errorf("Addressing mismatch: %s", decoded)
	}
	if !bytes.Equal(decoded.Payload, sdp) {
		t.Errorf("Payload mismatch")
	}
}

func TestCodecError(t *testing.T) {
	data, err := Encode(NewError(ErrPeerNotFound, "no such peer"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.Code != ErrPeerNotFound || decoded.Reason != "no such peer" {
		t.Errorf("Unexpected error message %s", decoded)
	}
	if !strings.Contains(decoded.String(), "PEER_NOT_FOUND") {
		t.Errorf("String() = %q", decoded.String())
	}
}

func TestCodecHeartbeatIsTiny(t *testing.T) {
	data, err := Encode(&Message{Type: MsgHeartbeat})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if len(data) != 2 {
		t.Errorf("Expected 2 byte heartbeat, got %d", len(data))
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	data, err := Encode(&Message{Type: MsgOpen, Dst: "abc"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "from the future")
	data = protowire.AppendTag(data, 100, protowire.Fixed32Type)
	data = protowire.AppendFixed32(data, 7)

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Type != MsgOpen || decoded.Dst != "abc" {
		t.Errorf("Unexpected message %s", decoded)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"truncated tag", []byte{0x80}},
		{"truncated bytes", []byte{0x08, 0x01, 0x12, 0x05, 'a'}},
		{"missing type", protowire.AppendString(protowire.AppendTag(nil, fieldSrc, protowire.BytesType), "x")},
		{"unknown type", []byte{0x08, 0x7f}},
		{"relay without dst", []byte{0x08, byte(MsgCandidate)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); !errors.Is(err, ErrMalformed) {
				t.Errorf("Expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestEncodeRejectsOversized(t *testing.T) {
	msg := &Message{
		Type:         MsgOffer,
		Dst:          "b",
		ConnectionID: "c",
		Payload:      make([]byte, MaxMessageSize),
	}

	if _, err := Encode(msg); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Expected ErrTooLarge, got %v", err)
	}
	if _, err := Decode(make([]byte, MaxMessageSize+1)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Expected ErrTooLarge on decode, got %v", err)
	}
}

func TestMessageTypeRelayed(t *testing.T) {
	relayed := map[MessageType]bool{
		MsgOffer: true, MsgAnswer: true, MsgCandidate: true, MsgLeave: true,
		MsgOpen: false, MsgIDTaken: false, MsgExpire: false, MsgHeartbeat: false, MsgError: false,
	}
	for typ, want := range relayed {
		if typ.Relayed() != want {
			t.Errorf("%s.Relayed() = %v, want %v", typ, typ.Relayed(), want)
		}
	}
}
