// Package session carries application payloads between paired devices:
// text messages and files, each payload one CBOR envelope sent over the
// managed connection.
package session

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

type EnvelopeType uint8

const (
	TypeText EnvelopeType = iota + 1
	TypeFileStart
	TypeFileChunk
	TypeFileEnd
	TypeFileAbort
)

func (t EnvelopeType) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeFileStart:
		return "file-start"
	case TypeFileChunk:
		return "file-chunk"
	case TypeFileEnd:
		return "file-end"
	case TypeFileAbort:
		return "file-abort"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is the unit sent over the connection. Which fields are set
// depends on Type.
type Envelope struct {
	Type   EnvelopeType `cbor:"1,keyasint"`
	Text   string       `cbor:"2,keyasint,omitempty"`
	FileID string       `cbor:"3,keyasint,omitempty"`
	Name   string       `cbor:"4,keyasint,omitempty"`
	Size   int64        `cbor:"5,keyasint,omitempty"`
	Offset int64        `cbor:"6,keyasint,omitempty"`
	Data   []byte       `cbor:"7,keyasint,omitempty"`
	Sum    []byte       `cbor:"8,keyasint,omitempty"`
	Reason string       `cbor:"9,keyasint,omitempty"`
}

func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeText:
		return nil
	case TypeFileStart:
		if e.FileID == "" || e.Name == "" || e.Size < 0 {
			return fmt.Errorf("%w: file-start needs id, name and size", ErrInvalidEnvelope)
		}
	case TypeFileChunk:
		if e.FileID == "" || e.Offset < 0 {
			return fmt.Errorf("%w: file-chunk needs id and offset", ErrInvalidEnvelope)
		}
	case TypeFileEnd:
		if e.FileID == "" || len(e.Sum) == 0 {
			return fmt.Errorf("%w: file-end needs id and checksum", ErrInvalidEnvelope)
		}
	case TypeFileAbort:
		if e.FileID == "" {
			return fmt.Errorf("%w: file-abort needs id", ErrInvalidEnvelope)
		}
	default:
		return fmt.Errorf("%w: type %s", ErrInvalidEnvelope, e.Type)
	}
	return nil
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

func Encode(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(e)
}

func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := decMode.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
