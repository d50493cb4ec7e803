package protocol

const (
	// MaxMessageSize bounds a single signaling frame. SDP offers with a
	// handful of candidates stay well below it.
	MaxMessageSize = 64 * 1024

	MaxAddressSize = 128
)

type MessageType uint16

const (
	MsgOpen      MessageType = 0x0001
	MsgIDTaken   MessageType = 0x0002
	MsgOffer     MessageType = 0x0010
	MsgAnswer    MessageType = 0x0011
	MsgCandidate MessageType = 0x0012
	MsgLeave     MessageType = 0x0020
	MsgExpire    MessageType = 0x0021
	MsgHeartbeat MessageType = 0x0030
	MsgError     MessageType = 0x00FF
)

func (t MessageType) String() string {
	switch t {
	case MsgOpen:
		return "OPEN"
	case MsgIDTaken:
		return "ID_TAKEN"
	case MsgOffer:
		return "OFFER"
	case MsgAnswer:
		return "ANSWER"
	case MsgCandidate:
		return "CANDIDATE"
	case MsgLeave:
		return "LEAVE"
	case MsgExpire:
		return "EXPIRE"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Relayed reports whether the broker forwards messages of this type to
// their destination peer.
func (t MessageType) Relayed() bool {
	switch t {
	case MsgOffer, MsgAnswer, MsgCandidate, MsgLeave:
		return true
	default:
		return false
	}
}

type ErrorCode uint16

const (
	ErrUnknown      ErrorCode = 0x0000
	ErrInvalidMsg   ErrorCode = 0x0001
	ErrInvalidID    ErrorCode = 0x0002
	ErrPeerNotFound ErrorCode = 0x0004
	ErrInternal     ErrorCode = 0x00FF
)

func (e ErrorCode) String() string {
	switch e {
	case ErrInvalidMsg:
		return "INVALID_MESSAGE"
	case ErrInvalidID:
		return "INVALID_ID"
	case ErrPeerNotFound:
		return "PEER_NOT_FOUND"
	case ErrInternal:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}
