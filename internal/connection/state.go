package connection

import "fmt"

// State is the manager's view of the single logical connection.
type State uint8

const (
	// StateIdle means no local identity is bound.
	StateIdle State = iota

	// StateReady means the local identity is bound and no connection exists.
	StateReady

	// StateConnecting means a connection was dialed or offered but has not
	// opened yet.
	StateConnecting

	// StateConnected means the connection is open and Send delivers.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateReady:
		return "READY"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

type EventKind uint8

const (
	// EventOpen carries the local address once an identity is bound.
	EventOpen EventKind = iota + 1
	// EventConnected carries the remote address once the connection opens.
	EventConnected
	// EventData carries one received payload.
	EventData
	// EventClose is emitted exactly once for every connection that was
	// dialed or accepted, whether it opened or not.
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventConnected:
		return "connected"
	case EventData:
		return "data"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// CloseReason says why a connection ended.
type CloseReason uint8

const (
	ReasonRemote CloseReason = iota + 1
	ReasonLocal
	ReasonReplaced
	ReasonIdentityReplaced
	ReasonFailed
	ReasonTimeout
	ReasonShutdown
)

func (r CloseReason) String() string {
	switch r {
	case ReasonRemote:
		return "remote closed"
	case ReasonLocal:
		return "closed locally"
	case ReasonReplaced:
		return "replaced by a newer connection"
	case ReasonIdentityReplaced:
		return "local identity replaced"
	case ReasonFailed:
		return "transport failure"
	case ReasonTimeout:
		return "timed out"
	case ReasonShutdown:
		return "manager closed"
	default:
		return "unknown"
	}
}

// Event is what subscribers receive. Generation identifies the connection
// (for connected, data and close) or the identity (for open) the event
// belongs to; it increases monotonically.
type Event struct {
	Kind       EventKind
	Address    string
	Payload    []byte
	Reason     CloseReason
	Err        error
	Generation uint64
}

func (e Event) String() string {
	switch e.Kind {
	case EventData:
		return fmt.Sprintf("data(%d bytes, gen=%d)", len(e.Payload), e.Generation)
	case EventClose:
		return fmt.Sprintf("close(%s: %s, gen=%d)", e.Address, e.Reason, e.Generation)
	default:
		return fmt.Sprintf("%s(%s, gen=%d)", e.Kind, e.Address, e.Generation)
	}
}
