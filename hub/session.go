package hub

import (
	"time"

	"github.com/alwitt/hubmq/common"
)

// SessionState the lifecycle state of one client session
type SessionState int

// Session lifecycle states. A session moves strictly forward through these;
// StateClosed is terminal.
const (
	StateConnecting SessionState = iota
	StateOpen
	StateAuthenticating
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

// String implement Stringer
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Close status codes passed to SessionTransport.Close
const (
	CloseStatusNormal           = 1000
	CloseStatusCapacityExceeded = 4000
	CloseStatusHeartbeatTimeout = 4001
	CloseStatusSlowConsumer     = 4002
)

// SessionTransport is the send side of one client connection. Implementations
// must be safe for use from the hub event loop while the connection's own
// goroutines run concurrently.
type SessionTransport interface {
	// Open report whether the connection can still accept frames
	Open() bool
	// Send queue one outbound frame towards the peer
	Send(payload []byte) error
	// Probe send a liveness probe to the peer
	Probe() error
	// Close shut the connection with a status code and reason
	Close(statusCode int, reason string) error
}

// session per-connection bookkeeping. Owned by the hub; every field is
// mutated only on the hub event loop.
type session struct {
	id            string
	remoteAddr    string
	label         string
	state         SessionState
	authenticated bool
	connectedAt   time.Time
	lastLiveness  time.Time
	received      uint64
	transport     SessionTransport
	heartbeat     common.IntervalTimer
	// joinedRooms mirrors room membership for fast removal at teardown
	joinedRooms map[string]bool
}

// SessionInfo exported snapshot of one session's metadata
type SessionInfo struct {
	// ID is the session identity
	ID string `json:"id"`
	// RemoteAddr is the peer address
	RemoteAddr string `json:"remote_addr"`
	// Label is the client supplied label, e.g. a user-agent
	Label string `json:"label,omitempty"`
	// State is the session lifecycle state
	State string `json:"state"`
	// Authenticated indicates the session passed the credential check
	Authenticated bool `json:"authenticated"`
	// ConnectedAt is when the session was accepted
	ConnectedAt time.Time `json:"connected_at"`
	// LastLiveness is when the peer last showed signs of life
	LastLiveness time.Time `json:"last_liveness"`
	// ReceivedCount is the number of inbound frames seen on this session
	ReceivedCount uint64 `json:"received_count"`
}

// snapshot produce the exported view of the session
func (s *session) snapshot() SessionInfo {
	return SessionInfo{
		ID:            s.id,
		RemoteAddr:    s.remoteAddr,
		Label:         s.label,
		State:         s.state.String(),
		Authenticated: s.authenticated,
		ConnectedAt:   s.connectedAt,
		LastLiveness:  s.lastLiveness,
		ReceivedCount: s.received,
	}
}

// room one broadcast interest group. Owned by the hub; exists only while the
// member set is non-empty.
type room struct {
	id      string
	members map[string]bool
	// resource is set only on resource subscription rooms
	resource string
	// feedCancel stops the change feed keeping this room live, if any.
	// Invoked exactly once when the room is destroyed.
	feedCancel func()
}

// RoomInfo exported snapshot of one room
type RoomInfo struct {
	// ID is the room identifier
	ID string `json:"id"`
	// Resource is the storage resource this room fans out, if any
	Resource string `json:"resource,omitempty"`
	// MemberCount is the current number of member sessions
	MemberCount int `json:"member_count"`
	// Members is the list of member session IDs
	Members []string `json:"members"`
}

// StatusReport exported snapshot of the hub state
type StatusReport struct {
	// SessionCount is the number of live sessions
	SessionCount int `json:"session_count"`
	// MaxSessions is the configured connection ceiling
	MaxSessions int `json:"max_sessions"`
	// Sessions is the list of live session metadata
	Sessions []SessionInfo `json:"sessions"`
	// Rooms is the list of live rooms
	Rooms []RoomInfo `json:"rooms"`
}
