// Package session tracks VPN sessions per profile.
//
// A Record exists for every profile that is starting, connected or
// stopping. The Registry is the single source of truth for whether a
// profile is running; all mutable record fields are guarded by the
// registry mutex.
package session

import (
	"time"
)

// Status is the connection state of a session.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
	StatusAuthError    Status = "auth_error"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusDisconnected || s == StatusAuthError
}

// CanTransition reports whether a session in state s may move to next.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusConnecting:
		return false
	case StatusConnected, StatusReconnecting, StatusDisconnected, StatusAuthError:
		return true
	default:
		return false
	}
}

// Handle is the process handle the supervisor attaches to a record.
type Handle interface {
	Pid() int
	Terminate() error
}

// Record is one session attempt for a profile.
type Record struct {
	profileID string
	sessionID string
	createdAt time.Time

	// Guarded by Registry.mu.
	status        Status
	connectedAt   time.Time
	serverAddr    string
	clientAddr    string
	handle        Handle
	stopRequested bool
	removed       bool
}

// ProfileID returns the profile identifier the record belongs to.
func (r *Record) ProfileID() string { return r.profileID }

// SessionID returns the unique id of this session attempt.
func (r *Record) SessionID() string { return r.sessionID }

// CreatedAt returns when the record was reserved.
func (r *Record) CreatedAt() time.Time { return r.createdAt }

// View is the public representation of a session returned to callers.
type View struct {
	ID         string `json:"id"`
	Status     Status `json:"status"`
	Timestamp  int64  `json:"timestamp"`
	ServerAddr string `json:"server_addr"`
	ClientAddr string `json:"client_addr"`
}

func (r *Record) view() View {
	v := View{
		ID:         r.profileID,
		Status:     r.status,
		ServerAddr: r.serverAddr,
		ClientAddr: r.clientAddr,
	}
	if !r.connectedAt.IsZero() {
		v.Timestamp = r.connectedAt.Unix()
	}
	return v
}
