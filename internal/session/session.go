// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package session holds the authoritative table of connected clients
// and their liveness state machine.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/muster/internal/wire"
)

// State is a session's position in the liveness state machine.
type State int

const (
	StateConnected State = iota // transport accepted, not yet registered
	StateRegistered
	StateActive
	StateIdle
	StateDisconnected // terminal
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// TransportContext is the adapter-owned handle for one session's
// underlying connection or peer. The registry stores it opaquely and
// never interprets it; only the owning adapter type-asserts it back.
type TransportContext interface {
	// Transport names the adapter variant that owns this context.
	Transport() wire.Transport

	// Peer describes the remote endpoint for logging and probing.
	Peer() string
}

// Session is the server-side record of one remote endpoint. Mutable
// fields are guarded by mu; the identifier and first-seen timestamp are
// immutable after registration.
type Session struct {
	ID uuid.UUID

	mu       sync.RWMutex
	state    State
	listener string // owning listener name
	tctx     TransportContext

	hostname string
	address  string
	osInfo   string

	cipher byte

	heartbeatInterval time.Duration
	heartbeatJitter   time.Duration
	firstSeen         time.Time
	lastSeen          time.Time
	lastHeartbeat     time.Time

	pendingSwitch *wire.SwitchRequest
}

// Snapshot is an immutable copy of a session's observable fields,
// returned to the management layer.
type Snapshot struct {
	ID                uuid.UUID     `json:"id"`
	State             string        `json:"state"`
	Listener          string        `json:"listener"`
	Transport         string        `json:"transport"`
	Peer              string        `json:"peer"`
	Hostname          string        `json:"hostname,omitempty"`
	Address           string        `json:"address,omitempty"`
	OSInfo            string        `json:"os_info,omitempty"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	HeartbeatJitter   time.Duration `json:"heartbeat_jitter"`
	FirstSeen         time.Time     `json:"first_seen"`
	LastSeen          time.Time     `json:"last_seen"`
	LastHeartbeat     time.Time     `json:"last_heartbeat"`
}

// State returns the current liveness state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Listener returns the name of the listener that owns the session's
// transport binding.
func (s *Session) Listener() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener
}

// Context returns the adapter-opaque transport context.
func (s *Session) Context() TransportContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tctx
}

// Cipher returns the session's wire encryption tag.
func (s *Session) Cipher() byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cipher
}

// SetCipher records the encryption tag negotiated for this session.
func (s *Session) SetCipher(tag byte) {
	s.mu.Lock()
	s.cipher = tag
	s.mu.Unlock()
}

// Address returns the last reported IP address string, falling back to
// the transport peer.
func (s *Session) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.address != "" {
		return s.address
	}
	if s.tctx != nil {
		return s.tctx.Peer()
	}
	return ""
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:                s.ID,
		State:             s.state.String(),
		Listener:          s.listener,
		Hostname:          s.hostname,
		Address:           s.address,
		OSInfo:            s.osInfo,
		HeartbeatInterval: s.heartbeatInterval,
		HeartbeatJitter:   s.heartbeatJitter,
		FirstSeen:         s.firstSeen,
		LastSeen:          s.lastSeen,
		LastHeartbeat:     s.lastHeartbeat,
	}
	if s.tctx != nil {
		snap.Transport = s.tctx.Transport().String()
		snap.Peer = s.tctx.Peer()
	}
	return snap
}

// Snapshot returns a copy of the session's observable fields.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}
