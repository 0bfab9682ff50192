// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package task owns task objects, their state machine, and timeout
// supervision.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Type is the enumerated operation kind of a task.
type Type int

const (
	TypeShell Type = iota
	TypeDownload
	TypeUpload
	TypeModule
	TypeConfig
	TypeCustom
)

func (t Type) String() string {
	switch t {
	case TypeShell:
		return "shell"
	case TypeDownload:
		return "download"
	case TypeUpload:
		return "upload"
	case TypeModule:
		return "module"
	case TypeConfig:
		return "config"
	case TypeCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// ParseType converts an API string into a Type.
func ParseType(s string) (Type, bool) {
	switch s {
	case "shell":
		return TypeShell, true
	case "download":
		return TypeDownload, true
	case "upload":
		return TypeUpload, true
	case "module":
		return TypeModule, true
	case "config":
		return TypeConfig, true
	case "custom":
		return TypeCustom, true
	default:
		return 0, false
	}
}

// State is a task's position in the dispatch state machine. The graph
// only moves forward; the three terminal states are sticky.
type State int

const (
	StateCreated State = iota
	StateSent
	StateRunning
	StateCompleted
	StateFailed
	StateTimeout
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSent:
		return "sent"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one of the sticky end states.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimeout
}

// Task is one unit of work addressed to a session. The client reference
// is an identifier, not a live pointer: the session may disconnect
// before the task resolves. Fields are mutated only by the owning
// registry under its lock.
type Task struct {
	id       uuid.UUID
	clientID uuid.UUID
	taskType Type
	state    State

	created time.Time
	sent    time.Time
	started time.Time
	ended   time.Time

	timeout time.Duration // 0 = unbounded

	payload []byte
	result  []byte // set on Completed, nil otherwise
	errMsg  string // set on Failed, empty otherwise
}

// Snapshot is an immutable copy of a task's observable fields.
type Snapshot struct {
	ID       uuid.UUID `json:"id"`
	ClientID uuid.UUID `json:"client_id"`
	Type     string    `json:"type"`
	State    string    `json:"state"`

	Created time.Time `json:"created"`
	Sent    time.Time `json:"sent,omitzero"`
	Started time.Time `json:"started,omitzero"`
	Ended   time.Time `json:"ended,omitzero"`

	TimeoutSeconds int    `json:"timeout_seconds"`
	Payload        []byte `json:"payload,omitempty"`
	Result         []byte `json:"result,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (t *Task) snapshot() Snapshot {
	return Snapshot{
		ID:             t.id,
		ClientID:       t.clientID,
		Type:           t.taskType.String(),
		State:          t.state.String(),
		Created:        t.created,
		Sent:           t.sent,
		Started:        t.started,
		Ended:          t.ended,
		TimeoutSeconds: int(t.timeout / time.Second),
		Payload:        append([]byte(nil), t.payload...),
		Result:         append([]byte(nil), t.result...),
		Error:          t.errMsg,
	}
}
