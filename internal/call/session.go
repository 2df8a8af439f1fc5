package call

import (
	"fmt"
	"time"
)

// Mode is the media mode of a call, fixed at creation.
type Mode string

const (
	ModeAudio Mode = "audio"
	ModeVideo Mode = "video"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeAudio || m == ModeVideo }

// Role distinguishes who created the call from who was invited to it.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleInvitee   Role = "invitee"
)

// State is one step of the call lifecycle.
type State int

const (
	StateIdle State = iota
	StateCreating
	StateAwaitingRemote
	StateAccepting
	StateJoining
	StateActive
	StateEnding
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCreating:
		return "creating"
	case StateAwaitingRemote:
		return "awaiting_remote"
	case StateAccepting:
		return "accepting"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IsTerminal reports whether no further transitions are possible for the session.
func (s State) IsTerminal() bool { return s == StateEnded || s == StateFailed }

// Actor records who last changed a media flag. The coordinator only undoes
// its own changes on app foreground, never the user's.
type Actor string

const (
	ActorCoordinator Actor = "coordinator"
	ActorUser        Actor = "user"
)

// MediaFlags is the current camera/microphone enablement. It may diverge
// briefly from the desired policy while a transition is in flight.
type MediaFlags struct {
	CameraEnabled     bool `json:"camera_enabled"`
	MicrophoneEnabled bool `json:"microphone_enabled"`
}

// Session is the authoritative record of one call attempt. The coordinator
// owns it exclusively; everything crossing the status stream is a clone.
type Session struct {
	CallID           string     `json:"call_id"`
	Mode             Mode       `json:"mode"`
	Role             Role       `json:"role"`
	CounterpartyID   string     `json:"counterparty_id"`
	CounterpartyName string     `json:"counterparty_name"`
	State            State      `json:"-"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	Media            MediaFlags `json:"media"`
	SpeakerOn        bool       `json:"speaker_on"`
	Reason           string     `json:"reason,omitempty"`
}

func cloneSession(s *Session) *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	return &c
}

// Source tags which channel an invitation observation came from.
type Source string

const (
	SourceRinging      Source = "ringing"
	SourceNotification Source = "notification"
)

// Observation is one raw sighting of an incoming call intent, normalized at
// the boundary before any state-machine logic sees it.
type Observation struct {
	Source         Source
	SourceCallID   string
	Mode           Mode
	CallerName     string
	Rate           string
	NotificationID string
	ObservedAt     time.Time
}

// Invitation is a deduplicated incoming call notice. Created on first
// observation, consumed exactly once via accept or reject, or expired.
type Invitation struct {
	ID             string    `json:"invitation_id"`
	SourceCallID   string    `json:"call_id"`
	Mode           Mode      `json:"mode"`
	CallerName     string    `json:"caller_name"`
	Rate           string    `json:"rate,omitempty"`
	NotificationID string    `json:"-"`
	Source         Source    `json:"source"`
	ReceivedAt     time.Time `json:"received_at"`
}

func cloneInvitation(i *Invitation) *Invitation {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}
