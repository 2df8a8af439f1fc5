package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paras0369/callcore/internal/call"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientCommand     MessageType = "client_command"
	TypeSessionUpdate     MessageType = "session_update"
	TypeInvitation        MessageType = "invitation"
	TypeInvitationCleared MessageType = "invitation_cleared"
	TypeErrorEvent        MessageType = "error_event"
)

// Client command actions.
const (
	ActionInitiate         = "initiate"
	ActionAccept           = "accept"
	ActionReject           = "reject"
	ActionHangup           = "hangup"
	ActionToggleSpeaker    = "toggle_speaker"
	ActionToggleCamera     = "toggle_camera"
	ActionToggleMicrophone = "toggle_microphone"
	ActionAppBackground    = "app_background"
	ActionAppForeground    = "app_foreground"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientCommand is the single inbound variant: a control action on the call
// lifecycle. CalleeID, Mode and CalleeName matter only for initiate;
// InvitationID only for accept and reject.
type ClientCommand struct {
	Type         MessageType `json:"type"`
	Action       string      `json:"action"`
	CalleeID     string      `json:"callee_id,omitempty"`
	Mode         string      `json:"mode,omitempty"`
	CalleeName   string      `json:"callee_name,omitempty"`
	InvitationID string      `json:"invitation_id,omitempty"`
}

// SessionUpdate carries a snapshot of the current call session after a
// transition. A nil Session means the coordinator returned to idle.
type SessionUpdate struct {
	Type    MessageType   `json:"type"`
	State   string        `json:"state"`
	Session *call.Session `json:"session,omitempty"`
}

// InvitationEvent surfaces an incoming-call invitation to the client.
type InvitationEvent struct {
	Type       MessageType      `json:"type"`
	Invitation *call.Invitation `json:"invitation"`
}

// InvitationCleared tells the client to stop ringing for an invitation that
// was consumed, expired or auto-declined.
type InvitationCleared struct {
	Type         MessageType `json:"type"`
	InvitationID string      `json:"invitation_id"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

var validActions = map[string]bool{
	ActionInitiate:         true,
	ActionAccept:           true,
	ActionReject:           true,
	ActionHangup:           true,
	ActionToggleSpeaker:    true,
	ActionToggleCamera:     true,
	ActionToggleMicrophone: true,
	ActionAppBackground:    true,
	ActionAppForeground:    true,
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientCommand:
		var msg ClientCommand
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if !validActions[msg.Action] {
			return nil, fmt.Errorf("invalid client_command action %q", msg.Action)
		}
		if msg.Action == ActionInitiate && (msg.CalleeID == "" || msg.Mode == "") {
			return nil, errors.New("initiate requires callee_id and mode")
		}
		if (msg.Action == ActionAccept || msg.Action == ActionReject) && msg.InvitationID == "" {
			return nil, errors.New("accept and reject require invitation_id")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
