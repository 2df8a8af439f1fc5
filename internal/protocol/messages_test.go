package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageInitiate(t *testing.T) {
	raw := []byte(`{"type":"client_command","action":"initiate","callee_id":"u2","mode":"video","callee_name":"Dr. Avery"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	cmd, ok := msg.(ClientCommand)
	if !ok {
		t.Fatalf("message type = %T, want ClientCommand", msg)
	}
	if cmd.Action != ActionInitiate || cmd.CalleeID != "u2" || cmd.Mode != "video" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestParseClientMessageAccept(t *testing.T) {
	raw := []byte(`{"type":"client_command","action":"accept","invitation_id":"inv-1"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	cmd, ok := msg.(ClientCommand)
	if !ok {
		t.Fatalf("message type = %T, want ClientCommand", msg)
	}
	if cmd.Action != ActionAccept || cmd.InvitationID != "inv-1" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsInvalidCommands(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"unknown action", `{"type":"client_command","action":"dance"}`},
		{"initiate without callee", `{"type":"client_command","action":"initiate","mode":"audio"}`},
		{"initiate without mode", `{"type":"client_command","action":"initiate","callee_id":"u2"}`},
		{"accept without invitation", `{"type":"client_command","action":"accept"}`},
		{"reject without invitation", `{"type":"client_command","action":"reject"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseClientMessage([]byte(tc.raw)); err == nil {
				t.Fatalf("expected validation error for %s", tc.raw)
			}
		})
	}
}

func TestParseClientMessageHangupNeedsNoExtras(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_command","action":"hangup"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if cmd := msg.(ClientCommand); cmd.Action != ActionHangup {
		t.Fatalf("Action = %q, want %q", cmd.Action, ActionHangup)
	}
}
