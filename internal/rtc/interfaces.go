package rtc

import (
	"context"
	"fmt"
	"time"
)

// State mirrors the media service's call lifecycle states as reported on the
// per-call state stream. SessionStarted is the distinct clock signal emitted
// once both parties are in the call and the session timer is running; it is
// the only state the coordinator keys a call's StartedAt on.
type State int

const (
	StateUnknown State = iota
	StateIdle
	StateJoining
	StateJoined
	StateSessionStarted
	StateRinging
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateSessionStarted:
		return "session_started"
	case StateRinging:
		return "ringing"
	case StateLeft:
		return "left"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateEvent is one observation from a call's state stream.
type StateEvent struct {
	CallID string
	State  State
	At     time.Time
}

// CallHandle is one call object on the media service, identified by
// (call type, call id). All operations are asynchronous requests against the
// hosted backend; Events delivers the backend's state stream until Close.
type CallHandle interface {
	// Join enters the call, creating the call object server-side when create
	// is true. Get probes for existence and fails if the object is not yet
	// visible; creation and joinability are eventually consistent, so callers
	// retry Get for a short propagation window.
	Join(ctx context.Context, create bool) error
	Leave(ctx context.Context) error
	Get(ctx context.Context) error

	// Accept and Reject act on the service's native ringing primitive.
	Accept(ctx context.Context) error
	Reject(ctx context.Context) error

	EnableCamera(ctx context.Context) error
	DisableCamera(ctx context.Context) error
	EnableMicrophone(ctx context.Context) error
	DisableMicrophone(ctx context.Context) error

	Events() <-chan StateEvent
	Close() error
}

// Service is the borrowed media-service connection. It is established at
// login and torn down at logout by the owning application; the coordinator
// only mints call handles on it and must never dial or close it.
type Service interface {
	Call(callType, callID string) (CallHandle, error)
}
