package calllog

import (
	"context"
	"time"
)

// Record is one completed (or failed) call attempt. Records carry timestamps
// only; billing is owned elsewhere.
type Record struct {
	ID               string     `json:"id"`
	CallID           string     `json:"call_id"`
	Mode             string     `json:"mode"`
	Role             string     `json:"role"`
	CounterpartyID   string     `json:"counterparty_id"`
	CounterpartyName string     `json:"counterparty_name,omitempty"`
	Outcome          string     `json:"outcome"`
	Reason           string     `json:"reason,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          time.Time  `json:"ended_at"`
}

// Store persists the call history.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
