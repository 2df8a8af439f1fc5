package notify

import (
	"context"
	"errors"
	"log"
	"time"
)

// PendingLister is the slice of Client the poller needs.
type PendingLister interface {
	Pending(ctx context.Context, calleeID string) ([]Notification, error)
}

// Poller periodically asks the notification channel for pending incoming-call
// records and hands each one to the sink. Deduplication is not its job; the
// coordinator reconciles repeated sightings by call id.
type Poller struct {
	lister   PendingLister
	calleeID string
	interval time.Duration
	sink     func(Notification)
}

func NewPoller(lister PendingLister, calleeID string, interval time.Duration, sink func(Notification)) *Poller {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Poller{
		lister:   lister,
		calleeID: calleeID,
		interval: interval,
		sink:     sink,
	}
}

// Run polls until ctx is cancelled. The first poll happens immediately so a
// call waiting since before app start rings without an interval of delay.
func (p *Poller) Run(ctx context.Context) {
	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	pending, err := p.lister.Pending(pollCtx, p.calleeID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		// Transient failures resolve themselves on the next tick.
		var serr *StatusError
		if errors.As(err, &serr) && !serr.Retryable() {
			log.Printf("notify: poll rejected by backend: %v", err)
			return
		}
		log.Printf("notify: poll failed: %v", err)
		return
	}

	for _, n := range pending {
		p.sink(n)
	}
}
