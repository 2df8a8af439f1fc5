package call

import "sync"

// UpdateKind tags status stream payload variants.
type UpdateKind string

const (
	UpdateSession    UpdateKind = "session"
	UpdateInvitation UpdateKind = "invitation"
	UpdateError      UpdateKind = "error"
)

// Update is one status-stream emission. Session and Invitation carry full
// snapshots (nil means "none"); Err carries a terminal error event. When an
// invitation is cleared, ClearedInvitationID identifies which one so clients
// can correlate.
type Update struct {
	Kind                UpdateKind
	Session             *Session
	Invitation          *Invitation
	ClearedInvitationID string
	Err                 *ErrorEvent
}

// statusFan delivers updates to subscribers in emission order. Each
// subscriber gets its own FIFO drained by a dedicated goroutine, so a slow
// consumer can never stall the coordinator loop or reorder transitions.
type statusFan struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
	closed bool
}

type subscriber struct {
	mu        sync.Mutex
	queue     []Update
	wake      chan struct{}
	out       chan Update
	done      chan struct{}
	closeOnce sync.Once
}

func newStatusFan() *statusFan {
	return &statusFan{subs: make(map[int]*subscriber)}
}

func (f *statusFan) subscribe() (<-chan Update, func()) {
	sub := &subscriber{
		wake: make(chan struct{}, 1),
		out:  make(chan Update),
		done: make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(sub.out)
		return sub.out, func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = sub
	f.mu.Unlock()

	go sub.drain()

	cancel := func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
		sub.stop()
	}
	return sub.out, cancel
}

func (f *statusFan) publish(u Update) {
	f.mu.Lock()
	subs := make([]*subscriber, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		s.push(u)
	}
}

func (f *statusFan) close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := f.subs
	f.subs = make(map[int]*subscriber)
	f.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func (s *subscriber) push(u Update) {
	s.mu.Lock()
	s.queue = append(s.queue, u)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *subscriber) drain() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		u := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- u:
		case <-s.done:
			return
		}
	}
}
