package rtc

import (
	"context"
	"sync"
	"time"
)

// MockService is an in-process media service used when no real backend is
// configured and by tests. Calls are scriptable: Get can be made to fail a
// number of times to simulate the creation-propagation window, Join and Leave
// can be forced to fail, and remote-party behavior is driven by the Emit
// helpers on MockCall.
type MockService struct {
	mu       sync.Mutex
	calls    map[string]*MockCall
	failGets int
	joinErr  error
}

func NewMockService() *MockService {
	return &MockService{calls: make(map[string]*MockCall)}
}

// FailGets scripts the next minted call to fail its first n Get probes.
func (s *MockService) FailGets(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failGets = n
}

// FailJoin scripts the next minted call to fail Join with err.
func (s *MockService) FailJoin(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinErr = err
}

func (s *MockService) Call(_, callID string) (CallHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.calls[callID]; ok {
		return c, nil
	}
	c := &MockCall{
		id:          callID,
		events:      make(chan StateEvent, 64),
		getFailures: s.failGets,
		joinErr:     s.joinErr,
	}
	s.failGets = 0
	s.joinErr = nil
	s.calls[callID] = c
	return c, nil
}

// Handle returns the minted call for callID, or nil.
func (s *MockService) Handle(callID string) *MockCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[callID]
}

type MockCall struct {
	mu          sync.Mutex
	id          string
	events      chan StateEvent
	getFailures int
	joinErr     error
	leaveErr    error

	joined   bool
	left     bool
	accepted bool
	rejected bool
	cameraOn bool
	micOn    bool
	closed   bool

	getCalls   int
	leaveCalls int
}

func (c *MockCall) Join(_ context.Context, _ bool) error {
	c.mu.Lock()
	if c.joinErr != nil {
		err := c.joinErr
		c.mu.Unlock()
		return err
	}
	c.joined = true
	c.mu.Unlock()
	c.emit(StateJoining)
	c.emit(StateJoined)
	return nil
}

func (c *MockCall) Leave(_ context.Context) error {
	c.mu.Lock()
	c.leaveCalls++
	if c.leaveErr != nil {
		err := c.leaveErr
		c.mu.Unlock()
		return err
	}
	c.left = true
	c.mu.Unlock()
	return nil
}

func (c *MockCall) Get(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getCalls++
	if c.getFailures > 0 {
		c.getFailures--
		return ErrCallNotFound
	}
	return nil
}

func (c *MockCall) Accept(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accepted = true
	return nil
}

func (c *MockCall) Reject(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = true
	return nil
}

func (c *MockCall) EnableCamera(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cameraOn = true
	return nil
}

func (c *MockCall) DisableCamera(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cameraOn = false
	return nil
}

func (c *MockCall) EnableMicrophone(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.micOn = true
	return nil
}

func (c *MockCall) DisableMicrophone(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.micOn = false
	return nil
}

func (c *MockCall) Events() <-chan StateEvent { return c.events }

func (c *MockCall) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.events)
	return nil
}

// FailLeave scripts Leave to fail with err.
func (c *MockCall) FailLeave(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaveErr = err
}

// EmitRinging simulates the service's native ringing for this call.
func (c *MockCall) EmitRinging() { c.emit(StateRinging) }

// EmitSessionStarted simulates the session clock starting (both parties in).
func (c *MockCall) EmitSessionStarted() { c.emit(StateSessionStarted) }

// EmitLeft simulates the remote party (or the backend) ending the call.
func (c *MockCall) EmitLeft() { c.emit(StateLeft) }

func (c *MockCall) CameraOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cameraOn
}

func (c *MockCall) MicrophoneOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micOn
}

func (c *MockCall) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *MockCall) LeaveCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaveCalls
}

func (c *MockCall) Rejected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected
}

func (c *MockCall) GetCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getCalls
}

func (c *MockCall) emit(s State) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ev := StateEvent{CallID: c.id, State: s, At: time.Now().UTC()}
	select {
	case c.events <- ev:
	default:
		// Mock stream is bounded; drop rather than block the emitter.
	}
	c.mu.Unlock()
}
