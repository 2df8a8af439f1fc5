package call

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paras0369/callcore/internal/calllog"
	"github.com/paras0369/callcore/internal/observability"
	"github.com/paras0369/callcore/internal/reliability"
	"github.com/paras0369/callcore/internal/rtc"
)

// Notifier is the notification side-channel used to signal incoming calls
// independent of the media service's native ringing.
type Notifier interface {
	NotifyIntent(ctx context.Context, calleeID, callID, mode, callerName, rate string) error
	AckNotification(ctx context.Context, notificationID string) error
}

// Options configures a Coordinator.
type Options struct {
	Service  rtc.Service
	Notifier Notifier      // optional; nil disables the side-channel
	History  calllog.Store // optional; nil disables call history
	Metrics  *observability.Metrics

	SelfID      string
	DisplayName string
	CallType    string

	JoinRetry     reliability.FixedRetry
	InvitationTTL time.Duration
	OpTimeout     time.Duration

	// TickInterval drives invitation expiry sweeps; tests shorten it.
	TickInterval time.Duration

	// Sleep is injected by tests; nil means real sleeping.
	Sleep reliability.Sleeper
}

// Coordinator owns the authoritative local state of "the call I am in or
// being invited to". One instance exists per authenticated session. All
// state transitions run on a single event loop goroutine, so commands and
// observed events are strictly serialized; callers get clones, never live
// state.
type Coordinator struct {
	svc     rtc.Service
	notify  Notifier
	history calllog.Store
	metrics *observability.Metrics

	selfID      string
	displayName string
	callType    string

	joinRetry reliability.FixedRetry
	inviteTTL time.Duration
	opTimeout time.Duration
	tick      time.Duration
	sleep     reliability.Sleeper

	mu            sync.Mutex
	session       *Session
	invite        *Invitation
	consumedInv   map[string]struct{}
	cleared       map[string]time.Time
	cameraOffByUs bool

	handle   rtc.CallHandle
	stopPump func()

	fan          *statusFan
	cmds         chan func()
	observations chan Observation
	mediaEvents  chan rtc.StateEvent

	runCtx  context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	started bool
}

// New builds a Coordinator. Start must be called before issuing commands.
func New(opts Options) *Coordinator {
	if opts.CallType == "" {
		opts.CallType = "default"
	}
	if opts.JoinRetry.MaxAttempts <= 0 {
		opts.JoinRetry.MaxAttempts = 20
	}
	if opts.JoinRetry.Delay <= 0 {
		opts.JoinRetry.Delay = 100 * time.Millisecond
	}
	if opts.InvitationTTL <= 0 {
		opts.InvitationTTL = 30 * time.Second
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 10 * time.Second
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = reliability.Sleep
	}

	return &Coordinator{
		svc:          opts.Service,
		notify:       opts.Notifier,
		history:      opts.History,
		metrics:      opts.Metrics,
		selfID:       opts.SelfID,
		displayName:  opts.DisplayName,
		callType:     opts.CallType,
		joinRetry:    opts.JoinRetry,
		inviteTTL:    opts.InvitationTTL,
		opTimeout:    opts.OpTimeout,
		tick:         opts.TickInterval,
		sleep:        opts.Sleep,
		consumedInv:  make(map[string]struct{}),
		cleared:      make(map[string]time.Time),
		fan:          newStatusFan(),
		cmds:         make(chan func(), 16),
		observations: make(chan Observation, 64),
		mediaEvents:  make(chan rtc.StateEvent, 64),
		stopped:      make(chan struct{}),
	}
}

// Start launches the event loop. The loop lives until Stop or ctx cancellation.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("coordinator already started")
	}
	c.started = true
	c.runCtx, c.cancel = context.WithCancel(ctx)
	go c.run()
	return nil
}

// Stop cancels the event loop and waits for teardown. A call still pending
// (creating, awaiting, joining) is left to avoid a ghost session; an Active
// call is never implicitly left, since explicit hangup is the user-visible
// cleanup path.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	<-c.stopped
}

// Subscribe returns a status stream. Updates arrive in transition order; the
// returned cancel func must be called when done.
func (c *Coordinator) Subscribe() (<-chan Update, func()) {
	return c.fan.subscribe()
}

// CurrentSession returns a snapshot of the session, or nil when idle.
func (c *Coordinator) CurrentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneSession(c.session)
}

// PendingInvitation returns a snapshot of the surfaced invitation, or nil.
func (c *Coordinator) PendingInvitation() *Invitation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneInvitation(c.invite)
}

// Observe feeds one raw invitation sighting into the coordinator. Both the
// notification poller and any native-ringing integration call this; the
// event loop deduplicates by source call id.
func (c *Coordinator) Observe(obs Observation) {
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = time.Now().UTC()
	}
	c.mu.Lock()
	started := c.started
	runCtx := c.runCtx
	c.mu.Unlock()
	if !started {
		return
	}
	select {
	case c.observations <- obs:
	case <-runCtx.Done():
	default:
		// Sightings are re-observed on the next poll; dropping under
		// saturation is safe.
		log.Printf("call: observation queue full, dropping sighting for %s", obs.SourceCallID)
	}
}

// InitiateParams are the inputs for an outgoing call.
type InitiateParams struct {
	CounterpartyID   string
	CounterpartyName string
	Mode             Mode
	Rate             string
}

// Initiate starts an outgoing call and returns its generated call id as soon
// as the session exists locally. Establishment continues on the event loop;
// progress and failures surface on the status stream.
func (c *Coordinator) Initiate(ctx context.Context, p InitiateParams) (string, error) {
	if !p.Mode.Valid() {
		return "", ErrInvalidMode
	}
	if p.CounterpartyID == "" {
		return "", errors.New("counterparty id is required")
	}

	type result struct {
		callID string
		err    error
	}
	reply := make(chan result, 1)

	cmd := func() {
		if c.busy() {
			reply <- result{err: ErrBusy}
			return
		}

		callID := uuid.NewString()
		sess := &Session{
			CallID:           callID,
			Mode:             p.Mode,
			Role:             RoleInitiator,
			CounterpartyID:   p.CounterpartyID,
			CounterpartyName: p.CounterpartyName,
			State:            StateCreating,
			SpeakerOn:        p.Mode == ModeVideo,
		}
		c.setSession(sess, StateIdle)
		reply <- result{callID: callID}

		c.establishOutgoing(p)
	}

	if err := c.enqueue(ctx, cmd); err != nil {
		return "", err
	}
	select {
	case r := <-reply:
		return r.callID, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Accept consumes the pending invitation and joins the underlying call. The
// invitation id must match the surfaced invitation; an invitation is
// consumed exactly once.
func (c *Coordinator) Accept(ctx context.Context, invitationID string) error {
	reply := make(chan error, 1)

	cmd := func() {
		inv, err := c.takeInvitation(invitationID)
		if err != nil {
			reply <- err
			return
		}

		sess := &Session{
			CallID:           inv.SourceCallID,
			Mode:             inv.Mode,
			Role:             RoleInvitee,
			CounterpartyName: inv.CallerName,
			State:            StateAccepting,
			SpeakerOn:        inv.Mode == ModeVideo,
		}
		c.setSession(sess, StateIdle)
		c.emitInvitationCleared(inv.ID)
		c.countInvitation(inv.Source, "accepted")
		reply <- nil

		c.ackSources(inv, false)
		c.establishIncoming(inv)
	}

	if err := c.enqueue(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reject declines the pending invitation and clears it in both sources so
// neither can re-surface it.
func (c *Coordinator) Reject(ctx context.Context, invitationID string) error {
	reply := make(chan error, 1)

	cmd := func() {
		inv, err := c.takeInvitation(invitationID)
		if err != nil {
			reply <- err
			return
		}
		c.emitInvitationCleared(inv.ID)
		c.countInvitation(inv.Source, "rejected")
		c.ackSources(inv, true)
		reply <- nil
	}

	if err := c.enqueue(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hangup ends the current call. The local transition to Ended always
// completes within the operation timeout even if the remote leave fails.
func (c *Coordinator) Hangup(ctx context.Context) error {
	reply := make(chan error, 1)

	cmd := func() {
		if c.session == nil || c.session.State.IsTerminal() {
			reply <- ErrNoActiveCall
			return
		}
		c.endSession("local_hangup")
		reply <- nil
	}

	if err := c.enqueue(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ToggleSpeaker flips the audio route. It is policy-only state for the
// presentation/media layer and never affects call state.
func (c *Coordinator) ToggleSpeaker(ctx context.Context) (bool, error) {
	on := false
	err := c.command(ctx, func() error {
		if c.session == nil || c.session.State.IsTerminal() {
			return ErrNoActiveCall
		}
		c.mu.Lock()
		c.session.SpeakerOn = !c.session.SpeakerOn
		on = c.session.SpeakerOn
		c.mu.Unlock()
		c.emitSession()
		return nil
	})
	return on, err
}

// ToggleCamera flips the camera on user request. A user-made change is never
// undone by the coordinator's background/foreground handling.
func (c *Coordinator) ToggleCamera(ctx context.Context) error {
	return c.command(ctx, func() error {
		if c.session == nil || c.session.State.IsTerminal() || c.handle == nil {
			return ErrNoActiveCall
		}
		opCtx, done := c.opContext()
		defer done()
		var err error
		if c.session.Media.CameraEnabled {
			err = c.handle.DisableCamera(opCtx)
		} else {
			err = c.handle.EnableCamera(opCtx)
		}
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.session.Media.CameraEnabled = !c.session.Media.CameraEnabled
		c.cameraOffByUs = false
		c.mu.Unlock()
		c.emitSession()
		return nil
	})
}

// ToggleMicrophone flips the microphone on user request.
func (c *Coordinator) ToggleMicrophone(ctx context.Context) error {
	return c.command(ctx, func() error {
		if c.session == nil || c.session.State.IsTerminal() || c.handle == nil {
			return ErrNoActiveCall
		}
		opCtx, done := c.opContext()
		defer done()
		var err error
		if c.session.Media.MicrophoneEnabled {
			err = c.handle.DisableMicrophone(opCtx)
		} else {
			err = c.handle.EnableMicrophone(opCtx)
		}
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.session.Media.MicrophoneEnabled = !c.session.Media.MicrophoneEnabled
		c.mu.Unlock()
		c.emitSession()
		return nil
	})
}

// AppBackground disables the camera for video calls while the app is
// backgrounded, remembering that it was the coordinator that did it.
func (c *Coordinator) AppBackground(ctx context.Context) error {
	return c.command(ctx, func() error {
		if c.session == nil || c.session.State.IsTerminal() || c.handle == nil {
			return nil
		}
		if c.session.Mode != ModeVideo || !c.session.Media.CameraEnabled {
			return nil
		}
		opCtx, done := c.opContext()
		defer done()
		if err := c.handle.DisableCamera(opCtx); err != nil {
			log.Printf("call: background camera disable failed: %v", err)
			return nil
		}
		c.mu.Lock()
		c.session.Media.CameraEnabled = false
		c.cameraOffByUs = true
		c.mu.Unlock()
		c.emitSession()
		return nil
	})
}

// AppForeground re-enables the camera only if the coordinator, not the user,
// disabled it.
func (c *Coordinator) AppForeground(ctx context.Context) error {
	return c.command(ctx, func() error {
		if c.session == nil || c.session.State.IsTerminal() || c.handle == nil {
			return nil
		}
		if !c.cameraOffByUs {
			return nil
		}
		opCtx, done := c.opContext()
		defer done()
		if err := c.handle.EnableCamera(opCtx); err != nil {
			log.Printf("call: foreground camera enable failed: %v", err)
			return nil
		}
		c.mu.Lock()
		c.session.Media.CameraEnabled = true
		c.cameraOffByUs = false
		c.mu.Unlock()
		c.emitSession()
		return nil
	})
}

// ---- event loop ----

func (c *Coordinator) run() {
	defer close(c.stopped)
	defer c.fan.close()
	defer c.shutdown()

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.runCtx.Done():
			return
		case cmd := <-c.cmds:
			cmd()
		case ev := <-c.mediaEvents:
			c.handleMediaEvent(ev)
		case obs := <-c.observations:
			c.handleObservation(obs)
		case <-ticker.C:
			c.expireInvitation()
			c.sweepCleared()
		}
	}
}

func (c *Coordinator) enqueue(ctx context.Context, cmd func()) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotRunning
	}
	runCtx := c.runCtx
	c.mu.Unlock()

	select {
	case c.cmds <- cmd:
		return nil
	case <-runCtx.Done():
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) command(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if err := c.enqueue(ctx, func() { reply <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---- outgoing path ----

func (c *Coordinator) establishOutgoing(p InitiateParams) {
	sess := c.session
	setupStart := time.Now()

	handle, err := c.svc.Call(c.callType, sess.CallID)
	if err != nil {
		c.fail(err, "could not create call")
		return
	}
	c.attachHandle(handle)

	if err := c.applyMediaPolicy(sess.Mode); err != nil {
		c.fail(err, "could not configure media devices")
		return
	}

	probeStart := time.Now()
	if err := c.awaitJoinable(); err != nil {
		c.fail(err, "call never became available")
		return
	}
	c.observeSetup("probe_joinable", probeStart)

	c.setState(StateAwaitingRemote)
	c.sendNotify(p)

	c.setState(StateJoining)
	joinStart := time.Now()
	opCtx, done := c.opContext()
	err = handle.Join(opCtx, true)
	done()
	if err != nil {
		c.fail(err, "could not join call")
		return
	}
	c.observeSetup("join", joinStart)

	c.setState(StateActive)
	c.observeSetup("setup_total", setupStart)
}

func (c *Coordinator) sendNotify(p InitiateParams) {
	if c.notify == nil {
		return
	}
	// Fire-and-forget: the callee may still learn about the call through
	// native ringing, so delivery failure never aborts the call.
	opCtx, done := c.opContext()
	defer done()
	err := c.notify.NotifyIntent(opCtx, p.CounterpartyID, c.session.CallID, string(p.Mode), c.displayName, p.Rate)
	if err != nil {
		log.Printf("call: notify counterparty failed: %v", err)
		c.countNotify("notify", "error")
		return
	}
	c.countNotify("notify", "ok")
}

// ---- incoming path ----

func (c *Coordinator) establishIncoming(inv *Invitation) {
	setupStart := time.Now()

	handle, err := c.svc.Call(c.callType, inv.SourceCallID)
	if err != nil {
		c.fail(err, "could not reach call")
		return
	}
	c.attachHandle(handle)

	opCtx, done := c.opContext()
	if err := handle.Accept(opCtx); err != nil {
		// Native ringing accept is advisory when the invite arrived over the
		// notification channel; join is what actually enters the call.
		log.Printf("call: ringing accept failed: %v", err)
	}
	done()

	if err := c.applyMediaPolicy(inv.Mode); err != nil {
		c.fail(err, "could not configure media devices")
		return
	}

	probeStart := time.Now()
	if err := c.awaitJoinable(); err != nil {
		c.fail(err, "caller is no longer in the call")
		return
	}
	c.observeSetup("probe_joinable", probeStart)

	c.setState(StateJoining)
	joinStart := time.Now()
	opCtx, done = c.opContext()
	err = handle.Join(opCtx, false)
	done()
	if err != nil {
		c.fail(err, "could not join call")
		return
	}
	c.observeSetup("join", joinStart)

	c.setState(StateActive)
	c.observeSetup("setup_total", setupStart)
}

func (c *Coordinator) takeInvitation(invitationID string) (*Invitation, error) {
	if _, consumed := c.consumedInv[invitationID]; consumed {
		return nil, ErrInvitationConsumed
	}
	if c.invite == nil || c.invite.ID != invitationID {
		return nil, ErrUnknownInvitation
	}
	if c.session != nil && !c.session.State.IsTerminal() {
		return nil, ErrBusy
	}

	inv := c.invite
	c.mu.Lock()
	c.invite = nil
	c.mu.Unlock()
	c.consumedInv[inv.ID] = struct{}{}
	c.cleared[inv.SourceCallID] = time.Now().UTC()
	return inv, nil
}

// ackSources clears a consumed invitation in both sources: the notification
// record is deleted and, on reject, the call object is declined, so neither
// channel re-surfaces a stale invitation.
func (c *Coordinator) ackSources(inv *Invitation, decline bool) {
	if inv.NotificationID != "" && c.notify != nil {
		opCtx, done := c.opContext()
		if err := c.notify.AckNotification(opCtx, inv.NotificationID); err != nil {
			log.Printf("call: notification ack failed: %v", err)
			c.countNotify("ack", "error")
		} else {
			c.countNotify("ack", "ok")
		}
		done()
	}

	if !decline {
		return
	}
	handle, err := c.svc.Call(c.callType, inv.SourceCallID)
	if err != nil {
		return
	}
	opCtx, done := c.opContext()
	if err := handle.Reject(opCtx); err != nil {
		log.Printf("call: ringing reject failed: %v", err)
	}
	done()
	_ = handle.Close()
}

// ---- shared establishment ----

// awaitJoinable probes the call object until it is visible, tolerating the
// create/join propagation window with a bounded fixed-delay retry.
func (c *Coordinator) awaitJoinable() error {
	attempts, err := c.joinRetry.Do(c.runCtx, c.sleep, func(ctx context.Context) error {
		opCtx, done := context.WithTimeout(ctx, c.opTimeout)
		defer done()
		return c.handle.Get(opCtx)
	}, func(err error) bool {
		return errors.Is(err, rtc.ErrCallNotFound)
	})

	if c.metrics != nil {
		c.metrics.JoinAttempts.Observe(float64(attempts))
	}
	if err != nil {
		if errors.Is(err, rtc.ErrCallNotFound) {
			return ErrJoinExhausted
		}
		return err
	}
	return nil
}

// applyMediaPolicy enforces camera on iff video, microphone always on. The
// camera is disabled explicitly for audio calls rather than assumed off.
func (c *Coordinator) applyMediaPolicy(mode Mode) error {
	opCtx, done := c.opContext()
	defer done()

	if mode == ModeVideo {
		if err := c.handle.EnableCamera(opCtx); err != nil {
			return err
		}
	} else {
		if err := c.handle.DisableCamera(opCtx); err != nil {
			return err
		}
	}
	if err := c.handle.EnableMicrophone(opCtx); err != nil {
		return err
	}

	c.mu.Lock()
	c.session.Media = MediaFlags{
		CameraEnabled:     mode == ModeVideo,
		MicrophoneEnabled: true,
	}
	c.mu.Unlock()
	c.emitSession()
	return nil
}

// ---- media events ----

func (c *Coordinator) handleMediaEvent(ev rtc.StateEvent) {
	if c.session == nil || ev.CallID != c.session.CallID {
		return
	}

	switch ev.State {
	case rtc.StateSessionStarted:
		// The session clock, not "joined", is what starts the call timer.
		if c.session.StartedAt == nil {
			at := ev.At
			if at.IsZero() {
				at = time.Now().UTC()
			}
			c.mu.Lock()
			c.session.StartedAt = &at
			c.mu.Unlock()
			c.emitSession()
		}
	case rtc.StateLeft:
		// Authoritative terminal signal: either party or a network fault can
		// end the call without a local hangup.
		if !c.session.State.IsTerminal() {
			c.endSession("remote_left")
		}
	}
}

// ---- invitation observations ----

func (c *Coordinator) handleObservation(obs Observation) {
	if obs.SourceCallID == "" || !obs.Mode.Valid() {
		return
	}

	// Our own outgoing call echoed back through a source is not an invitation.
	if c.session != nil && c.session.CallID == obs.SourceCallID {
		return
	}

	// Recently consumed: the source has not caught up with the ack yet.
	if _, ok := c.cleared[obs.SourceCallID]; ok {
		c.countInvitation(obs.Source, "duplicate")
		c.reack(obs)
		return
	}

	if c.invite != nil {
		if c.invite.SourceCallID == obs.SourceCallID {
			// First observation wins; a sighting from the other source only
			// contributes its notification id so consumption can clear it.
			if c.invite.NotificationID == "" && obs.NotificationID != "" {
				c.mu.Lock()
				c.invite.NotificationID = obs.NotificationID
				c.mu.Unlock()
			}
			c.countInvitation(obs.Source, "duplicate")
			return
		}
		c.declineBusy(obs)
		return
	}

	if c.session != nil && !c.session.State.IsTerminal() {
		c.declineBusy(obs)
		return
	}

	inv := &Invitation{
		ID:             uuid.NewString(),
		SourceCallID:   obs.SourceCallID,
		Mode:           obs.Mode,
		CallerName:     obs.CallerName,
		Rate:           obs.Rate,
		NotificationID: obs.NotificationID,
		Source:         obs.Source,
		ReceivedAt:     obs.ObservedAt,
	}
	c.mu.Lock()
	c.invite = inv
	c.mu.Unlock()
	c.countInvitation(obs.Source, "surfaced")
	c.emitInvitation()
}

// declineBusy auto-declines an invitation that arrived while another call is
// in progress. It is never surfaced to the presentation adapter.
func (c *Coordinator) declineBusy(obs Observation) {
	c.countInvitation(obs.Source, "busy_declined")
	if c.metrics != nil {
		c.metrics.SetupLatency.ObserveIndicator("busy_auto_decline")
	}
	c.cleared[obs.SourceCallID] = time.Now().UTC()
	c.ackSources(&Invitation{
		SourceCallID:   obs.SourceCallID,
		NotificationID: obs.NotificationID,
	}, true)
}

func (c *Coordinator) reack(obs Observation) {
	if obs.NotificationID == "" || c.notify == nil {
		return
	}
	opCtx, done := c.opContext()
	defer done()
	if err := c.notify.AckNotification(opCtx, obs.NotificationID); err != nil {
		log.Printf("call: stale notification ack failed: %v", err)
	}
}

func (c *Coordinator) expireInvitation() {
	if c.invite == nil {
		return
	}
	if time.Since(c.invite.ReceivedAt) < c.inviteTTL {
		return
	}

	inv := c.invite
	c.mu.Lock()
	c.invite = nil
	c.mu.Unlock()
	c.consumedInv[inv.ID] = struct{}{}
	c.cleared[inv.SourceCallID] = time.Now().UTC()
	c.countInvitation(inv.Source, "expired")
	c.emitInvitationCleared(inv.ID)
	c.ackSources(inv, true)
}

func (c *Coordinator) sweepCleared() {
	cutoff := time.Now().UTC().Add(-2 * c.inviteTTL)
	for id, at := range c.cleared {
		if at.Before(cutoff) {
			delete(c.cleared, id)
		}
	}
}

// ---- teardown ----

// endSession drives Ending -> Ended -> Idle. The leave request is
// best-effort: the user can always exit a call locally even when the remote
// leave confirmation fails.
func (c *Coordinator) endSession(reason string) {
	c.setState(StateEnding)

	if c.handle != nil {
		opCtx, done := c.opContext()
		if err := c.handle.Leave(opCtx); err != nil {
			log.Printf("call: leave failed (continuing teardown): %v", err)
		}
		done()
	}

	c.mu.Lock()
	c.session.Reason = reason
	c.mu.Unlock()
	c.setState(StateEnded)
	c.record("ended", reason)
	c.clearSession()
}

// fail drives any non-terminal state to Failed -> Idle and surfaces one
// terminal error event. No state may strand the coordinator permanently.
func (c *Coordinator) fail(err error, reason string) {
	log.Printf("call: %s: %v", reason, err)

	if c.handle != nil {
		opCtx, done := c.opContext()
		if lerr := c.handle.Leave(opCtx); lerr != nil {
			log.Printf("call: leave during failure cleanup: %v", lerr)
		}
		done()
	}

	c.mu.Lock()
	c.session.Reason = reason
	c.mu.Unlock()
	c.setState(StateFailed)
	c.record("failed", reason)
	c.fan.publish(Update{Kind: UpdateError, Err: &ErrorEvent{
		Code:   errorCode(err),
		Reason: reason,
	}})
	c.clearSession()
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, rtc.ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrJoinExhausted):
		return CodeCounterpartyUnreachable
	case errors.Is(err, rtc.ErrCallNotFound):
		return CodeCallNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeTransientNetwork
	default:
		return CodeTransientNetwork
	}
}

func (c *Coordinator) record(outcome, reason string) {
	if c.history == nil || c.session == nil {
		return
	}
	opCtx, done := c.opContext()
	defer done()
	rec := calllog.Record{
		CallID:           c.session.CallID,
		Mode:             string(c.session.Mode),
		Role:             string(c.session.Role),
		CounterpartyID:   c.session.CounterpartyID,
		CounterpartyName: c.session.CounterpartyName,
		Outcome:          outcome,
		Reason:           reason,
		StartedAt:        c.session.StartedAt,
		EndedAt:          time.Now().UTC(),
	}
	if err := c.history.Append(opCtx, rec); err != nil {
		log.Printf("call: history append failed: %v", err)
	}
}

func (c *Coordinator) clearSession() {
	c.detachHandle()
	c.mu.Lock()
	c.session = nil
	c.cameraOffByUs = false
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ActiveCalls.Set(0)
	}
	c.emitSession()
}

// shutdown runs when the event loop exits. Calls stuck mid-establishment are
// left to avoid ghost sessions; an Active call stays.
func (c *Coordinator) shutdown() {
	if c.session != nil {
		switch c.session.State {
		case StateCreating, StateAwaitingRemote, StateAccepting, StateJoining:
			if c.handle != nil {
				ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
				if err := c.handle.Leave(ctx); err != nil {
					log.Printf("call: leave on shutdown failed: %v", err)
				}
				done()
			}
		}
	}
	c.detachHandle()
}

// ---- helpers ----

func (c *Coordinator) busy() bool {
	if c.session != nil && !c.session.State.IsTerminal() {
		return true
	}
	return c.invite != nil
}

func (c *Coordinator) attachHandle(h rtc.CallHandle) {
	c.handle = h

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-h.Events():
				if !ok {
					return
				}
				select {
				case c.mediaEvents <- ev:
				case <-done:
					return
				case <-c.runCtx.Done():
					return
				}
			}
		}
	}()
	c.stopPump = func() { close(done) }
}

func (c *Coordinator) detachHandle() {
	if c.stopPump != nil {
		c.stopPump()
		c.stopPump = nil
	}
	if c.handle != nil {
		_ = c.handle.Close()
		c.handle = nil
	}
}

func (c *Coordinator) setSession(s *Session, from State) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	c.countTransition(from, s.State)
	if c.metrics != nil {
		c.metrics.ActiveCalls.Set(1)
	}
	c.emitSession()
}

func (c *Coordinator) setState(to State) {
	c.mu.Lock()
	from := c.session.State
	c.session.State = to
	c.mu.Unlock()
	c.countTransition(from, to)
	c.emitSession()
}

func (c *Coordinator) emitSession() {
	c.mu.Lock()
	snap := cloneSession(c.session)
	c.mu.Unlock()
	c.fan.publish(Update{Kind: UpdateSession, Session: snap})
}

func (c *Coordinator) emitInvitation() {
	c.mu.Lock()
	snap := cloneInvitation(c.invite)
	c.mu.Unlock()
	c.fan.publish(Update{Kind: UpdateInvitation, Invitation: snap})
}

func (c *Coordinator) emitInvitationCleared(invitationID string) {
	c.fan.publish(Update{Kind: UpdateInvitation, ClearedInvitationID: invitationID})
}

func (c *Coordinator) opContext() (context.Context, context.CancelFunc) {
	parent := c.runCtx
	if parent.Err() != nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, c.opTimeout)
}

func (c *Coordinator) countTransition(from, to State) {
	if c.metrics == nil {
		return
	}
	c.metrics.CallTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (c *Coordinator) countInvitation(source Source, outcome string) {
	if c.metrics == nil {
		return
	}
	c.metrics.Invitations.WithLabelValues(string(source), outcome).Inc()
}

func (c *Coordinator) countNotify(op, outcome string) {
	if c.metrics == nil {
		return
	}
	c.metrics.NotifyDeliveries.WithLabelValues(op, outcome).Inc()
}

func (c *Coordinator) observeSetup(stage string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.SetupLatency.ObserveSince(stage, start)
}
