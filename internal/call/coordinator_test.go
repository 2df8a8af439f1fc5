package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/paras0369/callcore/internal/calllog"
	"github.com/paras0369/callcore/internal/reliability"
	"github.com/paras0369/callcore/internal/rtc"
)

const waitBudget = 3 * time.Second

type fakeNotifier struct {
	mu        sync.Mutex
	notified  []string
	acked     []string
	notifyErr error
}

func (f *fakeNotifier) NotifyIntent(_ context.Context, _, callID, _, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, callID)
	return f.notifyErr
}

func (f *fakeNotifier) AckNotification(_ context.Context, notificationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, notificationID)
	return nil
}

func (f *fakeNotifier) Acked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

func (f *fakeNotifier) Notified() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notified...)
}

func instantSleep(_ context.Context, _ time.Duration) error { return nil }

type testEnv struct {
	coord   *Coordinator
	svc     *rtc.MockService
	notify  *fakeNotifier
	history *calllog.InMemoryStore
	updates <-chan Update
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()

	svc := rtc.NewMockService()
	notify := &fakeNotifier{}
	history := calllog.NewInMemoryStore()

	opts := Options{
		Service:       svc,
		Notifier:      notify,
		History:       history,
		SelfID:        "me",
		DisplayName:   "Me",
		JoinRetry:     reliability.FixedRetry{MaxAttempts: 20, Delay: time.Millisecond},
		InvitationTTL: 30 * time.Second,
		TickInterval:  10 * time.Millisecond,
		Sleep:         instantSleep,
	}
	if mutate != nil {
		mutate(&opts)
	}

	coord := New(opts)
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	updates, cancel := coord.Subscribe()
	t.Cleanup(func() {
		cancel()
		coord.Stop()
	})

	return &testEnv{coord: coord, svc: svc, notify: notify, history: history, updates: updates}
}

func (e *testEnv) waitSessionState(t *testing.T, want State) *Session {
	t.Helper()
	deadline := time.After(waitBudget)
	for {
		select {
		case u := <-e.updates:
			if u.Kind == UpdateSession && u.Session != nil && u.Session.State == want {
				return u.Session
			}
		case <-deadline:
			t.Fatalf("timed out waiting for session state %v", want)
		}
	}
}

func (e *testEnv) waitSessionCleared(t *testing.T) {
	t.Helper()
	deadline := time.After(waitBudget)
	for {
		select {
		case u := <-e.updates:
			if u.Kind == UpdateSession && u.Session == nil {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for session to clear")
		}
	}
}

func (e *testEnv) waitInvitation(t *testing.T) *Invitation {
	t.Helper()
	deadline := time.After(waitBudget)
	for {
		select {
		case u := <-e.updates:
			if u.Kind == UpdateInvitation && u.Invitation != nil {
				return u.Invitation
			}
		case <-deadline:
			t.Fatalf("timed out waiting for invitation")
		}
	}
}

func (e *testEnv) waitInvitationCleared(t *testing.T) string {
	t.Helper()
	deadline := time.After(waitBudget)
	for {
		select {
		case u := <-e.updates:
			if u.Kind == UpdateInvitation && u.Invitation == nil {
				return u.ClearedInvitationID
			}
		case <-deadline:
			t.Fatalf("timed out waiting for invitation to clear")
		}
	}
}

func (e *testEnv) waitError(t *testing.T) *ErrorEvent {
	t.Helper()
	deadline := time.After(waitBudget)
	for {
		select {
		case u := <-e.updates:
			if u.Kind == UpdateError && u.Err != nil {
				return u.Err
			}
		case <-deadline:
			t.Fatalf("timed out waiting for error event")
		}
	}
}

func eventually(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitBudget)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never met: %s", desc)
}

func TestInitiateVideoReachesActiveAfterPropagationWindow(t *testing.T) {
	env := newTestEnv(t, nil)
	env.svc.FailGets(2)

	callID, err := env.coord.Initiate(context.Background(), InitiateParams{
		CounterpartyID: "therapist-1",
		Mode:           ModeVideo,
	})
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if callID == "" {
		t.Fatalf("Initiate() returned empty call id")
	}

	active := env.waitSessionState(t, StateActive)
	if !active.Media.CameraEnabled || !active.Media.MicrophoneEnabled {
		t.Fatalf("media flags = %+v, want camera and mic enabled", active.Media)
	}
	if active.StartedAt != nil {
		t.Fatalf("StartedAt set at Active, want nil until session-start signal")
	}
	if !active.SpeakerOn {
		t.Fatalf("video call should default to speakerphone")
	}

	handle := env.svc.Handle(callID)
	if handle == nil || !handle.Joined() {
		t.Fatalf("call object was never joined")
	}
	if handle.GetCalls() != 3 {
		t.Fatalf("Get() calls = %d, want 3 (two failures then success)", handle.GetCalls())
	}

	handle.EmitSessionStarted()
	deadline := time.After(waitBudget)
	for {
		select {
		case u := <-env.updates:
			if u.Kind == UpdateSession && u.Session != nil && u.Session.StartedAt != nil {
				return
			}
		case <-deadline:
			t.Fatalf("StartedAt never set after session-start signal")
		}
	}
}

func TestMediaTogglesSafeUnderConcurrentSnapshots(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := env.coord.Initiate(context.Background(), InitiateParams{
		CounterpartyID: "therapist-1",
		Mode:           ModeVideo,
	}); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	env.waitSessionState(t, StateActive)

	// Snapshot readers race the toggle commands; the race detector flags any
	// session field written outside the lock.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_ = env.coord.CurrentSession()
			}
		}()
	}

	for i := 0; i < 500; i++ {
		if _, err := env.coord.ToggleSpeaker(context.Background()); err != nil {
			t.Fatalf("ToggleSpeaker() error = %v", err)
		}
		if err := env.coord.ToggleCamera(context.Background()); err != nil {
			t.Fatalf("ToggleCamera() error = %v", err)
		}
		if err := env.coord.ToggleMicrophone(context.Background()); err != nil {
			t.Fatalf("ToggleMicrophone() error = %v", err)
		}
	}
	if err := env.coord.AppBackground(context.Background()); err != nil {
		t.Fatalf("AppBackground() error = %v", err)
	}
	if err := env.coord.AppForeground(context.Background()); err != nil {
		t.Fatalf("AppForeground() error = %v", err)
	}
	close(stop)
	wg.Wait()

	sess := env.coord.CurrentSession()
	if sess == nil || sess.State != StateActive {
		t.Fatalf("session = %+v, want still active", sess)
	}
	// Even toggle counts land back where the call started.
	if !sess.SpeakerOn {
		t.Fatalf("SpeakerOn = false after even toggle count, want true")
	}
	if !sess.Media.CameraEnabled || !sess.Media.MicrophoneEnabled {
		t.Fatalf("media flags = %+v, want camera and mic enabled", sess.Media)
	}
}

func TestInitiateFailsWhenJoinBudgetExhausted(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.JoinRetry = reliability.FixedRetry{MaxAttempts: 5, Delay: time.Millisecond}
	})
	env.svc.FailGets(100)

	if _, err := env.coord.Initiate(context.Background(), InitiateParams{
		CounterpartyID: "therapist-1",
		Mode:           ModeAudio,
	}); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	env.waitSessionState(t, StateFailed)
	ev := env.waitError(t)
	if ev.Code != CodeCounterpartyUnreachable {
		t.Fatalf("error code = %q, want %q", ev.Code, CodeCounterpartyUnreachable)
	}
	env.waitSessionCleared(t)

	if env.coord.CurrentSession() != nil {
		t.Fatalf("coordinator should be idle after failure")
	}
}

func TestAcceptAudioInvitationDisablesCamera(t *testing.T) {
	env := newTestEnv(t, nil)

	env.coord.Observe(Observation{
		Source:         SourceNotification,
		SourceCallID:   "c-in-1",
		Mode:           ModeAudio,
		CallerName:     "Dr. Avery",
		NotificationID: "n-1",
	})
	inv := env.waitInvitation(t)
	if inv.Mode != ModeAudio || inv.CallerName != "Dr. Avery" {
		t.Fatalf("unexpected invitation: %+v", inv)
	}

	if err := env.coord.Accept(context.Background(), inv.ID); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	active := env.waitSessionState(t, StateActive)
	if active.Media.CameraEnabled {
		t.Fatalf("camera enabled on audio call, want explicitly disabled")
	}
	if !active.Media.MicrophoneEnabled {
		t.Fatalf("microphone disabled, want enabled")
	}
	if active.SpeakerOn {
		t.Fatalf("audio call should default to earpiece")
	}
	if active.Role != RoleInvitee {
		t.Fatalf("role = %q, want invitee", active.Role)
	}

	handle := env.svc.Handle("c-in-1")
	if handle == nil || !handle.Joined() {
		t.Fatalf("underlying call was never joined")
	}
	if handle.CameraOn() {
		t.Fatalf("mock camera on, want off")
	}
	if !handle.MicrophoneOn() {
		t.Fatalf("mock microphone off, want on")
	}

	eventually(t, "notification acked", func() bool {
		acked := env.notify.Acked()
		return len(acked) == 1 && acked[0] == "n-1"
	})
}

func TestDuplicateObservationsSurfaceOneInvitation(t *testing.T) {
	env := newTestEnv(t, nil)

	env.coord.Observe(Observation{
		Source:       SourceRinging,
		SourceCallID: "c-dup",
		Mode:         ModeVideo,
		CallerName:   "Dr. Avery",
	})
	inv := env.waitInvitation(t)

	// Same logical call seen again via the polled channel: no new invitation,
	// but the notification id is captured so consumption can clear it.
	env.coord.Observe(Observation{
		Source:         SourceNotification,
		SourceCallID:   "c-dup",
		Mode:           ModeVideo,
		CallerName:     "Dr. Avery",
		NotificationID: "n-dup",
	})

	eventually(t, "notification id merged", func() bool {
		p := env.coord.PendingInvitation()
		return p != nil && p.ID == inv.ID && p.NotificationID == "n-dup"
	})

	if err := env.coord.Reject(context.Background(), inv.ID); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if cleared := env.waitInvitationCleared(t); cleared != inv.ID {
		t.Fatalf("cleared invitation id = %q, want %q", cleared, inv.ID)
	}

	eventually(t, "both sources cleared", func() bool {
		acked := env.notify.Acked()
		h := env.svc.Handle("c-dup")
		return len(acked) == 1 && acked[0] == "n-dup" && h != nil && h.Rejected()
	})
}

func TestInvitationConsumedExactlyOnce(t *testing.T) {
	env := newTestEnv(t, nil)

	env.coord.Observe(Observation{
		Source:       SourceRinging,
		SourceCallID: "c-once",
		Mode:         ModeAudio,
		CallerName:   "Dr. Avery",
	})
	inv := env.waitInvitation(t)

	if err := env.coord.Accept(context.Background(), inv.ID); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if err := env.coord.Reject(context.Background(), inv.ID); !errors.Is(err, ErrInvitationConsumed) {
		t.Fatalf("Reject() after Accept() error = %v, want ErrInvitationConsumed", err)
	}
}

func TestRemoteLeftEndsActiveCall(t *testing.T) {
	env := newTestEnv(t, nil)

	callID, err := env.coord.Initiate(context.Background(), InitiateParams{
		CounterpartyID: "therapist-1",
		Mode:           ModeAudio,
	})
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	env.waitSessionState(t, StateActive)

	// Remote hangs up; no local hangup is ever issued.
	env.svc.Handle(callID).EmitLeft()

	env.waitSessionState(t, StateEnding)
	env.waitSessionState(t, StateEnded)
	env.waitSessionCleared(t)

	records, err := env.history.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("history records = %d, want 1", len(records))
	}
	if records[0].Outcome != "ended" || records[0].Reason != "remote_left" {
		t.Fatalf("record = %+v, want ended/remote_left", records[0])
	}
}

func TestHangupToleratesLeaveFailure(t *testing.T) {
	env := newTestEnv(t, nil)

	callID, err := env.coord.Initiate(context.Background(), InitiateParams{
		CounterpartyID: "therapist-1",
		Mode:           ModeAudio,
	})
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	env.waitSessionState(t, StateActive)

	handle := env.svc.Handle(callID)
	handle.FailLeave(errors.New("backend unreachable"))

	if err := env.coord.Hangup(context.Background()); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}
	env.waitSessionCleared(t)

	if handle.LeaveCalls() != 1 {
		t.Fatalf("Leave() calls = %d, want 1", handle.LeaveCalls())
	}
	if env.coord.CurrentSession() != nil {
		t.Fatalf("session not cleared after hangup with failing leave")
	}
}

func TestInvitationWhileActiveAutoDeclinedBusy(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := env.coord.Initiate(context.Background(), InitiateParams{
		CounterpartyID: "therapist-1",
		Mode:           ModeAudio,
	}); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	env.waitSessionState(t, StateActive)

	env.coord.Observe(Observation{
		Source:         SourceNotification,
		SourceCallID:   "c-other",
		Mode:           ModeVideo,
		CallerName:     "Dr. Brook",
		NotificationID: "n-other",
	})

	eventually(t, "busy invitation declined in both sources", func() bool {
		h := env.svc.Handle("c-other")
		acked := env.notify.Acked()
		return h != nil && h.Rejected() && len(acked) == 1 && acked[0] == "n-other"
	})
	if env.coord.PendingInvitation() != nil {
		t.Fatalf("busy invitation surfaced, want silent decline")
	}
}

func TestInitiateWhileActiveReturnsBusy(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := env.coord.Initiate(context.Background(), InitiateParams{
		CounterpartyID: "therapist-1",
		Mode:           ModeAudio,
	}); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	env.waitSessionState(t, StateActive)

	if _, err := env.coord.Initiate(context.Background(), InitiateParams{
		CounterpartyID: "therapist-2",
		Mode:           ModeAudio,
	}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Initiate() error = %v, want ErrBusy", err)
	}
}

func TestBackgroundForegroundCameraPolicy(t *testing.T) {
	env := newTestEnv(t, nil)

	callID, err := env.coord.Initiate(context.Background(), InitiateParams{
		CounterpartyID: "therapist-1",
		Mode:           ModeVideo,
	})
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	env.waitSessionState(t, StateActive)
	handle := env.svc.Handle(callID)

	if err := env.coord.AppBackground(context.Background()); err != nil {
		t.Fatalf("AppBackground() error = %v", err)
	}
	if handle.CameraOn() {
		t.Fatalf("camera still on after backgrounding")
	}

	if err := env.coord.AppForeground(context.Background()); err != nil {
		t.Fatalf("AppForeground() error = %v", err)
	}
	if !handle.CameraOn() {
		t.Fatalf("camera not re-enabled: coordinator disabled it, so it must restore it")
	}
}

func TestForegroundRespectsUserCameraChoice(t *testing.T) {
	env := newTestEnv(t, nil)

	callID, err := env.coord.Initiate(context.Background(), InitiateParams{
		CounterpartyID: "therapist-1",
		Mode:           ModeVideo,
	})
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	env.waitSessionState(t, StateActive)
	handle := env.svc.Handle(callID)

	// User turns the camera off themselves.
	if err := env.coord.ToggleCamera(context.Background()); err != nil {
		t.Fatalf("ToggleCamera() error = %v", err)
	}
	if handle.CameraOn() {
		t.Fatalf("camera still on after user toggle")
	}

	if err := env.coord.AppBackground(context.Background()); err != nil {
		t.Fatalf("AppBackground() error = %v", err)
	}
	if err := env.coord.AppForeground(context.Background()); err != nil {
		t.Fatalf("AppForeground() error = %v", err)
	}
	if handle.CameraOn() {
		t.Fatalf("foreground re-enabled a user-disabled camera")
	}
}

func TestInvitationExpiryClearsBothSources(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.InvitationTTL = 20 * time.Millisecond
	})

	env.coord.Observe(Observation{
		Source:         SourceNotification,
		SourceCallID:   "c-exp",
		Mode:           ModeAudio,
		CallerName:     "Dr. Avery",
		NotificationID: "n-exp",
	})
	inv := env.waitInvitation(t)
	if cleared := env.waitInvitationCleared(t); cleared != inv.ID {
		t.Fatalf("cleared invitation id = %q, want %q", cleared, inv.ID)
	}

	eventually(t, "expired invitation acked", func() bool {
		acked := env.notify.Acked()
		return len(acked) == 1 && acked[0] == "n-exp"
	})

	if err := env.coord.Accept(context.Background(), inv.ID); !errors.Is(err, ErrInvitationConsumed) {
		t.Fatalf("Accept() after expiry error = %v, want ErrInvitationConsumed", err)
	}
}

func TestNotifyFailureDoesNotAbortCall(t *testing.T) {
	env := newTestEnv(t, nil)
	env.notify.notifyErr = errors.New("notification backend down")

	if _, err := env.coord.Initiate(context.Background(), InitiateParams{
		CounterpartyID: "therapist-1",
		Mode:           ModeAudio,
	}); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	env.waitSessionState(t, StateActive)

	if got := env.notify.Notified(); len(got) != 1 {
		t.Fatalf("notify attempts = %d, want 1", len(got))
	}
}

func TestStopLeavesCallStuckInEstablishment(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.JoinRetry = reliability.FixedRetry{MaxAttempts: 1000, Delay: time.Minute}
		o.Sleep = reliability.Sleep
	})
	env.svc.FailGets(1000)

	callID, err := env.coord.Initiate(context.Background(), InitiateParams{
		CounterpartyID: "therapist-1",
		Mode:           ModeAudio,
	})
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	env.waitSessionState(t, StateCreating)

	env.coord.Stop()

	handle := env.svc.Handle(callID)
	if handle == nil || handle.LeaveCalls() != 1 {
		t.Fatalf("pending call not left on stop")
	}
}

func TestStopKeepsActiveCall(t *testing.T) {
	env := newTestEnv(t, nil)

	callID, err := env.coord.Initiate(context.Background(), InitiateParams{
		CounterpartyID: "therapist-1",
		Mode:           ModeAudio,
	})
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	env.waitSessionState(t, StateActive)

	env.coord.Stop()

	if env.svc.Handle(callID).LeaveCalls() != 0 {
		t.Fatalf("active call was left on stop; explicit hangup is the only cleanup path")
	}
}
