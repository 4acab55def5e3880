package callsession

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tariel-x/curocall/internal/models"
	"github.com/tariel-x/curocall/internal/room"
)

type fakeEngine struct {
	mu         sync.Mutex
	handler    room.EventHandler
	loginErr   error
	publishErr error

	logins      int
	publishes   int
	logouts     int
	destroys    int
	publishedID string
	played      []string
	stream      *room.LocalStream
}

func (e *fakeEngine) Subscribe(h room.EventHandler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

func (e *fakeEngine) Login(_ context.Context, p room.LoginParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logins++
	return e.loginErr
}

func (e *fakeEngine) CreateStream(_ context.Context, cfg room.StreamConfig) (*room.LocalStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stream = room.NewLocalStream(cfg)
	return e.stream, nil
}

func (e *fakeEngine) Publish(_ context.Context, streamID string, _ *room.LocalStream) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.publishErr != nil {
		return e.publishErr
	}
	e.publishes++
	e.publishedID = streamID
	return nil
}

func (e *fakeEngine) PlayStream(_ context.Context, streamID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.played = append(e.played, streamID)
	return nil
}

func (e *fakeEngine) Logout(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logouts++
	return nil
}

func (e *fakeEngine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroys++
}

func (e *fakeEngine) emit(ev room.Event) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	h(ev)
}

func (e *fakeEngine) counts() (logouts, destroys, publishes int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.logouts, e.destroys, e.publishes
}

type fakeStatus struct {
	mu      sync.Mutex
	status  models.CallStatus
	gate    chan struct{}
	gets    int
	reports []models.CallStatus
}

func (f *fakeStatus) GetCallStatus(ctx context.Context, callID string) (models.CallStatus, error) {
	f.mu.Lock()
	f.gets++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeStatus) UpdateCallStatus(_ context.Context, _ string, status models.CallStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, status)
	return nil
}

func (f *fakeStatus) setStatus(status models.CallStatus) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
}

func (f *fakeStatus) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeStatus) reportCount(status models.CallStatus) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.reports {
		if r == status {
			n++
		}
	}
	return n
}

type harness struct {
	t       *testing.T
	clock   *clock.Mock
	engine  *fakeEngine
	status  *fakeStatus
	session *Session

	mu      sync.Mutex
	states  []State
	closes  int
	engines int
}

var testCredentials = models.CallCredentials{AppID: "app", Token: "t", RoomID: "r", UserID: "u"}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:      t,
		clock:  clock.NewMock(),
		engine: &fakeEngine{},
		status: &fakeStatus{},
	}
}

func (h *harness) start(creds models.CallCredentials) *Session {
	h.session = Start(context.Background(), models.CallSession{CallID: "call-1", Credentials: creds}, Options{
		NewEngine: func(appID string) (room.Engine, error) {
			h.mu.Lock()
			h.engines++
			h.mu.Unlock()
			return h.engine, nil
		},
		Status:     h.status,
		Clock:      h.clock,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		CloseDelay: time.Second,
		OnCallStateChange: func(s Snapshot) {
			h.mu.Lock()
			h.states = append(h.states, s.State)
			h.mu.Unlock()
		},
		OnClose: func() {
			h.mu.Lock()
			h.closes++
			h.mu.Unlock()
		},
	})
	return h.session
}

func (h *harness) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

func (h *harness) stateHistory() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func (h *harness) waitState(want State) Snapshot {
	h.t.Helper()
	waitFor(h.t, "state "+want.String(), func() bool {
		return h.session.Snapshot().State == want
	})
	return h.session.Snapshot()
}

func (h *harness) waitPublished() {
	h.t.Helper()
	waitFor(h.t, "publish", func() bool {
		_, _, publishes := h.engine.counts()
		return publishes == 1
	})
}

func (h *harness) activate() {
	h.t.Helper()
	h.waitPublished()
	h.engine.emit(room.Event{Kind: room.EventStreamAdded, UserID: "patient", StreamID: "r_patient_call"})
	h.waitState(StateActive)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMissingCredentialEndsWithConfigurationError(t *testing.T) {
	h := newHarness(t)
	creds := testCredentials
	creds.AppID = ""
	h.start(creds)

	snap := h.waitState(StateEnded)
	if !errors.Is(snap.Err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", snap.Err)
	}
	if snap.Reason != ReasonConfiguration {
		t.Fatalf("expected configuration reason, got %s", snap.Reason)
	}
	if h.engines != 0 {
		t.Fatalf("engine must not be created with missing credentials")
	}

	h.clock.Add(time.Second)
	waitFor(t, "onClose", func() bool { return h.closeCount() == 1 })
	<-h.session.Done()
}

func TestInitiationPublishesDeterministicStream(t *testing.T) {
	h := newHarness(t)
	h.start(testCredentials)
	h.waitPublished()

	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	if h.engine.logins != 1 {
		t.Fatalf("expected one login, got %d", h.engine.logins)
	}
	if h.engine.publishedID != "r_u_call" {
		t.Fatalf("unexpected stream id %q", h.engine.publishedID)
	}
	if got := len(h.engine.stream.AudioTracks()); got != 1 || len(h.engine.stream.Tracks()) != 1 {
		t.Fatalf("expected a single audio track, got %d", got)
	}
}

func TestRemoteStreamActivatesSession(t *testing.T) {
	h := newHarness(t)
	h.start(testCredentials)
	h.activate()

	snap := h.session.Snapshot()
	if snap.Elapsed != 0 {
		t.Fatalf("timer should start at 0, got %d", snap.Elapsed)
	}
	waitFor(t, "active report", func() bool { return h.status.reportCount(models.CallStatusActive) == 1 })

	// A second presence signal must not repeat the side effects.
	h.engine.emit(room.Event{Kind: room.EventUserJoined, UserID: "patient"})

	h.clock.Add(time.Second)
	waitFor(t, "first tick", func() bool { return h.session.Snapshot().Elapsed == 1 })

	gets := h.status.getCount()
	h.clock.Add(10 * time.Second)
	waitFor(t, "more ticks", func() bool { return h.session.Snapshot().Elapsed == 11 })
	if got := h.status.getCount(); got != gets {
		t.Fatalf("status poll must stop once active: %d -> %d GETs", gets, got)
	}
	if got := h.status.reportCount(models.CallStatusActive); got != 1 {
		t.Fatalf("expected one active report, got %d", got)
	}

	h.engine.mu.Lock()
	played := append([]string(nil), h.engine.played...)
	h.engine.mu.Unlock()
	if len(played) != 1 || played[0] != "r_patient_call" {
		t.Fatalf("expected remote stream to be played, got %v", played)
	}
}

func TestMissedStatusRejectsCall(t *testing.T) {
	h := newHarness(t)
	h.status.setStatus(models.CallStatusMissed)
	h.start(testCredentials)
	h.waitPublished()

	h.clock.Add(2 * time.Second)
	snap := h.waitState(StateEnded)
	if snap.Reason != ReasonRejected {
		t.Fatalf("expected rejection, got %s", snap.Reason)
	}
	if snap.Message != ReasonRejected.Message() {
		t.Fatalf("unexpected message %q", snap.Message)
	}

	logouts, destroys, _ := h.engine.counts()
	if logouts != 1 || destroys != 1 {
		t.Fatalf("expected one logout and destroy, got %d/%d", logouts, destroys)
	}
	waitFor(t, "local track stopped", func() bool {
		h.engine.mu.Lock()
		defer h.engine.mu.Unlock()
		return h.engine.stream.AudioTracks()[0].Stopped()
	})

	if h.closeCount() != 0 {
		t.Fatalf("onClose must wait for the close delay")
	}
	h.clock.Add(time.Second)
	waitFor(t, "onClose", func() bool { return h.closeCount() == 1 })
}

func TestEndedStatusWhileConnectingEndsByRemote(t *testing.T) {
	h := newHarness(t)
	h.status.setStatus(models.CallStatusEnded)
	h.start(testCredentials)
	h.waitPublished()

	h.clock.Add(2 * time.Second)
	snap := h.waitState(StateEnded)
	if snap.Reason != ReasonEndedByRemote {
		t.Fatalf("expected ended by remote, got %s", snap.Reason)
	}
	if snap.Message != "The call was ended by the patient." {
		t.Fatalf("unexpected message %q", snap.Message)
	}
	if snap.Err != nil {
		t.Fatalf("remote termination is not an error, got %v", snap.Err)
	}
	waitFor(t, "ended reported", func() bool { return h.status.reportCount(models.CallStatusEnded) == 1 })

	h.clock.Add(time.Second)
	waitFor(t, "onClose", func() bool { return h.closeCount() == 1 })
}

func TestActiveStatusFromPollIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.status.setStatus(models.CallStatusActive)
	h.start(testCredentials)

	waitFor(t, "repeated polls", func() bool {
		h.clock.Add(2 * time.Second)
		return h.status.getCount() >= 2
	})

	if state := h.session.Snapshot().State; state != StateConnecting {
		t.Fatalf("expected connecting, got %s", state)
	}
}

func TestRemoteStreamRemovedEndsOnce(t *testing.T) {
	h := newHarness(t)
	h.start(testCredentials)
	h.activate()

	removed := room.Event{Kind: room.EventStreamRemoved, UserID: "patient", StreamID: "r_patient_call"}
	h.engine.emit(removed)
	snap := h.waitState(StateEnded)
	if snap.Reason != ReasonRemoteLeft {
		t.Fatalf("expected remote left, got %s", snap.Reason)
	}

	time.Sleep(10 * time.Millisecond)
	h.engine.emit(removed)

	h.clock.Add(time.Second)
	waitFor(t, "onClose", func() bool { return h.closeCount() == 1 })

	logouts, destroys, _ := h.engine.counts()
	if logouts != 1 || destroys != 1 {
		t.Fatalf("expected single teardown, got %d logouts %d destroys", logouts, destroys)
	}
	waitFor(t, "ended report", func() bool { return h.status.reportCount(models.CallStatusEnded) == 1 })
	want := []State{StateConnecting, StateActive, StateEnded}
	if got := h.stateHistory(); len(got) != len(want) || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("unexpected transitions %v", got)
	}
}

func TestConcurrentTerminalTriggersTearDownOnce(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.status.gate = gate
	h.start(testCredentials)
	h.waitPublished()

	// A poll is in flight when the remote party shows up.
	h.clock.Add(2 * time.Second)
	waitFor(t, "poll in flight", func() bool { return h.status.getCount() == 1 })
	h.activate()

	h.status.setStatus(models.CallStatusEnded)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		close(gate)
	}()
	go func() {
		defer wg.Done()
		h.engine.emit(room.Event{Kind: room.EventStreamRemoved, UserID: "patient", StreamID: "r_patient_call"})
	}()
	wg.Wait()

	h.waitState(StateEnded)
	h.session.End()
	h.clock.Add(time.Second)
	waitFor(t, "onClose", func() bool { return h.closeCount() == 1 })
	<-h.session.Done()

	logouts, destroys, _ := h.engine.counts()
	if logouts != 1 || destroys != 1 {
		t.Fatalf("expected single teardown, got %d logouts %d destroys", logouts, destroys)
	}
	waitFor(t, "ended report", func() bool { return h.status.reportCount(models.CallStatusEnded) >= 1 })
	time.Sleep(10 * time.Millisecond)
	if got := h.status.reportCount(models.CallStatusEnded); got != 1 {
		t.Fatalf("expected one ended report, got %d", got)
	}
	ended := 0
	for _, s := range h.stateHistory() {
		if s == StateEnded {
			ended++
		}
	}
	if ended != 1 {
		t.Fatalf("expected one ended transition, got %d", ended)
	}
	if h.closeCount() != 1 {
		t.Fatalf("onClose fired %d times", h.closeCount())
	}
}

func TestDepartureBeforePresenceKeepsConnecting(t *testing.T) {
	h := newHarness(t)
	h.start(testCredentials)
	h.waitPublished()

	h.engine.emit(room.Event{Kind: room.EventUserLeft, UserID: "patient"})
	h.engine.emit(room.Event{Kind: room.EventStreamRemoved, UserID: "patient", StreamID: "r_patient_call"})

	if state := h.session.Snapshot().State; state != StateConnecting {
		t.Fatalf("expected connecting, got %s", state)
	}

	h.engine.emit(room.Event{Kind: room.EventUserJoined, UserID: "patient"})
	h.waitState(StateActive)
}

func TestOwnEventsAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.start(testCredentials)
	h.waitPublished()

	h.engine.emit(room.Event{Kind: room.EventUserJoined, UserID: "u"})
	h.engine.emit(room.Event{Kind: room.EventStreamAdded, StreamID: "r_u_call"})

	if state := h.session.Snapshot().State; state != StateConnecting {
		t.Fatalf("own presence must not activate the call, got %s", state)
	}
}

func TestToggleMute(t *testing.T) {
	h := newHarness(t)
	h.start(testCredentials)
	h.activate()

	h.engine.mu.Lock()
	track := h.engine.stream.AudioTracks()[0]
	h.engine.mu.Unlock()

	if muted := h.session.ToggleMute(); !muted {
		t.Fatalf("first toggle should mute")
	}
	if track.Enabled() {
		t.Fatalf("track should be disabled when muted")
	}
	if muted := h.session.ToggleMute(); muted {
		t.Fatalf("second toggle should unmute")
	}
	if !track.Enabled() {
		t.Fatalf("track should be enabled again")
	}

	h.session.Close()
	<-h.session.Done()
	if muted := h.session.ToggleMute(); muted {
		t.Fatalf("toggle after close must be a no-op")
	}
}

func TestLoginFailureEndsWithTransportError(t *testing.T) {
	h := newHarness(t)
	h.engine.loginErr = errors.New("token expired")
	h.start(testCredentials)

	snap := h.waitState(StateEnded)
	if !errors.Is(snap.Err, ErrTransport) || snap.Reason != ReasonTransport {
		t.Fatalf("expected transport error, got %v (%s)", snap.Err, snap.Reason)
	}
	if !strings.Contains(snap.Message, "token expired") {
		t.Fatalf("operator message should carry the cause, got %q", snap.Message)
	}
	_, destroys, publishes := h.engine.counts()
	if publishes != 0 || destroys != 1 {
		t.Fatalf("unexpected publishes=%d destroys=%d", publishes, destroys)
	}
}

func TestPublishFailureStopsLocalStream(t *testing.T) {
	h := newHarness(t)
	h.engine.publishErr = errors.New("publish denied")
	h.start(testCredentials)

	h.waitState(StateEnded)
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	if !h.engine.stream.AudioTracks()[0].Stopped() {
		t.Fatalf("stream created before the failed publish must be stopped")
	}
}

func TestCloseReleasesWithoutDelay(t *testing.T) {
	h := newHarness(t)
	h.start(testCredentials)
	h.waitPublished()

	h.session.Close()
	<-h.session.Done()
	waitFor(t, "onClose", func() bool { return h.closeCount() == 1 })
	logouts, destroys, _ := h.engine.counts()
	if logouts != 1 || destroys != 1 {
		t.Fatalf("expected release on close, got %d/%d", logouts, destroys)
	}
	if snap := h.session.Snapshot(); snap.State != StateEnded || snap.Reason != ReasonClosed {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	// Commands after the loop stopped return immediately.
	h.session.End()
	h.session.Close()
}

func TestCloseDuringCloseDelayReleasesImmediately(t *testing.T) {
	h := newHarness(t)
	h.start(testCredentials)
	h.activate()

	h.session.End()
	h.waitState(StateEnded)
	if h.closeCount() != 0 {
		t.Fatalf("onClose must wait for the close delay")
	}

	h.session.Close()
	select {
	case <-h.session.Done():
	case <-time.After(time.Second):
		t.Fatalf("close during the close delay should not wait for the timer")
	}
	waitFor(t, "onClose", func() bool { return h.closeCount() == 1 })
	if snap := h.session.Snapshot(); snap.Reason != ReasonOperator {
		t.Fatalf("the original end reason should be kept, got %s", snap.Reason)
	}

	h.clock.Add(time.Second)
	if h.closeCount() != 1 {
		t.Fatalf("onClose fired %d times", h.closeCount())
	}
}

func TestDisconnectAfterOperatorEndIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.start(testCredentials)
	h.activate()

	h.session.End()
	h.engine.emit(room.Event{Kind: room.EventDisconnected, Err: errors.New("socket closed")})

	snap := h.waitState(StateEnded)
	if snap.Reason != ReasonOperator || snap.Message != "Call ended." {
		t.Fatalf("unexpected end %s %q", snap.Reason, snap.Message)
	}
	waitFor(t, "ended report", func() bool { return h.status.reportCount(models.CallStatusEnded) == 1 })
}

func TestUnexpectedDisconnectEndsCall(t *testing.T) {
	h := newHarness(t)
	h.start(testCredentials)
	h.activate()

	h.engine.emit(room.Event{Kind: room.EventDisconnected, Err: errors.New("socket closed")})
	snap := h.waitState(StateEnded)
	if snap.Reason != ReasonTransport || !errors.Is(snap.Err, ErrTransport) {
		t.Fatalf("expected transport failure, got %s %v", snap.Reason, snap.Err)
	}

	h.clock.Add(time.Second)
	waitFor(t, "onClose", func() bool { return h.closeCount() == 1 })
	if got := h.session.Snapshot().Elapsed; got != 0 {
		t.Fatalf("elapsed should freeze at ended, got %d", got)
	}
}
