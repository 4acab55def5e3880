// Package callsession runs one voice call attempt from room login to teardown.
//
// A Session reconciles two independent signals about the remote party: room
// presence events from the real-time provider and the call status polled from
// the backend. Both are funneled into one event loop goroutine which owns all
// mutable state, so the teardown guard needs no locking.
package callsession

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tariel-x/curocall/internal/models"
	"github.com/tariel-x/curocall/internal/room"
)

const (
	DefaultPollInterval   = 2 * time.Second
	DefaultTickInterval   = time.Second
	DefaultCloseDelay     = time.Second
	DefaultRequestTimeout = 10 * time.Second
)

// StatusClient is the part of the backend the session talks to.
type StatusClient interface {
	UpdateCallStatus(ctx context.Context, callID string, status models.CallStatus) error
	GetCallStatus(ctx context.Context, callID string) (models.CallStatus, error)
}

type Options struct {
	NewEngine func(appID string) (room.Engine, error)
	Status    StatusClient
	Clock     clock.Clock
	Logger    *slog.Logger

	PollInterval   time.Duration
	TickInterval   time.Duration
	CloseDelay     time.Duration
	RequestTimeout time.Duration

	// OnCallStateChange fires on the loop goroutine for Connecting, Active and
	// Ended. It must not call back into the session's command methods.
	OnCallStateChange func(Snapshot)
	// OnTick fires every elapsed second while Active.
	OnTick func(Snapshot)
	// OnClose fires exactly once, after the loop has stopped.
	OnClose func()
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.CloseDelay < 0 {
		o.CloseDelay = 0
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	return o
}

// Snapshot is a copy of the session state for presentation.
type Snapshot struct {
	CallID  string
	State   State
	Elapsed int
	Muted   bool
	Reason  Reason
	Message string
	Err     error
}

type pollResult struct {
	status models.CallStatus
	err    error
}

type initResult struct {
	stream *room.LocalStream
	err    error
}

type Session struct {
	call   models.CallSession
	opts   Options
	clock  clock.Clock
	logger *slog.Logger

	// Owned by the loop goroutine.
	m            machine
	engine       room.Engine
	stream       *room.LocalStream
	muted        bool
	pollTicker   *clock.Ticker
	pollC        <-chan time.Time
	pollInFlight bool
	tickTicker   *clock.Ticker
	tickC        <-chan time.Time
	closeTimer   *clock.Timer
	closeC       <-chan time.Time
	initCancel   context.CancelFunc
	finished     bool

	events      chan room.Event
	initResults chan initResult
	pollResults chan pollResult
	commands    chan func()
	done        chan struct{}

	mu   sync.Mutex
	snap Snapshot
}

// Start creates the session and begins initiation: room login, audio stream
// creation and publishing. ctx bounds initiation only; use End or Close to
// stop the session.
func Start(ctx context.Context, call models.CallSession, opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		call:        call,
		opts:        opts,
		clock:       opts.Clock,
		logger:      opts.Logger.With("call_id", call.CallID),
		events:      make(chan room.Event),
		initResults: make(chan initResult),
		pollResults: make(chan pollResult),
		commands:    make(chan func()),
		done:        make(chan struct{}),
	}
	s.snap = Snapshot{CallID: call.CallID, State: StateConnecting}

	if missing := call.Credentials.Missing(); len(missing) > 0 {
		go s.run(fmt.Errorf("%w: missing %s", ErrConfiguration, strings.Join(missing, ", ")))
		return s
	}

	engine, err := opts.NewEngine(call.Credentials.AppID)
	if err != nil {
		go s.run(fmt.Errorf("%w: create engine: %w", ErrTransport, err))
		return s
	}
	s.engine = engine
	// Listen before joining so no presence event slips between the two.
	engine.Subscribe(s.onRoomEvent)

	s.pollTicker = s.clock.Ticker(opts.PollInterval)
	s.pollC = s.pollTicker.C

	initCtx, cancel := context.WithCancel(ctx)
	s.initCancel = cancel

	go s.run(nil)
	go s.initiate(initCtx, engine)
	return s
}

func (s *Session) CallID() string {
	return s.call.CallID
}

// Snapshot returns the latest published state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Done is closed when the session loop has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ToggleMute flips every local audio track and returns the new muted state.
// Without a local stream it changes nothing.
func (s *Session) ToggleMute() bool {
	reply := make(chan bool, 1)
	if !s.do(func() { reply <- s.toggleMute() }) {
		return s.Snapshot().Muted
	}
	return <-reply
}

// End is the operator hanging up.
func (s *Session) End() {
	s.do(func() { s.teardown(ReasonOperator, nil) })
}

// Close tears the session down because its view went away. OnClose fires
// without the user-visible delay, also when the call already ended and is
// waiting out its close delay.
func (s *Session) Close() {
	s.do(func() {
		if s.m.ending {
			if s.closeTimer != nil {
				s.closeTimer.Stop()
			}
			s.finished = true
			return
		}
		s.teardown(ReasonClosed, nil)
	})
}

func (s *Session) do(fn func()) bool {
	select {
	case s.commands <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) run(startErr error) {
	defer func() {
		close(s.done)
		if s.opts.OnClose != nil {
			s.opts.OnClose()
		}
	}()

	s.notify()
	if startErr != nil {
		reason := ReasonTransport
		if isConfigurationError(startErr) {
			reason = ReasonConfiguration
		}
		s.logger.Error("call setup failed", "error", startErr)
		s.teardown(reason, startErr)
	}

	for !s.finished {
		select {
		case ev := <-s.events:
			s.handleRoomEvent(ev)
		case res := <-s.initResults:
			s.handleInit(res)
		case <-s.pollC:
			s.poll()
		case res := <-s.pollResults:
			s.handlePoll(res)
		case <-s.tickC:
			if s.m.tick() {
				snap := s.publish()
				if s.opts.OnTick != nil {
					s.opts.OnTick(snap)
				}
			}
		case fn := <-s.commands:
			fn()
		case <-s.closeC:
			s.finished = true
		}
	}
}

func (s *Session) initiate(ctx context.Context, engine room.Engine) {
	creds := s.call.Credentials

	if err := engine.Login(ctx, room.LoginParams{
		RoomID: creds.RoomID,
		Token:  creds.Token,
		UserID: creds.UserID,
	}); err != nil {
		s.postInit(initResult{err: fmt.Errorf("%w: room login: %w", ErrTransport, err)})
		return
	}

	stream, err := engine.CreateStream(ctx, room.StreamConfig{Audio: true})
	if err != nil {
		s.postInit(initResult{err: fmt.Errorf("%w: create stream: %w", ErrTransport, err)})
		return
	}

	if err := engine.Publish(ctx, creds.PublishStreamID(), stream); err != nil {
		stream.Stop()
		s.postInit(initResult{err: fmt.Errorf("%w: publish stream: %w", ErrTransport, err)})
		return
	}

	s.postInit(initResult{stream: stream})
}

func (s *Session) postInit(res initResult) {
	select {
	case s.initResults <- res:
	case <-s.done:
		if res.stream != nil {
			res.stream.Stop()
		}
	}
}

func (s *Session) handleInit(res initResult) {
	if s.m.ending {
		if res.stream != nil {
			res.stream.Stop()
		}
		return
	}
	if res.err != nil {
		s.logger.Error("call initiation failed", "error", res.err)
		s.teardown(ReasonTransport, res.err)
		return
	}
	s.stream = res.stream
	s.logger.Info("call initiated", "stream_id", s.call.Credentials.PublishStreamID())
}

func (s *Session) onRoomEvent(ev room.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) isRemote(ev room.Event) bool {
	creds := s.call.Credentials
	if ev.UserID == creds.UserID || ev.StreamID == creds.PublishStreamID() {
		return false
	}
	return ev.UserID != "" || ev.StreamID != ""
}

func (s *Session) handleRoomEvent(ev room.Event) {
	switch ev.Kind {
	case room.EventUserJoined, room.EventStreamAdded:
		if !s.isRemote(ev) || s.m.ending {
			return
		}
		if ev.Kind == room.EventStreamAdded {
			s.playRemote(ev.StreamID)
		}
		if s.m.observePresence() {
			s.enterActive(ev)
		}
	case room.EventUserLeft, room.EventStreamRemoved:
		if !s.isRemote(ev) {
			return
		}
		reason, ok := s.m.observeDeparture()
		if !ok {
			s.logger.Debug("ignoring remote departure", "event", ev.Kind.String(), "user_id", ev.UserID)
			return
		}
		s.teardown(reason, nil)
	case room.EventDisconnected:
		if s.m.ending {
			return
		}
		s.logger.Error("room connection lost", "error", ev.Err)
		s.teardown(ReasonTransport, fmt.Errorf("%w: %v", ErrTransport, ev.Err))
	}
}

func (s *Session) playRemote(streamID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
	defer cancel()
	if err := s.engine.PlayStream(ctx, streamID); err != nil {
		s.logger.Warn("failed to play remote stream", "stream_id", streamID, "error", err)
	}
}

func (s *Session) enterActive(ev room.Event) {
	s.stopPoll()
	s.tickTicker = s.clock.Ticker(s.opts.TickInterval)
	s.tickC = s.tickTicker.C
	s.logger.Info("remote party joined", "event", ev.Kind.String(), "user_id", ev.UserID)
	s.report(models.CallStatusActive)
	s.notify()
}

func (s *Session) poll() {
	if s.pollInFlight || s.m.ending || s.opts.Status == nil {
		return
	}
	s.pollInFlight = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
		defer cancel()
		status, err := s.opts.Status.GetCallStatus(ctx, s.call.CallID)
		select {
		case s.pollResults <- pollResult{status: status, err: err}:
		case <-s.done:
		}
	}()
}

func (s *Session) handlePoll(res pollResult) {
	s.pollInFlight = false
	if res.err != nil {
		s.logger.Warn("call status poll failed", "error", res.err)
		return
	}
	if reason, ok := s.m.observeStatus(res.status); ok {
		s.logger.Info("backend reported call status", "status", string(res.status))
		s.teardown(reason, nil)
	}
}

// report sends a status update in the background. Failures are only logged.
func (s *Session) report(status models.CallStatus) {
	if s.opts.Status == nil || s.call.CallID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
		defer cancel()
		if err := s.opts.Status.UpdateCallStatus(ctx, s.call.CallID, status); err != nil {
			s.logger.Warn("failed to report call status", "status", string(status), "error", err)
		}
	}()
}

func (s *Session) toggleMute() bool {
	if s.stream == nil || s.m.ending {
		return s.muted
	}
	for _, t := range s.stream.AudioTracks() {
		t.SetEnabled(!t.Enabled())
	}
	s.muted = !s.muted
	s.publish()
	s.logger.Debug("local audio toggled", "muted", s.muted)
	return s.muted
}

func (s *Session) stopPoll() {
	if s.pollTicker != nil {
		s.pollTicker.Stop()
		s.pollTicker = nil
	}
	s.pollC = nil
}

func (s *Session) stopTick() {
	if s.tickTicker != nil {
		s.tickTicker.Stop()
		s.tickTicker = nil
	}
	s.tickC = nil
}

// teardown releases everything the session holds. The ending guard is
// flipped before anything else so a second trigger returns immediately.
func (s *Session) teardown(reason Reason, err error) {
	if !s.m.beginEnding(reason, err) {
		return
	}

	s.report(models.CallStatusEnded)
	s.stopPoll()
	s.stopTick()
	if s.initCancel != nil {
		s.initCancel()
	}

	if s.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
		if err := s.engine.Logout(ctx); err != nil {
			s.logger.Warn("room logout failed", "error", err)
		}
		cancel()
		s.engine.Destroy()
		s.engine = nil
	}
	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}

	s.logger.Info("call ended", "reason", reason.String(), "elapsed_seconds", s.m.elapsed)
	if reason == ReasonClosed || s.opts.CloseDelay == 0 {
		s.finished = true
	} else {
		s.closeTimer = s.clock.Timer(s.opts.CloseDelay)
		s.closeC = s.closeTimer.C
	}
	s.notify()
}

func (s *Session) publish() Snapshot {
	snap := Snapshot{
		CallID:  s.call.CallID,
		State:   s.m.state,
		Elapsed: s.m.elapsed,
		Muted:   s.muted,
		Reason:  s.m.reason,
		Err:     s.m.err,
	}
	if s.m.state == StateEnded {
		snap.Message = s.m.reason.Message()
		if s.m.err != nil && !isConfigurationError(s.m.err) {
			snap.Message = s.m.err.Error()
		}
	}
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	return snap
}

func (s *Session) notify() {
	snap := s.publish()
	if s.opts.OnCallStateChange != nil {
		s.opts.OnCallStateChange(snap)
	}
}
