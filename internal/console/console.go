// Package console implements the doctor's workflow: signing in, reviewing
// intake summaries, calling the patient and sending a prescription.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tariel-x/curocall/internal/backend"
	"github.com/tariel-x/curocall/internal/callsession"
	"github.com/tariel-x/curocall/internal/journal"
	"github.com/tariel-x/curocall/internal/models"
	"github.com/tariel-x/curocall/internal/push"
)

var (
	ErrNotAuthenticated       = errors.New("console: not signed in")
	ErrCredentialsRequired    = errors.New("console: email and password required")
	ErrNameRequired           = errors.New("console: name required")
	ErrNoSummary              = errors.New("console: no active summary")
	ErrNoSummaryToSkip        = errors.New("console: no active summary to skip")
	ErrIncompletePrescription = errors.New("console: no complete prescription item")
	ErrTooManyItems           = errors.New("console: too many prescription items")
	ErrCallInProgress         = errors.New("console: call already in progress")
	ErrNoCall                 = errors.New("console: no call in progress")
)

// TooManyItemsError reports a prescription above the backend's item limit.
// It matches ErrTooManyItems.
type TooManyItemsError struct {
	Limit int
}

func (e *TooManyItemsError) Error() string {
	return fmt.Sprintf("%s: up to %d allowed", ErrTooManyItems, e.Limit)
}

func (e *TooManyItemsError) Is(target error) bool {
	return target == ErrTooManyItems
}

// Backend is the clinic API as used by the console.
type Backend interface {
	callsession.StatusClient
	SetToken(token string)
	Register(ctx context.Context, name, email, password string) (*models.AuthSession, error)
	Login(ctx context.Context, email, password string) (*models.AuthSession, error)
	NextIntake(ctx context.Context) (*models.Intake, error)
	SkipIntake(ctx context.Context, callID string) error
	PrescriptionOptions(ctx context.Context) (*models.PrescriptionOptions, error)
	SubmitPrescription(ctx context.Context, p models.Prescription) error
	InitiateCall(ctx context.Context, intake *models.Intake) (*models.CallSession, error)
}

type Journal interface {
	RecordCall(ctx context.Context, rec *journal.CallRecord) error
}

type Notifier interface {
	Notify(ctx context.Context, msg push.Notification) (int, error)
}

type EventKind string

const (
	EventCallState  EventKind = "call-state"
	EventCallTick   EventKind = "call-tick"
	EventCallClosed EventKind = "call-closed"
	EventLoggedOut  EventKind = "logged-out"
)

type Event struct {
	Kind EventKind
	Call callsession.Snapshot
}

type Options struct {
	Backend  Backend
	Journal  Journal
	Notifier Notifier
	// Session is the template for every call session. Status and the
	// callbacks are set by the console.
	Session callsession.Options
	Logger  *slog.Logger
}

// State is what the operator currently sees.
type State struct {
	User    *models.Doctor        `json:"user"`
	Summary *models.Intake        `json:"summary"`
	Call    *callsession.Snapshot `json:"-"`
}

type liveCall struct {
	session   *callsession.Session
	intake    models.Intake
	startedAt time.Time

	mu   sync.Mutex
	last callsession.Snapshot
}

func (lc *liveCall) record(s callsession.Snapshot) {
	lc.mu.Lock()
	lc.last = s
	lc.mu.Unlock()
}

func (lc *liveCall) lastSnapshot() callsession.Snapshot {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.last
}

type Console struct {
	backend  Backend
	journal  Journal
	notifier Notifier
	session  callsession.Options
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	auth     *models.AuthSession
	summary  *models.Intake
	options  *models.PrescriptionOptions
	call     *liveCall
	starting bool

	// sessions counts calls whose close bookkeeping has not finished.
	sessions sync.WaitGroup

	listenersMu sync.RWMutex
	listeners   map[int]func(Event)
	nextID      int
}

func New(opts Options) *Console {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Session.Clock == nil {
		opts.Session.Clock = clock.New()
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = opts.Logger
	}
	return &Console{
		backend:   opts.Backend,
		journal:   opts.Journal,
		notifier:  opts.Notifier,
		session:   opts.Session,
		clock:     opts.Session.Clock,
		logger:    opts.Logger,
		listeners: make(map[int]func(Event)),
	}
}

// Subscribe registers fn for console events and returns a function removing it.
func (c *Console) Subscribe(fn func(Event)) func() {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Console) emit(ev Event) {
	c.listenersMu.RLock()
	fns := make([]func(Event), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Console) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	var st State
	if c.auth != nil {
		user := c.auth.User
		st.User = &user
	}
	st.Summary = c.summary
	if c.call != nil {
		snap := c.call.session.Snapshot()
		st.Call = &snap
	}
	return st
}

func (c *Console) Login(ctx context.Context, email, password string) (*models.Doctor, error) {
	email = strings.TrimSpace(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return nil, ErrCredentialsRequired
	}
	session, err := c.backend.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return c.signIn(session), nil
}

func (c *Console) Register(ctx context.Context, name, email, password string) (*models.Doctor, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return nil, ErrCredentialsRequired
	}
	if name == "" {
		return nil, ErrNameRequired
	}
	session, err := c.backend.Register(ctx, name, email, password)
	if err != nil {
		return nil, err
	}
	return c.signIn(session), nil
}

func (c *Console) signIn(session *models.AuthSession) *models.Doctor {
	c.mu.Lock()
	c.auth = session
	c.summary = nil
	c.options = nil
	c.mu.Unlock()

	c.backend.SetToken(session.Token)
	c.logger.Info("doctor signed in", "user_id", session.User.ID)
	user := session.User
	return &user
}

// Logout clears the operator state and closes any live call.
func (c *Console) Logout() {
	c.mu.Lock()
	lc := c.call
	wasSignedIn := c.auth != nil
	c.auth = nil
	c.summary = nil
	c.options = nil
	c.mu.Unlock()

	c.backend.SetToken("")
	if lc != nil {
		lc.session.Close()
	}
	if wasSignedIn {
		c.logger.Info("doctor signed out")
		c.emit(Event{Kind: EventLoggedOut})
	}
}

// handleErr signs the operator out when the backend rejected the session.
func (c *Console) handleErr(err error) error {
	if errors.Is(err, backend.ErrUnauthorized) {
		c.Logout()
	}
	return err
}

func (c *Console) requireAuth() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.auth == nil {
		return ErrNotAuthenticated
	}
	return nil
}

// NextSummary assigns the next intake summary. On failure the current one is cleared.
func (c *Console) NextSummary(ctx context.Context) (*models.Intake, error) {
	if err := c.requireAuth(); err != nil {
		return nil, err
	}
	intake, err := c.backend.NextIntake(ctx)

	c.mu.Lock()
	c.summary = intake
	c.mu.Unlock()

	if err != nil {
		return nil, c.handleErr(err)
	}
	c.logger.Info("summary assigned", "intake_id", intake.IntakeID())
	return intake, nil
}

// SkipSummary releases the current summary and loads the next one.
func (c *Console) SkipSummary(ctx context.Context) (*models.Intake, error) {
	if err := c.requireAuth(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	if summary == nil {
		return nil, ErrNoSummaryToSkip
	}

	if err := c.backend.SkipIntake(ctx, summary.CallID); err != nil {
		return nil, c.handleErr(err)
	}
	return c.NextSummary(ctx)
}

// Options returns the prescription options, fetched once per login.
func (c *Console) Options(ctx context.Context) (*models.PrescriptionOptions, error) {
	if err := c.requireAuth(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	cached := c.options
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	opts, err := c.backend.PrescriptionOptions(ctx)
	if err != nil {
		return nil, c.handleErr(err)
	}
	c.mu.Lock()
	if c.auth != nil {
		c.options = opts
	}
	c.mu.Unlock()
	return opts, nil
}

type PrescriptionResult struct {
	Next *models.Intake
	// NextErr is set when the prescription was sent but no next summary could be loaded.
	NextErr error
}

// SendPrescription sends the completed rows for the current summary and then
// loads the next summary.
func (c *Console) SendPrescription(ctx context.Context, items []models.PrescriptionDraftItem, notes string) (*PrescriptionResult, error) {
	if err := c.requireAuth(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	if summary == nil {
		return nil, ErrNoSummary
	}

	opts, err := c.Options(ctx)
	if err != nil {
		return nil, err
	}
	prescription, err := buildPrescription(summary.CallID, items, notes, opts)
	if err != nil {
		return nil, err
	}

	if err := c.backend.SubmitPrescription(ctx, *prescription); err != nil {
		return nil, c.handleErr(err)
	}
	c.logger.Info("prescription sent", "call_id", summary.CallID, "items", len(prescription.Items))

	c.mu.Lock()
	if c.summary == summary {
		c.summary = nil
	}
	c.mu.Unlock()

	next, err := c.NextSummary(ctx)
	return &PrescriptionResult{Next: next, NextErr: err}, nil
}

func buildPrescription(callID string, items []models.PrescriptionDraftItem, notes string, opts *models.PrescriptionOptions) (*models.Prescription, error) {
	complete := make([]models.PrescriptionDraftItem, 0, len(items))
	for _, item := range items {
		if item.Complete() {
			complete = append(complete, item)
		}
	}
	if len(complete) == 0 {
		return nil, ErrIncompletePrescription
	}
	if limit := opts.MaxItems(); len(complete) > limit {
		return nil, &TooManyItemsError{Limit: limit}
	}

	out := &models.Prescription{CallID: callID, Notes: notes, Items: make([]models.PrescriptionItem, 0, len(complete))}
	for _, item := range complete {
		duration, err := models.ParseDurationKey(item.DurationKey)
		if err != nil {
			return nil, err
		}
		var dosage string
		if medicine, ok := opts.Medicine(item.MedicineCode); ok {
			dosage = medicine.DefaultDosage
		}
		out.Items = append(out.Items, models.PrescriptionItem{
			MedicineCode:  item.MedicineCode,
			Dosage:        dosage,
			Frequency:     item.Frequency,
			DurationValue: duration.Value,
			DurationUnit:  duration.Unit,
		})
	}
	return out, nil
}

// StartCall initiates a call to the patient of the current summary.
func (c *Console) StartCall(ctx context.Context) (callsession.Snapshot, error) {
	c.mu.Lock()
	if c.auth == nil {
		c.mu.Unlock()
		return callsession.Snapshot{}, ErrNotAuthenticated
	}
	if c.summary == nil {
		c.mu.Unlock()
		return callsession.Snapshot{}, ErrNoSummary
	}
	if c.call != nil || c.starting {
		c.mu.Unlock()
		return callsession.Snapshot{}, ErrCallInProgress
	}
	c.starting = true
	intake := *c.summary
	c.mu.Unlock()

	call, err := c.backend.InitiateCall(ctx, &intake)
	if err != nil {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
		return callsession.Snapshot{}, c.handleErr(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.starting = false
	if c.auth == nil {
		return callsession.Snapshot{}, ErrNotAuthenticated
	}

	lc := &liveCall{intake: intake, startedAt: c.clock.Now()}
	opts := c.session
	opts.Status = c.backend
	opts.OnCallStateChange = func(s callsession.Snapshot) {
		lc.record(s)
		c.emit(Event{Kind: EventCallState, Call: s})
	}
	opts.OnTick = func(s callsession.Snapshot) {
		lc.record(s)
		c.emit(Event{Kind: EventCallTick, Call: s})
	}
	opts.OnClose = func() { c.sessionClosed(lc) }

	c.logger.Info("call initiated", "call_id", call.CallID, "intake_id", intake.IntakeID())
	// The session outlives the request that started it.
	c.sessions.Add(1)
	lc.session = callsession.Start(context.Background(), *call, opts)
	c.call = lc
	return lc.session.Snapshot(), nil
}

// sessionClosed runs on the session goroutine once its loop has stopped.
func (c *Console) sessionClosed(lc *liveCall) {
	defer c.sessions.Done()

	c.mu.Lock()
	if c.call == lc {
		c.call = nil
	}
	c.mu.Unlock()

	final := lc.lastSnapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if c.journal != nil {
		rec := &journal.CallRecord{
			CallID:          final.CallID,
			IntakeID:        lc.intake.IntakeID(),
			PatientName:     lc.intake.PatientName,
			State:           final.State.String(),
			Reason:          final.Reason.String(),
			Message:         final.Message,
			DurationSeconds: final.Elapsed,
			StartedAt:       lc.startedAt,
			EndedAt:         c.clock.Now(),
		}
		if err := c.journal.RecordCall(ctx, rec); err != nil {
			c.logger.Error("failed to record call", "call_id", final.CallID, "error", err)
		}
	}

	if c.notifier != nil && final.Reason.Remote() {
		msg := push.Notification{
			Title: "Call with " + lc.intake.DisplayName() + " ended",
			Body:  final.Message,
			Data:  map[string]any{"callId": final.CallID, "reason": final.Reason.String()},
		}
		if _, err := c.notifier.Notify(ctx, msg); err != nil {
			c.logger.Warn("failed to notify operator", "call_id", final.CallID, "error", err)
		}
	}

	c.emit(Event{Kind: EventCallClosed, Call: final})
}

func (c *Console) liveSession() (*callsession.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return nil, ErrNoCall
	}
	return c.call.session, nil
}

func (c *Console) ToggleMute() (bool, error) {
	s, err := c.liveSession()
	if err != nil {
		return false, err
	}
	return s.ToggleMute(), nil
}

// EndCall hangs up. The call stays visible until its close delay passes.
func (c *Console) EndCall() error {
	s, err := c.liveSession()
	if err != nil {
		return err
	}
	s.End()
	return nil
}

// DismissCall closes the call view, tearing the call down if it is still live.
func (c *Console) DismissCall() error {
	s, err := c.liveSession()
	if err != nil {
		return err
	}
	s.Close()
	<-s.Done()

	c.mu.Lock()
	if c.call != nil && c.call.session == s {
		c.call = nil
	}
	c.mu.Unlock()
	return nil
}

// Shutdown ends any live call and waits until it has been journaled.
func (c *Console) Shutdown() {
	c.mu.Lock()
	lc := c.call
	c.mu.Unlock()
	if lc != nil {
		lc.session.Close()
	}
	c.sessions.Wait()
}

func (c *Console) CallSnapshot() (callsession.Snapshot, bool) {
	s, err := c.liveSession()
	if err != nil {
		return callsession.Snapshot{}, false
	}
	return s.Snapshot(), true
}
