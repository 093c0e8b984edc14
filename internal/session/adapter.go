// Package session merges one agent connection's live feed into the
// conversation's persisted event log and derives what the agent is waiting
// on.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/oochat/internal/agent"
	"github.com/ashureev/oochat/internal/domain"
)

// Errors returned by Adapter.
var (
	ErrNoSession            = errors.New("no session open")
	ErrTurnInFlight         = errors.New("a turn is already in flight")
	ErrNoPendingInteraction = errors.New("no matching pending interaction")
	ErrStaleSession         = errors.New("session changed while connecting")
)

// Snapshot is a consistent view of the adapter. Version increases with
// every change; consumers receiving snapshots from several goroutines keep
// the highest.
type Snapshot struct {
	Version      uint64          `json:"version"`
	SessionID    string          `json:"session_id"`
	AgentAddress string          `json:"agent_address"`
	Events       []domain.Event  `json:"ui"`
	Status       agent.Status    `json:"status"`
	Busy         bool            `json:"busy"`
	Connected    bool            `json:"connected"`
	ElapsedMs    int64           `json:"elapsed_ms"`
	Pending      *domain.Pending `json:"pending"`
	Error        string          `json:"error,omitempty"`
}

// Adapter owns the live handle for one (agent, session) pair at a time.
type Adapter struct {
	dialer agent.Dialer
	now    func() time.Time

	mu         sync.Mutex
	epoch      uint64
	version    uint64
	address    string
	sessionID  string
	handle     agent.Handle
	log        *Log
	status     agent.Status
	busy       bool
	started    time.Time
	lastErr    string
	onChange   func(Snapshot)
	onComplete func(sessionID, lastAgentText string)
	onError    func(sessionID string, err error)

	wg sync.WaitGroup
}

// NewAdapter returns an adapter with no session open.
func NewAdapter(dialer agent.Dialer) *Adapter {
	return &Adapter{
		dialer: dialer,
		now:    time.Now,
		log:    NewLog(nil),
		status: agent.StatusIdle,
	}
}

// OnChange registers the callback run after every change. Callbacks run
// outside the adapter's lock, possibly concurrently.
func (a *Adapter) OnChange(fn func(Snapshot)) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

// OnComplete registers the callback run when a turn finishes without error.
func (a *Adapter) OnComplete(fn func(sessionID, lastAgentText string)) {
	a.mu.Lock()
	a.onComplete = fn
	a.mu.Unlock()
}

// OnError registers the callback run when a turn fails.
func (a *Adapter) OnError(fn func(sessionID string, err error)) {
	a.mu.Lock()
	a.onError = fn
	a.mu.Unlock()
}

// Open resets the adapter and seeds its log from a stored conversation.
// The agent is dialed lazily on first use.
func (a *Adapter) Open(address, sessionID string, seed []domain.Event) Snapshot {
	old := a.reset()
	if old != nil {
		_ = old.Close()
	}

	a.mu.Lock()
	a.address = address
	a.sessionID = sessionID
	a.log = NewLog(seed)
	snap := a.changedLocked()
	fn := a.onChange
	a.mu.Unlock()

	slog.Info("Session opened", "session_id", sessionID, "agent", address, "events", len(seed))
	if fn != nil {
		fn(snap)
	}
	return snap
}

// Reset closes the handle and clears all session state. Frames still in
// flight for the previous session are dropped.
func (a *Adapter) Reset() {
	if old := a.reset(); old != nil {
		_ = old.Close()
	}
}

func (a *Adapter) reset() agent.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.epoch++
	old := a.handle
	a.handle = nil
	a.address, a.sessionID = "", ""
	a.log = NewLog(nil)
	a.status = agent.StatusIdle
	a.busy = false
	a.started = time.Time{}
	a.lastErr = ""
	a.version++
	return old
}

// Close resets the adapter and waits for its reader goroutines to exit.
func (a *Adapter) Close() {
	a.Reset()
	a.wg.Wait()
}

// Send starts a turn: it appends the user event locally, then forwards the
// input. Only one turn may be in flight.
func (a *Adapter) Send(ctx context.Context, text string, images []string, tc domain.TurnContext) error {
	a.mu.Lock()
	if a.sessionID == "" {
		a.mu.Unlock()
		return ErrNoSession
	}
	if a.busy {
		a.mu.Unlock()
		return ErrTurnInFlight
	}
	epoch := a.epoch
	a.log.Append(domain.Event{ID: uuid.NewString(), Type: domain.EventUser, Content: text, Images: images})
	a.beginTurnLocked()
	a.notifyLocked()

	h, err := a.ensureHandle(ctx, epoch)
	if err == nil {
		err = h.Input(ctx, text, images, tc)
	}
	if err != nil {
		a.failTurn(epoch, err)
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// RespondToQuestion answers the pending ask_user prompt and records the
// answer as a user turn.
func (a *Adapter) RespondToQuestion(ctx context.Context, answer []string) error {
	epoch, _, err := a.requirePending(domain.PendingQuestionKind)
	if err != nil {
		return err
	}
	h, err := a.ensureHandle(ctx, epoch)
	if err != nil {
		return err
	}
	if err := h.Respond(ctx, answer); err != nil {
		return fmt.Errorf("respond: %w", err)
	}

	a.mu.Lock()
	if a.epoch == epoch {
		a.log.Append(domain.Event{ID: uuid.NewString(), Type: domain.EventUser, Content: strings.Join(answer, ", ")})
		if !a.busy {
			a.beginTurnLocked()
		}
		a.notifyLocked()
		return nil
	}
	a.mu.Unlock()
	return nil
}

// RespondToApproval answers the pending approval and records the decision.
func (a *Adapter) RespondToApproval(ctx context.Context, approved bool, scope domain.ApprovalScope, deny domain.DenyMode, feedback string) error {
	decision := "denied"
	if approved {
		decision = "approved"
	}
	return a.forward(ctx, domain.PendingApprovalKind, decision, func(h agent.Handle) error {
		return h.RespondToApproval(ctx, approved, scope, deny, feedback)
	})
}

// RespondToOnboarding submits a verification attempt.
func (a *Adapter) RespondToOnboarding(ctx context.Context, opts domain.OnboardOptions) error {
	return a.forward(ctx, domain.PendingOnboardingKind, "", func(h agent.Handle) error {
		return h.SubmitOnboard(ctx, opts)
	})
}

// RespondToCheckpoint answers an autonomous-mode checkpoint and records the
// action.
func (a *Adapter) RespondToCheckpoint(ctx context.Context, action domain.CheckpointAction, opts domain.CheckpointOptions) error {
	return a.forward(ctx, domain.PendingCheckpointKind, string(action), func(h agent.Handle) error {
		return h.RespondToCheckpoint(ctx, action, opts)
	})
}

// SetMode forwards an approval mode change to the agent.
func (a *Adapter) SetMode(ctx context.Context, mode domain.Mode, turns int) error {
	a.mu.Lock()
	if a.sessionID == "" {
		a.mu.Unlock()
		return ErrNoSession
	}
	epoch := a.epoch
	a.mu.Unlock()

	h, err := a.ensureHandle(ctx, epoch)
	if err != nil {
		return err
	}
	if err := h.SetMode(ctx, mode, turns); err != nil {
		return fmt.Errorf("set mode: %w", err)
	}
	return nil
}

// AppendLocal records a client-originated event, such as a checkpoint
// raised by the local turn budget.
func (a *Adapter) AppendLocal(e domain.Event) error {
	a.mu.Lock()
	if a.sessionID == "" {
		a.mu.Unlock()
		return ErrNoSession
	}
	a.log.Append(e)
	a.notifyLocked()
	return nil
}

// Snapshot returns the current state.
func (a *Adapter) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// forward sends a response to the pending interaction of kind. A non-empty
// decision is appended as a response event, which closes the interaction in
// the log.
func (a *Adapter) forward(ctx context.Context, kind domain.PendingKind, decision string, send func(agent.Handle) error) error {
	epoch, id, err := a.requirePending(kind)
	if err != nil {
		return err
	}
	h, err := a.ensureHandle(ctx, epoch)
	if err != nil {
		return err
	}
	if err := send(h); err != nil {
		return fmt.Errorf("respond to %s: %w", kind, err)
	}
	if decision == "" {
		return nil
	}

	a.mu.Lock()
	if a.epoch != epoch {
		a.mu.Unlock()
		return nil
	}
	a.log.Append(domain.Event{ID: uuid.NewString(), Type: domain.EventResponse, RespondsTo: id, Content: decision})
	a.notifyLocked()
	return nil
}

func (a *Adapter) requirePending(kind domain.PendingKind) (uint64, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessionID == "" {
		return 0, "", ErrNoSession
	}
	p := DerivePending(a.log.events)
	if !p.Is(kind) {
		return 0, "", ErrNoPendingInteraction
	}
	return a.epoch, p.InteractionID, nil
}

// ensureHandle returns the live handle, dialing if there is none. The dial
// happens outside the lock; a handle dialed for a superseded epoch is closed.
func (a *Adapter) ensureHandle(ctx context.Context, epoch uint64) (agent.Handle, error) {
	a.mu.Lock()
	if a.epoch != epoch {
		a.mu.Unlock()
		return nil, ErrStaleSession
	}
	if a.handle != nil {
		h := a.handle
		a.mu.Unlock()
		return h, nil
	}
	address, sessionID := a.address, a.sessionID
	a.mu.Unlock()

	h, err := a.dialer.Dial(ctx, address, sessionID)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	a.mu.Lock()
	if a.epoch != epoch {
		a.mu.Unlock()
		_ = h.Close()
		return nil, ErrStaleSession
	}
	if a.handle != nil {
		existing := a.handle
		a.mu.Unlock()
		_ = h.Close()
		return existing, nil
	}
	a.handle = h
	a.wg.Add(1)
	go a.readLoop(epoch, h)
	a.notifyLocked()
	return h, nil
}

func (a *Adapter) readLoop(epoch uint64, h agent.Handle) {
	defer a.wg.Done()
	for msg := range h.Events() {
		a.apply(epoch, msg)
	}
	a.disconnected(epoch, h)
}

func (a *Adapter) apply(epoch uint64, msg agent.Message) {
	a.mu.Lock()
	if a.epoch != epoch {
		a.mu.Unlock()
		slog.Debug("Dropping frame for previous session", "type", msg.Type)
		return
	}

	ev, kind := translate(msg)
	switch kind {
	case frameIgnored:
		a.mu.Unlock()
		slog.Debug("Ignoring unknown agent frame", "type", msg.Type)
		return
	case frameEvent:
		a.log.Append(ev)
	case frameToolCall:
		a.log.UpsertToolCall(ev)
	case frameStatus:
		a.setStatusLocked(agent.Status(msg.Status))
		return
	case frameError:
		a.failTurnLocked(errors.New(firstNonEmpty(msg.Error, msg.Message, "agent error")))
		return
	}
	a.notifyLocked()
}

// setStatusLocked applies a status frame and unlocks. A busy to idle
// transition without an error completes the turn.
func (a *Adapter) setStatusLocked(st agent.Status) {
	wasBusy := a.busy
	a.status = st
	switch st {
	case agent.StatusIdle:
		a.busy = false
		a.started = time.Time{}
	case agent.StatusWorking, agent.StatusWaiting:
		if !a.busy {
			a.busy = true
			a.started = a.now()
		}
	}

	completed := wasBusy && !a.busy && a.lastErr == ""
	sessionID := a.sessionID
	text, _ := domain.LastAgentText(a.log.events)
	onComplete := a.onComplete
	a.notifyLocked()

	if completed && onComplete != nil {
		onComplete(sessionID, text)
	}
}

func (a *Adapter) failTurn(epoch uint64, err error) {
	a.mu.Lock()
	if a.epoch != epoch {
		a.mu.Unlock()
		return
	}
	a.failTurnLocked(err)
}

// failTurnLocked ends the turn with err and unlocks.
func (a *Adapter) failTurnLocked(err error) {
	a.busy = false
	a.started = time.Time{}
	a.status = agent.StatusIdle
	a.lastErr = err.Error()
	sessionID := a.sessionID
	onError := a.onError
	a.notifyLocked()

	slog.Warn("Agent turn failed", "session_id", sessionID, "error", err)
	if onError != nil {
		onError(sessionID, err)
	}
}

func (a *Adapter) disconnected(epoch uint64, h agent.Handle) {
	a.mu.Lock()
	if a.epoch != epoch || a.handle != h {
		a.mu.Unlock()
		return
	}
	a.handle = nil
	if a.busy {
		a.failTurnLocked(agent.ErrClosed)
		return
	}
	a.notifyLocked()
}

func (a *Adapter) beginTurnLocked() {
	a.busy = true
	a.status = agent.StatusWorking
	a.started = a.now()
	a.lastErr = ""
}

func (a *Adapter) changedLocked() Snapshot {
	a.version++
	return a.snapshotLocked()
}

// notifyLocked bumps the version, unlocks, and runs the change callback.
func (a *Adapter) notifyLocked() {
	snap := a.changedLocked()
	fn := a.onChange
	a.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

func (a *Adapter) snapshotLocked() Snapshot {
	events := a.log.Events()
	snap := Snapshot{
		Version:      a.version,
		SessionID:    a.sessionID,
		AgentAddress: a.address,
		Events:       events,
		Status:       a.status,
		Busy:         a.busy,
		Connected:    a.handle != nil,
		Pending:      DerivePending(events),
		Error:        a.lastErr,
	}
	if a.busy && !a.started.IsZero() {
		snap.ElapsedMs = a.now().Sub(a.started).Milliseconds()
	}
	return snap
}
