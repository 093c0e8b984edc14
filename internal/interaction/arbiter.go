// Package interaction decides how user input reaches the agent while the
// agent may be waiting on a decision.
package interaction

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/oochat/internal/domain"
	"github.com/ashureev/oochat/internal/session"
)

// Errors returned by Arbiter.
var (
	ErrAwaitingResponse  = errors.New("agent is waiting for a response to a pending interaction")
	ErrOnboardingTimeout = errors.New("verification timed out, please try again")
)

// Compose-box placeholders.
const (
	PlaceholderDefault = "Send a message..."
	PlaceholderAnswer  = "Type your answer..."
	PlaceholderWaiting = "Waiting for your response above..."
)

// Responder is the session the arbiter routes input to.
type Responder interface {
	Snapshot() session.Snapshot
	Send(ctx context.Context, text string, images []string, tc domain.TurnContext) error
	RespondToQuestion(ctx context.Context, answer []string) error
	RespondToApproval(ctx context.Context, approved bool, scope domain.ApprovalScope, deny domain.DenyMode, feedback string) error
	RespondToOnboarding(ctx context.Context, opts domain.OnboardOptions) error
	RespondToCheckpoint(ctx context.Context, action domain.CheckpointAction, opts domain.CheckpointOptions) error
}

// Autonomy is the autonomous-mode state consulted before each turn and
// updated when a checkpoint is answered.
type Autonomy interface {
	AllowTurn() bool
	TurnContext() domain.TurnContext
	Normalize(action domain.CheckpointAction, opts domain.CheckpointOptions) (domain.CheckpointOptions, error)
	ResolveCheckpoint(action domain.CheckpointAction, opts domain.CheckpointOptions) error
}

// Affordance describes the compose box.
type Affordance struct {
	Disabled    bool   `json:"disabled"`
	Placeholder string `json:"placeholder"`
}

// OnboardingState is the progress of a verification submission.
type OnboardingState struct {
	Submitting bool   `json:"submitting"`
	Error      string `json:"error,omitempty"`
}

// ApprovalDecision is the user's answer to an approval prompt.
type ApprovalDecision struct {
	Approved bool                 `json:"approved"`
	Scope    domain.ApprovalScope `json:"scope"`
	Deny     domain.DenyMode      `json:"deny_mode,omitempty"`
	Feedback string               `json:"feedback,omitempty"`
}

// Arbiter routes input by the pending interaction. Each interaction is
// answered at most once; answers to interactions that are no longer pending
// are dropped without error.
type Arbiter struct {
	r       Responder
	auto    Autonomy
	timeout time.Duration

	mu          sync.Mutex
	responded   map[string]bool
	onboarding  OnboardingState
	onboardedID string
	attempt     uint64
	timer       *time.Timer
	onChange    func()
}

// NewArbiter returns an arbiter over r. auto may be nil.
func NewArbiter(r Responder, auto Autonomy, onboardTimeout time.Duration) *Arbiter {
	return &Arbiter{
		r:         r,
		auto:      auto,
		timeout:   onboardTimeout,
		responded: make(map[string]bool),
	}
}

// OnChange registers a callback for onboarding state changes.
func (a *Arbiter) OnChange(fn func()) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

// Pending returns the interaction awaiting the user, excluding ones already
// answered.
func (a *Arbiter) Pending() *domain.Pending {
	return a.Filter(a.r.Snapshot().Pending)
}

// Filter hides p if it has already been answered.
func (a *Arbiter) Filter(p *domain.Pending) *domain.Pending {
	if p == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.responded[p.InteractionID] {
		return nil
	}
	return p
}

// Submit handles a compose-box submission. With a question pending the text
// is its answer; with any other interaction pending it is refused.
func (a *Arbiter) Submit(ctx context.Context, text string, images []string) error {
	p := a.Pending()
	switch {
	case p == nil:
		var tc domain.TurnContext
		if a.auto != nil {
			if !a.auto.AllowTurn() {
				return ErrAwaitingResponse
			}
			tc = a.auto.TurnContext()
		}
		return a.r.Send(ctx, text, images, tc)
	case p.Is(domain.PendingQuestionKind):
		return a.answer(ctx, p.InteractionID, []string{text})
	default:
		return ErrAwaitingResponse
	}
}

// AnswerQuestion answers question id, for multi-select or option clicks.
func (a *Arbiter) AnswerQuestion(ctx context.Context, id string, answer []string) error {
	if !a.isCurrent(id, domain.PendingQuestionKind) {
		return nil
	}
	return a.answer(ctx, id, answer)
}

func (a *Arbiter) answer(ctx context.Context, id string, answer []string) error {
	return a.once(id, func() error {
		return a.r.RespondToQuestion(ctx, answer)
	})
}

// Approve answers approval id.
func (a *Arbiter) Approve(ctx context.Context, id string, d ApprovalDecision) error {
	if !a.isCurrent(id, domain.PendingApprovalKind) {
		return nil
	}
	if d.Scope == "" {
		d.Scope = domain.ScopeOnce
	}
	return a.once(id, func() error {
		return a.r.RespondToApproval(ctx, d.Approved, d.Scope, d.Deny, d.Feedback)
	})
}

// Checkpoint answers checkpoint id and updates the turn budget.
func (a *Arbiter) Checkpoint(ctx context.Context, id string, action domain.CheckpointAction, opts domain.CheckpointOptions) error {
	if !a.isCurrent(id, domain.PendingCheckpointKind) {
		return nil
	}
	if a.auto != nil {
		var err error
		if opts, err = a.auto.Normalize(action, opts); err != nil {
			return err
		}
	}
	return a.once(id, func() error {
		if err := a.r.RespondToCheckpoint(ctx, action, opts); err != nil {
			return err
		}
		if a.auto != nil {
			if err := a.auto.ResolveCheckpoint(action, opts); err != nil {
				slog.Warn("Checkpoint answered but local budget not updated", "error", err)
			}
		}
		return nil
	})
}

// SubmitOnboarding sends a verification attempt for onboarding id. A
// submission in progress makes further ones no-ops. If no success arrives
// within the timeout the attempt is reported as failed and may be retried.
func (a *Arbiter) SubmitOnboarding(ctx context.Context, id string, opts domain.OnboardOptions) error {
	if !a.isCurrent(id, domain.PendingOnboardingKind) {
		return nil
	}

	a.mu.Lock()
	if a.onboarding.Submitting {
		a.mu.Unlock()
		return nil
	}
	a.attempt++
	attempt := a.attempt
	a.onboarding = OnboardingState{Submitting: true}
	a.onboardedID = id
	a.stopTimerLocked()
	a.timer = time.AfterFunc(a.timeout, func() { a.onboardingTimedOut(attempt) })
	a.mu.Unlock()
	a.changed()

	if err := a.r.RespondToOnboarding(ctx, opts); err != nil {
		a.mu.Lock()
		if attempt == a.attempt {
			a.stopTimerLocked()
			a.onboarding = OnboardingState{Error: err.Error()}
		}
		a.mu.Unlock()
		a.changed()
		return err
	}
	return nil
}

func (a *Arbiter) onboardingTimedOut(attempt uint64) {
	a.mu.Lock()
	if attempt != a.attempt || !a.onboarding.Submitting {
		a.mu.Unlock()
		return
	}
	a.onboarding = OnboardingState{Error: ErrOnboardingTimeout.Error()}
	a.timer = nil
	id := a.onboardedID
	a.mu.Unlock()

	slog.Warn("Onboarding submission timed out", "interaction_id", id)
	a.changed()
}

// Observe updates onboarding progress from a fresh pending value: once the
// submitted requirement is no longer pending, verification succeeded.
func (a *Arbiter) Observe(p *domain.Pending) {
	a.mu.Lock()
	if a.onboardedID == "" || (p.Is(domain.PendingOnboardingKind) && p.InteractionID == a.onboardedID) {
		a.mu.Unlock()
		return
	}
	a.stopTimerLocked()
	a.onboarding = OnboardingState{}
	a.onboardedID = ""
	a.attempt++
	a.mu.Unlock()
	a.changed()
}

// OnboardingState returns verification progress.
func (a *Arbiter) OnboardingState() OnboardingState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.onboarding
}

// Affordance returns how the compose box should behave.
func (a *Arbiter) Affordance() Affordance {
	snap := a.r.Snapshot()
	p := a.Filter(snap.Pending)
	switch {
	case p.Is(domain.PendingQuestionKind):
		return Affordance{Placeholder: PlaceholderAnswer}
	case p != nil:
		return Affordance{Disabled: true, Placeholder: PlaceholderWaiting}
	case a.auto != nil && !a.auto.AllowTurn():
		return Affordance{Disabled: true, Placeholder: PlaceholderWaiting}
	case snap.Busy:
		return Affordance{Disabled: true, Placeholder: PlaceholderDefault}
	}
	return Affordance{Placeholder: PlaceholderDefault}
}

// Reset forgets answered interactions and onboarding progress.
func (a *Arbiter) Reset() {
	a.mu.Lock()
	a.stopTimerLocked()
	a.responded = make(map[string]bool)
	a.onboarding = OnboardingState{}
	a.onboardedID = ""
	a.attempt++
	a.mu.Unlock()
}

func (a *Arbiter) isCurrent(id string, kind domain.PendingKind) bool {
	p := a.Pending()
	if !p.Is(kind) || p.InteractionID != id {
		slog.Debug("Ignoring response to an interaction that is not pending", "interaction_id", id, "kind", kind)
		return false
	}
	return true
}

// once runs send unless id was already answered. A failed send may be
// retried.
func (a *Arbiter) once(id string, send func() error) error {
	a.mu.Lock()
	if a.responded[id] {
		a.mu.Unlock()
		return nil
	}
	a.responded[id] = true
	a.mu.Unlock()

	if err := send(); err != nil {
		a.mu.Lock()
		delete(a.responded, id)
		a.mu.Unlock()
		return err
	}
	return nil
}

func (a *Arbiter) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Arbiter) changed() {
	a.mu.Lock()
	fn := a.onChange
	a.mu.Unlock()
	if fn != nil {
		fn()
	}
}
