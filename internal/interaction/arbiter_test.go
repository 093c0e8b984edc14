package interaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/oochat/internal/autonomy"
	"github.com/ashureev/oochat/internal/domain"
	"github.com/ashureev/oochat/internal/session"
)

type fakeResponder struct {
	mu        sync.Mutex
	snap      session.Snapshot
	sent      []string
	answers   [][]string
	approvals int
	onboards  int
	cps       []domain.CheckpointOptions
	block     chan struct{} // when set, approvals wait on it
	err       error
}

func (f *fakeResponder) setPending(p *domain.Pending) {
	f.mu.Lock()
	f.snap.Pending = p
	f.mu.Unlock()
}

func (f *fakeResponder) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeResponder) Send(_ context.Context, text string, _ []string, _ domain.TurnContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeResponder) RespondToQuestion(_ context.Context, answer []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, answer)
	return nil
}

func (f *fakeResponder) RespondToApproval(context.Context, bool, domain.ApprovalScope, domain.DenyMode, string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals++
	return f.err
}

func (f *fakeResponder) RespondToOnboarding(context.Context, domain.OnboardOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onboards++
	return f.err
}

func (f *fakeResponder) RespondToCheckpoint(_ context.Context, _ domain.CheckpointAction, opts domain.CheckpointOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cps = append(f.cps, opts)
	return nil
}

func question(id string) *domain.Pending {
	return &domain.Pending{Kind: domain.PendingQuestionKind, InteractionID: id, Question: &domain.PendingQuestion{Question: "?"}}
}

func approval(id string) *domain.Pending {
	return &domain.Pending{Kind: domain.PendingApprovalKind, InteractionID: id, Approval: &domain.PendingApproval{Tool: "bash"}}
}

func onboarding(id string) *domain.Pending {
	return &domain.Pending{Kind: domain.PendingOnboardingKind, InteractionID: id, Onboarding: &domain.PendingOnboarding{Methods: []string{"invite_code"}}}
}

func TestSubmitRoutesByPendingKind(t *testing.T) {
	r := &fakeResponder{}
	a := NewArbiter(r, nil, time.Second)
	ctx := context.Background()

	if err := a.Submit(ctx, "hello", nil); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(r.sent) != 1 {
		t.Fatal("expected a new turn with nothing pending")
	}
	if aff := a.Affordance(); aff.Disabled || aff.Placeholder != PlaceholderDefault {
		t.Fatalf("unexpected affordance %+v", aff)
	}

	r.setPending(question("q1"))
	if aff := a.Affordance(); aff.Disabled || aff.Placeholder != PlaceholderAnswer {
		t.Fatalf("question should keep the compose box enabled, got %+v", aff)
	}
	if err := a.Submit(ctx, "blue", nil); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(r.answers) != 1 || r.answers[0][0] != "blue" || len(r.sent) != 1 {
		t.Fatalf("text should answer the question: answers=%v sent=%v", r.answers, r.sent)
	}

	r.setPending(approval("ap1"))
	if err := a.Submit(ctx, "just do it", nil); !errors.Is(err, ErrAwaitingResponse) {
		t.Fatalf("expected ErrAwaitingResponse, got %v", err)
	}
	if aff := a.Affordance(); !aff.Disabled || aff.Placeholder != PlaceholderWaiting {
		t.Fatalf("unexpected affordance %+v", aff)
	}
}

func TestDoubleClickApprovesOnce(t *testing.T) {
	r := &fakeResponder{block: make(chan struct{})}
	r.setPending(approval("ap1"))
	a := NewArbiter(r, nil, time.Second)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- a.Approve(ctx, "ap1", ApprovalDecision{Approved: true}) }()

	// Wait until the first click has claimed the interaction.
	for a.Pending() != nil {
		time.Sleep(time.Millisecond)
	}
	if err := a.Approve(ctx, "ap1", ApprovalDecision{Approved: true}); err != nil {
		t.Fatalf("second click should be a silent no-op, got %v", err)
	}

	close(r.block)
	if err := <-done; err != nil {
		t.Fatalf("first click failed: %v", err)
	}
	if r.approvals != 1 {
		t.Fatalf("expected exactly one approval sent, got %d", r.approvals)
	}
}

func TestStaleResponseIsNoop(t *testing.T) {
	r := &fakeResponder{}
	r.setPending(approval("ap2"))
	a := NewArbiter(r, nil, time.Second)

	if err := a.Approve(context.Background(), "ap1", ApprovalDecision{Approved: true}); err != nil {
		t.Fatalf("stale approval should be ignored, got %v", err)
	}
	if err := a.AnswerQuestion(context.Background(), "q1", []string{"x"}); err != nil {
		t.Fatalf("question answer without question should be ignored, got %v", err)
	}
	if r.approvals != 0 || len(r.answers) != 0 {
		t.Fatal("nothing should have been sent")
	}
}

func TestFailedResponseCanBeRetried(t *testing.T) {
	r := &fakeResponder{err: errors.New("socket closed")}
	r.setPending(approval("ap1"))
	a := NewArbiter(r, nil, time.Second)

	if err := a.Approve(context.Background(), "ap1", ApprovalDecision{Approved: false, Deny: domain.DenySoft}); err == nil {
		t.Fatal("expected send error")
	}
	r.err = nil
	if err := a.Approve(context.Background(), "ap1", ApprovalDecision{Approved: false, Deny: domain.DenySoft}); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if r.approvals != 2 {
		t.Fatalf("expected the retry to be sent, got %d sends", r.approvals)
	}
}

func TestOnboardingTimeoutAndSuccess(t *testing.T) {
	r := &fakeResponder{}
	r.setPending(onboarding("ob1"))
	a := NewArbiter(r, nil, 20*time.Millisecond)
	ctx := context.Background()

	if err := a.SubmitOnboarding(ctx, "ob1", domain.OnboardOptions{InviteCode: "CODE"}); err != nil {
		t.Fatalf("SubmitOnboarding failed: %v", err)
	}
	if !a.OnboardingState().Submitting {
		t.Fatal("expected submitting state")
	}
	if err := a.SubmitOnboarding(ctx, "ob1", domain.OnboardOptions{InviteCode: "CODE"}); err != nil {
		t.Fatalf("duplicate submit should be a no-op, got %v", err)
	}
	if r.onboards != 1 {
		t.Fatalf("expected one submission, got %d", r.onboards)
	}

	deadline := time.Now().Add(2 * time.Second)
	for a.OnboardingState().Error == "" {
		if time.Now().After(deadline) {
			t.Fatal("onboarding did not time out")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st := a.OnboardingState(); st.Submitting || st.Error != ErrOnboardingTimeout.Error() {
		t.Fatalf("unexpected state after timeout %+v", st)
	}

	// Retry, then verification succeeds.
	if err := a.SubmitOnboarding(ctx, "ob1", domain.OnboardOptions{InviteCode: "CODE2"}); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	r.setPending(nil)
	a.Observe(nil)
	if st := a.OnboardingState(); st.Submitting || st.Error != "" {
		t.Fatalf("success should clear onboarding state, got %+v", st)
	}
}

func TestCheckpointUpdatesBudget(t *testing.T) {
	ctrl := autonomy.NewController(nil, 10, 100)
	if err := ctrl.SetMode(context.Background(), domain.ModeAutonomous, 10); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		ctrl.RecordTurn()
	}

	r := &fakeResponder{}
	r.setPending(&domain.Pending{
		Kind:          domain.PendingCheckpointKind,
		InteractionID: "cp1",
		Checkpoint:    &domain.PendingCheckpoint{TurnsUsed: 10, MaxTurns: 10},
	})
	a := NewArbiter(r, ctrl, time.Second)
	ctx := context.Background()

	if err := a.Submit(ctx, "keep going", nil); !errors.Is(err, ErrAwaitingResponse) {
		t.Fatalf("checkpoint should block the compose box, got %v", err)
	}
	err := a.Checkpoint(ctx, "cp1", domain.CheckpointSwitchMode, domain.CheckpointOptions{Mode: domain.ModeAutonomous})
	if !errors.Is(err, autonomy.ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
	if len(r.cps) != 0 {
		t.Fatal("invalid answers must not reach the agent")
	}

	if err := a.Checkpoint(ctx, "cp1", domain.CheckpointContinue, domain.CheckpointOptions{}); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if err := a.Checkpoint(ctx, "cp1", domain.CheckpointContinue, domain.CheckpointOptions{}); err != nil {
		t.Fatalf("duplicate answer should be ignored, got %v", err)
	}
	if len(r.cps) != 1 || r.cps[0].Turns != 100 {
		t.Fatalf("expected one continue with 100 turns, got %+v", r.cps)
	}
	if st := ctrl.State(); st.MaxTurns != 110 || !ctrl.AllowTurn() {
		t.Fatalf("budget not extended: %+v", st)
	}
	if err := a.Submit(ctx, "keep going", nil); err != nil {
		t.Fatalf("turns should resume, got %v", err)
	}
}
