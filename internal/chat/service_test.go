package chat

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/oochat/internal/agent"
	"github.com/ashureev/oochat/internal/autonomy"
	"github.com/ashureev/oochat/internal/conversation"
	"github.com/ashureev/oochat/internal/domain"
	"github.com/ashureev/oochat/internal/interaction"
	"github.com/ashureev/oochat/internal/session"
	"github.com/ashureev/oochat/internal/store"
)

type fakeHandle struct {
	events chan agent.Message
	once   sync.Once

	mu     sync.Mutex
	inputs []string
	modes  []domain.Mode
	cps    []domain.CheckpointAction
}

func (h *fakeHandle) Input(_ context.Context, prompt string, _ []string, _ domain.TurnContext) error {
	h.mu.Lock()
	h.inputs = append(h.inputs, prompt)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Respond(context.Context, []string) error { return nil }

func (h *fakeHandle) RespondToApproval(context.Context, bool, domain.ApprovalScope, domain.DenyMode, string) error {
	return nil
}

func (h *fakeHandle) SubmitOnboard(context.Context, domain.OnboardOptions) error { return nil }

func (h *fakeHandle) RespondToCheckpoint(_ context.Context, action domain.CheckpointAction, _ domain.CheckpointOptions) error {
	h.mu.Lock()
	h.cps = append(h.cps, action)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) SetMode(_ context.Context, mode domain.Mode, _ int) error {
	h.mu.Lock()
	h.modes = append(h.modes, mode)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Events() <-chan agent.Message { return h.events }

func (h *fakeHandle) Close() error {
	h.once.Do(func() { close(h.events) })
	return nil
}

func (h *fakeHandle) Inputs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.inputs...)
}

type fakeDialer struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

func (d *fakeDialer) Dial(context.Context, string, string) (agent.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := &fakeHandle{events: make(chan agent.Message, 32)}
	d.handles = append(d.handles, h)
	return h, nil
}

func (d *fakeDialer) last() *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}

type fixture struct {
	svc    *Service
	store  *conversation.Store
	repo   store.Repository
	dialer *fakeDialer
}

func newFixture(t *testing.T, defaultTurns int) *fixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "oochat.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	convs := conversation.NewStore(repo)
	dialer := &fakeDialer{}
	adapter := session.NewAdapter(dialer)
	auto := autonomy.NewController(adapter, defaultTurns, 100)
	svc := NewService(convs, adapter, auto, Options{DefaultAgent: "0xagent", OnboardTimeout: time.Second})
	t.Cleanup(func() {
		_ = svc.Shutdown(context.Background())
		_ = convs.Close(context.Background())
		_ = repo.Close()
	})
	return &fixture{svc: svc, store: convs, repo: repo, dialer: dialer}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func finishTurn(h *fakeHandle, reply string) {
	h.events <- agent.Message{Type: agent.MsgAssistant, Event: domain.Event{Content: reply}}
	h.events <- agent.Message{Type: agent.MsgStatus, Event: domain.Event{Status: string(agent.StatusIdle)}}
}

func TestNewChatFirstMessageScenario(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	conv, err := f.svc.NewConversation("", conversation.PendingMessage{Text: "hello"})
	if err != nil {
		t.Fatalf("NewConversation failed: %v", err)
	}
	if conv.Title != domain.DefaultTitle || conv.AgentAddress != "0xagent" {
		t.Fatalf("unexpected new conversation %+v", conv)
	}

	view, err := f.svc.Open(ctx, conv.SessionID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !view.Busy || view.Title != "hello" {
		t.Fatalf("expected busy view titled hello, got busy=%v title=%q", view.Busy, view.Title)
	}
	if got := f.dialer.last().Inputs(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("expected the held message to be sent once, got %v", got)
	}

	finishTurn(f.dialer.last(), "hi there")
	waitFor(t, func() bool { return !f.svc.View().Busy })

	stored, _ := f.store.Get(conv.SessionID)
	if len(stored.Events) != 2 || stored.Events[1].Content != "hi there" {
		t.Fatalf("expected user and agent turns stored, got %+v", stored.Events)
	}

	if err := f.store.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	persisted, err := f.repo.ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if persisted[0].Title != "hello" || len(persisted[0].Events) != 2 {
		t.Fatalf("unexpected persisted conversation %+v", persisted[0])
	}
}

func TestOpenTwiceKeepsLiveSession(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	conv, _ := f.svc.NewConversation("", conversation.PendingMessage{})
	if _, err := f.svc.Open(ctx, conv.SessionID); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := f.svc.Send(ctx, conv.SessionID, "first", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := f.svc.Open(ctx, conv.SessionID); err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	if !f.svc.View().Busy {
		t.Fatal("reopening the live session must not reset its turn")
	}
}

func TestCommandsRequireOpenSession(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	if err := f.svc.Send(ctx, "other", "hi", nil); !errors.Is(err, ErrSessionNotOpen) {
		t.Fatalf("expected ErrSessionNotOpen, got %v", err)
	}
	if _, err := f.svc.Open(ctx, "missing"); !errors.Is(err, conversation.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestAutonomousCheckpointBlocksUntilContinued(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	conv, _ := f.svc.NewConversation("", conversation.PendingMessage{})
	if _, err := f.svc.Open(ctx, conv.SessionID); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := f.svc.SetMode(ctx, conv.SessionID, domain.ModeAutonomous, 1); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	if err := f.svc.Send(ctx, conv.SessionID, "build it", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	finishTurn(f.dialer.last(), "built")

	waitFor(t, func() bool { return f.svc.View().Pending.Is(domain.PendingCheckpointKind) })
	view := f.svc.View()
	if cp := view.Pending.Checkpoint; cp.TurnsUsed != 1 || cp.MaxTurns != 1 {
		t.Fatalf("unexpected checkpoint %+v", cp)
	}
	if !view.Compose.Disabled || view.Compose.Placeholder != interaction.PlaceholderWaiting {
		t.Fatalf("compose box should wait on the checkpoint, got %+v", view.Compose)
	}
	if err := f.svc.Send(ctx, conv.SessionID, "more", nil); !errors.Is(err, interaction.ErrAwaitingResponse) {
		t.Fatalf("expected ErrAwaitingResponse, got %v", err)
	}

	if err := f.svc.Checkpoint(ctx, conv.SessionID, view.Pending.InteractionID, domain.CheckpointContinue, domain.CheckpointOptions{}); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	state := f.svc.View().Autonomy
	if state.MaxTurns != 101 || state.Remaining != 100 || state.Checkpoint != nil {
		t.Fatalf("unexpected autonomy state %+v", state)
	}
	if f.svc.View().Pending != nil {
		t.Fatal("answered checkpoint should no longer be pending")
	}
	if err := f.svc.Send(ctx, conv.SessionID, "more", nil); err != nil {
		t.Fatalf("Send after continue failed: %v", err)
	}
}

func TestSubscribersReceiveViews(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	views, cancel := f.svc.Subscribe()
	defer cancel()

	conv, _ := f.svc.NewConversation("", conversation.PendingMessage{})
	if _, err := f.svc.Open(ctx, conv.SessionID); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := f.svc.SetGoal(conv.SessionID, "ship it"); err != nil {
		t.Fatalf("SetGoal failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-views:
			if v.SessionID == conv.SessionID && v.Autonomy.Goal == "ship it" {
				return
			}
		case <-deadline:
			t.Fatal("no view carried the goal")
		}
	}
}

func TestDeleteLiveSessionResetsAdapter(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	conv, _ := f.svc.NewConversation("", conversation.PendingMessage{})
	if _, err := f.svc.Open(ctx, conv.SessionID); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := f.svc.Delete(conv.SessionID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if f.svc.View().SessionID != "" {
		t.Fatal("expected adapter reset after deleting the live session")
	}
	if f.store.Active() != "" {
		t.Fatal("expected active pointer cleared")
	}
}

func TestAnsweredCheckpointStaysClosedAfterReopen(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	a, _ := f.svc.NewConversation("", conversation.PendingMessage{})
	b, _ := f.svc.NewConversation("", conversation.PendingMessage{})
	if _, err := f.svc.Open(ctx, a.SessionID); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := f.svc.SetMode(ctx, a.SessionID, domain.ModeAutonomous, 1); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	if err := f.svc.Send(ctx, a.SessionID, "build it", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	finishTurn(f.dialer.last(), "built")
	waitFor(t, func() bool { return f.svc.View().Pending.Is(domain.PendingCheckpointKind) })

	id := f.svc.View().Pending.InteractionID
	if err := f.svc.Checkpoint(ctx, a.SessionID, id, domain.CheckpointSwitchMode, domain.CheckpointOptions{}); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if v := f.svc.View(); v.Pending != nil || v.Autonomy.Mode != domain.ModeInteractive {
		t.Fatalf("expected interactive mode with nothing pending, got mode=%s pending=%+v", v.Autonomy.Mode, v.Pending)
	}

	if _, err := f.svc.Open(ctx, b.SessionID); err != nil {
		t.Fatalf("Open B failed: %v", err)
	}
	view, err := f.svc.Open(ctx, a.SessionID)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if view.Pending != nil {
		t.Fatalf("answered checkpoint came back: %+v", view.Pending)
	}
	if view.Autonomy.Mode != domain.ModeInteractive || view.Compose.Disabled {
		t.Fatalf("reopen must not restore autonomous mode, got mode=%s compose=%+v", view.Autonomy.Mode, view.Compose)
	}
	if err := f.svc.Send(ctx, a.SessionID, "next", nil); err != nil {
		t.Fatalf("Send after reopen failed: %v", err)
	}
}

func TestAnsweredCheckpointSurvivesRestart(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	conv, _ := f.svc.NewConversation("", conversation.PendingMessage{})
	if _, err := f.svc.Open(ctx, conv.SessionID); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := f.svc.SetMode(ctx, conv.SessionID, domain.ModeAutonomous, 1); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	if err := f.svc.Send(ctx, conv.SessionID, "build it", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	finishTurn(f.dialer.last(), "built")
	waitFor(t, func() bool { return f.svc.View().Pending.Is(domain.PendingCheckpointKind) })
	id := f.svc.View().Pending.InteractionID
	if err := f.svc.Checkpoint(ctx, conv.SessionID, id, domain.CheckpointSwitchMode, domain.CheckpointOptions{}); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if err := f.store.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// A second service over the same database stands in for a restart.
	convs := conversation.NewStore(f.repo)
	if err := convs.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	adapter := session.NewAdapter(&fakeDialer{})
	svc := NewService(convs, adapter, autonomy.NewController(adapter, 100, 100), Options{OnboardTimeout: time.Second})
	defer func() {
		_ = svc.Shutdown(ctx)
		_ = convs.Close(ctx)
	}()

	view, err := svc.Open(ctx, conv.SessionID)
	if err != nil {
		t.Fatalf("Open after restart failed: %v", err)
	}
	if view.Pending != nil || view.Autonomy.Mode != domain.ModeInteractive {
		t.Fatalf("expected nothing pending after restart, got mode=%s pending=%+v", view.Autonomy.Mode, view.Pending)
	}
}
