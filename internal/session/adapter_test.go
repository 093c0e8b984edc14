package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/goleak"

	"github.com/ashureev/oochat/internal/agent"
	"github.com/ashureev/oochat/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder collects callback invocations.
type recorder struct {
	mu        sync.Mutex
	snaps     []Snapshot
	completed chan string
	failed    chan error
}

func newRecorder(a *Adapter) *recorder {
	r := &recorder{completed: make(chan string, 8), failed: make(chan error, 8)}
	a.OnChange(func(s Snapshot) {
		r.mu.Lock()
		r.snaps = append(r.snaps, s)
		r.mu.Unlock()
	})
	a.OnComplete(func(_ string, text string) { r.completed <- text })
	a.OnError(func(_ string, err error) { r.failed <- err })
	return r
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
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

var ignoreIDs = cmpopts.IgnoreFields(domain.Event{}, "ID")

func TestSendAppendsUserTurnAndRejectsConcurrentTurn(t *testing.T) {
	d := &fakeDialer{}
	a := NewAdapter(d)
	defer a.Close()

	if err := a.Send(context.Background(), "hi", nil, domain.TurnContext{}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}

	a.Open("0xagent", "s1", nil)
	tc := domain.TurnContext{Goal: "finish"}
	if err := a.Send(context.Background(), "hello", nil, tc); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	snap := a.Snapshot()
	want := []domain.Event{{Type: domain.EventUser, Content: "hello"}}
	if diff := cmp.Diff(want, snap.Events, ignoreIDs); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if !snap.Busy || !snap.Connected {
		t.Fatalf("expected busy connected snapshot, got %+v", snap)
	}

	inputs := d.handle(0).Calls("Input")
	if len(inputs) != 1 || inputs[0].args[0] != "hello" || inputs[0].args[2] != tc {
		t.Fatalf("unexpected inputs %+v", inputs)
	}

	if err := a.Send(context.Background(), "again", nil, domain.TurnContext{}); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight, got %v", err)
	}
	if n := len(a.Snapshot().Events); n != 1 {
		t.Fatalf("rejected send must not append, log has %d events", n)
	}
}

func TestLiveFeedMergesAndCompletes(t *testing.T) {
	d := &fakeDialer{}
	a := NewAdapter(d)
	defer a.Close()
	rec := newRecorder(a)

	a.Open("0xagent", "s1", nil)
	if err := a.Send(context.Background(), "list files", nil, domain.TurnContext{}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	h := d.handle(0)
	h.push(
		status(agent.StatusWorking),
		msg(agent.MsgToolCall, domain.Event{ID: "t1", Name: "bash", Args: map[string]any{"cmd": "ls"}}),
		msg(agent.MsgToolResult, domain.Event{ID: "t1", Result: "a.txt", TimingMs: 12}),
		msg(agent.MsgAssistant, domain.Event{ID: "a1", Content: "one file"}),
		status(agent.StatusIdle),
	)

	select {
	case text := <-rec.completed:
		if text != "one file" {
			t.Fatalf("expected last agent text, got %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not complete")
	}

	want := []domain.Event{
		{Type: domain.EventUser, Content: "list files"},
		{Type: domain.EventToolCall, Name: "bash", Args: map[string]any{"cmd": "ls"}, Status: domain.StatusDone, Result: "a.txt", TimingMs: 12},
		{Type: domain.EventAgent, Content: "one file"},
	}
	snap := a.Snapshot()
	if diff := cmp.Diff(want, snap.Events, ignoreIDs); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if snap.Busy || snap.ElapsedMs != 0 {
		t.Fatalf("expected idle snapshot, got %+v", snap)
	}
}

func TestErrorSuppressesCompletion(t *testing.T) {
	d := &fakeDialer{}
	a := NewAdapter(d)
	defer a.Close()
	rec := newRecorder(a)

	a.Open("0xagent", "s1", nil)
	if err := a.Send(context.Background(), "go", nil, domain.TurnContext{}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	h := d.handle(0)
	h.push(
		msg(agent.MsgError, domain.Event{Error: "quota exceeded"}),
		status(agent.StatusIdle),
	)

	select {
	case err := <-rec.failed:
		if err.Error() != "quota exceeded" {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error callback not invoked")
	}
	waitFor(t, func() bool { return a.Snapshot().Status == agent.StatusIdle && len(h.events) == 0 })

	select {
	case text := <-rec.completed:
		t.Fatalf("completion must not fire after an error, got %q", text)
	case <-time.After(50 * time.Millisecond):
	}
	if a.Snapshot().Error != "quota exceeded" {
		t.Fatal("snapshot should carry the error")
	}
}

func TestFramesForPreviousSessionAreDropped(t *testing.T) {
	d := &fakeDialer{next: func() *fakeHandle {
		h := newFakeHandle()
		h.lag = true
		return h
	}}
	a := NewAdapter(d)
	rec := newRecorder(a)

	a.Open("0xagent", "s1", nil)
	if err := a.Send(context.Background(), "first", nil, domain.TurnContext{}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	old := d.handle(0)

	a.Open("0xagent", "s2", []domain.Event{{ID: "u0", Type: domain.EventUser, Content: "earlier"}})
	old.push(msg(agent.MsgAssistant, domain.Event{ID: "late", Content: "reply meant for s1"}))
	waitFor(t, func() bool { return len(old.events) == 0 })
	old.finish()

	snap := a.Snapshot()
	if snap.SessionID != "s2" || len(snap.Events) != 1 || snap.Events[0].ID != "u0" {
		t.Fatalf("stale frame leaked into new session: %+v", snap.Events)
	}

	a.Close()
	for _, s := range rec.all() {
		for _, e := range s.Events {
			if e.ID == "late" {
				t.Fatalf("snapshot for %s contains stale frame", s.SessionID)
			}
		}
	}
}

func TestRespondToQuestionRecordsAnswer(t *testing.T) {
	d := &fakeDialer{}
	a := NewAdapter(d)
	defer a.Close()

	a.Open("0xagent", "s1", []domain.Event{
		{ID: "u1", Type: domain.EventUser, Content: "deploy"},
		{ID: "q1", Type: domain.EventAskUser, Text: "Which region?", Options: []string{"eu", "us"}},
	})
	if p := a.Snapshot().Pending; !p.Is(domain.PendingQuestionKind) || p.InteractionID != "q1" {
		t.Fatalf("expected pending question, got %+v", p)
	}

	if err := a.RespondToApproval(context.Background(), true, domain.ScopeOnce, "", ""); !errors.Is(err, ErrNoPendingInteraction) {
		t.Fatalf("expected ErrNoPendingInteraction, got %v", err)
	}
	if err := a.RespondToQuestion(context.Background(), []string{"eu"}); err != nil {
		t.Fatalf("RespondToQuestion failed: %v", err)
	}

	snap := a.Snapshot()
	if snap.Pending != nil {
		t.Fatalf("answered question should not be pending, got %+v", snap.Pending)
	}
	last := snap.Events[len(snap.Events)-1]
	if last.Type != domain.EventUser || last.Content != "eu" {
		t.Fatalf("expected answer as user turn, got %+v", last)
	}
	if got := d.handle(0).Calls("Respond"); len(got) != 1 {
		t.Fatalf("expected one Respond call, got %d", len(got))
	}
}

func TestDisconnectDuringTurnFails(t *testing.T) {
	d := &fakeDialer{}
	a := NewAdapter(d)
	defer a.Close()
	rec := newRecorder(a)

	a.Open("0xagent", "s1", nil)
	if err := a.Send(context.Background(), "go", nil, domain.TurnContext{}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	d.handle(0).finish()

	select {
	case err := <-rec.failed:
		if !errors.Is(err, agent.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not fail the turn")
	}
	snap := a.Snapshot()
	if snap.Busy || snap.Connected {
		t.Fatalf("expected idle disconnected snapshot, got %+v", snap)
	}

	// The next send redials.
	if err := a.Send(context.Background(), "retry", nil, domain.TurnContext{}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(d.dials) != 2 {
		t.Fatalf("expected redial, got %v", d.dials)
	}
}

func TestLocalCheckpointIsClosedByItsAnswer(t *testing.T) {
	a := NewAdapter(&fakeDialer{})
	defer a.Close()

	if err := a.AppendLocal(domain.Event{Type: domain.EventCheckpoint}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	a.Open("0xagent", "s1", nil)
	if err := a.AppendLocal(domain.Event{Type: domain.EventCheckpoint, TurnsUsed: 10, MaxTurns: 10}); err != nil {
		t.Fatalf("AppendLocal failed: %v", err)
	}
	p := a.Snapshot().Pending
	if !p.Is(domain.PendingCheckpointKind) || p.Checkpoint.TurnsUsed != 10 {
		t.Fatalf("expected checkpoint pending, got %+v", p)
	}
	if err := a.RespondToCheckpoint(context.Background(), domain.CheckpointSwitchMode, domain.CheckpointOptions{}); err != nil {
		t.Fatalf("RespondToCheckpoint failed: %v", err)
	}

	snap := a.Snapshot()
	if snap.Pending != nil {
		t.Fatalf("answered checkpoint still pending: %+v", snap.Pending)
	}
	last := snap.Events[len(snap.Events)-1]
	if last.Type != domain.EventResponse || last.RespondsTo != p.InteractionID || last.Content != string(domain.CheckpointSwitchMode) {
		t.Fatalf("expected the answer recorded in the log, got %+v", last)
	}

	// Reseeding from the stored log must not bring the checkpoint back.
	a.Open("0xagent", "s1", snap.Events)
	if p := a.Snapshot().Pending; p != nil {
		t.Fatalf("checkpoint pending again after reopen: %+v", p)
	}
}

func TestDeniedApprovalStaysAnswered(t *testing.T) {
	a := NewAdapter(&fakeDialer{})
	defer a.Close()

	seed := []domain.Event{
		{ID: "u1", Type: domain.EventUser, Content: "delete it"},
		{ID: "ap1", Type: domain.EventApprovalNeeded, Tool: "bash", ToolCallID: "t1"},
	}
	a.Open("0xagent", "s1", seed)
	if !a.Snapshot().Pending.Is(domain.PendingApprovalKind) {
		t.Fatal("expected approval pending")
	}
	if err := a.RespondToApproval(context.Background(), false, domain.ScopeOnce, "", "no"); err != nil {
		t.Fatalf("RespondToApproval failed: %v", err)
	}
	events := a.Snapshot().Events
	if a.Snapshot().Pending != nil {
		t.Fatal("denied approval should not be pending while its tool call is unseen")
	}
	if last := events[len(events)-1]; last.RespondsTo != "ap1" || last.Content != "denied" {
		t.Fatalf("unexpected response event %+v", last)
	}

	a.Open("0xagent", "s1", events)
	if p := a.Snapshot().Pending; p != nil {
		t.Fatalf("approval pending again after reopen: %+v", p)
	}
	if err := a.RespondToApproval(context.Background(), true, domain.ScopeOnce, "", ""); !errors.Is(err, ErrNoPendingInteraction) {
		t.Fatalf("expected ErrNoPendingInteraction, got %v", err)
	}
}
