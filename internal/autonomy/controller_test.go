package autonomy

import (
	"context"
	"errors"
	"testing"

	"github.com/ashureev/oochat/internal/domain"
)

type fakeSink struct {
	modes []domain.Mode
	turns []int
	err   error
}

func (s *fakeSink) SetMode(_ context.Context, mode domain.Mode, turns int) error {
	if s.err != nil {
		return s.err
	}
	s.modes = append(s.modes, mode)
	s.turns = append(s.turns, turns)
	return nil
}

func TestCheckpointAfterBudgetAndContinue(t *testing.T) {
	sink := &fakeSink{}
	c := NewController(sink, 100, 100)

	if err := c.SetMode(context.Background(), domain.ModeAutonomous, 10); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	if sink.turns[0] != 10 {
		t.Fatalf("backend should be told the budget, got %v", sink.turns)
	}

	var cp *domain.PendingCheckpoint
	for i := 1; i <= 10; i++ {
		if !c.AllowTurn() {
			t.Fatalf("turn %d blocked early", i)
		}
		cp = c.RecordTurn()
		if i < 10 && cp != nil {
			t.Fatalf("checkpoint raised after %d turns", i)
		}
	}
	if cp == nil || cp.TurnsUsed != 10 || cp.MaxTurns != 10 {
		t.Fatalf("expected checkpoint {10 10}, got %+v", cp)
	}
	if c.AllowTurn() {
		t.Fatal("turns must be blocked at the checkpoint")
	}
	if c.RecordTurn() != nil {
		t.Fatal("no second checkpoint while one is outstanding")
	}

	if err := c.ResolveCheckpoint(domain.CheckpointContinue, domain.CheckpointOptions{Turns: 100}); err != nil {
		t.Fatalf("ResolveCheckpoint failed: %v", err)
	}
	st := c.State()
	if st.MaxTurns != 110 || st.TurnsUsed != 10 || st.Remaining != 100 || st.Checkpoint != nil {
		t.Fatalf("unexpected state after continue %+v", st)
	}
	if !c.AllowTurn() {
		t.Fatal("turns should resume after continue")
	}
}

func TestSwitchModeAtCheckpoint(t *testing.T) {
	c := NewController(nil, 2, 50)
	if err := c.SetMode(context.Background(), domain.ModeAutonomous, 0); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	if c.State().MaxTurns != 2 {
		t.Fatal("default budget not applied")
	}
	c.RecordTurn()
	c.RecordTurn()

	err := c.ResolveCheckpoint(domain.CheckpointSwitchMode, domain.CheckpointOptions{Mode: domain.ModeAutonomous})
	if !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("switching to autonomous must be rejected, got %v", err)
	}

	if err := c.ResolveCheckpoint(domain.CheckpointSwitchMode, domain.CheckpointOptions{}); err != nil {
		t.Fatalf("ResolveCheckpoint failed: %v", err)
	}
	st := c.State()
	if st.Mode != domain.ModeInteractive || st.MaxTurns != 0 || st.TurnsUsed != 0 || st.Checkpoint != nil {
		t.Fatalf("unexpected state after switch %+v", st)
	}
	if err := c.ResolveCheckpoint(domain.CheckpointContinue, domain.CheckpointOptions{}); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	c := NewController(nil, 100, 25)

	opts, err := c.Normalize(domain.CheckpointContinue, domain.CheckpointOptions{})
	if err != nil || opts.Turns != 25 {
		t.Fatalf("expected continue default 25, got %+v %v", opts, err)
	}
	opts, err = c.Normalize(domain.CheckpointSwitchMode, domain.CheckpointOptions{Mode: domain.ModeAutoAccept})
	if err != nil || opts.Mode != domain.ModeAutoAccept {
		t.Fatalf("unexpected switch options %+v %v", opts, err)
	}
	if _, err := c.Normalize("pause", domain.CheckpointOptions{}); err == nil {
		t.Fatal("unknown actions must be rejected")
	}
}

func TestSetModeLeavesStateOnSinkError(t *testing.T) {
	sink := &fakeSink{err: errors.New("offline")}
	c := NewController(sink, 100, 100)

	if err := c.SetMode(context.Background(), domain.ModeAutonomous, 5); err == nil {
		t.Fatal("expected sink error")
	}
	if c.Mode() != domain.ModeInteractive {
		t.Fatal("mode must not change when the backend rejects it")
	}
	if err := c.SetMode(context.Background(), "turbo", 0); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
}

func TestObserveCheckpointAndLeaving(t *testing.T) {
	c := NewController(nil, 100, 100)
	c.ObserveCheckpoint(30, 30)
	if c.AllowTurn() || c.Mode() != domain.ModeAutonomous {
		t.Fatal("observed checkpoint should block turns in autonomous mode")
	}

	if err := c.SetMode(context.Background(), domain.ModePlan, 0); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	st := c.State()
	if st.Remaining != 0 || st.MaxTurns != 0 || st.Checkpoint != nil {
		t.Fatalf("leaving autonomous mode must clear the budget: %+v", st)
	}
}

func TestTurnContext(t *testing.T) {
	c := NewController(nil, 100, 100)
	c.SetGoal("ship v2")
	c.SetDirection("focus on tests")
	if got := c.TurnContext(); got.Goal != "ship v2" || got.Direction != "focus on tests" {
		t.Fatalf("unexpected turn context %+v", got)
	}
	c.Reset()
	if got := c.TurnContext(); got != (domain.TurnContext{}) {
		t.Fatalf("reset should clear turn context, got %+v", got)
	}
}
