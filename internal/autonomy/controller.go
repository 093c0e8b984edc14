// Package autonomy tracks the agent's approval mode and the turn budget of
// autonomous mode.
package autonomy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/oochat/internal/domain"
)

// Errors returned by Controller.
var (
	ErrInvalidMode  = errors.New("invalid mode")
	ErrNoCheckpoint = errors.New("no checkpoint outstanding")
	ErrInvalidTurns = errors.New("turn budget must be positive")
)

// ModeSink receives mode changes for the backend.
type ModeSink interface {
	SetMode(ctx context.Context, mode domain.Mode, turns int) error
}

// State is a copy of the controller's state.
type State struct {
	Mode       domain.Mode               `json:"mode"`
	MaxTurns   int                       `json:"max_turns,omitempty"`
	TurnsUsed  int                       `json:"turns_used,omitempty"`
	Remaining  int                       `json:"remaining,omitempty"`
	Checkpoint *domain.PendingCheckpoint `json:"checkpoint,omitempty"`
	Goal       string                    `json:"goal,omitempty"`
	Direction  string                    `json:"direction,omitempty"`
}

// Controller is the autonomous-mode state machine. Entering autonomous mode
// sets a turn budget; exhausting it raises a checkpoint that blocks further
// turns until the user continues with more turns or switches mode.
type Controller struct {
	sink          ModeSink
	defaultTurns  int
	continueTurns int

	mu         sync.Mutex
	mode       domain.Mode
	maxTurns   int
	used       int
	checkpoint *domain.PendingCheckpoint
	goal       string
	direction  string
}

// NewController starts in interactive mode. sink may be nil.
func NewController(sink ModeSink, defaultTurns, continueTurns int) *Controller {
	return &Controller{
		sink:          sink,
		defaultTurns:  defaultTurns,
		continueTurns: continueTurns,
		mode:          domain.ModeInteractive,
	}
}

// SetMode switches mode. Entering autonomous mode takes turns as the budget
// (the default when turns <= 0) and resets the consumed count; any other
// mode clears the budget. The backend is told first and state only changes
// when that succeeds.
func (c *Controller) SetMode(ctx context.Context, mode domain.Mode, turns int) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if mode == domain.ModeAutonomous && turns <= 0 {
		turns = c.defaultTurns
	}
	if mode != domain.ModeAutonomous {
		turns = 0
	}

	if c.sink != nil {
		if err := c.sink.SetMode(ctx, mode, turns); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.enterLocked(mode, turns)
	c.mu.Unlock()
	slog.Info("Mode changed", "mode", mode, "max_turns", turns)
	return nil
}

func (c *Controller) enterLocked(mode domain.Mode, turns int) {
	c.mode = mode
	c.maxTurns = turns
	c.used = 0
	c.checkpoint = nil
}

// RecordTurn counts a completed turn in autonomous mode. It returns the
// checkpoint when this turn exhausted the budget.
func (c *Controller) RecordTurn() *domain.PendingCheckpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != domain.ModeAutonomous || c.checkpoint != nil {
		return nil
	}
	c.used++
	if c.used < c.maxTurns {
		return nil
	}
	c.checkpoint = &domain.PendingCheckpoint{TurnsUsed: c.used, MaxTurns: c.maxTurns}
	slog.Info("Autonomous turn budget reached", "turns_used", c.used, "max_turns", c.maxTurns)
	cp := *c.checkpoint
	return &cp
}

// AllowTurn reports whether another turn may start.
func (c *Controller) AllowTurn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoint == nil
}

// ObserveCheckpoint adopts a checkpoint reported by the backend.
func (c *Controller) ObserveCheckpoint(turnsUsed, maxTurns int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.checkpoint != nil && c.checkpoint.TurnsUsed == turnsUsed && c.checkpoint.MaxTurns == maxTurns {
		return
	}
	c.mode = domain.ModeAutonomous
	c.used = turnsUsed
	c.maxTurns = maxTurns
	c.checkpoint = &domain.PendingCheckpoint{TurnsUsed: turnsUsed, MaxTurns: maxTurns}
}

// Normalize validates a checkpoint answer and fills in defaults: continue
// adds the configured number of turns; switch_mode targets interactive mode
// and may never target autonomous mode.
func (c *Controller) Normalize(action domain.CheckpointAction, opts domain.CheckpointOptions) (domain.CheckpointOptions, error) {
	switch action {
	case domain.CheckpointContinue:
		if opts.Turns < 0 {
			return opts, ErrInvalidTurns
		}
		if opts.Turns == 0 {
			opts.Turns = c.continueTurns
		}
		opts.Mode = ""
	case domain.CheckpointSwitchMode:
		if opts.Mode == "" {
			opts.Mode = domain.ModeInteractive
		}
		if !opts.Mode.Valid() || opts.Mode == domain.ModeAutonomous {
			return opts, fmt.Errorf("%w: cannot switch to %q", ErrInvalidMode, opts.Mode)
		}
		opts.Turns = 0
	default:
		return opts, fmt.Errorf("unknown checkpoint action %q", action)
	}
	return opts, nil
}

// ResolveCheckpoint applies a checkpoint answer.
func (c *Controller) ResolveCheckpoint(action domain.CheckpointAction, opts domain.CheckpointOptions) error {
	opts, err := c.Normalize(action, opts)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.checkpoint == nil {
		return ErrNoCheckpoint
	}
	switch action {
	case domain.CheckpointContinue:
		c.maxTurns += opts.Turns
		c.checkpoint = nil
		slog.Info("Autonomous budget extended", "max_turns", c.maxTurns, "turns_used", c.used)
	case domain.CheckpointSwitchMode:
		c.enterLocked(opts.Mode, 0)
		slog.Info("Left autonomous mode at checkpoint", "mode", opts.Mode)
	}
	return nil
}

// SetGoal replaces the autonomous-mode goal.
func (c *Controller) SetGoal(goal string) {
	c.mu.Lock()
	c.goal = goal
	c.mu.Unlock()
}

// SetDirection replaces the autonomous-mode direction.
func (c *Controller) SetDirection(direction string) {
	c.mu.Lock()
	c.direction = direction
	c.mu.Unlock()
}

// TurnContext returns the guidance to attach to the next send.
func (c *Controller) TurnContext() domain.TurnContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.TurnContext{Goal: c.goal, Direction: c.direction}
}

// Remaining returns the unused budget, never negative.
func (c *Controller) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remainingLocked()
}

func (c *Controller) remainingLocked() int {
	return max(c.maxTurns-c.used, 0)
}

// Mode returns the current mode.
func (c *Controller) Mode() domain.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// State returns a copy of the controller's state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := State{
		Mode:      c.mode,
		MaxTurns:  c.maxTurns,
		TurnsUsed: c.used,
		Remaining: c.remainingLocked(),
		Goal:      c.goal,
		Direction: c.direction,
	}
	if c.checkpoint != nil {
		cp := *c.checkpoint
		s.Checkpoint = &cp
	}
	return s
}

// Reset returns to interactive mode and clears goal and direction, without
// notifying the backend.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.enterLocked(domain.ModeInteractive, 0)
	c.goal, c.direction = "", ""
	c.mu.Unlock()
}
