package domain

// Mode is the agent's approval mode.
type Mode string

// Approval modes, ordered from most to least supervised.
const (
	ModeInteractive Mode = "safe"
	ModePlan        Mode = "plan"
	ModeAutoAccept  Mode = "accept_edits"
	ModeAutonomous  Mode = "ulw"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeInteractive, ModePlan, ModeAutoAccept, ModeAutonomous:
		return true
	}
	return false
}

// ApprovalScope is how far a tool approval reaches.
type ApprovalScope string

// Approval scopes.
const (
	ScopeOnce    ApprovalScope = "once"
	ScopeSession ApprovalScope = "session"
)

// DenyMode qualifies a rejected approval.
type DenyMode string

// Deny modes.
const (
	DenySoft    DenyMode = "reject_soft"
	DenyHard    DenyMode = "reject_hard"
	DenyExplain DenyMode = "reject_explain"
)

// CheckpointAction is the user's answer to an autonomous-mode checkpoint.
type CheckpointAction string

// Checkpoint actions. There is no third option.
const (
	CheckpointContinue   CheckpointAction = "continue"
	CheckpointSwitchMode CheckpointAction = "switch_mode"
)

// OnboardOptions carries one verification attempt.
type OnboardOptions struct {
	InviteCode string  `json:"invite_code,omitempty"`
	Payment    float64 `json:"payment,omitempty"`
}

// CheckpointOptions carries the parameters of a checkpoint answer.
type CheckpointOptions struct {
	Turns int  `json:"turns,omitempty"`
	Mode  Mode `json:"mode,omitempty"`
}

// TurnContext is free-form autonomous-mode guidance sent with the next turn.
type TurnContext struct {
	Goal      string `json:"goal,omitempty"`
	Direction string `json:"direction,omitempty"`
}
