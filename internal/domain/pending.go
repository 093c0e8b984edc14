package domain

// PendingKind names the interaction the agent is blocked on.
type PendingKind string

// Pending interaction kinds.
const (
	PendingQuestionKind   PendingKind = "question"
	PendingApprovalKind   PendingKind = "approval"
	PendingOnboardingKind PendingKind = "onboarding"
	PendingCheckpointKind PendingKind = "checkpoint"
)

// PendingQuestion is an open ask_user prompt.
type PendingQuestion struct {
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	MultiSelect bool     `json:"multi_select"`
}

// PendingApproval is a tool call waiting for the user's go-ahead.
type PendingApproval struct {
	Tool           string           `json:"tool"`
	Arguments      map[string]any   `json:"arguments"`
	Description    string           `json:"description,omitempty"`
	BatchRemaining []QueuedApproval `json:"batch_remaining,omitempty"`
	ToolCallID     string           `json:"tool_call_id,omitempty"`
}

// PendingOnboarding is an unmet verification challenge.
type PendingOnboarding struct {
	Methods        []string `json:"methods"`
	PaymentAmount  float64  `json:"payment_amount,omitempty"`
	PaymentAddress string   `json:"payment_address,omitempty"`
}

// PendingCheckpoint is an exhausted autonomous-mode turn budget.
type PendingCheckpoint struct {
	TurnsUsed int `json:"turns_used"`
	MaxTurns  int `json:"max_turns"`
}

// Pending is the single outstanding decision. A nil *Pending means the agent
// is not waiting on the user. Exactly one payload matching Kind is set.
type Pending struct {
	Kind          PendingKind `json:"kind"`
	InteractionID string      `json:"interaction_id"`

	Question   *PendingQuestion   `json:"question,omitempty"`
	Approval   *PendingApproval   `json:"approval,omitempty"`
	Onboarding *PendingOnboarding `json:"onboarding,omitempty"`
	Checkpoint *PendingCheckpoint `json:"checkpoint,omitempty"`
}

// Is reports whether p is non-nil and of the given kind.
func (p *Pending) Is(kind PendingKind) bool {
	return p != nil && p.Kind == kind
}
