package domain

import (
	"maps"
	"slices"
)

// EventType discriminates the UI event union.
type EventType string

// UI event types, matching the agent SDK's item shapes.
const (
	EventUser            EventType = "user"
	EventAgent           EventType = "agent"
	EventThinking        EventType = "thinking"
	EventToolCall        EventType = "tool_call"
	EventAskUser         EventType = "ask_user"
	EventApprovalNeeded  EventType = "approval_needed"
	EventOnboardRequired EventType = "onboard_required"
	EventOnboardSuccess  EventType = "onboard_success"
	EventIntent          EventType = "intent"
	EventEval            EventType = "eval"
	EventCompact         EventType = "compact"
	EventToolBlocked     EventType = "tool_blocked"
	EventCheckpoint      EventType = "ulw_turns_reached"
	// EventResponse records the user's answer to an approval or checkpoint.
	EventResponse EventType = "response"
)

// Progress statuses shared by thinking, tool_call and compact events.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusError   = "error"
)

// TokenUsage is the LLM usage attached to a thinking step.
type TokenUsage struct {
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	TotalTokens  int     `json:"total_tokens,omitempty"`
	Cost         float64 `json:"cost,omitempty"`
}

// QueuedApproval is a further tool call waiting behind the current approval.
type QueuedApproval struct {
	Tool      string `json:"tool"`
	Arguments string `json:"arguments"`
}

// Event is one entry of a conversation's UI log. Only the fields of the
// variant named by Type are meaningful. Events are immutable once appended,
// except tool_call which is updated in place by ID.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`

	// user, agent
	Content string   `json:"content,omitempty"`
	Images  []string `json:"images,omitempty"`

	// thinking, tool_call, intent, eval, compact
	Status string `json:"status,omitempty"`

	// thinking
	Kind           string      `json:"kind,omitempty"`
	Model          string      `json:"model,omitempty"`
	DurationMs     int64       `json:"duration_ms,omitempty"`
	ContextPercent float64     `json:"context_percent,omitempty"`
	Usage          *TokenUsage `json:"usage,omitempty"`

	// tool_call
	Name     string         `json:"name,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Result   string         `json:"result,omitempty"`
	TimingMs int64          `json:"timing_ms,omitempty"`

	// ask_user
	Text        string   `json:"text,omitempty"`
	Options     []string `json:"options,omitempty"`
	MultiSelect bool     `json:"multi_select,omitempty"`

	// approval_needed, tool_blocked
	Tool           string           `json:"tool,omitempty"`
	Arguments      map[string]any   `json:"arguments,omitempty"`
	Description    string           `json:"description,omitempty"`
	BatchRemaining []QueuedApproval `json:"batch_remaining,omitempty"`
	ToolCallID     string           `json:"tool_call_id,omitempty"`

	// onboard_required
	Methods        []string `json:"methods,omitempty"`
	PaymentAmount  float64  `json:"paymentAmount,omitempty"`
	PaymentAddress string   `json:"paymentAddress,omitempty"`

	// onboard_success, compact, tool_blocked
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`

	// intent
	Ack     string `json:"ack,omitempty"`
	IsBuild bool   `json:"is_build,omitempty"`

	// eval
	Passed   *bool  `json:"passed,omitempty"`
	Summary  string `json:"summary,omitempty"`
	Expected string `json:"expected,omitempty"`
	EvalPath string `json:"eval_path,omitempty"`

	// compact
	ContextBefore float64 `json:"context_before,omitempty"`
	ContextAfter  float64 `json:"context_after,omitempty"`
	Error         string  `json:"error,omitempty"`

	// tool_blocked
	Reason string `json:"reason,omitempty"`

	// ulw_turns_reached
	TurnsUsed int `json:"turns_used,omitempty"`
	MaxTurns  int `json:"max_turns,omitempty"`

	// response: the answered interaction; Content holds the decision
	RespondsTo string `json:"responds_to,omitempty"`
}

// Clone returns a copy that shares no slices or maps with e.
func (e Event) Clone() Event {
	e.Images = slices.Clone(e.Images)
	e.Args = maps.Clone(e.Args)
	e.Options = slices.Clone(e.Options)
	e.Arguments = maps.Clone(e.Arguments)
	e.BatchRemaining = slices.Clone(e.BatchRemaining)
	e.Methods = slices.Clone(e.Methods)
	if e.Usage != nil {
		u := *e.Usage
		e.Usage = &u
	}
	if e.Passed != nil {
		p := *e.Passed
		e.Passed = &p
	}
	return e
}

// CloneEvents deep copies a log.
func CloneEvents(events []Event) []Event {
	if events == nil {
		return nil
	}
	out := make([]Event, len(events))
	for i := range events {
		out[i] = events[i].Clone()
	}
	return out
}

// LastAgentText returns the content of the latest agent turn.
func LastAgentText(events []Event) (string, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == EventAgent {
			return events[i].Content, true
		}
	}
	return "", false
}
