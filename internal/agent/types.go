// Package agent is the client side of the agent connection: the SDK
// interfaces the session layer talks to, a websocket relay client that
// implements them, and directory lookups for agent addresses.
package agent

import (
	"context"
	"encoding/json"

	"github.com/ashureev/oochat/internal/domain"
)

// Status is the agent's activity reported by status frames.
type Status string

// Agent activity states.
const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusWaiting Status = "waiting"
)

// Inbound frame types.
const (
	MsgToolCall       = "tool_call"
	MsgToolResult     = "tool_result"
	MsgThinking       = "thinking"
	MsgLLMCall        = "llm_call"
	MsgAssistant      = "assistant"
	MsgAskUser        = "ask_user"
	MsgApprovalNeeded = "approval_needed"
	MsgOnboardReq     = "onboard_required"
	MsgOnboardSuccess = "onboard_success"
	MsgIntent         = "intent"
	MsgEval           = "eval"
	MsgCompact        = "compact"
	MsgToolBlocked    = "tool_blocked"
	MsgTurnsReached   = "ulw_turns_reached"
	MsgStatus         = "status"
	MsgError          = "error"
)

// Outbound frame types.
const (
	FrameInput            = "INPUT"
	FrameAskUserResponse  = "ASK_USER_RESPONSE"
	FrameApprovalResponse = "APPROVAL_RESPONSE"
	FrameOnboardSubmit    = "ONBOARD_SUBMIT"
	FrameTurnsResponse    = "ULW_RESPONSE"
	FrameModeChange       = "MODE_CHANGE"
)

// Message is one inbound frame. The embedded event carries the variant
// payload; its Type is filled in by the session layer, since inbound frame
// types are not the same set as UI event types.
type Message struct {
	Type string `json:"type"`
	domain.Event
}

// Frame is one outbound frame.
type Frame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`

	// INPUT
	Prompt    string          `json:"prompt,omitempty"`
	Images    []string        `json:"images,omitempty"`
	Goal      string          `json:"goal,omitempty"`
	Direction string          `json:"direction,omitempty"`
	From      string          `json:"from,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Signature string          `json:"signature,omitempty"`

	// ASK_USER_RESPONSE
	Answer []string `json:"answer,omitempty"`

	// APPROVAL_RESPONSE
	Approved *bool  `json:"approved,omitempty"`
	Scope    string `json:"scope,omitempty"`
	Feedback string `json:"feedback,omitempty"`
	Deny     string `json:"deny_mode,omitempty"`

	// ONBOARD_SUBMIT
	InviteCode string  `json:"invite_code,omitempty"`
	Payment    float64 `json:"payment,omitempty"`

	// ULW_RESPONSE, MODE_CHANGE
	Action string `json:"action,omitempty"`
	Turns  int    `json:"turns,omitempty"`
	Mode   string `json:"mode,omitempty"`
}

// Handle is one live connection to an agent for one session.
type Handle interface {
	// Input starts a turn.
	Input(ctx context.Context, prompt string, images []string, tc domain.TurnContext) error
	// Respond answers an ask_user prompt.
	Respond(ctx context.Context, answer []string) error
	RespondToApproval(ctx context.Context, approved bool, scope domain.ApprovalScope, deny domain.DenyMode, feedback string) error
	SubmitOnboard(ctx context.Context, opts domain.OnboardOptions) error
	RespondToCheckpoint(ctx context.Context, action domain.CheckpointAction, opts domain.CheckpointOptions) error
	SetMode(ctx context.Context, mode domain.Mode, turns int) error
	// Events is closed when the connection ends.
	Events() <-chan Message
	Close() error
}

// Dialer opens handles.
type Dialer interface {
	Dial(ctx context.Context, address, sessionID string) (Handle, error)
}

// Signer signs outbound input on behalf of the local identity.
type Signer interface {
	Address() string
	Sign(message string) string
}
