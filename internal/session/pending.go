package session

import (
	"strings"

	"github.com/ashureev/oochat/internal/domain"
)

// DerivePending returns the single interaction the agent is blocked on, or
// nil. Candidates:
//
//   - approval_needed whose gated tool call is running or not yet seen,
//     matched by tool-call ID when present, otherwise by tool name;
//   - onboard_required, unless an onboard_success appears anywhere in the
//     log;
//   - ask_user and ulw_turns_reached that are the latest of their kind and
//     the last entry of the log.
//
// Approvals and checkpoints named by a response event are closed.
//
// When several qualify the one appended last wins.
func DerivePending(events []domain.Event) *domain.Pending {
	byID := make(map[string]string)
	byName := make(map[string]string)
	answered := make(map[string]bool)
	onboarded := false
	for _, e := range events {
		switch e.Type {
		case domain.EventToolCall:
			if e.ID != "" {
				byID[e.ID] = e.Status
			}
			byName[toolKey(e.Name)] = e.Status
		case domain.EventResponse:
			answered[e.RespondsTo] = true
		case domain.EventOnboardSuccess:
			onboarded = true
		}
	}

	winner := -1
	onboarding := -1
	last := len(events) - 1
	for i, e := range events {
		switch e.Type {
		case domain.EventApprovalNeeded:
			if answered[e.ID] {
				continue
			}
			var status string
			var seen bool
			if e.ToolCallID != "" {
				status, seen = byID[e.ToolCallID]
			} else {
				status, seen = byName[toolKey(e.Tool)]
			}
			if !seen || status == domain.StatusRunning {
				winner = i
			}
		case domain.EventOnboardRequired:
			if !onboarded {
				onboarding = i
			}
		case domain.EventAskUser, domain.EventCheckpoint:
			if i == last && !answered[e.ID] {
				winner = i
			}
		}
	}
	if onboarding > winner {
		winner = onboarding
	}
	if winner < 0 {
		return nil
	}
	return pendingFor(events[winner])
}

func pendingFor(e domain.Event) *domain.Pending {
	p := &domain.Pending{InteractionID: e.ID}
	switch e.Type {
	case domain.EventAskUser:
		p.Kind = domain.PendingQuestionKind
		p.Question = &domain.PendingQuestion{
			Question:    e.Text,
			Options:     e.Options,
			MultiSelect: e.MultiSelect,
		}
	case domain.EventApprovalNeeded:
		p.Kind = domain.PendingApprovalKind
		p.Approval = &domain.PendingApproval{
			Tool:           e.Tool,
			Arguments:      e.Arguments,
			Description:    e.Description,
			BatchRemaining: e.BatchRemaining,
			ToolCallID:     e.ToolCallID,
		}
	case domain.EventOnboardRequired:
		p.Kind = domain.PendingOnboardingKind
		p.Onboarding = &domain.PendingOnboarding{
			Methods:        e.Methods,
			PaymentAmount:  e.PaymentAmount,
			PaymentAddress: e.PaymentAddress,
		}
	case domain.EventCheckpoint:
		p.Kind = domain.PendingCheckpointKind
		p.Checkpoint = &domain.PendingCheckpoint{TurnsUsed: e.TurnsUsed, MaxTurns: e.MaxTurns}
	}
	return p
}

// toolKey normalizes "bash:run" and "Bash" to "bash".
func toolKey(name string) string {
	name, _, _ = strings.Cut(name, ":")
	return strings.ToLower(name)
}
