package session

import (
	"github.com/ashureev/oochat/internal/agent"
	"github.com/ashureev/oochat/internal/domain"
)

type frameKind int

const (
	frameIgnored frameKind = iota
	frameEvent
	frameToolCall
	frameStatus
	frameError
)

// translate maps an inbound frame onto the UI event it contributes, if any.
func translate(msg agent.Message) (domain.Event, frameKind) {
	ev := msg.Event.Clone()
	switch msg.Type {
	case agent.MsgToolCall:
		ev.ID = firstNonEmpty(ev.ID, ev.ToolCallID)
		if ev.Status == "" {
			ev.Status = domain.StatusRunning
		}
		ev.Type = domain.EventToolCall
		return ev, frameToolCall
	case agent.MsgToolResult:
		ev.ID = firstNonEmpty(ev.ID, ev.ToolCallID)
		if ev.Status == "" {
			ev.Status = domain.StatusDone
		}
		ev.Type = domain.EventToolCall
		return ev, frameToolCall
	case agent.MsgThinking:
		ev.Type = domain.EventThinking
	case agent.MsgLLMCall:
		ev.Type = domain.EventThinking
		if ev.Kind == "" {
			ev.Kind = "llm"
		}
	case agent.MsgAssistant:
		ev.Type = domain.EventAgent
	case agent.MsgAskUser, agent.MsgApprovalNeeded, agent.MsgOnboardReq, agent.MsgOnboardSuccess,
		agent.MsgIntent, agent.MsgEval, agent.MsgCompact, agent.MsgToolBlocked, agent.MsgTurnsReached:
		ev.Type = domain.EventType(msg.Type)
	case agent.MsgStatus:
		return ev, frameStatus
	case agent.MsgError:
		return ev, frameError
	default:
		return ev, frameIgnored
	}
	return ev, frameEvent
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
