package domain

import (
	"time"
)

const (
	// DefaultTitle is the title of a conversation before its first user turn.
	DefaultTitle = "New chat"
	// TitleMaxRunes bounds titles derived from the first user turn.
	TitleMaxRunes = 30
)

// Conversation is one session with an agent and its ordered UI event log.
type Conversation struct {
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title"`
	AgentAddress string    `json:"agent_address"`
	Events       []Event   `json:"ui"`
	CreatedAt    time.Time `json:"created_at"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Events = CloneEvents(c.Events)
	return &out
}

// FirstUserText returns the content of the earliest user turn.
func (c *Conversation) FirstUserText() (string, bool) {
	return FirstUserText(c.Events)
}

// FirstUserText returns the content of the earliest user turn in events.
func FirstUserText(events []Event) (string, bool) {
	for i := range events {
		if events[i].Type == EventUser {
			return events[i].Content, true
		}
	}
	return "", false
}

// TruncateTitle cuts text to TitleMaxRunes runes.
func TruncateTitle(text string) string {
	runes := []rune(text)
	if len(runes) <= TitleMaxRunes {
		return text
	}
	return string(runes[:TitleMaxRunes])
}
