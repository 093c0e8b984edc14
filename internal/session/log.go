package session

import (
	"github.com/google/uuid"

	"github.com/ashureev/oochat/internal/domain"
)

// Log is a conversation's ordered UI events. Entries are immutable once
// appended except tool calls, which are updated in place by ID as they move
// from running to done or error.
type Log struct {
	events []domain.Event
	tools  map[string]int
}

// NewLog returns a log seeded with a copy of events.
func NewLog(seed []domain.Event) *Log {
	l := &Log{tools: make(map[string]int)}
	for _, e := range seed {
		l.push(e.Clone())
	}
	return l
}

// Append adds e at the end, assigning an ID when it has none. Tool calls
// are routed through UpsertToolCall.
func (l *Log) Append(e domain.Event) domain.Event {
	if e.Type == domain.EventToolCall {
		return l.UpsertToolCall(e)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	l.push(e)
	return e
}

// UpsertToolCall merges e into the tool call with the same ID, or appends
// it. A result without an ID attaches to the latest running call of the same
// tool name.
func (l *Log) UpsertToolCall(e domain.Event) domain.Event {
	e.Type = domain.EventToolCall
	i, ok := l.tools[e.ID]
	if e.ID == "" {
		i, ok = l.lastRunning(e.Name)
	}
	if !ok {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.Status == "" {
			e.Status = domain.StatusRunning
		}
		l.push(e)
		return e
	}

	cur := &l.events[i]
	if e.Status != "" {
		cur.Status = e.Status
	}
	if e.Result != "" {
		cur.Result = e.Result
	}
	if e.TimingMs != 0 {
		cur.TimingMs = e.TimingMs
	}
	if cur.Name == "" {
		cur.Name = e.Name
	}
	if cur.Args == nil {
		cur.Args = e.Args
	}
	return cur.Clone()
}

// Events returns a deep copy of the log.
func (l *Log) Events() []domain.Event {
	return domain.CloneEvents(l.events)
}

// Len returns the number of entries.
func (l *Log) Len() int {
	return len(l.events)
}

func (l *Log) push(e domain.Event) {
	if e.Type == domain.EventToolCall && e.ID != "" {
		l.tools[e.ID] = len(l.events)
	}
	l.events = append(l.events, e)
}

func (l *Log) lastRunning(name string) (int, bool) {
	for i := len(l.events) - 1; i >= 0; i-- {
		e := l.events[i]
		if e.Type == domain.EventToolCall && e.Name == name && e.Status == domain.StatusRunning {
			return i, true
		}
	}
	return 0, false
}
