// Package conversation keeps the ordered list of conversations, the active
// pointer and the agent address book in memory, mirroring every change to
// the repository in the background.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/oochat/internal/domain"
)

// Errors returned by Store.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidSessionID     = errors.New("invalid session id")
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ValidSessionID reports whether id can name a conversation.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Repository is the persistence the store mirrors into.
type Repository interface {
	ListConversations(ctx context.Context) ([]*domain.Conversation, error)
	InsertConversation(ctx context.Context, conv *domain.Conversation) error
	UpdateConversationEvents(ctx context.Context, sessionID string, events []domain.Event) error
	UpdateConversationTitle(ctx context.Context, sessionID, title string) error
	DeleteConversation(ctx context.Context, sessionID string) error
	GetActiveSession(ctx context.Context) (string, error)
	SetActiveSession(ctx context.Context, sessionID string) error
	ListAgents(ctx context.Context) ([]string, error)
	AddAgent(ctx context.Context, address string) error
}

// PendingMessage is a first message typed before its conversation existed.
// It is handed from the new-chat flow to the chat view and never persisted.
type PendingMessage struct {
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
}

// Store is the conversation state container. Reads and writes of memory are
// synchronous. Repository writes are queued under mu, so they apply in the
// same order as the memory changes they mirror.
type Store struct {
	repo    Repository
	persist *persister
	now     func() time.Time

	mu       sync.Mutex
	convs    []*domain.Conversation // newest first
	active   string
	agents   []string
	pending  map[string]PendingMessage
	onChange []func()
}

// NewStore creates an empty store. Call Load to hydrate it.
func NewStore(repo Repository) *Store {
	return &Store{
		repo:    repo,
		persist: newPersister(),
		now:     time.Now,
		pending: make(map[string]PendingMessage),
	}
}

// Load replaces memory with the repository's contents.
func (s *Store) Load(ctx context.Context) error {
	convs, err := s.repo.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	active, err := s.repo.GetActiveSession(ctx)
	if err != nil {
		return fmt.Errorf("load active session: %w", err)
	}
	agents, err := s.repo.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}

	s.mu.Lock()
	s.convs = convs
	s.agents = agents
	s.active = ""
	if active != "" && s.indexLocked(active) >= 0 {
		s.active = active
	}
	s.mu.Unlock()

	slog.Info("Conversations loaded", "count", len(convs), "active", active)
	s.changed()
	return nil
}

// OnChange registers fn to run after every mutation.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Create adds a conversation titled "New chat" at the front of the list and
// makes it active. If sessionID already exists the call only selects it.
func (s *Store) Create(sessionID, agentAddress string) (*domain.Conversation, error) {
	if !ValidSessionID(sessionID) {
		return nil, ErrInvalidSessionID
	}

	s.mu.Lock()
	if i := s.indexLocked(sessionID); i >= 0 {
		conv := s.convs[i].Clone()
		s.mu.Unlock()
		return conv, s.Select(sessionID)
	}
	conv := &domain.Conversation{
		SessionID:    sessionID,
		Title:        domain.DefaultTitle,
		AgentAddress: agentAddress,
		CreatedAt:    s.now().Truncate(time.Millisecond),
	}
	s.convs = slices.Insert(s.convs, 0, conv)
	s.active = sessionID
	out := conv.Clone()
	row := conv.Clone()
	s.persist.enqueue("insert", func(ctx context.Context) error {
		return s.repo.InsertConversation(ctx, row)
	})
	s.persistActive(sessionID)
	s.mu.Unlock()

	s.changed()
	return out, nil
}

// Select makes sessionID the active conversation.
func (s *Store) Select(sessionID string) error {
	s.mu.Lock()
	if s.indexLocked(sessionID) < 0 {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	s.active = sessionID
	s.persistActive(sessionID)
	s.mu.Unlock()

	s.changed()
	return nil
}

// ClearActive deselects the active conversation without deleting it.
func (s *Store) ClearActive() {
	s.mu.Lock()
	s.active = ""
	s.persistActive("")
	s.mu.Unlock()

	s.changed()
}

// Delete removes a conversation, clearing the active pointer if it pointed
// at it.
func (s *Store) Delete(sessionID string) error {
	s.mu.Lock()
	i := s.indexLocked(sessionID)
	if i < 0 {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	s.convs = slices.Delete(s.convs, i, i+1)
	delete(s.pending, sessionID)
	s.persist.enqueue("delete", func(ctx context.Context) error {
		return s.repo.DeleteConversation(ctx, sessionID)
	})
	if s.active == sessionID {
		s.active = ""
		s.persistActive("")
	}
	s.mu.Unlock()

	s.changed()
	return nil
}

// ReplaceEvents overwrites the stored log of sessionID. Merging is the
// caller's concern.
func (s *Store) ReplaceEvents(sessionID string, events []domain.Event) error {
	s.mu.Lock()
	i := s.indexLocked(sessionID)
	if i < 0 {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	s.convs[i].Events = domain.CloneEvents(events)
	row := domain.CloneEvents(events)
	s.persist.enqueue("events", func(ctx context.Context) error {
		return s.repo.UpdateConversationEvents(ctx, sessionID, row)
	})
	s.mu.Unlock()

	s.changed()
	return nil
}

// DeriveTitle titles a conversation from its first user turn. Only the
// default title is ever replaced, so later turns do not retitle it.
func (s *Store) DeriveTitle(sessionID, firstUserText string) bool {
	title := domain.TruncateTitle(firstUserText)
	if title == "" {
		return false
	}

	s.mu.Lock()
	i := s.indexLocked(sessionID)
	if i < 0 || s.convs[i].Title != domain.DefaultTitle {
		s.mu.Unlock()
		return false
	}
	s.convs[i].Title = title
	s.persist.enqueue("title", func(ctx context.Context) error {
		return s.repo.UpdateConversationTitle(ctx, sessionID, title)
	})
	s.mu.Unlock()

	s.changed()
	return true
}

// List returns copies of all conversations, newest first.
func (s *Store) List() []*domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Conversation, len(s.convs))
	for i, c := range s.convs {
		out[i] = c.Clone()
	}
	return out
}

// Get returns a copy of one conversation.
func (s *Store) Get(sessionID string) (*domain.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(sessionID)
	if i < 0 {
		return nil, false
	}
	return s.convs[i].Clone(), true
}

// Active returns the selected session ID, or "".
func (s *Store) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// AddAgent appends address to the address book if it is new.
func (s *Store) AddAgent(address string) {
	s.mu.Lock()
	if address == "" || slices.Contains(s.agents, address) {
		s.mu.Unlock()
		return
	}
	s.agents = append(s.agents, address)
	s.persist.enqueue("agent", func(ctx context.Context) error {
		return s.repo.AddAgent(ctx, address)
	})
	s.mu.Unlock()

	s.changed()
}

// Agents returns the address book in insertion order.
func (s *Store) Agents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.agents)
}

// SetPendingMessage parks the first message of a new conversation.
func (s *Store) SetPendingMessage(sessionID string, msg PendingMessage) {
	s.mu.Lock()
	s.pending[sessionID] = msg
	s.mu.Unlock()
}

// ConsumePendingMessage returns and forgets the parked message.
func (s *Store) ConsumePendingMessage(sessionID string) (PendingMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.pending[sessionID]
	delete(s.pending, sessionID)
	return msg, ok
}

// Flush waits for queued repository writes to be applied.
func (s *Store) Flush(ctx context.Context) error {
	return s.persist.flush(ctx)
}

// Close flushes queued writes and stops the background writer.
func (s *Store) Close(ctx context.Context) error {
	return s.persist.close(ctx)
}

func (s *Store) persistActive(sessionID string) {
	s.persist.enqueue("active", func(ctx context.Context) error {
		return s.repo.SetActiveSession(ctx, sessionID)
	})
}

func (s *Store) indexLocked(sessionID string) int {
	return slices.IndexFunc(s.convs, func(c *domain.Conversation) bool {
		return c.SessionID == sessionID
	})
}

func (s *Store) changed() {
	s.mu.Lock()
	fns := slices.Clone(s.onChange)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
