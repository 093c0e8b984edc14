// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/oochat/internal/domain"
)

// Credentials is the cached result of the last successful authentication.
type Credentials struct {
	Token   string
	Profile *domain.Profile
}

// Repository defines the interface for persisting client state.
type Repository interface {
	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// GetIdentity returns the persisted identity, or nil if none exists.
	GetIdentity(ctx context.Context) (*domain.Identity, error)

	// ReplaceIdentity stores id as the only identity and clears the cached
	// credentials in the same transaction.
	ReplaceIdentity(ctx context.Context, id *domain.Identity) error

	// GetCredentials returns the cached bearer token and profile.
	GetCredentials(ctx context.Context) (*Credentials, error)

	// SaveCredentials replaces the cached bearer token and profile.
	SaveCredentials(ctx context.Context, creds *Credentials) error

	// ClearCredentials removes the cached bearer token and profile.
	ClearCredentials(ctx context.Context) error

	// ListConversations returns all conversations, newest first.
	ListConversations(ctx context.Context) ([]*domain.Conversation, error)

	// InsertConversation stores a new conversation. It is a no-op if the
	// session ID already exists.
	InsertConversation(ctx context.Context, conv *domain.Conversation) error

	// UpdateConversationEvents overwrites a conversation's UI log.
	UpdateConversationEvents(ctx context.Context, sessionID string, events []domain.Event) error

	// UpdateConversationTitle sets a conversation's title.
	UpdateConversationTitle(ctx context.Context, sessionID, title string) error

	// DeleteConversation removes a conversation.
	DeleteConversation(ctx context.Context, sessionID string) error

	// GetActiveSession returns the selected session ID, or "" if none.
	GetActiveSession(ctx context.Context) (string, error)

	// SetActiveSession stores the selected session ID; "" clears it.
	SetActiveSession(ctx context.Context, sessionID string) error

	// ListAgents returns the agent address book in insertion order.
	ListAgents(ctx context.Context) ([]string, error)

	// AddAgent appends an address to the address book if absent.
	AddAgent(ctx context.Context, address string) error
}
