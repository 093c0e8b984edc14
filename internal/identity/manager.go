package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/oochat/internal/domain"
	"github.com/ashureev/oochat/internal/store"
)

// Errors returned by Manager.
var (
	ErrNoIdentity = errors.New("identity not initialized")
	ErrSuperseded = errors.New("authentication superseded by a newer attempt")
)

// AuthState is the progress of the most recent authentication.
type AuthState string

// Authentication states.
const (
	AuthIdle    AuthState = "idle"
	AuthSyncing AuthState = "syncing"
	AuthReady   AuthState = "ready"
	AuthFailed  AuthState = "error"
)

// Status describes the most recent authentication attempt.
type Status struct {
	State AuthState `json:"state"`
	Error string    `json:"error,omitempty"`
}

// ExportKind says what ExportIdentity returned.
type ExportKind string

// Export kinds.
const (
	ExportMnemonic   ExportKind = "mnemonic"
	ExportPrivateKey ExportKind = "private_key"
)

// Storage is the subset of the repository the manager persists through.
type Storage interface {
	GetIdentity(ctx context.Context) (*domain.Identity, error)
	ReplaceIdentity(ctx context.Context, id *domain.Identity) error
	GetCredentials(ctx context.Context) (*store.Credentials, error)
	SaveCredentials(ctx context.Context, creds *store.Credentials) error
	ClearCredentials(ctx context.Context) error
}

// Manager holds the current identity and its credentials. Identity swaps
// and credential writes are serialized under one mutex, which is also held
// across the matching storage write so memory and disk never disagree.
type Manager struct {
	storage   Storage
	authority Authority
	now       func() time.Time

	mu         sync.Mutex
	identity   *domain.Identity
	generation uint64
	ticket     uint64
	token      string
	profile    *domain.Profile
	status     Status
	recovery   string

	changed chan struct{}
}

// NewManager creates a manager. Call EnsureIdentity before use.
func NewManager(storage Storage, authority Authority) *Manager {
	return &Manager{
		storage:   storage,
		authority: authority,
		now:       time.Now,
		status:    Status{State: AuthIdle},
		changed:   make(chan struct{}, 1),
	}
}

// EnsureIdentity loads the persisted identity, creating one on first run.
// A freshly generated recovery phrase is held for one-time display.
func (m *Manager) EnsureIdentity(ctx context.Context) (*domain.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identity != nil {
		return m.identity, nil
	}

	id, err := m.storage.GetIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if id == nil {
		id, err = Generate()
		if err != nil {
			return nil, err
		}
		if err := m.storage.ReplaceIdentity(ctx, id); err != nil {
			return nil, fmt.Errorf("persist identity: %w", err)
		}
		m.recovery = id.Mnemonic
		slog.Info("Generated new identity", "address", id.ShortAddress())
	} else {
		creds, err := m.storage.GetCredentials(ctx)
		if err != nil {
			return nil, fmt.Errorf("load credentials: %w", err)
		}
		if creds != nil {
			m.token = creds.Token
			m.profile = creds.Profile
		}
	}

	m.identity = id
	m.generation++
	m.notify()
	return id, nil
}

// Authenticate signs a fresh challenge and exchanges it for a token and
// profile. If another Authenticate starts, or the identity is swapped, before
// this one finishes, its result is discarded and ErrSuperseded is returned.
func (m *Manager) Authenticate(ctx context.Context) error {
	m.mu.Lock()
	id := m.identity
	if id == nil {
		m.mu.Unlock()
		return ErrNoIdentity
	}
	m.ticket++
	ticket, generation := m.ticket, m.generation
	m.status = Status{State: AuthSyncing}
	m.mu.Unlock()

	message := fmt.Sprintf("ConnectOnion-Auth-%s-%d", id.Address, m.now().Unix())
	token, err := m.authority.Exchange(ctx, Challenge{
		PublicKey: id.Address,
		Signature: id.Sign(message),
		Message:   message,
	})
	var profile *domain.Profile
	if err == nil {
		profile, err = m.authority.Profile(ctx, token)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ticket != m.ticket || generation != m.generation {
		slog.Debug("Discarding stale authentication result", "address", id.ShortAddress())
		return ErrSuperseded
	}

	if err != nil {
		m.token, m.profile = "", nil
		m.status = Status{State: AuthFailed, Error: err.Error()}
		if cerr := m.storage.ClearCredentials(ctx); cerr != nil {
			slog.Warn("Failed to clear cached credentials", "error", cerr)
		}
		return fmt.Errorf("authenticate: %w", err)
	}

	m.token, m.profile = token, profile
	m.status = Status{State: AuthReady}
	if err := m.storage.SaveCredentials(ctx, &store.Credentials{Token: token, Profile: profile}); err != nil {
		slog.Warn("Failed to persist credentials", "error", err)
	}
	return nil
}

// ResetIdentity discards the current identity for a freshly generated one.
func (m *Manager) ResetIdentity(ctx context.Context) (*domain.Identity, error) {
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := m.swap(ctx, id, id.Mnemonic); err != nil {
		return nil, err
	}
	slog.Info("Identity reset", "address", id.ShortAddress())
	return id, nil
}

// ImportIdentity replaces the identity with one parsed from a recovery phrase
// or hex private key. Invalid input returns *ValidationError and changes
// nothing.
func (m *Manager) ImportIdentity(ctx context.Context, input string) (*domain.Identity, error) {
	id, err := Parse(input)
	if err != nil {
		return nil, err
	}
	if err := m.swap(ctx, id, ""); err != nil {
		return nil, err
	}
	slog.Info("Identity imported", "address", id.ShortAddress())
	return id, nil
}

func (m *Manager) swap(ctx context.Context, id *domain.Identity, recovery string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.storage.ReplaceIdentity(ctx, id); err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}
	m.identity = id
	m.generation++
	m.token, m.profile = "", nil
	m.status = Status{State: AuthIdle}
	m.recovery = recovery
	m.notify()
	return nil
}

// ExportIdentity returns the recovery phrase, or the hex private key for
// identities imported without one.
func (m *Manager) ExportIdentity() (string, ExportKind, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identity == nil {
		return "", "", ErrNoIdentity
	}
	if m.identity.Mnemonic != "" {
		return m.identity.Mnemonic, ExportMnemonic, nil
	}
	return m.identity.PrivateKeyHex(), ExportPrivateKey, nil
}

// RecoveryPhrase returns a newly generated phrase awaiting acknowledgement.
func (m *Manager) RecoveryPhrase() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recovery, m.recovery != ""
}

// DismissRecoveryPhrase marks the recovery phrase as shown.
func (m *Manager) DismissRecoveryPhrase() {
	m.mu.Lock()
	m.recovery = ""
	m.mu.Unlock()
}

// Identity returns the current identity, or nil before EnsureIdentity.
func (m *Manager) Identity() *domain.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Address returns the current address.
func (m *Manager) Address() string {
	if id := m.Identity(); id != nil {
		return id.Address
	}
	return ""
}

// Sign signs message with the current identity's key.
func (m *Manager) Sign(message string) string {
	if id := m.Identity(); id != nil {
		return id.Sign(message)
	}
	return ""
}

// Token returns the current bearer token, or "" when unauthenticated.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Profile returns a copy of the cached account profile.
func (m *Manager) Profile() *domain.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profile == nil {
		return nil
	}
	p := *m.profile
	return &p
}

// Status returns the state of the most recent authentication.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Changes signals after every identity load or swap.
func (m *Manager) Changes() <-chan struct{} {
	return m.changed
}

// notify must be called with mu held.
func (m *Manager) notify() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}
