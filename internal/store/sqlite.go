package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/oochat/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	return newSQLite(dbPath)
}

func newSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS identity (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		address TEXT NOT NULL,
		public_key TEXT NOT NULL,
		private_key TEXT NOT NULL,
		mnemonic TEXT,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credentials (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		token TEXT NOT NULL,
		profile_json TEXT,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		session_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		agent_address TEXT NOT NULL,
		ui_json TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(created_at);

	CREATE TABLE IF NOT EXISTS app_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		address TEXT PRIMARY KEY,
		added_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetIdentity returns the persisted identity, or nil if none exists.
func (s *SQLiteStore) GetIdentity(ctx context.Context) (*domain.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT address, public_key, private_key, mnemonic FROM identity WHERE id = 1`)

	var address, pubHex, privHex string
	var mnemonic sql.NullString
	err := row.Scan(&address, &pubHex, &privHex, &mnemonic)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan identity row: %w", err)
	}

	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	priv, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}

	return &domain.Identity{
		Address:    address,
		PublicKey:  pub,
		PrivateKey: priv,
		Mnemonic:   mnemonic.String,
	}, nil
}

// ReplaceIdentity stores id and clears credentials in one transaction.
func (s *SQLiteStore) ReplaceIdentity(ctx context.Context, id *domain.Identity) error {
	return withRetry(ctx, "replace identity", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin identity tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var mnemonic interface{}
		if id.Mnemonic != "" {
			mnemonic = id.Mnemonic
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO identity (id, address, public_key, private_key, mnemonic, updated_at)
			VALUES (1, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				address = excluded.address,
				public_key = excluded.public_key,
				private_key = excluded.private_key,
				mnemonic = excluded.mnemonic,
				updated_at = excluded.updated_at`,
			id.Address, hex.EncodeToString(id.PublicKey), hex.EncodeToString(id.PrivateKey),
			mnemonic, time.Now().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert identity: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
			return fmt.Errorf("clear credentials: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit identity tx: %w", err)
		}
		return nil
	})
}

// GetCredentials returns the cached token and profile, or nil if none.
func (s *SQLiteStore) GetCredentials(ctx context.Context) (*Credentials, error) {
	row := s.db.QueryRowContext(ctx, `SELECT token, profile_json FROM credentials WHERE id = 1`)

	var creds Credentials
	var profileJSON sql.NullString
	err := row.Scan(&creds.Token, &profileJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan credentials row: %w", err)
	}

	if profileJSON.Valid && profileJSON.String != "" {
		var profile domain.Profile
		if err := json.Unmarshal([]byte(profileJSON.String), &profile); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
		creds.Profile = &profile
	}
	return &creds, nil
}

// SaveCredentials replaces the cached token and profile.
func (s *SQLiteStore) SaveCredentials(ctx context.Context, creds *Credentials) error {
	var profileJSON interface{}
	if creds.Profile != nil {
		data, err := json.Marshal(creds.Profile)
		if err != nil {
			return fmt.Errorf("encode profile: %w", err)
		}
		profileJSON = string(data)
	}

	return withRetry(ctx, "save credentials", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO credentials (id, token, profile_json, updated_at)
			VALUES (1, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				token = excluded.token,
				profile_json = excluded.profile_json,
				updated_at = excluded.updated_at`,
			creds.Token, profileJSON, time.Now().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert credentials: %w", err)
		}
		return nil
	})
}

// ClearCredentials removes the cached token and profile.
func (s *SQLiteStore) ClearCredentials(ctx context.Context) error {
	return withRetry(ctx, "clear credentials", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
			return fmt.Errorf("delete credentials: %w", err)
		}
		return nil
	})
}

// ListConversations returns all conversations, newest first.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]*domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, title, agent_address, ui_json, created_at
		FROM conversations ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var convs []*domain.Conversation
	for rows.Next() {
		var conv domain.Conversation
		var uiJSON string
		var createdAt int64
		if err := rows.Scan(&conv.SessionID, &conv.Title, &conv.AgentAddress, &uiJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		if err := json.Unmarshal([]byte(uiJSON), &conv.Events); err != nil {
			return nil, fmt.Errorf("decode ui for %s: %w", conv.SessionID, err)
		}
		conv.CreatedAt = time.UnixMilli(createdAt)
		convs = append(convs, &conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return convs, nil
}

// InsertConversation stores a new conversation; existing session IDs are left untouched.
func (s *SQLiteStore) InsertConversation(ctx context.Context, conv *domain.Conversation) error {
	uiJSON, err := encodeEvents(conv.Events)
	if err != nil {
		return err
	}

	return withRetry(ctx, "insert conversation", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conversations (session_id, title, agent_address, ui_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO NOTHING`,
			conv.SessionID, conv.Title, conv.AgentAddress, uiJSON,
			conv.CreatedAt.UnixMilli(), time.Now().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		return nil
	})
}

// UpdateConversationEvents overwrites a conversation's UI log.
func (s *SQLiteStore) UpdateConversationEvents(ctx context.Context, sessionID string, events []domain.Event) error {
	uiJSON, err := encodeEvents(events)
	if err != nil {
		return err
	}

	return withRetry(ctx, "update conversation events", func() error {
		return s.updateConversation(ctx, `UPDATE conversations SET ui_json = ?, updated_at = ? WHERE session_id = ?`,
			uiJSON, sessionID)
	})
}

// UpdateConversationTitle sets a conversation's title.
func (s *SQLiteStore) UpdateConversationTitle(ctx context.Context, sessionID, title string) error {
	return withRetry(ctx, "update conversation title", func() error {
		return s.updateConversation(ctx, `UPDATE conversations SET title = ?, updated_at = ? WHERE session_id = ?`,
			title, sessionID)
	})
}

func (s *SQLiteStore) updateConversation(ctx context.Context, query, value, sessionID string) error {
	result, err := s.db.ExecContext(ctx, query, value, time.Now().UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("Conversation update affected 0 rows", "session_id", sessionID)
	}
	return nil
}

// DeleteConversation removes a conversation.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, sessionID string) error {
	return withRetry(ctx, "delete conversation", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		return nil
	})
}

const activeSessionKey = "active_session_id"

// GetActiveSession returns the selected session ID, or "" if none.
func (s *SQLiteStore) GetActiveSession(ctx context.Context) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, activeSessionKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("scan active session: %w", err)
	}
	return value, nil
}

// SetActiveSession stores the selected session ID; "" clears it.
func (s *SQLiteStore) SetActiveSession(ctx context.Context, sessionID string) error {
	return withRetry(ctx, "set active session", func() error {
		var err error
		if sessionID == "" {
			_, err = s.db.ExecContext(ctx, `DELETE FROM app_state WHERE key = ?`, activeSessionKey)
		} else {
			_, err = s.db.ExecContext(ctx, `
				INSERT INTO app_state (key, value) VALUES (?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
				activeSessionKey, sessionID)
		}
		if err != nil {
			return fmt.Errorf("set active session: %w", err)
		}
		return nil
	})
}

// ListAgents returns the agent address book in insertion order.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address FROM agents ORDER BY added_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close agent rows", "error", closeErr)
		}
	}()

	var agents []string
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		agents = append(agents, address)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

// AddAgent appends an address to the address book if absent.
func (s *SQLiteStore) AddAgent(ctx context.Context, address string) error {
	return withRetry(ctx, "add agent", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO agents (address, added_at) VALUES (?, ?) ON CONFLICT(address) DO NOTHING`,
			address, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		return nil
	})
}

func encodeEvents(events []domain.Event) (string, error) {
	if events == nil {
		return "[]", nil
	}
	data, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("encode ui events: %w", err)
	}
	return string(data), nil
}
