// Package conversation provides the persistent, append-only message
// history behind AL threads. Every read and write is scoped to the
// owning user: a conversation that exists but belongs to someone else is
// indistinguishable from one that does not exist.
package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned for unknown conversation ids and for
// conversations owned by a different user. The two cases are deliberately
// not distinguishable, so ids cannot be probed for existence.
var ErrNotFound = errors.New("conversation not found")

// Roles a message can carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one immutable entry in a conversation. Seq is assigned
// inside the append transaction and totally orders the conversation.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Role           string       `json:"role"`
	Content        string       `json:"content"`
	ToolCalls      []ToolRecord `json:"tool_calls,omitempty"`
	Seq            int64        `json:"seq"`
	CreatedAt      time.Time    `json:"created_at"`
}

// ToolRecord is the persisted summary of one tool invocation attached to
// an assistant message. Results are truncated before storage, so this is
// a record of what happened, not a cache of tool output.
type ToolRecord struct {
	Name   string         `json:"name"`
	Input  map[string]any `json:"input,omitempty"`
	Status string         `json:"status"` // "ok" or "error"
	Result string         `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Store is the SQLite-backed conversation store.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the conversation database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open conversation database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate conversation schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);

	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		tool_calls      TEXT,
		seq             INTEGER NOT NULL,
		created_at      TEXT NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_conversation_seq ON messages(conversation_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ResolveOrCreate returns the conversation id for a turn. An empty id
// creates a fresh conversation owned by userID; a non-empty id must
// exist and be owned by userID, otherwise ErrNotFound.
func (s *Store) ResolveOrCreate(ctx context.Context, id, userID string) (string, error) {
	if id == "" {
		newID, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate conversation id: %w", err)
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO conversations (id, user_id, created_at) VALUES (?, ?, ?)`,
			newID.String(), userID, time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return "", fmt.Errorf("create conversation: %w", err)
		}
		return newID.String(), nil
	}

	if err := s.checkOwnership(ctx, s.db, id, userID); err != nil {
		return "", err
	}
	return id, nil
}

// Append writes one message to a conversation the caller owns and
// returns the message id. Seq assignment and the insert share one
// transaction, so concurrent appends cannot produce duplicate or
// out-of-order sequence numbers.
func (s *Store) Append(ctx context.Context, convID, userID string, msg Message) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.checkOwnership(ctx, tx, convID, userID); err != nil {
		return "", err
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`, convID,
	).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("assign message seq: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}

	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return "", fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(data)
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, tool_calls, seq, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id.String(), convID, msg.Role, msg.Content, toolCalls, seq,
		createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit append tx: %w", err)
	}
	return id.String(), nil
}

// History returns the newest limit messages of a conversation the caller
// owns, in ascending seq order. limit <= 0 means no limit. The window is
// the store-level truncation; the orchestrator applies its own token
// budget on top.
func (s *Store) History(ctx context.Context, convID, userID string, limit int) ([]Message, error) {
	if err := s.checkOwnership(ctx, s.db, convID, userID); err != nil {
		return nil, err
	}

	query := `SELECT id, role, content, tool_calls, seq, created_at
	          FROM messages WHERE conversation_id = ? ORDER BY seq DESC`
	args := []any{convID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var toolCalls sql.NullString
		var created string
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &toolCalls, &m.Seq, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ConversationID = convID
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			m.CreatedAt = t
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	// Rows came newest-first; flip to append order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) checkOwnership(ctx context.Context, q querier, convID, userID string) error {
	var owner string
	err := q.QueryRowContext(ctx,
		`SELECT user_id FROM conversations WHERE id = ?`, convID,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read conversation: %w", err)
	}
	if owner != userID {
		return ErrNotFound
	}
	return nil
}
