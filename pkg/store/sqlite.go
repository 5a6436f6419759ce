package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/convoy/internal/observability"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SQLiteStore persists conversations in a local SQLite database. All writes
// go through a single connection and commit before returning.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// SQLiteConfig configures NewSQLiteStore.
type SQLiteConfig struct {
	Path   string
	Logger zerolog.Logger
}

// NewSQLiteStore opens (or creates) the database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := cfg.Path + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: cfg.Logger.With().Str("component", "store").Logger(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Debug().Str("path", cfg.Path).Msg("Conversation store opened")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'open' CHECK (state IN ('open', 'closed')),
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_state ON conversations(state, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender TEXT NOT NULL CHECK (sender IN ('user', 'assistant', 'system')),
			content TEXT NOT NULL DEFAULT '',
			avatar TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

		CREATE TABLE IF NOT EXISTS tools (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			state TEXT NOT NULL CHECK (state IN ('input-streaming', 'input-available', 'output-available', 'output-error')),
			input TEXT,
			output TEXT,
			error_text TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tools_conversation ON tools(conversation_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) observe(op string, start time.Time) {
	observability.RecordStoreOp(op, time.Since(start))
}

// CreateConversation implements ConversationStore.
func (s *SQLiteStore) CreateConversation(ctx context.Context, id, title string) (*Conversation, error) {
	defer s.observe("create_conversation", time.Now())

	if id == "" {
		return nil, errors.New("conversation id is required")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, title, StateOpen, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return s.GetConversation(ctx, id)
}

// UpdateConversation implements ConversationStore.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) error {
	defer s.observe("update_conversation", time.Now())

	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UTC()}
	if patch.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, *patch.State)
	}
	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return requireRow(res, "conversation", id)
}

// CreateMessage implements ConversationStore.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) (string, error) {
	defer s.observe("create_message", time.Now())

	if msg.ID == "" {
		msg.ID = NewID()
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender, content, avatar, name, seq, created_at, updated_at)
		 SELECT ?, ?, ?, ?, ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?
		 FROM messages WHERE conversation_id = ?
		 ON CONFLICT(id) DO NOTHING`,
		msg.ID, msg.ConversationID, msg.Sender, msg.Content, msg.Avatar, msg.Name,
		msg.CreatedAt, msg.UpdatedAt, msg.ConversationID)
	if err != nil {
		if isForeignKeyErr(err) {
			return "", fmt.Errorf("conversation %s: %w", msg.ConversationID, ErrNotFound)
		}
		return "", fmt.Errorf("failed to create message: %w", err)
	}
	return msg.ID, nil
}

// UpdateMessage implements ConversationStore.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, id string, patch MessagePatch) error {
	defer s.observe("update_message", time.Now())

	if patch.Content == nil {
		_, err := s.GetMessage(ctx, id)
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET content = ?, updated_at = ? WHERE id = ?",
		*patch.Content, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	return requireRow(res, "message", id)
}

// UpsertTool implements ConversationStore.
func (s *SQLiteStore) UpsertTool(ctx context.Context, tool *Tool, patch ToolPatch) error {
	defer s.observe("upsert_tool", time.Now())

	if tool.ID == "" {
		return errors.New("tool id is required")
	}
	if !tool.State.Valid() {
		return fmt.Errorf("invalid tool state %q", tool.State)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanToolState(tx.QueryRowContext(ctx, "SELECT state FROM tools WHERE id = ?", tool.ID))
		switch {
		case errors.Is(err, ErrNotFound):
			now := time.Now().UTC()
			_, err := tx.ExecContext(ctx,
				`INSERT INTO tools (id, message_id, conversation_id, type, state, input, output, error_text, seq, created_at, updated_at)
				 SELECT ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?
				 FROM tools WHERE conversation_id = ?`,
				tool.ID, tool.MessageID, tool.ConversationID, tool.Type, tool.State,
				nullableJSON(tool.Input), nullableJSON(tool.Output), tool.ErrorText, now, now, tool.ConversationID)
			if err != nil {
				if isForeignKeyErr(err) {
					return fmt.Errorf("tool %s parent: %w", tool.ID, ErrNotFound)
				}
				return fmt.Errorf("failed to insert tool: %w", err)
			}
			return nil
		case err != nil:
			return err
		}
		return s.applyToolPatch(ctx, tx, tool.ID, current, patch)
	})
}

// UpdateTool implements ConversationStore.
func (s *SQLiteStore) UpdateTool(ctx context.Context, toolID string, patch ToolPatch) error {
	defer s.observe("update_tool", time.Now())

	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanToolState(tx.QueryRowContext(ctx, "SELECT state FROM tools WHERE id = ?", toolID))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("tool %s: %w", toolID, ErrNotFound)
			}
			return err
		}
		return s.applyToolPatch(ctx, tx, toolID, current, patch)
	})
}

func (s *SQLiteStore) applyToolPatch(ctx context.Context, tx *sql.Tx, id string, current ToolState, patch ToolPatch) error {
	if err := checkToolTransition(current, patch.State); err != nil {
		return fmt.Errorf("tool %s (%s): %w", id, current, err)
	}

	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UTC()}
	if patch.State != nil {
		if !patch.State.Valid() {
			return fmt.Errorf("invalid tool state %q", *patch.State)
		}
		sets = append(sets, "state = ?")
		args = append(args, *patch.State)
	}
	if patch.MessageID != nil {
		sets = append(sets, "message_id = ?")
		args = append(args, *patch.MessageID)
	}
	if patch.Input != nil {
		sets = append(sets, "input = ?")
		args = append(args, string(patch.Input))
	}
	if patch.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(patch.Output))
	}
	if patch.ErrorText != nil {
		sets = append(sets, "error_text = ?")
		args = append(args, *patch.ErrorText)
	}
	args = append(args, id)

	_, err := tx.ExecContext(ctx, "UPDATE tools SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update tool: %w", err)
	}
	return nil
}

// GetConversation implements Reader.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, title, state, created_at, updated_at FROM conversations WHERE id = ?", id)
	var c Conversation
	if err := row.Scan(&c.ID, &c.Title, &c.State, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &c, nil
}

// ListConversations implements Reader, newest first.
func (s *SQLiteStore) ListConversations(ctx context.Context, opts ListOptions) ([]*Conversation, error) {
	query := "SELECT id, title, state, created_at, updated_at FROM conversations"
	var args []interface{}
	if opts.State != "" {
		query += " WHERE state = ?"
		args = append(args, opts.State)
	}
	query += " ORDER BY created_at DESC, id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.State, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

const messageColumns = "id, conversation_id, sender, content, avatar, name, created_at, updated_at"

func scanMessage(sc interface{ Scan(...interface{}) error }) (*Message, error) {
	var m Message
	if err := sc.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Content, &m.Avatar, &m.Name, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessage implements Reader.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// ListMessages implements Reader, in insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = ? ORDER BY seq", conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const toolColumns = "id, message_id, conversation_id, type, state, input, output, error_text, created_at, updated_at"

func scanTool(sc interface{ Scan(...interface{}) error }) (*Tool, error) {
	var t Tool
	var input, output sql.NullString
	if err := sc.Scan(&t.ID, &t.MessageID, &t.ConversationID, &t.Type, &t.State, &input, &output, &t.ErrorText, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if input.Valid {
		t.Input = []byte(input.String)
	}
	if output.Valid {
		t.Output = []byte(output.String)
	}
	return &t, nil
}

// GetTool implements Reader.
func (s *SQLiteStore) GetTool(ctx context.Context, id string) (*Tool, error) {
	t, err := scanTool(s.db.QueryRowContext(ctx, "SELECT "+toolColumns+" FROM tools WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("tool %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get tool: %w", err)
	}
	return t, nil
}

// ListTools implements Reader, in insertion order.
func (s *SQLiteStore) ListTools(ctx context.Context, conversationID string) ([]*Tool, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+toolColumns+" FROM tools WHERE conversation_id = ? ORDER BY seq", conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	defer rows.Close()

	var out []*Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PruneClosed implements Store.
func (s *SQLiteStore) PruneClosed(ctx context.Context, cutoff time.Time) (int, error) {
	defer s.observe("prune_closed", time.Now())

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM conversations WHERE state = ? AND updated_at < ?", StateClosed, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune conversations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func scanToolState(row *sql.Row) (ToolState, error) {
	var state ToolState
	if err := row.Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return state, nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func nullableJSON(raw []byte) interface{} {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func isForeignKeyErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
