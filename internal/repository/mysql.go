package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/terryong31/nego-lah/internal/model"
)

const createMessagesSQL = `
CREATE TABLE IF NOT EXISTS chat_messages (
	seq BIGINT AUTO_INCREMENT PRIMARY KEY,
	id VARCHAR(36) NOT NULL UNIQUE,
	conversation_id VARCHAR(191) NOT NULL,
	role VARCHAR(16) NOT NULL,
	source VARCHAR(16) NOT NULL,
	content TEXT NOT NULL,
	item_id VARCHAR(191) NULL,
	created_at DATETIME(3) NOT NULL,
	INDEX idx_chat_messages_conversation (conversation_id, seq)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`

const createSettingsSQL = `
CREATE TABLE IF NOT EXISTS chat_settings (
	conversation_id VARCHAR(191) PRIMARY KEY,
	ai_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	admin_intervening BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at DATETIME(3) NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`

// MySQLStore keeps conversations in MySQL, one row per message
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore wraps an open database handle.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

// Migrate creates the tables when they do not exist yet.
func (s *MySQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range []string{createMessagesSQL, createSettingsSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) Append(ctx context.Context, conversationID string, msgs ...model.WireMessage) ([]model.WireMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("append: begin: %w", err)
	}
	defer tx.Rollback()

	for _, m := range stamp(msgs, s.now()) {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO chat_messages (id, conversation_id, role, source, content, item_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			m.ID, conversationID, m.Role, m.Source, m.Content, nullString(m.ItemID), m.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("append: insert: %w", err)
		}
	}

	all, err := queryMessages(ctx, tx,
		"SELECT id, role, source, content, item_id, created_at FROM chat_messages WHERE conversation_id = ? ORDER BY seq",
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("append: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("append: commit: %w", err)
	}
	return all, nil
}

func (s *MySQLStore) History(ctx context.Context, conversationID string, limit, offset int) ([]model.WireMessage, error) {
	if limit <= 0 {
		all, err := s.All(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		return Page(all, 0, offset), nil
	}
	msgs, err := queryMessages(ctx, s.db,
		"SELECT id, role, source, content, item_id, created_at FROM chat_messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ? OFFSET ?",
		conversationID, limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func (s *MySQLStore) All(ctx context.Context, conversationID string) ([]model.WireMessage, error) {
	msgs, err := queryMessages(ctx, s.db,
		"SELECT id, role, source, content, item_id, created_at FROM chat_messages WHERE conversation_id = ? ORDER BY seq",
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("all: %w", err)
	}
	return msgs, nil
}

func (s *MySQLStore) Summaries(ctx context.Context) ([]model.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.conversation_id, c.cnt, m.content, m.role
		FROM chat_messages m
		JOIN (
			SELECT conversation_id, COUNT(*) AS cnt, MAX(seq) AS last_seq
			FROM chat_messages GROUP BY conversation_id
		) c ON m.seq = c.last_seq
		ORDER BY m.seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("summaries: %w", err)
	}
	defer rows.Close()

	out := []model.ConversationSummary{}
	for rows.Next() {
		var cs model.ConversationSummary
		if err := rows.Scan(&cs.ConversationID, &cs.MessageCount, &cs.LastMessage, &cs.LastRole); err != nil {
			return nil, fmt.Errorf("summaries: scan: %w", err)
		}
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("summaries: %w", err)
	}
	return out, nil
}

func (s *MySQLStore) Clear(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM chat_messages WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

func (s *MySQLStore) Settings(ctx context.Context, conversationID string) (model.Settings, error) {
	var st model.Settings
	err := s.db.QueryRowContext(ctx,
		"SELECT ai_enabled, admin_intervening FROM chat_settings WHERE conversation_id = ?",
		conversationID).Scan(&st.AIEnabled, &st.AdminIntervening)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Settings{}, ErrNotFound
	}
	if err != nil {
		return model.Settings{}, fmt.Errorf("settings: %w", err)
	}
	return st, nil
}

func (s *MySQLStore) SetSettings(ctx context.Context, conversationID string, st model.Settings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_settings (conversation_id, ai_enabled, admin_intervening, updated_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE ai_enabled = VALUES(ai_enabled),
			admin_intervening = VALUES(admin_intervening), updated_at = VALUES(updated_at)`,
		conversationID, st.AIEnabled, st.AdminIntervening, s.now())
	if err != nil {
		return fmt.Errorf("set settings: %w", err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryMessages(ctx context.Context, q querier, query string, args ...any) ([]model.WireMessage, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.WireMessage{}
	for rows.Next() {
		var (
			m      model.WireMessage
			itemID sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Role, &m.Source, &m.Content, &itemID, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		m.ItemID = itemID.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
