package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Message struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient,omitempty"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveMessage appends a message to a session log. The autoincrement seq gives
// every message a total order within the store; the uuid id survives
// re-delivery attempts.
func (s *Store) SaveMessage(msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Kind == "" {
		msg.Kind = "text"
	}
	result, err := s.db.Exec(`
		INSERT INTO messages (id, session_id, sender, recipient, kind, content)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Sender, msg.Recipient, msg.Kind, msg.Content)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	msg.Seq, _ = result.LastInsertId()
	return nil
}

func (s *Store) GetMessages(sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`
		SELECT seq, id, session_id, sender, recipient, kind, content, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY seq DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, rows.Err()
}

func (s *Store) GetRecentMessages(limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT seq, id, session_id, sender, recipient, kind, content, created_at
		FROM messages
		ORDER BY seq DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var m Message
		var recipient sql.NullString
		if err := rows.Scan(&m.Seq, &m.ID, &m.SessionID, &m.Sender, &recipient, &m.Kind, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Recipient = recipient.String
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

type SessionMessageStats struct {
	SessionID    string
	MessageCount int
	LastActive   time.Time
}

func (s *Store) GetSessionMessageStats() (map[string]SessionMessageStats, error) {
	rows, err := s.db.Query(`
		SELECT session_id, COUNT(*) as cnt, COALESCE(MAX(created_at), '') as last_active
		FROM messages
		GROUP BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("get session message stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]SessionMessageStats)
	for rows.Next() {
		var st SessionMessageStats
		var lastActive string
		if err := rows.Scan(&st.SessionID, &st.MessageCount, &lastActive); err != nil {
			return nil, fmt.Errorf("scan session stats: %w", err)
		}
		if lastActive != "" {
			st.LastActive, _ = time.Parse("2006-01-02 15:04:05", lastActive)
		}
		stats[st.SessionID] = st
	}
	return stats, rows.Err()
}
