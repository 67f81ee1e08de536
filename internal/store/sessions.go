package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Session struct {
	ID           string          `json:"id"`
	Task         string          `json:"task"`
	Strategy     string          `json:"strategy"`
	State        string          `json:"state"`
	Participants json.RawMessage `json:"participants"`
	Plan         json.RawMessage `json:"plan,omitempty"`
	Results      json.RawMessage `json:"results,omitempty"`
	Error        string          `json:"error,omitempty"`
	ParentID     string          `json:"parent_id,omitempty"`
	Depth        int             `json:"depth"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

const sessionColumns = `id, task, strategy, state, participants, plan, results, error, parent_id, depth, created_at, updated_at, completed_at`

func scanSession(sc scanner) (*Session, error) {
	sess := &Session{}
	var plan, results, errMsg, parentID sql.NullString
	err := sc.Scan(&sess.ID, &sess.Task, &sess.Strategy, &sess.State, &sess.Participants,
		&plan, &results, &errMsg, &parentID, &sess.Depth,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.CompletedAt)
	if err != nil {
		return nil, err
	}
	if plan.Valid {
		sess.Plan = json.RawMessage(plan.String)
	}
	if results.Valid {
		sess.Results = json.RawMessage(results.String)
	}
	sess.Error = errMsg.String
	sess.ParentID = parentID.String
	return sess, nil
}

func (s *Store) SaveSession(sess *Session) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, task, strategy, state, participants, plan, results, error, parent_id, depth)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			participants = excluded.participants,
			plan = excluded.plan,
			results = excluded.results,
			error = excluded.error,
			updated_at = CURRENT_TIMESTAMP,
			completed_at = CASE
				WHEN excluded.state IN ('completed', 'failed', 'cancelled') THEN CURRENT_TIMESTAMP
				ELSE completed_at
			END`,
		sess.ID, sess.Task, sess.Strategy, sess.State, sess.Participants,
		sess.Plan, sess.Results, sess.Error, sess.ParentID, sess.Depth)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions() ([]Session, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *Store) ListChildSessions(parentID string) ([]Session, error) {
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM sessions WHERE parent_id = ? ORDER BY created_at`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list child sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and its message log.
func (s *Store) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return tx.Commit()
}

// PurgeTerminalSessions removes terminal sessions older than the cutoff and
// returns how many were deleted.
func (s *Store) PurgeTerminalSessions(cutoff time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM messages WHERE session_id IN (
			SELECT id FROM sessions
			WHERE state IN ('completed', 'failed', 'cancelled') AND updated_at < ?
		)`, cutoff); err != nil {
		return 0, fmt.Errorf("purge session messages: %w", err)
	}

	res, err := tx.Exec(`
		DELETE FROM sessions
		WHERE state IN ('completed', 'failed', 'cancelled') AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}
