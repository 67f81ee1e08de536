package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Agent struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Framework    string          `json:"framework,omitempty"`
	Capabilities json.RawMessage `json:"capabilities"`
	Priority     int             `json:"priority"`
	DependsOn    json.RawMessage `json:"depends_on,omitempty"`
	Seq          int64           `json:"seq"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

const agentColumns = `id, name, description, framework, capabilities, priority, depends_on, seq, created_at, updated_at`

func scanAgent(sc scanner) (*Agent, error) {
	a := &Agent{}
	var description, framework, dependsOn sql.NullString
	err := sc.Scan(&a.ID, &a.Name, &description, &framework, &a.Capabilities,
		&a.Priority, &dependsOn, &a.Seq, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Description = description.String
	a.Framework = framework.String
	if dependsOn.Valid {
		a.DependsOn = json.RawMessage(dependsOn.String)
	}
	return a, nil
}

func (s *Store) SaveAgent(a *Agent) error {
	_, err := s.db.Exec(`
		INSERT INTO agents (id, name, description, framework, capabilities, priority, depends_on, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, COALESCE((SELECT MAX(seq) FROM agents), 0) + 1)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			framework = excluded.framework,
			capabilities = excluded.capabilities,
			priority = excluded.priority,
			depends_on = excluded.depends_on,
			updated_at = CURRENT_TIMESTAMP`,
		a.ID, a.Name, a.Description, a.Framework, a.Capabilities, a.Priority, a.DependsOn)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return s.db.QueryRow(`SELECT seq FROM agents WHERE id = ?`, a.ID).Scan(&a.Seq)
}

func (s *Store) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents() ([]Agent, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *Store) DeleteAgent(id string) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	return err
}

func (s *Store) DeleteAgentsNotIn(ids []string) error {
	if len(ids) == 0 {
		_, err := s.db.Exec(`DELETE FROM agents`)
		return err
	}
	query := `DELETE FROM agents WHERE id NOT IN (`
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = id
	}
	query += ")"
	_, err := s.db.Exec(query, args...)
	return err
}
