package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateProject inserts a new project record. Settings defaults to "{}".
func (s *Store) CreateProject(p Project) error {
	settings := p.Settings
	if settings == "" {
		settings = "{}"
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, settings, created_at)
		VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, settings, createdAt.Format(time.RFC3339),
	)
	return err
}

// GetProject returns the project with the given id.
func (s *Store) GetProject(id string) (Project, error) {
	var p Project
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, name, settings, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Settings, &createdAt)
	if err == sql.ErrNoRows {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Project{}, fmt.Errorf("parsing created_at: %w", err)
	}
	p.CreatedAt = t
	return p, nil
}

// ListProjects returns all projects ordered by creation time.
func (s *Store) ListProjects() ([]Project, error) {
	rows, err := s.db.Query(`SELECT id, name, settings, created_at FROM projects ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Project
	for rows.Next() {
		var p Project
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.Settings, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		p.CreatedAt = t
		results = append(results, p)
	}
	return results, rows.Err()
}

// UpdateProjectSettings replaces the project's settings JSON.
func (s *Store) UpdateProjectSettings(id, settings string) error {
	res, err := s.db.Exec(`UPDATE projects SET settings = ? WHERE id = ?`, settings, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeProject deletes the project and everything it owns: knowledge
// items, vectors, entities (and their history), relationships, and any
// queued jobs referencing the project. This is the only delete path;
// there is no implicit garbage collection.
func (s *Store) PurgeProject(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning purge transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM projects WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}

	steps := []string{
		`DELETE FROM entity_history WHERE entity_id IN (SELECT id FROM entities WHERE project_id = ?)`,
		`DELETE FROM relationships WHERE project_id = ?`,
		`DELETE FROM entities WHERE project_id = ?`,
		`DELETE FROM item_vectors WHERE project_id = ?`,
		`DELETE FROM knowledge_items WHERE project_id = ?`,
		`DELETE FROM jobs WHERE json_extract(payload_json, '$.project_id') = ?`,
		`DELETE FROM projects WHERE id = ?`,
	}
	for _, q := range steps {
		if _, err := tx.Exec(q, id); err != nil {
			return fmt.Errorf("purging project %s: %w", id, err)
		}
	}

	return tx.Commit()
}
