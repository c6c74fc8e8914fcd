package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// InsertRelationship writes a new directed edge at version 1. Endpoint
// existence and project scoping are enforced by the graph store, which
// holds the per-entity locks; this layer only persists.
func (s *Store) InsertRelationship(r Relationship) error {
	return insertRelationship(s.db, r)
}

// InsertRelationshipTx is InsertRelationship inside an existing transaction.
func (s *Store) InsertRelationshipTx(tx *sql.Tx, r Relationship) error {
	return insertRelationship(tx, r)
}

func insertRelationship(q querier, r Relationship) error {
	props, err := marshalAttrs(r.Properties)
	if err != nil {
		return fmt.Errorf("marshaling properties: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	createdAt := now
	if !r.CreatedAt.IsZero() {
		createdAt = r.CreatedAt.UTC().Format(time.RFC3339)
	}
	_, err = q.Exec(`
		INSERT INTO relationships (id, project_id, from_entity_id, to_entity_id, type, properties, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		r.ID, r.ProjectID, r.FromID, r.ToID, r.Type, props, createdAt, now,
	)
	return err
}

// UpdateRelationshipProperties replaces the edge's properties and bumps
// its version.
func (s *Store) UpdateRelationshipProperties(id, projectID string, props map[string]any, expectVersion int) error {
	encoded, err := marshalAttrs(props)
	if err != nil {
		return fmt.Errorf("marshaling properties: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE relationships SET properties = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND project_id = ? AND version = ?`,
		encoded, now, id, projectID, expectVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// GetRelationship returns the edge with the given id, scoped to projectID.
func (s *Store) GetRelationship(id, projectID string) (Relationship, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, from_entity_id, to_entity_id, type, properties, version, created_at, updated_at
		FROM relationships WHERE id = ? AND project_id = ?`, id, projectID)
	return scanRelationship(row)
}

// RelationshipsTouching returns all edges where the entity is either
// endpoint, scoped to projectID.
func (s *Store) RelationshipsTouching(entityID, projectID string) ([]Relationship, error) {
	return relationshipsTouching(s.db, entityID, projectID)
}

// RelationshipsTouchingTx is RelationshipsTouching inside an existing transaction.
func (s *Store) RelationshipsTouchingTx(tx *sql.Tx, entityID, projectID string) ([]Relationship, error) {
	return relationshipsTouching(tx, entityID, projectID)
}

func relationshipsTouching(q querier, entityID, projectID string) ([]Relationship, error) {
	rows, err := q.Query(`
		SELECT id, project_id, from_entity_id, to_entity_id, type, properties, version, created_at, updated_at
		FROM relationships
		WHERE project_id = ? AND (from_entity_id = ? OR to_entity_id = ?)
		ORDER BY created_at ASC`,
		projectID, entityID, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRelationships(rows)
}

// ListRelationships returns edges in the project, optionally filtered by type.
func (s *Store) ListRelationships(projectID, typ string) ([]Relationship, error) {
	query := `SELECT id, project_id, from_entity_id, to_entity_id, type, properties, version, created_at, updated_at
		FROM relationships WHERE project_id = ?`
	args := []any{projectID}
	if typ != "" {
		query += ` AND type = ?`
		args = append(args, typ)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRelationships(rows)
}

func scanRelationship(row rowScanner) (Relationship, error) {
	var r Relationship
	var props, createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.ProjectID, &r.FromID, &r.ToID, &r.Type, &props, &r.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Relationship{}, ErrNotFound
	}
	if err != nil {
		return Relationship{}, err
	}
	if err := json.Unmarshal([]byte(props), &r.Properties); err != nil {
		return Relationship{}, fmt.Errorf("parsing properties for %s: %w", r.ID, err)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Relationship{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Relationship{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return r, nil
}

func scanRelationships(rows *sql.Rows) ([]Relationship, error) {
	var results []Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
