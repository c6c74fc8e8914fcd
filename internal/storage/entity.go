package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// InsertEntity writes a brand-new entity at version 1.
func (s *Store) InsertEntity(e Entity) error {
	return insertEntity(s.db, e)
}

// InsertEntityTx is InsertEntity inside an existing transaction.
func (s *Store) InsertEntityTx(tx *sql.Tx, e Entity) error {
	return insertEntity(tx, e)
}

func insertEntity(q querier, e Entity) error {
	if err := ValidateEntity(e); err != nil {
		return err
	}
	attrs, err := marshalAttrs(e.Attributes)
	if err != nil {
		return fmt.Errorf("marshaling attributes for %q: %w", e.Name, err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	createdAt := now
	if !e.CreatedAt.IsZero() {
		createdAt = e.CreatedAt.UTC().Format(time.RFC3339)
	}
	_, err = q.Exec(`
		INSERT INTO entities (id, project_id, type, name, attributes, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		e.ID, e.ProjectID, string(e.Type), e.Name, attrs, createdAt, now,
	)
	return err
}

// UpdateEntityAttributes replaces the entity's attributes, bumps its
// version, and snapshots the prior attributes into entity_history.
// expectVersion guards against lost updates: the row is only touched if
// its current version still matches.
func (s *Store) UpdateEntityAttributes(id, projectID string, attrs map[string]any, expectVersion int) error {
	return updateEntityAttributes(s.db, id, projectID, attrs, expectVersion)
}

// UpdateEntityAttributesTx is UpdateEntityAttributes inside an existing transaction.
func (s *Store) UpdateEntityAttributesTx(tx *sql.Tx, id, projectID string, attrs map[string]any, expectVersion int) error {
	return updateEntityAttributes(tx, id, projectID, attrs, expectVersion)
}

func updateEntityAttributes(q querier, id, projectID string, attrs map[string]any, expectVersion int) error {
	var prior string
	var version int
	err := q.QueryRow(`SELECT attributes, version FROM entities WHERE id = ? AND project_id = ?`, id, projectID).
		Scan(&prior, &version)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if version != expectVersion {
		return fmt.Errorf("entity %s: version changed (have %d, expected %d): %w", id, version, expectVersion, ErrVersionConflict)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := q.Exec(`
		INSERT INTO entity_history (entity_id, version, attributes, recorded_at)
		VALUES (?, ?, ?, ?)`,
		id, version, prior, now,
	); err != nil {
		return fmt.Errorf("recording entity history: %w", err)
	}

	next, err := marshalAttrs(attrs)
	if err != nil {
		return fmt.Errorf("marshaling attributes: %w", err)
	}
	res, err := q.Exec(`
		UPDATE entities SET attributes = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND project_id = ? AND version = ?`,
		next, now, id, projectID, version,
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

// ErrVersionConflict signals a concurrent mutation slipped in between
// read and write. Callers holding the per-entity lock never see it.
var ErrVersionConflict = errors.New("entity version conflict")

// GetEntity returns the entity with the given id, scoped to projectID.
func (s *Store) GetEntity(id, projectID string) (Entity, error) {
	return getEntity(s.db, id, projectID)
}

// GetEntityTx is GetEntity inside an existing transaction.
func (s *Store) GetEntityTx(tx *sql.Tx, id, projectID string) (Entity, error) {
	return getEntity(tx, id, projectID)
}

func getEntity(q querier, id, projectID string) (Entity, error) {
	row := q.QueryRow(`
		SELECT id, project_id, type, name, attributes, version, created_at, updated_at
		FROM entities WHERE id = ? AND project_id = ?`, id, projectID)
	return scanEntity(row)
}

// GetEntityByName returns the entity with the given type and name in the
// project. Used by ingestion to merge repeated mentions of the same concept.
func (s *Store) GetEntityByName(projectID string, typ EntityType, name string) (Entity, error) {
	return getEntityByName(s.db, projectID, typ, name)
}

// GetEntityByNameTx is GetEntityByName inside an existing transaction.
func (s *Store) GetEntityByNameTx(tx *sql.Tx, projectID string, typ EntityType, name string) (Entity, error) {
	return getEntityByName(tx, projectID, typ, name)
}

func getEntityByName(q querier, projectID string, typ EntityType, name string) (Entity, error) {
	row := q.QueryRow(`
		SELECT id, project_id, type, name, attributes, version, created_at, updated_at
		FROM entities WHERE project_id = ? AND type = ? AND name = ?`,
		projectID, string(typ), name)
	return scanEntity(row)
}

// EntityProject returns the project owning the entity id, ignoring
// project scope. Used to tell "does not exist" apart from "exists in a
// different project" when resolving relationship endpoints.
func (s *Store) EntityProject(id string) (string, error) {
	var projectID string
	err := s.db.QueryRow(`SELECT project_id FROM entities WHERE id = ?`, id).Scan(&projectID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return projectID, nil
}

// ListEntities returns entities in the project, optionally filtered by type.
func (s *Store) ListEntities(projectID string, typ EntityType) ([]Entity, error) {
	query := `SELECT id, project_id, type, name, attributes, version, created_at, updated_at
		FROM entities WHERE project_id = ?`
	args := []any{projectID}
	if typ != "" {
		query += ` AND type = ?`
		args = append(args, string(typ))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntities(rows)
}

// EntityHistory returns all retained prior revisions, newest first.
func (s *Store) EntityHistory(entityID string) ([]EntityRevision, error) {
	rows, err := s.db.Query(`
		SELECT entity_id, version, attributes, recorded_at
		FROM entity_history WHERE entity_id = ? ORDER BY version DESC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var revs []EntityRevision
	for rows.Next() {
		var r EntityRevision
		var attrs, recordedAt string
		if err := rows.Scan(&r.EntityID, &r.Version, &attrs, &recordedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attrs), &r.Attributes); err != nil {
			return nil, fmt.Errorf("parsing history attributes: %w", err)
		}
		t, err := time.Parse(time.RFC3339, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing recorded_at: %w", err)
		}
		r.RecordedAt = t
		revs = append(revs, r)
	}
	return revs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (Entity, error) {
	var e Entity
	var typ, attrs, createdAt, updatedAt string
	err := row.Scan(&e.ID, &e.ProjectID, &typ, &e.Name, &attrs, &e.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, err
	}
	e.Type = EntityType(typ)
	if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
		return Entity{}, fmt.Errorf("parsing attributes for %s: %w", e.ID, err)
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Entity{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Entity{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return e, nil
}

func scanEntities(rows *sql.Rows) ([]Entity, error) {
	var results []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

func marshalAttrs(attrs map[string]any) (string, error) {
	if attrs == nil {
		return "{}", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
