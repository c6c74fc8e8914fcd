// Package graph is the validated write and traversal surface over the
// entity/relationship tables. All mutations pass through the
// consistency validator and are serialized per entity, so a committed
// graph never contains a change a rule would have rejected.
package graph

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loomkb/internal/consistency"
	"github.com/loomworks/loomkb/internal/storage"
)

// CrossProjectError is returned when a relationship endpoint exists but
// belongs to a different project. Edges never cross the project boundary.
type CrossProjectError struct {
	EntityID     string
	WantProject  string
	OwnerProject string
}

func (e *CrossProjectError) Error() string {
	return fmt.Sprintf("entity %s belongs to project %s, not %s; relationships cannot cross projects",
		e.EntityID, e.OwnerProject, e.WantProject)
}

// Store wraps the storage layer with consistency checking and
// per-entity write serialization.
type Store struct {
	store *storage.Store
	rules *consistency.Validator
	locks *entityLocks
}

// New creates a graph store. A nil validator disables rule checking,
// which only tests should want.
func New(st *storage.Store, rules *consistency.Validator) *Store {
	if rules == nil {
		rules = consistency.New()
	}
	return &Store{store: st, rules: rules, locks: newEntityLocks()}
}

// Lock acquires write locks for the given keys and returns the release
// func. Batch writers that manage their own transaction take the locks
// here, then call the Tx variants which assume locks are held.
func (g *Store) Lock(keys ...string) func() {
	return g.locks.acquire(keys...)
}

// PutEntity creates the entity, or merges attributes into the existing
// entity with the same type and name. Merge is per attribute key with
// the incoming value winning; keys absent from attrs keep their
// committed value. Returns the committed state.
func (g *Store) PutEntity(projectID string, typ storage.EntityType, name string, attrs map[string]any) (storage.Entity, error) {
	release := g.locks.acquire(NameKey(projectID, typ, name))
	defer release()
	return g.putEntity(nil, projectID, typ, name, attrs)
}

// PutEntityTx is PutEntity inside an existing transaction. The caller
// must hold the entity's lock via Lock.
func (g *Store) PutEntityTx(tx *sql.Tx, projectID string, typ storage.EntityType, name string, attrs map[string]any) (storage.Entity, error) {
	return g.putEntity(tx, projectID, typ, name, attrs)
}

func (g *Store) putEntity(tx *sql.Tx, projectID string, typ storage.EntityType, name string, attrs map[string]any) (storage.Entity, error) {
	existing, err := g.getEntityByName(tx, projectID, typ, name)
	switch {
	case err == nil:
		merged := mergeAttrs(existing.Attributes, attrs)
		proposed := existing
		proposed.Attributes = merged
		if err := g.rules.Check(consistency.Change{
			Kind:      consistency.ChangeEntityUpdate,
			ProjectID: projectID,
			Entity:    &proposed,
			Current:   &existing,
		}); err != nil {
			return storage.Entity{}, err
		}
		if err := g.updateEntityAttributes(tx, existing.ID, projectID, merged, existing.Version); err != nil {
			return storage.Entity{}, err
		}
		return g.getEntity(tx, existing.ID, projectID)

	case err == storage.ErrNotFound:
		now := time.Now().UTC()
		e := storage.Entity{
			ID:         uuid.NewString(),
			ProjectID:  projectID,
			Type:       typ,
			Name:       name,
			Attributes: attrs,
			Version:    1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := g.rules.Check(consistency.Change{
			Kind:      consistency.ChangeEntityCreate,
			ProjectID: projectID,
			Entity:    &e,
		}); err != nil {
			return storage.Entity{}, err
		}
		if err := g.insertEntity(tx, e); err != nil {
			return storage.Entity{}, err
		}
		return e, nil

	default:
		return storage.Entity{}, err
	}
}

// UpdateEntity merges attributes into the entity addressed by id and
// returns the committed state. The prior state is snapshotted into
// history by the storage layer.
func (g *Store) UpdateEntity(projectID, id string, attrs map[string]any) (storage.Entity, error) {
	release := g.locks.acquire(id)
	defer release()

	current, err := g.store.GetEntity(id, projectID)
	if err != nil {
		return storage.Entity{}, err
	}
	merged := mergeAttrs(current.Attributes, attrs)
	proposed := current
	proposed.Attributes = merged
	if err := g.rules.Check(consistency.Change{
		Kind:      consistency.ChangeEntityUpdate,
		ProjectID: projectID,
		Entity:    &proposed,
		Current:   &current,
	}); err != nil {
		return storage.Entity{}, err
	}
	if err := g.store.UpdateEntityAttributes(id, projectID, merged, current.Version); err != nil {
		return storage.Entity{}, err
	}
	return g.store.GetEntity(id, projectID)
}

// PutRelationship creates a directed edge after resolving both
// endpoints within the project and passing the change through the
// validator. Endpoints owned by another project produce a
// CrossProjectError rather than a bare not-found.
func (g *Store) PutRelationship(projectID, fromID, toID, relType string, props map[string]any) (storage.Relationship, error) {
	release := g.locks.acquire(fromID, toID)
	defer release()
	return g.putRelationship(nil, projectID, fromID, toID, relType, props)
}

// PutRelationshipTx is PutRelationship inside an existing transaction.
// The caller must hold both endpoint locks via Lock.
func (g *Store) PutRelationshipTx(tx *sql.Tx, projectID, fromID, toID, relType string, props map[string]any) (storage.Relationship, error) {
	return g.putRelationship(tx, projectID, fromID, toID, relType, props)
}

func (g *Store) putRelationship(tx *sql.Tx, projectID, fromID, toID, relType string, props map[string]any) (storage.Relationship, error) {
	from, err := g.resolveEndpoint(tx, fromID, projectID)
	if err != nil {
		return storage.Relationship{}, err
	}
	to, err := g.resolveEndpoint(tx, toID, projectID)
	if err != nil {
		return storage.Relationship{}, err
	}

	existing, err := g.relationshipsTouching(tx, fromID, projectID)
	if err != nil {
		return storage.Relationship{}, err
	}
	if toID != fromID {
		more, err := g.relationshipsTouching(tx, toID, projectID)
		if err != nil {
			return storage.Relationship{}, err
		}
		existing = append(existing, more...)
	}

	now := time.Now().UTC()
	r := storage.Relationship{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		FromID:     fromID,
		ToID:       toID,
		Type:       relType,
		Properties: props,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := g.rules.Check(consistency.Change{
		Kind:         consistency.ChangeRelationshipCreate,
		ProjectID:    projectID,
		Relationship: &r,
		From:         &from,
		To:           &to,
		Existing:     existing,
	}); err != nil {
		return storage.Relationship{}, err
	}
	if err := g.insertRelationship(tx, r); err != nil {
		return storage.Relationship{}, err
	}
	return r, nil
}

func (g *Store) resolveEndpoint(tx *sql.Tx, id, projectID string) (storage.Entity, error) {
	e, err := g.getEntity(tx, id, projectID)
	if err == storage.ErrNotFound {
		owner, ownerErr := g.store.EntityProject(id)
		if ownerErr == nil && owner != projectID {
			return storage.Entity{}, &CrossProjectError{EntityID: id, WantProject: projectID, OwnerProject: owner}
		}
		return storage.Entity{}, fmt.Errorf("relationship endpoint %s: %w", id, storage.ErrNotFound)
	}
	return e, err
}

// GetEntity returns the entity by id within the project.
func (g *Store) GetEntity(projectID, id string) (storage.Entity, error) {
	return g.store.GetEntity(id, projectID)
}

// GetEntityByName returns the entity by type and name within the project.
func (g *Store) GetEntityByName(projectID string, typ storage.EntityType, name string) (storage.Entity, error) {
	return g.store.GetEntityByName(projectID, typ, name)
}

// History returns the retained prior revisions of an entity, newest first.
func (g *Store) History(projectID, id string) ([]storage.EntityRevision, error) {
	if _, err := g.store.GetEntity(id, projectID); err != nil {
		return nil, err
	}
	return g.store.EntityHistory(id)
}

// Degree returns the number of edges touching the entity. Retrieval
// ranking uses it as the graph-connectivity signal.
func (g *Store) Degree(projectID, id string) (int, error) {
	rels, err := g.store.RelationshipsTouching(id, projectID)
	if err != nil {
		return 0, err
	}
	return len(rels), nil
}

func mergeAttrs(current, incoming map[string]any) map[string]any {
	merged := make(map[string]any, len(current)+len(incoming))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return merged
}

// tx-or-db dispatch. The storage layer exposes both plain and Tx
// method variants; these keep the write paths above tx-agnostic.

func (g *Store) getEntity(tx *sql.Tx, id, projectID string) (storage.Entity, error) {
	if tx != nil {
		return g.store.GetEntityTx(tx, id, projectID)
	}
	return g.store.GetEntity(id, projectID)
}

func (g *Store) getEntityByName(tx *sql.Tx, projectID string, typ storage.EntityType, name string) (storage.Entity, error) {
	if tx != nil {
		return g.store.GetEntityByNameTx(tx, projectID, typ, name)
	}
	return g.store.GetEntityByName(projectID, typ, name)
}

func (g *Store) insertEntity(tx *sql.Tx, e storage.Entity) error {
	if tx != nil {
		return g.store.InsertEntityTx(tx, e)
	}
	return g.store.InsertEntity(e)
}

func (g *Store) updateEntityAttributes(tx *sql.Tx, id, projectID string, attrs map[string]any, expectVersion int) error {
	if tx != nil {
		return g.store.UpdateEntityAttributesTx(tx, id, projectID, attrs, expectVersion)
	}
	return g.store.UpdateEntityAttributes(id, projectID, attrs, expectVersion)
}

func (g *Store) insertRelationship(tx *sql.Tx, r storage.Relationship) error {
	if tx != nil {
		return g.store.InsertRelationshipTx(tx, r)
	}
	return g.store.InsertRelationship(r)
}

func (g *Store) relationshipsTouching(tx *sql.Tx, entityID, projectID string) ([]storage.Relationship, error) {
	if tx != nil {
		return g.store.RelationshipsTouchingTx(tx, entityID, projectID)
	}
	return g.store.RelationshipsTouching(entityID, projectID)
}
