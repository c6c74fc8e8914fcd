package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Project is the isolation boundary. Every other record carries exactly
// one ProjectID and is never visible outside it.
type Project struct {
	ID        string
	Name      string
	Settings  string // JSON object stored as text
	CreatedAt time.Time
}

// KnowledgeItem is one ingested unit of content plus the descriptor of
// the embedding model that produced its stored vector. The descriptor
// columns are immutable after insert; only the re-embed worker rewrites
// them, together with the vector itself.
type KnowledgeItem struct {
	ID           string
	ProjectID    string
	Content      string
	ContentType  string // "text", "image", "pdf", "url"
	Source       string // JSON metadata stored as text
	EmbedModel   string
	EmbedVersion string
	CreatedAt    time.Time
}

// EntityType is a closed set of story-world concept kinds. New kinds
// are added through RegisterEntityType rather than by passing arbitrary
// strings through the write path.
type EntityType string

const (
	EntityCharacter EntityType = "character"
	EntityLocation  EntityType = "location"
	EntityArtifact  EntityType = "artifact"
	EntityScene     EntityType = "scene"
	EntityFaction   EntityType = "faction"
	EntityEvent     EntityType = "event"
)

var (
	entityTypesMu sync.RWMutex
	entityTypes   = map[EntityType]struct{}{
		EntityCharacter: {},
		EntityLocation:  {},
		EntityArtifact:  {},
		EntityScene:     {},
		EntityFaction:   {},
		EntityEvent:     {},
	}
)

// RegisterEntityType adds a new entity kind to the closed set.
// Intended for process startup, before any writes.
func RegisterEntityType(t EntityType) {
	entityTypesMu.Lock()
	defer entityTypesMu.Unlock()
	entityTypes[t] = struct{}{}
}

// Valid reports whether t is a registered entity kind.
func (t EntityType) Valid() bool {
	entityTypesMu.RLock()
	defer entityTypesMu.RUnlock()
	_, ok := entityTypes[t]
	return ok
}

// EntityTypes returns the registered kinds in sorted order.
func EntityTypes() []EntityType {
	entityTypesMu.RLock()
	defer entityTypesMu.RUnlock()
	out := make([]EntityType, 0, len(entityTypes))
	for t := range entityTypes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Entity is a story-world concept. Version starts at 1 and increments
// on every attribute mutation; the prior attribute values are snapshotted
// into entity_history so the consistency validator always compares
// against fully-committed state.
type Entity struct {
	ID         string
	ProjectID  string
	Type       EntityType
	Name       string
	Attributes map[string]any
	Version    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Status returns the entity's "status" attribute, or "" when unset.
func (e Entity) Status() string {
	s, _ := e.Attributes["status"].(string)
	return s
}

// Relationship is a directed, typed edge between two entities of the
// same project.
type Relationship struct {
	ID         string
	ProjectID  string
	FromID     string
	ToID       string
	Type       string
	Properties map[string]any
	Version    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EntityRevision is one retained prior state of an entity.
type EntityRevision struct {
	EntityID   string
	Version    int
	Attributes map[string]any
	RecordedAt time.Time
}

// Job is one unit of background work in the SQLite job queue.
// Currently the only job type is "reembed".
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// ValidateEntity checks the structural invariants of an entity before
// it reaches the write path.
func ValidateEntity(e Entity) error {
	if e.ProjectID == "" {
		return fmt.Errorf("entity %q: missing project id", e.Name)
	}
	if e.Name == "" {
		return errors.New("entity: missing name")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("entity %q: unknown type %q (registered: %v)", e.Name, e.Type, EntityTypes())
	}
	return nil
}
