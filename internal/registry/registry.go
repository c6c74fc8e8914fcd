// Package registry resolves and isolates every operation by its
// mandatory project id. Resolution happens before any other processing,
// in particular before the embedding provider is contacted, so a caller
// mistake never costs an external call.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loomkb/internal/storage"
)

// MissingProjectIDError rejects a request that arrived without a
// project id. The hint tells the caller how to fix it.
type MissingProjectIDError struct {
	Op string
}

func (e *MissingProjectIDError) Error() string {
	return fmt.Sprintf("%s: project_id is required; pass a non-empty project_id with every request", e.Op)
}

// ErrUnknownProject is returned when lazy creation is disabled and the
// project does not exist.
var ErrUnknownProject = errors.New("unknown project (lazy creation disabled; register the project first)")

// ProjectContext is the resolved scope handed to every downstream
// operation.
type ProjectContext struct {
	Project storage.Project
	Created bool // true when this call lazily created the project
}

// Registry resolves project ids against the store.
type Registry struct {
	store          *storage.Store
	createIfAbsent bool
}

// New creates a Registry. When createIfAbsent is true (the default
// configuration), referencing a project for the first time creates it.
func New(store *storage.Store, createIfAbsent bool) *Registry {
	return &Registry{store: store, createIfAbsent: createIfAbsent}
}

// Resolve validates projectID and returns its context, lazily creating
// the project record unless disabled. op names the calling operation
// for the error message.
func (r *Registry) Resolve(op, projectID string) (ProjectContext, error) {
	if projectID == "" {
		return ProjectContext{}, &MissingProjectIDError{Op: op}
	}

	p, err := r.store.GetProject(projectID)
	if err == nil {
		return ProjectContext{Project: p}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return ProjectContext{}, fmt.Errorf("resolving project %s: %w", projectID, err)
	}
	if !r.createIfAbsent {
		return ProjectContext{}, fmt.Errorf("project %s: %w", projectID, ErrUnknownProject)
	}

	p = storage.Project{ID: projectID, Name: projectID, CreatedAt: time.Now().UTC()}
	if err := r.store.CreateProject(p); err != nil {
		return ProjectContext{}, fmt.Errorf("creating project %s: %w", projectID, err)
	}
	return ProjectContext{Project: p, Created: true}, nil
}

// Register explicitly creates a project with a display name and
// optional settings.
func (r *Registry) Register(projectID, name string, settings map[string]any) (storage.Project, error) {
	if projectID == "" {
		return storage.Project{}, &MissingProjectIDError{Op: "register_project"}
	}
	if name == "" {
		name = projectID
	}
	encoded := "{}"
	if settings != nil {
		b, err := json.Marshal(settings)
		if err != nil {
			return storage.Project{}, fmt.Errorf("marshaling settings: %w", err)
		}
		encoded = string(b)
	}
	p := storage.Project{ID: projectID, Name: name, Settings: encoded, CreatedAt: time.Now().UTC()}
	if err := r.store.CreateProject(p); err != nil {
		return storage.Project{}, fmt.Errorf("registering project %s: %w", projectID, err)
	}
	return p, nil
}

// Settings returns the project's settings as a decoded map.
func (r *Registry) Settings(projectID string) (map[string]any, error) {
	p, err := r.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	var settings map[string]any
	if err := json.Unmarshal([]byte(p.Settings), &settings); err != nil {
		return nil, fmt.Errorf("parsing settings for %s: %w", projectID, err)
	}
	return settings, nil
}

// SetSetting updates a single settings key, preserving the rest.
func (r *Registry) SetSetting(projectID, key string, value any) error {
	settings, err := r.Settings(projectID)
	if err != nil {
		return err
	}
	if settings == nil {
		settings = make(map[string]any)
	}
	settings[key] = value
	b, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}
	return r.store.UpdateProjectSettings(projectID, string(b))
}

// Purge deletes the project and cascades to everything it owns.
func (r *Registry) Purge(projectID string) error {
	if projectID == "" {
		return &MissingProjectIDError{Op: "purge_project"}
	}
	return r.store.PurgeProject(projectID)
}
