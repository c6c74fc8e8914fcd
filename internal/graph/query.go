package graph

import (
	"fmt"
	"strings"

	"github.com/loomworks/loomkb/internal/storage"
)

// DefaultDepth is the neighbor expansion depth when the caller does not
// ask for one.
const DefaultDepth = 1

// MaxDepth caps traversal so a densely connected graph cannot turn one
// lookup into a full scan.
const MaxDepth = 5

// Neighbor is one entity reached during traversal, with the edge that
// reached it and the hop-by-hop path from the start entity.
type Neighbor struct {
	Entity storage.Entity
	Edge   storage.Relationship
	Depth  int
	Path   []string
}

// Neighbors walks edges in both directions from the start entity up to
// the given depth (DefaultDepth when depth < 1, capped at MaxDepth) and
// returns each distinct entity reached, nearest first. The start entity
// itself is not included.
func (g *Store) Neighbors(projectID, entityID string, depth int) ([]Neighbor, error) {
	if depth < 1 {
		depth = DefaultDepth
	}
	if depth > MaxDepth {
		depth = MaxDepth
	}
	start, err := g.store.GetEntity(entityID, projectID)
	if err != nil {
		return nil, err
	}

	type frame struct {
		entity storage.Entity
		path   []string
	}

	visited := map[string]bool{entityID: true}
	frontier := []frame{{entity: start}}
	var out []Neighbor

	for d := 1; d <= depth && len(frontier) > 0; d++ {
		var next []frame
		for _, f := range frontier {
			rels, err := g.store.RelationshipsTouching(f.entity.ID, projectID)
			if err != nil {
				return nil, err
			}
			for _, rel := range rels {
				otherID := rel.ToID
				if otherID == f.entity.ID {
					otherID = rel.FromID
				}
				if visited[otherID] {
					continue
				}
				visited[otherID] = true
				other, err := g.store.GetEntity(otherID, projectID)
				if err != nil {
					return nil, err
				}
				path := appendHop(f.path, hop(f.entity, rel, other))
				out = append(out, Neighbor{Entity: other, Edge: rel, Depth: d, Path: path})
				next = append(next, frame{entity: other, path: path})
			}
		}
		frontier = next
	}
	return out, nil
}

func hop(from storage.Entity, rel storage.Relationship, to storage.Entity) string {
	if rel.FromID == from.ID {
		return fmt.Sprintf("%s -[%s]-> %s", from.Name, rel.Type, to.Name)
	}
	return fmt.Sprintf("%s <-[%s]- %s", from.Name, rel.Type, to.Name)
}

func appendHop(path []string, h string) []string {
	out := make([]string, len(path), len(path)+1)
	copy(out, path)
	return append(out, h)
}

// Query filters the project's graph. Zero-valued fields match
// everything, so an empty Query returns the whole project graph.
type Query struct {
	EntityType   storage.EntityType
	NameContains string
	RelationType string
}

// QueryResult is the matching slice of the graph.
type QueryResult struct {
	Entities      []storage.Entity
	Relationships []storage.Relationship
}

// RunQuery evaluates a structured query against the project's graph.
// Relationships are included when they match RelationType and touch at
// least one matching entity, or all of them when no entity filter is set.
func (g *Store) RunQuery(projectID string, q Query) (QueryResult, error) {
	entities, err := g.store.ListEntities(projectID, q.EntityType)
	if err != nil {
		return QueryResult{}, err
	}
	if q.NameContains != "" {
		needle := strings.ToLower(q.NameContains)
		filtered := entities[:0]
		for _, e := range entities {
			if strings.Contains(strings.ToLower(e.Name), needle) {
				filtered = append(filtered, e)
			}
		}
		entities = filtered
	}

	rels, err := g.store.ListRelationships(projectID, q.RelationType)
	if err != nil {
		return QueryResult{}, err
	}
	if q.EntityType != "" || q.NameContains != "" {
		matched := make(map[string]bool, len(entities))
		for _, e := range entities {
			matched[e.ID] = true
		}
		filtered := rels[:0]
		for _, r := range rels {
			if matched[r.FromID] || matched[r.ToID] {
				filtered = append(filtered, r)
			}
		}
		rels = filtered
	}

	return QueryResult{Entities: entities, Relationships: rels}, nil
}

// Entities lists the project's entities, optionally filtered by type.
func (g *Store) Entities(projectID string, typ storage.EntityType) ([]storage.Entity, error) {
	return g.store.ListEntities(projectID, typ)
}

// Relationships lists the project's edges, optionally filtered by type.
func (g *Store) Relationships(projectID, typ string) ([]storage.Relationship, error) {
	return g.store.ListRelationships(projectID, typ)
}
