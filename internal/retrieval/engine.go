// Package retrieval answers text queries with a hybrid of vector
// similarity and graph connectivity. Results carry evidence: the
// similarity score, the entities involved, and the traversal paths that
// contributed.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loomkb/internal/embedding"
	"github.com/loomworks/loomkb/internal/graph"
	"github.com/loomworks/loomkb/internal/registry"
	"github.com/loomworks/loomkb/internal/semindex"
	"github.com/loomworks/loomkb/internal/storage"
)

// expandConcurrency bounds concurrent graph expansions per query.
const expandConcurrency = 4

// minQueryRunes is the shortest query that is not considered ambiguous.
const minQueryRunes = 3

// AmbiguousQueryError rejects a query too vague to search with. The
// hint tells the caller how to refine it.
type AmbiguousQueryError struct {
	Query string
	Hint  string
}

func (e *AmbiguousQueryError) Error() string {
	return fmt.Sprintf("ambiguous query %q: %s", e.Query, e.Hint)
}

// EmbeddingSpaceMismatchError refuses to compare vectors from different
// embedding descriptors. Scores across spaces are meaningless, so the
// engine refuses instead of returning garbage rankings.
type EmbeddingSpaceMismatchError struct {
	Stored []embedding.Descriptor
	Active embedding.Descriptor
}

func (e *EmbeddingSpaceMismatchError) Error() string {
	stored := make([]string, len(e.Stored))
	for i, d := range e.Stored {
		stored[i] = d.String()
	}
	return fmt.Sprintf("embedding space mismatch: stored vectors use %s but the active model is %s; re-embed the project to search it",
		strings.Join(stored, ", "), e.Active)
}

// Options tune one retrieval call. Zero values take defaults.
type Options struct {
	K              int     // top-K results, default semindex.DefaultK
	Depth          int     // graph expansion depth, default graph.DefaultDepth
	SemanticWeight float64 // default 0.7
	GraphWeight    float64 // default 0.3
}

func (o Options) withDefaults() Options {
	if o.K <= 0 {
		o.K = semindex.DefaultK
	}
	if o.Depth <= 0 {
		o.Depth = graph.DefaultDepth
	}
	if o.SemanticWeight == 0 && o.GraphWeight == 0 {
		o.SemanticWeight, o.GraphWeight = 0.7, 0.3
	}
	return o
}

// Evidence explains why one result ranked where it did.
type Evidence struct {
	Similarity float32  `json:"similarity"`
	Entities   []string `json:"entities,omitempty"`
	Paths      []string `json:"paths,omitempty"`
}

// Result is one ranked knowledge item.
type Result struct {
	Item     storage.KnowledgeItem `json:"item"`
	Score    float64               `json:"score"`
	Evidence Evidence              `json:"evidence"`
}

// Response is the full answer to one query. MatchedEntities and
// Relationships are the deduplicated graph records behind the evidence,
// in ranked-match order. Suggestions is populated when the knowledge
// base cannot answer, telling the caller what to do instead of handing
// back a silent empty list.
type Response struct {
	Results         []Result               `json:"results"`
	MatchedEntities []storage.Entity       `json:"matched_entities,omitempty"`
	Relationships   []storage.Relationship `json:"relationships,omitempty"`
	Suggestions     []string               `json:"suggestions,omitempty"`
}

// Engine runs hybrid retrieval over one store.
type Engine struct {
	registry *registry.Registry
	provider embedding.Provider
	index    *semindex.Index
	graph    *graph.Store
	store    *storage.Store
	log      *slog.Logger
}

// New creates an Engine.
func New(reg *registry.Registry, provider embedding.Provider, ix *semindex.Index, g *graph.Store, st *storage.Store, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{registry: reg, provider: provider, index: ix, graph: g, store: st, log: log}
}

// Retrieve answers one text query within a project.
func (e *Engine) Retrieve(ctx context.Context, projectID, query string, opts Options) (Response, error) {
	if _, err := e.registry.Resolve("search_by_text", projectID); err != nil {
		return Response{}, err
	}
	if err := checkQuery(query); err != nil {
		return Response{}, err
	}
	opts = opts.withDefaults()

	count, err := e.index.Count(projectID)
	if err != nil {
		return Response{}, fmt.Errorf("counting vectors: %w", err)
	}
	if count == 0 {
		return Response{Suggestions: []string{
			fmt.Sprintf("project %s has no knowledge yet; ingest content with embed_and_store first", projectID),
			"check that the project_id matches the one used at ingest time",
		}}, nil
	}

	if err := e.checkEmbeddingSpace(projectID); err != nil {
		return Response{}, err
	}

	vector, err := e.provider.Embed(ctx, query)
	if err != nil {
		return Response{}, err
	}
	matches, err := e.index.Search(projectID, vector, opts.K)
	if err != nil {
		return Response{}, fmt.Errorf("searching vectors: %w", err)
	}

	resp, err := e.expand(ctx, projectID, matches, opts)
	if err != nil {
		return Response{}, err
	}
	e.log.Debug("retrieval complete", "project", projectID, "matches", len(matches), "results", len(resp.Results))
	return resp, nil
}

func checkQuery(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return &AmbiguousQueryError{Query: query, Hint: "query is empty; describe what you are looking for"}
	}
	if len([]rune(trimmed)) < minQueryRunes {
		return &AmbiguousQueryError{Query: query, Hint: "query is too short to rank meaningfully; add more detail"}
	}
	return nil
}

// checkEmbeddingSpace refuses retrieval when stored vectors and the
// active provider do not share a vector space.
func (e *Engine) checkEmbeddingSpace(projectID string) error {
	stored, err := e.index.Descriptors(projectID)
	if err != nil {
		return fmt.Errorf("reading descriptors: %w", err)
	}
	active := e.provider.Descriptor()
	for _, d := range stored {
		if !d.Compatible(active) {
			return &EmbeddingSpaceMismatchError{Stored: stored, Active: active}
		}
	}
	return nil
}

// expand enriches matches with graph evidence concurrently, applies the
// composite ranking, and collects the entity and relationship records
// behind the evidence.
func (e *Engine) expand(ctx context.Context, projectID string, matches []semindex.Match, opts Options) (Response, error) {
	if len(matches) == 0 {
		return Response{}, nil
	}

	entities, err := e.graph.Entities(projectID, "")
	if err != nil {
		return Response{}, fmt.Errorf("listing entities: %w", err)
	}
	maxDegree, degrees, err := e.projectDegrees(projectID, entities)
	if err != nil {
		return Response{}, err
	}

	results := make([]Result, len(matches))
	entLists := make([][]storage.Entity, len(matches))
	relLists := make([][]storage.Relationship, len(matches))
	group, _ := errgroup.WithContext(ctx)
	group.SetLimit(expandConcurrency)
	for i, m := range matches {
		group.Go(func() error {
			item, err := e.store.GetKnowledgeItem(m.ItemID, projectID)
			if err != nil {
				return fmt.Errorf("loading item %s: %w", m.ItemID, err)
			}

			mentioned := mentionedEntities(item.Content, entities)
			entLists[i] = mentioned
			ev := Evidence{Similarity: m.Score}
			itemDegree := 0
			for _, ent := range mentioned {
				ev.Entities = append(ev.Entities, ent.Name)
				if d := degrees[ent.ID]; d > itemDegree {
					itemDegree = d
				}
				neighbors, err := e.graph.Neighbors(projectID, ent.ID, opts.Depth)
				if err != nil {
					return fmt.Errorf("expanding %s: %w", ent.Name, err)
				}
				for _, n := range neighbors {
					ev.Paths = append(ev.Paths, strings.Join(n.Path, "; "))
					relLists[i] = append(relLists[i], n.Edge)
				}
			}

			connectivity := 0.0
			if maxDegree > 0 {
				connectivity = float64(itemDegree) / float64(maxDegree)
			}
			results[i] = Result{
				Item:     item,
				Score:    opts.SemanticWeight*float64(m.Score) + opts.GraphWeight*connectivity,
				Evidence: ev,
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Response{}, err
	}

	resp := Response{Results: results}
	seenEnt := make(map[string]bool)
	for _, list := range entLists {
		for _, ent := range list {
			if !seenEnt[ent.ID] {
				seenEnt[ent.ID] = true
				resp.MatchedEntities = append(resp.MatchedEntities, ent)
			}
		}
	}
	seenRel := make(map[string]bool)
	for _, list := range relLists {
		for _, rel := range list {
			if !seenRel[rel.ID] {
				seenRel[rel.ID] = true
				resp.Relationships = append(resp.Relationships, rel)
			}
		}
	}

	sort.SliceStable(resp.Results, func(i, j int) bool { return resp.Results[i].Score > resp.Results[j].Score })
	return resp, nil
}

// projectDegrees computes edge counts per entity once per query rather
// than per match.
func (e *Engine) projectDegrees(projectID string, entities []storage.Entity) (int, map[string]int, error) {
	rels, err := e.graph.Relationships(projectID, "")
	if err != nil {
		return 0, nil, fmt.Errorf("listing relationships: %w", err)
	}
	degrees := make(map[string]int, len(entities))
	for _, r := range rels {
		degrees[r.FromID]++
		degrees[r.ToID]++
	}
	maxDegree := 0
	for _, d := range degrees {
		if d > maxDegree {
			maxDegree = d
		}
	}
	return maxDegree, degrees, nil
}

// mentionedEntities returns project entities whose name appears in the
// text, longest names first so "Alice Stark" is not shadowed by "Alice".
func mentionedEntities(text string, entities []storage.Entity) []storage.Entity {
	lower := strings.ToLower(text)
	candidates := make([]storage.Entity, len(entities))
	copy(candidates, entities)
	sort.SliceStable(candidates, func(i, j int) bool { return len(candidates[i].Name) > len(candidates[j].Name) })

	var out []storage.Entity
	for _, e := range candidates {
		if e.Name == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(e.Name)) {
			out = append(out, e)
		}
	}
	return out
}
