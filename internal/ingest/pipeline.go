// Package ingest runs the write path: resolve content to text, embed
// it, extract graph facts, and commit everything in one transaction. A
// consistency conflict anywhere rejects the whole ingest with zero side
// effects.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loomkb/internal/embedding"
	"github.com/loomworks/loomkb/internal/graph"
	"github.com/loomworks/loomkb/internal/registry"
	"github.com/loomworks/loomkb/internal/semindex"
	"github.com/loomworks/loomkb/internal/storage"
)

// batchConcurrency bounds concurrent embedding calls during batch ingest.
const batchConcurrency = 4

// Request is one unit of content to ingest.
type Request struct {
	ProjectID   string
	Content     string
	ContentType string // "text", "image", "pdf", "url"; empty means text
	Source      map[string]any
}

// Result reports what one ingest committed.
type Result struct {
	Item           storage.KnowledgeItem
	ProjectCreated bool
	Entities       []storage.Entity
	Relationships  []storage.Relationship
}

// BatchItem pairs one batch request's outcome with its input position.
// Items fail independently; one conflict never blocks its neighbors.
type BatchItem struct {
	Result Result
	Err    error
}

// Pipeline wires the ingest stages together.
type Pipeline struct {
	registry *registry.Registry
	provider embedding.Provider
	resolver *Resolver
	extract  Extractor
	index    *semindex.Index
	graph    *graph.Store
	store    *storage.Store
	log      *slog.Logger
}

// New creates a Pipeline. provider should already carry retry behavior.
func New(reg *registry.Registry, provider embedding.Provider, ix *semindex.Index, g *graph.Store, st *storage.Store, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		registry: reg,
		provider: provider,
		resolver: NewResolver(),
		extract:  NewExtractor(),
		index:    ix,
		graph:    g,
		store:    st,
		log:      log,
	}
}

// SetExtractor replaces the fact extractor. Intended for wiring, before
// the pipeline serves requests.
func (p *Pipeline) SetExtractor(e Extractor) { p.extract = e }

// Ingest runs the full write path for one request. The item, its
// vector, and every extracted fact commit in a single transaction; a
// failure at any stage leaves the knowledge base untouched.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (Result, error) {
	pc, err := p.registry.Resolve("embed_and_store", req.ProjectID)
	if err != nil {
		return Result{}, err
	}

	text, err := p.resolver.Resolve(ctx, req.Content, req.ContentType)
	if err != nil {
		return Result{}, fmt.Errorf("resolving content: %w", err)
	}

	vector, err := p.provider.Embed(ctx, text)
	if err != nil {
		return Result{}, err
	}

	res, err := p.commit(ctx, req, pc, text, vector)
	if err != nil {
		return Result{}, err
	}

	p.log.Info("ingested item",
		"project", req.ProjectID,
		"item", res.Item.ID,
		"entities", len(res.Entities),
		"relationships", len(res.Relationships))
	return res, nil
}

// IngestBatch resolves and embeds the requests concurrently, then
// commits them one by one in input order. The outcome per item matches
// what a sequence of single Ingest calls would produce.
func (p *Pipeline) IngestBatch(ctx context.Context, reqs []Request) ([]BatchItem, error) {
	out := make([]BatchItem, len(reqs))

	type prepared struct {
		pc   registry.ProjectContext
		text string
	}
	preps := make([]*prepared, len(reqs))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(batchConcurrency)
	for i, req := range reqs {
		group.Go(func() error {
			pc, err := p.registry.Resolve("batch_embed_and_store", req.ProjectID)
			if err != nil {
				out[i].Err = err
				return nil
			}
			text, err := p.resolver.Resolve(gctx, req.Content, req.ContentType)
			if err != nil {
				out[i].Err = fmt.Errorf("resolving content: %w", err)
				return nil
			}
			preps[i] = &prepared{pc: pc, text: text}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	// Embed only the items that survived preparation. Provider errors
	// stay with their item; neighbors commit regardless.
	texts := make([]string, 0, len(reqs))
	slots := make([]int, 0, len(reqs))
	for i, pr := range preps {
		if pr != nil {
			texts = append(texts, pr.text)
			slots = append(slots, i)
		}
	}
	vectors := make([][]float32, len(reqs))
	for j, er := range embedding.EmbedBatch(ctx, p.provider, texts) {
		i := slots[j]
		if er.Err != nil {
			out[i].Err = er.Err
			preps[i] = nil
			continue
		}
		vectors[i] = er.Vector
	}

	for i, req := range reqs {
		if preps[i] == nil {
			continue
		}
		out[i].Result, out[i].Err = p.commit(ctx, req, preps[i].pc, preps[i].text, vectors[i])
	}
	return out, nil
}

// commit writes the item, vector, and extracted facts atomically.
// Entities are written before relationships, and death-marking
// attributes last, so the validator judges each fact against the state
// the text found, not the state the text itself creates.
func (p *Pipeline) commit(ctx context.Context, req Request, pc registry.ProjectContext, text string, vector []float32) (Result, error) {
	extraction, err := p.extract.Extract(ctx, text)
	if err != nil {
		return Result{}, fmt.Errorf("extracting facts: %w", err)
	}

	keys := make([]string, 0, len(extraction.Entities))
	for _, f := range extraction.Entities {
		keys = append(keys, graph.NameKey(req.ProjectID, f.Type, f.Name))
	}
	release := p.graph.Lock(keys...)
	defer release()

	tx, err := p.store.Begin()
	if err != nil {
		return Result{}, fmt.Errorf("beginning ingest transaction: %w", err)
	}
	defer tx.Rollback()

	source := "{}"
	if req.Source != nil {
		b, err := json.Marshal(req.Source)
		if err != nil {
			return Result{}, fmt.Errorf("marshaling source: %w", err)
		}
		source = string(b)
	}

	desc := p.provider.Descriptor()
	item := storage.KnowledgeItem{
		ID:           uuid.NewString(),
		ProjectID:    req.ProjectID,
		Content:      text,
		ContentType:  req.ContentType,
		Source:       source,
		EmbedModel:   desc.Model,
		EmbedVersion: desc.Version,
		CreatedAt:    time.Now().UTC(),
	}
	if err := p.store.InsertKnowledgeItemTx(tx, item); err != nil {
		return Result{}, fmt.Errorf("inserting item: %w", err)
	}
	if err := p.index.UpsertTx(tx, semindex.Record{
		ItemID:     item.ID,
		ProjectID:  req.ProjectID,
		Embedding:  vector,
		Descriptor: desc,
		CreatedAt:  item.CreatedAt,
	}); err != nil {
		return Result{}, err
	}

	res := Result{Item: item, ProjectCreated: pc.Created}

	// Phase one: entities, minus attributes that mark a death.
	ids := make(map[string]string, len(extraction.Entities))
	for _, f := range extraction.Entities {
		e, err := p.graph.PutEntityTx(tx, req.ProjectID, f.Type, f.Name, withoutDeathAttrs(f.Attributes))
		if err != nil {
			return Result{}, err
		}
		ids[factKey(f.Type, f.Name)] = e.ID
	}

	// Phase two: relationships, judged against pre-ingest status.
	for _, f := range extraction.Relations {
		fromID, toID := ids[factKey(f.FromType, f.FromName)], ids[factKey(f.ToType, f.ToName)]
		if fromID == "" || toID == "" {
			return Result{}, fmt.Errorf("relation %s: endpoint not extracted", f.Type)
		}
		r, err := p.graph.PutRelationshipTx(tx, req.ProjectID, fromID, toID, f.Type, f.Properties)
		if err != nil {
			return Result{}, err
		}
		res.Relationships = append(res.Relationships, r)
	}

	// Phase three: death attributes, now that the kill edges are in.
	for _, f := range extraction.Entities {
		e, err := p.applyDeathAttrs(tx, req.ProjectID, f, ids[factKey(f.Type, f.Name)])
		if err != nil {
			return Result{}, err
		}
		res.Entities = append(res.Entities, e)
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("committing ingest: %w", err)
	}
	return res, nil
}

func (p *Pipeline) applyDeathAttrs(tx *sql.Tx, projectID string, f EntityFact, id string) (storage.Entity, error) {
	death := deathAttrs(f.Attributes)
	if len(death) == 0 {
		return p.store.GetEntityTx(tx, id, projectID)
	}
	return p.graph.PutEntityTx(tx, projectID, f.Type, f.Name, death)
}

func factKey(typ storage.EntityType, name string) string {
	return string(typ) + "\x00" + name
}

// deathAttrKeys are applied after relationship facts so a first death
// is not mistaken for a re-kill of its own victim.
var deathAttrKeys = map[string]bool{"status": true, "cause_of_death": true}

func withoutDeathAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if deathAttrKeys[k] && isDeathValue(k, v) {
			continue
		}
		out[k] = v
	}
	return out
}

func deathAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range attrs {
		if deathAttrKeys[k] && isDeathValue(k, v) {
			out[k] = v
		}
	}
	return out
}

func isDeathValue(key string, v any) bool {
	if key == "cause_of_death" {
		return true
	}
	s, _ := v.(string)
	return s == "deceased"
}
