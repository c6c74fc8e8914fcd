package ingest

import (
	"context"
	"regexp"

	"github.com/loomworks/loomkb/internal/storage"
)

// EntityFact is one entity mention pulled out of ingested text.
type EntityFact struct {
	Type       storage.EntityType
	Name       string
	Attributes map[string]any
}

// RelationFact is one relationship pulled out of ingested text. The
// endpoints are named, not id-addressed; the pipeline resolves them
// against the project graph inside the ingest transaction.
type RelationFact struct {
	FromType   storage.EntityType
	FromName   string
	ToType     storage.EntityType
	ToName     string
	Type       string
	Properties map[string]any
}

// Extraction is everything the extractor found in one text.
type Extraction struct {
	Entities  []EntityFact
	Relations []RelationFact
}

// Extractor pulls structured facts out of free text. The default is
// pattern-based; an LLM-backed extractor can replace it behind the same
// surface.
type Extractor interface {
	Extract(ctx context.Context, text string) (Extraction, error)
}

// name matches one or two capitalized words ("Alice", "Mallet the Bold"
// stays out of scope).
const namePat = `([A-Z][a-z]+(?: [A-Z][a-z]+)?)`

var (
	reIsA       = regexp.MustCompile(namePat + ` is an? ([a-z]+)`)
	reKilledBy  = regexp.MustCompile(namePat + ` was killed by ` + namePat)
	reKilled    = regexp.MustCompile(namePat + ` killed ` + namePat)
	reDied      = regexp.MustCompile(namePat + ` died`)
	reMarriedTo = regexp.MustCompile(namePat + ` (?:is married to|married) ` + namePat)
	reLivesIn   = regexp.MustCompile(namePat + ` lives in ` + namePat)
	reTravelTo  = regexp.MustCompile(namePat + ` (?:traveled|travelled|went) to ` + namePat)
)

// locationRoles are "is a" objects that classify the subject as a place
// rather than a person.
var locationRoles = map[string]bool{
	"city": true, "town": true, "village": true, "castle": true,
	"kingdom": true, "forest": true, "island": true, "tavern": true,
}

// HeuristicExtractor recognizes a small set of narrative sentence
// patterns. It is deliberately conservative: a missed fact costs a
// manual entity write, a wrong fact poisons the graph.
type HeuristicExtractor struct{}

// NewExtractor returns the default pattern-based extractor.
func NewExtractor() *HeuristicExtractor {
	return &HeuristicExtractor{}
}

// Extract scans the text for known patterns. It never fails; text with
// no recognizable facts yields an empty extraction.
func (HeuristicExtractor) Extract(_ context.Context, text string) (Extraction, error) {
	b := newFactBuilder()

	for _, m := range reIsA.FindAllStringSubmatch(text, -1) {
		name, role := m[1], m[2]
		if locationRoles[role] {
			b.entity(storage.EntityLocation, name, map[string]any{"kind": role})
			continue
		}
		b.entity(storage.EntityCharacter, name, map[string]any{"role": role, "status": "alive"})
	}

	for _, m := range reKilledBy.FindAllStringSubmatch(text, -1) {
		b.death(m[1], m[2])
	}
	for _, m := range reKilled.FindAllStringSubmatch(text, -1) {
		b.death(m[2], m[1])
	}
	for _, m := range reDied.FindAllStringSubmatch(text, -1) {
		b.entity(storage.EntityCharacter, m[1], map[string]any{"status": "deceased"})
	}

	for _, m := range reMarriedTo.FindAllStringSubmatch(text, -1) {
		b.entity(storage.EntityCharacter, m[1], nil)
		b.entity(storage.EntityCharacter, m[2], nil)
		b.relation(storage.EntityCharacter, m[1], storage.EntityCharacter, m[2], "married_to")
	}
	for _, m := range reLivesIn.FindAllStringSubmatch(text, -1) {
		b.entity(storage.EntityCharacter, m[1], nil)
		b.entity(storage.EntityLocation, m[2], nil)
		b.relation(storage.EntityCharacter, m[1], storage.EntityLocation, m[2], "lives_in")
	}
	for _, m := range reTravelTo.FindAllStringSubmatch(text, -1) {
		b.entity(storage.EntityCharacter, m[1], nil)
		b.entity(storage.EntityLocation, m[2], nil)
		b.relation(storage.EntityCharacter, m[1], storage.EntityLocation, m[2], "traveled_to")
	}

	return b.build(), nil
}

// factBuilder accumulates facts, merging repeated mentions of the same
// entity instead of emitting duplicates.
type factBuilder struct {
	order     []string
	entities  map[string]*EntityFact
	relations []RelationFact
}

func newFactBuilder() *factBuilder {
	return &factBuilder{entities: make(map[string]*EntityFact)}
}

func (b *factBuilder) entity(typ storage.EntityType, name string, attrs map[string]any) {
	key := string(typ) + "\x00" + name
	f, ok := b.entities[key]
	if !ok {
		f = &EntityFact{Type: typ, Name: name, Attributes: make(map[string]any)}
		b.entities[key] = f
		b.order = append(b.order, key)
	}
	for k, v := range attrs {
		f.Attributes[k] = v
	}
}

func (b *factBuilder) death(victim, killer string) {
	b.entity(storage.EntityCharacter, victim, map[string]any{"status": "deceased"})
	b.entity(storage.EntityCharacter, killer, nil)
	b.relation(storage.EntityCharacter, victim, storage.EntityCharacter, killer, "killed_by")
}

func (b *factBuilder) relation(fromType storage.EntityType, from string, toType storage.EntityType, to, relType string) {
	b.relations = append(b.relations, RelationFact{
		FromType: fromType, FromName: from,
		ToType: toType, ToName: to,
		Type: relType,
	})
}

func (b *factBuilder) build() Extraction {
	var out Extraction
	for _, key := range b.order {
		out.Entities = append(out.Entities, *b.entities[key])
	}
	out.Relations = b.relations
	return out
}
