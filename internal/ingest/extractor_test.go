package ingest

import (
	"context"
	"testing"

	"github.com/loomworks/loomkb/internal/storage"
)

func extract(t *testing.T, text string) Extraction {
	t.Helper()
	ex, err := NewExtractor().Extract(context.Background(), text)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	return ex
}

func findEntity(ex Extraction, typ storage.EntityType, name string) *EntityFact {
	for i := range ex.Entities {
		if ex.Entities[i].Type == typ && ex.Entities[i].Name == name {
			return &ex.Entities[i]
		}
	}
	return nil
}

func TestExtractRole(t *testing.T) {
	ex := extract(t, "Alice is a knight of the realm.")

	alice := findEntity(ex, storage.EntityCharacter, "Alice")
	if alice == nil {
		t.Fatalf("Alice not extracted: %v", ex.Entities)
	}
	if alice.Attributes["role"] != "knight" {
		t.Errorf("role = %v, want knight", alice.Attributes["role"])
	}
	if alice.Attributes["status"] != "alive" {
		t.Errorf("status = %v, want alive", alice.Attributes["status"])
	}
}

func TestExtractLocationRole(t *testing.T) {
	ex := extract(t, "Winterfell is a castle.")

	if findEntity(ex, storage.EntityLocation, "Winterfell") == nil {
		t.Errorf("Winterfell not classified as location: %v", ex.Entities)
	}
	if findEntity(ex, storage.EntityCharacter, "Winterfell") != nil {
		t.Error("Winterfell wrongly classified as character")
	}
}

func TestExtractDeath(t *testing.T) {
	ex := extract(t, "Bob was killed by Alice in the great hall.")

	bob := findEntity(ex, storage.EntityCharacter, "Bob")
	if bob == nil || bob.Attributes["status"] != "deceased" {
		t.Fatalf("Bob not marked deceased: %v", ex.Entities)
	}
	if findEntity(ex, storage.EntityCharacter, "Alice") == nil {
		t.Error("killer Alice not extracted")
	}
	if len(ex.Relations) != 1 {
		t.Fatalf("got %d relations, want 1", len(ex.Relations))
	}
	rel := ex.Relations[0]
	if rel.Type != "killed_by" || rel.FromName != "Bob" || rel.ToName != "Alice" {
		t.Errorf("relation = %+v, want Bob -killed_by-> Alice", rel)
	}
}

func TestExtractActiveKill(t *testing.T) {
	ex := extract(t, "Alice killed Bob.")

	bob := findEntity(ex, storage.EntityCharacter, "Bob")
	if bob == nil || bob.Attributes["status"] != "deceased" {
		t.Fatalf("victim not marked deceased: %v", ex.Entities)
	}
	if len(ex.Relations) != 1 || ex.Relations[0].FromName != "Bob" {
		t.Errorf("relations = %v, want Bob -killed_by-> Alice", ex.Relations)
	}
}

func TestExtractMergesMentions(t *testing.T) {
	ex := extract(t, "Alice is a knight. Alice lives in Winterfell.")

	count := 0
	for _, e := range ex.Entities {
		if e.Name == "Alice" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("Alice extracted %d times, want merged into 1", count)
	}
	alice := findEntity(ex, storage.EntityCharacter, "Alice")
	if alice.Attributes["role"] != "knight" {
		t.Errorf("merged attributes lost role: %v", alice.Attributes)
	}
}

func TestExtractNothing(t *testing.T) {
	ex := extract(t, "the weather was unremarkable that day")

	if len(ex.Entities) != 0 || len(ex.Relations) != 0 {
		t.Errorf("extracted facts from plain narration: %+v", ex)
	}
}
