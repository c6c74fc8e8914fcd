package graph

import (
	"errors"
	"sync"
	"testing"

	"github.com/loomworks/loomkb/internal/consistency"
	"github.com/loomworks/loomkb/internal/storage"
)

func openTestGraph(t *testing.T) *Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	for _, id := range []string{"p1", "p2"} {
		if err := s.CreateProject(storage.Project{ID: id, Name: id}); err != nil {
			t.Fatalf("creating project %s: %v", id, err)
		}
	}
	return New(s, consistency.Default())
}

func TestPutEntityCreatesThenMerges(t *testing.T) {
	g := openTestGraph(t)

	alice, err := g.PutEntity("p1", storage.EntityCharacter, "Alice", map[string]any{"role": "knight"})
	if err != nil {
		t.Fatalf("PutEntity: %v", err)
	}
	if alice.Version != 1 {
		t.Errorf("Version = %d, want 1", alice.Version)
	}

	// Same type and name merges into the existing entity.
	merged, err := g.PutEntity("p1", storage.EntityCharacter, "Alice", map[string]any{"status": "alive"})
	if err != nil {
		t.Fatalf("merge PutEntity: %v", err)
	}
	if merged.ID != alice.ID {
		t.Errorf("merge created new entity %s, want %s", merged.ID, alice.ID)
	}
	if merged.Version != 2 {
		t.Errorf("Version = %d, want 2", merged.Version)
	}
	if merged.Attributes["role"] != "knight" || merged.Attributes["status"] != "alive" {
		t.Errorf("merged attributes = %v", merged.Attributes)
	}
}

func TestPutEntityLastWriteWinsPerKey(t *testing.T) {
	g := openTestGraph(t)

	if _, err := g.PutEntity("p1", storage.EntityCharacter, "Alice", map[string]any{"role": "knight"}); err != nil {
		t.Fatalf("PutEntity: %v", err)
	}
	got, err := g.PutEntity("p1", storage.EntityCharacter, "Alice", map[string]any{"role": "queen"})
	if err != nil {
		t.Fatalf("PutEntity: %v", err)
	}
	if got.Attributes["role"] != "queen" {
		t.Errorf("role = %v, want queen (incoming value wins)", got.Attributes["role"])
	}
}

func TestUpdateEntitySnapshotsHistory(t *testing.T) {
	g := openTestGraph(t)

	alice, err := g.PutEntity("p1", storage.EntityCharacter, "Alice", map[string]any{"status": "alive"})
	if err != nil {
		t.Fatalf("PutEntity: %v", err)
	}
	if _, err := g.UpdateEntity("p1", alice.ID, map[string]any{"status": "deceased", "cause_of_death": "poison"}); err != nil {
		t.Fatalf("UpdateEntity: %v", err)
	}

	revs, err := g.History("p1", alice.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(revs) != 1 {
		t.Fatalf("got %d revisions, want 1", len(revs))
	}
	if revs[0].Attributes["status"] != "alive" {
		t.Errorf("history status = %v, want alive", revs[0].Attributes["status"])
	}
}

func TestUpdateEntityRejectsResurrection(t *testing.T) {
	g := openTestGraph(t)

	bob, err := g.PutEntity("p1", storage.EntityCharacter, "Bob", map[string]any{"status": "deceased"})
	if err != nil {
		t.Fatalf("PutEntity: %v", err)
	}
	_, err = g.UpdateEntity("p1", bob.ID, map[string]any{"status": "alive"})
	var conflict *consistency.Conflict
	if !errors.As(err, &conflict) {
		t.Fatalf("UpdateEntity = %v, want Conflict", err)
	}
	if conflict.RuleID != "no_resurrection" {
		t.Errorf("RuleID = %q, want no_resurrection", conflict.RuleID)
	}

	// Rejected change leaves no trace.
	current, err := g.GetEntity("p1", bob.ID)
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if current.Version != 1 || current.Status() != "deceased" {
		t.Errorf("entity mutated by rejected change: version=%d status=%q", current.Version, current.Status())
	}
}

func TestPutRelationshipResolvesEndpoints(t *testing.T) {
	g := openTestGraph(t)

	alice, _ := g.PutEntity("p1", storage.EntityCharacter, "Alice", nil)
	bob, _ := g.PutEntity("p1", storage.EntityCharacter, "Bob", nil)

	rel, err := g.PutRelationship("p1", alice.ID, bob.ID, "knows", map[string]any{"since": "chapter 1"})
	if err != nil {
		t.Fatalf("PutRelationship: %v", err)
	}
	if rel.FromID != alice.ID || rel.ToID != bob.ID {
		t.Errorf("endpoints = %s -> %s", rel.FromID, rel.ToID)
	}

	_, err = g.PutRelationship("p1", alice.ID, "no-such-entity", "knows", nil)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing endpoint error = %v, want ErrNotFound", err)
	}
}

func TestPutRelationshipCrossProject(t *testing.T) {
	g := openTestGraph(t)

	alice, _ := g.PutEntity("p1", storage.EntityCharacter, "Alice", nil)
	eve, _ := g.PutEntity("p2", storage.EntityCharacter, "Eve", nil)

	_, err := g.PutRelationship("p1", alice.ID, eve.ID, "knows", nil)
	var crossErr *CrossProjectError
	if !errors.As(err, &crossErr) {
		t.Fatalf("PutRelationship = %v, want CrossProjectError", err)
	}
	if crossErr.OwnerProject != "p2" {
		t.Errorf("OwnerProject = %q, want p2", crossErr.OwnerProject)
	}
}

func TestPutRelationshipRejectsRekill(t *testing.T) {
	g := openTestGraph(t)

	bob, _ := g.PutEntity("p1", storage.EntityCharacter, "Bob", map[string]any{"status": "deceased"})
	mallet, _ := g.PutEntity("p1", storage.EntityArtifact, "candlestick", nil)

	_, err := g.PutRelationship("p1", bob.ID, mallet.ID, "killed_by", nil)
	var conflict *consistency.Conflict
	if !errors.As(err, &conflict) || conflict.RuleID != "deceased_rekill" {
		t.Fatalf("PutRelationship = %v, want deceased_rekill conflict", err)
	}

	rels, err := g.Relationships("p1", "")
	if err != nil {
		t.Fatalf("Relationships: %v", err)
	}
	if len(rels) != 0 {
		t.Errorf("rejected edge was persisted: %v", rels)
	}
}

func TestNeighborsDepth(t *testing.T) {
	g := openTestGraph(t)

	alice, _ := g.PutEntity("p1", storage.EntityCharacter, "Alice", nil)
	bob, _ := g.PutEntity("p1", storage.EntityCharacter, "Bob", nil)
	castle, _ := g.PutEntity("p1", storage.EntityLocation, "Castle", nil)

	if _, err := g.PutRelationship("p1", alice.ID, bob.ID, "knows", nil); err != nil {
		t.Fatalf("PutRelationship: %v", err)
	}
	if _, err := g.PutRelationship("p1", bob.ID, castle.ID, "lives_in", nil); err != nil {
		t.Fatalf("PutRelationship: %v", err)
	}

	depth1, err := g.Neighbors("p1", alice.ID, 1)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(depth1) != 1 || depth1[0].Entity.ID != bob.ID {
		t.Fatalf("depth 1 = %v, want only Bob", depth1)
	}

	depth2, err := g.Neighbors("p1", alice.ID, 2)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(depth2) != 2 {
		t.Fatalf("depth 2 returned %d entities, want 2", len(depth2))
	}
	last := depth2[len(depth2)-1]
	if last.Entity.ID != castle.ID || last.Depth != 2 {
		t.Errorf("deepest neighbor = %s at depth %d, want Castle at 2", last.Entity.Name, last.Depth)
	}
	if len(last.Path) != 2 {
		t.Errorf("path = %v, want two hops", last.Path)
	}
}

func TestNeighborsFollowsIncomingEdges(t *testing.T) {
	g := openTestGraph(t)

	alice, _ := g.PutEntity("p1", storage.EntityCharacter, "Alice", nil)
	bob, _ := g.PutEntity("p1", storage.EntityCharacter, "Bob", nil)
	if _, err := g.PutRelationship("p1", bob.ID, alice.ID, "knows", nil); err != nil {
		t.Fatalf("PutRelationship: %v", err)
	}

	got, err := g.Neighbors("p1", alice.ID, 1)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(got) != 1 || got[0].Entity.ID != bob.ID {
		t.Errorf("Neighbors = %v, want Bob via incoming edge", got)
	}
}

func TestRunQuery(t *testing.T) {
	g := openTestGraph(t)

	alice, _ := g.PutEntity("p1", storage.EntityCharacter, "Alice", nil)
	bob, _ := g.PutEntity("p1", storage.EntityCharacter, "Bob", nil)
	castle, _ := g.PutEntity("p1", storage.EntityLocation, "Castle", nil)
	if _, err := g.PutRelationship("p1", alice.ID, bob.ID, "knows", nil); err != nil {
		t.Fatalf("PutRelationship: %v", err)
	}
	if _, err := g.PutRelationship("p1", bob.ID, castle.ID, "lives_in", nil); err != nil {
		t.Fatalf("PutRelationship: %v", err)
	}

	res, err := g.RunQuery("p1", Query{EntityType: storage.EntityCharacter})
	if err != nil {
		t.Fatalf("RunQuery: %v", err)
	}
	if len(res.Entities) != 2 {
		t.Errorf("got %d characters, want 2", len(res.Entities))
	}

	res, err = g.RunQuery("p1", Query{NameContains: "cast"})
	if err != nil {
		t.Fatalf("RunQuery: %v", err)
	}
	if len(res.Entities) != 1 || res.Entities[0].ID != castle.ID {
		t.Errorf("name filter = %v, want only Castle", res.Entities)
	}
	if len(res.Relationships) != 1 || res.Relationships[0].Type != "lives_in" {
		t.Errorf("relationships = %v, want the lives_in edge touching Castle", res.Relationships)
	}

	res, err = g.RunQuery("p1", Query{RelationType: "knows"})
	if err != nil {
		t.Fatalf("RunQuery: %v", err)
	}
	if len(res.Relationships) != 1 || res.Relationships[0].Type != "knows" {
		t.Errorf("relation filter = %v, want only knows", res.Relationships)
	}
}

func TestConcurrentMergesSerialize(t *testing.T) {
	g := openTestGraph(t)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := g.PutEntity("p1", storage.EntityCharacter, "Alice", map[string]any{"seen": n})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent PutEntity: %v", err)
		}
	}

	got, err := g.GetEntityByName("p1", storage.EntityCharacter, "Alice")
	if err != nil {
		t.Fatalf("GetEntityByName: %v", err)
	}
	// One create plus seven merges.
	if got.Version != writers {
		t.Errorf("Version = %d, want %d", got.Version, writers)
	}
}

func TestLockAcquireOverlappingKeys(t *testing.T) {
	g := openTestGraph(t)

	// Overlapping key sets in reverse order must not deadlock.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			release := g.Lock("a", "b", "c")
			release()
		}
		done <- struct{}{}
	}()
	go func() {
		for i := 0; i < 100; i++ {
			release := g.Lock("c", "b", "a")
			release()
		}
		done <- struct{}{}
	}()
	<-done
	<-done
}
