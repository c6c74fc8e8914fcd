package consistency

import (
	"errors"
	"testing"

	"github.com/loomworks/loomkb/internal/storage"
)

func deceasedEntity(name string) *storage.Entity {
	return &storage.Entity{
		ID: name, ProjectID: "p1", Type: storage.EntityCharacter, Name: name,
		Attributes: map[string]any{"status": "deceased"}, Version: 2,
	}
}

func aliveEntity(name string) *storage.Entity {
	return &storage.Entity{
		ID: name, ProjectID: "p1", Type: storage.EntityCharacter, Name: name,
		Attributes: map[string]any{"status": "alive"}, Version: 1,
	}
}

func TestDeceasedRekillRejected(t *testing.T) {
	v := Default()

	err := v.Check(Change{
		Kind:      ChangeRelationshipCreate,
		ProjectID: "p1",
		Relationship: &storage.Relationship{
			ID: "r1", ProjectID: "p1", FromID: "bob", ToID: "mallet", Type: "killed_by",
		},
		From: deceasedEntity("Bob"),
		To:   aliveEntity("Mallet"),
	})

	var conflict *Conflict
	if !errors.As(err, &conflict) {
		t.Fatalf("Check = %v, want Conflict", err)
	}
	if conflict.RuleID != "deceased_rekill" {
		t.Errorf("RuleID = %q, want deceased_rekill", conflict.RuleID)
	}
	if conflict.Reason == "" {
		t.Error("Reason is empty")
	}
}

func TestKillOfLivingEntityAllowed(t *testing.T) {
	v := Default()

	err := v.Check(Change{
		Kind:      ChangeRelationshipCreate,
		ProjectID: "p1",
		Relationship: &storage.Relationship{
			ID: "r1", ProjectID: "p1", FromID: "bob", ToID: "mallet", Type: "killed_by",
		},
		From: aliveEntity("Bob"),
		To:   aliveEntity("Mallet"),
	})
	if err != nil {
		t.Fatalf("Check = %v, want nil", err)
	}
}

func TestKilledDirectionUsesToEndpoint(t *testing.T) {
	v := Default()

	// "killed" points killer -> victim; the deceased victim is the To side.
	err := v.Check(Change{
		Kind:      ChangeRelationshipCreate,
		ProjectID: "p1",
		Relationship: &storage.Relationship{
			ID: "r1", ProjectID: "p1", FromID: "mallet", ToID: "bob", Type: "killed",
		},
		From: aliveEntity("Mallet"),
		To:   deceasedEntity("Bob"),
	})
	var conflict *Conflict
	if !errors.As(err, &conflict) || conflict.RuleID != "deceased_rekill" {
		t.Fatalf("Check = %v, want deceased_rekill conflict", err)
	}
}

func TestResurrectionRejected(t *testing.T) {
	v := Default()

	proposed := *deceasedEntity("Bob")
	proposed.Attributes = map[string]any{"status": "alive"}

	err := v.Check(Change{
		Kind:      ChangeEntityUpdate,
		ProjectID: "p1",
		Entity:    &proposed,
		Current:   deceasedEntity("Bob"),
	})
	var conflict *Conflict
	if !errors.As(err, &conflict) || conflict.RuleID != "no_resurrection" {
		t.Fatalf("Check = %v, want no_resurrection conflict", err)
	}
}

func TestSecondDeathCauseRejected(t *testing.T) {
	v := Default()

	current := deceasedEntity("Bob")
	current.Attributes["cause_of_death"] = "poison"
	proposed := deceasedEntity("Bob")
	proposed.Attributes["cause_of_death"] = "sword"

	err := v.Check(Change{
		Kind:      ChangeEntityUpdate,
		ProjectID: "p1",
		Entity:    proposed,
		Current:   current,
	})
	var conflict *Conflict
	if !errors.As(err, &conflict) || conflict.RuleID != "deceased_rekill" {
		t.Fatalf("Check = %v, want deceased_rekill conflict", err)
	}
}

func TestExclusiveRelationship(t *testing.T) {
	v := Default()

	existing := []storage.Relationship{
		{ID: "r1", ProjectID: "p1", FromID: "alice", ToID: "bob", Type: "married_to"},
	}

	// Second marriage to a different target conflicts.
	err := v.Check(Change{
		Kind:      ChangeRelationshipCreate,
		ProjectID: "p1",
		Relationship: &storage.Relationship{
			ID: "r2", ProjectID: "p1", FromID: "alice", ToID: "carol", Type: "married_to",
		},
		From:     aliveEntity("Alice"),
		To:       aliveEntity("Carol"),
		Existing: existing,
	})
	var conflict *Conflict
	if !errors.As(err, &conflict) || conflict.RuleID != "exclusive_relationship" {
		t.Fatalf("Check = %v, want exclusive_relationship conflict", err)
	}

	// Non-exclusive type with same endpoints is fine.
	err = v.Check(Change{
		Kind:      ChangeRelationshipCreate,
		ProjectID: "p1",
		Relationship: &storage.Relationship{
			ID: "r3", ProjectID: "p1", FromID: "alice", ToID: "carol", Type: "knows",
		},
		From:     aliveEntity("Alice"),
		To:       aliveEntity("Carol"),
		Existing: existing,
	})
	if err != nil {
		t.Errorf("non-exclusive type rejected: %v", err)
	}
}

func TestDuplicateRelationshipRejected(t *testing.T) {
	v := Default()

	existing := []storage.Relationship{
		{ID: "r1", ProjectID: "p1", FromID: "alice", ToID: "bob", Type: "knows"},
	}
	err := v.Check(Change{
		Kind:      ChangeRelationshipCreate,
		ProjectID: "p1",
		Relationship: &storage.Relationship{
			ID: "r2", ProjectID: "p1", FromID: "alice", ToID: "bob", Type: "knows",
		},
		From:     aliveEntity("Alice"),
		To:       aliveEntity("Bob"),
		Existing: existing,
	})
	var conflict *Conflict
	if !errors.As(err, &conflict) || conflict.RuleID != "duplicate_relationship" {
		t.Fatalf("Check = %v, want duplicate_relationship conflict", err)
	}
}

func TestRuleOrderFirstMatchWins(t *testing.T) {
	// deceased_rekill is evaluated before duplicate_relationship, so a
	// duplicate kill against a deceased entity reports the death rule.
	v := Default()

	existing := []storage.Relationship{
		{ID: "r1", ProjectID: "p1", FromID: "bob", ToID: "mallet", Type: "killed_by"},
	}
	err := v.Check(Change{
		Kind:      ChangeRelationshipCreate,
		ProjectID: "p1",
		Relationship: &storage.Relationship{
			ID: "r2", ProjectID: "p1", FromID: "bob", ToID: "mallet", Type: "killed_by",
		},
		From:     deceasedEntity("Bob"),
		To:       aliveEntity("Mallet"),
		Existing: existing,
	})
	var conflict *Conflict
	if !errors.As(err, &conflict) {
		t.Fatalf("Check = %v, want Conflict", err)
	}
	if conflict.RuleID != "deceased_rekill" {
		t.Errorf("RuleID = %q, want deceased_rekill (first matching rule)", conflict.RuleID)
	}
}

func TestNoRuleMatchingMeansOk(t *testing.T) {
	v := Default()

	err := v.Check(Change{
		Kind:      ChangeEntityCreate,
		ProjectID: "p1",
		Entity:    aliveEntity("Alice"),
	})
	if err != nil {
		t.Fatalf("Check = %v, want nil", err)
	}
}
