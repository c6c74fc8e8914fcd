package consistency

import (
	"fmt"
	"strings"
)

// killRelationshipTypes are edge types that assert a new death event
// against their from-endpoint.
var killRelationshipTypes = map[string]bool{
	"killed_by": true,
	"killed":    true,
	"slain_by":  true,
}

// DeceasedRekillRule rejects a second death for an entity already
// marked deceased — either a kill-type relationship targeting it or an
// attribute update re-asserting the transition.
type DeceasedRekillRule struct{}

func (DeceasedRekillRule) ID() string { return "deceased_rekill" }

func (DeceasedRekillRule) Check(change Change) *Conflict {
	switch change.Kind {
	case ChangeRelationshipCreate:
		if change.Relationship == nil || !killRelationshipTypes[change.Relationship.Type] {
			return nil
		}
		victim := change.From
		if change.Relationship.Type == "killed" {
			victim = change.To
		}
		if victim != nil && victim.Status() == "deceased" {
			return &Conflict{
				RuleID: "deceased_rekill",
				Reason: fmt.Sprintf("entity %q is already deceased and cannot be killed again", victim.Name),
			}
		}
	case ChangeEntityUpdate:
		if change.Current == nil || change.Entity == nil {
			return nil
		}
		if change.Current.Status() == "deceased" && change.Entity.Status() == "deceased" &&
			causeChanged(change.Current.Attributes, change.Entity.Attributes) {
			return &Conflict{
				RuleID: "deceased_rekill",
				Reason: fmt.Sprintf("entity %q is already deceased; a second death event contradicts the established fact", change.Current.Name),
			}
		}
	}
	return nil
}

func causeChanged(current, proposed map[string]any) bool {
	cur, _ := current["cause_of_death"].(string)
	next, _ := proposed["cause_of_death"].(string)
	return next != "" && next != cur
}

// ResurrectionRule rejects flipping a deceased entity back to alive
// through a plain attribute update. Undoing a death is a retroactive
// correction, which has no supported workflow.
type ResurrectionRule struct{}

func (ResurrectionRule) ID() string { return "no_resurrection" }

func (ResurrectionRule) Check(change Change) *Conflict {
	if change.Kind != ChangeEntityUpdate || change.Current == nil || change.Entity == nil {
		return nil
	}
	if change.Current.Status() == "deceased" && change.Entity.Status() == "alive" {
		return &Conflict{
			RuleID: "no_resurrection",
			Reason: fmt.Sprintf("entity %q is deceased; reverting to alive contradicts the established fact", change.Current.Name),
		}
	}
	return nil
}

// DefaultExclusiveTypes lists relationship types where one outgoing
// edge of that type per entity is the invariant.
func DefaultExclusiveTypes() []string {
	return []string{"married_to", "sworn_to", "ruled_by"}
}

// ExclusiveRelationshipRule rejects a second edge of an exclusive type
// from the same entity to a different target.
type ExclusiveRelationshipRule struct {
	Types []string
}

func (ExclusiveRelationshipRule) ID() string { return "exclusive_relationship" }

func (r ExclusiveRelationshipRule) Check(change Change) *Conflict {
	if change.Kind != ChangeRelationshipCreate || change.Relationship == nil {
		return nil
	}
	exclusive := false
	for _, t := range r.Types {
		if t == change.Relationship.Type {
			exclusive = true
			break
		}
	}
	if !exclusive {
		return nil
	}
	for _, existing := range change.Existing {
		if existing.Type == change.Relationship.Type &&
			existing.FromID == change.Relationship.FromID &&
			existing.ToID != change.Relationship.ToID {
			return &Conflict{
				RuleID: "exclusive_relationship",
				Reason: fmt.Sprintf("relationship type %q is exclusive and entity already has one to a different target", change.Relationship.Type),
			}
		}
	}
	return nil
}

// DuplicateRelationshipRule rejects an exact duplicate edge
// (same endpoints, same type).
type DuplicateRelationshipRule struct{}

func (DuplicateRelationshipRule) ID() string { return "duplicate_relationship" }

func (DuplicateRelationshipRule) Check(change Change) *Conflict {
	if change.Kind != ChangeRelationshipCreate || change.Relationship == nil {
		return nil
	}
	for _, existing := range change.Existing {
		if existing.Type == change.Relationship.Type &&
			existing.FromID == change.Relationship.FromID &&
			existing.ToID == change.Relationship.ToID {
			return &Conflict{
				RuleID: "duplicate_relationship",
				Reason: fmt.Sprintf("relationship %s -[%s]-> %s already exists", existing.FromID, existing.Type, existing.ToID),
			}
		}
	}
	return nil
}

// RegisterKillType adds a relationship type to the set treated as death
// events. Intended for process startup.
func RegisterKillType(relType string) {
	killRelationshipTypes[strings.ToLower(relType)] = true
}
