// Package consistency guards the knowledge graph against writes that
// contradict already-established facts. Every write path runs through
// Validator.Check before committing; there is no bypass.
package consistency

import (
	"fmt"

	"github.com/loomworks/loomkb/internal/storage"
)

// ChangeKind discriminates the proposed write being validated.
type ChangeKind string

const (
	ChangeEntityCreate       ChangeKind = "entity_create"
	ChangeEntityUpdate       ChangeKind = "entity_update"
	ChangeRelationshipCreate ChangeKind = "relationship_create"
)

// Change describes a proposed write against current graph state.
// Current and endpoint fields are nil when the referenced record does
// not exist yet.
type Change struct {
	Kind      ChangeKind
	ProjectID string

	// Entity changes.
	Entity  *storage.Entity // proposed state
	Current *storage.Entity // committed state, nil on create

	// Relationship changes.
	Relationship *storage.Relationship
	From         *storage.Entity        // resolved from-endpoint
	To           *storage.Entity        // resolved to-endpoint
	Existing     []storage.Relationship // committed edges touching either endpoint
}

// Conflict is a rejected write. RuleID is machine-checkable; Reason is
// for humans.
type Conflict struct {
	RuleID string
	Reason string
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("fact conflict [%s]: %s", c.RuleID, c.Reason)
}

// Rule inspects one proposed change. A nil return means the rule has no
// objection; a *Conflict rejects the whole change.
type Rule interface {
	ID() string
	Check(change Change) *Conflict
}

// Validator applies an ordered rule list. The first rule reporting a
// conflict wins and the change is rejected; no match means the change
// proceeds. The rule set is process-wide, read-mostly configuration —
// it is assembled once at startup and safe for concurrent reads.
type Validator struct {
	rules []Rule
}

// New creates a Validator with the given rules, applied in order.
func New(rules ...Rule) *Validator {
	return &Validator{rules: rules}
}

// Default returns the validator with the built-in rule set.
func Default() *Validator {
	return New(
		DeceasedRekillRule{},
		ResurrectionRule{},
		ExclusiveRelationshipRule{Types: DefaultExclusiveTypes()},
		DuplicateRelationshipRule{},
	)
}

// Check runs the rule list against the proposed change. Returns nil
// when no rule objects, or the first *Conflict otherwise.
func (v *Validator) Check(change Change) error {
	for _, rule := range v.rules {
		if conflict := rule.Check(change); conflict != nil {
			return conflict
		}
	}
	return nil
}

// Rules returns the rule ids in evaluation order.
func (v *Validator) Rules() []string {
	ids := make([]string, len(v.rules))
	for i, r := range v.rules {
		ids[i] = r.ID()
	}
	return ids
}
