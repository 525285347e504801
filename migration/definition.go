// Package migration applies an ordered registry of schema changes to a SQL
// store, recording each applied change so repeated runs are idempotent.
package migration

import (
	"fmt"
	"strings"
)

// Definition is one named unit of schema change. All of its statements must
// succeed for the definition to count as applied.
type Definition struct {
	// Position is the 1-based execution order within the registry.
	Position int
	// Name is a unique, human-readable identifier (e.g., "create_users").
	Name string
	// Statements run strictly in order.
	Statements []string
	// NoTx runs the definition outside a transaction even when the runner
	// is transactional. Use it for statements the store refuses inside one.
	NoTx bool
}

// Registry is the fixed, ordered list of every Definition known to a binary.
// It is immutable once built.
type Registry struct {
	defs []Definition
}

// NewRegistry validates defs and returns a Registry holding a private copy.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: cloneDefinitions(defs)}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// MustRegistry is NewRegistry for package-level registries; it panics on an
// invalid definition list.
func MustRegistry(defs ...Definition) *Registry {
	r, err := NewRegistry(defs...)
	if err != nil {
		panic(err)
	}
	return r
}

// All returns the definitions in position order.
func (r *Registry) All() []Definition {
	if r == nil {
		return nil
	}
	return cloneDefinitions(r.defs)
}

// Len returns the number of definitions.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.defs)
}

// At returns the definition at the given 1-based position.
func (r *Registry) At(position int) (Definition, bool) {
	if r == nil || position < 1 || position > len(r.defs) {
		return Definition{}, false
	}
	return cloneDefinition(r.defs[position-1]), true
}

// After returns the definitions with a position greater than head, ascending.
func (r *Registry) After(head int) []Definition {
	if r == nil || head >= len(r.defs) {
		return nil
	}
	if head < 0 {
		head = 0
	}
	return cloneDefinitions(r.defs[head:])
}

// Validate checks that positions are contiguous from 1, names are unique and
// non-empty, and every definition carries at least one statement.
func (r *Registry) Validate() error {
	if r == nil {
		return nil
	}
	names := make(map[string]int, len(r.defs))
	for i, d := range r.defs {
		want := i + 1
		if d.Position != want {
			return &OrderingViolation{
				Position: d.Position,
				Name:     d.Name,
				Reason:   fmt.Sprintf("expected position %d", want),
			}
		}
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return &OrderingViolation{Position: d.Position, Reason: "name is required"}
		}
		if prev, ok := names[name]; ok {
			return &OrderingViolation{
				Position: d.Position,
				Name:     d.Name,
				Reason:   fmt.Sprintf("name already used by position %d", prev),
			}
		}
		names[name] = d.Position
		if len(d.Statements) == 0 {
			return &OrderingViolation{Position: d.Position, Name: d.Name, Reason: "no statements defined"}
		}
		for j, stmt := range d.Statements {
			if strings.TrimSpace(stmt) == "" {
				return &OrderingViolation{
					Position: d.Position,
					Name:     d.Name,
					Reason:   fmt.Sprintf("statement %d is empty", j+1),
				}
			}
		}
	}
	return nil
}

func cloneDefinitions(defs []Definition) []Definition {
	if len(defs) == 0 {
		return nil
	}
	out := make([]Definition, len(defs))
	for i, d := range defs {
		out[i] = cloneDefinition(d)
	}
	return out
}

func cloneDefinition(d Definition) Definition {
	d.Statements = append([]string(nil), d.Statements...)
	return d
}
