package migration

import (
	"errors"
	"testing"
)

func TestNewRegistry_Valid(t *testing.T) {
	r, err := NewRegistry(
		Definition{Position: 1, Name: "create_narrations", Statements: []string{"CREATE TABLE narrations (id INTEGER PRIMARY KEY)"}},
		Definition{Position: 2, Name: "create_fragments", Statements: []string{"CREATE TABLE fragments (id INTEGER PRIMARY KEY)"}},
	)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 definitions, got %d", r.Len())
	}
	all := r.All()
	if all[0].Name != "create_narrations" || all[1].Name != "create_fragments" {
		t.Errorf("unexpected order: %q, %q", all[0].Name, all[1].Name)
	}
}

func TestNewRegistry_Violations(t *testing.T) {
	stmt := []string{"SELECT 1"}
	tests := []struct {
		name string
		defs []Definition
	}{
		{"starts at two", []Definition{{Position: 2, Name: "a", Statements: stmt}}},
		{"gap", []Definition{{Position: 1, Name: "a", Statements: stmt}, {Position: 3, Name: "b", Statements: stmt}}},
		{"duplicate position", []Definition{{Position: 1, Name: "a", Statements: stmt}, {Position: 1, Name: "b", Statements: stmt}}},
		{"out of order", []Definition{{Position: 2, Name: "b", Statements: stmt}, {Position: 1, Name: "a", Statements: stmt}}},
		{"duplicate name", []Definition{{Position: 1, Name: "a", Statements: stmt}, {Position: 2, Name: "a", Statements: stmt}}},
		{"blank name", []Definition{{Position: 1, Name: "  ", Statements: stmt}}},
		{"no statements", []Definition{{Position: 1, Name: "a"}}},
		{"empty statement", []Definition{{Position: 1, Name: "a", Statements: []string{"SELECT 1", " "}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.defs...)
			if err == nil {
				t.Fatal("expected ordering violation, got nil")
			}
			if !errors.Is(err, ErrOrderingViolation) {
				t.Fatalf("expected ErrOrderingViolation, got %v", err)
			}
			var ov *OrderingViolation
			if !errors.As(err, &ov) {
				t.Fatalf("expected *OrderingViolation, got %T", err)
			}
		})
	}
}

func TestMustRegistry_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for invalid registry")
		}
	}()
	MustRegistry(Definition{Position: 2, Name: "late", Statements: []string{"SELECT 1"}})
}

func TestRegistry_Immutable(t *testing.T) {
	defs := []Definition{{Position: 1, Name: "a", Statements: []string{"SELECT 1"}}}
	r := mustRegistry(t, defs...)

	defs[0].Name = "changed"
	defs[0].Statements[0] = "DROP TABLE x"
	got := r.All()
	got[0].Statements[0] = "DROP TABLE y"

	def, ok := r.At(1)
	if !ok {
		t.Fatal("expected position 1")
	}
	if def.Name != "a" || def.Statements[0] != "SELECT 1" {
		t.Errorf("registry was mutated through a caller slice: %+v", def)
	}
}

func TestRegistry_After(t *testing.T) {
	stmt := []string{"SELECT 1"}
	r := mustRegistry(t,
		Definition{Position: 1, Name: "a", Statements: stmt},
		Definition{Position: 2, Name: "b", Statements: stmt},
		Definition{Position: 3, Name: "c", Statements: stmt},
	)

	tests := []struct {
		head int
		want []int
	}{
		{-1, []int{1, 2, 3}},
		{0, []int{1, 2, 3}},
		{1, []int{2, 3}},
		{3, nil},
		{7, nil},
	}
	for _, tt := range tests {
		var got []int
		for _, d := range r.After(tt.head) {
			got = append(got, d.Position)
		}
		if !equalInts(got, tt.want) {
			t.Errorf("After(%d) = %v, want %v", tt.head, got, tt.want)
		}
	}
}

func TestRegistry_NilSafe(t *testing.T) {
	var r *Registry
	if r.Len() != 0 || r.All() != nil || r.After(0) != nil {
		t.Error("nil registry should behave as empty")
	}
	if _, ok := r.At(1); ok {
		t.Error("nil registry should have no positions")
	}
	if err := r.Validate(); err != nil {
		t.Errorf("nil registry should validate: %v", err)
	}
}
