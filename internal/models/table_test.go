package models

import "testing"

func TestNewTableNormalisesMissingCells(t *testing.T) {
	table, err := NewTable(TableContainers, []string{"container_name", "state"}, []Row{
		{"container_name": "api"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(table.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(table.Rows))
	}
	if v, ok := table.Rows[0]["state"]; !ok || v != nil {
		t.Fatalf("expected nil state cell, got %v (present=%v)", v, ok)
	}
}

func TestNewTableRejectsUndeclaredColumn(t *testing.T) {
	_, err := NewTable(TableContainers, []string{"container_name"}, []Row{
		{"container_name": "api", "owner": "ops"},
	})
	if err == nil {
		t.Fatalf("expected error for undeclared column")
	}
}

func TestCellFloat(t *testing.T) {
	cases := []struct {
		in   any
		want float64
		ok   bool
	}{
		{in: 12.5, want: 12.5, ok: true},
		{in: int64(3), want: 3, ok: true},
		{in: "75.5%", want: 75.5, ok: true},
		{in: " 4 ", want: 4, ok: true},
		{in: "running", ok: false},
		{in: nil, ok: false},
		{in: true, ok: false},
	}
	for _, tc := range cases {
		got, ok := CellFloat(tc.in)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Fatalf("CellFloat(%v) = %v,%v want %v,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestParseOperatorAliases(t *testing.T) {
	for raw, want := range map[string]Operator{"": OpEq, "==": OpEq, ">=": OpGte, "LIKE": OpContains, "ne": OpNe} {
		got, ok := ParseOperator(raw)
		if !ok || got != want {
			t.Fatalf("ParseOperator(%q) = %v,%v want %v", raw, got, ok, want)
		}
	}
	if _, ok := ParseOperator("between"); ok {
		t.Fatalf("expected unknown operator to be rejected")
	}
}
