package models

import (
	"fmt"
	"strings"
)

// Operator is a single-column filter comparison.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpContains Operator = "contains"
)

var operatorAliases = map[string]Operator{
	"eq":       OpEq,
	"=":        OpEq,
	"==":       OpEq,
	"equals":   OpEq,
	"ne":       OpNe,
	"!=":       OpNe,
	"<>":       OpNe,
	"gt":       OpGt,
	">":        OpGt,
	"gte":      OpGte,
	">=":       OpGte,
	"lt":       OpLt,
	"<":        OpLt,
	"lte":      OpLte,
	"<=":       OpLte,
	"contains": OpContains,
	"like":     OpContains,
}

// ParseOperator resolves an operator name or symbol. An empty input means eq.
func ParseOperator(raw string) (Operator, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return OpEq, true
	}
	op, ok := operatorAliases[key]
	return op, ok
}

// Filter restricts a query to rows whose column compares true against Value.
type Filter struct {
	Column   string   `json:"column"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

func (f Filter) String() string {
	return fmt.Sprintf("%s %s %v", f.Column, f.Operator, CellString(f.Value))
}

// QueryRequest is one accepted plan entry. Index is its position among the
// accepted entries and doubles as its budget priority (lower is higher).
type QueryRequest struct {
	Index   int       `json:"index"`
	Table   TableName `json:"table"`
	Filter  *Filter   `json:"filter,omitempty"`
	Limit   int       `json:"limit,omitempty"`
	Columns []string  `json:"columns,omitempty"`
}

// Describe renders a compact human-readable form of the request.
func (r QueryRequest) Describe() string {
	var b strings.Builder
	b.WriteString(string(r.Table))
	if r.Filter != nil {
		b.WriteString(" where ")
		b.WriteString(r.Filter.String())
	}
	if len(r.Columns) > 0 {
		b.WriteString(" columns ")
		b.WriteString(strings.Join(r.Columns, ","))
	}
	if r.Limit > 0 {
		fmt.Fprintf(&b, " limit %d", r.Limit)
	}
	return b.String()
}

// ExecutedResult pairs a request with the rows it produced.
type ExecutedResult struct {
	Request      QueryRequest `json:"request"`
	Columns      []string     `json:"columns"`
	Rows         []Row        `json:"rows"`
	MatchedRows  int          `json:"matched_rows"`
	ReturnedRows int          `json:"returned_rows"`
	Summary      string       `json:"summary"`
}
