package hub

import (
	"fmt"
	"strings"

	"github.com/miradorstack/fleet-assistant/internal/models"
)

// Query filters, projects and limits one table. A known table that is not
// loaded yields an empty result; an empty result is not an error.
func (s *Snapshot) Query(req models.QueryRequest) (models.ExecutedResult, error) {
	spec, ok := s.catalog.Lookup(req.Table)
	if !ok {
		return models.ExecutedResult{}, &UnknownTableError{Table: req.Table}
	}

	table, loaded := s.tables[req.Table]
	columns := table.Columns
	if !loaded {
		columns = spec.Columns
	}

	if req.Filter != nil && !containsString(columns, req.Filter.Column) {
		return models.ExecutedResult{}, fmt.Errorf("%w %q on table %s", ErrUnknownColumn, req.Filter.Column, req.Table)
	}

	limit := s.effectiveLimit(req.Limit)
	projected := project(columns, req.Columns)

	matched := 0
	rows := make([]models.Row, 0)
	for _, row := range table.Rows {
		if req.Filter != nil && !matches(row[req.Filter.Column], *req.Filter) {
			continue
		}
		matched++
		if len(rows) < limit {
			rows = append(rows, pick(row, projected))
		}
	}

	return models.ExecutedResult{
		Request:      req,
		Columns:      projected,
		Rows:         rows,
		MatchedRows:  matched,
		ReturnedRows: len(rows),
		Summary:      fmt.Sprintf("%s: %d of %d matching rows", req.Describe(), len(rows), matched),
	}, nil
}

func (s *Snapshot) effectiveLimit(requested int) int {
	if requested <= 0 || requested > s.maxRows {
		return s.maxRows
	}
	return requested
}

// project keeps requested columns that exist, in request order. No valid
// request columns means all columns.
func project(available, requested []string) []string {
	out := make([]string, 0, len(requested))
	seen := make(map[string]struct{}, len(requested))
	for _, c := range requested {
		if _, dup := seen[c]; dup || !containsString(available, c) {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	if len(out) == 0 {
		return append([]string(nil), available...)
	}
	return out
}

func pick(row models.Row, columns []string) models.Row {
	out := make(models.Row, len(columns))
	for _, c := range columns {
		out[c] = row[c]
	}
	return out
}

func matches(cell any, f models.Filter) bool {
	if f.Operator == models.OpContains {
		needle := strings.ToLower(models.CellString(f.Value))
		return strings.Contains(strings.ToLower(models.CellString(cell)), needle)
	}

	cmp, ok := compare(cell, f.Value)
	if !ok {
		return f.Operator == models.OpNe
	}
	switch f.Operator {
	case models.OpEq:
		return cmp == 0
	case models.OpNe:
		return cmp != 0
	case models.OpGt:
		return cmp > 0
	case models.OpGte:
		return cmp >= 0
	case models.OpLt:
		return cmp < 0
	case models.OpLte:
		return cmp <= 0
	default:
		return false
	}
}

// compare orders cell against value numerically when both are numbers,
// otherwise as case-insensitive strings. A nil cell only compares for
// equality against an empty value.
func compare(cell, value any) (int, bool) {
	if a, ok := models.CellFloat(cell); ok {
		if b, ok := models.CellFloat(value); ok {
			switch {
			case a < b:
				return -1, true
			case a > b:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	if cell == nil && models.CellString(value) != "" {
		return 0, false
	}
	return strings.Compare(strings.ToLower(models.CellString(cell)), strings.ToLower(models.CellString(value))), true
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
