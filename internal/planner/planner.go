// Package planner turns free-form model output into validated query requests.
// Parsing never fails: malformed input degrades to an empty plan with a report.
package planner

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/miradorstack/fleet-assistant/internal/hub"
	"github.com/miradorstack/fleet-assistant/internal/models"
)

// DefaultMaxEntries caps the number of executed requests per plan.
const DefaultMaxEntries = 8

// DiscardReason classifies why a plan entry was not accepted.
type DiscardReason string

const (
	DiscardInvalidTable  DiscardReason = "invalid_table"
	DiscardInvalidFilter DiscardReason = "invalid_filter"
	DiscardOverCap       DiscardReason = "over_cap"
)

// Discard describes a rejected plan entry.
type Discard struct {
	Position int
	Reason   DiscardReason
	Detail   string
}

// Entry is either an accepted request or a discard, never both.
type Entry struct {
	Request *models.QueryRequest
	Discard *Discard
}

// Plan is the parser output.
type Plan struct {
	Entries []Entry
	Note    string
	Report  models.ParseReport
}

// Requests returns accepted requests in plan order.
func (p Plan) Requests() []models.QueryRequest {
	out := make([]models.QueryRequest, 0, len(p.Entries))
	for _, e := range p.Entries {
		if e.Request != nil {
			out = append(out, *e.Request)
		}
	}
	return out
}

// Parse extracts a plan from text. Accepted shapes, in order of preference:
// the whole text as a JSON array, the whole text as a {"plan","requests"}
// envelope or single request object, then the first JSON array or envelope
// embedded anywhere in the text (prose, code fences).
func Parse(text string, catalog *hub.Catalog, maxEntries int) Plan {
	if catalog == nil {
		catalog = hub.DefaultCatalog()
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	var plan Plan
	raw, note, ok := extract(text)
	if !ok {
		plan.Report.Unparsable = true
		plan.Report.Warnings = append(plan.Report.Warnings, "no JSON plan found in model output")
		return plan
	}
	plan.Note = note

	for pos, item := range raw {
		req, discard := validate(pos, item, catalog)
		if discard != nil {
			plan.Entries = append(plan.Entries, Entry{Discard: discard})
			switch discard.Reason {
			case DiscardInvalidTable:
				plan.Report.DroppedInvalidTable++
			case DiscardInvalidFilter:
				plan.Report.DroppedInvalidFilter++
			}
			plan.Report.Warnings = append(plan.Report.Warnings, fmt.Sprintf("entry %d: %s", pos, discard.Detail))
			continue
		}
		if plan.Report.Accepted >= maxEntries {
			plan.Entries = append(plan.Entries, Entry{Discard: &Discard{Position: pos, Reason: DiscardOverCap, Detail: "exceeds plan cap"}})
			plan.Report.DroppedOverCap++
			continue
		}
		req.Index = plan.Report.Accepted
		plan.Entries = append(plan.Entries, Entry{Request: req})
		plan.Report.Accepted++
	}
	if plan.Report.DroppedOverCap > 0 {
		plan.Report.Warnings = append(plan.Report.Warnings,
			fmt.Sprintf("plan truncated to %d entries, %d dropped", maxEntries, plan.Report.DroppedOverCap))
	}
	return plan
}

func extract(text string) ([]any, string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, "", false
	}
	if v, err := decodeStrict(trimmed); err == nil {
		if items, note, ok := entriesOf(v, true); ok {
			return items, note, true
		}
	}

	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] != '[' && trimmed[i] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(trimmed[i:]))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			continue
		}
		if items, note, ok := entriesOf(v, false); ok {
			return items, note, true
		}
	}
	return nil, "", false
}

func decodeStrict(text string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return v, nil
}

// entriesOf unwraps the accepted top-level shapes. A bare request object is
// only accepted when it is the entire text.
func entriesOf(v any, whole bool) ([]any, string, bool) {
	switch val := v.(type) {
	case []any:
		return val, "", true
	case map[string]any:
		for _, key := range []string{"requests", "queries"} {
			if items, ok := val[key].([]any); ok {
				note, _ := val["plan"].(string)
				return items, strings.TrimSpace(note), true
			}
		}
		if _, ok := val["table"]; ok && whole {
			return []any{val}, "", true
		}
	}
	return nil, "", false
}

func validate(pos int, item any, catalog *hub.Catalog) (*models.QueryRequest, *Discard) {
	obj, ok := item.(map[string]any)
	if !ok {
		return nil, &Discard{Position: pos, Reason: DiscardInvalidTable, Detail: "entry is not an object"}
	}

	name, _ := obj["table"].(string)
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, &Discard{Position: pos, Reason: DiscardInvalidTable, Detail: "missing table"}
	}
	spec, ok := catalog.Lookup(models.TableName(name))
	if !ok {
		return nil, &Discard{Position: pos, Reason: DiscardInvalidTable, Detail: fmt.Sprintf("unknown table %q", name)}
	}

	req := &models.QueryRequest{Table: spec.Name}

	filter, err := parseFilter(obj, spec)
	if err != nil {
		return nil, &Discard{Position: pos, Reason: DiscardInvalidFilter, Detail: err.Error()}
	}
	req.Filter = filter
	req.Limit = parseLimit(obj["limit"])
	req.Columns = parseColumns(obj["columns"])
	return req, nil
}

func parseFilter(obj map[string]any, spec hub.TableSpec) (*models.Filter, error) {
	if filters, ok := obj["filters"].(map[string]any); ok && len(filters) > 1 {
		return nil, fmt.Errorf("only one filter column is supported, got %d", len(filters))
	}
	column, operator, value, present := filterFields(obj)
	if !present {
		return nil, nil
	}
	if strings.TrimSpace(column) == "" {
		return nil, fmt.Errorf("filter without column")
	}
	if !spec.HasColumn(column) {
		return nil, fmt.Errorf("filter column %q not in table %s", column, spec.Name)
	}
	op, ok := models.ParseOperator(operator)
	if !ok {
		return nil, fmt.Errorf("unsupported filter operator %q", operator)
	}
	scalar, ok := scalarValue(value)
	if !ok {
		return nil, fmt.Errorf("filter value for %q must be a scalar", column)
	}
	return &models.Filter{Column: column, Operator: op, Value: scalar}, nil
}

// filterFields reads the flat filter_* fields, a nested "filter" object, or a
// single-key "filters" map.
func filterFields(obj map[string]any) (column, operator string, value any, present bool) {
	if nested, ok := obj["filter"].(map[string]any); ok {
		column, _ = nested["column"].(string)
		operator, _ = nested["operator"].(string)
		return column, operator, nested["value"], true
	}

	_, hasCol := obj["filter_column"]
	_, hasOp := obj["filter_operator"]
	_, hasVal := obj["filter_value"]
	if hasCol || hasOp || hasVal {
		column, _ = obj["filter_column"].(string)
		operator, _ = obj["filter_operator"].(string)
		return column, operator, obj["filter_value"], true
	}

	if filters, ok := obj["filters"].(map[string]any); ok && len(filters) == 1 {
		for k, v := range filters {
			return k, "eq", v, true
		}
	}
	return "", "", nil, false
}

func scalarValue(v any) (any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case string, bool:
		return val, true
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f, true
		}
		return val.String(), true
	case float64:
		return val, true
	default:
		return nil, false
	}
}

func parseLimit(v any) int {
	var f float64
	switch val := v.(type) {
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	case float64:
		f = val
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(f)
}

func parseColumns(v any) []string {
	var out []string
	switch val := v.(type) {
	case []any:
		for _, c := range val {
			if s, ok := c.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		for _, c := range strings.Split(val, ",") {
			if c = strings.TrimSpace(c); c != "" {
				out = append(out, c)
			}
		}
	}
	return out
}

// Schema is the JSON shape the model is asked to produce.
const Schema = `[{"table": "<table name>", "filter_column": "<column, optional>", ` +
	`"filter_operator": "eq|ne|gt|gte|lt|lte|contains", "filter_value": "<scalar>", ` +
	`"limit": <rows, optional>, "columns": ["<column>", "..."]}]`
