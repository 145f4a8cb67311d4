package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// TableName identifies one of the infrastructure tables held by the data hub.
type TableName string

const (
	TableEndpoints       TableName = "endpoints"
	TableContainers      TableName = "containers"
	TableContainerHealth TableName = "container_health"
	TableStacks          TableName = "stacks"
	TableHosts           TableName = "hosts"
	TableVolumes         TableName = "volumes"
	TableImages          TableName = "images"
	TableLogs            TableName = "logs"
)

// AllTables lists every table name in catalog order.
var AllTables = []TableName{
	TableEndpoints,
	TableContainers,
	TableContainerHealth,
	TableStacks,
	TableHosts,
	TableVolumes,
	TableImages,
	TableLogs,
}

// Row is a single record keyed by column name. Values are scalars only.
type Row map[string]any

// Table is a named, column-declared set of rows.
type Table struct {
	Name    TableName `json:"name"`
	Columns []string  `json:"columns"`
	Rows    []Row     `json:"rows"`
}

// NewTable builds a table whose rows carry exactly the declared columns.
// Missing cells become nil; a cell for an undeclared column is an error.
func NewTable(name TableName, columns []string, rows []Row) (Table, error) {
	if strings.TrimSpace(string(name)) == "" {
		return Table{}, fmt.Errorf("table name is required")
	}
	if len(columns) == 0 {
		return Table{}, fmt.Errorf("table %s declares no columns", name)
	}
	declared := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		declared[c] = struct{}{}
	}

	normalised := make([]Row, 0, len(rows))
	for i, row := range rows {
		for key := range row {
			if _, ok := declared[key]; !ok {
				return Table{}, fmt.Errorf("table %s row %d: undeclared column %q", name, i, key)
			}
		}
		out := make(Row, len(columns))
		for _, c := range columns {
			out[c] = row[c]
		}
		normalised = append(normalised, out)
	}

	return Table{
		Name:    name,
		Columns: append([]string(nil), columns...),
		Rows:    normalised,
	}, nil
}

// String renders the cell as text. Nil renders as the empty string.
func (r Row) String(column string) string {
	return CellString(r[column])
}

// Float returns the cell as a number when it holds one or a numeric string.
func (r Row) Float(column string) (float64, bool) {
	return CellFloat(r[column])
}

// CellString renders a scalar cell value as text.
func CellString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

// CellFloat converts a scalar cell to float64. Percentage strings such as
// "75.5%" are accepted.
func CellFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, !math.IsNaN(val)
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(val), "%"))
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
