package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/miradorstack/fleet-assistant/internal/models"
)

// DefaultMaxRowsPerRequest caps any single query result.
const DefaultMaxRowsPerRequest = 1000

var (
	// ErrUnknownTable is matched by UnknownTableError via errors.Is.
	ErrUnknownTable = errors.New("unknown table")
	// ErrUnknownColumn reports a filter on a column the table does not declare.
	ErrUnknownColumn = errors.New("unknown column")
)

// UnknownTableError names the table that is not in the catalog.
type UnknownTableError struct {
	Table models.TableName
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("unknown table %q", e.Table)
}

func (e *UnknownTableError) Is(target error) bool {
	return target == ErrUnknownTable
}

// Hub holds the current snapshot of infrastructure tables. Load swaps the
// snapshot atomically; readers keep whatever snapshot they captured.
type Hub struct {
	catalog *Catalog
	maxRows int
	logger  *slog.Logger
	current atomic.Pointer[Snapshot]
}

// New creates an empty hub.
func New(catalog *Catalog, maxRows int, logger *slog.Logger) *Hub {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if maxRows <= 0 {
		maxRows = DefaultMaxRowsPerRequest
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{catalog: catalog, maxRows: maxRows, logger: logger}
}

// Catalog returns the hub's table catalog.
func (h *Hub) Catalog() *Catalog {
	return h.catalog
}

// Load validates tables and replaces the current snapshot. On error the
// previous snapshot stays in place.
func (h *Hub) Load(tables []models.Table) error {
	snap, err := newSnapshot(h.catalog, h.maxRows, tables)
	if err != nil {
		return err
	}
	h.current.Store(snap)
	h.logger.Debug("hub snapshot loaded", slog.Int("tables", len(tables)), slog.Int("rows", snap.RowCount()))
	return nil
}

// Snapshot returns the current snapshot, or nil before the first Load.
func (h *Hub) Snapshot() *Snapshot {
	return h.current.Load()
}

// Snapshot is an immutable set of tables captured at LoadedAt.
type Snapshot struct {
	catalog  *Catalog
	maxRows  int
	tables   map[models.TableName]models.Table
	LoadedAt time.Time
}

func newSnapshot(catalog *Catalog, maxRows int, tables []models.Table) (*Snapshot, error) {
	snap := &Snapshot{
		catalog:  catalog,
		maxRows:  maxRows,
		tables:   make(map[models.TableName]models.Table, len(tables)),
		LoadedAt: time.Now().UTC(),
	}
	for _, t := range tables {
		if _, ok := catalog.Lookup(t.Name); !ok {
			return nil, &UnknownTableError{Table: t.Name}
		}
		if _, dup := snap.tables[t.Name]; dup {
			return nil, fmt.Errorf("table %s loaded twice", t.Name)
		}
		normalised, err := models.NewTable(t.Name, t.Columns, t.Rows)
		if err != nil {
			return nil, err
		}
		snap.tables[t.Name] = normalised
	}
	return snap, nil
}

// Catalog returns the catalog the snapshot was validated against.
func (s *Snapshot) Catalog() *Catalog {
	return s.catalog
}

// MaxRows is the hard per-request row cap.
func (s *Snapshot) MaxRows() int {
	return s.maxRows
}

// Table returns a loaded table by name.
func (s *Snapshot) Table(name models.TableName) (models.Table, bool) {
	t, ok := s.tables[name]
	return t, ok
}

// RowCount is the total number of rows across all tables.
func (s *Snapshot) RowCount() int {
	n := 0
	for _, t := range s.tables {
		n += len(t.Rows)
	}
	return n
}

// Counts returns the row count per loaded table.
func (s *Snapshot) Counts() map[models.TableName]int {
	out := make(map[models.TableName]int, len(s.tables))
	for name, t := range s.tables {
		out[name] = len(t.Rows)
	}
	return out
}
