package hub

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/fleet-assistant/internal/models"
)

var containerColumns = []string{"environment_name", "container_name", "state", "status", "restart_count"}

func containersTable(t *testing.T, states ...string) models.Table {
	t.Helper()
	rows := make([]models.Row, 0, len(states))
	for i, state := range states {
		rows = append(rows, models.Row{
			"environment_name": "prod",
			"container_name":   fmt.Sprintf("c%02d", i),
			"state":            state,
			"status":           "Up 2 hours",
			"restart_count":    int64(i),
		})
	}
	table, err := models.NewTable(models.TableContainers, containerColumns, rows)
	require.NoError(t, err)
	return table
}

func loadedHub(t *testing.T, maxRows int, tables ...models.Table) *Hub {
	t.Helper()
	h := New(nil, maxRows, nil)
	require.NoError(t, h.Load(tables))
	return h
}

func TestQueryFiltersExactMatch(t *testing.T) {
	h := loadedHub(t, 0, containersTable(t, "running", "unhealthy", "running", "Unhealthy", "exited", "unhealthy"))

	res, err := h.Snapshot().Query(models.QueryRequest{
		Table:  models.TableContainers,
		Filter: &models.Filter{Column: "state", Operator: models.OpEq, Value: "unhealthy"},
		Limit:  20,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.MatchedRows)
	assert.Equal(t, 3, res.ReturnedRows)
	assert.Len(t, res.Rows, 3)
}

func TestQueryNumericComparison(t *testing.T) {
	h := loadedHub(t, 0, containersTable(t, "a", "b", "c", "d", "e"))

	res, err := h.Snapshot().Query(models.QueryRequest{
		Table:  models.TableContainers,
		Filter: &models.Filter{Column: "restart_count", Operator: models.OpGte, Value: "3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.MatchedRows)
}

func TestQueryLimitCappedByHardMaximum(t *testing.T) {
	states := make([]string, 50)
	for i := range states {
		states[i] = "running"
	}
	h := loadedHub(t, 10, containersTable(t, states...))

	res, err := h.Snapshot().Query(models.QueryRequest{Table: models.TableContainers, Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, 50, res.MatchedRows)
	assert.Equal(t, 10, res.ReturnedRows)

	res, err = h.Snapshot().Query(models.QueryRequest{Table: models.TableContainers, Limit: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, res.ReturnedRows)
}

func TestQueryProjectionIgnoresUnknownColumns(t *testing.T) {
	h := loadedHub(t, 0, containersTable(t, "running"))

	res, err := h.Snapshot().Query(models.QueryRequest{
		Table:   models.TableContainers,
		Columns: []string{"state", "bogus", "container_name", "state"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"state", "container_name"}, res.Columns)
	require.Len(t, res.Rows, 1)
	assert.Len(t, res.Rows[0], 2)
}

func TestQueryUnknownTable(t *testing.T) {
	h := loadedHub(t, 0, containersTable(t, "running"))

	_, err := h.Snapshot().Query(models.QueryRequest{Table: "deployments"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownTable))

	var unknown *UnknownTableError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, models.TableName("deployments"), unknown.Table)
}

func TestQueryKnownTableNotLoadedIsEmpty(t *testing.T) {
	h := loadedHub(t, 0, containersTable(t, "running"))

	res, err := h.Snapshot().Query(models.QueryRequest{Table: models.TableVolumes})
	require.NoError(t, err)
	assert.Zero(t, res.MatchedRows)
	assert.Empty(t, res.Rows)
}

func TestQueryUnknownFilterColumn(t *testing.T) {
	h := loadedHub(t, 0, containersTable(t, "running"))

	_, err := h.Snapshot().Query(models.QueryRequest{
		Table:  models.TableContainers,
		Filter: &models.Filter{Column: "owner", Operator: models.OpEq, Value: "ops"},
	})
	assert.ErrorIs(t, err, ErrUnknownColumn)
}

func TestLoadIsAtomicForExistingReaders(t *testing.T) {
	h := loadedHub(t, 0, containersTable(t, "running", "running"))
	before := h.Snapshot()

	require.NoError(t, h.Load([]models.Table{containersTable(t, "exited")}))

	old, err := before.Query(models.QueryRequest{Table: models.TableContainers})
	require.NoError(t, err)
	assert.Equal(t, 2, old.MatchedRows)

	fresh, err := h.Snapshot().Query(models.QueryRequest{Table: models.TableContainers})
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.MatchedRows)
}

func TestLoadRejectsUnknownTableAndKeepsPrevious(t *testing.T) {
	h := loadedHub(t, 0, containersTable(t, "running"))
	previous := h.Snapshot()

	err := h.Load([]models.Table{{Name: "deployments", Columns: []string{"name"}}})
	require.ErrorIs(t, err, ErrUnknownTable)
	assert.Same(t, previous, h.Snapshot())
}

func TestOverviewSummarisesSnapshot(t *testing.T) {
	health, err := models.NewTable(models.TableContainerHealth,
		[]string{"environment_name", "container_name", "health_status", "cpu_percent", "memory_percent"},
		[]models.Row{
			{"environment_name": "prod", "container_name": "api", "health_status": "healthy", "cpu_percent": "12.345%", "memory_percent": 40.0},
			{"environment_name": "prod", "container_name": "db", "health_status": "unhealthy", "cpu_percent": 80.0, "memory_percent": "75%"},
			{"environment_name": "prod", "container_name": "web", "health_status": "healthy", "cpu_percent": 80.0, "memory_percent": 10.0},
		})
	require.NoError(t, err)
	hosts, err := models.NewTable(models.TableHosts, []string{"host_name", "total_cpus", "total_memory"}, []models.Row{
		{"host_name": "h1", "total_cpus": int64(4), "total_memory": float64(8 << 30)},
		{"host_name": "h2", "total_cpus": int64(2), "total_memory": float64(4 << 30)},
	})
	require.NoError(t, err)

	h := loadedHub(t, 0, containersTable(t, "running", "running", "restarting", "exited"), health, hosts)
	ov := h.Snapshot().Overview(2)

	assert.Equal(t, 4, ov.Containers.Total)
	assert.Equal(t, map[string]int{"running": 2, "restarting": 1, "exited": 1}, ov.Containers.ByState)
	assert.Equal(t, 1, ov.Containers.Restarting)
	assert.Equal(t, 1, ov.Containers.Unhealthy)
	assert.Equal(t, []string{"prod"}, ov.Containers.Environments)
	assert.Equal(t, 2, ov.Hosts.Total)
	assert.Equal(t, 6.0, ov.Hosts.CPUs)

	require.Len(t, ov.TopCPU, 2)
	assert.Equal(t, "db", ov.TopCPU[0].Container)
	assert.Equal(t, "web", ov.TopCPU[1].Container)
	require.Len(t, ov.TopMemory, 2)
	assert.Equal(t, "db", ov.TopMemory[0].Container)
	assert.Equal(t, 75.0, ov.TopMemory[0].Percent)

	assert.Equal(t, ov.JSON(), h.Snapshot().Overview(2).JSON())
}

func TestLoadCatalogOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	pack := []byte(`tables:
  - name: stacks
    description: Compose stacks only.
  - name: deployments
    description: ignored
`)
	require.NoError(t, os.WriteFile(path, pack, 0o600))

	catalog, err := LoadCatalog(path, nil)
	require.NoError(t, err)

	spec, ok := catalog.Lookup(models.TableStacks)
	require.True(t, ok)
	assert.Equal(t, "Compose stacks only.", spec.Description)
	assert.NotEmpty(t, spec.Columns)

	_, ok = catalog.Lookup("deployments")
	assert.False(t, ok)
	assert.Contains(t, catalog.Describe(), "- stacks: Compose stacks only.")
}

func TestLoadCatalogMissingFileFallsBack(t *testing.T) {
	catalog, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.NoError(t, err)
	assert.Len(t, catalog.Names(), len(models.AllTables))

	spec, _ := catalog.Lookup(models.TableLogs)
	assert.True(t, spec.LogBearing)
}
