package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/fleet-assistant/internal/models"
)

// TableSpec describes one table to the model and to the query executor.
type TableSpec struct {
	Name        models.TableName `yaml:"name"`
	Description string           `yaml:"description"`
	Columns     []string         `yaml:"columns"`
	LogBearing  bool             `yaml:"logBearing"`
}

// HasColumn reports whether column is declared for the table.
func (s TableSpec) HasColumn(column string) bool {
	for _, c := range s.Columns {
		if c == column {
			return true
		}
	}
	return false
}

// Catalog is the ordered set of table specs known to the hub.
type Catalog struct {
	specs map[models.TableName]TableSpec
	order []models.TableName
}

// catalogFile is the YAML root of a catalog pack.
type catalogFile struct {
	Tables []TableSpec `yaml:"tables"`
}

// DefaultCatalog returns the built-in table catalog.
func DefaultCatalog() *Catalog {
	specs := []TableSpec{
		{
			Name:        models.TableEndpoints,
			Description: "Portainer environments (endpoints) with connection status, type and group.",
			Columns:     []string{"environment_name", "endpoint_id", "endpoint_name", "status", "endpoint_type", "group_id", "url"},
		},
		{
			Name:        models.TableContainers,
			Description: "Docker containers with state, status text, image, owning stack and restart count.",
			Columns:     []string{"environment_name", "endpoint_name", "container_id", "container_name", "image", "stack_name", "state", "status", "restart_count", "ports", "created"},
		},
		{
			Name:        models.TableContainerHealth,
			Description: "Container health checks, last exit codes and current CPU/memory usage percentages.",
			Columns:     []string{"environment_name", "endpoint_name", "container_name", "health_status", "last_exit_code", "last_finished_at", "cpu_percent", "memory_percent"},
		},
		{
			Name:        models.TableStacks,
			Description: "Portainer stacks (compose and edge) with status and timestamps.",
			Columns:     []string{"environment_name", "endpoint_name", "stack_id", "stack_name", "stack_status", "stack_type", "created_at", "updated_at"},
		},
		{
			Name:        models.TableHosts,
			Description: "Docker hosts with CPU count, total memory in bytes and architecture.",
			Columns:     []string{"environment_name", "endpoint_name", "host_name", "total_cpus", "total_memory", "architecture", "docker_version"},
		},
		{
			Name:        models.TableVolumes,
			Description: "Docker volumes with driver, scope and mountpoint.",
			Columns:     []string{"environment_name", "endpoint_name", "volume_name", "driver", "scope", "mountpoint"},
		},
		{
			Name:        models.TableImages,
			Description: "Docker images with reference tag, size in bytes and dangling flag.",
			Columns:     []string{"environment_name", "endpoint_name", "image_id", "reference", "size", "created_at", "dangling"},
		},
		{
			Name:        models.TableLogs,
			Description: "Recent container log lines from Elasticsearch, newest first.",
			Columns:     []string{"environment_name", "timestamp", "agent_hostname", "container_name", "log_level", "message"},
			LogBearing:  true,
		},
	}
	c := &Catalog{specs: make(map[models.TableName]TableSpec, len(specs))}
	for _, s := range specs {
		c.specs[s.Name] = s
		c.order = append(c.order, s.Name)
	}
	return c
}

// LoadCatalog returns the built-in catalog overlaid with the YAML pack at path.
// A missing file or empty path yields the built-in catalog.
func LoadCatalog(path string, logger *slog.Logger) (*Catalog, error) {
	catalog := DefaultCatalog()
	if path == "" {
		return catalog, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("catalog pack not found, using built-in catalog", slog.String("path", path))
			return catalog, nil
		}
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	for _, override := range file.Tables {
		base, ok := catalog.specs[override.Name]
		if !ok {
			logger.Warn("catalog pack names unknown table", slog.String("table", string(override.Name)))
			continue
		}
		if strings.TrimSpace(override.Description) != "" {
			base.Description = override.Description
		}
		if len(override.Columns) > 0 {
			base.Columns = append([]string(nil), override.Columns...)
		}
		base.LogBearing = base.LogBearing || override.LogBearing
		catalog.specs[base.Name] = base
	}
	return catalog, nil
}

// Lookup returns the spec for name.
func (c *Catalog) Lookup(name models.TableName) (TableSpec, bool) {
	spec, ok := c.specs[name]
	return spec, ok
}

// Names returns table names in catalog order.
func (c *Catalog) Names() []models.TableName {
	return append([]models.TableName(nil), c.order...)
}

// Specs returns table specs in catalog order.
func (c *Catalog) Specs() []TableSpec {
	out := make([]TableSpec, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.specs[name])
	}
	return out
}

// Describe renders the catalog for the planning prompt.
func (c *Catalog) Describe() string {
	var b strings.Builder
	for _, spec := range c.Specs() {
		fmt.Fprintf(&b, "- %s: %s Columns: %s.\n", spec.Name, spec.Description, strings.Join(spec.Columns, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}
