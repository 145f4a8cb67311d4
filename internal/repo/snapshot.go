package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/fleet-assistant/internal/hub"
	"github.com/miradorstack/fleet-assistant/internal/models"
)

// ErrUnknownEnvironment is returned when a selection names an environment
// that is not configured.
var ErrUnknownEnvironment = errors.New("unknown environment")

// ErrNoEnvironments is returned when no Portainer environment is configured.
var ErrNoEnvironments = errors.New("no portainer environments configured")

// SnapshotOptions controls how much detail a snapshot collects.
type SnapshotOptions struct {
	IncludeContainerDetails bool
	DetailConcurrency       int
	LogLookback             time.Duration
	LogSize                 int
	Catalog                 *hub.Catalog
}

// SnapshotSource collects the infrastructure tables of one or more Portainer
// environments plus optional Kibana logs.
type SnapshotSource struct {
	clients []*PortainerClient
	kibana  *KibanaClient
	opts    SnapshotOptions
	logger  *slog.Logger
	now     func() time.Time
}

// NewSnapshotSource wires clients in configuration order. kibana may be nil.
func NewSnapshotSource(clients []*PortainerClient, kibana *KibanaClient, opts SnapshotOptions, logger *slog.Logger) *SnapshotSource {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DetailConcurrency <= 0 {
		opts.DetailConcurrency = 4
	}
	if opts.LogLookback <= 0 {
		opts.LogLookback = time.Hour
	}
	if opts.Catalog == nil {
		opts.Catalog = hub.DefaultCatalog()
	}
	return &SnapshotSource{clients: clients, kibana: kibana, opts: opts, logger: logger, now: time.Now}
}

// Environments lists the configured environment names.
func (s *SnapshotSource) Environments() []string {
	names := make([]string, 0, len(s.clients))
	for _, c := range s.clients {
		names = append(names, c.env.Name)
	}
	return names
}

// collected accumulates rows for one environment.
type collected struct {
	mu   sync.Mutex
	rows map[models.TableName][]models.Row
}

func (c *collected) add(table models.TableName, rows ...models.Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows[table] = append(c.rows[table], rows...)
}

// FetchSnapshot collects every table for the selected environments (all when
// empty). An environment that fails entirely is skipped; the call fails only
// when every selected environment fails.
func (s *SnapshotSource) FetchSnapshot(ctx context.Context, environments []string) ([]models.Table, error) {
	selected, err := s.selectClients(environments)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, ErrNoEnvironments
	}

	perEnv := make([]*collected, len(selected))
	errs := make([]error, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	for i, client := range selected {
		i, client := i, client
		perEnv[i] = &collected{rows: make(map[models.TableName][]models.Row)}
		g.Go(func() error {
			errs[i] = s.collectEnvironment(gctx, client, perEnv[i])
			if errs[i] != nil {
				s.logger.Warn("environment snapshot failed", slog.String("environment", client.env.Name), slog.Any("error", errs[i]))
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	failed := 0
	merged := make(map[models.TableName][]models.Row)
	for i, c := range perEnv {
		if errs[i] != nil {
			failed++
			continue
		}
		for name, rows := range c.rows {
			merged[name] = append(merged[name], rows...)
		}
	}
	if failed == len(selected) {
		return nil, fmt.Errorf("fetch snapshot: all environments failed: %w", errors.Join(errs...))
	}

	tables := make([]models.Table, 0, len(models.AllTables))
	for _, name := range models.AllTables {
		if name == models.TableLogs && s.kibana == nil {
			continue
		}
		spec, ok := s.opts.Catalog.Lookup(name)
		if !ok {
			continue
		}
		table, err := models.NewTable(name, spec.Columns, project(merged[name], spec.Columns))
		if err != nil {
			return nil, fmt.Errorf("build %s table: %w", name, err)
		}
		tables = append(tables, table)
	}
	return tables, nil
}

func (s *SnapshotSource) selectClients(environments []string) ([]*PortainerClient, error) {
	if len(environments) == 0 {
		return s.clients, nil
	}
	out := make([]*PortainerClient, 0, len(environments))
	seen := make(map[string]struct{}, len(environments))
	for _, name := range environments {
		key := strings.ToLower(strings.TrimSpace(name))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		var found *PortainerClient
		for _, c := range s.clients {
			if strings.EqualFold(c.env.Name, key) {
				found = c
				break
			}
		}
		if found == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEnvironment, name)
		}
		out = append(out, found)
	}
	return out, nil
}

func (s *SnapshotSource) collectEnvironment(ctx context.Context, client *PortainerClient, out *collected) error {
	env := client.env.Name
	endpoints, err := client.ListEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("list endpoints: %w", err)
	}

	// Endpoints are collected concurrently into their own slot and merged in
	// listing order so repeated fetches yield identical row order.
	hostnames := make([]string, 0, len(endpoints))
	slots := make([]*collected, len(endpoints))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.DetailConcurrency)
	for i, ep := range endpoints {
		row := EndpointRow(env, ep)
		out.add(models.TableEndpoints, row)
		if h := hostnameOf(asString(row["url"])); h != "" {
			hostnames = append(hostnames, h)
		}
		if row["status"] == "down" {
			continue
		}
		ref := refOf(env, ep)
		i := i
		slots[i] = &collected{rows: make(map[models.TableName][]models.Row)}
		g.Go(func() error {
			s.collectEndpoint(gctx, client, ref, slots[i])
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, slot := range slots {
		if slot == nil {
			continue
		}
		for _, name := range models.AllTables {
			out.add(name, slot.rows[name]...)
		}
	}

	if s.kibana != nil {
		s.collectLogs(ctx, env, hostnames, out)
	}
	return nil
}

// collectEndpoint gathers Docker state of one endpoint. Individual calls
// that fail are logged and leave their table without rows for the endpoint.
func (s *SnapshotSource) collectEndpoint(ctx context.Context, client *PortainerClient, ref endpointRef, out *collected) {
	logger := s.logger.With(slog.String("environment", ref.environment), slog.Int64("endpoint_id", ref.id))
	warn := func(what string, err error) {
		if ctx.Err() == nil {
			logger.Warn("portainer call failed", slog.String("call", what), slog.Any("error", err))
		}
	}

	containers, err := client.ListContainers(ctx, ref.id, true)
	if err != nil {
		warn("containers", err)
	}
	for _, c := range containers {
		out.add(models.TableContainers, ContainerRow(ref, c))
	}
	if s.opts.IncludeContainerDetails {
		for _, c := range containers {
			id := asString(firstPresent(c, "Id", "ID", "id"))
			if id == "" {
				continue
			}
			inspect, err := client.InspectContainer(ctx, ref.id, id)
			if err != nil {
				warn("inspect", err)
			}
			var stats map[string]any
			if strings.EqualFold(asString(c["State"]), "running") {
				if stats, err = client.ContainerStats(ctx, ref.id, id); err != nil {
					warn("stats", err)
				}
			}
			out.add(models.TableContainerHealth, ContainerHealthRow(ref, containerName(c), inspect, stats))
		}
	}

	if stacks, err := client.ListStacks(ctx, ref.id); err != nil {
		warn("stacks", err)
	} else {
		out.add(models.TableStacks, StackRows(ref, stacks)...)
	}
	if info, err := client.DockerInfo(ctx, ref.id); err != nil {
		warn("info", err)
	} else {
		out.add(models.TableHosts, HostRow(ref, info))
	}
	if volumes, err := client.ListVolumes(ctx, ref.id); err != nil {
		warn("volumes", err)
	} else {
		for _, v := range volumes {
			out.add(models.TableVolumes, VolumeRow(ref, v))
		}
	}
	if images, err := client.ListImages(ctx, ref.id); err != nil {
		warn("images", err)
	} else {
		for _, img := range images {
			out.add(models.TableImages, ImageRow(ref, img))
		}
	}
}

func (s *SnapshotSource) collectLogs(ctx context.Context, env string, hostnames []string, out *collected) {
	end := s.now().UTC()
	start := end.Add(-s.opts.LogLookback)
	seen := make(map[string]struct{}, len(hostnames))
	for _, h := range hostnames {
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		rows, err := s.kibana.FetchLogs(ctx, env, LogQuery{Hostname: h, Start: start, End: end, Size: s.opts.LogSize})
		if err != nil {
			s.logger.Warn("kibana log fetch failed", slog.String("environment", env), slog.String("hostname", h), slog.Any("error", err))
			continue
		}
		out.add(models.TableLogs, rows...)
	}
}

// project keeps only declared columns so catalog overlays that narrow a
// table never reject collected rows.
func project(rows []models.Row, columns []string) []models.Row {
	out := make([]models.Row, 0, len(rows))
	for _, r := range rows {
		p := make(models.Row, len(columns))
		for _, c := range columns {
			p[c] = r[c]
		}
		out = append(out, p)
	}
	return out
}
