package hub

import (
	"math"
	"sort"
	"strings"

	"github.com/miradorstack/fleet-assistant/internal/extractors"
	"github.com/miradorstack/fleet-assistant/internal/models"
)

// DefaultTopN bounds the hotspot lists in the overview.
const DefaultTopN = 5

const outlierThreshold = 2.5

var (
	metricExtractor = extractors.NewMetricExtractor()
	logsExtractor   = extractors.NewLogsExtractor()
)

// Overview summarises the snapshot. The result depends only on the loaded
// rows, never on map iteration order.
func (s *Snapshot) Overview(topN int) models.Overview {
	if topN <= 0 {
		topN = DefaultTopN
	}

	var ov models.Overview
	ov.Containers = s.containerOverview()
	ov.Stacks = s.stackOverview()
	ov.Hosts = s.hostOverview()

	for _, row := range s.tables[models.TableEndpoints].Rows {
		ov.Endpoints.Total++
		switch strings.ToLower(row.String("status")) {
		case "down", "offline", "2":
			ov.Endpoints.Offline++
		}
	}
	for _, row := range s.tables[models.TableImages].Rows {
		ov.Images.Total++
		if strings.EqualFold(row.String("dangling"), "true") {
			ov.Images.Dangling++
		}
	}
	ov.Volumes.Total = len(s.tables[models.TableVolumes].Rows)

	health := s.tables[models.TableContainerHealth].Rows
	cpu := usageSamples(health, "cpu_percent")
	mem := usageSamples(health, "memory_percent")
	ov.TopCPU = topUsage(cpu, topN)
	ov.TopMemory = topUsage(mem, topN)
	ov.ResourceOutliers = append(outliers(cpu, "cpu"), outliers(mem, "memory")...)
	ov.LogHotspots = logHotspots(s.tables[models.TableLogs].Rows, topN)

	return ov
}

func (s *Snapshot) containerOverview() models.ContainerOverview {
	out := models.ContainerOverview{ByState: map[string]int{}, Environments: []string{}}
	envs := map[string]struct{}{}
	unhealthy := map[string]struct{}{}

	for _, row := range s.tables[models.TableContainers].Rows {
		out.Total++
		state := strings.ToLower(strings.TrimSpace(row.String("state")))
		if state == "" {
			state = "unknown"
		}
		out.ByState[state]++
		if state == "restarting" {
			out.Restarting++
		}
		if strings.Contains(strings.ToLower(row.String("status")), "unhealthy") {
			unhealthy[containerKey(row)] = struct{}{}
		}
		if env := row.String("environment_name"); env != "" {
			envs[env] = struct{}{}
		}
	}
	for _, row := range s.tables[models.TableContainerHealth].Rows {
		if strings.EqualFold(row.String("health_status"), "unhealthy") {
			unhealthy[containerKey(row)] = struct{}{}
		}
	}
	out.Unhealthy = len(unhealthy)

	for env := range envs {
		out.Environments = append(out.Environments, env)
	}
	sort.Strings(out.Environments)
	return out
}

func (s *Snapshot) stackOverview() models.StackOverview {
	out := models.StackOverview{Statuses: map[string]int{}}
	for _, row := range s.tables[models.TableStacks].Rows {
		out.Total++
		status := strings.ToLower(strings.TrimSpace(row.String("stack_status")))
		if status == "" {
			status = "unknown"
		}
		out.Statuses[status]++
	}
	return out
}

func (s *Snapshot) hostOverview() models.HostOverview {
	var out models.HostOverview
	for _, row := range s.tables[models.TableHosts].Rows {
		out.Total++
		if v, ok := row.Float("total_cpus"); ok {
			out.CPUs += v
		}
		if v, ok := row.Float("total_memory"); ok {
			out.MemoryBytes += v
		}
	}
	return out
}

func containerKey(row models.Row) string {
	return row.String("environment_name") + "/" + row.String("container_name")
}

func usageSamples(rows []models.Row, column string) []extractors.Sample {
	samples := make([]extractors.Sample, 0, len(rows))
	for _, row := range rows {
		v, ok := row.Float(column)
		if !ok {
			continue
		}
		samples = append(samples, extractors.Sample{
			Environment: row.String("environment_name"),
			Label:       row.String("container_name"),
			Value:       v,
		})
	}
	return samples
}

func topUsage(samples []extractors.Sample, n int) []models.ResourceUsage {
	sorted := append([]extractors.Sample(nil), samples...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Value != sorted[j].Value {
			return sorted[i].Value > sorted[j].Value
		}
		if sorted[i].Label != sorted[j].Label {
			return sorted[i].Label < sorted[j].Label
		}
		return sorted[i].Environment < sorted[j].Environment
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	out := make([]models.ResourceUsage, 0, len(sorted))
	for _, s := range sorted {
		out = append(out, models.ResourceUsage{
			Environment: s.Environment,
			Container:   s.Label,
			Percent:     round2(s.Value),
		})
	}
	return out
}

func outliers(samples []extractors.Sample, metric string) []models.ResourceUsage {
	found := metricExtractor.Detect(samples, outlierThreshold)
	out := make([]models.ResourceUsage, 0, len(found))
	for _, o := range found {
		out = append(out, models.ResourceUsage{
			Environment: o.Environment,
			Container:   o.Label,
			Metric:      metric,
			Percent:     round2(o.Value),
			Score:       round2(o.Score),
		})
	}
	return out
}

func logHotspots(rows []models.Row, n int) []models.LogHotspot {
	if len(rows) == 0 {
		return nil
	}
	anomalies := logsExtractor.Detect(logsExtractor.Count(rows))
	if len(anomalies) > n {
		anomalies = anomalies[:n]
	}
	out := make([]models.LogHotspot, 0, len(anomalies))
	for _, a := range anomalies {
		out = append(out, models.LogHotspot{
			Container: a.Container,
			Errors:    a.Errors,
			Total:     a.Total,
			Score:     round2(a.Score),
		})
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
