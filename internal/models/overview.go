package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Overview is the compact operational summary computed from a hub snapshot.
type Overview struct {
	Containers       ContainerOverview `json:"containers"`
	Stacks           StackOverview     `json:"stacks"`
	Hosts            HostOverview      `json:"hosts"`
	Endpoints        EndpointOverview  `json:"endpoints"`
	Images           ImageOverview     `json:"images"`
	Volumes          VolumeOverview    `json:"volumes"`
	TopCPU           []ResourceUsage   `json:"top_cpu"`
	TopMemory        []ResourceUsage   `json:"top_memory"`
	ResourceOutliers []ResourceUsage   `json:"resource_outliers,omitempty"`
	LogHotspots      []LogHotspot      `json:"log_hotspots,omitempty"`
}

type ContainerOverview struct {
	Total        int            `json:"total"`
	ByState      map[string]int `json:"by_state"`
	Unhealthy    int            `json:"unhealthy"`
	Restarting   int            `json:"restarting"`
	Environments []string       `json:"environments"`
	// MoreEnvironments counts names left out of Environments by Compact.
	MoreEnvironments int `json:"more_environments,omitempty"`
}

type StackOverview struct {
	Total    int            `json:"total"`
	Statuses map[string]int `json:"statuses"`
}

type HostOverview struct {
	Total       int     `json:"total"`
	CPUs        float64 `json:"cpus"`
	MemoryBytes float64 `json:"memory_bytes"`
}

type EndpointOverview struct {
	Total   int `json:"total"`
	Offline int `json:"offline"`
}

type ImageOverview struct {
	Total    int `json:"total"`
	Dangling int `json:"dangling"`
}

type VolumeOverview struct {
	Total int `json:"total"`
}

// ResourceUsage is a container ranked by a resource metric. Score is set
// only for statistical outliers.
type ResourceUsage struct {
	Environment string  `json:"environment,omitempty"`
	Container   string  `json:"container"`
	Metric      string  `json:"metric,omitempty"`
	Percent     float64 `json:"percent"`
	Score       float64 `json:"score,omitempty"`
}

// LogHotspot is a container whose error log volume stands out.
type LogHotspot struct {
	Container string  `json:"container"`
	Errors    int     `json:"errors"`
	Total     int     `json:"total"`
	Score     float64 `json:"score"`
}

// JSON renders the overview deterministically. Map keys are sorted by
// encoding/json.
func (o Overview) JSON() string {
	data, err := json.Marshal(o)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// otherKey collects the counts folded away by Compact.
const otherKey = "other"

// Compact returns a copy with every list and count map capped at max
// entries, so its size no longer grows with the fleet. Counts beyond the cap
// are folded into an "other" bucket.
func (o Overview) Compact(max int) Overview {
	if max <= 0 {
		max = 1
	}
	c := o
	envs := o.Containers.Environments
	if len(envs) > max {
		c.Containers.Environments = append([]string(nil), envs[:max]...)
		c.Containers.MoreEnvironments = o.Containers.MoreEnvironments + len(envs) - max
	}
	c.Containers.ByState = capCounts(o.Containers.ByState, max)
	c.Stacks.Statuses = capCounts(o.Stacks.Statuses, max)
	c.TopCPU = capUsage(o.TopCPU, max)
	c.TopMemory = capUsage(o.TopMemory, max)
	c.ResourceOutliers = capUsage(o.ResourceOutliers, max)
	if len(o.LogHotspots) > max {
		c.LogHotspots = append([]LogHotspot(nil), o.LogHotspots[:max]...)
	}
	return c
}

// Headline is a one-line plain-text summary of the fleet totals.
func (o Overview) Headline() string {
	return fmt.Sprintf("%d containers (%d unhealthy, %d restarting) in %d environments, %d stacks, %d hosts, %d endpoints (%d offline).",
		o.Containers.Total, o.Containers.Unhealthy, o.Containers.Restarting,
		len(o.Containers.Environments)+o.Containers.MoreEnvironments,
		o.Stacks.Total, o.Hosts.Total, o.Endpoints.Total, o.Endpoints.Offline)
}

func capUsage(in []ResourceUsage, max int) []ResourceUsage {
	if len(in) <= max {
		return in
	}
	return append([]ResourceUsage(nil), in[:max]...)
}

// capCounts keeps the max-1 largest buckets (ties by name) and folds the
// rest into "other".
func capCounts(in map[string]int, max int) map[string]int {
	if len(in) <= max {
		return in
	}
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if in[keys[i]] != in[keys[j]] {
			return in[keys[i]] > in[keys[j]]
		}
		return keys[i] < keys[j]
	})
	keep := max - 1
	out := make(map[string]int, max)
	for _, k := range keys[:keep] {
		out[k] = in[k]
	}
	for _, k := range keys[keep:] {
		out[otherKey] += in[k]
	}
	return out
}
