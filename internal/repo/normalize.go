package repo

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/miradorstack/fleet-assistant/internal/models"
	"github.com/miradorstack/fleet-assistant/internal/utils"
)

// Portainer and Docker payloads are loosely typed and vary in key casing
// between versions, so normalization works on decoded maps.

var endpointTypes = map[int64]string{
	1: "docker",
	2: "docker-agent",
	3: "azure",
	4: "edge-agent",
	5: "kubernetes",
	6: "kubernetes-agent",
	7: "kubernetes-edge-agent",
}

var stackTypes = map[int64]string{1: "swarm", 2: "compose", 3: "kubernetes"}

var stackStatuses = map[int64]string{1: "active", 2: "inactive"}

// endpointRef identifies an endpoint while normalizing its children.
type endpointRef struct {
	environment string
	id          int64
	name        string
}

func refOf(environment string, endpoint map[string]any) endpointRef {
	id, _ := asInt(firstPresent(endpoint, "Id", "ID", "id"))
	return endpointRef{environment: environment, id: id, name: asString(firstPresent(endpoint, "Name", "name"))}
}

// EndpointRow maps a Portainer endpoint to an endpoints row.
func EndpointRow(environment string, endpoint map[string]any) models.Row {
	ref := refOf(environment, endpoint)
	status := "unknown"
	if code, ok := asInt(firstPresent(endpoint, "Status", "status")); ok {
		switch code {
		case 1:
			status = "up"
		case 2:
			status = "down"
		}
	}
	var typ any
	if code, ok := asInt(firstPresent(endpoint, "Type", "type")); ok {
		if name, known := endpointTypes[code]; known {
			typ = name
		} else {
			typ = strconv.FormatInt(code, 10)
		}
	}
	return models.Row{
		"environment_name": environment,
		"endpoint_id":      ref.id,
		"endpoint_name":    nilIfEmpty(ref.name),
		"status":           status,
		"endpoint_type":    typ,
		"group_id":         intOrNil(firstPresent(endpoint, "GroupId", "GroupID", "groupId")),
		"url":              nilIfEmpty(asString(firstPresent(endpoint, "URL", "Url", "url"))),
	}
}

// ContainerRow maps a Docker container list entry to a containers row.
func ContainerRow(ref endpointRef, container map[string]any) models.Row {
	labels, _ := container["Labels"].(map[string]any)
	stack := asString(labels["com.docker.compose.project"])
	if stack == "" {
		stack = asString(labels["com.docker.stack.namespace"])
	}
	return models.Row{
		"environment_name": ref.environment,
		"endpoint_name":    nilIfEmpty(ref.name),
		"container_id":     nilIfEmpty(asString(firstPresent(container, "Id", "ID", "id"))),
		"container_name":   nilIfEmpty(containerName(container)),
		"image":            nilIfEmpty(asString(firstPresent(container, "Image", "ImageID"))),
		"stack_name":       nilIfEmpty(stack),
		"state":            nilIfEmpty(asString(container["State"])),
		"status":           nilIfEmpty(asString(container["Status"])),
		"restart_count":    intOrNil(container["RestartCount"]),
		"ports":            nilIfEmpty(portSummary(container["Ports"])),
		"created":          timestampOrNil(container["Created"]),
	}
}

// ContainerHealthRow combines inspect and stats documents into a
// container_health row. Either document may be nil.
func ContainerHealthRow(ref endpointRef, name string, inspect, stats map[string]any) models.Row {
	state, _ := inspect["State"].(map[string]any)
	health, _ := state["Health"].(map[string]any)
	if n := strings.TrimPrefix(asString(inspect["Name"]), "/"); n != "" {
		name = n
	}
	row := models.Row{
		"environment_name": ref.environment,
		"endpoint_name":    nilIfEmpty(ref.name),
		"container_name":   nilIfEmpty(name),
		"health_status":    nilIfEmpty(asString(health["Status"])),
		"last_exit_code":   intOrNil(state["ExitCode"]),
		"last_finished_at": timestampOrNil(state["FinishedAt"]),
		"cpu_percent":      nil,
		"memory_percent":   nil,
	}
	if v, ok := CPUPercent(stats); ok {
		row["cpu_percent"] = v
	}
	if v, ok := MemoryPercent(stats); ok {
		row["memory_percent"] = v
	}
	return row
}

// CPUPercent computes CPU usage the way the Docker CLI does, capped at
// 100% per online CPU.
func CPUPercent(stats map[string]any) (float64, bool) {
	cpu, _ := stats["cpu_stats"].(map[string]any)
	pre, _ := stats["precpu_stats"].(map[string]any)
	if cpu == nil || pre == nil {
		return 0, false
	}
	total, ok1 := asFloat(nested(cpu, "cpu_usage", "total_usage"))
	preTotal, ok2 := asFloat(nested(pre, "cpu_usage", "total_usage"))
	system, ok3 := asFloat(cpu["system_cpu_usage"])
	preSystem, ok4 := asFloat(pre["system_cpu_usage"])
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return 0, false
	}
	cpuDelta, systemDelta := total-preTotal, system-preSystem
	if systemDelta <= 0 || cpuDelta < 0 {
		return 0, false
	}
	cpus, ok := asFloat(cpu["online_cpus"])
	if !ok || cpus <= 0 {
		cpus = 1
		if per, isList := nested(cpu, "cpu_usage", "percpu_usage").([]any); isList && len(per) > 0 {
			cpus = float64(len(per))
		}
	}
	return round2(math.Min(cpuDelta/systemDelta*cpus*100, 100*cpus)), true
}

// MemoryPercent computes memory usage against the limit, excluding page cache.
func MemoryPercent(stats map[string]any) (float64, bool) {
	mem, _ := stats["memory_stats"].(map[string]any)
	usage, ok1 := asFloat(mem["usage"])
	limit, ok2 := asFloat(mem["limit"])
	if !ok1 || !ok2 || limit <= 0 {
		return 0, false
	}
	if cached, ok := asFloat(nested(mem, "stats", "cache")); ok {
		usage -= cached
	}
	if usage < 0 {
		usage = 0
	}
	return round2(usage / limit * 100), true
}

// StackRows maps the stacks assigned to an endpoint. Stacks without any
// endpoint metadata are attributed to the endpoint only when none carry it.
func StackRows(ref endpointRef, stacks []map[string]any) []models.Row {
	targeted := make([]map[string]any, 0, len(stacks))
	for _, s := range stacks {
		if stackTargets(s, ref.id) {
			targeted = append(targeted, s)
		}
	}
	if len(targeted) == 0 {
		for _, s := range stacks {
			if !stackHasEndpoint(s) {
				targeted = append(targeted, s)
			}
		}
	}

	rows := make([]models.Row, 0, len(targeted))
	for _, s := range targeted {
		rows = append(rows, models.Row{
			"environment_name": ref.environment,
			"endpoint_name":    nilIfEmpty(ref.name),
			"stack_id":         intOrNil(firstPresent(s, "Id", "ID", "id")),
			"stack_name":       nilIfEmpty(asString(firstPresent(s, "Name", "name"))),
			"stack_status":     enumOrNil(firstPresent(s, "Status", "status"), stackStatuses),
			"stack_type":       enumOrNil(firstPresent(s, "Type", "type"), stackTypes),
			"created_at":       timestampOrNil(firstPresent(s, "CreationDate", "creationDate")),
			"updated_at":       timestampOrNil(firstPresent(s, "UpdateDate", "updateDate")),
		})
	}
	return rows
}

var endpointKeys = []string{"EndpointId", "EndpointID", "endpointId", "endpointID"}

func stackTargets(stack map[string]any, endpointID int64) bool {
	for _, k := range endpointKeys {
		if id, ok := asInt(stack[k]); ok && id == endpointID {
			return true
		}
	}
	info, _ := firstPresent(stack, "DeploymentInfo", "deploymentInfo").(map[string]any)
	for key, v := range info {
		if id, ok := asInt(key); ok && id == endpointID {
			return true
		}
		if inner, isMap := v.(map[string]any); isMap {
			for _, k := range endpointKeys {
				if id, ok := asInt(inner[k]); ok && id == endpointID {
					return true
				}
			}
		}
	}
	return false
}

func stackHasEndpoint(stack map[string]any) bool {
	for _, k := range endpointKeys {
		if _, ok := asInt(stack[k]); ok {
			return true
		}
	}
	info, _ := firstPresent(stack, "DeploymentInfo", "deploymentInfo").(map[string]any)
	for key, v := range info {
		if _, ok := asInt(key); ok {
			return true
		}
		if inner, isMap := v.(map[string]any); isMap {
			for _, k := range endpointKeys {
				if _, ok := asInt(inner[k]); ok {
					return true
				}
			}
		}
	}
	return false
}

// HostRow maps docker info to a hosts row.
func HostRow(ref endpointRef, info map[string]any) models.Row {
	return models.Row{
		"environment_name": ref.environment,
		"endpoint_name":    nilIfEmpty(ref.name),
		"host_name":        nilIfEmpty(asString(info["Name"])),
		"total_cpus":       intOrNil(info["NCPU"]),
		"total_memory":     intOrNil(info["MemTotal"]),
		"architecture":     nilIfEmpty(asString(info["Architecture"])),
		"docker_version":   nilIfEmpty(asString(info["ServerVersion"])),
	}
}

// VolumeRow maps a Docker volume to a volumes row.
func VolumeRow(ref endpointRef, volume map[string]any) models.Row {
	return models.Row{
		"environment_name": ref.environment,
		"endpoint_name":    nilIfEmpty(ref.name),
		"volume_name":      nilIfEmpty(asString(volume["Name"])),
		"driver":           nilIfEmpty(asString(volume["Driver"])),
		"scope":            nilIfEmpty(asString(volume["Scope"])),
		"mountpoint":       nilIfEmpty(asString(volume["Mountpoint"])),
	}
}

// ImageRow maps a Docker image summary to an images row. Images without a
// tag are referenced by digest.
func ImageRow(ref endpointRef, image map[string]any) models.Row {
	reference := firstListString(image["RepoTags"])
	if reference == "" || reference == "<none>:<none>" {
		if digest := firstListString(image["RepoDigests"]); digest != "" {
			reference = digest
		}
	}
	var dangling any
	if v, ok := image["Dangling"].(bool); ok {
		dangling = v
	} else if tags, isList := image["RepoTags"].([]any); isList {
		dangling = len(tags) == 0 || (len(tags) == 1 && asString(tags[0]) == "<none>:<none>")
	}
	size := intOrNil(image["Size"])
	if size == nil {
		size = intOrNil(image["VirtualSize"])
	}
	return models.Row{
		"environment_name": ref.environment,
		"endpoint_name":    nilIfEmpty(ref.name),
		"image_id":         nilIfEmpty(asString(firstPresent(image, "Id", "ID"))),
		"reference":        nilIfEmpty(reference),
		"size":             size,
		"created_at":       timestampOrNil(image["Created"]),
		"dangling":         dangling,
	}
}

func containerName(container map[string]any) string {
	if names, ok := container["Names"].([]any); ok && len(names) > 0 {
		return strings.TrimPrefix(asString(names[0]), "/")
	}
	return asString(firstPresent(container, "Name", "name"))
}

func portSummary(raw any) string {
	ports, ok := raw.([]any)
	if !ok {
		return ""
	}
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		port, isMap := p.(map[string]any)
		if !isMap {
			continue
		}
		private, ok := asInt(port["PrivatePort"])
		if !ok {
			continue
		}
		entry := strconv.FormatInt(private, 10)
		if public, ok := asInt(port["PublicPort"]); ok && public > 0 {
			entry = fmt.Sprintf("%d->%d", public, private)
		}
		if typ := asString(port["Type"]); typ != "" {
			entry += "/" + typ
		}
		parts = append(parts, entry)
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func nested(m map[string]any, keys ...string) any {
	var cur any = m
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[k]
	}
	return cur
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func asInt(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case json.Number:
		f, err := t.Float64()
		return int64(f), err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return int64(f), err == nil
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func intOrNil(v any) any {
	if i, ok := asInt(v); ok {
		return i
	}
	return nil
}

func enumOrNil(v any, names map[int64]string) any {
	code, ok := asInt(v)
	if !ok {
		return nilIfEmpty(asString(v))
	}
	if name, known := names[code]; known {
		return name
	}
	return strconv.FormatInt(code, 10)
}

// timestampOrNil renders unix seconds or RFC 3339 text as RFC 3339 UTC.
// Docker's zero time means "never" and becomes nil.
func timestampOrNil(v any) any {
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		return nilIfEmpty(utils.FormatDockerTime(s))
	}
	if secs, ok := asInt(v); ok && secs > 0 {
		return utils.FormatUnix(secs)
	}
	return nil
}

func firstListString(v any) string {
	if list, ok := v.([]any); ok && len(list) > 0 {
		return asString(list[0])
	}
	return ""
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// hostnameOf extracts the host part of an endpoint URL such as tcp://10.0.0.5:9001.
func hostnameOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	candidate := raw
	if !strings.Contains(candidate, "://") {
		candidate = "tcp://" + candidate
	}
	if u, err := url.Parse(candidate); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	if i := strings.Index(raw, ":"); i > 0 && !strings.Contains(raw, "//") {
		return raw[:i]
	}
	return raw
}
