package extractors

import (
	"math"
	"sort"
	"strings"

	"github.com/miradorstack/fleet-assistant/internal/models"
)

var errorLevels = map[string]struct{}{
	"error":    {},
	"err":      {},
	"fatal":    {},
	"critical": {},
	"crit":     {},
	"panic":    {},
}

// LogCount aggregates log rows for one container.
type LogCount struct {
	Container string
	Errors    int
	Total     int
}

// LogAnomaly is a container whose error volume spikes against the fleet median.
type LogAnomaly struct {
	Container string
	Errors    int
	Total     int
	Score     float64
}

// LogsExtractor spots error spikes per container.
type LogsExtractor struct{}

// NewLogsExtractor constructs a log anomaly detector.
func NewLogsExtractor() *LogsExtractor {
	return &LogsExtractor{}
}

// Count groups log rows by container_name, counting error-level lines.
func (e *LogsExtractor) Count(rows []models.Row) []LogCount {
	byContainer := make(map[string]*LogCount)
	for _, row := range rows {
		name := row.String("container_name")
		if name == "" {
			name = "unknown"
		}
		c, ok := byContainer[name]
		if !ok {
			c = &LogCount{Container: name}
			byContainer[name] = c
		}
		c.Total++
		if _, isErr := errorLevels[strings.ToLower(strings.TrimSpace(row.String("log_level")))]; isErr {
			c.Errors++
		}
	}

	counts := make([]LogCount, 0, len(byContainer))
	for _, c := range byContainer {
		counts = append(counts, *c)
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].Container < counts[j].Container })
	return counts
}

// Detect scores error counts by deviation from the median, normalised by the
// mean absolute deviation.
func (e *LogsExtractor) Detect(counts []LogCount) []LogAnomaly {
	if len(counts) == 0 {
		return nil
	}

	values := make([]float64, 0, len(counts))
	for _, c := range counts {
		values = append(values, float64(c.Errors))
	}

	median := percentile(values, 0.5)
	mad := meanAbsoluteDeviation(values, median)
	if mad == 0 {
		mad = 1
	}

	anomalies := make([]LogAnomaly, 0)
	for _, c := range counts {
		score := math.Abs(float64(c.Errors)-median) / mad
		switch {
		case c.Errors == 0:
			continue
		case score >= 3:
		case c.Errors > int(median*1.3):
			score = 3
		default:
			continue
		}
		anomalies = append(anomalies, LogAnomaly{
			Container: c.Container,
			Errors:    c.Errors,
			Total:     c.Total,
			Score:     score,
		})
	}

	sort.SliceStable(anomalies, func(i, j int) bool {
		if anomalies[i].Errors != anomalies[j].Errors {
			return anomalies[i].Errors > anomalies[j].Errors
		}
		return anomalies[i].Container < anomalies[j].Container
	})
	return anomalies
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Round(p * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func meanAbsoluteDeviation(values []float64, center float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += math.Abs(v - center)
	}
	return sum / float64(len(values))
}
