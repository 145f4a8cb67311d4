package extractors

import (
	"math"
	"sort"
)

// Sample is one container's value for a resource metric.
type Sample struct {
	Environment string
	Label       string
	Value       float64
}

// Outlier is a sample whose z-score meets the threshold.
type Outlier struct {
	Sample
	Score     float64
	Threshold float64
}

// MetricExtractor flags resource outliers across a fleet using z-scores.
type MetricExtractor struct {
	minSamples int
}

// NewMetricExtractor creates a metrics outlier detector.
func NewMetricExtractor() *MetricExtractor {
	return &MetricExtractor{minSamples: 3}
}

// Detect returns samples scoring at or above threshold, highest first.
// Fewer than three samples never produce outliers.
func (e *MetricExtractor) Detect(samples []Sample, threshold float64) []Outlier {
	if len(samples) < e.minSamples {
		return nil
	}
	if threshold <= 0 {
		threshold = 2.5
	}

	mean := 0.0
	for _, s := range samples {
		mean += s.Value
	}
	mean /= float64(len(samples))

	variance := 0.0
	for _, s := range samples {
		variance += math.Pow(s.Value-mean, 2)
	}
	stdDev := math.Sqrt(variance / float64(len(samples)))
	if stdDev == 0 {
		return nil
	}

	outliers := make([]Outlier, 0)
	for _, s := range samples {
		score := (s.Value - mean) / stdDev
		if score >= threshold {
			outliers = append(outliers, Outlier{Sample: s, Score: score, Threshold: threshold})
		}
	}

	sort.SliceStable(outliers, func(i, j int) bool {
		if outliers[i].Score != outliers[j].Score {
			return outliers[i].Score > outliers[j].Score
		}
		return outliers[i].Label < outliers[j].Label
	})
	return outliers
}
