package extractors

import (
	"testing"

	"github.com/miradorstack/fleet-assistant/internal/models"
)

func TestMetricExtractorDetect(t *testing.T) {
	extractor := NewMetricExtractor()

	samples := make([]Sample, 0, 10)
	for i := 0; i < 9; i++ {
		samples = append(samples, Sample{Label: string(rune('a' + i)), Value: 5})
	}
	samples = append(samples, Sample{Label: "hog", Value: 95})

	outliers := extractor.Detect(samples, 2.5)
	if len(outliers) != 1 {
		t.Fatalf("expected one outlier, got %+v", outliers)
	}
	if outliers[0].Label != "hog" {
		t.Fatalf("expected hog to be flagged, got %s", outliers[0].Label)
	}
}

func TestMetricExtractorNeedsSamples(t *testing.T) {
	extractor := NewMetricExtractor()
	if got := extractor.Detect([]Sample{{Label: "a", Value: 1}, {Label: "b", Value: 99}}, 1); got != nil {
		t.Fatalf("expected no outliers for two samples, got %+v", got)
	}
	flat := []Sample{{Label: "a", Value: 3}, {Label: "b", Value: 3}, {Label: "c", Value: 3}}
	if got := extractor.Detect(flat, 1); got != nil {
		t.Fatalf("expected no outliers for flat series, got %+v", got)
	}
}

func TestLogsExtractorDetect(t *testing.T) {
	extractor := NewLogsExtractor()

	rows := make([]models.Row, 0)
	for _, name := range []string{"api", "web", "worker", "cron"} {
		rows = append(rows, models.Row{"container_name": name, "log_level": "info"})
	}
	for i := 0; i < 25; i++ {
		rows = append(rows, models.Row{"container_name": "db", "log_level": "ERROR"})
	}

	counts := extractor.Count(rows)
	if len(counts) != 5 {
		t.Fatalf("expected 5 containers, got %d", len(counts))
	}

	anomalies := extractor.Detect(counts)
	if len(anomalies) != 1 || anomalies[0].Container != "db" || anomalies[0].Errors != 25 {
		t.Fatalf("expected db hotspot, got %+v", anomalies)
	}
}

func TestLogsExtractorQuietFleet(t *testing.T) {
	extractor := NewLogsExtractor()
	counts := []LogCount{{Container: "a", Errors: 2, Total: 10}, {Container: "b", Errors: 2, Total: 10}, {Container: "c", Errors: 2, Total: 10}}
	if got := extractor.Detect(counts); len(got) != 0 {
		t.Fatalf("expected no anomalies, got %+v", got)
	}
}
