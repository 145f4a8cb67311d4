package repo

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/miradorstack/fleet-assistant/internal/models"
)

// Kibana size bounds for a single log search.
const (
	DefaultLogSize = 200
	maxLogSize     = 1000
)

// KibanaConfig configures the Elasticsearch search proxy reached through Kibana.
type KibanaConfig struct {
	Endpoint  string
	APIKey    string
	VerifySSL bool
	Timeout   time.Duration
}

// LogQuery selects container log lines for one agent host.
type LogQuery struct {
	Hostname   string
	Start      time.Time
	End        time.Time
	Container  string
	SearchTerm string
	Size       int
}

// KibanaClient searches docker container logs.
type KibanaClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewKibanaClient returns a client, or an error when endpoint or key is missing.
func NewKibanaClient(cfg KibanaConfig, httpClient *http.Client, logger *slog.Logger) (*KibanaClient, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("kibana endpoint is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("kibana api key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if !cfg.VerifySSL {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		httpClient = &http.Client{Timeout: timeout, Transport: transport}
	}
	return &KibanaClient{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// BuildLogsQuery returns the Elasticsearch DSL body for q, newest first.
func BuildLogsQuery(q LogQuery) map[string]any {
	must := []any{
		map[string]any{"exists": map[string]any{"field": "container.name"}},
		map[string]any{"term": map[string]any{"data_stream.dataset": "docker-container_logs"}},
		map[string]any{"term": map[string]any{"host.hostname.keyword": strings.TrimSpace(q.Hostname)}},
	}
	if c := strings.TrimSpace(q.Container); c != "" {
		must = append(must, map[string]any{"term": map[string]any{"container.name.keyword": c}})
	}
	if term := strings.TrimSpace(q.SearchTerm); term != "" {
		must = append(must, map[string]any{"match_phrase": map[string]any{"message": term}})
	}

	size := q.Size
	if size <= 0 {
		size = DefaultLogSize
	}
	if size > maxLogSize {
		size = maxLogSize
	}

	return map[string]any{
		"size": size,
		"sort": []any{map[string]any{"@timestamp": map[string]any{"order": "desc"}}},
		"query": map[string]any{
			"bool": map[string]any{
				"must": must,
				"filter": []any{map[string]any{
					"range": map[string]any{"@timestamp": map[string]any{
						"gte": q.Start.UTC().Format(time.RFC3339),
						"lte": q.End.UTC().Format(time.RFC3339),
					}},
				}},
			},
		},
	}
}

type searchResponse struct {
	StatusCode any    `json:"statusCode"`
	Error      any    `json:"error"`
	Message    string `json:"message"`
	Hits       struct {
		Hits []struct {
			Source map[string]any `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// FetchLogs runs q and returns logs rows tagged with environment.
func (c *KibanaClient) FetchLogs(ctx context.Context, environment string, q LogQuery) ([]models.Row, error) {
	if strings.TrimSpace(q.Hostname) == "" {
		return nil, errors.New("kibana log query: hostname is required")
	}
	body, err := json.Marshal(BuildLogsQuery(q))
	if err != nil {
		return nil, fmt.Errorf("marshal kibana query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "ApiKey "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("kbn-xsrf", "fleet-assistant")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kibana request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("kibana returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var payload searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode kibana response: %w", err)
	}
	if code, ok := asInt(payload.StatusCode); ok && code >= 400 {
		return nil, fmt.Errorf("kibana returned an error response: %s", firstNonEmpty(payload.Message, asString(payload.Error), fmt.Sprint(code)))
	}
	if payload.Error != nil && payload.Message != "" {
		return nil, fmt.Errorf("kibana returned an error response: %s", payload.Message)
	}

	rows := make([]models.Row, 0, len(payload.Hits.Hits))
	for _, hit := range payload.Hits.Hits {
		if hit.Source == nil {
			continue
		}
		rows = append(rows, LogRow(environment, hit.Source))
	}
	return rows, nil
}

// LogRow maps an Elasticsearch document to a logs row. Both nested and
// dotted field layouts are accepted.
func LogRow(environment string, src map[string]any) models.Row {
	container := firstNonEmpty(
		asString(nested(src, "container", "name")),
		asString(nested(src, "container", "id")),
		asString(nested(src, "container", "image")),
		asString(src["container.name"]),
	)
	host := firstNonEmpty(
		asString(nested(src, "host", "hostname")),
		asString(nested(src, "host", "name")),
		asString(src["host.hostname"]),
	)
	level := firstNonEmpty(asString(nested(src, "log", "level")), asString(src["log.level"]))
	return models.Row{
		"environment_name": environment,
		"timestamp":        nilIfEmpty(asString(src["@timestamp"])),
		"agent_hostname":   nilIfEmpty(host),
		"container_name":   nilIfEmpty(container),
		"log_level":        nilIfEmpty(level),
		"message":          asString(src["message"]),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
