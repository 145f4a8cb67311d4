package repo

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildLogsQueryClampsSize(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	q := BuildLogsQuery(LogQuery{Hostname: "edge-01", Start: start, End: start.Add(time.Hour), Container: "web", Size: 5000})
	assert.Equal(t, 1000, q["size"])

	must := q["query"].(map[string]any)["bool"].(map[string]any)["must"].([]any)
	assert.Len(t, must, 4)

	q = BuildLogsQuery(LogQuery{Hostname: "edge-01", Start: start, End: start, Size: -3})
	assert.Equal(t, DefaultLogSize, q["size"])
}

func TestKibanaFetchLogs(t *testing.T) {
	var body map[string]any
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "ApiKey k1", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("kbn-xsrf"))
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		return jsonResponse(http.StatusOK, `{"hits":{"hits":[
			{"_source":{"@timestamp":"2025-03-01T10:00:00Z","message":"boom","container":{"name":"api"},"host":{"hostname":"edge-01"},"log":{"level":"error"}}},
			{"_source":{"@timestamp":"2025-03-01T09:59:00Z","message":"ok","container.name":"web","host.hostname":"edge-01","log.level":"info"}}
		]}}`), nil
	})
	client, err := NewKibanaClient(KibanaConfig{Endpoint: "https://kibana.local/api/console/proxy?path=logs-*/_search&method=GET", APIKey: "k1"}, newTestClient(rt), nil)
	require.NoError(t, err)

	rows, err := client.FetchLogs(context.Background(), "prod", LogQuery{Hostname: "edge-01", End: time.Now()})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "api", rows[0]["container_name"])
	assert.Equal(t, "error", rows[0]["log_level"])
	assert.Equal(t, "web", rows[1]["container_name"])
	assert.Equal(t, "prod", rows[1]["environment_name"])
	assert.EqualValues(t, DefaultLogSize, body["size"])
}

func TestKibanaErrorEnvelope(t *testing.T) {
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"statusCode":403,"error":"Forbidden","message":"missing privileges"}`), nil
	})
	client, err := NewKibanaClient(KibanaConfig{Endpoint: "https://kibana.local", APIKey: "k"}, newTestClient(rt), nil)
	require.NoError(t, err)

	_, err = client.FetchLogs(context.Background(), "prod", LogQuery{Hostname: "h"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing privileges")
}

func TestNewKibanaClientValidates(t *testing.T) {
	_, err := NewKibanaClient(KibanaConfig{APIKey: "k"}, nil, nil)
	assert.Error(t, err)
	_, err = NewKibanaClient(KibanaConfig{Endpoint: "https://kibana.local"}, nil, nil)
	assert.Error(t, err)
}
