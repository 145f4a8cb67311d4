package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/fleet-assistant/internal/hub"
	"github.com/miradorstack/fleet-assistant/internal/models"
	"github.com/miradorstack/fleet-assistant/internal/services"
	"github.com/miradorstack/fleet-assistant/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeAssistant struct {
	askErr      error
	overviewErr error
	lastSession string
	lastAsk     services.AskOptions
	lastEnvs    []string
}

func (f *fakeAssistant) Ask(_ context.Context, sessionID string, opts services.AskOptions) (models.ConversationTurn, error) {
	f.lastSession = sessionID
	f.lastAsk = opts
	if f.askErr != nil {
		return models.ConversationTurn{}, f.askErr
	}
	return models.ConversationTurn{
		ID:        "turn-1",
		SessionID: sessionID,
		Question:  opts.Question,
		Answer:    "4 containers are unhealthy",
		Plan:      []models.QueryRequest{{Table: models.TableContainers}},
		States:    []string{"planning", "answering", "done"},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}, nil
}

func (f *fakeAssistant) Overview(_ context.Context, sessionID string) (models.Overview, error) {
	f.lastSession = sessionID
	if f.overviewErr != nil {
		return models.Overview{}, f.overviewErr
	}
	return models.Overview{Containers: models.ContainerOverview{Total: 10, Unhealthy: 4}}, nil
}

func (f *fakeAssistant) Refresh(_ context.Context, sessionID string, envs []string) (services.RefreshResult, error) {
	f.lastSession = sessionID
	f.lastEnvs = envs
	return services.RefreshResult{SessionID: sessionID, Environments: []string{"prod"}}, nil
}

func (f *fakeAssistant) ExportJSON(_ context.Context, sessionID string) ([]byte, error) {
	return []byte(`[{"id":"turn-1"}]`), nil
}

func (f *fakeAssistant) ExportCSV(_ context.Context, sessionID string) ([]byte, error) {
	return []byte("turn_id\nturn-1\n"), nil
}

func (f *fakeAssistant) Catalog() []hub.TableSpec {
	return hub.DefaultCatalog().Specs()
}

func (f *fakeAssistant) Environments() []string {
	return []string{"prod", "staging"}
}

func serve(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	w := serve(t, NewRouter(&fakeAssistant{}, nil), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestAskEndpoint(t *testing.T) {
	fake := &fakeAssistant{}
	router := NewRouter(fake, nil)

	w := serve(t, router, http.MethodPost, "/api/v1/sessions/s1/ask",
		`{"question":"which containers are unhealthy?","environments":["prod"],"token_budget":2000,"row_limit":10}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, "s1", fake.lastSession)
	assert.Equal(t, "which containers are unhealthy?", fake.lastAsk.Question)
	assert.Equal(t, []string{"prod"}, fake.lastAsk.Environments)
	assert.Equal(t, 2000, fake.lastAsk.TokenBudget)
	assert.Equal(t, 10, fake.lastAsk.RowLimit)

	var turn models.ConversationTurn
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &turn))
	assert.Equal(t, "turn-1", turn.ID)
	assert.Equal(t, "4 containers are unhealthy", turn.Answer)
}

func TestAskEndpointRejectsBadBody(t *testing.T) {
	w := serve(t, NewRouter(&fakeAssistant{}, nil), http.MethodPost, "/api/v1/sessions/s1/ask", `{"question":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "error")
}

func TestErrorKindsMapToStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", utils.InvalidInput("assistant.Ask", "question is required", nil), http.StatusBadRequest},
		{"not found", utils.NotFound("assistant.Ask", "no such session", nil), http.StatusNotFound},
		{"unavailable", utils.Unavailable("assistant.Ask", "portainer unreachable", nil), http.StatusServiceUnavailable},
		{"internal", fmt.Errorf("boom"), http.StatusInternalServerError},
		{"deadline", fmt.Errorf("ask: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := NewRouter(&fakeAssistant{askErr: tc.err}, nil)
			w := serve(t, router, http.MethodPost, "/api/v1/sessions/s1/ask", `{"question":"q"}`)
			assert.Equal(t, tc.want, w.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestOverviewEndpoint(t *testing.T) {
	w := serve(t, NewRouter(&fakeAssistant{}, nil), http.MethodGet, "/api/v1/sessions/s1/overview", "")
	require.Equal(t, http.StatusOK, w.Code)

	var overview models.Overview
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &overview))
	assert.Equal(t, 10, overview.Containers.Total)
	assert.Equal(t, 4, overview.Containers.Unhealthy)
}

func TestRefreshEndpoint(t *testing.T) {
	fake := &fakeAssistant{}
	router := NewRouter(fake, nil)

	w := serve(t, router, http.MethodPost, "/api/v1/sessions/s1/refresh", `{"environments":["prod"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"prod"}, fake.lastEnvs)

	w = serve(t, router, http.MethodPost, "/api/v1/sessions/s2/refresh", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, fake.lastEnvs)
	assert.Equal(t, "s2", fake.lastSession)
}

func TestRefreshEndpointAcceptsChunkedEmptyBody(t *testing.T) {
	fake := &fakeAssistant{}
	router := NewRouter(fake, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s3/refresh", strings.NewReader(""))
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "s3", fake.lastSession)
	assert.Nil(t, fake.lastEnvs)

	w = serve(t, router, http.MethodPost, "/api/v1/sessions/s3/refresh", `{"environments":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTranscriptFormats(t *testing.T) {
	router := NewRouter(&fakeAssistant{}, nil)

	w := serve(t, router, http.MethodGet, "/api/v1/sessions/s1/transcript", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	assert.JSONEq(t, `[{"id":"turn-1"}]`, w.Body.String())

	w = serve(t, router, http.MethodGet, "/api/v1/sessions/s1/transcript?format=csv", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, w.Header().Get("Content-Disposition"), "s1.csv")

	w = serve(t, router, http.MethodGet, "/api/v1/sessions/s1/transcript?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCatalogEndpoint(t *testing.T) {
	w := serve(t, NewRouter(&fakeAssistant{}, nil), http.MethodGet, "/api/v1/catalog", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Tables []struct {
			Name    string   `json:"name"`
			Columns []string `json:"columns"`
		} `json:"tables"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.Tables)

	names := make([]string, 0, len(body.Tables))
	for _, table := range body.Tables {
		names = append(names, table.Name)
		assert.NotEmpty(t, table.Columns)
	}
	assert.Contains(t, names, string(models.TableContainers))
}
