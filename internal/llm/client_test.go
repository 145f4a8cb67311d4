package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/fleet-assistant/internal/models"
)

func completionBody(content string) map[string]any {
	return map[string]any{
		"id":     "cmpl-1",
		"object": "chat.completion",
		"model":  "gpt-oss",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 3, "total_tokens": 13},
	}
}

func newTestClient(t *testing.T, srv *httptest.Server, retries int) *OpenAIClient {
	t.Helper()
	client, err := NewOpenAIClient(Config{Endpoint: srv.URL + "/v1/chat/completions", Token: "secret", MaxRetries: retries}, nil)
	require.NoError(t, err)
	client.backoff = func(int) time.Duration { return 0 }
	return client
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "https://llm.local/v1", BaseURL("https://llm.local/v1/chat/completions"))
	assert.Equal(t, "https://llm.local/v1", BaseURL(" https://llm.local/v1/ "))
	assert.Equal(t, "", BaseURL(""))
}

func TestNewOpenAIClientRequiresEndpoint(t *testing.T) {
	_, err := NewOpenAIClient(Config{}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestCompleteSendsMessages(t *testing.T) {
	var got struct {
		Model     string               `json:"model"`
		MaxTokens int                  `json:"max_tokens"`
		Messages  []models.ChatMessage `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completionBody(`[{"table":"containers"}]`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, 0)
	out, err := client.Complete(context.Background(), []models.ChatMessage{
		{Role: "system", Content: "plan"},
		{Role: "user", Content: "what is down?"},
	}, Options{Stage: "plan", MaxTokens: 600})
	require.NoError(t, err)

	assert.Equal(t, `[{"table":"containers"}]`, out)
	assert.Equal(t, "gpt-oss", got.Model)
	assert.Equal(t, 600, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "what is down?", got.Messages[1].Content)
}

func TestCompleteRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completionBody("ok"))
	}))
	defer srv.Close()

	out, err := newTestClient(t, srv, 3).Complete(context.Background(), []models.ChatMessage{{Role: "user", Content: "hi"}}, Options{Stage: "answer"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, 3).Complete(context.Background(), []models.ChatMessage{{Role: "user", Content: "hi"}}, Options{Stage: "plan"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCompleteNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, 0).Complete(context.Background(), []models.ChatMessage{{Role: "user", Content: "hi"}}, Options{})
	assert.True(t, errors.Is(err, ErrNoChoices))
}
