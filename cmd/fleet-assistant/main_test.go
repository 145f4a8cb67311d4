package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/miradorstack/fleet-assistant/internal/models"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if out := buf.String(); !strings.Contains(out, "fleet-assistant dev") {
		t.Errorf("expected output to contain 'fleet-assistant dev', got: %s", out)
	}
}

func TestAskRequiresQuestion(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"ask"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error without a question")
	}
}

// portainerServer serves one endpoint with two containers, one unhealthy.
func portainerServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	reply := func(path, body string) {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != "ptr_test" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, body)
		})
	}
	reply("/api/endpoints", `[{"Id":1,"Name":"local","Status":1,"Type":1}]`)
	reply("/api/endpoints/1/docker/containers/json", `[
		{"Id":"a1","Names":["/web"],"Image":"nginx","State":"running","Status":"Up 1 hour (unhealthy)"},
		{"Id":"b2","Names":["/worker"],"Image":"app","State":"running","Status":"Up 2 hours"}
	]`)
	reply("/api/stacks", `[{"Id":7,"Name":"shop","EndpointId":1,"Status":1,"Type":2}]`)
	reply("/api/edge/stacks", `[]`)
	reply("/api/endpoints/1/docker/info", `{"Name":"node1","NCPU":4,"MemTotal":8000000000}`)
	reply("/api/endpoints/1/docker/volumes", `{"Volumes":[]}`)
	reply("/api/endpoints/1/docker/images/json", `[]`)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeTestConfig(t *testing.T, portainerURL string) string {
	t.Helper()
	body := `
portainer:
  environments:
    - name: lab
      apiURL: ` + portainerURL + `
      apiKey: ptr_test
logging:
  level: error
`
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestAskWithoutLLMFallsBackToOverview(t *testing.T) {
	srv := portainerServer(t)
	path := writeTestConfig(t, srv.URL)

	cmd := newRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--config", path, "ask", "--json", "which", "containers", "are", "unhealthy?"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("ask failed: %v", err)
	}

	var turn models.ConversationTurn
	if err := json.Unmarshal(out.Bytes(), &turn); err != nil {
		t.Fatalf("decode turn: %v\n%s", err, out.String())
	}
	if !turn.DegradedNoLLM {
		t.Errorf("expected degraded turn without an llm endpoint")
	}
	if turn.Question != "which containers are unhealthy?" {
		t.Errorf("question = %q", turn.Question)
	}
	if !strings.Contains(turn.Answer, "2 containers (1 unhealthy") {
		t.Errorf("answer should summarise the snapshot, got: %s", turn.Answer)
	}
}

func TestOverviewCmd(t *testing.T) {
	srv := portainerServer(t)
	path := writeTestConfig(t, srv.URL)

	cmd := newRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--config", path, "overview", "--env", "lab"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("overview failed: %v", err)
	}

	var overview models.Overview
	if err := json.Unmarshal(out.Bytes(), &overview); err != nil {
		t.Fatalf("decode overview: %v\n%s", err, out.String())
	}
	if overview.Containers.Total != 2 || overview.Containers.Unhealthy != 1 {
		t.Errorf("unexpected containers: %+v", overview.Containers)
	}
	if overview.Stacks.Total != 1 {
		t.Errorf("stacks = %d", overview.Stacks.Total)
	}
}

func TestOverviewUnknownEnvironment(t *testing.T) {
	srv := portainerServer(t)
	path := writeTestConfig(t, srv.URL)

	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--config", path, "overview", "--env", "nowhere"})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for an unknown environment")
	}
}
