package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

type container struct {
	ID     string
	Name   string
	Image  string
	State  string
	Status string
	Stack  string
	CPU    uint64
	Memory uint64
}

var containers = []container{
	{ID: "c0ffee01", Name: "shop-web", Image: "nginx:1.27", State: "running", Status: "Up 3 hours (healthy)", Stack: "shop", CPU: 120, Memory: 64 << 20},
	{ID: "c0ffee02", Name: "shop-api", Image: "shop/api:2.4.1", State: "running", Status: "Up 3 hours (unhealthy)", Stack: "shop", CPU: 910, Memory: 900 << 20},
	{ID: "c0ffee03", Name: "shop-worker", Image: "shop/worker:2.4.1", State: "restarting", Status: "Restarting (1) 12 seconds ago", Stack: "shop", CPU: 0, Memory: 0},
	{ID: "c0ffee04", Name: "postgres", Image: "postgres:16", State: "running", Status: "Up 9 days", Stack: "data", CPU: 300, Memory: 1500 << 20},
	{ID: "c0ffee05", Name: "backup", Image: "restic/restic", State: "exited", Status: "Exited (0) 2 hours ago", Stack: "data", CPU: 0, Memory: 0},
}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/endpoints", func(w http.ResponseWriter, r *http.Request) {
		if !enforceKey(w, r) {
			return
		}
		writeJSON(w, []map[string]any{
			{"Id": 1, "Name": "local", "Status": 1, "Type": 1, "URL": "unix:///var/run/docker.sock"},
			{"Id": 2, "Name": "edge-site-7", "Status": 2, "Type": 4, "URL": "tcp://10.20.0.7:9001"},
		})
	})

	mux.HandleFunc("/api/stacks", func(w http.ResponseWriter, r *http.Request) {
		if !enforceKey(w, r) {
			return
		}
		writeJSON(w, []map[string]any{
			{"Id": 3, "Name": "shop", "EndpointId": 1, "Status": 1, "Type": 2, "CreationDate": time.Now().Add(-72 * time.Hour).Unix()},
			{"Id": 4, "Name": "data", "EndpointId": 1, "Status": 1, "Type": 2, "CreationDate": time.Now().Add(-240 * time.Hour).Unix()},
		})
	})
	mux.HandleFunc("/api/edge/stacks", func(w http.ResponseWriter, r *http.Request) {
		if !enforceKey(w, r) {
			return
		}
		writeJSON(w, []map[string]any{})
	})

	mux.HandleFunc("/api/endpoints/1/docker/", func(w http.ResponseWriter, r *http.Request) {
		if !enforceKey(w, r) {
			return
		}
		dockerAPI(w, strings.TrimPrefix(r.URL.Path, "/api/endpoints/1/docker"))
	})

	mux.HandleFunc("/v1/chat/completions", chatCompletions)

	logger := log.New(log.Writer(), "portainer-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:              ":9000",
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Println("listening on :9000")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func dockerAPI(w http.ResponseWriter, path string) {
	switch {
	case path == "/containers/json":
		out := make([]map[string]any, 0, len(containers))
		for _, c := range containers {
			out = append(out, map[string]any{
				"Id":      c.ID,
				"Names":   []string{"/" + c.Name},
				"Image":   c.Image,
				"State":   c.State,
				"Status":  c.Status,
				"Created": time.Now().Add(-24 * time.Hour).Unix(),
				"Labels":  map[string]string{"com.docker.compose.project": c.Stack},
				"Ports":   []map[string]any{{"PrivatePort": 80, "PublicPort": 8080, "Type": "tcp"}},
			})
		}
		writeJSON(w, out)
	case path == "/info":
		writeJSON(w, map[string]any{
			"Name": "docker-01", "NCPU": 8, "MemTotal": 16 << 30, "ServerVersion": "27.3.1",
			"OperatingSystem": "Ubuntu 24.04 LTS", "Containers": len(containers), "ContainersRunning": 3,
		})
	case path == "/volumes":
		writeJSON(w, map[string]any{"Volumes": []map[string]any{
			{"Name": "pgdata", "Driver": "local", "Mountpoint": "/var/lib/docker/volumes/pgdata/_data"},
		}})
	case path == "/images/json":
		writeJSON(w, []map[string]any{
			{"Id": "sha256:aa11", "RepoTags": []string{"nginx:1.27"}, "Size": 192 << 20, "Created": time.Now().Add(-600 * time.Hour).Unix()},
			{"Id": "sha256:bb22", "RepoTags": []string{"<none>:<none>"}, "Size": 80 << 20, "Created": time.Now().Add(-900 * time.Hour).Unix()},
		})
	case strings.HasPrefix(path, "/containers/"):
		rest := strings.TrimPrefix(path, "/containers/")
		id, action, _ := strings.Cut(rest, "/")
		c, ok := lookup(id)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch action {
		case "json":
			health := "healthy"
			if strings.Contains(c.Status, "unhealthy") {
				health = "unhealthy"
			}
			writeJSON(w, map[string]any{
				"Name":         "/" + c.Name,
				"RestartCount": map[bool]int{true: 14, false: 0}[c.State == "restarting"],
				"State":        map[string]any{"Status": c.State, "ExitCode": 0, "Health": map[string]any{"Status": health}},
			})
		case "stats":
			writeJSON(w, map[string]any{
				"cpu_stats":    map[string]any{"cpu_usage": map[string]any{"total_usage": 1000 + c.CPU}, "system_cpu_usage": 2000, "online_cpus": 1},
				"precpu_stats": map[string]any{"cpu_usage": map[string]any{"total_usage": 1000}, "system_cpu_usage": 1000},
				"memory_stats": map[string]any{"usage": c.Memory, "limit": uint64(2 << 30), "stats": map[string]any{"cache": 0}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// chatCompletions is a minimal OpenAI-compatible endpoint. Planning prompts
// receive a fixed plan, everything else a canned answer.
func chatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	content := "shop-api is unhealthy and using most of its CPU; shop-worker is restart-looping. " +
		"Check shop-api logs for failing dependencies and inspect the worker exit code."
	if len(req.Messages) > 0 && strings.Contains(req.Messages[0].Content, "planning assistant") {
		content = `{"plan":"Look at unhealthy containers, then their resource usage.","requests":[` +
			`{"table":"containers","filter_column":"status","filter_operator":"contains","filter_value":"unhealthy","limit":20},` +
			`{"table":"container_health","columns":["container_name","health_status","cpu_percent","memory_percent"]}]}`
	}

	writeJSON(w, map[string]any{
		"id":      fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	})
}

func lookup(id string) (container, bool) {
	for _, c := range containers {
		if c.ID == id || c.Name == id {
			return c, true
		}
	}
	return container{}, false
}

func enforceKey(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("X-API-Key") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		writeJSON(w, map[string]string{"message": "Unauthorized", "details": "missing X-API-Key"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
