package repo

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/miradorstack/fleet-assistant/internal/cache"
)

// Environment is one configured Portainer installation.
type Environment struct {
	Name      string
	APIURL    string
	APIKey    string
	VerifySSL bool
}

// PortainerOptions tunes a PortainerClient. Zero values use defaults.
type PortainerOptions struct {
	Timeout    time.Duration
	RateLimit  float64
	Burst      int
	MaxRetries int
	Cache      cache.Provider
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

// APIError is a non-2xx Portainer response.
type APIError struct {
	Environment string
	Path        string
	StatusCode  int
	Body        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("portainer %s %s returned %d: %s", e.Environment, e.Path, e.StatusCode, e.Body)
}

// PortainerClient reads Docker state through the Portainer API of one environment.
type PortainerClient struct {
	env        Environment
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      cache.Provider
	cacheTTL   time.Duration
	maxRetries int
	logger     *slog.Logger
}

// NewPortainerClient builds a client for env. The API base always ends in /api.
func NewPortainerClient(env Environment, opts PortainerOptions, logger *slog.Logger) (*PortainerClient, error) {
	if strings.TrimSpace(env.APIURL) == "" {
		return nil, fmt.Errorf("portainer environment %q: api url is required", env.Name)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.RateLimit)
		if opts.Burst < 1 {
			opts.Burst = 1
		}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Cache == nil {
		opts.Cache = cache.NoopProvider{}
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if !env.VerifySSL {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		httpClient = &http.Client{Timeout: opts.Timeout, Transport: transport}
	}

	base := strings.TrimRight(strings.TrimSpace(env.APIURL), "/")
	if !strings.HasSuffix(strings.ToLower(base), "/api") {
		base += "/api"
	}

	return &PortainerClient{
		env:        env,
		baseURL:    base,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
		cache:      opts.Cache,
		cacheTTL:   opts.CacheTTL,
		maxRetries: opts.MaxRetries,
		logger:     logger.With(slog.String("environment", env.Name)),
	}, nil
}

// Environment returns the environment this client talks to.
func (c *PortainerClient) Environment() Environment { return c.env }

// ListEndpoints returns every endpoint known to Portainer.
func (c *PortainerClient) ListEndpoints(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	if err := c.getJSON(ctx, "/endpoints", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListStacks merges regular and edge stacks for an endpoint, deduplicated by
// ID. A failing source is logged and skipped.
func (c *PortainerClient) ListStacks(ctx context.Context, endpointID int64) ([]map[string]any, error) {
	query := url.Values{"endpointId": {strconv.FormatInt(endpointID, 10)}}
	seen := make(map[int64]struct{})
	var (
		out       []map[string]any
		firstErr  error
		succeeded bool
	)
	for _, p := range []string{"/stacks", "/edge/stacks"} {
		var stacks []map[string]any
		if err := c.getJSON(ctx, p, query, &stacks); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Debug("stack listing failed", slog.String("path", p), slog.Int64("endpoint_id", endpointID), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		succeeded = true
		for _, s := range stacks {
			if id, ok := asInt(firstPresent(s, "Id", "ID", "id")); ok {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
			}
			out = append(out, s)
		}
	}
	if !succeeded {
		return nil, firstErr
	}
	return out, nil
}

// ListContainers lists containers on an endpoint, stopped ones included when all is set.
func (c *PortainerClient) ListContainers(ctx context.Context, endpointID int64, all bool) ([]map[string]any, error) {
	flag := "0"
	if all {
		flag = "1"
	}
	var out []map[string]any
	err := c.getJSON(ctx, c.dockerPath(endpointID, "containers/json"), url.Values{"all": {flag}}, &out)
	return out, err
}

// InspectContainer returns the Docker inspect document for a container.
func (c *PortainerClient) InspectContainer(ctx context.Context, endpointID int64, containerID string) (map[string]any, error) {
	var out map[string]any
	err := c.getJSON(ctx, c.dockerPath(endpointID, "containers", containerID, "json"), nil, &out)
	return out, err
}

// ContainerStats returns a single non-streaming stats sample.
func (c *PortainerClient) ContainerStats(ctx context.Context, endpointID int64, containerID string) (map[string]any, error) {
	var out map[string]any
	err := c.getJSON(ctx, c.dockerPath(endpointID, "containers", containerID, "stats"), url.Values{"stream": {"false"}}, &out)
	return out, err
}

// DockerInfo returns the Docker host information of an endpoint.
func (c *PortainerClient) DockerInfo(ctx context.Context, endpointID int64) (map[string]any, error) {
	var out map[string]any
	err := c.getJSON(ctx, c.dockerPath(endpointID, "info"), nil, &out)
	return out, err
}

// ListVolumes returns the volumes of an endpoint.
func (c *PortainerClient) ListVolumes(ctx context.Context, endpointID int64) ([]map[string]any, error) {
	var out struct {
		Volumes []map[string]any `json:"Volumes"`
	}
	if err := c.getJSON(ctx, c.dockerPath(endpointID, "volumes"), nil, &out); err != nil {
		return nil, err
	}
	return out.Volumes, nil
}

// ListImages returns the images of an endpoint.
func (c *PortainerClient) ListImages(ctx context.Context, endpointID int64) ([]map[string]any, error) {
	var out []map[string]any
	err := c.getJSON(ctx, c.dockerPath(endpointID, "images/json"), nil, &out)
	return out, err
}

func (c *PortainerClient) dockerPath(endpointID int64, parts ...string) string {
	elems := append([]string{"/endpoints", strconv.FormatInt(endpointID, 10), "docker"}, parts...)
	return path.Join(elems...)
}

func (c *PortainerClient) resolvePath(p string, query url.Values) string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + "/" + strings.TrimLeft(p, "/")
	}
	u.Path = path.Join(u.Path, "/"+strings.TrimLeft(p, "/"))
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *PortainerClient) cacheKey(endpoint string) string {
	return "portainer:" + c.env.Name + ":" + endpoint
}

// getJSON fetches endpoint through the cache, decoding the body into out.
func (c *PortainerClient) getJSON(ctx context.Context, p string, query url.Values, out any) error {
	endpoint := c.resolvePath(p, query)
	key := c.cacheKey(endpoint)

	if c.cacheTTL > 0 {
		if raw, err := c.cache.Get(ctx, key); err == nil {
			if err := json.Unmarshal(raw, out); err == nil {
				return nil
			}
			_ = c.cache.Del(ctx, key)
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Debug("portainer cache read failed", slog.String("key", key), slog.Any("error", err))
		}
	}

	body, err := c.fetch(ctx, p, endpoint)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode portainer %s: %w", p, err)
	}
	if c.cacheTTL > 0 {
		if err := c.cache.Set(ctx, key, body, c.cacheTTL); err != nil {
			c.logger.Debug("portainer cache write failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	return nil
}

func (c *PortainerClient) fetch(ctx context.Context, p, endpoint string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay(attempt)):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-API-Key", c.env.APIKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("portainer %s %s: %w", c.env.Name, p, err)
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("read portainer %s: %w", p, readErr)
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, nil
		}
		apiErr := &APIError{Environment: c.env.Name, Path: p, StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			return nil, apiErr
		}
		lastErr = apiErr
	}
	return nil, lastErr
}

func retryDelay(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * 250 * time.Millisecond
	if d > 4*time.Second {
		d = 4 * time.Second
	}
	return d
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
