package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the fleet assistant.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Portainer PortainerConfig `yaml:"portainer"`
	Kibana    KibanaConfig    `yaml:"kibana"`
	LLM       LLMConfig       `yaml:"llm"`
	Assistant AssistantConfig `yaml:"assistant"`
	Hub       HubConfig       `yaml:"hub"`
	Cache     CacheConfig     `yaml:"cache"`
	Store     StoreConfig     `yaml:"store"`
	Refresh   RefreshConfig   `yaml:"refresh"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP, gRPC and metrics listeners.
type ServerConfig struct {
	HTTPAddress     string        `yaml:"httpAddress"`
	GRPCAddress     string        `yaml:"grpcAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// EnvironmentConfig names one Portainer installation.
type EnvironmentConfig struct {
	Name      string `yaml:"name"`
	APIURL    string `yaml:"apiURL"`
	APIKey    string `yaml:"apiKey"`
	VerifySSL *bool  `yaml:"verifySSL"`
}

// Verify reports whether TLS certificates should be checked. Defaults to true.
func (e EnvironmentConfig) Verify() bool {
	return e.VerifySSL == nil || *e.VerifySSL
}

// PortainerConfig configures access to the Portainer environments.
type PortainerConfig struct {
	Environments            []EnvironmentConfig `yaml:"environments"`
	Timeout                 time.Duration       `yaml:"timeout"`
	RateLimit               float64             `yaml:"rateLimit"`
	Burst                   int                 `yaml:"burst"`
	MaxRetries              int                 `yaml:"maxRetries"`
	IncludeContainerDetails bool                `yaml:"includeContainerDetails"`
	DetailConcurrency       int                 `yaml:"detailConcurrency"`
}

// KibanaConfig configures optional log search through a Kibana proxy.
// Log search is enabled when both endpoint and apiKey are set.
type KibanaConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	APIKey    string        `yaml:"apiKey"`
	VerifySSL bool          `yaml:"verifySSL"`
	Lookback  time.Duration `yaml:"lookback"`
	Size      int           `yaml:"size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// LLMConfig configures the OpenAI-compatible chat endpoint.
type LLMConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	Token         string        `yaml:"token"`
	Model         string        `yaml:"model"`
	Temperature   float32       `yaml:"temperature"`
	MaxTokens     int           `yaml:"maxTokens"`
	PlanMaxTokens int           `yaml:"planMaxTokens"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"maxRetries"`
}

// Enabled reports whether an endpoint has been configured.
func (c LLMConfig) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

// AssistantConfig holds per-question defaults.
type AssistantConfig struct {
	TokenBudget        int `yaml:"tokenBudget"`
	RowLimit           int `yaml:"rowLimit"`
	MaxPlanEntries     int `yaml:"maxPlanEntries"`
	HistoryTurns       int `yaml:"historyTurns"`
	SummaryTokenBudget int `yaml:"summaryTokenBudget"`
	TopN               int `yaml:"topN"`

	SessionIdleTimeout time.Duration `yaml:"sessionIdleTimeout"`
}

// HubConfig controls the data hub.
type HubConfig struct {
	MaxRowsPerRequest int    `yaml:"maxRowsPerRequest"`
	CatalogPath       string `yaml:"catalogPath"`
}

// CacheConfig controls Valkey-backed caching of Portainer payloads.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"keyPrefix"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	SnapshotTTL  time.Duration `yaml:"snapshotTTL"`
}

// StoreConfig points at the transcript database. An empty path keeps
// transcripts in memory only.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// RefreshConfig schedules background snapshot reloads.
type RefreshConfig struct {
	Schedule string        `yaml:"schedule"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("FLEET_ASSISTANT_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the assistant cannot start with.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Portainer.Environments))
	for i, env := range c.Portainer.Environments {
		name := strings.TrimSpace(env.Name)
		if name == "" {
			return fmt.Errorf("portainer.environments[%d]: name is required", i)
		}
		if strings.TrimSpace(env.APIURL) == "" {
			return fmt.Errorf("portainer environment %q: apiURL is required", name)
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("portainer environment %q declared twice", name)
		}
		seen[key] = struct{}{}
	}
	if c.Assistant.TokenBudget <= 0 {
		return fmt.Errorf("assistant.tokenBudget must be positive")
	}
	if c.Assistant.RowLimit <= 0 {
		return fmt.Errorf("assistant.rowLimit must be positive")
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		return fmt.Errorf("cache.addr is required when the cache is enabled")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddress:     ":8080",
			GRPCAddress:     ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Portainer: PortainerConfig{
			Timeout:           30 * time.Second,
			RateLimit:         10,
			Burst:             5,
			MaxRetries:        2,
			DetailConcurrency: 4,
		},
		Kibana: KibanaConfig{
			VerifySSL: true,
			Lookback:  15 * time.Minute,
			Size:      200,
			Timeout:   30 * time.Second,
		},
		LLM: LLMConfig{
			Model:         "gpt-4o-mini",
			Temperature:   0.1,
			MaxTokens:     800,
			PlanMaxTokens: 600,
			Timeout:       60 * time.Second,
			MaxRetries:    2,
		},
		Assistant: AssistantConfig{
			TokenBudget:        6000,
			RowLimit:           50,
			MaxPlanEntries:     8,
			HistoryTurns:       3,
			SummaryTokenBudget: 600,
			TopN:               5,
			SessionIdleTimeout: time.Hour,
		},
		Hub:     HubConfig{MaxRowsPerRequest: 200},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Enabled:      false,
			KeyPrefix:    "fleet:",
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			SnapshotTTL:  30 * time.Second,
		},
		Refresh: RefreshConfig{Timeout: 2 * time.Minute},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEET_HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv("FLEET_GRPC_ADDRESS"); v != "" {
		cfg.Server.GRPCAddress = v
	}
	if v := os.Getenv("FLEET_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	// A single environment can be declared entirely from the environment.
	if url := os.Getenv("FLEET_PORTAINER_URL"); url != "" {
		env := EnvironmentConfig{
			Name:   os.Getenv("FLEET_PORTAINER_NAME"),
			APIURL: url,
			APIKey: os.Getenv("FLEET_PORTAINER_API_KEY"),
		}
		if env.Name == "" {
			env.Name = "default"
		}
		if v := os.Getenv("FLEET_PORTAINER_VERIFY_SSL"); v != "" {
			verify := truthy(v)
			env.VerifySSL = &verify
		}
		cfg.Portainer.Environments = upsertEnvironment(cfg.Portainer.Environments, env)
	}
	if v := os.Getenv("FLEET_PORTAINER_INCLUDE_CONTAINER_DETAILS"); v != "" {
		cfg.Portainer.IncludeContainerDetails = truthy(v)
	}
	if v := os.Getenv("FLEET_KIBANA_URL"); v != "" {
		cfg.Kibana.Endpoint = v
	}
	if v := os.Getenv("FLEET_KIBANA_API_KEY"); v != "" {
		cfg.Kibana.APIKey = v
	}
	if v := os.Getenv("FLEET_LLM_ENDPOINT"); v != "" {
		cfg.LLM.Endpoint = v
	}
	if v := os.Getenv("FLEET_LLM_TOKEN"); v != "" {
		cfg.LLM.Token = v
	}
	if v := os.Getenv("FLEET_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("FLEET_LLM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LLM.Timeout = d
		}
	}
	if v := os.Getenv("FLEET_TOKEN_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Assistant.TokenBudget = n
		}
	}
	if v := os.Getenv("FLEET_ROW_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Assistant.RowLimit = n
		}
	}
	if v := os.Getenv("FLEET_CATALOG_PATH"); v != "" {
		cfg.Hub.CatalogPath = v
	}
	if v := os.Getenv("FLEET_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("FLEET_REFRESH_SCHEDULE"); v != "" {
		cfg.Refresh.Schedule = v
	}
	if v := os.Getenv("FLEET_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FLEET_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("FLEET_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("FLEET_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = truthy(v)
	}
	if v := os.Getenv("FLEET_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("FLEET_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("FLEET_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("FLEET_CACHE_TLS"); truthy(v) {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("FLEET_CACHE_SNAPSHOT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.SnapshotTTL = d
		}
	}
}

func truthy(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func upsertEnvironment(envs []EnvironmentConfig, env EnvironmentConfig) []EnvironmentConfig {
	for i := range envs {
		if strings.EqualFold(envs[i].Name, env.Name) {
			envs[i] = env
			return envs
		}
	}
	return append(envs, env)
}
