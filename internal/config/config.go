// Package config handles YAML configuration loading with environment
// variable expansion, and translates the loaded document into the domain
// types internal/core, internal/routing and internal/health expect.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/modelbridge/gateway/internal/core"
	"github.com/modelbridge/gateway/internal/health"
	"github.com/modelbridge/gateway/internal/routing"
)

// Config is the top-level gateway configuration (§6).
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Routing  RoutingConfig   `yaml:"routing"`
	Health   HealthConfig    `yaml:"health"`
	Logging  LoggingConfig   `yaml:"logging"`
	Clients  []ClientEntry   `yaml:"clients"`
	Backends []BackendEntry  `yaml:"backends"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// RoutingConfig controls backend selection.
type RoutingConfig struct {
	Strategy           string `yaml:"strategy"`
	CacheAware         *bool  `yaml:"cache_aware"`
	PrefixDepth        int    `yaml:"prefix_depth"`
	MaxAffinityEntries int    `yaml:"max_affinity_entries"`
}

// HealthConfig tunes the backend probe loop.
type HealthConfig struct {
	CheckIntervalSecs  int `yaml:"check_interval_secs"`
	TimeoutMs          int `yaml:"timeout_ms"`
	UnhealthyThreshold int `yaml:"unhealthy_threshold"`
	DegradedLatencyMs  int `yaml:"degraded_latency_ms"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ClientEntry is one configured gateway caller.
type ClientEntry struct {
	ID                string      `yaml:"id"`
	APIKey            string      `yaml:"api_key"`
	AllowedModels     interface{} `yaml:"allowed_models"` // "*" or []string
	RateLimitRPM      uint32      `yaml:"rate_limit_rpm"`
	RateLimitTPM      *uint64     `yaml:"rate_limit_tpm"`
	MonthlyTokenLimit *uint64     `yaml:"monthly_token_limit"`
}

// BackendEntry is one configured inference backend.
type BackendEntry struct {
	ID            string   `yaml:"id"`
	BaseURL       string   `yaml:"base_url"`
	APIKey        string   `yaml:"api_key"`
	Spec          string   `yaml:"spec"`
	Models        []string `yaml:"models"`
	MaxConcurrent uint32   `yaml:"max_concurrent"`
	AuthType      string   `yaml:"auth_type"` // "", "api_key", "gcp_oauth", "aws_sigv4"
	AWSRegion     string   `yaml:"aws_region"`
	AWSService    string   `yaml:"aws_service"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

func boolPtr(b bool) *bool { return &b }

// Load reads and parses a YAML config file, expanding environment
// variables, and fills in §6's documented defaults before unmarshalling.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{Listen: "0.0.0.0:8080"},
		Routing: RoutingConfig{
			Strategy:           "least-loaded",
			CacheAware:         boolPtr(true),
			PrefixDepth:        3,
			MaxAffinityEntries: 10_000,
		},
		Health: HealthConfig{
			CheckIntervalSecs:  30,
			TimeoutMs:          5000,
			UnhealthyThreshold: 3,
			DegradedLatencyMs:  2000,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Routing.PrefixDepth == 0 {
		cfg.Routing.PrefixDepth = 3
	}
	if cfg.Routing.MaxAffinityEntries == 0 {
		cfg.Routing.MaxAffinityEntries = 10_000
	}
	if cfg.Routing.CacheAware == nil {
		cfg.Routing.CacheAware = boolPtr(true)
	}
	return cfg, nil
}

// Validate checks the §6 constraints that Load's defaulting cannot express:
// at least one client and one backend, and unique ids in each.
func (c *Config) Validate() error {
	if len(c.Clients) == 0 {
		return fmt.Errorf("config: at least one client is required")
	}
	if len(c.Backends) == 0 {
		return fmt.Errorf("config: at least one backend is required")
	}
	seen := make(map[string]bool, len(c.Clients))
	for _, cl := range c.Clients {
		if cl.ID == "" {
			return fmt.Errorf("config: client with empty id")
		}
		if seen[cl.ID] {
			return fmt.Errorf("config: duplicate client id %q", cl.ID)
		}
		seen[cl.ID] = true
		if cl.APIKey == "" {
			return fmt.Errorf("config: client %q has no api_key", cl.ID)
		}
	}
	seenB := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("config: backend with empty id")
		}
		if seenB[b.ID] {
			return fmt.Errorf("config: duplicate backend id %q", b.ID)
		}
		seenB[b.ID] = true
		switch core.BackendSpec(b.Spec) {
		case core.BackendSpecOpenAIChat, core.BackendSpecOllama:
		default:
			return fmt.Errorf("config: backend %q has unsupported spec %q", b.ID, b.Spec)
		}
	}
	return nil
}

// Clients converts the configured client entries into core.ClientInfo plus
// the parallel list of credentials auth.NewService expects.
func (c *Config) Clients() ([]core.ClientInfo, []core.APIKey) {
	infos := make([]core.ClientInfo, 0, len(c.Clients))
	keys := make([]core.APIKey, 0, len(c.Clients))
	for _, cl := range c.Clients {
		infos = append(infos, core.ClientInfo{
			ID:            core.ClientId(cl.ID),
			AllowedModels: resolveAllowedModels(cl.AllowedModels),
			RateLimit:     core.RateLimit{RequestsPerMinute: cl.RateLimitRPM, TokensPerMinute: cl.RateLimitTPM},
			Quota:         core.QuotaConfig{MonthlyTokenLimit: cl.MonthlyTokenLimit},
		})
		keys = append(keys, core.NewAPIKey(cl.APIKey))
	}
	return infos, keys
}

func resolveAllowedModels(raw interface{}) core.AllowedModels {
	if s, ok := raw.(string); ok && s == "*" {
		return core.AllowedModels{All: true}
	}
	var ids []core.ModelId
	if list, ok := raw.([]interface{}); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				ids = append(ids, core.ModelId(s))
			}
		}
	}
	return core.AllowedModels{Specific: ids}
}

// Backends converts the configured backend entries into core.BackendInfo.
func (c *Config) Backends() []core.BackendInfo {
	out := make([]core.BackendInfo, 0, len(c.Backends))
	for _, b := range c.Backends {
		models := make([]core.ModelId, 0, len(b.Models))
		for _, m := range b.Models {
			models = append(models, core.ModelId(m))
		}
		maxConcurrent := b.MaxConcurrent
		if maxConcurrent == 0 {
			maxConcurrent = 64
		}
		out = append(out, core.BackendInfo{
			ID:            core.BackendId(b.ID),
			Spec:          core.BackendSpec(b.Spec),
			Models:        models,
			MaxConcurrent: maxConcurrent,
			BaseURL:       b.BaseURL,
			APIKey:        b.APIKey,
			AuthType:      resolveAuthType(b),
		})
	}
	return out
}

func resolveAuthType(b BackendEntry) core.AuthType {
	switch b.AuthType {
	case "gcp_oauth":
		return core.AuthTypeGCPOAuth
	case "aws_sigv4":
		return core.AuthTypeAWSSigV4
	case "api_key":
		return core.AuthTypeAPIKey
	case "":
		if b.APIKey != "" {
			return core.AuthTypeAPIKey
		}
		return core.AuthTypeNone
	default:
		return core.AuthTypeNone
	}
}

// RoutingStrategy resolves the configured strategy string to a
// routing.Strategy, defaulting to least-loaded for anything unrecognized.
func (c *Config) RoutingStrategy() routing.Strategy {
	switch c.Routing.Strategy {
	case "round-robin":
		return routing.RoundRobin
	default:
		return routing.LeastLoaded
	}
}

// HealthManagerConfig converts the configured health section into
// health.Config.
func (c *Config) HealthManagerConfig() health.Config {
	return health.Config{
		CheckInterval:      time.Duration(c.Health.CheckIntervalSecs) * time.Second,
		Timeout:            time.Duration(c.Health.TimeoutMs) * time.Millisecond,
		UnhealthyThreshold: uint32(c.Health.UnhealthyThreshold),
		DegradedLatencyMs:  core.LatencyMs(c.Health.DegradedLatencyMs),
	}
}
