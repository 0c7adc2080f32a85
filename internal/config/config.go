// Package config provides configuration loading for the research server.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Mode controls which tools the MCP registry exposes.
const (
	ModeAgent  = "AGENT"
	ModeManual = "MANUAL"
	ModeAll    = "ALL"
)

// Config holds all server configuration.
type Config struct {
	// Listen address for the HTTP transports (default ":8080")
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	// Data directory for the embedded store (default "./data")
	DataDir string `json:"data_dir" yaml:"data_dir"`
	// Tool exposure mode: AGENT, MANUAL or ALL
	Mode string `json:"mode" yaml:"mode"`
	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level" yaml:"log_level"`
	// External URL advertised in discovery documents
	ExternalURL string `json:"external_url,omitempty" yaml:"external_url,omitempty"`

	LLM      LLMConfig      `json:"llm,omitempty" yaml:"llm,omitempty"`
	Embed    EmbedConfig    `json:"embed,omitempty" yaml:"embed,omitempty"`
	Index    IndexConfig    `json:"index,omitempty" yaml:"index,omitempty"`
	Jobs     JobsConfig     `json:"jobs,omitempty" yaml:"jobs,omitempty"`
	Research ResearchConfig `json:"research,omitempty" yaml:"research,omitempty"`
	Auth     AuthConfig     `json:"auth,omitempty" yaml:"auth,omitempty"`
	Webhook  WebhookConfig  `json:"webhook,omitempty" yaml:"webhook,omitempty"`
}

// LLMConfig configures the gateway client.
type LLMConfig struct {
	BaseURL      string        `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey       string        `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	PlannerModel string        `json:"planner_model,omitempty" yaml:"planner_model,omitempty"`
	CatalogTTL   time.Duration `json:"catalog_ttl" yaml:"catalog_ttl"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`
	// VisionModels is the static allowlist used when the catalog does not
	// expose modalities.
	VisionModels []string `json:"vision_models,omitempty" yaml:"vision_models,omitempty"`
}

// EmbedConfig configures the embedding provider.
type EmbedConfig struct {
	// BaseURL of an OpenAI-compatible embeddings endpoint. Empty selects the
	// local deterministic embedder.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model   string `json:"model" yaml:"model"`
	Dim     int    `json:"dim" yaml:"dim"`
}

// IndexConfig configures hybrid retrieval.
type IndexConfig struct {
	BM25K1     float64 `json:"bm25_k1" yaml:"bm25_k1"`
	BM25B      float64 `json:"bm25_b" yaml:"bm25_b"`
	WeightBM25 float64 `json:"weight_bm25" yaml:"weight_bm25"`
	WeightVec  float64 `json:"weight_vec" yaml:"weight_vec"`
	MaxBody    int     `json:"max_body" yaml:"max_body"`
	Rerank     bool    `json:"rerank" yaml:"rerank"`
}

// JobsConfig configures the async job engine.
type JobsConfig struct {
	Concurrency    int           `json:"concurrency" yaml:"concurrency"`
	LeaseTimeout   time.Duration `json:"lease_timeout" yaml:"lease_timeout"`
	IdempotencyTTL time.Duration `json:"idempotency_ttl" yaml:"idempotency_ttl"`
	QueueMax       int           `json:"queue_max" yaml:"queue_max"`
}

// ResearchConfig configures the orchestrator.
type ResearchConfig struct {
	Parallelism   int      `json:"parallelism" yaml:"parallelism"`
	EnsembleSize  int      `json:"ensemble_size" yaml:"ensemble_size"`
	MaxIterations int      `json:"max_iterations" yaml:"max_iterations"`
	MinMaxTokens  int      `json:"min_max_tokens" yaml:"min_max_tokens"`
	ModelsHigh    []string `json:"models_high,omitempty" yaml:"models_high,omitempty"`
	ModelsLow     []string `json:"models_low,omitempty" yaml:"models_low,omitempty"`
	ModelsVeryLow []string `json:"models_very_low,omitempty" yaml:"models_very_low,omitempty"`
	// Domains maps a domain tag the planner may emit to preferred models.
	Domains map[string][]string `json:"domains,omitempty" yaml:"domains,omitempty"`
}

// AuthConfig configures authentication, authorization and HTTP guards.
type AuthConfig struct {
	APIKey          string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	JWKSURL         string `json:"jwks_url,omitempty" yaml:"jwks_url,omitempty"`
	Audience        string `json:"audience,omitempty" yaml:"audience,omitempty"`
	Issuer          string `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	AllowNoAPIKey   bool   `json:"allow_no_api_key" yaml:"allow_no_api_key"`
	ScopePerTool    bool   `json:"scope_per_tool" yaml:"scope_per_tool"`
	RequireHTTPS    bool   `json:"require_https" yaml:"require_https"`
	RateLimitPerMin int    `json:"rate_limit_per_min" yaml:"rate_limit_per_min"`
	MaxBodyBytes    int64  `json:"max_body_bytes" yaml:"max_body_bytes"`
	CORSOrigins     string `json:"cors_origins" yaml:"cors_origins"`
}

// WebhookConfig configures terminal-state notifications.
type WebhookConfig struct {
	Secret  string        `json:"secret,omitempty" yaml:"secret,omitempty"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "./data",
		Mode:       ModeAll,
		LogLevel:   "info",
		LLM: LLMConfig{
			CatalogTTL: 10 * time.Minute,
			Timeout:    120 * time.Second,
			MaxRetries: 4,
		},
		Embed: EmbedConfig{
			Model: "text-embedding-3-small",
			Dim:   384,
		},
		Index: IndexConfig{
			BM25K1:     1.2,
			BM25B:      0.75,
			WeightBM25: 0.5,
			WeightVec:  0.5,
			MaxBody:    8000,
		},
		Jobs: JobsConfig{
			Concurrency:    2,
			LeaseTimeout:   60 * time.Second,
			IdempotencyTTL: 10 * time.Minute,
			QueueMax:       100,
		},
		Research: ResearchConfig{
			Parallelism:   4,
			EnsembleSize:  2,
			MaxIterations: 2,
			MinMaxTokens:  256,
		},
		Auth: AuthConfig{
			RateLimitPerMin: 100,
			MaxBodyBytes:    10 << 20,
			CORSOrigins:     "*",
		},
		Webhook: WebhookConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// Load builds the configuration: defaults, then an optional config file
// (CONFIG_FILE or the path argument, YAML or JSON by extension), then
// environment variables. A .env file in the working directory is applied
// first, best effort.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setStr(&cfg.ListenAddr, "ADDR")
	setStr(&cfg.DataDir, "DATA_DIR")
	setStr(&cfg.Mode, "MCP_MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
	setStr(&cfg.ExternalURL, "EXTERNAL_URL")

	setStr(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	setStr(&cfg.LLM.APIKey, "LLM_API_KEY")
	setStr(&cfg.LLM.PlannerModel, "PLANNER_MODEL")
	setDur(&cfg.LLM.CatalogTTL, "MODEL_CATALOG_TTL")
	setDur(&cfg.LLM.Timeout, "LLM_TIMEOUT")
	setInt(&cfg.LLM.MaxRetries, "LLM_MAX_RETRIES")
	setList(&cfg.LLM.VisionModels, "VISION_MODELS")

	setStr(&cfg.Embed.BaseURL, "EMBEDDINGS_URL")
	setStr(&cfg.Embed.APIKey, "EMBEDDINGS_API_KEY")
	setStr(&cfg.Embed.Model, "EMBED_MODEL")
	setInt(&cfg.Embed.Dim, "EMBED_DIM")

	setFloat(&cfg.Index.BM25K1, "BM25_K1")
	setFloat(&cfg.Index.BM25B, "BM25_B")
	setFloat(&cfg.Index.WeightBM25, "W_BM25")
	setFloat(&cfg.Index.WeightVec, "W_VEC")
	setInt(&cfg.Index.MaxBody, "INDEX_MAX_BODY")
	setBool(&cfg.Index.Rerank, "RERANK")

	setInt(&cfg.Jobs.Concurrency, "JOB_CONCURRENCY")
	setDur(&cfg.Jobs.LeaseTimeout, "LEASE_TIMEOUT")
	setDur(&cfg.Jobs.IdempotencyTTL, "IDEMPOTENCY_TTL")
	setInt(&cfg.Jobs.QueueMax, "JOB_QUEUE_MAX")

	setInt(&cfg.Research.Parallelism, "RESEARCH_PARALLELISM")
	setInt(&cfg.Research.EnsembleSize, "ENSEMBLE_SIZE")
	setInt(&cfg.Research.MaxIterations, "MAX_ITERATIONS")
	setInt(&cfg.Research.MinMaxTokens, "MIN_MAX_TOKENS")
	setList(&cfg.Research.ModelsHigh, "MODELS_HIGH")
	setList(&cfg.Research.ModelsLow, "MODELS_LOW")
	setList(&cfg.Research.ModelsVeryLow, "MODELS_VERY_LOW")

	setStr(&cfg.Auth.APIKey, "API_KEY")
	setStr(&cfg.Auth.JWKSURL, "AUTH_JWKS_URL")
	setStr(&cfg.Auth.Audience, "AUTH_AUDIENCE")
	setStr(&cfg.Auth.Issuer, "AUTH_ISSUER")
	setBool(&cfg.Auth.AllowNoAPIKey, "ALLOW_NO_API_KEY")
	setBool(&cfg.Auth.ScopePerTool, "SCOPE_PER_TOOL")
	setBool(&cfg.Auth.RequireHTTPS, "REQUIRE_HTTPS")
	setInt(&cfg.Auth.RateLimitPerMin, "RATE_LIMIT_PER_MIN")
	setInt64(&cfg.Auth.MaxBodyBytes, "MAX_BODY_BYTES")
	setStr(&cfg.Auth.CORSOrigins, "CORS_ORIGINS")

	setStr(&cfg.Webhook.Secret, "WEBHOOK_SECRET")
	setDur(&cfg.Webhook.Timeout, "WEBHOOK_TIMEOUT")
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	switch strings.ToUpper(c.Mode) {
	case ModeAgent, ModeManual, ModeAll:
	default:
		return fmt.Errorf("invalid MCP_MODE %q: want AGENT, MANUAL or ALL", c.Mode)
	}
	if c.Embed.Dim <= 0 {
		return fmt.Errorf("EMBED_DIM must be positive, got %d", c.Embed.Dim)
	}
	if c.Index.WeightBM25+c.Index.WeightVec <= 0 {
		return fmt.Errorf("fusion weights must sum to a positive value")
	}
	if c.Jobs.Concurrency < 1 {
		return fmt.Errorf("JOB_CONCURRENCY must be >= 1, got %d", c.Jobs.Concurrency)
	}
	if c.Jobs.LeaseTimeout < time.Second {
		return fmt.Errorf("LEASE_TIMEOUT must be >= 1s, got %s", c.Jobs.LeaseTimeout)
	}
	if c.Research.Parallelism < 1 {
		return fmt.Errorf("RESEARCH_PARALLELISM must be >= 1, got %d", c.Research.Parallelism)
	}
	if c.Auth.JWKSURL != "" && c.Auth.Audience == "" {
		return fmt.Errorf("AUTH_AUDIENCE is required when AUTH_JWKS_URL is set")
	}
	return nil
}

// NormalizedMode returns the upper-cased tool exposure mode.
func (c Config) NormalizedMode() string {
	return strings.ToUpper(c.Mode)
}

// HasLLM reports whether a gateway is configured.
func (c Config) HasLLM() bool {
	return c.LLM.BaseURL != ""
}

// AuthEnabled reports whether requests must carry credentials.
func (c Config) AuthEnabled() bool {
	return c.Auth.JWKSURL != "" || c.Auth.APIKey != ""
}

// Save writes the configuration to a file, format chosen by extension.
func (c Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setDur(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
