// Package config provides configuration loading and management for docflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete docflow configuration.
type Config struct {
	NATS       NATSConfig                `yaml:"nats"`
	Storage    StorageConfig             `yaml:"storage"`
	Extraction ExtractionConfig          `yaml:"extraction"`
	LLM        LLMConfig                 `yaml:"llm"`
	Queues     map[string]QueueOverrides `yaml:"queues"`
	Scrape     ScrapeConfig              `yaml:"scrape"`
	SharePoint SharePointConfig          `yaml:"sharepoint"`
	SAM        SAMConfig                 `yaml:"sam"`
	Search     SearchConfig              `yaml:"search"`
	HTTP       HTTPConfig                `yaml:"http"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server).
	URL string `yaml:"url"`
	// Embedded indicates whether to use an embedded NATS server.
	Embedded bool `yaml:"embedded"`
}

// StorageConfig names the blob buckets.
type StorageConfig struct {
	UploadsBucket   string `yaml:"uploads_bucket"`
	ProcessedBucket string `yaml:"processed_bucket"`
}

// EngineConfig describes one extraction engine.
type EngineConfig struct {
	// Name identifies the engine ("markdown-extractor", "enhanced", ...).
	Name string `yaml:"name"`
	// URL is the engine's HTTP endpoint.
	URL string `yaml:"url"`
	// Timeout bounds one extraction call.
	Timeout time.Duration `yaml:"timeout"`
	// Formats lists supported file extensions (lowercase, no dot).
	Formats []string `yaml:"formats"`
	// Enhancement marks the engine as a second-pass enhancement engine.
	Enhancement bool `yaml:"enhancement"`
}

// ExtractionConfig configures the extraction engines. Engines is an ordered
// list; Default names the engine used when a request does not specify one.
type ExtractionConfig struct {
	Default string         `yaml:"default"`
	Engines []EngineConfig `yaml:"engines"`
}

// Engine returns the named engine config, or nil.
func (e ExtractionConfig) Engine(name string) *EngineConfig {
	for i := range e.Engines {
		if e.Engines[i].Name == name {
			return &e.Engines[i]
		}
	}
	return nil
}

// EnhancementEngine returns the first configured enhancement engine, or nil.
func (e ExtractionConfig) EnhancementEngine() *EngineConfig {
	for i := range e.Engines {
		if e.Engines[i].Enhancement {
			return &e.Engines[i]
		}
	}
	return nil
}

// LLMTaskConfig selects model and temperature for one task type.
type LLMTaskConfig struct {
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

// LLMConfig configures the LLM endpoint and per-task model selection.
type LLMConfig struct {
	// Provider is the API dialect ("openai", "anthropic", "ollama").
	Provider string `yaml:"provider"`
	// Endpoint is the API base URL.
	Endpoint string `yaml:"endpoint"`
	// Timeout bounds one completion call.
	Timeout time.Duration `yaml:"timeout"`
	// Tasks maps a task type ("summarize_opportunity", ...) to its model.
	Tasks map[string]LLMTaskConfig `yaml:"tasks"`
}

// QueueOverrides are the runtime-tunable parameters of one queue type.
// Zero values leave the code-defined default in place.
type QueueOverrides struct {
	MaxConcurrent      int           `yaml:"max_concurrent"`
	TimeoutSeconds     int           `yaml:"timeout_seconds"`
	SubmissionInterval time.Duration `yaml:"submission_interval"`
	DuplicateCooldown  time.Duration `yaml:"duplicate_cooldown"`
	Enabled            *bool         `yaml:"enabled"`
}

// ScrapeConfig configures web crawling.
type ScrapeConfig struct {
	// RendererURL is the JS renderer endpoint; empty falls back to plain
	// HTTP fetches.
	RendererURL string `yaml:"renderer_url"`
	// Timeout bounds one page render or document download.
	Timeout time.Duration `yaml:"timeout"`
	// UserAgent identifies the crawler to origin servers.
	UserAgent string `yaml:"user_agent"`
}

// SharePointConfig holds tenant-wide Microsoft Graph defaults.
type SharePointConfig struct {
	GraphBaseURL string `yaml:"graph_base_url"`
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	// ClientSecret is normally supplied via DOCFLOW_SHAREPOINT_SECRET.
	ClientSecret string `yaml:"client_secret"`
	MaxFileSize  int64  `yaml:"max_file_size"`
}

// SAMConfig configures the SAM.gov opportunities pull.
type SAMConfig struct {
	BaseURL string `yaml:"base_url"`
	// APIKey is normally supplied via DOCFLOW_SAM_API_KEY.
	APIKey string `yaml:"api_key"`
	// DailyCallBudget caps API calls per tenant per day.
	DailyCallBudget int `yaml:"daily_call_budget"`
	PageSize        int `yaml:"page_size"`
}

// SearchConfig toggles the search-index sink.
type SearchConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Storage: StorageConfig{
			UploadsBucket:   "uploads",
			ProcessedBucket: "processed",
		},
		Extraction: ExtractionConfig{
			Default: "markdown-extractor",
			Engines: []EngineConfig{
				{
					Name:    "markdown-extractor",
					URL:     "http://localhost:8070/extract",
					Timeout: 5 * time.Minute,
					Formats: []string{"pdf", "docx", "doc", "pptx", "xlsx", "txt", "md", "csv", "rtf"},
				},
				{
					Name:        "enhanced",
					URL:         "http://localhost:8071/extract",
					Timeout:     15 * time.Minute,
					Formats:     []string{"pdf", "docx", "pptx", "xlsx"},
					Enhancement: true,
				},
			},
		},
		LLM: LLMConfig{
			Provider: "openai",
			Endpoint: "http://localhost:11434/v1",
			Timeout:  5 * time.Minute,
			Tasks: map[string]LLMTaskConfig{
				"summarize_opportunity": {Model: "qwen2.5:14b"},
			},
		},
		Queues: map[string]QueueOverrides{},
		Scrape: ScrapeConfig{
			Timeout:   60 * time.Second,
			UserAgent: "docflow-crawler/1.0",
		},
		SharePoint: SharePointConfig{
			GraphBaseURL: "https://graph.microsoft.com/v1.0",
			MaxFileSize:  100 * 1024 * 1024,
		},
		SAM: SAMConfig{
			BaseURL:         "https://api.sam.gov/opportunities/v2",
			DailyCallBudget: 1000,
			PageSize:        100,
		},
		Search: SearchConfig{Enabled: false},
		HTTP:   HTTPConfig{Addr: ":8080"},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Storage.UploadsBucket == "" || c.Storage.ProcessedBucket == "" {
		return fmt.Errorf("storage buckets are required")
	}
	if len(c.Extraction.Engines) == 0 {
		return fmt.Errorf("at least one extraction engine is required")
	}
	if c.Extraction.Default == "" {
		return fmt.Errorf("extraction.default is required")
	}
	if c.Extraction.Engine(c.Extraction.Default) == nil {
		return fmt.Errorf("extraction.default %q is not a configured engine", c.Extraction.Default)
	}
	for _, t := range c.LLM.Tasks {
		if t.Temperature != nil && (*t.Temperature < 0 || *t.Temperature > 1) {
			return fmt.Errorf("llm task temperature must be between 0 and 1")
		}
	}
	if c.SAM.DailyCallBudget < 0 {
		return fmt.Errorf("sam.daily_call_budget cannot be negative")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file, applying environment
// overrides for secrets and URLs.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.applyEnv()

	return config, nil
}

// Load returns defaults overlaid with the file at path (when it exists)
// and environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		cfg.applyEnv()
		return cfg, cfg.Validate()
	}
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// applyEnv overlays environment variables onto the config. Environment wins
// over the file for secrets and service URLs.
func (c *Config) applyEnv() {
	if v := os.Getenv("DOCFLOW_NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Embedded = false
	}
	if v := os.Getenv("DOCFLOW_SHAREPOINT_SECRET"); v != "" {
		c.SharePoint.ClientSecret = v
	}
	if v := os.Getenv("DOCFLOW_SAM_API_KEY"); v != "" {
		c.SAM.APIKey = v
	}
	if v := os.Getenv("DOCFLOW_LLM_ENDPOINT"); v != "" {
		c.LLM.Endpoint = v
	}
	if v := os.Getenv("DOCFLOW_RENDERER_URL"); v != "" {
		c.Scrape.RendererURL = v
	}
	if v := os.Getenv("DOCFLOW_SEARCH_URL"); v != "" {
		c.Search.URL = v
		c.Search.Enabled = true
	}
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
