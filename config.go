package storyline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/storyline/llm"
	"github.com/brunobiangulo/storyline/orchestrator"
)

// Config holds all configuration for the storyline engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.storyline/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "storyline".
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database and run logs go when no
	// explicit path is set: "home" (default) uses ~/.storyline/, "local"
	// uses the working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// LogDir holds one JSONL processing log per run. Defaults to "runs"
	// next to the database.
	LogDir string `json:"log_dir" yaml:"log_dir"`

	// LLM providers. Embedding is optional; without it taxonomy matching
	// is lexical.
	Chat      LLMConfig `json:"chat" yaml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`

	// Chunking and batching, in characters.
	ChunkSize     int `json:"chunk_size" yaml:"chunk_size"`
	OverlapSize   int `json:"overlap_size" yaml:"overlap_size"`
	BatchRadius   int `json:"batch_radius" yaml:"batch_radius"`
	ContextMargin int `json:"context_margin" yaml:"context_margin"`

	// Retries per failed chunk or batch, with doubling delay.
	MaxRetries int      `json:"max_retries" yaml:"max_retries"`
	RetryDelay Duration `json:"retry_delay" yaml:"retry_delay"`

	// Accepted for compatibility with existing configuration files. Not
	// used by either pass.
	EventDistance int `json:"event_distance,omitempty" yaml:"event_distance,omitempty"`
	MaxEventCount int `json:"max_event_count,omitempty" yaml:"max_event_count,omitempty"`

	// Agent limits
	MaxSteps        int     `json:"max_steps" yaml:"max_steps"`
	MaxOutputTokens int     `json:"max_output_tokens" yaml:"max_output_tokens"`
	Temperature     float64 `json:"temperature" yaml:"temperature"`

	// Taxonomy matching
	MinTaxonomyConfidence float64 `json:"min_taxonomy_confidence" yaml:"min_taxonomy_confidence"`

	// Embedding dimensions (must match model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string   `json:"provider" yaml:"provider"` // ollama, lmstudio, openrouter, openai, groq, xai, gemini, custom
	Model    string   `json:"model" yaml:"model"`
	BaseURL  string   `json:"base_url" yaml:"base_url"`
	APIKey   string   `json:"api_key" yaml:"api_key"`
	Timeout  Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

func (c LLMConfig) provider() llm.Config {
	return llm.Config{
		Provider: c.Provider,
		Model:    c.Model,
		BaseURL:  c.BaseURL,
		APIKey:   c.APIKey,
		Timeout:  time.Duration(c.Timeout),
	}
}

// Duration is a time.Duration written as "2s" in JSON and YAML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Database is stored in ~/.storyline/storyline.db by default.
func DefaultConfig() Config {
	oc := orchestrator.DefaultConfig()
	return Config{
		DBName:     "storyline",
		StorageDir: "home",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		ChunkSize:             oc.ChunkSize,
		OverlapSize:           oc.OverlapSize,
		BatchRadius:           oc.BatchRadius,
		ContextMargin:         oc.ContextMargin,
		MaxRetries:            oc.MaxRetries,
		RetryDelay:            Duration(oc.RetryDelay),
		MaxSteps:              12,
		MaxOutputTokens:       4096,
		MinTaxonomyConfidence: 0.35,
		EmbeddingDim:          768,
	}
}

// LoadConfig reads a JSON or YAML file (by extension) over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, filepath.Base(path), err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from STORYLINE_* environment variables and
// falls back to well-known provider keys.
func (c *Config) ApplyEnv() {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.DBPath, "STORYLINE_DB_PATH")
	set(&c.LogDir, "STORYLINE_LOG_DIR")
	set(&c.Chat.Provider, "STORYLINE_CHAT_PROVIDER")
	set(&c.Chat.Model, "STORYLINE_CHAT_MODEL")
	set(&c.Chat.BaseURL, "STORYLINE_CHAT_BASE_URL")
	set(&c.Chat.APIKey, "STORYLINE_CHAT_API_KEY")
	set(&c.Embedding.Provider, "STORYLINE_EMBED_PROVIDER")
	set(&c.Embedding.Model, "STORYLINE_EMBED_MODEL")
	set(&c.Embedding.BaseURL, "STORYLINE_EMBED_BASE_URL")
	set(&c.Embedding.APIKey, "STORYLINE_EMBED_API_KEY")

	for _, l := range []*LLMConfig{&c.Chat, &c.Embedding} {
		if l.APIKey != "" {
			continue
		}
		switch l.Provider {
		case "openai":
			l.APIKey = os.Getenv("OPENAI_API_KEY")
		case "groq":
			l.APIKey = os.Getenv("GROQ_API_KEY")
		}
	}
}

// Validate reports the first invalid value, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	if err := c.orchestratorConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch {
	case c.Chat.Provider == "":
		return fmt.Errorf("%w: chat provider is required", ErrInvalidConfig)
	case c.EmbeddingDim < 1:
		return fmt.Errorf("%w: embedding dim must be positive, got %d", ErrInvalidConfig, c.EmbeddingDim)
	case c.MinTaxonomyConfidence < 0 || c.MinTaxonomyConfidence > 1:
		return fmt.Errorf("%w: min taxonomy confidence must be within [0,1], got %g", ErrInvalidConfig, c.MinTaxonomyConfidence)
	case c.MaxSteps < 0 || c.MaxOutputTokens < 0:
		return fmt.Errorf("%w: agent limits must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c Config) orchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		ChunkSize:     c.ChunkSize,
		OverlapSize:   c.OverlapSize,
		BatchRadius:   c.BatchRadius,
		ContextMargin: c.ContextMargin,
		MaxRetries:    c.MaxRetries,
		RetryDelay:    time.Duration(c.RetryDelay),
	}
}

// storageDir returns the directory for default database and log paths.
func (c *Config) storageDir() string {
	switch c.StorageDir {
	case "local", "cwd":
		return "."
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return "." // fallback to cwd
		}
		return filepath.Join(home, ".storyline")
	}
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	name := c.DBName
	if name == "" {
		name = "storyline"
	}
	return filepath.Join(c.storageDir(), name+".db")
}

// resolveLogDir computes the run log directory.
func (c *Config) resolveLogDir() string {
	if c.LogDir != "" {
		return c.LogDir
	}
	if c.DBPath != "" {
		return filepath.Join(filepath.Dir(c.DBPath), "runs")
	}
	return filepath.Join(c.storageDir(), "runs")
}
