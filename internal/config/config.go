package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig controls the zap logger and its optional rotating file sink.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
	File   string `yaml:"file"`
}

// ServerConfig configures the HTTP chat server.
type ServerConfig struct {
	Addr         string   `yaml:"addr" validate:"required"`
	CookieSecure bool     `yaml:"cookie_secure"`
	CORSOrigins  []string `yaml:"cors_origins"`
	Title        string   `yaml:"title"`
}

// RedisConfig contains connection details for the Redis session store.
type RedisConfig struct {
	Addr        string `yaml:"addr" validate:"required"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db" validate:"gte=0"`
	KeyPrefix   string `yaml:"key_prefix"`
}

// SessionConfig selects where conversation sessions live.
type SessionConfig struct {
	Backend    string       `yaml:"backend" validate:"oneof=memory redis"`
	TTLMinutes int          `yaml:"ttl_minutes" validate:"gt=0"`
	Redis      *RedisConfig `yaml:"redis,omitempty" validate:"required_if=Backend redis"`
}

// RetrievalConfig holds the default retrieval parameters. Requests may
// override TopK and MinSimilarity within the same bounds.
type RetrievalConfig struct {
	DefaultSet    string  `yaml:"default_set"`
	TopK          int     `yaml:"top_k" validate:"gte=3,lte=15"`
	MinSimilarity float64 `yaml:"min_similarity" validate:"gte=0,lte=1"`
}

// LlamaCloudConfig points a document set at a hosted LlamaCloud index.
type LlamaCloudConfig struct {
	BaseURL        string `yaml:"base_url" validate:"required,url"`
	APIKeyEnv      string `yaml:"api_key_env" validate:"required"`
	IndexName      string `yaml:"index_name" validate:"required"`
	ProjectName    string `yaml:"project_name"`
	OrganizationID string `yaml:"organization_id"`
	TimeoutSecs    int    `yaml:"timeout_secs"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	URL         string `yaml:"url" validate:"required,url"`
	APIKey      string `yaml:"api_key"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Collection  string `yaml:"collection" validate:"required"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// PGVectorConfig points a document set at a Postgres table with a vector column.
type PGVectorConfig struct {
	DSNEnv string `yaml:"dsn_env" validate:"required"`
	Table  string `yaml:"table" validate:"required"`
}

// LocalConfig points a document set at an index file written by ingest.
type LocalConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// DocumentSetConfig is one selectable corpus.
type DocumentSetConfig struct {
	Name       string            `yaml:"name" validate:"required"`
	Label      string            `yaml:"label"`
	Backend    string            `yaml:"backend" validate:"oneof=llamacloud qdrant pgvector local"`
	LlamaCloud *LlamaCloudConfig `yaml:"llamacloud,omitempty" validate:"required_if=Backend llamacloud"`
	Qdrant     *QdrantConfig     `yaml:"qdrant,omitempty" validate:"required_if=Backend qdrant"`
	PGVector   *PGVectorConfig   `yaml:"pgvector,omitempty" validate:"required_if=Backend pgvector"`
	Local      *LocalConfig      `yaml:"local,omitempty" validate:"required_if=Backend local"`
}

// DisplayName is the label shown in set pickers.
func (d DocumentSetConfig) DisplayName() string {
	if d.Label != "" {
		return d.Label
	}
	return d.Name
}

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries" validate:"gte=0"`
}

// EmbedderConfig selects and configures the text embedder used by the
// qdrant, pgvector and local backends and by ingest.
type EmbedderConfig struct {
	Type   string                `yaml:"type" validate:"oneof=tfidf openai"`
	OpenAI *OpenAIEmbedderConfig `yaml:"openai,omitempty"`
}

// CompletionConfig configures the chat completion model.
type CompletionConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKeyEnv   string  `yaml:"api_key_env" validate:"required"`
	OrgIDEnv    string  `yaml:"org_id_env"`
	Model       string  `yaml:"model" validate:"required"`
	Temperature float32 `yaml:"temperature" validate:"gte=0,lte=2"`
	TimeoutSecs int     `yaml:"timeout_secs" validate:"gt=0"`
	Stream      bool    `yaml:"stream"`
}

// ChunkerConfig configures how documents are split into chunks.
type ChunkerConfig struct {
	Type              string `yaml:"type" validate:"oneof=sentence"`
	SentencesPerChunk int    `yaml:"sentences_per_chunk" validate:"gt=0"`
	OverlapSentences  int    `yaml:"overlap_sentences" validate:"gte=0"`
}

// SummarizerConfig selects and configures the ingest digest summarizer.
type SummarizerConfig struct {
	Type         string `yaml:"type" validate:"oneof=frequency"`
	MaxSentences int    `yaml:"max_sentences" validate:"gt=0"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Log          LogConfig           `yaml:"log"`
	Server       ServerConfig        `yaml:"server"`
	Session      SessionConfig       `yaml:"session"`
	Retrieval    RetrievalConfig     `yaml:"retrieval"`
	DocumentSets []DocumentSetConfig `yaml:"document_sets" validate:"required,min=1,unique=Name,dive"`
	Embedder     EmbedderConfig      `yaml:"embedder"`
	Completion   CompletionConfig    `yaml:"completion"`
	Chunker      ChunkerConfig       `yaml:"chunker"`
	Summarizer   SummarizerConfig    `yaml:"summarizer"`
}

// Set returns the named document set.
func (c *AppConfig) Set(name string) (DocumentSetConfig, bool) {
	for _, s := range c.DocumentSets {
		if s.Name == name {
			return s, true
		}
	}
	return DocumentSetConfig{}, false
}

// SessionTTL is the idle lifetime of a session.
func (c *AppConfig) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLMinutes) * time.Minute
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
// Environment overrides are applied and the result is validated.
func Load(path string) (*AppConfig, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyConfigDefaults(cfg)
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/gambler/config.yaml.
// If neither exists, it writes defaults to ~/.config/gambler/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	if err := Save(userPath, defaultConfig()); err != nil {
		return nil, "", err
	}
	cfg, err := Load(userPath)
	return cfg, userPath, err
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "gambler", "config.yaml"), nil
}

func defaultConfig() *AppConfig {
	return &AppConfig{
		Log:     LogConfig{Level: "info", Format: "console"},
		Server:  ServerConfig{Addr: ":8080", Title: "CSG Docs Chat"},
		Session: SessionConfig{Backend: "memory", TTLMinutes: 60},
		Retrieval: RetrievalConfig{
			TopK:          5,
			MinSimilarity: 0.6,
		},
		DocumentSets: []DocumentSetConfig{{
			Name:    "csg-docs",
			Label:   "CSG Justice Center publications",
			Backend: "llamacloud",
			LlamaCloud: &LlamaCloudConfig{
				IndexName:   "csg-docs-2",
				ProjectName: "Default",
			},
		}},
		Embedder: EmbedderConfig{Type: "tfidf"},
		Completion: CompletionConfig{
			Model:       "gpt-4o",
			Temperature: 0.7,
			Stream:      true,
		},
		Chunker:    ChunkerConfig{Type: "sentence", SentencesPerChunk: 5, OverlapSentences: 1},
		Summarizer: SummarizerConfig{Type: "frequency", MaxSentences: 5},
	}
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Session.Backend == "" {
		cfg.Session.Backend = "memory"
	}
	if cfg.Session.TTLMinutes == 0 {
		cfg.Session.TTLMinutes = 60
	}
	if r := cfg.Session.Redis; r != nil && r.KeyPrefix == "" {
		r.KeyPrefix = "gambler:session:"
	}
	if cfg.Retrieval.DefaultSet == "" && len(cfg.DocumentSets) > 0 {
		cfg.Retrieval.DefaultSet = cfg.DocumentSets[0].Name
	}
	for i := range cfg.DocumentSets {
		applySetDefaults(&cfg.DocumentSets[i])
	}
	if cfg.Embedder.Type == "" {
		cfg.Embedder.Type = "tfidf"
	}
	if cfg.Embedder.Type == "openai" {
		if cfg.Embedder.OpenAI == nil {
			cfg.Embedder.OpenAI = &OpenAIEmbedderConfig{}
		}
		o := cfg.Embedder.OpenAI
		if o.BaseURL == "" {
			o.BaseURL = "https://api.openai.com/v1"
		}
		if o.APIKeyEnv == "" {
			o.APIKeyEnv = "OPENAI_API_KEY"
		}
		if o.Model == "" {
			o.Model = "text-embedding-3-small"
		}
		if o.TimeoutSecs == 0 {
			o.TimeoutSecs = 30
		}
	}
	if cfg.Completion.BaseURL == "" {
		cfg.Completion.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Completion.APIKeyEnv == "" {
		cfg.Completion.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Completion.Model == "" {
		cfg.Completion.Model = "gpt-4o"
	}
	if cfg.Completion.TimeoutSecs == 0 {
		cfg.Completion.TimeoutSecs = 120
	}
	if cfg.Chunker.Type == "" {
		cfg.Chunker.Type = "sentence"
	}
	if cfg.Chunker.SentencesPerChunk == 0 {
		cfg.Chunker.SentencesPerChunk = 5
	}
	if cfg.Summarizer.Type == "" {
		cfg.Summarizer.Type = "frequency"
	}
	if cfg.Summarizer.MaxSentences == 0 {
		cfg.Summarizer.MaxSentences = 5
	}
}

func applySetDefaults(s *DocumentSetConfig) {
	switch s.Backend {
	case "llamacloud":
		if s.LlamaCloud == nil {
			return
		}
		if s.LlamaCloud.BaseURL == "" {
			s.LlamaCloud.BaseURL = "https://api.cloud.llamaindex.ai"
		}
		if s.LlamaCloud.APIKeyEnv == "" {
			s.LlamaCloud.APIKeyEnv = "LLAMA_CLOUD_API_KEY"
		}
		if s.LlamaCloud.ProjectName == "" {
			s.LlamaCloud.ProjectName = "Default"
		}
		if s.LlamaCloud.TimeoutSecs == 0 {
			s.LlamaCloud.TimeoutSecs = 30
		}
	case "qdrant":
		if s.Qdrant != nil && s.Qdrant.TimeoutSecs == 0 {
			s.Qdrant.TimeoutSecs = 15
		}
	case "pgvector":
		if s.PGVector == nil {
			return
		}
		if s.PGVector.DSNEnv == "" {
			s.PGVector.DSNEnv = "DATABASE_URL"
		}
		if s.PGVector.Table == "" {
			s.PGVector.Table = "excerpts"
		}
	}
}

// applyEnvOverrides lets deployments adjust the common knobs without a file.
func applyEnvOverrides(cfg *AppConfig) error {
	if v := os.Getenv("GAMBLER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("GAMBLER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("GAMBLER_DEFAULT_SET"); v != "" {
		cfg.Retrieval.DefaultSet = v
	}
	if v := os.Getenv("GAMBLER_TOP_K"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GAMBLER_TOP_K: %w", err)
		}
		cfg.Retrieval.TopK = n
	}
	if v := os.Getenv("GAMBLER_MIN_SIMILARITY"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("GAMBLER_MIN_SIMILARITY: %w", err)
		}
		cfg.Retrieval.MinSimilarity = f
	}
	return nil
}
