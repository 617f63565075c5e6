package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xxxsen/common/logger"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port                int              `json:"port"`
	JWTSecret           string           `json:"jwt_secret"`
	CORS                []string         `json:"cors"`
	AskRateLimitSeconds int              `json:"ask_rate_limit_seconds"`
	LogConfig           logger.LogConfig `json:"log_config"`
	Database            DatabaseConfig   `json:"database"`
	FileStore           FileStoreConfig  `json:"file_store"`
	AI                  AIConfig         `json:"ai"`
	EmbedCache          EmbedCacheConfig `json:"embed_cache"`
	Speech              SpeechConfig     `json:"speech"`
	Audio               AudioConfig      `json:"audio"`
	RAG                 RAGConfig        `json:"rag"`
	Align               AlignConfig      `json:"align"`
	Analysis            AnalysisConfig   `json:"analysis"`
	Jobs                JobsConfig       `json:"jobs"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

// Enabled reports whether a postgres connection is configured. Without one
// the server keeps meetings and vectors in memory.
func (c DatabaseConfig) Enabled() bool {
	return c.DSN != "" || c.Host != ""
}

type FileStoreConfig struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type ProviderConfig struct {
	Name     string      `json:"name"`
	Provider string      `json:"provider"`
	Model    string      `json:"model"`
	Data     interface{} `json:"data"`
}

type AIConfig struct {
	Generators    []ProviderConfig `json:"generators"`
	Embedders     []ProviderConfig `json:"embedders"`
	Timeout       int              `json:"timeout"`
	MaxInputChars int              `json:"max_input_chars"`
}

type EmbedCacheConfig struct {
	LRUSize       int  `json:"lru_size"`
	LRUTTLSeconds int  `json:"lru_ttl_seconds"`
	UseDB         bool `json:"use_db"`
}

type SpeechConfig struct {
	Transcriber ProviderConfig `json:"transcriber"`
	Diarizer    ProviderConfig `json:"diarizer"`
	Language    string         `json:"language"`
}

type AudioConfig struct {
	SampleRate         int     `json:"sample_rate"`
	Channels           int     `json:"channels"`
	BytesPerSample     int     `json:"bytes_per_sample"`
	ChunkSeconds       float64 `json:"chunk_seconds"`
	MaxBufferBytes     int     `json:"max_buffer_bytes"`
	SilenceThreshold   float64 `json:"silence_threshold"`
	RecordingDir       string  `json:"recording_dir"`
	LiveQueueSize      int     `json:"live_queue_size"`
	IdleTimeoutSeconds int     `json:"idle_timeout_seconds"`
}

type RAGConfig struct {
	VectorStore    string `json:"vector_store"`
	ChunkSize      int    `json:"chunk_size"`
	ChunkOverlap   int    `json:"chunk_overlap"`
	TopK           int    `json:"top_k"`
	EmbedBatchSize int    `json:"embed_batch_size"`
}

type AlignConfig struct {
	MinCoverage float64 `json:"min_coverage"`
}

type AnalysisConfig struct {
	Workers        int `json:"workers"`
	QueueSize      int `json:"queue_size"`
	TimeoutSeconds int `json:"timeout_seconds"`
}

type JobsConfig struct {
	SessionReaper         string `json:"session_reaper"`
	RecordingCleanup      string `json:"recording_cleanup"`
	RecordingMaxAgeDays   int    `json:"recording_max_age_days"`
	EmbeddingCacheCleanup string `json:"embedding_cache_cleanup"`
	EmbeddingCacheMaxDays int    `json:"embedding_cache_max_days"`
	ReindexPending        string `json:"reindex_pending"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := decodeYAML(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decodeYAML routes yaml through the json tags so both formats share one schema.
func decodeYAML(raw []byte, dst *Config) error {
	var generic map[string]interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return err
	}
	data, err := json.Marshal(generic)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.FileStore.Type == "" {
		cfg.FileStore.Type = "local"
	}
	if cfg.AI.Timeout == 0 {
		cfg.AI.Timeout = 60
	}
	if cfg.Speech.Language == "" {
		cfg.Speech.Language = "en"
	}
	a := &cfg.Audio
	if a.SampleRate == 0 {
		a.SampleRate = 16000
	}
	if a.Channels == 0 {
		a.Channels = 1
	}
	if a.BytesPerSample == 0 {
		a.BytesPerSample = 2
	}
	if a.ChunkSeconds == 0 {
		a.ChunkSeconds = 3
	}
	if a.SilenceThreshold == 0 {
		a.SilenceThreshold = 300
	}
	if a.RecordingDir == "" {
		a.RecordingDir = "./data/recordings"
	}
	if a.LiveQueueSize == 0 {
		a.LiveQueueSize = 8
	}
	if a.IdleTimeoutSeconds == 0 {
		a.IdleTimeoutSeconds = 300
	}
	r := &cfg.RAG
	if r.VectorStore == "" {
		if cfg.Database.Enabled() {
			r.VectorStore = "pgvector"
		} else {
			r.VectorStore = "memory"
		}
	}
	if r.ChunkSize == 0 {
		r.ChunkSize = 500
	}
	if r.ChunkOverlap == 0 {
		r.ChunkOverlap = 50
	}
	if r.TopK == 0 {
		r.TopK = 3
	}
	if r.EmbedBatchSize == 0 {
		r.EmbedBatchSize = 32
	}
	if cfg.Analysis.Workers == 0 {
		cfg.Analysis.Workers = 2
	}
	if cfg.Analysis.QueueSize == 0 {
		cfg.Analysis.QueueSize = 64
	}
	if cfg.Analysis.TimeoutSeconds == 0 {
		cfg.Analysis.TimeoutSeconds = 1800
	}
	j := &cfg.Jobs
	if j.SessionReaper == "" {
		j.SessionReaper = "* * * * *"
	}
	if j.RecordingMaxAgeDays == 0 {
		j.RecordingMaxAgeDays = 7
	}
	if j.EmbeddingCacheMaxDays == 0 {
		j.EmbeddingCacheMaxDays = 30
	}
}

func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port is invalid")
	}
	a := c.Audio
	if a.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive")
	}
	if a.Channels <= 0 || a.Channels > 8 {
		return fmt.Errorf("audio.channels must be between 1 and 8")
	}
	if a.BytesPerSample <= 0 || a.BytesPerSample > 4 {
		return fmt.Errorf("audio.bytes_per_sample must be between 1 and 4")
	}
	if a.ChunkSeconds <= 0 {
		return fmt.Errorf("audio.chunk_seconds must be positive")
	}
	if a.MaxBufferBytes < 0 {
		return fmt.Errorf("audio.max_buffer_bytes must not be negative")
	}
	if c.RAG.ChunkSize <= 0 {
		return fmt.Errorf("rag.chunk_size must be positive")
	}
	if c.RAG.ChunkOverlap < 0 {
		return fmt.Errorf("rag.chunk_overlap must not be negative")
	}
	switch c.RAG.VectorStore {
	case "memory":
	case "pgvector":
		if !c.Database.Enabled() {
			return fmt.Errorf("rag.vector_store pgvector requires database")
		}
	default:
		return fmt.Errorf("rag.vector_store must be memory or pgvector")
	}
	if c.Align.MinCoverage < 0 || c.Align.MinCoverage > 1 {
		return fmt.Errorf("align.min_coverage must be within [0,1]")
	}
	if c.EmbedCache.UseDB && !c.Database.Enabled() {
		return fmt.Errorf("embed_cache.use_db requires database")
	}
	for i, p := range c.AI.Generators {
		if strings.TrimSpace(p.Provider) == "" {
			return fmt.Errorf("ai.generators[%d].provider is required", i)
		}
	}
	for i, p := range c.AI.Embedders {
		if strings.TrimSpace(p.Provider) == "" {
			return fmt.Errorf("ai.embedders[%d].provider is required", i)
		}
	}
	return nil
}
