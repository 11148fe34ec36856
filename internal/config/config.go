// Package config handles Trove configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	if path == "~" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return homeDir
	}
	return path
}

// Config holds all Trove configuration.
type Config struct {
	// Daemon configuration
	DataDir   string `mapstructure:"data_dir" yaml:"data_dir"`
	Listen    string `mapstructure:"listen" yaml:"listen"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`

	// HTTP server configuration
	API APIConfig `mapstructure:"api" yaml:"api"`

	// Crawl worker pool configuration
	Workers WorkersConfig `mapstructure:"workers" yaml:"workers"`

	// Periodic re-index scheduling
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`

	// Indexing pipeline configuration
	Indexing IndexingConfig `mapstructure:"indexing" yaml:"indexing"`

	// ML model endpoints
	ML MLConfig `mapstructure:"ml" yaml:"ml"`

	// Vector index backend
	Vector VectorConfig `mapstructure:"vector" yaml:"vector"`

	// Anonymous usage counters
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// APIConfig holds HTTP server configuration.
type APIConfig struct {
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// WorkersConfig holds crawl worker pool configuration.
type WorkersConfig struct {
	Count       int           `mapstructure:"count" yaml:"count"`
	GetTimeout  time.Duration `mapstructure:"get_timeout" yaml:"get_timeout"`
	TaskTimeout time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
}

// SchedulerConfig holds the re-index cadence. Tick is how often sources are
// examined; ReindexAfter is how stale a source must be before index() runs.
type SchedulerConfig struct {
	Tick         time.Duration `mapstructure:"tick" yaml:"tick"`
	ReindexAfter time.Duration `mapstructure:"reindex_after" yaml:"reindex_after"`
}

// IndexingConfig holds indexing pipeline configuration.
type IndexingConfig struct {
	MinChunkChars int           `mapstructure:"min_chunk_chars" yaml:"min_chunk_chars"`
	BatchMaxDocs  int           `mapstructure:"batch_max_docs" yaml:"batch_max_docs"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

// MLConfig holds model endpoint configuration. GPU widens the candidate
// counts used by the query pipeline.
type MLConfig struct {
	GPU       bool           `mapstructure:"gpu" yaml:"gpu"`
	Embedding EmbeddingConfig `mapstructure:"embedding" yaml:"embedding"`
	Rerank    RerankConfig    `mapstructure:"rerank" yaml:"rerank"`
	QA        QAConfig        `mapstructure:"qa" yaml:"qa"`
}

// EmbeddingConfig holds bi-encoder configuration.
type EmbeddingConfig struct {
	Provider       string `mapstructure:"provider" yaml:"provider"`
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint"`
	Model          string `mapstructure:"model" yaml:"model"`
	Dimension      int    `mapstructure:"dimension" yaml:"dimension"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// RerankConfig holds the two cross-encoder endpoints: the small model prunes
// the recall union cheaply, the large model produces the final ordering.
type RerankConfig struct {
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint"`
	SmallModel     string `mapstructure:"small_model" yaml:"small_model"`
	LargeModel     string `mapstructure:"large_model" yaml:"large_model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// QAConfig holds the extractive question-answering endpoint.
type QAConfig struct {
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint"`
	Model          string `mapstructure:"model" yaml:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// VectorConfig selects the dense index backend.
type VectorConfig struct {
	Backend string       `mapstructure:"backend" yaml:"backend"` // "chromem" or "qdrant"
	Qdrant  QdrantConfig `mapstructure:"qdrant" yaml:"qdrant"`
}

// QdrantConfig holds settings for the external qdrant backend.
type QdrantConfig struct {
	Host       string `mapstructure:"host" yaml:"host"`
	Port       int    `mapstructure:"port" yaml:"port"`
	Collection string `mapstructure:"collection" yaml:"collection"`
	UseTLS     bool   `mapstructure:"use_tls" yaml:"use_tls"`
	APIKey     string `mapstructure:"api_key" yaml:"api_key"`
}

// TelemetryConfig toggles the anonymous usage counters.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".trove")

	return &Config{
		DataDir:   dataDir,
		Listen:    ":8080",
		LogLevel:  "info",
		LogFormat: "json",

		API: APIConfig{
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},

		Workers: WorkersConfig{
			Count:       20,
			GetTimeout:  time.Second,
			TaskTimeout: 10 * time.Minute,
		},

		Scheduler: SchedulerConfig{
			Tick:         time.Minute,
			ReindexAfter: time.Hour,
		},

		Indexing: IndexingConfig{
			MinChunkChars: 256,
			BatchMaxDocs:  5000,
			DrainTimeout:  time.Second,
		},

		ML: MLConfig{
			GPU: false,
			Embedding: EmbeddingConfig{
				Provider:       "ollama",
				Endpoint:       "http://localhost:11434",
				Model:          "all-minilm",
				Dimension:      384,
				TimeoutSeconds: 120,
			},
			Rerank: RerankConfig{
				Endpoint:       "http://localhost:8501",
				SmallModel:     "cross-encoder/ms-marco-TinyBERT-L-2-v2",
				LargeModel:     "cross-encoder/ms-marco-MiniLM-L-6-v2",
				TimeoutSeconds: 60,
			},
			QA: QAConfig{
				Endpoint:       "http://localhost:8501",
				Model:          "deepset/roberta-base-squad2",
				TimeoutSeconds: 60,
			},
		},

		Vector: VectorConfig{
			Backend: "chromem",
			Qdrant: QdrantConfig{
				Host:       "localhost",
				Port:       6334,
				Collection: "trove_chunks",
			},
		},

		Telemetry: TelemetryConfig{
			Enabled: true,
		},
	}
}

// Load loads configuration from files and environment.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("trove")
	v.SetConfigType("yaml")

	homeDir, _ := os.UserHomeDir()
	v.AddConfigPath(filepath.Join(homeDir, ".trove"))
	v.AddConfigPath("/etc/trove")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TROVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is OK, use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	cfg.DataDir = expandPath(cfg.DataDir)

	return cfg, nil
}

// WriteDefault writes a default config file at path, refusing to overwrite.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}

// DatabasePath returns the path to the metadata store.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "db.sqlite3")
}

// TaskQueuePath returns the path to the crawl-task queue.
func (c *Config) TaskQueuePath() string {
	return filepath.Join(c.DataDir, "tasks.sqlite3")
}

// IndexQueuePath returns the path to the document indexing queue.
func (c *Config) IndexQueuePath() string {
	return filepath.Join(c.DataDir, "indexing.sqlite3")
}

// VectorIndexPath returns the path to the dense index snapshot.
func (c *Config) VectorIndexPath() string {
	return filepath.Join(c.DataDir, "vector_index.bin")
}

// LexicalIndexPath returns the path to the BM25 index snapshot.
func (c *Config) LexicalIndexPath() string {
	return filepath.Join(c.DataDir, "bm25_index.bin")
}

// InstallIDPath returns the path of the stable anonymous install id.
func (c *Config) InstallIDPath() string {
	return filepath.Join(c.DataDir, ".uuid")
}

// LogPath returns the path to the log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "trove.log")
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return err
	}
	return nil
}
