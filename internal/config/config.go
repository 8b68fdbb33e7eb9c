package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the knowd API configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Metadata  MetadataConfig  `yaml:"metadata"`
	Vector    VectorConfig    `yaml:"vector"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Cache     CacheConfig     `yaml:"cache"`
	Search    SearchConfig    `yaml:"search"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// MetadataConfig holds the PostgreSQL connection settings.
type MetadataConfig struct {
	DSN              string `yaml:"dsn"`
	ReadinessTimeout int    `yaml:"readiness_timeout_sec"`
}

// VectorConfig holds vector backend settings. Backend selects the
// implementation: "local" (embedded) or "milvus" (managed).
type VectorConfig struct {
	Backend      string             `yaml:"backend"`
	Collection   string             `yaml:"collection"`
	InitAttempts int                `yaml:"init_attempts"`
	Local        LocalVectorConfig  `yaml:"local"`
	Milvus       MilvusVectorConfig `yaml:"milvus"`
}

// LocalVectorConfig holds embedded index settings.
type LocalVectorConfig struct {
	Path     string `yaml:"path"`
	HNSWM    int    `yaml:"hnsw_m"`
	EfSearch int    `yaml:"ef_search"`
}

// MilvusVectorConfig holds managed Milvus settings.
type MilvusVectorConfig struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	Provider   string `yaml:"provider"`
}

// CacheConfig holds the optional embedding cache settings. An empty
// Addrs list disables the cache.
type CacheConfig struct {
	Addrs    []string `yaml:"addrs"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
}

// SearchConfig holds search and pagination limits.
type SearchConfig struct {
	DefaultLimit    int `yaml:"default_limit"`
	MaxLimit        int `yaml:"max_limit"`
	MaxQueryLen     int `yaml:"max_query_len"`
	DefaultPageSize int `yaml:"default_page_size"`
	MaxPageSize     int `yaml:"max_page_size"`
	KeywordScanCap  int `yaml:"keyword_scan_cap"`
}

// JobsConfig holds job retention settings.
type JobsConfig struct {
	RetentionHours   int `yaml:"retention_hours"`
	SweepIntervalMin int `yaml:"sweep_interval_min"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 30
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Metadata.ReadinessTimeout <= 0 {
		c.Metadata.ReadinessTimeout = 30
	}
	if c.Vector.Backend == "" {
		c.Vector.Backend = "local"
	}
	if c.Vector.Collection == "" {
		c.Vector.Collection = "knowledge_documents"
	}
	if c.Vector.InitAttempts <= 0 {
		c.Vector.InitAttempts = 5
	}
	if c.Vector.Local.Path == "" {
		c.Vector.Local.Path = "./data/vectors"
	}
	if c.Vector.Local.HNSWM <= 0 {
		c.Vector.Local.HNSWM = 16
	}
	if c.Vector.Local.EfSearch <= 0 {
		c.Vector.Local.EfSearch = 20
	}
	if c.Vector.Milvus.Database == "" {
		c.Vector.Milvus.Database = "default"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-small"
	}
	if c.Embedding.Dimensions <= 0 {
		c.Embedding.Dimensions = 1536
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "openai"
	}
	if c.Search.DefaultLimit <= 0 {
		c.Search.DefaultLimit = 10
	}
	if c.Search.MaxLimit <= 0 {
		c.Search.MaxLimit = 50
	}
	if c.Search.MaxQueryLen <= 0 {
		c.Search.MaxQueryLen = 1000
	}
	if c.Search.DefaultPageSize <= 0 {
		c.Search.DefaultPageSize = 20
	}
	if c.Search.MaxPageSize <= 0 {
		c.Search.MaxPageSize = 100
	}
	if c.Search.KeywordScanCap <= 0 {
		c.Search.KeywordScanCap = 1000
	}
	if c.Jobs.RetentionHours <= 0 {
		c.Jobs.RetentionHours = 24
	}
	if c.Jobs.SweepIntervalMin <= 0 {
		c.Jobs.SweepIntervalMin = 60
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.Metadata.DSN == "" {
		return fmt.Errorf("metadata.dsn is required")
	}
	switch c.Vector.Backend {
	case "local":
		// path has a default
	case "milvus":
		if c.Vector.Milvus.Address == "" {
			return fmt.Errorf("vector.milvus.address is required for the milvus backend")
		}
	default:
		return fmt.Errorf("vector.backend must be \"local\" or \"milvus\", got %q", c.Vector.Backend)
	}
	if c.Embedding.APIKey == "" {
		return fmt.Errorf("embedding.api_key is required")
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
