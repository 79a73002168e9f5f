package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	dmerrors "github.com/hpungsan/devmem/internal/errors"
)

// Config holds application configuration.
type Config struct {
	// PostgresURL is the connection string for the relational/vector store.
	PostgresURL string `json:"postgres_url,omitempty"`

	// VectorDimensions is the embedding column width of the vector store.
	VectorDimensions int `json:"vector_dimensions" validate:"gte=1,lte=16000"`

	// Neo4jURI is the bolt/neo4j URI of the graph store.
	Neo4jURI      string `json:"neo4j_uri,omitempty"`
	Neo4jUser     string `json:"neo4j_user,omitempty"`
	Neo4jPassword string `json:"neo4j_password,omitempty"`
	Neo4jDatabase string `json:"neo4j_database,omitempty"`

	// ElasticAddresses lists search/analytics store nodes.
	ElasticAddresses []string `json:"elastic_addresses,omitempty" validate:"omitempty,dive,url"`
	ElasticIndex     string   `json:"elastic_index" validate:"required"`
	ElasticUsername  string   `json:"elastic_username,omitempty"`
	ElasticPassword  string   `json:"elastic_password,omitempty"`

	// DuplicateThreshold is the cosine similarity at or above which two records
	// are reported as duplicate candidates.
	DuplicateThreshold float64 `json:"duplicate_threshold" validate:"gt=0,lte=1"`

	// DuplicateWindowHours bounds the created_at distance of compared records.
	DuplicateWindowHours float64 `json:"duplicate_window_hours" validate:"gt=0"`

	// SimilarMaxDistance bounds nearest-neighbour queries (cosine distance).
	SimilarMaxDistance float64 `json:"similar_max_distance" validate:"gt=0,lte=2"`

	// StoreTimeoutSeconds is the per-store timeout during reconciliation.
	StoreTimeoutSeconds int `json:"store_timeout_seconds" validate:"gte=1"`

	// Workers sizes the normalize/classify worker pool.
	Workers int `json:"workers" validate:"gte=1,lte=256"`

	// RebuildLockTTLSeconds is how long a rebuild lease lives before another
	// process may take it over.
	RebuildLockTTLSeconds int `json:"rebuild_lock_ttl_seconds" validate:"gte=1"`

	// RebuildBatchSize is the number of nodes or edges written per graph statement.
	RebuildBatchSize int `json:"rebuild_batch_size" validate:"gte=1"`

	// PolicyPath points at a YAML classification policy. Empty uses built-in rules.
	PolicyPath string `json:"policy_path,omitempty"`

	LogLevel  string `json:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `json:"log_format" validate:"oneof=json console"`

	// MetricsTextfile, when set, receives Prometheus metrics after each command.
	MetricsTextfile string `json:"metrics_textfile,omitempty"`

	// AllowedPaths is an allowlist of directories for input files and reports.
	// Paths outside ~/.devmem/reports require either being in this list or AllowUnsafePaths=true.
	// Paths should be absolute (relative paths are ignored).
	AllowedPaths []string `json:"allowed_paths,omitempty"`

	// AllowUnsafePaths disables directory restrictions for input files and reports.
	// Symlink and extension checks still apply.
	AllowUnsafePaths bool `json:"allow_unsafe_paths,omitempty"`

	// DBMaxOpenConns limits the maximum number of open ledger connections.
	// 0 means use sql.DB default.
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty" validate:"gte=0"`

	// DBMaxIdleConns limits the maximum number of idle ledger connections.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty" validate:"gte=0"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		VectorDimensions:      768,
		Neo4jDatabase:         "neo4j",
		ElasticIndex:          "memory_analysis",
		DuplicateThreshold:    0.95,
		DuplicateWindowHours:  24,
		SimilarMaxDistance:    0.5,
		StoreTimeoutSeconds:   10,
		Workers:               4,
		RebuildLockTTLSeconds: 600,
		RebuildBatchSize:      500,
		LogLevel:              "info",
		LogFormat:             "console",
	}
}

// StoreTimeout returns the per-store reconciliation timeout.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSeconds) * time.Second
}

// DuplicateWindow returns the duplicate comparison window.
func (c *Config) DuplicateWindow() time.Duration {
	return time.Duration(c.DuplicateWindowHours * float64(time.Hour))
}

// RebuildLockTTL returns the rebuild lease lifetime.
func (c *Config) RebuildLockTTL() time.Duration {
	return time.Duration(c.RebuildLockTTLSeconds) * time.Second
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks field ranges. An out-of-range duplicate threshold or window
// yields DUPLICATE_THRESHOLD; anything else yields INVALID_REQUEST.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return dmerrors.NewInternal(err)
	}
	for _, fe := range verrs {
		switch fe.StructField() {
		case "DuplicateThreshold", "DuplicateWindowHours":
			return dmerrors.NewDuplicateThreshold(c.DuplicateThreshold, c.DuplicateWindow())
		}
	}
	fe := verrs[0]
	return dmerrors.NewInvalidRequest("config: " + fe.Field() + " failed " + fe.Tag() + " check")
}

// ApplyEnv overlays credentials from the environment so they can stay out of
// config files.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("DEVMEM_POSTGRES_URL"); v != "" {
		c.PostgresURL = v
	}
	if v := os.Getenv("DEVMEM_NEO4J_PASSWORD"); v != "" {
		c.Neo4jPassword = v
	}
	if v := os.Getenv("DEVMEM_ELASTIC_PASSWORD"); v != "" {
		c.ElasticPassword = v
	}
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// LoadWithRepo loads configuration from both global (~/.devmem) and repo (.devmem) directories.
// Repo config is found by walking upward from startDir to find the nearest .devmem/config.json.
// Repo config takes precedence for scalar values; arrays are merged (deduplicated).
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	repo, err := loadFileRaw(FindRepoConfig(startDir))
	if err != nil {
		return nil, err
	}

	return Merge(Merge(DefaultConfig(), global), repo), nil
}

// FindRepoConfig walks upward from startDir to find the nearest .devmem/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".devmem", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// loadFileRaw returns a zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{
		PostgresURL:           pickString(base.PostgresURL, overlay.PostgresURL),
		VectorDimensions:      pickInt(base.VectorDimensions, overlay.VectorDimensions),
		Neo4jURI:              pickString(base.Neo4jURI, overlay.Neo4jURI),
		Neo4jUser:             pickString(base.Neo4jUser, overlay.Neo4jUser),
		Neo4jPassword:         pickString(base.Neo4jPassword, overlay.Neo4jPassword),
		Neo4jDatabase:         pickString(base.Neo4jDatabase, overlay.Neo4jDatabase),
		ElasticIndex:          pickString(base.ElasticIndex, overlay.ElasticIndex),
		ElasticUsername:       pickString(base.ElasticUsername, overlay.ElasticUsername),
		ElasticPassword:       pickString(base.ElasticPassword, overlay.ElasticPassword),
		DuplicateThreshold:    pickFloat(base.DuplicateThreshold, overlay.DuplicateThreshold),
		DuplicateWindowHours:  pickFloat(base.DuplicateWindowHours, overlay.DuplicateWindowHours),
		SimilarMaxDistance:    pickFloat(base.SimilarMaxDistance, overlay.SimilarMaxDistance),
		StoreTimeoutSeconds:   pickInt(base.StoreTimeoutSeconds, overlay.StoreTimeoutSeconds),
		Workers:               pickInt(base.Workers, overlay.Workers),
		RebuildLockTTLSeconds: pickInt(base.RebuildLockTTLSeconds, overlay.RebuildLockTTLSeconds),
		RebuildBatchSize:      pickInt(base.RebuildBatchSize, overlay.RebuildBatchSize),
		PolicyPath:            pickString(base.PolicyPath, overlay.PolicyPath),
		LogLevel:              pickString(base.LogLevel, overlay.LogLevel),
		LogFormat:             pickString(base.LogFormat, overlay.LogFormat),
		MetricsTextfile:       pickString(base.MetricsTextfile, overlay.MetricsTextfile),
		DBMaxOpenConns:        pickInt(base.DBMaxOpenConns, overlay.DBMaxOpenConns),
		DBMaxIdleConns:        pickInt(base.DBMaxIdleConns, overlay.DBMaxIdleConns),
	}

	// Booleans: overlay wins if true, else base
	result.AllowUnsafePaths = base.AllowUnsafePaths || overlay.AllowUnsafePaths

	// Arrays: merge and deduplicate
	result.AllowedPaths = mergeStringSlice(base.AllowedPaths, overlay.AllowedPaths)
	result.ElasticAddresses = mergeStringSlice(base.ElasticAddresses, overlay.ElasticAddresses)

	return result
}

func pickString(base, overlay string) string {
	if overlay != "" {
		return overlay
	}
	return base
}

func pickInt(base, overlay int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

func pickFloat(base, overlay float64) float64 {
	if overlay != 0 {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, list := range [][]string{a, b} {
		for _, s := range list {
			s = strings.TrimSpace(s)
			if s != "" && !seen[s] {
				seen[s] = true
				result = append(result, s)
			}
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
