package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tvheadendepg/internal/entry"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// EntriesFileName is the entries file looked up in the config directory.
const EntriesFileName = "tvheadend.yaml"

// Storage backends accepted in STORAGE_BACKEND.
const (
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Env holds the process settings read from the environment.
type Env struct {
	HAURL          string
	HAToken        string
	ReadOnly       bool
	ConfigDir      string
	StorageBackend string
	DataDir        string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	APIPort        int
}

// LoadEnv reads Env from the process environment, applying defaults.
func LoadEnv() (Env, error) {
	env := Env{
		HAURL:          os.Getenv("HA_URL"),
		HAToken:        os.Getenv("HA_TOKEN"),
		ReadOnly:       os.Getenv("READ_ONLY") == "true",
		ConfigDir:      valueOr(os.Getenv("CONFIG_DIR"), "./configs"),
		StorageBackend: valueOr(os.Getenv("STORAGE_BACKEND"), BackendBolt),
		DataDir:        valueOr(os.Getenv("DATA_DIR"), "./data"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		APIPort:        8081,
	}

	var errs []error
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("REDIS_DB: %w", err))
		}
		env.RedisDB = db
	}
	if v := os.Getenv("API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("API_PORT: invalid port %q", v))
		}
		env.APIPort = port
	}

	switch env.StorageBackend {
	case BackendBolt, BackendMemory:
	case BackendRedis:
		if env.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR must be set for the redis storage backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND: unknown backend %q", env.StorageBackend))
	}

	if (env.HAURL == "") != (env.HAToken == "") {
		errs = append(errs, errors.New("HA_URL and HA_TOKEN must be set together"))
	}

	return env, errors.Join(errs...)
}

// HAEnabled reports whether Home Assistant publishing is configured.
func (e Env) HAEnabled() bool {
	return e.HAURL != "" && e.HAToken != ""
}

// BoltPath is the snapshot database path inside DataDir.
func (e Env) BoltPath() string {
	return filepath.Join(e.DataDir, "epg.db")
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// EntryConfig is one connection in tvheadend.yaml.
type EntryConfig struct {
	ID       string `yaml:"id"`
	Title    string `yaml:"title"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Scheme   string `yaml:"scheme"`
	Path     string `yaml:"path"`
	Username string `yaml:"username"`
	// Password may reference environment variables, e.g. "${TVH_PASSWORD}".
	Password string `yaml:"password"`
	Limit    int    `yaml:"limit"`
	// Interval is a Go duration such as "15m".
	Interval string `yaml:"interval"`
}

// EntriesConfig represents the tvheadend.yaml structure
type EntriesConfig struct {
	Entries []EntryConfig `yaml:"entries"`
}

// Loader reads the entries file from the config directory.
type Loader struct {
	configDir string
	logger    *zap.Logger
	entries   []entry.Config
}

// NewLoader creates a new configuration loader
func NewLoader(configDir string, logger *zap.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger.Named("config"),
	}
}

// LoadEntries loads and validates tvheadend.yaml.
func (l *Loader) LoadEntries() ([]entry.Config, error) {
	path := filepath.Join(l.configDir, EntriesFileName)
	l.logger.Debug("Loading entries config", zap.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read entries config: %w", err)
	}

	var file EntriesConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse entries config: %w", err)
	}

	entries, err := file.Resolve()
	if err != nil {
		return nil, fmt.Errorf("invalid entries config: %w", err)
	}

	l.entries = entries
	l.logger.Info("Entries config loaded successfully", zap.Int("entries", len(entries)))
	return entries, nil
}

// GetEntries returns the last loaded entries.
func (l *Loader) GetEntries() []entry.Config {
	return l.entries
}

// Resolve converts the file representation into entry configs. Every
// invalid entry is reported; ids and entity slugs must be unique.
func (c EntriesConfig) Resolve() ([]entry.Config, error) {
	var errs []error
	out := make([]entry.Config, 0, len(c.Entries))
	seen := make(map[string]int)
	seenSlugs := make(map[string]int)

	for i, ec := range c.Entries {
		cfg := entry.Config{
			ID:       ec.ID,
			Title:    ec.Title,
			Host:     strings.TrimSpace(ec.Host),
			Port:     ec.Port,
			Scheme:   strings.ToLower(ec.Scheme),
			Path:     ec.Path,
			Username: ec.Username,
			Password: os.ExpandEnv(ec.Password),
			Limit:    ec.Limit,
		}

		if ec.Interval != "" {
			d, err := time.ParseDuration(ec.Interval)
			if err != nil || d <= 0 {
				errs = append(errs, fmt.Errorf("entry %d: invalid interval %q", i, ec.Interval))
				continue
			}
			cfg.Interval = d
		}

		if err := cfg.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}

		cfg = cfg.WithDefaults()
		id := cfg.EntryID()
		if prev, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("entry %d: same id as entry %d (%s)", i, prev, id))
			continue
		}
		slug := cfg.Slug()
		if prev, dup := seenSlugs[slug]; dup {
			errs = append(errs, fmt.Errorf("entry %d: title %q maps to entity slug %q already used by entry %d; set a distinct title", i, cfg.Title, slug, prev))
			continue
		}
		seen[id] = i
		seenSlugs[slug] = i
		out = append(out, cfg)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}
