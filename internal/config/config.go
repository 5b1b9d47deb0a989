// Package config holds the process configuration, built once at startup and
// passed to each component.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"

	"github.com/rcliao/memcompact/internal/compactor"
)

// Config is the whole configuration file.
type Config struct {
	Store      Store      `yaml:"store"`
	Cache      Cache      `yaml:"cache"`
	Embedding  Embedding  `yaml:"embedding"`
	Search     Search     `yaml:"search"`
	Backfill   Backfill   `yaml:"backfill"`
	Compaction Compaction `yaml:"compaction"`
	Summarizer Summarizer `yaml:"summarizer"`
	Log        Log        `yaml:"log"`
}

type Store struct {
	// Driver is "sqlite" or "postgres".
	Driver  string        `yaml:"driver"`
	Path    string        `yaml:"path"`
	DSN     string        `yaml:"dsn"`
	Timeout time.Duration `yaml:"timeout"`
}

type Cache struct {
	// Driver is "redis" or "memory".
	Driver   string        `yaml:"driver"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Timeout  time.Duration `yaml:"timeout"`
}

type Embedding struct {
	// Provider is "ollama", "openai" or "" to disable embeddings.
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	URL      string        `yaml:"url"`
	APIKey   string        `yaml:"api_key"`
	Dims     int           `yaml:"dims"`
	Timeout  time.Duration `yaml:"timeout"`
}

type Search struct {
	TTL      time.Duration `yaml:"ttl"`
	TopK     int           `yaml:"top_k"`
	MinScore float64       `yaml:"min_score"`
}

type Backfill struct {
	BatchSize     int     `yaml:"batch_size"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

type Compaction struct {
	// Thresholds are the tier1..tier5 usage ratios.
	Thresholds []float64     `yaml:"thresholds"`
	LockTTL    time.Duration `yaml:"lock_ttl"`
	Interval   time.Duration `yaml:"interval"`
	SummaryTTL time.Duration `yaml:"summary_ttl"`
	MaxWords   int           `yaml:"max_words"`
}

type Summarizer struct {
	// Strategies are tried in order: "anthropic", "concat".
	Strategies []string `yaml:"strategies"`
	APIKey     string   `yaml:"api_key"`
	Model      string   `yaml:"model"`
}

type Log struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Store: Store{
			Driver:  "sqlite",
			Path:    filepath.Join(home, ".memcompact", "memory.db"),
			Timeout: 5 * time.Second,
		},
		Cache: Cache{
			Driver:  "redis",
			Addr:    "127.0.0.1:6379",
			Timeout: 2 * time.Second,
		},
		Embedding: Embedding{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			URL:      "http://localhost:11434",
			Dims:     768,
			Timeout:  30 * time.Second,
		},
		Search: Search{
			TTL:      time.Hour,
			TopK:     5,
			MinScore: 0.3,
		},
		Backfill: Backfill{BatchSize: 50},
		Compaction: Compaction{
			Thresholds: []float64{0.60, 0.70, 0.80, 0.90, 0.95},
			LockTTL:    10 * time.Minute,
			Interval:   5 * time.Minute,
			SummaryTTL: time.Hour,
			MaxWords:   256,
		},
		Summarizer: Summarizer{
			Strategies: []string{"anthropic", "concat"},
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, goerr.Wrap(err, "read config file", goerr.V("path", path))
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, goerr.Wrap(err, "parse config file", goerr.V("path", path))
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("MEMCOMPACT_DB", &c.Store.Path)
	str("MEMCOMPACT_STORE_DRIVER", &c.Store.Driver)
	str("MEMCOMPACT_PG_DSN", &c.Store.DSN)
	str("MEMCOMPACT_CACHE_DRIVER", &c.Cache.Driver)
	str("MEMCOMPACT_REDIS_ADDR", &c.Cache.Addr)
	str("MEMCOMPACT_REDIS_PASSWORD", &c.Cache.Password)
	str("MEMCOMPACT_EMBED_PROVIDER", &c.Embedding.Provider)
	str("MEMCOMPACT_EMBED_MODEL", &c.Embedding.Model)
	str("OLLAMA_HOST", &c.Embedding.URL)
	str("ANTHROPIC_API_KEY", &c.Summarizer.APIKey)
	str("MEMCOMPACT_LOG_LEVEL", &c.Log.Level)
	if v, ok := lookup("OPENAI_API_KEY"); ok && v != "" && c.Embedding.APIKey == "" {
		c.Embedding.APIKey = v
	}
	if v, ok := lookup("MEMCOMPACT_EMBED_DIMS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return goerr.Wrap(err, "parse MEMCOMPACT_EMBED_DIMS", goerr.V("value", v))
		}
		c.Embedding.Dims = n
	}
	return nil
}

// Table returns the thresholds as the compactor's tier table. Missing
// entries are zero and fail Thresholds.Validate.
func (c Compaction) Table() compactor.Thresholds {
	var th compactor.Thresholds
	copy(th[:], c.Thresholds)
	return th
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return goerr.New("store.path is required for sqlite")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return goerr.New("store.dsn is required for postgres")
		}
	default:
		return goerr.New("unknown store driver", goerr.V("driver", c.Store.Driver))
	}
	switch c.Cache.Driver {
	case "redis", "memory":
	default:
		return goerr.New("unknown cache driver", goerr.V("driver", c.Cache.Driver))
	}
	if c.Embedding.Dims <= 0 {
		return goerr.New("embedding.dims must be positive", goerr.V("dims", c.Embedding.Dims))
	}
	if len(c.Compaction.Thresholds) != 5 {
		return goerr.New("compaction.thresholds needs five values", goerr.V("count", len(c.Compaction.Thresholds)))
	}
	if err := c.Compaction.Table().Validate(); err != nil {
		return goerr.Wrap(err, "invalid compaction.thresholds", goerr.V("thresholds", c.Compaction.Thresholds))
	}
	for _, s := range c.Summarizer.Strategies {
		if s != "anthropic" && s != "concat" {
			return goerr.New("unknown summarizer strategy", goerr.V("strategy", s))
		}
	}
	return nil
}
