// Package cli implements the memcompact CLI commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/memcompact/internal/cache"
	"github.com/rcliao/memcompact/internal/cache/memcache"
	"github.com/rcliao/memcompact/internal/cache/rediscache"
	"github.com/rcliao/memcompact/internal/compactor"
	"github.com/rcliao/memcompact/internal/config"
	"github.com/rcliao/memcompact/internal/embedding"
	"github.com/rcliao/memcompact/internal/logging"
	"github.com/rcliao/memcompact/internal/store"
	"github.com/rcliao/memcompact/internal/summarize"
)

var (
	configPath string
	dbPath     string
	formatFlag string
	logLevel   string

	cfg *config.Config
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memcompact",
	Short: "Long-term agent memory with pressure-driven compaction",
	Long: "Stores conversation memory as embedded chunks, serves cached similarity search " +
		"and degrades cached and stored memory in tiers as cache memory fills up.",
	PersistentPreRunE: setup,
	SilenceUsage:      true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $MEMCOMPACT_CONFIG)")
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "SQLite database path (default: $MEMCOMPACT_DB or ~/.memcompact/memory.db)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func setup(cmd *cobra.Command, _ []string) error {
	path := configPath
	if path == "" {
		path = os.Getenv("MEMCOMPACT_CONFIG")
	}
	c, err := config.Load(path)
	if err != nil {
		return err
	}
	if dbPath != "" {
		c.Store.Path = dbPath
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	cfg = c

	logger := logging.New(cfg.Log.Level, os.Stderr)
	logging.SetDefault(logger)
	cmd.SetContext(logging.With(cmd.Context(), logger))
	return nil
}

func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Store.DSN, cfg.Embedding.Dims, cfg.Store.Timeout)
	default:
		return store.NewSQLiteStore(cfg.Store.Path, cfg.Embedding.Dims, cfg.Store.Timeout)
	}
}

// openCache returns the configured cache and a func that releases it.
func openCache() (cache.Cache, func()) {
	if cfg.Cache.Driver == "memory" {
		return memcache.New(), func() {}
	}
	c := rediscache.New(rediscache.Options{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
		Timeout:  cfg.Cache.Timeout,
	})
	return c, func() { c.Close() }
}

func newEmbedder() (embedding.Embedder, error) {
	return embedding.New(embedding.Options{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		URL:      cfg.Embedding.URL,
		APIKey:   cfg.Embedding.APIKey,
		Dims:     cfg.Embedding.Dims,
		Timeout:  cfg.Embedding.Timeout,
	})
}

// newSummarizer builds the strategy chain. The anthropic strategy is left
// out when no API key is configured.
func newSummarizer() summarize.Chain {
	var chain summarize.Chain
	for _, name := range cfg.Summarizer.Strategies {
		switch name {
		case "anthropic":
			if cfg.Summarizer.APIKey != "" {
				chain = append(chain, summarize.NewAnthropic(cfg.Summarizer.APIKey, cfg.Summarizer.Model))
			}
		case "concat":
			chain = append(chain, summarize.Concat{MaxWords: cfg.Compaction.MaxWords})
		}
	}
	if len(chain) == 0 {
		chain = summarize.Chain{summarize.Concat{MaxWords: cfg.Compaction.MaxWords}}
	}
	return chain
}

// newScorer asks the model when an API key is configured and falls back to
// the default importance.
func newScorer() summarize.ScoreChain {
	chain := summarize.ScoreChain{}
	if cfg.Summarizer.APIKey != "" {
		chain = append(chain, summarize.NewAnthropic(cfg.Summarizer.APIKey, cfg.Summarizer.Model))
	}
	return append(chain, summarize.DefaultScore)
}

func newCompactor(c cache.Cache, s store.Store, opts ...compactor.Option) *compactor.Compactor {
	opts = append([]compactor.Option{
		compactor.WithThresholds(cfg.Compaction.Table()),
		compactor.WithLockTTL(cfg.Compaction.LockTTL),
	}, opts...)
	return compactor.New(c, s, opts...)
}

// output prints v as indented JSON, or through text when --format=text.
func output(v any, text func(w io.Writer)) {
	if formatFlag == "text" && text != nil {
		text(os.Stdout)
		return
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
