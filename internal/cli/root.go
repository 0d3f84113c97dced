// Package cli provides the command-line interface for researchcache.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/researchcache/internal/config"
	"github.com/raphaelgruber/researchcache/internal/db"
	"github.com/raphaelgruber/researchcache/internal/embedding"
	"github.com/raphaelgruber/researchcache/internal/llm"
	"github.com/raphaelgruber/researchcache/internal/metrics"
	"github.com/raphaelgruber/researchcache/internal/service"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose    bool
	configPath string
	asYAML     bool

	// Global config, logger and store
	cfg        config.Config
	logger     *slog.Logger
	closeLog   func() error
	collector  *metrics.Collector
	pool       *db.Pool
	store      *db.Store
	embedder   *embedding.Service
	retriever  *service.Retriever
	researcher *llm.Researcher
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "researchcache",
	Short: "Cache-first keyword research",
	Long: `Researchcache answers research requests from a SurrealDB-backed cache.

Each topic is resolved in three tiers: an exact match on the normalized
keyword, a semantic match against previously researched topics, and finally
fresh LLM research whose result is chunked, embedded and stored for reuse.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		level := cfg.Level()
		if verbose {
			level = slog.LevelDebug
		}
		logger, closeLog = config.SetupLogger(cfg.LogFile, level)
		slog.SetDefault(logger)

		collector = metrics.NewCollector()
		pool = db.NewClientPool(cfg.DBConfig(), cfg.PoolConfig(), logger)
		store = db.NewStore(pool, cfg.StoreConfig(), db.WithLogger(logger), db.WithMetrics(collector))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if retriever != nil {
			retriever.Flush()
		}
		if pool != nil {
			if err := pool.Close(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close database pool: %v\n", err)
			}
		}
		if closeLog != nil {
			_ = closeLog()
		}
	},
}

// getRetriever lazily builds the embedding service and retriever.
// Commands that only touch the store never need an embedding provider.
func getRetriever(ctx context.Context) (*service.Retriever, error) {
	if retriever != nil {
		return retriever, nil
	}

	provider, err := embedding.NewProvider(ctx, cfg.ProviderConfig())
	if err != nil {
		return nil, fmt.Errorf("init embedding provider: %w", err)
	}
	embedder, err = embedding.NewService(provider, cfg.EmbeddingConfig(),
		embedding.WithLogger(logger),
		embedding.WithMetrics(collector),
	)
	if err != nil {
		return nil, fmt.Errorf("init embedding service: %w", err)
	}

	retriever = service.NewRetriever(store, embedder, cfg.RetrieverConfig(),
		service.WithLogger(logger),
		service.WithMetrics(collector),
	)
	return retriever, nil
}

// getResearcher lazily builds the LLM-backed fresh research procedure.
func getResearcher(ctx context.Context) (*llm.Researcher, error) {
	if researcher != nil {
		return researcher, nil
	}
	model, err := llm.NewModel(ctx, cfg.ModelConfig(), llm.WithLogger(logger), llm.WithMetrics(collector))
	if err != nil {
		return nil, fmt.Errorf("init model: %w", err)
	}
	researcher = llm.NewResearcher(model, cfg.MaxSources)
	return researcher, nil
}

// ensureSchema prepares the store for the lookup and persist paths. Failures
// are logged and the command carries on without the cache.
func ensureSchema(ctx context.Context, st *db.Store, log *slog.Logger) {
	if err := st.InitSchema(ctx); err != nil {
		log.Warn("schema setup failed, continuing without cache", "error", err)
	}
}

// ExecuteContext runs the root command. ctx is handed to every subcommand.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default $"+config.EnvConfigFile+")")
	rootCmd.PersistentFlags().BoolVar(&asYAML, "yaml", false, "print machine-readable YAML")

	// Add subcommands
	rootCmd.AddCommand(researchCmd)
	rootCmd.AddCommand(warmCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(invalidateCmd)
	rootCmd.AddCommand(entriesCmd)
	rootCmd.AddCommand(schemaCmd)
}
