package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"syncbox/internal/cache"
	"syncbox/internal/config"
	"syncbox/internal/logger"
	"syncbox/internal/storage"
	"syncbox/internal/storage/memcached"
	"syncbox/internal/storage/mongodb"
	"syncbox/internal/storage/sql"
)

var (
	cfgFile string
	cfg     *config.Config
	store   storage.Backend
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "syncbox",
	Short: "Self-hosted sync storage server",
	Long: `Syncbox is a sync storage server speaking the Sync-1.5 wire protocol.

User data is kept in SQLite or MongoDB, optionally fronted by a
memcached layer that write-through caches hot collections and keeps
fast-churning ones entirely in cache.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip init for the init and version commands
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		// Load configuration
		if cfgFile == "" {
			cfgFile = config.GetConfigPath()
		}

		if !config.Exists(cfgFile) {
			return fmt.Errorf("configuration file not found. Run 'syncbox init' to create one")
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger.Init(logger.ParseLogLevel(cfg.Logging.Level), os.Stderr)

		// Initialize storage backend
		store, err = buildBackend(cfg)
		if err != nil {
			return err
		}

		if err := store.Connect(context.Background()); err != nil {
			return fmt.Errorf("failed to connect to storage: %w", err)
		}

		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if store != nil {
			return store.Disconnect(context.Background())
		}
		return nil
	},
}

// buildBackend assembles the storage stack from the configuration:
// the base SQL or MongoDB backend, wrapped in the memcached layer when
// cache servers are configured.
func buildBackend(cfg *config.Config) (storage.Backend, error) {
	var base storage.Backend
	switch cfg.Storage.Backend {
	case "sql":
		base = sql.New(&cfg.Storage)
	case "mongodb":
		base = mongodb.New(&cfg.Storage)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}

	if len(cfg.Cache.Servers) == 0 {
		return base, nil
	}

	client, err := cache.New(cfg.Cache.Servers, cache.Options{
		KeyPrefix: cfg.Cache.KeyPrefix,
		PoolSize:  cfg.Storage.PoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create memcached client: %w", err)
	}
	return memcached.New(base, client, &cfg.Cache), nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./syncbox.ini)")

	// Disable completion command
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// Add subcommands
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}
