package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/stockpool/internal/config"
)

var cfg *config.Config

// Persistent overrides shared by every command.
var (
	configPath  string
	logLevel    string
	databaseURL string
	storeDriver string
)

var rootCmd = &cobra.Command{
	Use:   "stockpool",
	Short: "Inventory allocation across bundles that share stock",
	Long:  "Discovers shared-component pools, previews demand- and margin-weighted allocations, and applies them to marketplace listings through a rate-limited dispatcher.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		applyRootOverrides(c)
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		zap.L().Debug("config loaded",
			zap.String("store", cfg.Store.Driver),
			zap.String("ratelimit_backend", cfg.RateLimit.Backend),
			zap.String("audit_sink", cfg.Audit.Sink),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default ./config.yaml)")
	pf.StringVar(&logLevel, "log-level", "", "override log.level")
	pf.StringVar(&storeDriver, "store-driver", "", "override store.driver (postgres or sqlite)")
	pf.StringVar(&databaseURL, "database-url", "", "override store.database_url")
}

// applyRootOverrides lays the persistent flags over the loaded config.
func applyRootOverrides(c *config.Config) {
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	if storeDriver != "" {
		c.Store.Driver = storeDriver
	}
	if databaseURL != "" {
		c.Store.DatabaseURL = databaseURL
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
