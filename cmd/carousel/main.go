package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/datacarousel/carousel/pkg/config"
	"github.com/datacarousel/carousel/pkg/database"
	"github.com/datacarousel/carousel/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "carousel",
	Short: "Carousel - persistent stage-in workflow orchestrator",
	Long: `Carousel drives data stage-in transforms against an external
replication service: it discovers input files, maps them to outputs,
creates replication rules, and reconciles rule progress back into
per-file and per-transform status.

Agents are stateless; run as many as you like against one database.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Carousel version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/carousel/config.yaml", "Path to config file")

	rootCmd.AddCommand(transformAgentCmd)
	rootCmd.AddCommand(processingAgentCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(cleanLocksCmd)
}

// setup loads the configuration, initializes logging and opens the database.
func setup() (config.Config, *database.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

	db, err := database.Open(cfg.Database)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, db, nil
}
