package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lazypower/recall/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "recall",
	Short: "Persistent memory and heartbeats for autonomous agents",
	Long:  "Recall stores an agent's documents as searchable chunked memory and schedules its periodic check-ins. Single Go binary backed by SQLite.",
}

var configPath string

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.recall/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(heartbeatCmd)
	rootCmd.AddCommand(statusCmd)
}

// loadConfig resolves the config file, honoring the --config flag.
func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
