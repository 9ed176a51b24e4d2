package cli

import (
	"fmt"

	"github.com/lazypower/recall/internal/index"
	"github.com/lazypower/recall/internal/store"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store statistics",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return err
		}
	}

	eng, closeDB, err := openEngine(cfg, index.NewBruteForce())
	if err != nil {
		return err
	}
	defer closeDB()

	stats, err := eng.Stats()
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	fmt.Printf("recall %s\n", VersionString())
	fmt.Printf("  db: %s\n", dbPath)
	fmt.Printf("  documents: %d\n", stats.Documents)
	fmt.Printf("  chunks: %d\n", stats.Chunks)
	fmt.Printf("  pending embeddings: %d\n", stats.PendingEmbedding)
	return nil
}
