package cli

import (
	"fmt"
	"os"

	"github.com/lazypower/recall/internal/chunker"
	"github.com/lazypower/recall/internal/config"
	"github.com/lazypower/recall/internal/engine"
	"github.com/lazypower/recall/internal/index"
	"github.com/lazypower/recall/internal/store"
)

// openEngine opens the database and builds a ready-to-use engine for
// one-shot commands. The returned func closes the database.
func openEngine(cfg config.Config, vector index.VectorIndex) (*engine.Engine, func(), error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve db path: %w", err)
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	eng, err := engine.New(db, vector)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	eng.Chunking = chunker.Options{
		TargetTokens:    cfg.Chunking.TargetTokens,
		OverlapFraction: cfg.Chunking.OverlapFraction,
	}
	eng.SetEmbedder(buildEmbedder(cfg.Embedding))

	if err := eng.BuildIndexes(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("build indexes: %w", err)
	}
	return eng, func() { db.Close() }, nil
}

// buildEmbedder picks an embedding provider. An unreachable Ollama is not
// fatal: searches degrade to lexical-only and the backlog waits.
func buildEmbedder(cfg config.EmbeddingConfig) engine.Embedder {
	switch cfg.Provider {
	case "ollama", "":
		if engine.ProbeOllama(cfg.OllamaURL, cfg.Model) {
			return engine.NewOllamaEmbedder(cfg.OllamaURL, cfg.Model, cfg.Dimensions)
		}
		fmt.Fprintf(os.Stderr, "warning: ollama unreachable at %s, search is lexical-only\n", cfg.OllamaURL)
		return nil
	case "mock":
		return engine.NewMockEmbedder(cfg.Dimensions)
	default:
		return nil
	}
}
