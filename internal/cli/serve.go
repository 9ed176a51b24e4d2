package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lazypower/recall/internal/chunker"
	"github.com/lazypower/recall/internal/engine"
	"github.com/lazypower/recall/internal/heartbeat"
	"github.com/lazypower/recall/internal/index"
	"github.com/lazypower/recall/internal/server"
	"github.com/lazypower/recall/internal/store"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Resolve database path
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	eng, err := engine.New(db, index.NewChromem())
	if err != nil {
		return err
	}
	eng.Chunking = chunker.Options{
		TargetTokens:    cfg.Chunking.TargetTokens,
		OverlapFraction: cfg.Chunking.OverlapFraction,
	}

	if emb := buildEmbedder(cfg.Embedding); emb != nil {
		eng.SetEmbedder(emb)
		fmt.Fprintf(os.Stderr, "  embedder: %s\n", emb.Model())
	}

	if err := eng.BuildIndexes(); err != nil {
		return fmt.Errorf("build indexes: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Drain embeddings in the background while serving.
	if eng.Embedder != nil {
		go engine.NewBacklog(eng).Run(ctx)
	}

	var sched *heartbeat.Scheduler
	if cfg.Heartbeat.Enabled {
		var exec heartbeat.Executor
		if cfg.Heartbeat.WakeURL != "" {
			exec = heartbeat.NewWebhookExecutor(cfg.Heartbeat.WakeURL)
			fmt.Fprintf(os.Stderr, "  heartbeat wake: %s\n", cfg.Heartbeat.WakeURL)
		} else {
			exec = heartbeat.LogExecutor{}
		}
		sched = heartbeat.New(db, exec)
		go sched.Run(ctx)
	}

	srv := server.New(eng, sched, VersionString())
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		fmt.Fprintf(os.Stderr, "recall serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  db: %s\n", dbPath)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-done
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	return httpServer.Shutdown(shutdownCtx)
}
