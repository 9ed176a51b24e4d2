package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lazypower/recall/internal/engine"
	"github.com/lazypower/recall/internal/index"
	"github.com/spf13/cobra"
)

var (
	searchUser  string
	searchAgent string
	searchLimit int
)

var searchCmd = &cobra.Command{
	Use:   "search <query>...",
	Short: "Hybrid search over chunked memory",
	Long:  "Search a user's memory with lexical matching fused with vector similarity. Without a reachable embedder the search is lexical-only.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().StringVarP(&searchUser, "user", "u", "", "user whose memory to search")
	searchCmd.Flags().StringVarP(&searchAgent, "agent", "a", "", "agent scope (empty = everything visible to the user)")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum number of results")
}

func runSearch(cmd *cobra.Command, args []string) error {
	if searchUser == "" {
		return fmt.Errorf("--user is required")
	}
	query := strings.Join(args, " ")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, closeDB, err := openEngine(cfg, index.NewBruteForce())
	if err != nil {
		return err
	}
	defer closeDB()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	scope := index.Scope{UserID: searchUser, AgentID: searchAgent}
	results, err := eng.Search(ctx, scope, query, engine.SearchOpts{Limit: searchLimit})
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if len(results) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	for i, r := range results {
		label := string(r.DocType)
		if r.Title != "" {
			label += "/" + r.Title
		}
		fmt.Printf("%d. [%.4f] %s\n", i+1, r.Score, label)
		snippet := strings.TrimSpace(r.Content)
		if len(snippet) > 200 {
			snippet = snippet[:200] + "..."
		}
		fmt.Printf("   %s\n\n", snippet)
	}
	return nil
}
