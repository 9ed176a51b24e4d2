package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lazypower/recall/internal/index"
	"github.com/lazypower/recall/internal/store"
	"github.com/spf13/cobra"
)

var (
	docUser  string
	docAgent string
	docTitle string
)

func init() {
	for _, c := range []*cobra.Command{putCmd, getCmd, rmCmd, listCmd, appendCmd, identityCmd} {
		c.Flags().StringVarP(&docUser, "user", "u", "", "user the document belongs to")
		c.Flags().StringVarP(&docAgent, "agent", "a", "", "agent scope (empty = shared across agents)")
	}
	for _, c := range []*cobra.Command{putCmd, getCmd, rmCmd} {
		c.Flags().StringVarP(&docTitle, "title", "t", "", "title (required for daily_log)")
	}
}

// identityFromFlags builds a document identity from the shared flags.
func identityFromFlags(docType string) (store.Identity, error) {
	dt, err := store.ParseDocType(docType)
	if err != nil {
		return store.Identity{}, err
	}
	id := store.Identity{
		UserID:  docUser,
		AgentID: docAgent,
		DocType: dt,
		Title:   docTitle,
	}
	if err := id.Validate(); err != nil {
		return store.Identity{}, err
	}
	return id, nil
}

// --- put command ---

var putCmd = &cobra.Command{
	Use:   "put <doc-type> [file]",
	Short: "Create or replace a document",
	Long:  "Write a document of the given type (memory, daily_log, identity, soul, agents, user, heartbeat). Content comes from the file argument, or stdin when omitted.",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runPut,
}

func runPut(cmd *cobra.Command, args []string) error {
	id, err := identityFromFlags(args[0])
	if err != nil {
		return err
	}

	var content []byte
	if len(args) == 2 && args[1] != "-" {
		content, err = os.ReadFile(args[1])
	} else {
		content, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, closeDB, err := openEngine(cfg, index.NewBruteForce())
	if err != nil {
		return err
	}
	defer closeDB()

	doc, err := eng.PutDocument(id, string(content), nil)
	if err != nil {
		return fmt.Errorf("put document: %w", err)
	}

	fmt.Printf("stored %s (%s)\n", describeIdentity(id), doc.ID)
	return nil
}

// --- get command ---

var getCmd = &cobra.Command{
	Use:   "get <doc-type>",
	Short: "Print a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func runGet(cmd *cobra.Command, args []string) error {
	id, err := identityFromFlags(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, closeDB, err := openEngine(cfg, index.NewBruteForce())
	if err != nil {
		return err
	}
	defer closeDB()

	doc, err := eng.GetDocument(id)
	if err != nil {
		return fmt.Errorf("get document: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("no %s found", describeIdentity(id))
	}

	fmt.Print(doc.Content)
	if len(doc.Content) > 0 && doc.Content[len(doc.Content)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

// --- rm command ---

var rmCmd = &cobra.Command{
	Use:   "rm <doc-type>",
	Short: "Delete a document and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  runRm,
}

func runRm(cmd *cobra.Command, args []string) error {
	id, err := identityFromFlags(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, closeDB, err := openEngine(cfg, index.NewBruteForce())
	if err != nil {
		return err
	}
	defer closeDB()

	if err := eng.DeleteDocument(id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}

	fmt.Printf("deleted %s\n", describeIdentity(id))
	return nil
}

// --- list command ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's documents",
	RunE:  runList,
}

func runList(cmd *cobra.Command, args []string) error {
	if docUser == "" {
		return fmt.Errorf("--user is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, closeDB, err := openEngine(cfg, index.NewBruteForce())
	if err != nil {
		return err
	}
	defer closeDB()

	docs, err := eng.ListDocuments(docUser)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}
	if len(docs) == 0 {
		fmt.Println("No documents found.")
		return nil
	}

	for _, d := range docs {
		scope := "shared"
		if d.AgentID != "" {
			scope = d.AgentID
		}
		line := fmt.Sprintf("%-10s %-12s", d.DocType, scope)
		if d.Title != "" {
			line += " " + d.Title
		}
		fmt.Printf("%s  (updated %s)\n", line, time.UnixMilli(d.UpdatedAt).Format("2006-01-02 15:04"))
	}
	return nil
}

func describeIdentity(id store.Identity) string {
	s := fmt.Sprintf("%s/%s", id.UserID, id.DocType)
	if id.AgentID != "" {
		s = fmt.Sprintf("%s/%s/%s", id.UserID, id.AgentID, id.DocType)
	}
	if id.Title != "" {
		s += "/" + id.Title
	}
	return s
}
