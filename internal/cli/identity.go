package cli

import (
	"fmt"

	"github.com/lazypower/recall/internal/index"
	"github.com/spf13/cobra"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Print the assembled identity prompt",
	Long:  "Compose identity, soul, agents, and user documents into the prompt preamble an agent boots with. Agent-scoped documents shadow shared ones.",
	RunE:  runIdentity,
}

func runIdentity(cmd *cobra.Command, args []string) error {
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

	prompt, err := eng.IdentityPrompt(docUser, docAgent)
	if err != nil {
		return fmt.Errorf("identity prompt: %w", err)
	}
	if prompt == "" {
		fmt.Println("No identity documents found.")
		return nil
	}
	fmt.Println(prompt)
	return nil
}
