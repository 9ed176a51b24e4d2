package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/lazypower/recall/internal/index"
	"github.com/spf13/cobra"
)

var appendDaily bool

var appendCmd = &cobra.Command{
	Use:   "append <text>...",
	Short: "Append a note to memory or today's daily log",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAppend,
}

func init() {
	appendCmd.Flags().BoolVar(&appendDaily, "daily", false, "append to the daily log instead of long-term memory")
}

func runAppend(cmd *cobra.Command, args []string) error {
	if docUser == "" {
		return fmt.Errorf("--user is required")
	}
	text := strings.Join(args, " ")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, closeDB, err := openEngine(cfg, index.NewBruteForce())
	if err != nil {
		return err
	}
	defer closeDB()

	if appendDaily {
		date := time.Now().Format("2006-01-02")
		doc, err := eng.AppendDailyLog(docUser, docAgent, date, text)
		if err != nil {
			return fmt.Errorf("append daily log: %w", err)
		}
		fmt.Printf("appended to daily log %s (%s)\n", date, doc.ID)
		return nil
	}

	doc, err := eng.AppendMemory(docUser, docAgent, text)
	if err != nil {
		return fmt.Errorf("append memory: %w", err)
	}
	fmt.Printf("appended to memory (%s)\n", doc.ID)
	return nil
}
