package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/lazypower/recall/internal/heartbeat"
	"github.com/lazypower/recall/internal/store"
	"github.com/spf13/cobra"
)

var (
	hbUser     string
	hbAgent    string
	hbInterval int
)

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Manage periodic check-in schedules",
}

var heartbeatSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Create or reconfigure a heartbeat",
	RunE:  runHeartbeatSet,
}

var heartbeatEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable a heartbeat",
	RunE:  func(cmd *cobra.Command, args []string) error { return runHeartbeatToggle(true) },
}

var heartbeatDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable a heartbeat",
	RunE:  func(cmd *cobra.Command, args []string) error { return runHeartbeatToggle(false) },
}

var heartbeatShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show heartbeat status",
	RunE:  runHeartbeatShow,
}

var heartbeatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all heartbeats",
	RunE:  runHeartbeatList,
}

var heartbeatTriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Run a heartbeat now, outside its schedule",
	RunE:  runHeartbeatTrigger,
}

func init() {
	for _, c := range []*cobra.Command{heartbeatSetCmd, heartbeatEnableCmd, heartbeatDisableCmd, heartbeatShowCmd, heartbeatTriggerCmd} {
		c.Flags().StringVarP(&hbUser, "user", "u", "", "user the heartbeat belongs to")
		c.Flags().StringVarP(&hbAgent, "agent", "a", "", "agent scope (empty = shared)")
	}
	heartbeatSetCmd.Flags().IntVar(&hbInterval, "interval", 0, "interval in seconds (default from config)")

	heartbeatCmd.AddCommand(heartbeatSetCmd)
	heartbeatCmd.AddCommand(heartbeatEnableCmd)
	heartbeatCmd.AddCommand(heartbeatDisableCmd)
	heartbeatCmd.AddCommand(heartbeatShowCmd)
	heartbeatCmd.AddCommand(heartbeatListCmd)
	heartbeatCmd.AddCommand(heartbeatTriggerCmd)
}

func openHeartbeatDB() (*store.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	return store.Open(dbPath)
}

func runHeartbeatSet(cmd *cobra.Command, args []string) error {
	if hbUser == "" {
		return fmt.Errorf("--user is required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	interval := hbInterval
	if interval <= 0 {
		interval = cfg.Heartbeat.DefaultInterval
	}

	db, err := openHeartbeatDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	hb, err := db.ConfigureHeartbeat(hbUser, hbAgent, interval, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("configure heartbeat: %w", err)
	}
	printHeartbeat(*hb)
	return nil
}

func runHeartbeatToggle(enabled bool) error {
	if hbUser == "" {
		return fmt.Errorf("--user is required")
	}
	db, err := openHeartbeatDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	hb, err := db.SetHeartbeatEnabled(hbUser, hbAgent, enabled, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	if hb == nil {
		return fmt.Errorf("no heartbeat found for %s/%s", hbUser, hbAgent)
	}
	printHeartbeat(*hb)
	return nil
}

func runHeartbeatShow(cmd *cobra.Command, args []string) error {
	if hbUser == "" {
		return fmt.Errorf("--user is required")
	}
	db, err := openHeartbeatDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	hb, err := db.GetHeartbeat(hbUser, hbAgent)
	if err != nil {
		return fmt.Errorf("get heartbeat: %w", err)
	}
	if hb == nil {
		return fmt.Errorf("no heartbeat found for %s/%s", hbUser, hbAgent)
	}
	printHeartbeat(*hb)
	return nil
}

func runHeartbeatList(cmd *cobra.Command, args []string) error {
	db, err := openHeartbeatDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	hbs, err := db.ListHeartbeats()
	if err != nil {
		return fmt.Errorf("list heartbeats: %w", err)
	}
	if len(hbs) == 0 {
		fmt.Println("No heartbeats configured.")
		return nil
	}
	for _, hb := range hbs {
		printHeartbeat(hb)
	}
	return nil
}

func runHeartbeatTrigger(cmd *cobra.Command, args []string) error {
	if hbUser == "" {
		return fmt.Errorf("--user is required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openHeartbeatDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var exec heartbeat.Executor
	if cfg.Heartbeat.WakeURL != "" {
		exec = heartbeat.NewWebhookExecutor(cfg.Heartbeat.WakeURL)
	} else {
		exec = heartbeat.LogExecutor{}
	}
	sched := heartbeat.New(db, exec)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := sched.Trigger(ctx, hbUser, hbAgent); err != nil {
		return fmt.Errorf("trigger heartbeat: %w", err)
	}
	fmt.Println("heartbeat ran.")
	return nil
}

func printHeartbeat(hb store.Heartbeat) {
	scope := "shared"
	if hb.AgentID != "" {
		scope = hb.AgentID
	}
	status := "disabled"
	if hb.Enabled {
		status = "enabled"
	}
	fmt.Printf("%s/%s: %s, every %ds, state %s", hb.UserID, scope, status, hb.IntervalSeconds, hb.State)
	if hb.NextRun > 0 {
		fmt.Printf(", next %s", time.UnixMilli(hb.NextRun).Format("2006-01-02 15:04:05"))
	}
	if hb.ConsecutiveFailures > 0 {
		fmt.Printf(", %d consecutive failures", hb.ConsecutiveFailures)
	}
	fmt.Println()
}
