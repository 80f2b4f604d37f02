package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentfabric/aof/pkg/eventlog"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query the event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		eventType, _ := cmd.Flags().GetString("type")
		taskID, _ := cmd.Flags().GetString("task")
		actor, _ := cmd.Flags().GetString("actor")
		limit, _ := cmd.Flags().GetInt("limit")

		root, _ := cmd.Flags().GetString("project")
		root, err := filepath.Abs(root)
		if err != nil {
			return err
		}
		logger, err := eventlog.New(filepath.Join(root, "events"))
		if err != nil {
			return err
		}
		events, err := logger.Query(eventlog.Filter{Type: eventType, TaskID: taskID, Actor: actor})
		if err != nil {
			return err
		}

		if limit > 0 && len(events) > limit {
			events = events[len(events)-limit:]
		}
		for _, ev := range events {
			fmt.Printf("%s  #%-5d %-26s %-14s %s\n",
				ev.Timestamp.Format("2006-01-02 15:04:05"), ev.EventID, ev.Type, ev.Actor, ev.TaskID)
		}
		if len(events) == 0 {
			fmt.Println("no events")
		}
		return nil
	},
}

var lintCmd = &cobra.Command{
	Use:   "lint",
	Short: "Check the task tree for invariant violations",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := openToolset(cmd)
		if err != nil {
			return err
		}
		issues, err := st.Lint()
		if err != nil {
			return err
		}
		if len(issues) == 0 {
			fmt.Println("✅ no issues")
			return nil
		}
		for _, issue := range issues {
			fmt.Printf("⚠ %s: %s (%s)\n", issue.TaskID, issue.Problem, issue.File)
		}
		return fmt.Errorf("%d lint issue(s)", len(issues))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize the project",
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, _, err := openToolset(cmd)
		if err != nil {
			return err
		}
		result, err := ts.StatusReport()
		if err != nil {
			return err
		}
		fmt.Printf("✅ %s\n", result.Summary)
		if dead, ok := result.Fields["deadletter"].([]string); ok && len(dead) > 0 {
			fmt.Printf("⚠ deadletter: %v\n", dead)
		}
		return nil
	},
}

func init() {
	eventsCmd.Flags().String("type", "", "event type filter, supports trailing .*")
	eventsCmd.Flags().String("task", "", "task id filter")
	eventsCmd.Flags().String("actor", "", "actor filter")
	eventsCmd.Flags().Int("limit", 50, "show at most N most recent events")
}
