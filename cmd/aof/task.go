package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentfabric/aof/pkg/config"
	"github.com/agentfabric/aof/pkg/deadletter"
	"github.com/agentfabric/aof/pkg/eventlog"
	"github.com/agentfabric/aof/pkg/gate"
	"github.com/agentfabric/aof/pkg/store"
	"github.com/agentfabric/aof/pkg/tools"
	"github.com/agentfabric/aof/pkg/types"
)

// openToolset wires a toolset against the --project root. The manifest is
// optional for most verbs; without it gates and participants are off.
func openToolset(cmd *cobra.Command) (*tools.Toolset, *store.Store, error) {
	root, _ := cmd.Flags().GetString("project")
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, nil, err
	}

	var project *config.Project
	if p, err := config.LoadProject(filepath.Join(root, "project.yaml")); err == nil {
		project = p
	}

	events, err := eventlog.New(filepath.Join(root, "events"))
	if err != nil {
		return nil, nil, err
	}

	opts := []store.Option{}
	if project != nil {
		opts = append(opts, store.WithProjectID(project.ID))
	}
	st := store.New(root, events, opts...)
	if err := st.Init(); err != nil {
		return nil, nil, err
	}

	tracker := deadletter.NewTracker(st, events)
	var gates *gate.Engine
	if project != nil && len(project.Workflows) > 0 {
		gates = gate.NewEngine(st, events, project)
	}
	return tools.New(st, events, tracker, gates, project), st, nil
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a task in backlog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, _, err := openToolset(cmd)
		if err != nil {
			return err
		}

		priority, _ := cmd.Flags().GetString("priority")
		agent, _ := cmd.Flags().GetString("agent")
		team, _ := cmd.Flags().GetString("team")
		role, _ := cmd.Flags().GetString("role")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		body, _ := cmd.Flags().GetString("body")
		parent, _ := cmd.Flags().GetString("parent")
		deps, _ := cmd.Flags().GetStringSlice("depends-on")
		createdBy, _ := cmd.Flags().GetString("created-by")

		result, err := ts.Create(tools.CreateRequest{
			Title:    args[0],
			Body:     body,
			Priority: types.Priority(priority),
			Routing: types.Routing{
				Agent: agent,
				Team:  team,
				Role:  role,
				Tags:  tags,
			},
			DependsOn: deps,
			ParentID:  parent,
			CreatedBy: createdBy,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✅ %s\n", result.Summary)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := openToolset(cmd)
		if err != nil {
			return err
		}

		statusFlag, _ := cmd.Flags().GetString("status")
		agent, _ := cmd.Flags().GetString("agent")
		team, _ := cmd.Flags().GetString("team")

		filter := store.Filter{Agent: agent, Team: team}
		if statusFlag != "" {
			filter.Status = types.Status(statusFlag)
		}
		tasks, err := st.List(filter)
		if err != nil {
			return err
		}

		if len(tasks) == 0 {
			fmt.Println("no tasks")
			return nil
		}
		fmt.Printf("%-22s %-12s %-9s %-14s %s\n", "ID", "STATUS", "PRIORITY", "AGENT", "TITLE")
		for _, t := range tasks {
			agent := t.Routing.Agent
			if t.Lease != nil {
				agent = t.Lease.Agent
			}
			fmt.Printf("%-22s %-12s %-9s %-14s %s\n", t.ID, t.Status, t.Priority, agent, t.Title)
		}
		return nil
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := openToolset(cmd)
		if err != nil {
			return err
		}
		task, err := st.GetByPrefix(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("%s  [%s]  %s\n", task.ID, task.Status, task.Title)
		fmt.Printf("  priority: %s  created: %s  by: %s\n", task.Priority, task.CreatedAt.Format("2006-01-02 15:04"), task.CreatedBy)
		if task.Routing.Agent != "" || task.Routing.Team != "" {
			fmt.Printf("  routing: agent=%s team=%s role=%s tags=%s\n",
				task.Routing.Agent, task.Routing.Team, task.Routing.Role, strings.Join(task.Routing.Tags, ","))
		}
		if task.Lease != nil {
			fmt.Printf("  lease: %s until %s (renewals %d)\n",
				task.Lease.Agent, task.Lease.ExpiresAt.Format("15:04:05"), task.Lease.RenewCount)
		}
		if len(task.DependsOn) > 0 {
			fmt.Printf("  dependsOn: %s\n", strings.Join(task.DependsOn, ", "))
		}
		if task.Gate != nil {
			fmt.Printf("  gate: %s in workflow %s\n", task.Gate.Current, task.Gate.Workflow)
		}
		if task.Body != "" {
			fmt.Printf("\n%s\n", task.Body)
		}
		return nil
	},
}

var taskBlockCmd = &cobra.Command{
	Use:   "block <id> <reason>",
	Short: "Block a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, _, err := openToolset(cmd)
		if err != nil {
			return err
		}
		result, err := ts.Block(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("⚠ %s\n", result.Summary)
		return nil
	},
}

var taskUnblockCmd = &cobra.Command{
	Use:   "unblock <id>",
	Short: "Return a blocked task to ready",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, _, err := openToolset(cmd)
		if err != nil {
			return err
		}
		result, err := ts.Unblock(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✅ %s\n", result.Summary)
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, _, err := openToolset(cmd)
		if err != nil {
			return err
		}
		reason, _ := cmd.Flags().GetString("reason")
		result, err := ts.Cancel(args[0], reason)
		if err != nil {
			return err
		}
		fmt.Printf("✅ %s\n", result.Summary)
		return nil
	},
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete <id>",
	Short: "Complete a task (gated tasks require --outcome)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, _, err := openToolset(cmd)
		if err != nil {
			return err
		}
		outcome, _ := cmd.Flags().GetString("outcome")
		summary, _ := cmd.Flags().GetString("summary")
		agent, _ := cmd.Flags().GetString("agent")
		role, _ := cmd.Flags().GetString("role")
		notes, _ := cmd.Flags().GetString("notes")
		blockers, _ := cmd.Flags().GetStringSlice("blocker")
		target, _ := cmd.Flags().GetString("target-gate")

		result, err := ts.Complete(args[0], tools.CompleteRequest{
			Outcome:        outcome,
			Summary:        summary,
			Agent:          agent,
			CallerRole:     role,
			RejectionNotes: notes,
			Blockers:       blockers,
			TargetGate:     target,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✅ %s\n", result.Summary)
		return nil
	},
}

var taskResurrectCmd = &cobra.Command{
	Use:   "resurrect <id>",
	Short: "Return a dead-lettered task to ready",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, _, err := openToolset(cmd)
		if err != nil {
			return err
		}
		user, _ := cmd.Flags().GetString("by")
		result, err := ts.Resurrect(args[0], user)
		if err != nil {
			return err
		}
		fmt.Printf("✅ %s\n", result.Summary)
		return nil
	},
}

var depCmd = &cobra.Command{
	Use:   "dep",
	Short: "Manage task dependencies",
}

var depAddCmd = &cobra.Command{
	Use:   "add <id> <blocker-id>",
	Short: "Add a dependency",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, _, err := openToolset(cmd)
		if err != nil {
			return err
		}
		result, err := ts.DepAdd(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("✅ %s\n", result.Summary)
		return nil
	},
}

var depRemoveCmd = &cobra.Command{
	Use:   "remove <id> <blocker-id>",
	Short: "Remove a dependency",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, _, err := openToolset(cmd)
		if err != nil {
			return err
		}
		result, err := ts.DepRemove(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("✅ %s\n", result.Summary)
		return nil
	},
}

func init() {
	taskCreateCmd.Flags().String("priority", "normal", "low|normal|high|critical")
	taskCreateCmd.Flags().String("agent", "", "route to a specific agent")
	taskCreateCmd.Flags().String("team", "", "route to a team")
	taskCreateCmd.Flags().String("role", "", "route to a role")
	taskCreateCmd.Flags().StringSlice("tag", nil, "routing tags")
	taskCreateCmd.Flags().String("body", "", "markdown body")
	taskCreateCmd.Flags().String("parent", "", "parent task id")
	taskCreateCmd.Flags().StringSlice("depends-on", nil, "dependency task ids")
	taskCreateCmd.Flags().String("created-by", "cli", "creator identity")

	taskListCmd.Flags().String("status", "", "filter by status")
	taskListCmd.Flags().String("agent", "", "filter by agent")
	taskListCmd.Flags().String("team", "", "filter by team")

	taskCancelCmd.Flags().String("reason", "", "cancellation reason")

	taskCompleteCmd.Flags().String("outcome", "", "gate outcome: complete|needs_review|blocked")
	taskCompleteCmd.Flags().String("summary", "", "completion summary")
	taskCompleteCmd.Flags().String("agent", "cli", "acting agent")
	taskCompleteCmd.Flags().String("role", "", "caller role for gate enforcement")
	taskCompleteCmd.Flags().String("notes", "", "rejection notes for needs_review")
	taskCompleteCmd.Flags().StringSlice("blocker", nil, "blockers for blocked outcome")
	taskCompleteCmd.Flags().String("target-gate", "", "gate a rejection routes back to")

	taskResurrectCmd.Flags().String("by", "cli", "who resurrects the task")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskBlockCmd)
	taskCmd.AddCommand(taskUnblockCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskCompleteCmd)
	taskCmd.AddCommand(taskResurrectCmd)

	depCmd.AddCommand(depAddCmd)
	depCmd.AddCommand(depRemoveCmd)
}
