package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentfabric/aof/pkg/config"
	"github.com/agentfabric/aof/pkg/executor"
	"github.com/agentfabric/aof/pkg/log"
	"github.com/agentfabric/aof/pkg/service"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "aof",
	Short: "AOF - filesystem-backed task orchestrator for multi-agent systems",
	Long: `AOF coordinates work between agents through a filesystem task store:
tasks are markdown files whose directory is their status, a scheduler
polls and dispatches them under leases, and every decision lands in an
append-only event log.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"AOF version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("project", ".", "project root directory")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(depCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(lintCmd)
	rootCmd.AddCommand(statusCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator service",
	Long: `Start the long-running scheduler. With --vault-root, every project
under <vaultRoot>/Projects is discovered and polled; otherwise the single
--project root is served. Configuration also comes from aof.yaml and
AOF_* environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")

		v := config.NewViper()
		cfg, err := config.LoadService(v, configFile)
		if err != nil {
			return err
		}
		if vaultRoot, _ := cmd.Flags().GetString("vault-root"); vaultRoot != "" {
			cfg.VaultRoot = vaultRoot
		}
		if cfg.VaultRoot == "" {
			cfg.ProjectRoot, _ = cmd.Flags().GetString("project")
		}
		if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
			cfg.DryRun = true
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		svc, err := service.New(*cfg, executor.NewLogExecutor())
		if err != nil {
			return err
		}
		if err := svc.Start(); err != nil {
			return err
		}
		fmt.Printf("✅ serving %d project(s), metrics on %s\n", len(svc.ProjectIDs()), cfg.MetricsAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		svc.Stop()
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "service config file (default aof.yaml in the working directory)")
	serveCmd.Flags().String("vault-root", "", "vault root for multi-project mode")
	serveCmd.Flags().Bool("dry-run", false, "plan actions without executing them")
}
