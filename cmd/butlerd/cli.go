package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/repobutler/pkg/config"
	"github.com/dotsetgreg/repobutler/pkg/embedder"
	"github.com/dotsetgreg/repobutler/pkg/logger"
	"github.com/dotsetgreg/repobutler/pkg/maintenance"
	"github.com/dotsetgreg/repobutler/pkg/memory"
	"github.com/dotsetgreg/repobutler/pkg/storage"
	"github.com/dotsetgreg/repobutler/pkg/taskqueue"
)

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "repobutler.json"
	}
	return filepath.Join(home, ".repobutler", "config.json")
}

// app bundles the subsystems a command needs. Commands open it lazily so
// `butlerd version` works without a config or storage directory.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	engine *memory.Engine
	queue  *taskqueue.Queue
}

func openApp(cfgPath string) (*app, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	log := logger.New(
		logger.WithDebug(cfg.Log.Debug),
		logger.WithJSON(cfg.Log.JSON),
	)
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		log = logger.Multi(log, logger.New(
			logger.WithDebug(cfg.Log.Debug),
			logger.WithJSON(true),
			logger.WithWriter(f),
			logger.WithSource(cfg.Log.Debug),
		))
	}

	emb, err := buildEmbedder(cfg)
	if err != nil {
		return nil, err
	}

	engine, err := memory.NewEngine(memory.Config{
		StorageDir:    cfg.StoragePath(),
		Embedder:      emb,
		EmbedTimeout:  time.Duration(cfg.Memory.EmbedTimeoutSecs) * time.Second,
		Logger:        log,
		HistoryLimit:  cfg.Memory.HistoryLimit,
		SessionWindow: cfg.Memory.SessionWindow,
		SessionTTL:    time.Duration(cfg.Memory.SessionTTLMinutes) * time.Minute,
	})
	if err != nil {
		return nil, err
	}

	dir, err := storage.New(cfg.StoragePath())
	if err != nil {
		return nil, err
	}
	queue := taskqueue.New(dir, log)

	return &app{cfg: cfg, log: log, engine: engine, queue: queue}, nil
}

func buildEmbedder(cfg *config.Config) (embedder.Embedder, error) {
	switch cfg.Embedder.Provider {
	case "", "none":
		return nil, nil
	case "chargram":
		return embedder.NewChargram(), nil
	case "hash":
		return embedder.NewHash(), nil
	case "ollama":
		return embedder.NewOllama(embedder.OllamaConfig{
			BaseURL: cfg.Embedder.OllamaURL,
			Model:   cfg.Embedder.OllamaModel,
		}), nil
	default:
		return nil, fmt.Errorf("unknown embedder provider %q", cfg.Embedder.Provider)
	}
}

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "butlerd",
		Short: "Conversation memory and task queue daemon for the repo butler",
		Long: strings.TrimSpace(`butlerd operates the butler's persistence core: durable per-user
conversation history with optional vector recall, short-lived session
context, and an asynchronous task queue with crash recovery.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "Path to config file")

	root.AddCommand(newStatusCommand(&cfgPath))
	root.AddCommand(newServeCommand(&cfgPath))
	root.AddCommand(newTasksCommand(&cfgPath))
	root.AddCommand(newResultsCommand(&cfgPath))
	root.AddCommand(newRecallCommand(&cfgPath))
	root.AddCommand(newSearchCommand(&cfgPath))
	root.AddCommand(newSessionCommand(&cfgPath))
	root.AddCommand(newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  butlerd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("butlerd %s\n", formatVersion())
			return nil
		},
	}
}

func newStatusCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show storage, embedder, and queue readiness",
		Example: "  butlerd status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*cfgPath)
			if err != nil {
				return err
			}

			fmt.Printf("Storage dir:  %s\n", a.cfg.StoragePath())
			fmt.Printf("Embedder:     %s\n", a.cfg.Embedder.Provider)

			stats, err := a.queue.Stats()
			if err != nil {
				return err
			}
			fmt.Printf("Tasks:        %d total (%d pending, %d processing, %d completed, %d failed)\n",
				stats.Total, stats.Pending, stats.Processing, stats.Completed, stats.Failed)

			if stuck, ok, err := a.queue.Stuck(); err != nil {
				return err
			} else if ok {
				fmt.Printf("In-flight:    %s (%s) started %s\n", stuck.ID, stuck.Description, stuck.StartedAt)
				fmt.Println("              if this task is from a crashed run, use `butlerd tasks unstick`")
			} else {
				fmt.Println("In-flight:    none")
			}
			return nil
		},
	}
}

func newServeCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Short:   "Run the maintenance loop until interrupted",
		Example: "  butlerd serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*cfgPath)
			if err != nil {
				return err
			}
			if !a.cfg.Maintenance.Enabled {
				return fmt.Errorf("maintenance is disabled in config")
			}

			sweeper, err := maintenance.New(a.queue, a.log, a.cfg.Maintenance.Cron)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.log.Info("maintenance loop started", "cron", a.cfg.Maintenance.Cron)
			if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			a.log.Info("maintenance loop stopped")
			return nil
		},
	}
}

func newTasksCommand(cfgPath *string) *cobra.Command {
	tasksRoot := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage the task queue",
	}

	var listUser, listStatus string
	list := &cobra.Command{
		Use:     "list",
		Short:   "List a user's tasks",
		Example: "  butlerd tasks list --user 42 --status pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listUser == "" {
				return fmt.Errorf("--user is required")
			}
			a, err := openApp(*cfgPath)
			if err != nil {
				return err
			}
			tasks, err := a.queue.ListByUser(listUser, taskqueue.Status(listStatus))
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks.")
				return nil
			}
			for _, t := range tasks {
				fmt.Printf("%-32s %-10s %s\n", t.ID, t.Status, t.Description)
			}
			return nil
		},
	}
	list.Flags().StringVar(&listUser, "user", "", "User id")
	list.Flags().StringVar(&listStatus, "status", "", "Filter by status (pending|processing|completed|failed)")
	tasksRoot.AddCommand(list)

	var addUser, addDesc, addType string
	add := &cobra.Command{
		Use:     "add",
		Short:   "Enqueue a task",
		Example: "  butlerd tasks add --user 42 --description \"summarize repo\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addUser == "" || strings.TrimSpace(addDesc) == "" {
				return fmt.Errorf("--user and --description are required")
			}
			a, err := openApp(*cfgPath)
			if err != nil {
				return err
			}
			task, err := a.queue.Enqueue(taskqueue.Task{
				UserID:      addUser,
				Description: addDesc,
				Type:        addType,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Enqueued %s\n", task.ID)
			return nil
		},
	}
	add.Flags().StringVar(&addUser, "user", "", "User id")
	add.Flags().StringVar(&addDesc, "description", "", "Task description")
	add.Flags().StringVar(&addType, "type", "", "Task type")
	tasksRoot.AddCommand(add)

	tasksRoot.AddCommand(&cobra.Command{
		Use:     "next",
		Short:   "Show the oldest pending task without claiming it",
		Example: "  butlerd tasks next",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*cfgPath)
			if err != nil {
				return err
			}
			task, ok, err := a.queue.NextPending()
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Queue is empty.")
				return nil
			}
			fmt.Printf("%s  user=%s  %s\n", task.ID, task.UserID, task.Description)
			return nil
		},
	})

	tasksRoot.AddCommand(&cobra.Command{
		Use:     "cleanup",
		Short:   "Evict old terminal tasks now",
		Example: "  butlerd tasks cleanup",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*cfgPath)
			if err != nil {
				return err
			}
			evicted, err := a.queue.Cleanup()
			if err != nil {
				return err
			}
			fmt.Printf("Evicted %d terminal tasks.\n", evicted)
			return nil
		},
	})

	tasksRoot.AddCommand(&cobra.Command{
		Use:     "unstick",
		Short:   "Force-fail the task left in-flight by a crashed run",
		Example: "  butlerd tasks unstick",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*cfgPath)
			if err != nil {
				return err
			}
			stuck, ok, err := a.queue.Unstick("stuck in-flight marker, force-failed by operator")
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("No in-flight task.")
				return nil
			}
			if stuck.Status == taskqueue.StatusFailed {
				fmt.Printf("Force-failed %s (%s).\n", stuck.ID, stuck.Description)
			} else {
				fmt.Printf("Cleared stale marker for %s (already %s).\n", stuck.ID, stuck.Status)
			}
			return nil
		},
	})

	return tasksRoot
}

func newResultsCommand(cfgPath *string) *cobra.Command {
	var user string
	var limit int
	cmd := &cobra.Command{
		Use:     "results",
		Short:   "Show terminal task outcomes, most recent first",
		Example: "  butlerd results --user 42 --limit 10",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*cfgPath)
			if err != nil {
				return err
			}
			results, err := a.queue.Results(user, limit)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No results.")
				return nil
			}
			for _, r := range results {
				status := "ok"
				if !r.Success {
					status = "failed: " + r.Error
				}
				fmt.Printf("%-32s %s  %s  (%s)\n", r.TaskID, r.CompletedAt.Format(time.RFC3339), r.Description, status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Filter by user id")
	cmd.Flags().IntVar(&limit, "limit", 20, "Max results")
	return cmd
}

func newRecallCommand(cfgPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "recall <user>",
		Short:   "Show a user's recent conversation turns",
		Args:    cobra.ExactArgs(1),
		Example: "  butlerd recall 42 --limit 10",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*cfgPath)
			if err != nil {
				return err
			}
			turns, err := a.engine.Recall(args[0], limit)
			if err != nil {
				return err
			}
			if len(turns) == 0 {
				fmt.Println("No history this period.")
				return nil
			}
			for _, turn := range turns {
				fmt.Printf("[%s]\n  User: %s\n  Bot:  %s\n", turn.Timestamp.Format(time.RFC3339), turn.UserText, turn.AgentText)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Max turns")
	return cmd
}

func newSearchCommand(cfgPath *string) *cobra.Command {
	var limit int
	var semantic bool
	cmd := &cobra.Command{
		Use:     "search <user> <query>",
		Short:   "Search a user's conversation history",
		Args:    cobra.ExactArgs(2),
		Example: "  butlerd search 42 \"docker\" --semantic",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*cfgPath)
			if err != nil {
				return err
			}
			user, query := args[0], args[1]

			if semantic {
				hits, err := a.engine.SemanticSearch(cmd.Context(), user, query, memory.SemanticOptions{Limit: limit})
				if err != nil {
					return err
				}
				for _, h := range hits {
					fmt.Printf("%.3f  User: %s\n       Bot:  %s\n", h.Similarity, h.Turn.UserText, h.Turn.AgentText)
				}
				return nil
			}

			hits, err := a.engine.Search(user, query, memory.SearchOptions{Limit: limit})
			if err != nil {
				return err
			}
			for _, h := range hits {
				fmt.Printf("%.1f  User: %s\n     Bot:  %s\n", h.Score, h.Turn.UserText, h.Turn.AgentText)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "Max hits")
	cmd.Flags().BoolVar(&semantic, "semantic", false, "Use vector similarity instead of keyword scoring")
	return cmd
}

func newSessionCommand(cfgPath *string) *cobra.Command {
	sessionRoot := &cobra.Command{
		Use:   "session",
		Short: "Inspect and manage short-lived session context",
	}

	sessionRoot.AddCommand(&cobra.Command{
		Use:     "show <user>",
		Short:   "Render the user's current session context",
		Args:    cobra.ExactArgs(1),
		Example: "  butlerd session show 42",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*cfgPath)
			if err != nil {
				return err
			}
			text, err := a.engine.SessionContext(args[0])
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		},
	})

	sessionRoot.AddCommand(&cobra.Command{
		Use:     "clear <user>",
		Short:   "Delete the user's session record",
		Args:    cobra.ExactArgs(1),
		Example: "  butlerd session clear 42",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*cfgPath)
			if err != nil {
				return err
			}
			cleared, err := a.engine.ClearSession(args[0])
			if err != nil {
				return err
			}
			if cleared {
				fmt.Println("Session cleared.")
			} else {
				fmt.Println("No session to clear.")
			}
			return nil
		},
	})

	return sessionRoot
}
