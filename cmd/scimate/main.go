// scimate is the conversational code-execution agent. The serve subcommand
// runs the WebSocket front end; the worker subcommand is the per-session
// execution subprocess and is not meant to be invoked by hand.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vivym/scimate-agent/internal/agent"
	"github.com/vivym/scimate-agent/internal/app"
	"github.com/vivym/scimate-agent/internal/config"
	"github.com/vivym/scimate-agent/internal/execution"
	"github.com/vivym/scimate-agent/internal/llm"
	"github.com/vivym/scimate-agent/internal/logging"
	"github.com/vivym/scimate-agent/internal/plugins"
	"github.com/vivym/scimate-agent/internal/store"
	"github.com/vivym/scimate-agent/internal/worker"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "scimate",
	Short: "SciMate - conversational agent that plans, writes, and runs Go code",
	Long: `SciMate is a multi-role conversational agent. A planner decomposes each
user query, a code interpreter generates and verifies Go snippets, and a
persistent interpreter session executes them, feeding failures back for
self-correction.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket front end",
	RunE:  runServe,
}

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run the execution worker over stdin/stdout",
	Hidden: true,
	RunE:   runWorker,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List persisted sessions",
	RunE:  runSessions,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("scimate", version)
	},
}

const version = "0.1.0"

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "scimate.yaml", "path to the config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	client, err := llm.NewGeminiClient(cmd.Context(), llm.GeminiConfig{
		APIKey:          cfg.LLM.APIKey,
		Model:           cfg.LLM.Model,
		Temperature:     cfg.LLM.Temperature,
		TopP:            cfg.LLM.TopP,
		MaxOutputTokens: cfg.LLM.MaxOutputTokens,
	})
	if err != nil {
		return err
	}

	catalog := plugins.NewCatalog(cfg.Plugins.Paths, logger)
	if err := catalog.Reload(); err != nil {
		logger.Warn("plugin reload reported errors", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Plugins.Watch {
		watcher, err := plugins.NewWatcher(catalog, logger)
		if err != nil {
			logger.Warn("plugin watcher unavailable", zap.Error(err))
		} else if err := watcher.Start(ctx); err != nil {
			logger.Warn("plugin watcher failed to start", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	var saver *store.Store
	if cfg.Storage.DatabasePath != "" {
		saver, err = store.Open(cfg.Storage.DatabasePath, logger)
		if err != nil {
			return err
		}
		defer saver.Close()
	}

	manager := execution.NewManager(execution.Config{
		WorkerBinary: cfg.Execution.WorkerBinary,
		WorkerArgs:   cfg.Execution.WorkerArgs,
		ReplyTimeout: cfg.ReplyTimeout(),
	}, logger)
	defer manager.StopAll(ctx)

	var checkpoints agent.CheckpointSaver
	if saver != nil {
		checkpoints = saver
	}
	server := app.NewServer(cfg, logger, client, manager, catalog, checkpoints)
	return server.Run(ctx)
}

func runWorker(cmd *cobra.Command, args []string) error {
	// The worker speaks the line protocol on stdout; logs go to stderr only.
	logger, err := logging.New(config.LoggingConfig{Level: "warn", Format: "console"})
	if err != nil {
		return err
	}
	defer logger.Sync()

	return worker.Serve(cmd.Context(), os.Stdin, os.Stdout, logger)
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	s, err := store.Open(cfg.Storage.DatabasePath, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	infos, err := s.Sessions(cmd.Context())
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, info := range infos {
		fmt.Printf("%s  rounds=%d  updated=%s\n", info.ID, info.Rounds, info.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
