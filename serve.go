package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/tasksync/internal/config"
	"github.com/tonimelisma/tasksync/internal/sync"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon",
		Long: `Run continuous sync for every enabled repo.

The daemon serves the GitHub webhook endpoint, watches each repo's task
directory, retries failed events and runs a periodic full sync. Send SIGHUP
(or run 'tasksync sync' while the daemon is up) to request an immediate full
sync. The first SIGINT/SIGTERM drains in-flight work; a second forces exit.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("listen", "", "HTTP listen address (overrides server.listen)")
	cmd.Flags().String("pid-file", config.DefaultPIDPath(), "PID lock file")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Cfg.Config()
	logger := cc.Logger

	pidPath, err := cmd.Flags().GetString("pid-file")
	if err != nil {
		return err
	}

	if _, err := cfg.WebhookSecret(); err != nil {
		return fmt.Errorf("webhook secret: %w", err)
	}

	cleanup, err := writePIDFile(pidPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), logger)

	engine, err := sync.NewEngine(ctx, &sync.EngineConfig{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer engine.Close()

	onSIGHUP(ctx, logger, engine.TriggerSync)

	logger.Info("tasksync daemon starting",
		slog.String("version", version),
		slog.String("config", cc.Cfg.Path()),
		slog.String("listen", cfg.Server.Listen),
		slog.Int("repos", len(engine.Repos())),
	)

	cc.Statusf("Serving %d repo(s) on %s\n", len(engine.Repos()), cfg.Server.Listen)

	if err := engine.Run(ctx); err != nil {
		return err
	}

	logger.Info("tasksync daemon stopped")

	return nil
}
