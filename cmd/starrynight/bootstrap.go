package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"arc-framework/starrynight/internal/orchestrator"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Run one bootstrap of the theme subsystems and exit",
	Long: `Bootstrap runs every phase of the plan once, prints the JSON result to
stdout and tears the subsystems down again.

It exits 0 on success and non-zero when a phase aborts.`,
	RunE: runBootstrap,
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	app, err := buildAppContext(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building app context: %w", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Close(shutCtx); err != nil {
			logger.Warn("shutdown incomplete", "err", err)
		}
	}()

	logger.InfoContext(ctx, "starting bootstrap")

	result, err := app.orchestrator.Bootstrap(ctx)
	if result != nil {
		printJSON(cmd.OutOrStdout(), result)
	}
	if err != nil {
		if result == nil {
			printJSON(cmd.OutOrStdout(), map[string]string{"status": orchestrator.StatusError, "error": err.Error()})
		}
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	logger.InfoContext(ctx, "bootstrap completed successfully", "run_id", result.RunID)
	return nil
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(w, `{"error":%q}`+"\n", err.Error())
	}
}
