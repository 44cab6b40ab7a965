package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"recordroute/internal/app"
	"recordroute/internal/config"
	"recordroute/internal/history"
	"recordroute/internal/storagelayout"
	"recordroute/internal/vectorindex"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "recordroute",
	Short: "RecordRoute job orchestration core: transcription, summarization, and semantic search",
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP/WebSocket server until a shutdown signal is received",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New()
		if err != nil {
			return fmt.Errorf("recordroute: initialize: %w", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		return a.Run(ctx)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the data root and persisted stores without starting the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, err := storagelayout.New(config.DataDir)
		if err != nil {
			return fmt.Errorf("recordroute: resolve data root: %w", err)
		}

		hist, err := history.Open(layout)
		if err != nil {
			return fmt.Errorf("recordroute: open history store: %w", err)
		}
		records := hist.List()
		fmt.Printf("data root:      %s\n", layout.Root())
		fmt.Printf("history file:   %s (%d records)\n", layout.HistoryFilePath(), len(records))

		vec, err := vectorindex.Open(layout, vectorindex.NewInProcessCache(0))
		if err != nil {
			return fmt.Errorf("recordroute: open vector index: %w", err)
		}
		stats := vec.Stats()
		fmt.Printf("vector index:   %s (%d entries, %d records, dim=%d)\n", layout.VectorIndexFilePath(), stats.Count, stats.Records, stats.Dim)
		fmt.Println("ok")
		return nil
	},
}
