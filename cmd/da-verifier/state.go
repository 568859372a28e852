package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/devblac/da-verifier/internal/config"
	"github.com/devblac/da-verifier/internal/storage"
	"github.com/devblac/da-verifier/internal/watcher"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the feed cursor, pending retries and failed submissions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()
		return printState(cmd, store)
	},
}

func printState(cmd *cobra.Command, store *storage.Store) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	cursor, ok, err := store.GetLastEndCursor(ctx)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(out, "cursor: none (start of feed)")
	} else {
		at, err := store.CursorUpdatedAt(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "cursor: %s (updated %s ago)\n", cursor, time.Since(at).Round(time.Second))
	}

	pending, err := store.PendingTasks(ctx)
	if err != nil {
		return err
	}
	ids := 0
	for _, rec := range pending {
		ids += countTaskIDs(rec.Payload)
	}
	fmt.Fprintf(out, "pending retries: %d task(s), %d submission(s)\n", len(pending), ids)

	summary, err := store.FailedSummary(ctx)
	if err != nil {
		return err
	}
	total := 0
	for _, kc := range summary {
		total += kc.Count
	}
	fmt.Fprintf(out, "failed submissions: %d\n", total)
	return nil
}

func countTaskIDs(payload []byte) int {
	var task watcher.RetryTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return 0
	}
	return len(task.TxIDs)
}
