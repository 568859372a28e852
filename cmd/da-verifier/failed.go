package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/devblac/da-verifier/internal/config"
	"github.com/devblac/da-verifier/internal/storage"
)

var flagFailedLimit int

func init() {
	failedCmd.Flags().IntVar(&flagFailedLimit, "list", 0, "Also list up to N failed submissions")
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "Summarize failed submissions by error kind",
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
		return printFailed(cmd, store, flagFailedLimit)
	},
}

func printFailed(cmd *cobra.Command, store *storage.Store, limit int) error {
	ctx := cmd.Context()
	summary, err := store.FailedSummary(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	if len(summary) == 0 {
		fmt.Fprintln(tw, "no failed submissions")
		return tw.Flush()
	}
	fmt.Fprintln(tw, "KIND\tCOUNT")
	for _, kc := range summary {
		fmt.Fprintf(tw, "%s\t%d\n", kc.Kind, kc.Count)
	}

	if limit > 0 {
		rows, err := store.ListFailed(ctx, limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "TX ID\tKIND\tATTEMPTS\tRECORDED")
		for _, f := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", f.TxID, f.Kind, f.Attempts, f.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
		}
	}
	return tw.Flush()
}
