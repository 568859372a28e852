package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/devblac/da-verifier/internal/config"
	"github.com/devblac/da-verifier/internal/storage"
)

var (
	flagExportFormat string
	flagExportOut    string
)

func init() {
	exportCmd.Flags().StringVar(&flagExportFormat, "format", "json", "Output format: json or csv")
	exportCmd.Flags().StringVarP(&flagExportOut, "out", "o", "", "Write to file instead of stdout")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export failed submissions as json or csv",
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

		rows, err := store.ListFailed(cmd.Context(), 0)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if flagExportOut != "" {
			f, err := os.Create(flagExportOut)
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}
			defer f.Close()
			w = f
		}
		return writeFailed(w, flagExportFormat, rows)
	},
}

type exportRow struct {
	TxID      string `json:"txId"`
	Kind      string `json:"kind"`
	Message   string `json:"message,omitempty"`
	Attempts  int    `json:"attempts"`
	CreatedAt string `json:"createdAt"`
}

func writeFailed(w io.Writer, format string, rows []storage.FailedSubmission) error {
	out := make([]exportRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, exportRow{
			TxID:      r.TxID,
			Kind:      r.Kind,
			Message:   r.Message,
			Attempts:  r.Attempts,
			CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"tx_id", "kind", "message", "attempts", "created_at"}); err != nil {
			return err
		}
		for _, r := range out {
			if err := cw.Write([]string{r.TxID, r.Kind, r.Message, strconv.Itoa(r.Attempts), r.CreatedAt}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	default:
		return fmt.Errorf("unsupported export format: %s", format)
	}
}
