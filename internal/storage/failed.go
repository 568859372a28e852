package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// FailedSubmission is a terminal verification outcome.
type FailedSubmission struct {
	TxID      string
	Kind      string
	Message   string
	Attempts  int
	CreatedAt time.Time
}

// KindCount is one row of the failed submissions summary.
type KindCount struct {
	Kind  string
	Count int
}

// RecordFailures stores terminal outcomes. A tx id is recorded at most once; later
// records for the same id are ignored. Returns how many rows were new.
func (s *Store) RecordFailures(ctx context.Context, failures []FailedSubmission) (int, error) {
	if len(failures) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO failed_submissions (tx_id, kind, message, attempts, created_at)
VALUES (?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
ON CONFLICT(tx_id) DO NOTHING;
`)
		if err != nil {
			return fmt.Errorf("prepare failure insert: %w", err)
		}
		defer stmt.Close()

		for _, f := range failures {
			if f.TxID == "" || f.Kind == "" {
				return errors.New("tx_id and kind are required")
			}
			attempts := f.Attempts
			if attempts < 1 {
				attempts = 1
			}
			res, err := stmt.ExecContext(ctx, f.TxID, f.Kind, f.Message, attempts, nullTime(f.CreatedAt))
			if err != nil {
				return fmt.Errorf("insert failure %s: %w", f.TxID, err)
			}
			if n, err := res.RowsAffected(); err == nil {
				inserted += int(n)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// FailedSummary counts failed submissions per kind, largest first.
func (s *Store) FailedSummary(ctx context.Context) ([]KindCount, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT kind, COUNT(*) FROM failed_submissions GROUP BY kind ORDER BY COUNT(*) DESC, kind;
`)
	if err != nil {
		return nil, fmt.Errorf("failed summary: %w", err)
	}
	defer rows.Close()

	var out []KindCount
	for rows.Next() {
		var kc KindCount
		if err := rows.Scan(&kc.Kind, &kc.Count); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, kc)
	}
	return out, rows.Err()
}

// ListFailed returns failed submissions oldest first; limit <= 0 means all.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]FailedSubmission, error) {
	query := `SELECT tx_id, kind, COALESCE(message, ''), attempts, created_at FROM failed_submissions ORDER BY created_at, tx_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	defer rows.Close()

	var out []FailedSubmission
	for rows.Next() {
		var f FailedSubmission
		if err := rows.Scan(&f.TxID, &f.Kind, &f.Message, &f.Attempts, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
