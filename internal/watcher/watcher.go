// Package watcher drives the watch-verify-retry pipeline: it pulls feed pages, verifies them in
// batches, routes failures to the retry queue or the failed submissions table, and advances the
// persisted cursor once a page is fully handled.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/devblac/da-verifier/internal/feed"
	"github.com/devblac/da-verifier/internal/metrics"
	"github.com/devblac/da-verifier/internal/node"
	"github.com/devblac/da-verifier/internal/storage"
	"github.com/devblac/da-verifier/internal/verifier"
)

// State is the watcher's position in its loop.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateVerifying
	StatePersisting
	StateErrorBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateVerifying:
		return "verifying"
	case StatePersisting:
		return "persisting"
	case StateErrorBackoff:
		return "error_backoff"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Feed returns the page of submissions after cursor.
type Feed interface {
	GetTransactions(ctx context.Context, environment, deployment, cursor string) (*feed.Page, error)
}

// CursorStore persists the end cursor of the last fully handled page.
type CursorStore interface {
	GetLastEndCursor(ctx context.Context) (string, bool, error)
	SaveEndCursor(ctx context.Context, cursor string) error
}

// FailureRecorder stores terminal outcomes.
type FailureRecorder interface {
	RecordFailures(ctx context.Context, failures []storage.FailedSubmission) (int, error)
}

// Verifier checks a batch of submissions against a node.
type Verifier interface {
	Verify(ctx context.Context, txIDs []string, cfg node.Config, opts verifier.VerifyOptions) ([]verifier.Outcome, error)
}

// RetryScheduler delays a retry task.
type RetryScheduler interface {
	EnqueueWithDelay(ctx context.Context, task RetryTask, delay time.Duration) (string, error)
}

// RetryTask is a set of submissions to verify again. Node is the config captured when the
// task was created.
type RetryTask struct {
	TxIDs   []string    `json:"txIds"`
	Node    node.Config `json:"node"`
	Attempt int         `json:"attempt"`
}

// Deps are the collaborators a Watcher drives.
type Deps struct {
	Feed     Feed
	Cursors  CursorStore
	Failures FailureRecorder
	Verifier Verifier
	Retries  RetryScheduler
}

// Options tunes the loop.
type Options struct {
	BatchSize        int
	IdleDelay        time.Duration
	ErrorDelay       time.Duration
	RetryDelay       time.Duration
	MaxRetryAttempts int // 0 retries transient failures forever
	LocalNode        bool
	LocalURL         string // retry tasks captured against this URL are rebound when LocalNode is off
	Sink             verifier.Sink
	Log              *slog.Logger
	Metrics          *metrics.Metrics
}

const (
	defaultBatchSize  = 1000
	defaultIdleDelay  = 100 * time.Millisecond
	defaultErrorDelay = 100 * time.Millisecond
	defaultRetryDelay = 30 * time.Second
)

// Watcher runs the polling loop. It is driven by a single goroutine.
type Watcher struct {
	deps  Deps
	node  *node.Holder
	opts  Options
	log   *slog.Logger
	sleep func(ctx context.Context, d time.Duration) error

	state  State
	cursor string
	pages  int
}

// New builds a watcher. Call LoadCursor before the first Step.
func New(holder *node.Holder, deps Deps, opts Options) *Watcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.IdleDelay <= 0 {
		opts.IdleDelay = defaultIdleDelay
	}
	if opts.ErrorDelay <= 0 {
		opts.ErrorDelay = defaultErrorDelay
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Watcher{
		deps:  deps,
		node:  holder,
		opts:  opts,
		log:   opts.Log,
		sleep: sleepCtx,
		state: StateFetching,
	}
}

// State reports where the loop currently is.
func (w *Watcher) State() State { return w.state }

// Cursor reports the last persisted end cursor; empty means the start of the feed.
func (w *Watcher) Cursor() string { return w.cursor }

// LoadCursor resumes from the persisted cursor.
func (w *Watcher) LoadCursor(ctx context.Context) error {
	cursor, ok, err := w.deps.Cursors.GetLastEndCursor(ctx)
	if err != nil {
		return err
	}
	if ok {
		w.cursor = cursor
	}
	return nil
}

// Run steps until ctx is cancelled and returns ctx.Err(). Iteration errors are absorbed by the
// error backoff.
func (w *Watcher) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		_ = w.Step(ctx)
	}
	return ctx.Err()
}

// Step runs one iteration: fetch a page, verify it, route failures, and persist the cursor.
// It sleeps before returning when the page was empty or the iteration failed. The returned
// error is the iteration failure, already logged.
func (w *Watcher) Step(ctx context.Context) error {
	if err := w.step(ctx); err != nil {
		w.state = StateErrorBackoff
		if ctx.Err() == nil {
			w.opts.Metrics.LoopError()
			w.log.Error("error while checking for new submissions", "cursor", w.cursor, "error", err)
		}
		_ = w.sleep(ctx, w.opts.ErrorDelay)
		w.state = StateFetching
		return err
	}
	return nil
}

func (w *Watcher) step(ctx context.Context) error {
	w.state = StateFetching
	cfg := w.node.Snapshot()
	page, err := w.deps.Feed.GetTransactions(ctx, cfg.Environment, cfg.Deployment, w.cursor)
	if err != nil {
		return fmt.Errorf("fetch page: %w", err)
	}

	if len(page.Edges) == 0 {
		w.state = StateIdle
		w.log.Debug("no new DA items found", "cursor", w.cursor)
		_ = w.sleep(ctx, w.opts.IdleDelay)
		w.state = StateFetching
		return nil
	}

	if ids := page.IDs(); len(ids) > 0 {
		w.log.Info("found new submissions", "count", len(ids))
		if err := w.handlePage(ctx, ids, cfg); err != nil {
			return err
		}
	} else {
		w.log.Warn("page has no submission ids", "edges", len(page.Edges), "end_cursor", page.PageInfo.EndCursor)
	}

	w.state = StatePersisting
	if end := page.PageInfo.EndCursor; end != "" {
		if err := w.deps.Cursors.SaveEndCursor(ctx, end); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
		w.cursor = end
	}
	w.pages++
	w.opts.Metrics.PageProcessed()
	w.log.Info("completed count", "pages", w.pages, "cursor", w.cursor)
	w.state = StateFetching
	return nil
}

// handlePage verifies ids against cfg and routes every failure. It returns before any
// routing when a batch cannot be attempted, so the page is fetched again.
func (w *Watcher) handlePage(ctx context.Context, ids []string, cfg node.Config) error {
	w.state = StateVerifying
	var outcomes []verifier.Outcome
	for _, batch := range Partition(ids, w.opts.BatchSize) {
		start := time.Now()
		out, err := w.deps.Verifier.Verify(ctx, batch, cfg, verifier.VerifyOptions{
			LocalNode: w.opts.LocalNode,
			Sink:      w.opts.Sink,
		})
		w.opts.Metrics.ObserveBatch(time.Since(start))
		if err != nil {
			return fmt.Errorf("verify batch: %w", err)
		}
		outcomes = append(outcomes, out...)
	}

	r := route(outcomes)
	w.opts.Metrics.Submissions("valid", r.valid)
	w.opts.Metrics.Submissions("retry", len(r.retry))
	w.opts.Metrics.Submissions("terminal", len(r.terminal))

	if err := w.recordTerminal(ctx, r.terminal, 1); err != nil {
		return err
	}
	if len(r.retry) > 0 {
		task := RetryTask{TxIDs: r.retry, Node: cfg, Attempt: 1}
		if _, err := w.deps.Retries.EnqueueWithDelay(ctx, task, w.opts.RetryDelay); err != nil {
			return fmt.Errorf("enqueue retry: %w", err)
		}
		w.opts.Metrics.RetriesEnqueued(len(r.retry))
		w.log.Info("retry scheduled", "count", len(r.retry), "delay", w.opts.RetryDelay)
	}
	return nil
}

func (w *Watcher) recordTerminal(ctx context.Context, outs []verifier.Outcome, attempts int) error {
	if len(outs) == 0 {
		return nil
	}
	rows := make([]storage.FailedSubmission, 0, len(outs))
	for _, o := range outs {
		rows = append(rows, storage.FailedSubmission{
			TxID:     o.TxID,
			Kind:     string(o.Kind),
			Message:  o.Err,
			Attempts: attempts,
		})
	}
	n, err := w.deps.Failures.RecordFailures(ctx, rows)
	if err != nil {
		return fmt.Errorf("record failures: %w", err)
	}
	w.opts.Metrics.TerminalFailures(n)
	return nil
}

// HandleRetry verifies a retry task again. Transient failures are rescheduled with the next
// attempt number until MaxRetryAttempts is reached; terminal ones are recorded. The reschedule
// happens before the terminal write, so an error returned here leaves at most a duplicate
// verification behind when the queue runs the task again.
func (w *Watcher) HandleRetry(ctx context.Context, task RetryTask) error {
	if len(task.TxIDs) == 0 {
		return nil
	}
	if task.Attempt < 1 {
		task.Attempt = 1
	}
	if !w.opts.LocalNode && w.opts.LocalURL != "" && task.Node.URL == w.opts.LocalURL {
		live := w.node.Snapshot()
		w.log.Info("rebinding retry task from local node", "from", task.Node.URL, "to", live.URL)
		task.Node.URL = live.URL
	}

	outs, err := w.deps.Verifier.Verify(ctx, task.TxIDs, task.Node, verifier.VerifyOptions{
		Retry:     true,
		LocalNode: w.opts.LocalNode,
		Sink:      w.opts.Sink,
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		w.log.Warn("retry batch not attempted", "attempt", task.Attempt, "count", len(task.TxIDs), "error", err)
		outs = make([]verifier.Outcome, 0, len(task.TxIDs))
		for _, id := range task.TxIDs {
			outs = append(outs, verifier.Outcome{TxID: id, Kind: verifier.KindUnknown, Err: err.Error(), Retry: true})
		}
	}

	r := route(outs)
	w.opts.Metrics.Submissions("valid", r.valid)
	terminal := r.terminal

	if len(r.retry) > 0 {
		if limit := w.opts.MaxRetryAttempts; limit > 0 && task.Attempt >= limit {
			w.log.Warn("retry attempts exhausted", "attempt", task.Attempt, "count", len(r.retry))
			terminal = append(terminal, r.retryOutcomes...)
		} else {
			next := RetryTask{TxIDs: r.retry, Node: task.Node, Attempt: task.Attempt + 1}
			if _, err := w.deps.Retries.EnqueueWithDelay(ctx, next, w.opts.RetryDelay); err != nil {
				return fmt.Errorf("re-enqueue retry: %w", err)
			}
			w.opts.Metrics.RetriesEnqueued(len(r.retry))
		}
	}
	return w.recordTerminal(ctx, terminal, task.Attempt+1)
}

type routed struct {
	valid         int
	retry         []string
	retryOutcomes []verifier.Outcome
	terminal      []verifier.Outcome
}

func route(outs []verifier.Outcome) routed {
	var r routed
	for _, o := range outs {
		switch {
		case o.Success:
			r.valid++
		case verifier.Classify(o.Kind) == verifier.Retry:
			r.retry = append(r.retry, o.TxID)
			r.retryOutcomes = append(r.retryOutcomes, o)
		default:
			r.terminal = append(r.terminal, o)
		}
	}
	return r
}

// Partition splits ids into consecutive batches of at most size entries.
func Partition(ids []string, size int) [][]string {
	if size <= 0 {
		size = defaultBatchSize
	}
	var out [][]string
	for len(ids) > 0 {
		n := size
		if len(ids) < n {
			n = len(ids)
		}
		out = append(out, ids[:n:n])
		ids = ids[n:]
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
