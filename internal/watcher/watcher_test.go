package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devblac/da-verifier/internal/feed"
	"github.com/devblac/da-verifier/internal/logging"
	"github.com/devblac/da-verifier/internal/node"
	"github.com/devblac/da-verifier/internal/queue"
	"github.com/devblac/da-verifier/internal/storage"
	"github.com/devblac/da-verifier/internal/verifier"
)

type fakeFeed struct {
	mu      sync.Mutex
	pages   map[string]*feed.Page
	err     error
	cursors []string
}

func (f *fakeFeed) GetTransactions(_ context.Context, _, _, cursor string) (*feed.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, cursor)
	if f.err != nil {
		return nil, f.err
	}
	if p, ok := f.pages[cursor]; ok {
		return p, nil
	}
	return &feed.Page{}, nil
}

func page(end string, ids ...string) *feed.Page {
	p := &feed.Page{PageInfo: feed.PageInfo{EndCursor: end}}
	for _, id := range ids {
		p.Edges = append(p.Edges, feed.Edge{Node: feed.Submission{ID: id}})
	}
	return p
}

type memCursors struct {
	cursor string
	saved  []string
	err    error
}

func (m *memCursors) GetLastEndCursor(context.Context) (string, bool, error) {
	return m.cursor, m.cursor != "", nil
}

func (m *memCursors) SaveEndCursor(_ context.Context, c string) error {
	if m.err != nil {
		return m.err
	}
	m.cursor = c
	m.saved = append(m.saved, c)
	return nil
}

type recFailures struct {
	mu   sync.Mutex
	rows []storage.FailedSubmission
	seen map[string]bool
	err  error
}

func (r *recFailures) RecordFailures(_ context.Context, rows []storage.FailedSubmission) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	if r.seen == nil {
		r.seen = map[string]bool{}
	}
	n := 0
	for _, row := range rows {
		if r.seen[row.TxID] {
			continue
		}
		r.seen[row.TxID] = true
		r.rows = append(r.rows, row)
		n++
	}
	return n, nil
}

type scriptedVerifier struct {
	mu      sync.Mutex
	kinds   map[string]verifier.ErrorKind // missing ids are valid
	err     error
	batches [][]string
	opts    []verifier.VerifyOptions
	cfgs    []node.Config
}

func (s *scriptedVerifier) Verify(_ context.Context, ids []string, cfg node.Config, opts verifier.VerifyOptions) ([]verifier.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]string(nil), ids...))
	s.opts = append(s.opts, opts)
	s.cfgs = append(s.cfgs, cfg)
	if s.err != nil {
		return nil, s.err
	}
	out := make([]verifier.Outcome, 0, len(ids))
	for _, id := range ids {
		kind, failed := s.kinds[id]
		out = append(out, verifier.Outcome{TxID: id, Success: !failed, Kind: kind, Retry: opts.Retry})
	}
	return out, nil
}

type delayed struct {
	task  RetryTask
	delay time.Duration
}

type recRetries struct {
	tasks []delayed
	err   error
}

func (r *recRetries) EnqueueWithDelay(_ context.Context, task RetryTask, delay time.Duration) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.tasks = append(r.tasks, delayed{task: task, delay: delay})
	return fmt.Sprintf("task-%d", len(r.tasks)), nil
}

type harness struct {
	w        *Watcher
	feed     *fakeFeed
	cursors  *memCursors
	failures *recFailures
	verify   *scriptedVerifier
	retries  *recRetries
	sleeps   []time.Duration
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		feed:     &fakeFeed{pages: map[string]*feed.Page{}},
		cursors:  &memCursors{},
		failures: &recFailures{},
		verify:   &scriptedVerifier{kinds: map[string]verifier.ErrorKind{}},
		retries:  &recRetries{},
	}
	opts.Log = logging.Discard()
	holder := node.NewHolder(node.Config{Environment: "mainnet", Deployment: "production", URL: "http://node"})
	h.w = New(holder, Deps{
		Feed:     h.feed,
		Cursors:  h.cursors,
		Failures: h.failures,
		Verifier: h.verify,
		Retries:  h.retries,
	}, opts)
	h.w.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func TestEmptyPageSleepsIdleAndKeepsCursor(t *testing.T) {
	h := newHarness(t, Options{})
	h.cursors.cursor = "c0"
	require.NoError(t, h.w.LoadCursor(context.Background()))

	require.NoError(t, h.w.Step(context.Background()))

	require.Equal(t, []time.Duration{100 * time.Millisecond}, h.sleeps)
	require.Empty(t, h.verify.batches)
	require.Empty(t, h.cursors.saved)
	require.Equal(t, "c0", h.w.Cursor())
	require.Equal(t, StateFetching, h.w.State())
}

func TestRetryableFailuresAreScheduledOncePerPage(t *testing.T) {
	h := newHarness(t, Options{})
	h.feed.pages[""] = page("c1", "a", "b", "c")
	h.verify.kinds["b"] = verifier.KindCanNotConnectToBundlr
	h.verify.kinds["c"] = verifier.KindUnknown

	require.NoError(t, h.w.Step(context.Background()))

	require.Len(t, h.retries.tasks, 1)
	got := h.retries.tasks[0]
	require.Equal(t, []string{"b", "c"}, got.task.TxIDs)
	require.Equal(t, 30*time.Second, got.delay)
	require.Equal(t, 1, got.task.Attempt)
	require.Equal(t, "http://node", got.task.Node.URL)
	require.Empty(t, h.failures.rows)
	require.Equal(t, []string{"c1"}, h.cursors.saved)
}

func TestTerminalFailuresAreRecordedNotRetried(t *testing.T) {
	h := newHarness(t, Options{})
	h.feed.pages[""] = page("c1", "a", "b")
	h.verify.kinds["a"] = verifier.KindPotentialReorg

	require.NoError(t, h.w.Step(context.Background()))

	require.Empty(t, h.retries.tasks)
	require.Len(t, h.failures.rows, 1)
	require.Equal(t, "a", h.failures.rows[0].TxID)
	require.Equal(t, string(verifier.KindPotentialReorg), h.failures.rows[0].Kind)
	require.Equal(t, "c1", h.w.Cursor())
}

func TestFeedErrorBacksOffWithoutAdvancing(t *testing.T) {
	h := newHarness(t, Options{})
	h.cursors.cursor = "c5"
	require.NoError(t, h.w.LoadCursor(context.Background()))
	h.feed.err = errors.New("feed down")

	err := h.w.Step(context.Background())
	require.Error(t, err)
	require.Equal(t, []time.Duration{100 * time.Millisecond}, h.sleeps)
	require.Empty(t, h.cursors.saved)
	require.Equal(t, "c5", h.w.Cursor())

	h.feed.err = nil
	require.NoError(t, h.w.Step(context.Background()))
	require.Equal(t, []string{"c5", "c5"}, h.feed.cursors)
}

func TestVerifierErrorLeavesCursorAndRefetchesSamePage(t *testing.T) {
	h := newHarness(t, Options{})
	h.feed.pages[""] = page("c1", "a", "b")
	h.verify.err = verifier.ErrNodeUnreachable

	require.ErrorIs(t, h.w.Step(context.Background()), verifier.ErrNodeUnreachable)
	require.Empty(t, h.cursors.saved)
	require.Empty(t, h.retries.tasks)
	require.Empty(t, h.failures.rows)

	h.verify.err = nil
	require.NoError(t, h.w.Step(context.Background()))
	require.Equal(t, []string{"", ""}, h.feed.cursors)
	require.Equal(t, []string{"c1"}, h.cursors.saved)
}

func TestEnqueueFailureDoesNotAdvance(t *testing.T) {
	h := newHarness(t, Options{})
	h.feed.pages[""] = page("c1", "a")
	h.verify.kinds["a"] = verifier.KindBlockCantBeReadFromNode
	h.retries.err = errors.New("queue stopped")

	require.Error(t, h.w.Step(context.Background()))
	require.Empty(t, h.cursors.saved)
}

func TestSaveCursorFailureBacksOff(t *testing.T) {
	h := newHarness(t, Options{})
	h.feed.pages[""] = page("c1", "a")
	h.cursors.err = errors.New("disk full")

	require.Error(t, h.w.Step(context.Background()))
	require.Equal(t, "", h.w.Cursor())
	require.Equal(t, StateFetching, h.w.State())
}

func TestBatchesAreCapped(t *testing.T) {
	h := newHarness(t, Options{})
	ids := make([]string, 2500)
	for i := range ids {
		ids[i] = fmt.Sprintf("tx-%04d", i)
	}
	h.feed.pages[""] = page("c1", ids...)

	require.NoError(t, h.w.Step(context.Background()))

	require.Len(t, h.verify.batches, 3)
	require.Len(t, h.verify.batches[0], 1000)
	require.Len(t, h.verify.batches[1], 1000)
	require.Len(t, h.verify.batches[2], 500)
	require.Equal(t, "tx-2499", h.verify.batches[2][499])
}

func TestCursorAdvancesThroughPagesInOrder(t *testing.T) {
	h := newHarness(t, Options{})
	h.feed.pages[""] = page("c1", "a")
	h.feed.pages["c1"] = page("c2", "b")
	h.feed.pages["c2"] = page("", "c")

	for i := 0; i < 4; i++ {
		require.NoError(t, h.w.Step(context.Background()))
	}
	// the third page has no end cursor, so the position holds at c2.
	require.Equal(t, []string{"c1", "c2"}, h.cursors.saved)
	require.Equal(t, []string{"", "c1", "c2", "c2"}, h.feed.cursors)
}

func TestRefetchedPageDoesNotDuplicateFailures(t *testing.T) {
	h := newHarness(t, Options{})
	h.feed.pages[""] = page("c1", "a")
	h.verify.kinds["a"] = verifier.KindEventMismatch
	h.cursors.err = errors.New("transient")

	require.Error(t, h.w.Step(context.Background()))
	h.cursors.err = nil
	require.NoError(t, h.w.Step(context.Background()))

	require.Len(t, h.failures.rows, 1)
	require.Equal(t, []string{"c1"}, h.cursors.saved)
}

func TestSinkAndLocalNodeArePassedThrough(t *testing.T) {
	var got []string
	sink := verifierSinkFunc(func(o verifier.Outcome) { got = append(got, o.TxID) })
	h := newHarness(t, Options{Sink: sink, LocalNode: true})
	h.feed.pages[""] = page("c1", "a")

	require.NoError(t, h.w.Step(context.Background()))
	require.True(t, h.verify.opts[0].LocalNode)
	require.False(t, h.verify.opts[0].Retry)
	require.NotNil(t, h.verify.opts[0].Sink)
}

type verifierSinkFunc func(verifier.Outcome)

func (f verifierSinkFunc) Push(o verifier.Outcome) { f(o) }

func TestHandleRetryReschedulesTransient(t *testing.T) {
	h := newHarness(t, Options{})
	h.verify.kinds["b"] = verifier.KindDataCantBeReadFromNode
	h.verify.kinds["c"] = verifier.KindTimestampProofNotSubmitter
	cfg := node.Config{Environment: "mainnet", URL: "http://captured"}

	err := h.w.HandleRetry(context.Background(), RetryTask{TxIDs: []string{"a", "b", "c"}, Node: cfg, Attempt: 1})
	require.NoError(t, err)

	require.True(t, h.verify.opts[0].Retry)
	require.Equal(t, "http://captured", h.verify.cfgs[0].URL)
	require.Len(t, h.retries.tasks, 1)
	require.Equal(t, []string{"b"}, h.retries.tasks[0].task.TxIDs)
	require.Equal(t, 2, h.retries.tasks[0].task.Attempt)
	require.Equal(t, cfg, h.retries.tasks[0].task.Node)
	require.Len(t, h.failures.rows, 1)
	require.Equal(t, "c", h.failures.rows[0].TxID)
	require.Equal(t, 2, h.failures.rows[0].Attempts)
}

func TestHandleRetryStopsAtMaxAttempts(t *testing.T) {
	h := newHarness(t, Options{MaxRetryAttempts: 3})
	h.verify.kinds["a"] = verifier.KindSimulationNodeCouldNotRun

	require.NoError(t, h.w.HandleRetry(context.Background(), RetryTask{TxIDs: []string{"a"}, Attempt: 3}))

	require.Empty(t, h.retries.tasks)
	require.Len(t, h.failures.rows, 1)
	require.Equal(t, string(verifier.KindSimulationNodeCouldNotRun), h.failures.rows[0].Kind)
	require.Equal(t, 4, h.failures.rows[0].Attempts)
}

func TestHandleRetryUnboundedByDefault(t *testing.T) {
	h := newHarness(t, Options{})
	h.verify.kinds["a"] = verifier.KindUnknown

	require.NoError(t, h.w.HandleRetry(context.Background(), RetryTask{TxIDs: []string{"a"}, Attempt: 500}))
	require.Len(t, h.retries.tasks, 1)
	require.Equal(t, 501, h.retries.tasks[0].task.Attempt)
}

func TestHandleRetryNodeDownReschedulesAll(t *testing.T) {
	h := newHarness(t, Options{})
	h.verify.err = verifier.ErrNodeUnreachable

	require.NoError(t, h.w.HandleRetry(context.Background(), RetryTask{TxIDs: []string{"a", "b"}, Attempt: 1}))
	require.Len(t, h.retries.tasks, 1)
	require.Equal(t, []string{"a", "b"}, h.retries.tasks[0].task.TxIDs)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	steps := 0
	h.w.sleep = func(context.Context, time.Duration) error {
		steps++
		if steps == 3 {
			cancel()
		}
		return nil
	}
	require.ErrorIs(t, h.w.Run(ctx), context.Canceled)
	require.Equal(t, 3, steps)
}

func TestPageWithoutIDsStillAdvancesCursor(t *testing.T) {
	h := newHarness(t, Options{})
	h.feed.pages[""] = &feed.Page{Edges: []feed.Edge{{}, {}}, PageInfo: feed.PageInfo{EndCursor: "c1"}}
	h.feed.pages["c1"] = page("c2", "a")

	for i := 0; i < 3; i++ {
		require.NoError(t, h.w.Step(context.Background()))
	}

	require.Equal(t, []string{"", "c1", "c2"}, h.feed.cursors)
	require.Equal(t, []string{"c1", "c2"}, h.cursors.saved)
	require.Equal(t, [][]string{{"a"}}, h.verify.batches)
}

func TestHandleRetryReschedulesBeforeRecordingTerminal(t *testing.T) {
	h := newHarness(t, Options{})
	h.verify.kinds["a"] = verifier.KindCanNotConnectToBundlr
	h.verify.kinds["c"] = verifier.KindEventMismatch
	h.failures.err = errors.New("database is locked")

	err := h.w.HandleRetry(context.Background(), RetryTask{TxIDs: []string{"a", "b", "c"}, Attempt: 1})
	require.Error(t, err)
	require.Len(t, h.retries.tasks, 1)
	require.Equal(t, []string{"a"}, h.retries.tasks[0].task.TxIDs)
}

func TestRetryTaskSurvivesFailureWrite(t *testing.T) {
	h := newHarness(t, Options{RetryDelay: time.Hour})
	h.verify.kinds["a"] = verifier.KindCanNotConnectToBundlr
	h.verify.kinds["c"] = verifier.KindEventMismatch
	h.failures.err = errors.New("database is locked")

	store := queue.NewMemoryStore()
	q := queue.New[RetryTask](store, h.w.HandleRetry, queue.Options{Backoff: 20 * time.Millisecond, Log: logging.Discard()})
	h.w.deps.Retries = q
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(q.Stop)

	_, err := q.EnqueueWithDelay(context.Background(), RetryTask{TxIDs: []string{"a", "c"}, Attempt: 1}, 0)
	require.NoError(t, err)

	// each failed run reschedules itself and leaves a fresh task for "a"
	require.Eventually(t, func() bool {
		h.verify.mu.Lock()
		defer h.verify.mu.Unlock()
		return len(h.verify.batches) >= 2
	}, 3*time.Second, 5*time.Millisecond)

	h.failures.mu.Lock()
	h.failures.err = nil
	h.failures.mu.Unlock()

	require.Eventually(t, func() bool {
		h.failures.mu.Lock()
		defer h.failures.mu.Unlock()
		return len(h.failures.rows) == 1 && h.failures.rows[0].TxID == "c"
	}, 3*time.Second, 5*time.Millisecond)

	pending, err := store.PendingTasks(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, pending)
	for _, rec := range pending {
		var task RetryTask
		require.NoError(t, json.Unmarshal(rec.Payload, &task))
		require.Contains(t, task.TxIDs, "a")
	}
}

func TestHandleRetryRebindsLocalNodeTasks(t *testing.T) {
	h := newHarness(t, Options{LocalURL: node.LocalNodeURL})
	captured := node.Config{Environment: "mainnet", Deployment: "production", URL: node.LocalNodeURL}

	require.NoError(t, h.w.HandleRetry(context.Background(), RetryTask{TxIDs: []string{"a"}, Node: captured, Attempt: 1}))
	require.Equal(t, "http://node", h.verify.cfgs[0].URL)

	local := newHarness(t, Options{LocalNode: true, LocalURL: node.LocalNodeURL})
	require.NoError(t, local.w.HandleRetry(context.Background(), RetryTask{TxIDs: []string{"a"}, Node: captured, Attempt: 1}))
	require.Equal(t, node.LocalNodeURL, local.verify.cfgs[0].URL)
}

func TestPartition(t *testing.T) {
	require.Nil(t, Partition(nil, 10))
	got := Partition([]string{"a", "b", "c"}, 2)
	require.Equal(t, [][]string{{"a", "b"}, {"c"}}, got)

	got[0] = append(got[0], "x")
	require.Equal(t, []string{"c"}, got[1])
}

func TestStateString(t *testing.T) {
	require.Equal(t, "error_backoff", StateErrorBackoff.String())
	require.Equal(t, "idle", StateIdle.String())
}
