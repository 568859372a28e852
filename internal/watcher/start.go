package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/devblac/da-verifier/internal/metrics"
	"github.com/devblac/da-verifier/internal/node"
	"github.com/devblac/da-verifier/internal/queue"
	"github.com/devblac/da-verifier/internal/storage"
)

// ErrStartup wraps failures that stop the node before the loop begins.
var ErrStartup = errors.New("verifier node startup failed")

// StartOptions configures StartVerifierNode.
type StartOptions struct {
	Feed         Feed
	Verifier     Verifier
	Watcher      Options
	RetryWorkers int
	Local        node.LocalOptions
	Log          *slog.Logger
	Metrics      *metrics.Metrics
}

// VerifierNode is a started node: open store, running retry queue and a watcher positioned at
// the persisted cursor.
type VerifierNode struct {
	Watcher *Watcher
	Store   *storage.Store
	Retries *queue.Queue[RetryTask]

	local *node.LocalNode
	log   *slog.Logger
}

// Bootstrap runs the startup sequence once: start the local fork when requested, open the
// store, start the retry queue, switch to the local node, and load the cursor.
func Bootstrap(ctx context.Context, holder *node.Holder, dbPath string, useLocalNode bool, opts StartOptions) (*VerifierNode, error) {
	if opts.Feed == nil || opts.Verifier == nil {
		return nil, fmt.Errorf("%w: feed and verifier are required", ErrStartup)
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Watcher.Log == nil {
		opts.Watcher.Log = opts.Log
	}
	if opts.Watcher.Metrics == nil {
		opts.Watcher.Metrics = opts.Metrics
	}
	opts.Watcher.LocalNode = useLocalNode
	if opts.Watcher.LocalURL == "" {
		opts.Watcher.LocalURL = opts.Local.URL
		if opts.Watcher.LocalURL == "" {
			opts.Watcher.LocalURL = node.LocalNodeURL
		}
	}

	vn := &VerifierNode{log: opts.Log}

	if useLocalNode {
		fork := holder.Snapshot().URL
		opts.Log.Info("starting local node", "fork_url", fork)
		ln, err := node.SetupLocalNode(ctx, fork, opts.Local)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStartup, err)
		}
		vn.local = ln
	}

	store, err := storage.Open(dbPath)
	if err != nil {
		vn.Close()
		return nil, fmt.Errorf("%w: %v", ErrStartup, err)
	}
	vn.Store = store

	w := New(holder, Deps{
		Feed:     opts.Feed,
		Cursors:  store,
		Failures: store,
		Verifier: opts.Verifier,
	}, opts.Watcher)
	vn.Retries = queue.New[RetryTask](store, w.HandleRetry, queue.Options{
		Workers: opts.RetryWorkers,
		Backoff: opts.Watcher.RetryDelay,
		Log:     opts.Log.With("component", "retry-queue"),
	})
	w.deps.Retries = vn.Retries
	vn.Watcher = w

	if err := vn.Retries.Start(ctx); err != nil {
		vn.Close()
		return nil, fmt.Errorf("%w: %v", ErrStartup, err)
	}

	if vn.local != nil {
		if err := holder.SwitchTo(vn.local.URL); err != nil {
			vn.Close()
			return nil, fmt.Errorf("%w: %v", ErrStartup, err)
		}
		opts.Log.Info("switched to local node", "url", vn.local.URL)
	}

	if err := w.LoadCursor(ctx); err != nil {
		vn.Close()
		return nil, fmt.Errorf("%w: load cursor: %v", ErrStartup, err)
	}
	opts.Log.Info("verifier node started", "cursor", w.Cursor())
	return vn, nil
}

// Close stops the retry queue, closes the store and stops the local node.
func (vn *VerifierNode) Close() {
	if vn == nil {
		return
	}
	if vn.Retries != nil {
		vn.Retries.Stop()
	}
	if vn.Store != nil {
		if err := vn.Store.Close(); err != nil {
			vn.log.Warn("close store", "error", err)
		}
	}
	vn.local.Stop()
}

// StartVerifierNode boots the node and runs the watcher until ctx is cancelled. A cancel is a
// clean stop and returns nil.
func StartVerifierNode(ctx context.Context, holder *node.Holder, dbPath string, useLocalNode bool, opts StartOptions) error {
	vn, err := Bootstrap(ctx, holder, dbPath, useLocalNode, opts)
	if err != nil {
		return err
	}
	defer vn.Close()
	if err := vn.Watcher.Run(ctx); !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
