package node

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// LocalNodeURL is where the forked development node listens by default.
const LocalNodeURL = "http://127.0.0.1:8545"

// LocalOptions controls the forked local node.
type LocalOptions struct {
	Binary       string        // defaults to "anvil"
	URL          string        // defaults to LocalNodeURL
	ReadyTimeout time.Duration // defaults to 30s
	Dial         Dialer        // defaults to DialRPC
}

// LocalNode is a running local fork of the configured upstream node.
type LocalNode struct {
	URL string
	cmd *exec.Cmd
}

// SetupLocalNode starts an anvil fork of forkURL and blocks until it answers eth_chainId.
func SetupLocalNode(ctx context.Context, forkURL string, opts LocalOptions) (*LocalNode, error) {
	if forkURL == "" {
		return nil, errors.New("fork url required")
	}
	if opts.Binary == "" {
		opts.Binary = "anvil"
	}
	if opts.URL == "" {
		opts.URL = LocalNodeURL
	}
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	if opts.Dial == nil {
		opts.Dial = DialRPC
	}

	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse local url: %w", err)
	}
	port := u.Port()
	if port == "" {
		port = "8545"
	}

	cmd := exec.Command(opts.Binary, "--fork-url", forkURL, "--port", port, "--silent")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start local node: %w", err)
	}
	ln := &LocalNode{URL: opts.URL, cmd: cmd}

	if err := waitReady(ctx, opts.URL, opts.Dial, opts.ReadyTimeout); err != nil {
		ln.Stop()
		return nil, fmt.Errorf("local node not ready: %w", err)
	}
	return ln, nil
}

func waitReady(ctx context.Context, nodeURL string, dial Dialer, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = timeout

	return backoff.Retry(func() error {
		r, err := dial(ctx, nodeURL)
		if err != nil {
			return err
		}
		_, err = r.ChainID(ctx)
		return err
	}, backoff.WithContext(b, ctx))
}

// Stop kills the local node process.
func (l *LocalNode) Stop() {
	if l == nil || l.cmd == nil || l.cmd.Process == nil {
		return
	}
	_ = l.cmd.Process.Kill()
	_ = l.cmd.Wait()
}
