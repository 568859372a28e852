package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/devblac/da-verifier/internal/config"
	"github.com/devblac/da-verifier/internal/feed"
	"github.com/devblac/da-verifier/internal/node"
)

const defaultHTTPTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config and ping the node and feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d)\n", cfg.Version)

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*defaultHTTPTimeout)
		defer cancel()
		failures := 0

		clients := node.NewClients(nil)
		defer clients.Close()
		chainID, err := pingNode(ctx, clients, cfg.Node.URL)
		if err != nil {
			failures++
			fmt.Fprintf(out, "- node %s: ERROR %v\n", cfg.Node.URL, err)
		} else {
			fmt.Fprintf(out, "- node %s: chainId %s OK\n", cfg.Node.URL, chainID)
		}

		fc, err := feed.NewClient(cfg.Feed.URL, defaultHTTPTimeout)
		if err == nil {
			err = fc.Ping(ctx)
		}
		if err != nil {
			failures++
			fmt.Fprintf(out, "- feed %s: ERROR %v\n", cfg.Feed.URL, err)
		} else {
			fmt.Fprintf(out, "- feed %s: OK\n", cfg.Feed.URL)
		}

		if failures > 0 {
			return fmt.Errorf("validate: %d endpoint(s) failed connectivity", failures)
		}

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

func pingNode(ctx context.Context, clients *node.Clients, url string) (string, error) {
	r, err := clients.For(ctx, node.Config{URL: url})
	if err != nil {
		return "", err
	}
	id, err := r.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("call eth_chainId: %w", err)
	}
	return id.String(), nil
}
