package health

import (
	"context"
	"fmt"

	"github.com/devblac/da-verifier/internal/node"
)

// NodePinger checks a node by config.
type NodePinger interface {
	Ping(ctx context.Context, cfg node.Config) error
}

// NodeChecker pings whichever node the holder currently points at.
type NodeChecker struct {
	holder *node.Holder
	pinger NodePinger
}

// NewNodeChecker builds a checker over the live node config.
func NewNodeChecker(holder *node.Holder, pinger NodePinger) *NodeChecker {
	return &NodeChecker{holder: holder, pinger: pinger}
}

// Ping checks the current node.
func (c *NodeChecker) Ping(ctx context.Context) error {
	cfg := c.holder.Snapshot()
	if err := c.pinger.Ping(ctx, cfg); err != nil {
		return fmt.Errorf("node %s: %w", cfg.URL, err)
	}
	return nil
}
