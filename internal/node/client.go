package node

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// BlockReader captures the subset of ethclient used by verification.
type BlockReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Dialer opens a BlockReader for a node URL.
type Dialer func(ctx context.Context, url string) (BlockReader, error)

// DialRPC is the default Dialer backed by ethclient.
func DialRPC(ctx context.Context, url string) (BlockReader, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial node rpc: %w", err)
	}
	return c, nil
}

// Clients caches one BlockReader per node URL so snapshots that share a URL share a connection.
type Clients struct {
	dial Dialer

	mu      sync.Mutex
	readers map[string]BlockReader
}

// NewClients builds a cache using dial, or DialRPC when nil.
func NewClients(dial Dialer) *Clients {
	if dial == nil {
		dial = DialRPC
	}
	return &Clients{dial: dial, readers: map[string]BlockReader{}}
}

// For returns the reader for cfg.URL, dialing on first use.
func (c *Clients) For(ctx context.Context, cfg Config) (BlockReader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.readers[cfg.URL]; ok {
		return r, nil
	}
	r, err := c.dial(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	c.readers[cfg.URL] = r
	return r, nil
}

// Ping checks that the node for cfg answers eth_chainId.
func (c *Clients) Ping(ctx context.Context, cfg Config) error {
	r, err := c.For(ctx, cfg)
	if err != nil {
		return err
	}
	if _, err := r.ChainID(ctx); err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	return nil
}

// Close releases cached connections that support it.
func (c *Clients) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for url, r := range c.readers {
		if closer, ok := r.(interface{ Close() }); ok {
			closer.Close()
		}
		delete(c.readers, url)
	}
}
