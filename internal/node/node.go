package node

import (
	"errors"
	"sync"
)

// Config identifies the blockchain node verification runs against. It is a value type:
// each batch and each retry task carries its own copy.
type Config struct {
	Environment string `json:"environment"`
	Deployment  string `json:"deployment"`
	URL         string `json:"url"`
}

// Holder owns the process-wide node config. The URL may be switched once during startup;
// readers take snapshots and pass them by value.
type Holder struct {
	mu       sync.RWMutex
	cfg      Config
	switched bool
}

// NewHolder wraps the initial config.
func NewHolder(cfg Config) *Holder {
	return &Holder{cfg: cfg}
}

// Snapshot returns the current config.
func (h *Holder) Snapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// SwitchTo points the holder at url. Only the first switch is accepted.
func (h *Holder) SwitchTo(url string) error {
	if url == "" {
		return errors.New("node url required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.switched {
		return errors.New("node url already switched")
	}
	h.cfg.URL = url
	h.switched = true
	return nil
}
