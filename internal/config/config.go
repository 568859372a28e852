package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBatchSize     = 1000
	DefaultIdleDelay     = 100 * time.Millisecond
	DefaultErrorDelay    = 100 * time.Millisecond
	DefaultRetryDelay    = 30 * time.Second
	DefaultConcurrency   = 50
	DefaultRetryWorkers  = 4
	DefaultFeedTimeout   = 30 * time.Second
	DefaultStreamBuffer  = 256
	DefaultLocalNodeURL  = "http://127.0.0.1:8545"
	DefaultDBPath        = "da-verifier.db"
	DefaultStreamTimeout = 8 * time.Second
)

// Config holds the YAML configuration.
type Config struct {
	Version int           `yaml:"version"`
	Global  GlobalConfig  `yaml:"global"`
	Node    NodeConfig    `yaml:"node"`
	Feed    FeedConfig    `yaml:"feed"`
	Watcher WatcherConfig `yaml:"watcher"`
	Stream  StreamConfig  `yaml:"stream"`
}

type GlobalConfig struct {
	DBPath string `yaml:"db_path"`
}

type NodeConfig struct {
	Environment string `yaml:"environment"`
	Deployment  string `yaml:"deployment"`
	URL         string `yaml:"url"`
	Local       bool   `yaml:"local"`
	LocalURL    string `yaml:"local_url"`
}

type FeedConfig struct {
	URL        string   `yaml:"url"`
	GatewayURL string   `yaml:"gateway_url"`
	Timeout    Duration `yaml:"timeout"`
}

type WatcherConfig struct {
	BatchSize        int      `yaml:"batch_size"`
	IdleDelay        Duration `yaml:"idle_delay"`
	ErrorDelay       Duration `yaml:"error_delay"`
	RetryDelay       Duration `yaml:"retry_delay"`
	MaxRetryAttempts int      `yaml:"max_retry_attempts"`
	Concurrency      int      `yaml:"concurrency"`
	RetryWorkers     int      `yaml:"retry_workers"`
}

type StreamConfig struct {
	Type      string   `yaml:"type"`
	URL       string   `yaml:"url"`
	Template  string   `yaml:"template"`
	Buffer    int      `yaml:"buffer"`
	Timeout   Duration `yaml:"timeout"`
	Where     []string `yaml:"where"`
	RateLimit float64  `yaml:"rate_limit"` // outcomes per second, 0 = unlimited
}

// Duration is a time.Duration that unmarshals from strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, applies defaults, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// ApplyDefaults fills zero values with the stock watcher settings.
func (c *Config) ApplyDefaults() {
	if c.Global.DBPath == "" {
		c.Global.DBPath = DefaultDBPath
	}
	if c.Node.LocalURL == "" {
		c.Node.LocalURL = DefaultLocalNodeURL
	}
	if c.Feed.Timeout == 0 {
		c.Feed.Timeout = Duration(DefaultFeedTimeout)
	}
	w := &c.Watcher
	if w.BatchSize == 0 {
		w.BatchSize = DefaultBatchSize
	}
	if w.IdleDelay == 0 {
		w.IdleDelay = Duration(DefaultIdleDelay)
	}
	if w.ErrorDelay == 0 {
		w.ErrorDelay = Duration(DefaultErrorDelay)
	}
	if w.RetryDelay == 0 {
		w.RetryDelay = Duration(DefaultRetryDelay)
	}
	if w.Concurrency == 0 {
		w.Concurrency = DefaultConcurrency
	}
	if w.RetryWorkers == 0 {
		w.RetryWorkers = DefaultRetryWorkers
	}
	if c.Stream.Type == "" {
		c.Stream.Type = "none"
	}
	if c.Stream.Buffer == 0 {
		c.Stream.Buffer = DefaultStreamBuffer
	}
	if c.Stream.Timeout == 0 {
		c.Stream.Timeout = Duration(DefaultStreamTimeout)
	}
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	if err := c.Feed.Validate(); err != nil {
		return fmt.Errorf("feed: %w", err)
	}
	if err := c.Watcher.Validate(); err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	return nil
}

func (n *NodeConfig) Validate() error {
	if n.Environment == "" {
		return errors.New("environment is required")
	}
	switch strings.ToLower(n.Environment) {
	case "mainnet", "testnet", "sandbox":
	default:
		return fmt.Errorf("unsupported environment: %s", n.Environment)
	}
	if n.URL == "" {
		return errors.New("url is required")
	}
	return nil
}

func (f *FeedConfig) Validate() error {
	if f.URL == "" {
		return errors.New("url is required")
	}
	if f.GatewayURL == "" {
		return errors.New("gateway_url is required")
	}
	return nil
}

func (w *WatcherConfig) Validate() error {
	if w.BatchSize < 0 {
		return errors.New("batch_size must be positive")
	}
	if w.MaxRetryAttempts < 0 {
		return errors.New("max_retry_attempts must be >= 0")
	}
	if w.Concurrency < 0 || w.RetryWorkers < 0 {
		return errors.New("concurrency and retry_workers must be positive")
	}
	if w.IdleDelay < 0 || w.ErrorDelay < 0 || w.RetryDelay < 0 {
		return errors.New("delays must not be negative")
	}
	return nil
}

func (s *StreamConfig) Validate() error {
	switch strings.ToLower(s.Type) {
	case "none":
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook stream")
		}
	default:
		return fmt.Errorf("unsupported stream type: %s", s.Type)
	}
	if s.Buffer < 0 {
		return errors.New("buffer must be positive")
	}
	if s.RateLimit < 0 {
		return errors.New("rate_limit must not be negative")
	}
	return nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
