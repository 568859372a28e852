package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devblac/da-verifier/internal/node"
)

// ErrNodeUnreachable means the node failed its pre-flight check and no submission was attempted.
var ErrNodeUnreachable = errors.New("node unreachable")

// Outcome is the result of verifying one submission.
type Outcome struct {
	TxID    string    `json:"txId"`
	Success bool      `json:"success"`
	Kind    ErrorKind `json:"errorKind,omitempty"`
	Err     string    `json:"error,omitempty"`
	Retry   bool      `json:"isRetry,omitempty"`
}

// Sink receives outcomes as they complete. Push must not block.
type Sink interface {
	Push(Outcome)
}

// CheckOptions is passed through to the per-submission checker.
type CheckOptions struct {
	Retry     bool
	LocalNode bool
}

// Checker verifies a single submission. A nil error means the submission is valid;
// errors built with Fail carry their ErrorKind, anything else is UNKNOWN.
type Checker interface {
	Check(ctx context.Context, txID string, cfg node.Config, opts CheckOptions) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, txID string, cfg node.Config, opts CheckOptions) error

func (f CheckerFunc) Check(ctx context.Context, txID string, cfg node.Config, opts CheckOptions) error {
	return f(ctx, txID, cfg, opts)
}

// Failure is a classified verification error.
type Failure struct {
	Kind ErrorKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Fail builds a classified failure.
func Fail(kind ErrorKind, format string, args ...any) error {
	return &Failure{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrorKind from err, defaulting to UNKNOWN.
func KindOf(err error) ErrorKind {
	var f *Failure
	if errors.As(err, &f) {
		return ParseErrorKind(string(f.Kind))
	}
	return KindUnknown
}

// Pinger checks node reachability before a batch starts.
type Pinger interface {
	Ping(ctx context.Context, cfg node.Config) error
}

// VerifyOptions controls one batch.
type VerifyOptions struct {
	Retry     bool
	LocalNode bool
	Sink      Sink
}

// PoolOptions tunes a Pool.
type PoolOptions struct {
	Concurrency int
	PingTimeout time.Duration
	Log         *slog.Logger
}

// Pool is the batch verifier: it fans a batch out over a Checker with bounded concurrency.
type Pool struct {
	checker     Checker
	pinger      Pinger
	concurrency int
	pingTimeout time.Duration
	log         *slog.Logger
}

// NewPool builds a Pool. pinger may be nil to skip the pre-flight check.
func NewPool(checker Checker, pinger Pinger, opts PoolOptions) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 10 * time.Second
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Pool{
		checker:     checker,
		pinger:      pinger,
		concurrency: opts.Concurrency,
		pingTimeout: opts.PingTimeout,
		log:         opts.Log,
	}
}

// Verify checks every id against cfg and returns one outcome per distinct id, in input order.
// Individual failures become outcomes. An error is returned only when the whole batch could
// not be attempted: the node pre-flight failed or ctx was cancelled.
func (p *Pool) Verify(ctx context.Context, txIDs []string, cfg node.Config, opts VerifyOptions) ([]Outcome, error) {
	ids := unique(txIDs)
	if len(ids) == 0 {
		return nil, nil
	}

	if p.pinger != nil {
		pingCtx, cancel := context.WithTimeout(ctx, p.pingTimeout)
		err := p.pinger.Ping(pingCtx, cfg)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNodeUnreachable, cfg.URL, err)
		}
	}

	outcomes := make([]Outcome, len(ids))
	checkOpts := CheckOptions{Retry: opts.Retry, LocalNode: opts.LocalNode}

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			out := p.checkOne(ctx, id, cfg, checkOpts)
			outcomes[i] = out
			p.push(opts.Sink, out)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (p *Pool) checkOne(ctx context.Context, txID string, cfg node.Config, opts CheckOptions) (out Outcome) {
	out = Outcome{TxID: txID, Retry: opts.Retry}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("checker panic", "tx_id", txID, "panic", r)
			out.Success = false
			out.Kind = KindUnknown
			out.Err = fmt.Sprint(r)
		}
	}()

	err := p.checker.Check(ctx, txID, cfg, opts)
	if err == nil {
		out.Success = true
		return out
	}
	out.Kind = KindOf(err)
	out.Err = err.Error()
	return out
}

func (p *Pool) push(sink Sink, out Outcome) {
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Warn("stream sink panic", "tx_id", out.TxID, "panic", r)
		}
	}()
	sink.Push(out)
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
