package stream

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devblac/da-verifier/internal/verifier"
)

// Predicate evaluates whether an outcome's fields satisfy a condition.
type Predicate func(fields map[string]string) bool

// CompileWhere parses simple expressions over outcome fields (tx_id, success, kind, error, retry).
// Supported operators: ==, !=, in, contains.
// Examples:
//
//	"success == false"
//	"kind in POTENTIAL_REORG,BLOCK_TOO_FAR"
//	"error contains timeout"
func CompileWhere(exprs []string) ([]Predicate, error) {
	var preds []Predicate
	for _, raw := range exprs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := compile(raw)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func compile(expr string) (Predicate, error) {
	if field, list, ok := strings.Cut(expr, " in "); ok {
		field = strings.TrimSpace(field)
		values := map[string]struct{}{}
		for _, v := range strings.Split(list, ",") {
			if v = strings.TrimSpace(v); v != "" {
				values[v] = struct{}{}
			}
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("invalid in expression: %s", expr)
		}
		return func(fields map[string]string) bool {
			_, hit := values[fields[field]]
			return hit
		}, nil
	}

	if field, needle, ok := strings.Cut(expr, " contains "); ok {
		field, needle = strings.TrimSpace(field), strings.TrimSpace(needle)
		return func(fields map[string]string) bool {
			return strings.Contains(fields[field], needle)
		}, nil
	}

	for _, op := range []string{"==", "!="} {
		field, rhs, ok := strings.Cut(expr, op)
		if !ok {
			continue
		}
		field, rhs = strings.TrimSpace(field), strings.TrimSpace(rhs)
		if field == "" {
			return nil, fmt.Errorf("invalid expression: %s", expr)
		}
		want := op == "=="
		return func(fields map[string]string) bool {
			return (fields[field] == rhs) == want
		}, nil
	}
	return nil, fmt.Errorf("unsupported expression: %s", expr)
}

func outcomeFields(o verifier.Outcome) map[string]string {
	return map[string]string{
		"tx_id":   o.TxID,
		"success": fmt.Sprint(o.Success),
		"kind":    string(o.Kind),
		"error":   o.Err,
		"retry":   fmt.Sprint(o.Retry),
	}
}

// TokenBucket is a simple rate limiter.
type TokenBucket struct {
	capacity float64
	rate     float64 // tokens per second

	tokens     float64
	lastUpdate time.Time
}

// NewTokenBucket creates a token bucket with capacity and refill rate.
func NewTokenBucket(capacity, rate float64) *TokenBucket {
	return &TokenBucket{
		capacity: capacity,
		rate:     rate,
		tokens:   capacity,
	}
}

// Allow consumes one token if available, refilling based on elapsed time.
func (b *TokenBucket) Allow(now time.Time) bool {
	if b.lastUpdate.IsZero() {
		b.lastUpdate = now
	}
	if elapsed := now.Sub(b.lastUpdate).Seconds(); elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
		b.lastUpdate = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Filter forwards only outcomes that match every predicate, at most perSecond per second.
type Filter struct {
	next  verifier.Sink
	preds []Predicate
	now   func() time.Time

	mu     sync.Mutex
	bucket *TokenBucket

	skipped atomic.Uint64
	limited atomic.Uint64
}

// NewFilter wraps next. perSecond <= 0 disables rate limiting.
func NewFilter(next verifier.Sink, where []string, perSecond float64) (*Filter, error) {
	preds, err := CompileWhere(where)
	if err != nil {
		return nil, err
	}
	f := &Filter{next: next, preds: preds, now: time.Now}
	if perSecond > 0 {
		f.bucket = NewTokenBucket(max(perSecond, 1), perSecond)
	}
	return f, nil
}

func (f *Filter) Push(o verifier.Outcome) {
	if len(f.preds) > 0 {
		fields := outcomeFields(o)
		for _, p := range f.preds {
			if !p(fields) {
				f.skipped.Add(1)
				return
			}
		}
	}
	if f.bucket != nil {
		f.mu.Lock()
		ok := f.bucket.Allow(f.now())
		f.mu.Unlock()
		if !ok {
			f.limited.Add(1)
			return
		}
	}
	f.next.Push(o)
}

// Skipped reports outcomes that did not match the predicates.
func (f *Filter) Skipped() uint64 { return f.skipped.Load() }

// Limited reports outcomes dropped by the rate limit.
func (f *Filter) Limited() uint64 { return f.limited.Load() }

var _ verifier.Sink = (*Filter)(nil)
