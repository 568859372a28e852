package stream

import (
	"testing"
	"time"

	"github.com/devblac/da-verifier/internal/verifier"
)

func TestCompileWhere(t *testing.T) {
	preds, err := CompileWhere([]string{"success == false", "kind in POTENTIAL_REORG, BLOCK_TOO_FAR", "error contains mismatch", " "})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(preds) != 3 {
		t.Fatalf("expected blank expressions to be skipped, got %d", len(preds))
	}
	match := outcomeFields(verifier.Outcome{TxID: "a", Kind: verifier.KindBlockTooFar, Err: "block mismatch"})
	for i, p := range preds {
		if !p(match) {
			t.Fatalf("predicate %d should pass", i)
		}
	}
	if preds[1](outcomeFields(verifier.Outcome{Kind: verifier.KindUnknown})) {
		t.Fatalf("kind outside the list should not match")
	}

	ne, _ := CompileWhere([]string{"retry != true"})
	if !ne[0](outcomeFields(verifier.Outcome{})) || ne[0](outcomeFields(verifier.Outcome{Retry: true})) {
		t.Fatalf("!= evaluated incorrectly")
	}
}

func TestCompileWhereRejectsUnsupported(t *testing.T) {
	for _, expr := range []string{"kind > 3", "== x", "kind in ,"} {
		if _, err := CompileWhere([]string{expr}); err == nil {
			t.Fatalf("expected %q to be rejected", expr)
		}
	}
}

func TestTokenBucket(t *testing.T) {
	tb := NewTokenBucket(2, 1) // capacity=2, 1 token/sec
	now := time.Now()

	if !tb.Allow(now) || !tb.Allow(now) {
		t.Fatalf("expected initial tokens available")
	}
	if tb.Allow(now) {
		t.Fatalf("expected third to be rate-limited")
	}

	now = now.Add(1500 * time.Millisecond)
	if !tb.Allow(now) {
		t.Fatalf("expected token after refill")
	}
}

func TestFilterForwardsMatchingWithinRate(t *testing.T) {
	var got []string
	next := Func(func(o verifier.Outcome) { got = append(got, o.TxID) })
	f, err := NewFilter(next, []string{"success == false"}, 2)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	f.now = func() time.Time { return now }

	f.Push(verifier.Outcome{TxID: "ok", Success: true})
	f.Push(verifier.Outcome{TxID: "f1", Kind: verifier.KindUnknown})
	f.Push(verifier.Outcome{TxID: "f2", Kind: verifier.KindUnknown})
	f.Push(verifier.Outcome{TxID: "f3", Kind: verifier.KindUnknown})

	if len(got) != 2 || got[0] != "f1" || got[1] != "f2" {
		t.Fatalf("forwarded %v", got)
	}
	if f.Skipped() != 1 || f.Limited() != 1 {
		t.Fatalf("skipped=%d limited=%d", f.Skipped(), f.Limited())
	}
}

func TestFilterWithoutRulesPassesEverything(t *testing.T) {
	n := 0
	f, err := NewFilter(Func(func(verifier.Outcome) { n++ }), nil, 0)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	for i := 0; i < 100; i++ {
		f.Push(verifier.Outcome{TxID: "x"})
	}
	if n != 100 {
		t.Fatalf("forwarded %d", n)
	}
}
