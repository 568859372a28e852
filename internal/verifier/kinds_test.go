package verifier

import "testing"

func TestClassifyPartitionsEveryKind(t *testing.T) {
	retryable := map[ErrorKind]bool{
		KindUnknown:                   true,
		KindCanNotConnectToBundlr:     true,
		KindBlockCantBeReadFromNode:   true,
		KindDataCantBeReadFromNode:    true,
		KindSimulationNodeCouldNotRun: true,
	}

	kinds := Kinds()
	if len(kinds) != 21 {
		t.Fatalf("expected 21 kinds, got %d", len(kinds))
	}
	for _, k := range kinds {
		got := Classify(k)
		if got != Retry && got != Terminal {
			t.Fatalf("kind %s has no disposition", k)
		}
		for i := 0; i < 3; i++ {
			if Classify(k) != got {
				t.Fatalf("kind %s classification unstable", k)
			}
		}
		if want := retryable[k]; (got == Retry) != want {
			t.Errorf("kind %s: retry=%v, want %v", k, got == Retry, want)
		}
		if k.Retryable() != (got == Retry) {
			t.Errorf("kind %s: Retryable disagrees with Classify", k)
		}
	}
}

func TestParseErrorKindNormalizesUnknown(t *testing.T) {
	if got := ParseErrorKind("SOMETHING_NEW"); got != KindUnknown {
		t.Fatalf("unexpected kind %s", got)
	}
	if got := ParseErrorKind(""); got != KindUnknown {
		t.Fatalf("empty kind should be UNKNOWN, got %s", got)
	}
	if got := ParseErrorKind("POTENTIAL_REORG"); got != KindPotentialReorg {
		t.Fatalf("unexpected kind %s", got)
	}
	if Classify("SOMETHING_NEW") != Retry {
		t.Fatalf("unrecognised kinds should retry")
	}
}

func TestDispositionString(t *testing.T) {
	if Retry.String() != "retry" || Terminal.String() != "terminal" {
		t.Fatalf("unexpected strings %s %s", Retry, Terminal)
	}
}
