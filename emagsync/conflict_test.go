package emagsync

import (
	"testing"
	"time"
)

func TestRemoteWinsAlwaysTakesRemote(t *testing.T) {
	policy := RemoteWins()
	if got := policy("price", "10", "20", time.Now(), time.Now()); got != TakeRemote {
		t.Fatalf("expected TakeRemote, got %v", got)
	}
}

func TestLocalWinsProtectsAuthoritativeFields(t *testing.T) {
	policy := LocalWins("price")
	if got := policy("price", "10", "20", time.Now(), time.Now()); got != KeepLocal {
		t.Fatalf("price should stay local, got %v", got)
	}
	if got := policy("stock", 5, 7, time.Now(), time.Now()); got != TakeRemote {
		t.Fatalf("stock should take remote, got %v", got)
	}
}

func TestLocalWinsWithoutFieldsProtectsEverything(t *testing.T) {
	policy := LocalWins()
	if got := policy("name", "a", "b", time.Now(), time.Now()); got != KeepLocal {
		t.Fatalf("expected KeepLocal, got %v", got)
	}
}

func TestNewestWinsComparesTimestamps(t *testing.T) {
	policy := NewestWins()
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	if got := policy("name", "a", "b", older, newer); got != TakeRemote {
		t.Fatalf("newer remote should win, got %v", got)
	}
	if got := policy("name", "a", "b", newer, older); got != KeepLocal {
		t.Fatalf("older remote should lose, got %v", got)
	}
	// Equal timestamps keep the local value.
	if got := policy("name", "a", "b", older, older); got != KeepLocal {
		t.Fatalf("equal timestamps should keep local, got %v", got)
	}
}

func TestManualReviewFlagsEverything(t *testing.T) {
	policy := ManualReview()
	if got := policy("price", "10", "20", time.Now(), time.Now()); got != FlagManual {
		t.Fatalf("expected FlagManual, got %v", got)
	}
}

func TestPolicyForStrategy(t *testing.T) {
	for _, name := range []string{"", "remote_wins", "local_wins", "newest_wins", "manual"} {
		if _, err := PolicyForStrategy(name); err != nil {
			t.Fatalf("strategy %q: %v", name, err)
		}
	}
	if _, err := PolicyForStrategy("coin_flip"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestPolicyIsDeterministic(t *testing.T) {
	policy := NewestWins()
	localAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	remoteAt := localAt.Add(time.Minute)
	first := policy("stock", 1, 2, localAt, remoteAt)
	for i := 0; i < 100; i++ {
		if got := policy("stock", 1, 2, localAt, remoteAt); got != first {
			t.Fatalf("decision changed between calls: %v vs %v", first, got)
		}
	}
}
