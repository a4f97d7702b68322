package settlement

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	railpay "github.com/tigerhub/railpay"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "charges.db"))
	if err != nil {
		t.Fatalf("NewBoltStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBoltStore_Admit_Concurrent(t *testing.T) {
	store := newTestBoltStore(t)
	ctx := context.Background()

	const callers = 50
	var wg sync.WaitGroup
	results := make(chan AdmitResult, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, _, err := store.Admit(ctx, testRecord("0xcontested"))
			if err != nil {
				t.Errorf("Admit failed: %v", err)
				return
			}
			results <- result
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for result := range results {
		if result == AdmitWinner {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("Expected exactly 1 winner, got %d", winners)
	}
}

func TestBoltStore_RoundTrip(t *testing.T) {
	store := newTestBoltStore(t)
	ctx := context.Background()

	result, _, err := store.Admit(ctx, testRecord("0xpersist"))
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if result != AdmitWinner {
		t.Fatalf("Expected AdmitWinner, got %v", result)
	}

	if _, err := store.MarkFulfilling(ctx, "0xpersist"); err != nil {
		t.Fatalf("MarkFulfilling failed: %v", err)
	}
	if _, err := store.MarkFulfilled(ctx, "0xpersist", "https://assets.example/x"); err != nil {
		t.Fatalf("MarkFulfilled failed: %v", err)
	}

	rec, err := store.Get(ctx, "0xpersist")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != railpay.StatusFulfilled {
		t.Errorf("Expected fulfilled, got %s", rec.Status)
	}
	if rec.AmountMinorUnits != 500_000 {
		t.Errorf("Expected amount to survive the round trip, got %d", rec.AmountMinorUnits)
	}
}
