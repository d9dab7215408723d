package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"setup-scorer/internal/audit"
	"setup-scorer/internal/features"
)

func newEvent(strategy string, ts time.Time, probability float64) audit.Event {
	return audit.Event{
		RequestID:   "req-" + strategy,
		Strategy:    strategy,
		Features:    features.Record{ATR: 0.0012, ADX: 28.5, Spread: 1.2, EMASlope: 0.0004, Volume: 150, Hour: 14},
		Probability: probability,
		Timestamp:   ts,
	}
}

func TestNew(t *testing.T) {
	tempDir := t.TempDir()

	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Store database is nil")
	}

	dbPath := filepath.Join(tempDir, DBFileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if store.Path() != dbPath {
		t.Errorf("Expected path %s, got %s", dbPath, store.Path())
	}
}

func TestNew_InvalidPath(t *testing.T) {
	invalidPath := filepath.Join(t.TempDir(), "missing", "nested")

	_, err := New(invalidPath)
	if err == nil {
		t.Error("Expected error for invalid path, got nil")
	}
}

func TestStore_Close(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Errorf("Error closing store: %v", err)
	}

	// Closing twice is harmless
	if err := store.Close(); err != nil {
		t.Errorf("Error closing already closed store: %v", err)
	}
}

func TestStore_CloseNilDB(t *testing.T) {
	store := &Store{db: nil}
	if err := store.Close(); err != nil {
		t.Errorf("Expected no error for nil db, got: %v", err)
	}
}

func TestGetPredictions(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	events := []audit.Event{
		newEvent("swing", now, 0.65),
		newEvent("swing", now.Add(time.Second), 0.70),
		newEvent("scalping", now.Add(2*time.Second), 0.50),
		newEvent("swing", now.Add(10*time.Second), 0.40), // Outside range
	}
	for _, ev := range events {
		if err := store.StorePrediction(ev); err != nil {
			t.Fatalf("Failed to store prediction: %v", err)
		}
	}

	got, err := store.GetPredictions("swing", now.Add(-time.Second), now.Add(5*time.Second))
	if err != nil {
		t.Fatalf("Failed to get predictions: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("Expected 2 predictions, got %d", len(got))
	}
	if got[0].Probability != 0.65 || got[1].Probability != 0.70 {
		t.Errorf("Unexpected order or values: %+v", got)
	}
	if got[0].Features.Hour != 14 {
		t.Errorf("Expected hour 14, got %d", got[0].Features.Hour)
	}
	if !got[0].Timestamp.Equal(now) {
		t.Errorf("Expected timestamp %v, got %v", now, got[0].Timestamp)
	}
}

func TestGetPredictions_InclusiveBounds(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	start := time.Unix(1700000000, 0)
	end := start.Add(time.Minute)
	for _, ts := range []time.Time{start, end} {
		if err := store.StorePrediction(newEvent("swing", ts, 0.5)); err != nil {
			t.Fatalf("Failed to store prediction: %v", err)
		}
	}

	got, err := store.GetPredictions("swing", start, end)
	if err != nil {
		t.Fatalf("Failed to get predictions: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Expected both boundary events, got %d", len(got))
	}
}

func TestGetPredictions_EmptyResult(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	got, err := store.GetPredictions("swing", now.Add(-time.Hour), now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("Failed to get predictions: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected empty result, got %d predictions", len(got))
	}
}

func TestGetPredictions_StrategyPrefixIsolation(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	if err := store.StorePrediction(newEvent("swing", now, 0.6)); err != nil {
		t.Fatal(err)
	}
	if err := store.StorePrediction(newEvent("swing_v2", now, 0.9)); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetPredictions("swing", now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Strategy != "swing" {
		t.Errorf("Expected only the swing event, got %+v", got)
	}

	n, err := store.Count("swing")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Expected count 1 for swing, got %d", n)
	}
}

func TestStorePrediction_SameTimestamp(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	for i := 0; i < 3; i++ {
		if err := store.StorePrediction(newEvent("swing", now, 0.5)); err != nil {
			t.Fatalf("Failed to store prediction: %v", err)
		}
	}

	n, err := store.Count("")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("Expected 3 stored events, got %d", n)
	}
}

func TestStore_ImplementsSink(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	var sink audit.Sink = store
	if sink.Name() != SinkName {
		t.Errorf("Expected sink name %s, got %s", SinkName, sink.Name())
	}
	if err := sink.Write(context.Background(), newEvent("swing", time.Now(), 0.5)); err != nil {
		t.Errorf("Write failed: %v", err)
	}
}

func TestOpenReadOnly(t *testing.T) {
	dir := t.TempDir()

	if _, err := OpenReadOnly(dir); err == nil {
		t.Error("Expected error opening a database that does not exist")
	}

	store, err := New(dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	now := time.Now()
	if err := store.StorePrediction(newEvent("scalping", now, 0.5)); err != nil {
		t.Fatal(err)
	}
	store.Close()

	ro, err := OpenReadOnly(dir)
	if err != nil {
		t.Fatalf("Failed to open read-only: %v", err)
	}
	defer ro.Close()

	got, err := ro.GetPredictions("scalping", now.Add(-time.Second), now.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("Expected 1 prediction, got %d", len(got))
	}
	if err := ro.StorePrediction(newEvent("scalping", now, 0.5)); err == nil {
		t.Error("Expected write to a read-only store to fail")
	}
}

func TestConcurrentAccess(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	var wg sync.WaitGroup
	numGoroutines := 10
	numOperations := 20
	base := time.Now()

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				ev := newEvent("swing", base.Add(time.Duration(id*numOperations+j)*time.Millisecond), 0.5)
				if err := store.StorePrediction(ev); err != nil {
					t.Errorf("Failed to store prediction: %v", err)
				}
				if _, err := store.GetPredictions("swing", base, base.Add(time.Hour)); err != nil {
					t.Errorf("Failed to get predictions: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	n, err := store.Count("swing")
	if err != nil {
		t.Fatal(err)
	}
	if n != numGoroutines*numOperations {
		t.Errorf("Expected %d events, got %d", numGoroutines*numOperations, n)
	}
}

func BenchmarkStorePrediction(b *testing.B) {
	store, err := New(b.TempDir())
	if err != nil {
		b.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.StorePrediction(newEvent("swing", now.Add(time.Duration(i)), 0.5))
	}
}
