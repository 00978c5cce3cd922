package router

import (
	"testing"
	"time"

	"github.com/florejun0824/srcslmsstable-sub009/internal/config"
)

func TestHealthTracker_LazyCreation(t *testing.T) {
	ht := NewHealthTracker(3, 5*time.Second)
	if !ht.IsAvailable("gemini-primary") {
		t.Error("expected new candidate to be available")
	}
}

func TestHealthTracker_RecordFailureOpensCircuit(t *testing.T) {
	ht := NewHealthTracker(2, 5*time.Second)

	ht.RecordFailure("gemini-primary")
	ht.RecordFailure("gemini-primary")

	if ht.IsAvailable("gemini-primary") {
		t.Error("expected gemini-primary to be unavailable after 2 failures")
	}
	if got := ht.States()["gemini-primary"]; got != StateOpen {
		t.Errorf("expected open state in snapshot, got %s", got)
	}
}

func TestHealthTracker_RecordSuccessCloses(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	ht := NewHealthTracker(1, 10*time.Second)
	ht.now = clock.Now

	ht.RecordFailure("openrouter-primary")
	if ht.IsAvailable("openrouter-primary") {
		t.Error("expected openrouter-primary to be unavailable")
	}

	clock.Advance(10 * time.Second)
	if !ht.IsAvailable("openrouter-primary") {
		t.Error("expected a half-open probe to be allowed")
	}

	ht.RecordSuccess("openrouter-primary")
	if !ht.IsAvailable("openrouter-primary") {
		t.Error("expected openrouter-primary to be available after success")
	}
}

func TestHealthTracker_IndependentCandidates(t *testing.T) {
	ht := NewHealthTracker(1, 5*time.Second)

	ht.RecordFailure("gemini-primary")

	if ht.IsAvailable("gemini-primary") {
		t.Error("expected gemini-primary to be unavailable")
	}
	if !ht.IsAvailable("gemini-fallback") {
		t.Error("expected gemini-fallback to be available (independent)")
	}
}

func TestHealthTracker_DisabledIsNil(t *testing.T) {
	ht := HealthTrackerFromConfig(config.CircuitBreakerConfig{Enabled: false})
	if ht != nil {
		t.Fatal("expected nil tracker when disabled")
	}
	ht.RecordFailure("gemini-primary")
	if !ht.IsAvailable("gemini-primary") {
		t.Error("nil tracker must treat every candidate as available")
	}
	if ht.States() != nil {
		t.Error("nil tracker has no states")
	}
}
