package register

import (
	"math"
	"testing"
)

func TestConvergenceTracker_BasicConvergence(t *testing.T) {
	tracker := NewConvergenceTracker(ConvergenceConfig{
		Enabled:   true,
		Patience:  3,
		Threshold: 0.01, // 1% improvement required
	})

	if tracker.Best() != math.Inf(1) {
		t.Errorf("Expected initial best to be Inf, got %v", tracker.Best())
	}

	if tracker.Update(1.0) {
		t.Error("Should not converge on first update")
	}
	if tracker.Update(0.8) { // 20% improvement
		t.Error("Should not converge after improvement")
	}
	if tracker.StaleCount() != 0 {
		t.Errorf("Expected stale count 0 after improvement, got %v", tracker.StaleCount())
	}

	// last significant value is 0.8; each of these improves it by less than 1%
	for i, v := range []float64{0.795, 0.796, 0.797} {
		converged := tracker.Update(v)
		if want := i == 2; converged != want {
			t.Errorf("Update(%v): converged=%v, expected %v", v, converged, want)
		}
		if tracker.StaleCount() != i+1 {
			t.Errorf("Expected stale count %d, got %d", i+1, tracker.StaleCount())
		}
	}

	if tracker.Best() != 0.795 {
		t.Errorf("Expected best 0.795, got %v", tracker.Best())
	}
	if h := tracker.History(); len(h) != 5 {
		t.Errorf("Expected 5 history entries, got %d", len(h))
	}
}

func TestConvergenceTracker_ImprovementResetsStale(t *testing.T) {
	tracker := NewConvergenceTracker(ConvergenceConfig{Enabled: true, Patience: 2, Threshold: 0.1})

	tracker.Update(10)
	tracker.Update(9.95)
	if tracker.StaleCount() != 1 {
		t.Fatalf("Expected stale count 1, got %d", tracker.StaleCount())
	}
	tracker.Update(5)
	if tracker.StaleCount() != 0 {
		t.Errorf("Expected stale count reset, got %d", tracker.StaleCount())
	}
}

func TestConvergenceTracker_ZeroValue(t *testing.T) {
	tracker := NewConvergenceTracker(ConvergenceConfig{Enabled: true, Patience: 2, Threshold: 0.01})

	tracker.Update(0)
	if tracker.Update(0) {
		t.Error("Should not converge before patience is exhausted")
	}
	if !tracker.Update(0) {
		t.Error("Expected convergence at a zero metric")
	}
}

func TestConvergenceTracker_Disabled(t *testing.T) {
	tracker := NewConvergenceTracker(ConvergenceConfig{Enabled: false, Patience: 1})

	for i := 0; i < 10; i++ {
		if tracker.Update(1.0) {
			t.Fatal("Disabled tracker should never converge")
		}
	}
	if tracker.Best() != 1.0 || len(tracker.History()) != 10 {
		t.Errorf("Disabled tracker should still record values")
	}

	tracker.Reset()
	if len(tracker.History()) != 0 || tracker.Best() != math.Inf(1) {
		t.Error("Reset should clear the history")
	}
}
