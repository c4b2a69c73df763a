package monitor

import (
	"testing"
	"time"
)

func TestObserveTickIncrementalMean(t *testing.T) {
	var stats SamplingStats
	base := time.Unix(100, 0)

	// First tick establishes the baseline; no interval yet.
	stats.observeTick(base, 2, 1)
	if stats.AverageInterval != 0 {
		t.Errorf("AverageInterval after first tick = %v, want 0", stats.AverageInterval)
	}
	if stats.TotalSamples != 2 || stats.VariablesLastCycle != 2 {
		t.Errorf("stats = %+v", stats)
	}

	// Intervals of 10ms and 20ms: running mean ends at 15ms.
	stats.observeTick(base.Add(10*time.Millisecond), 2, 2)
	if stats.AverageInterval != 10*time.Millisecond {
		t.Errorf("AverageInterval = %v, want 10ms", stats.AverageInterval)
	}

	stats.observeTick(base.Add(30*time.Millisecond), 3, 3)
	if stats.AverageInterval != 15*time.Millisecond {
		t.Errorf("AverageInterval = %v, want 15ms", stats.AverageInterval)
	}

	if stats.TotalSamples != 7 {
		t.Errorf("TotalSamples = %d, want 7", stats.TotalSamples)
	}
	if stats.VariablesLastCycle != 3 {
		t.Errorf("VariablesLastCycle = %d, want 3", stats.VariablesLastCycle)
	}
	if !stats.LastSampleTime.Equal(base.Add(30 * time.Millisecond)) {
		t.Errorf("LastSampleTime = %v", stats.LastSampleTime)
	}
}
