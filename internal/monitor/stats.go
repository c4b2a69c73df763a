package monitor

import "time"

// SamplingStats aggregates counters across the lifetime of the engine.
type SamplingStats struct {
	// TotalSamples is the number of samples recorded across all
	// variables.
	TotalSamples int64

	// AverageInterval is the running mean of inter-tick intervals,
	// maintained incrementally.
	AverageInterval time.Duration

	// LastSampleTime is the timestamp of the most recent tick that
	// recorded samples.
	LastSampleTime time.Time

	// ErrorCount is the number of ticks that failed.
	ErrorCount int64

	// VariablesLastCycle is how many variables were observed in the
	// most recent cycle.
	VariablesLastCycle int
}

// observeTick folds one completed tick into the running statistics
// using incremental-mean arithmetic: avg += (new - avg) / count.
func (s *SamplingStats) observeTick(now time.Time, samples int, tickCount int64) {
	if !s.LastSampleTime.IsZero() && tickCount > 1 {
		// n ticks bound n-1 intervals.
		interval := now.Sub(s.LastSampleTime)
		s.AverageInterval += (interval - s.AverageInterval) / time.Duration(tickCount-1)
	}
	s.LastSampleTime = now
	s.TotalSamples += int64(samples)
	s.VariablesLastCycle = samples
}
