package monitor

import (
	"math"
	"strconv"
	"time"
)

// AdaptiveConfig tunes automatic adjustment of the sampling interval to
// the observed rate of value change.
type AdaptiveConfig struct {
	// Enabled turns adaptive sampling on.
	Enabled bool

	// MinInterval is the fastest interval adaptation may reach.
	MinInterval time.Duration

	// MaxInterval is the slowest interval adaptation may reach.
	MaxInterval time.Duration

	// ChangeThreshold is the normalized change rate above which
	// sampling speeds up.
	ChangeThreshold float64

	// AdjustmentFactor scales each interval change (0 < f < 1).
	AdjustmentFactor float64

	// Stability is the minimum time between adjustments.
	Stability time.Duration
}

// DefaultAdaptiveConfig returns the default adaptive tuning.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		MinInterval:      time.Millisecond,
		MaxInterval:      time.Second,
		ChangeThreshold:  0.5,
		AdjustmentFactor: 0.25,
		Stability:        2 * time.Second,
	}
}

// adjustmentHysteresis is the minimal interval change worth a timer
// restart; smaller deltas would just thrash the ticker.
const adjustmentHysteresis = time.Millisecond

// adaptiveState tracks per-variable change rates between adjustments.
type adaptiveState struct {
	cfg        AdaptiveConfig
	lastAdjust time.Time
	prevValues map[string]string
}

// adjust computes a new interval from the observed values, or returns
// the current one when no adjustment is due. Speed-up keys off the
// maximum per-variable rate, slow-down off the average; the asymmetry
// favors responsiveness and is intentional.
func (a *adaptiveState) adjust(now time.Time, current time.Duration, values map[string]string) time.Duration {
	if !a.cfg.Enabled {
		return current
	}

	if a.prevValues == nil {
		a.prevValues = values
		a.lastAdjust = now
		return current
	}

	if now.Sub(a.lastAdjust) < a.cfg.Stability {
		return current
	}

	var maxRate, sum float64
	var n int
	for name, value := range values {
		prev, ok := a.prevValues[name]
		if !ok {
			continue
		}
		rate := changeRateOf(prev, value)
		if rate > maxRate {
			maxRate = rate
		}
		sum += rate
		n++
	}

	a.prevValues = values
	a.lastAdjust = now

	if n == 0 {
		return current
	}
	avgRate := sum / float64(n)

	next := current
	switch {
	case maxRate > a.cfg.ChangeThreshold:
		next = time.Duration(float64(current) * (1 - a.cfg.AdjustmentFactor))
		if next < a.cfg.MinInterval {
			next = a.cfg.MinInterval
		}
	case avgRate < a.cfg.ChangeThreshold/10:
		next = time.Duration(float64(current) * (1 + a.cfg.AdjustmentFactor))
		if next > a.cfg.MaxInterval {
			next = a.cfg.MaxInterval
		}
	}

	if absDuration(next-current) <= adjustmentHysteresis {
		return current
	}
	return next
}

// changeRateOf computes the normalized relative delta between two
// textual values. Non-numeric values rate 0 when unchanged, 1 when
// changed.
func changeRateOf(prev, cur string) float64 {
	p, perr := strconv.ParseFloat(prev, 64)
	c, cerr := strconv.ParseFloat(cur, 64)
	if perr != nil || cerr != nil {
		if prev == cur {
			return 0
		}
		return 1
	}

	delta := math.Abs(c - p)
	if p == 0 {
		return delta
	}
	return delta / math.Abs(p)
}

// absDuration returns the absolute value of d.
func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
