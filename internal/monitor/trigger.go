package monitor

import (
	"fmt"
	"strconv"
	"time"
)

// TriggerCondition selects when a trigger fires.
type TriggerCondition string

const (
	// CondChange fires whenever the value differs from the previous one.
	CondChange TriggerCondition = "change"
	// CondEquals fires while the value equals the comparand.
	CondEquals TriggerCondition = "equals"
	// CondGreater fires while the numeric value exceeds the comparand.
	CondGreater TriggerCondition = "greater"
	// CondLess fires while the numeric value is below the comparand.
	CondLess TriggerCondition = "less"
	// CondRange fires while the numeric value lies within [Min, Max].
	CondRange TriggerCondition = "range"
)

// TriggerAction selects the side effect of a firing trigger.
type TriggerAction string

const (
	// ActionSample forces an immediate extra sample.
	ActionSample TriggerAction = "sample"
	// ActionPause pauses sample recording.
	ActionPause TriggerAction = "pause"
	// ActionResume resumes sample recording if paused.
	ActionResume TriggerAction = "resume"
)

// Trigger is a conditional rule evaluated against each cycle's values,
// rate-limited by a debounce window.
type Trigger struct {
	// Variable is the expression the trigger watches.
	Variable string

	// Condition selects when the trigger fires.
	Condition TriggerCondition

	// Value is the comparand for equals/greater/less.
	Value string

	// Min and Max bound the range condition.
	Min float64
	Max float64

	// Debounce is the minimum time between firings.
	Debounce time.Duration

	// Action is the side effect on firing. Defaults to ActionSample.
	Action TriggerAction

	lastFired time.Time
	lastValue string
	seen      bool
}

// validate checks the trigger's shape before registration.
func (t *Trigger) validate() error {
	if t.Variable == "" {
		return fmt.Errorf("monitor: trigger needs a variable name")
	}

	switch t.Condition {
	case CondChange:
	case CondEquals:
	case CondGreater, CondLess:
		if _, err := strconv.ParseFloat(t.Value, 64); err != nil {
			return fmt.Errorf("monitor: %s trigger needs a numeric comparand: %w", t.Condition, err)
		}
	case CondRange:
		if t.Min > t.Max {
			return fmt.Errorf("monitor: range trigger has min %v > max %v", t.Min, t.Max)
		}
	default:
		return fmt.Errorf("monitor: unknown trigger condition %q", t.Condition)
	}

	switch t.Action {
	case "", ActionSample, ActionPause, ActionResume:
	default:
		return fmt.Errorf("monitor: unknown trigger action %q", t.Action)
	}

	if t.Debounce < 0 {
		return fmt.Errorf("monitor: negative debounce")
	}

	return nil
}

// eval folds one observed value into the trigger and reports whether it
// fired. A trigger may not re-fire within Debounce of its last firing.
func (t *Trigger) eval(now time.Time, value string) bool {
	holds := t.holds(value)
	t.lastValue = value
	t.seen = true

	if !holds {
		return false
	}

	if !t.lastFired.IsZero() && now.Sub(t.lastFired) < t.Debounce {
		return false
	}

	t.lastFired = now
	return true
}

// holds reports whether the condition is satisfied by value.
func (t *Trigger) holds(value string) bool {
	switch t.Condition {
	case CondChange:
		return t.seen && value != t.lastValue
	case CondEquals:
		return value == t.Value
	case CondGreater:
		v, comp, ok := parsePair(value, t.Value)
		return ok && v > comp
	case CondLess:
		v, comp, ok := parsePair(value, t.Value)
		return ok && v < comp
	case CondRange:
		v, err := strconv.ParseFloat(value, 64)
		return err == nil && v >= t.Min && v <= t.Max
	default:
		return false
	}
}

// parsePair parses the observed value and comparand as floats.
func parsePair(value, comparand string) (float64, float64, bool) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, 0, false
	}
	c, err := strconv.ParseFloat(comparand, 64)
	if err != nil {
		return 0, 0, false
	}
	return v, c, true
}
