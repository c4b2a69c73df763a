package main

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/tracekit/varwatch/internal/monitor"
)

// watchConfig is the file-configurable shape of a watch session.
type watchConfig struct {
	Expressions       []string          `mapstructure:"expressions"`
	IntervalMs        int               `mapstructure:"intervalMs"`
	MaxHistorySamples int               `mapstructure:"maxHistorySamples"`
	Adaptive          adaptiveSection   `mapstructure:"adaptive"`
	Performance       perfSection       `mapstructure:"performance"`
	Triggers          []triggerSection  `mapstructure:"triggers"`
	MetricsAddress    string            `mapstructure:"metricsAddress"`
}

type adaptiveSection struct {
	Enabled          bool    `mapstructure:"enabled"`
	MinIntervalMs    int     `mapstructure:"minIntervalMs"`
	MaxIntervalMs    int     `mapstructure:"maxIntervalMs"`
	ChangeThreshold  float64 `mapstructure:"changeThreshold"`
	AdjustmentFactor float64 `mapstructure:"adjustmentFactor"`
	StabilityMs      int     `mapstructure:"stabilityMs"`
}

type perfSection struct {
	Enabled        bool `mapstructure:"enabled"`
	MaxMemoryBytes int  `mapstructure:"maxMemoryBytes"`
}

type triggerSection struct {
	Variable   string  `mapstructure:"variable"`
	Condition  string  `mapstructure:"condition"`
	Value      string  `mapstructure:"value"`
	Min        float64 `mapstructure:"min"`
	Max        float64 `mapstructure:"max"`
	DebounceMs int     `mapstructure:"debounceMs"`
	Action     string  `mapstructure:"action"`
}

func newWatchViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("intervalMs", 10)
	v.SetDefault("maxHistorySamples", monitor.DefaultMaxHistorySamples)
	return v
}

// loadWatchConfig reads a watch session config. An empty path yields
// the defaults.
func loadWatchConfig(path string) (watchConfig, error) {
	v := newWatchViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return watchConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg watchConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return watchConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c watchConfig) adaptive() monitor.AdaptiveConfig {
	return monitor.AdaptiveConfig{
		Enabled:          c.Adaptive.Enabled,
		MinInterval:      time.Duration(c.Adaptive.MinIntervalMs) * time.Millisecond,
		MaxInterval:      time.Duration(c.Adaptive.MaxIntervalMs) * time.Millisecond,
		ChangeThreshold:  c.Adaptive.ChangeThreshold,
		AdjustmentFactor: c.Adaptive.AdjustmentFactor,
		Stability:        time.Duration(c.Adaptive.StabilityMs) * time.Millisecond,
	}
}

func (c watchConfig) perf() monitor.PerfConfig {
	return monitor.PerfConfig{
		Enabled:        c.Performance.Enabled,
		MaxMemoryBytes: c.Performance.MaxMemoryBytes,
	}
}

func (c watchConfig) triggers() []monitor.Trigger {
	out := make([]monitor.Trigger, 0, len(c.Triggers))
	for _, t := range c.Triggers {
		out = append(out, monitor.Trigger{
			Variable:  t.Variable,
			Condition: monitor.TriggerCondition(t.Condition),
			Value:     t.Value,
			Min:       t.Min,
			Max:       t.Max,
			Debounce:  time.Duration(t.DebounceMs) * time.Millisecond,
			Action:    monitor.TriggerAction(t.Action),
		})
	}
	return out
}
