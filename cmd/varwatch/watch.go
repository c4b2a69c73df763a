package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/tracekit/varwatch/internal/monitor"
	"github.com/tracekit/varwatch/internal/protocol"
)

func newWatchCmd(logger *zap.Logger, opts *connectOptions) *cobra.Command {
	var (
		intervalMs  int
		exportPath  string
		exportForm  string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "watch [expression]...",
		Short: "Sample expressions continuously and stream values as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			cfg, err := loadWatchConfig(opts.configPath)
			if err != nil {
				return err
			}
			if len(args) > 0 {
				cfg.Expressions = append(cfg.Expressions, args...)
			}
			if len(cfg.Expressions) == 0 {
				return fmt.Errorf("no expressions to watch")
			}
			if cmd.Flags().Changed("interval") {
				cfg.IntervalMs = intervalMs
			}
			if metricsAddr != "" {
				cfg.MetricsAddress = metricsAddr
			}

			conn, err := connect(logger, opts)
			if err != nil {
				return err
			}

			mon := monitor.New(conn, monitor.Options{
				Logger:            logger,
				MaxHistorySamples: cfg.MaxHistorySamples,
			})
			defer mon.Close()
			defer func() { _ = conn.Close() }()

			for _, expr := range cfg.Expressions {
				if _, err := mon.Evaluate(ctx, expr, protocol.GlobalContext()); err != nil {
					return fmt.Errorf("evaluate %q: %w", expr, err)
				}
			}

			for _, t := range cfg.triggers() {
				if err := mon.ConfigureTrigger(t); err != nil {
					return err
				}
			}
			mon.ConfigureAdaptiveSampling(cfg.adaptive())
			mon.ConfigurePerformanceLimits(cfg.perf())

			mon.SetHandlers(monitor.Handlers{
				OnTrigger: func(variable, value string, action monitor.TriggerAction) {
					logger.Info("trigger fired",
						zap.String("variable", variable),
						zap.String("value", value),
						zap.String("action", string(action)))
				},
				OnError: func(err error) {
					logger.Error("backend connection lost", zap.Error(err))
					cancel()
				},
			})

			if cfg.MetricsAddress != "" {
				registry := prometheus.NewRegistry()
				registry.MustRegister(mon.Collector())
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
				go func() {
					if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
						logger.Warn("metrics server stopped", zap.Error(err))
					}
				}()
				logger.Info("metrics exposed", zap.String("address", cfg.MetricsAddress))
			}

			mon.StartSampling(cfg.IntervalMs)
			streamSamples(ctx, mon, cfg.Expressions, time.Duration(cfg.IntervalMs)*time.Millisecond)
			mon.StopSampling()

			if exportPath != "" {
				data, err := mon.ExportHistory(monitor.ExportFormat(exportForm), "", 0)
				if err != nil {
					return fmt.Errorf("export history: %w", err)
				}
				if err := os.WriteFile(exportPath, data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", exportPath, err)
				}
				logger.Info("history exported", zap.String("path", exportPath))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&intervalMs, "interval", 10, "sampling interval in milliseconds")
	cmd.Flags().StringVar(&exportPath, "export", "", "write recorded history to this file on exit")
	cmd.Flags().StringVar(&exportForm, "export-format", "json", "export format (json or csv)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

// streamSamples prints each new sample as one JSON line until the
// context is cancelled.
func streamSamples(ctx context.Context, mon *monitor.Monitor, expressions []string, interval time.Duration) {
	lastSeen := make(map[string]time.Time)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, expr := range expressions {
			s, ok := mon.GetLatestSample(expr)
			if !ok || !s.Timestamp.After(lastSeen[expr]) {
				continue
			}
			lastSeen[expr] = s.Timestamp
			fmt.Println(sampleLine(expr, s))
		}
	}
}

// sampleLine assembles one output line incrementally.
func sampleLine(expr string, s monitor.Sample) string {
	line, _ := sjson.Set("{}", "time", s.Timestamp.Format(time.RFC3339Nano))
	line, _ = sjson.Set(line, "variable", expr)
	line, _ = sjson.Set(line, "value", s.Value)
	if s.Type != "" {
		line, _ = sjson.Set(line, "type", s.Type)
	}
	if s.HasRate {
		line, _ = sjson.Set(line, "changeRate", s.ChangeRate)
	}
	return line
}
