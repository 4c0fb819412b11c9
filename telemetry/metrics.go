package telemetry

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	trainSteps    metric.Int64Counter
	trainLoss     metric.Float64Histogram
	stepLatencyMs metric.Float64Histogram
	evalLoss      metric.Float64Histogram
	evalMetric    metric.Float64Histogram
}

var current atomic.Pointer[instruments]

// useMeterProvider rebinds the instruments to mp.
func useMeterProvider(mp metric.MeterProvider) {
	current.Store(newInstruments(mp.Meter("icd")))
}

// loadInstruments returns the bound instruments, falling back to the global
// meter provider, which is a noop unless metrics are configured.
func loadInstruments() *instruments {
	if in := current.Load(); in != nil {
		return in
	}
	current.CompareAndSwap(nil, newInstruments(otel.Meter("icd")))
	return current.Load()
}

func newInstruments(meter metric.Meter) *instruments {
	in := &instruments{}
	var err error
	if in.trainSteps, err = meter.Int64Counter("train.steps"); err != nil {
		slog.Warn("failed to create metric", "name", "train.steps", "error", err)
	}
	if in.trainLoss, err = meter.Float64Histogram("train.loss"); err != nil {
		slog.Warn("failed to create metric", "name", "train.loss", "error", err)
	}
	if in.stepLatencyMs, err = meter.Float64Histogram("train.step.latency_ms", metric.WithUnit("ms")); err != nil {
		slog.Warn("failed to create metric", "name", "train.step.latency_ms", "error", err)
	}
	if in.evalLoss, err = meter.Float64Histogram("eval.loss"); err != nil {
		slog.Warn("failed to create metric", "name", "eval.loss", "error", err)
	}
	if in.evalMetric, err = meter.Float64Histogram("eval.metric"); err != nil {
		slog.Warn("failed to create metric", "name", "eval.metric", "error", err)
	}
	return in
}

// RecordTrainStep counts one optimizer step with its loss and duration.
func RecordTrainStep(ctx context.Context, run string, loss float64, d time.Duration) {
	in := loadInstruments()
	attrs := metric.WithAttributes(attribute.String("run", run))
	if in.trainSteps != nil {
		in.trainSteps.Add(ctx, 1, attrs)
	}
	if in.trainLoss != nil {
		in.trainLoss.Record(ctx, loss, attrs)
	}
	if in.stepLatencyMs != nil {
		in.stepLatencyMs.Record(ctx, float64(d.Milliseconds()), attrs)
	}
}

// RecordEval records the eval loss and every other numeric eval output.
func RecordEval(ctx context.Context, run string, metrics map[string]float64) {
	in := loadInstruments()
	for name, v := range metrics {
		if name == "eval_loss" {
			if in.evalLoss != nil {
				in.evalLoss.Record(ctx, v, metric.WithAttributes(attribute.String("run", run)))
			}
			continue
		}
		if in.evalMetric != nil {
			in.evalMetric.Record(ctx, v, metric.WithAttributes(
				attribute.String("run", run),
				attribute.String("metric", name),
			))
		}
	}
}
