package loader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HealthState classifies a measurement against its threshold.
type HealthState string

const (
	HealthOK       HealthState = "ok"
	HealthWarning  HealthState = "warning"
	HealthCritical HealthState = "critical"
)

// Monitored services.
const (
	ServiceFlushLatency  = "bulk insert flush latency"
	ServiceActiveFlushes = "concurrent flush operations"
	ServiceCommitLatency = "copy query latency"
	ServiceUploadLatency = "upload latency"
)

// classify is ok up to threshold, warning up to factor times threshold and
// critical beyond that.
func classify(v, threshold, factor float64) HealthState {
	switch {
	case v > threshold*factor:
		return HealthCritical
	case v > threshold:
		return HealthWarning
	default:
		return HealthOK
	}
}

// MonitorConfig holds the warning thresholds. Flush latency and active
// flushes go critical above three times their threshold; stage latencies
// above twice.
type MonitorConfig struct {
	FlushLatency  time.Duration
	ActiveFlushes int
	// StageLatency applies to the commit and upload stages.
	StageLatency time.Duration
}

// Observation is one classified measurement.
type Observation struct {
	Table   string
	Service string
	Metric  float64
	State   HealthState
}

// Monitor classifies the results of the loaders it watches, logs them and
// counts them by state.
type Monitor struct {
	cfg     MonitorConfig
	log     *slog.Logger
	states  metric.Int64Counter
	observe func(Observation)
}

func NewMonitor(cfg MonitorConfig, log *slog.Logger, meter metric.Meter) (*Monitor, error) {
	if cfg.FlushLatency <= 0 {
		return nil, fmt.Errorf("%w: flush latency threshold", ErrMissingParameter)
	}
	if cfg.ActiveFlushes <= 0 {
		return nil, fmt.Errorf("%w: active flushes threshold", ErrMissingParameter)
	}
	if log == nil {
		return nil, fmt.Errorf("%w: logger", ErrMissingParameter)
	}
	if meter == nil {
		return nil, fmt.Errorf("%w: meter", ErrMissingParameter)
	}
	states, err := meter.Int64Counter("bulkload.monitor.states",
		metric.WithDescription("classified loader measurements by service and state"),
		metric.WithUnit("{observation}"))
	if err != nil {
		return nil, fmt.Errorf("creating states counter: %w", err)
	}
	return &Monitor{cfg: cfg, log: log, states: states}, nil
}

// OnObservation registers f to receive every observation. Call before Watch.
func (m *Monitor) OnObservation(f func(Observation)) {
	m.observe = f
}

// Watch starts monitoring l. Call the returned function to stop.
func (m *Monitor) Watch(l *Loader) (stop func()) {
	return l.OnFlush(func(res Result) {
		m.Observe(l.Table(), res, l.ActiveFlushes())
	})
}

// Observe classifies one flush result. active is the number of other
// flushes in flight.
func (m *Monitor) Observe(table string, res Result, active int64) []Observation {
	obs := []Observation{
		{
			Service: ServiceFlushLatency,
			Metric:  float64(res.Elapsed.Milliseconds()),
			State:   classify(float64(res.Elapsed), float64(m.cfg.FlushLatency), 3),
		},
		{
			Service: ServiceActiveFlushes,
			Metric:  float64(active),
			State:   classify(float64(active), float64(m.cfg.ActiveFlushes), 3),
		},
	}
	if m.cfg.StageLatency > 0 {
		for _, s := range []struct {
			stage   Stage
			service string
		}{
			{StageCommit, ServiceCommitLatency},
			{StageUpload, ServiceUploadLatency},
		} {
			d, ok := res.Latencies[s.stage]
			if !ok {
				continue
			}
			obs = append(obs, Observation{
				Service: s.service,
				Metric:  float64(d.Milliseconds()),
				State:   classify(float64(d), float64(m.cfg.StageLatency), 2),
			})
		}
	}

	ctx := context.Background()
	for i := range obs {
		o := &obs[i]
		o.Table = table
		m.states.Add(ctx, 1, metric.WithAttributes(
			attribute.String("table", table),
			attribute.String("service", o.Service),
			attribute.String("state", string(o.State)),
		))
		level := slog.LevelInfo
		switch o.State {
		case HealthWarning:
			level = slog.LevelWarn
		case HealthCritical:
			level = slog.LevelError
		}
		m.log.LogAttrs(ctx, level, o.Service,
			slog.String("table", table),
			slog.Float64("metric", o.Metric),
			slog.String("state", string(o.State)))
		if m.observe != nil {
			m.observe(*o)
		}
	}
	return obs
}
