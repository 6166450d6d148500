package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the scheduler's metric instruments.
type Metrics struct {
	TickDuration    metric.Float64Histogram
	TasksDispatched metric.Int64Counter
	TasksSkipped    metric.Int64Counter
	RunDuration     metric.Float64Histogram
	RunErrors       metric.Int64Counter
	ActiveRuns      metric.Int64UpDownCounter
	StoreSaves      metric.Int64Counter
	StoreSaveErrors metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TickDuration, err = meter.Float64Histogram("gotasker.tick.duration",
		metric.WithDescription("Scheduler tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDispatched, err = meter.Int64Counter("gotasker.tasks.dispatched",
		metric.WithDescription("Task runs dispatched to the execution engine"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksSkipped, err = meter.Int64Counter("gotasker.tasks.skipped",
		metric.WithDescription("Due tasks skipped (already running or queue full)"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("gotasker.run.duration",
		metric.WithDescription("Task run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunErrors, err = meter.Int64Counter("gotasker.run.errors",
		metric.WithDescription("Task runs that settled with a failure"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("gotasker.run.active",
		metric.WithDescription("Task runs currently in flight"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreSaves, err = meter.Int64Counter("gotasker.store.saves",
		metric.WithDescription("Task document writes"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreSaveErrors, err = meter.Int64Counter("gotasker.store.save_errors",
		metric.WithDescription("Failed task document writes"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
