package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all pressroom metric instruments.
type Metrics struct {
	RunDuration     metric.Float64Histogram
	StageDuration   metric.Float64Histogram
	TaskDuration    metric.Float64Histogram
	QueueDepth      metric.Int64UpDownCounter
	QueueRejects    metric.Int64Counter
	Redeliveries    metric.Int64Counter
	TaskRetries     metric.Int64Counter
	ConflictsTotal  metric.Int64Counter
	DegradedStages  metric.Int64Counter
	MemoryEvictions metric.Int64Counter
	ActiveRuns      metric.Int64UpDownCounter
	ResolveDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunDuration, err = meter.Float64Histogram("pressroom.run.duration",
		metric.WithDescription("Pipeline run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StageDuration, err = meter.Float64Histogram("pressroom.stage.duration",
		metric.WithDescription("Stage duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("pressroom.task.duration",
		metric.WithDescription("Agent task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("pressroom.queue.depth",
		metric.WithDescription("Messages pending across queue destinations"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueRejects, err = meter.Int64Counter("pressroom.queue.rejects",
		metric.WithDescription("Enqueues rejected by backpressure"),
	)
	if err != nil {
		return nil, err
	}

	m.Redeliveries, err = meter.Int64Counter("pressroom.queue.redeliveries",
		metric.WithDescription("Messages redelivered after lease expiry"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRetries, err = meter.Int64Counter("pressroom.task.retries",
		metric.WithDescription("Task redispatches after failure"),
	)
	if err != nil {
		return nil, err
	}

	m.ConflictsTotal, err = meter.Int64Counter("pressroom.conflicts",
		metric.WithDescription("Subjects resolved with more than one candidate"),
	)
	if err != nil {
		return nil, err
	}

	m.DegradedStages, err = meter.Int64Counter("pressroom.stage.degraded",
		metric.WithDescription("Stages closed in degraded mode"),
	)
	if err != nil {
		return nil, err
	}

	m.MemoryEvictions, err = meter.Int64Counter("pressroom.memory.evictions",
		metric.WithDescription("Short-term memory entries evicted"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("pressroom.runs.active",
		metric.WithDescription("Number of currently active pipeline runs"),
	)
	if err != nil {
		return nil, err
	}

	m.ResolveDuration, err = meter.Float64Histogram("pressroom.resolve.duration",
		metric.WithDescription("Conflict resolution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
