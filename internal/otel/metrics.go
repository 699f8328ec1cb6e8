package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/taskforge/internal/bus"
)

// Metrics holds all taskforge metric instruments.
type Metrics struct {
	TasksEnqueued  metric.Int64Counter
	TasksCompleted metric.Int64Counter
	TasksFailed    metric.Int64Counter
	ActiveDrives   metric.Int64UpDownCounter
	QueueRecovered metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksEnqueued, err = meter.Int64Counter("taskforge.tasks.enqueued",
		metric.WithDescription("Tasks accepted into channel queues"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("taskforge.tasks.completed",
		metric.WithDescription("Tasks that finished successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("taskforge.tasks.failed",
		metric.WithDescription("Tasks that finished with an error"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveDrives, err = meter.Int64UpDownCounter("taskforge.queue.active",
		metric.WithDescription("Channels currently executing a task"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueRecovered, err = meter.Int64Counter("taskforge.queue.recovered",
		metric.WithDescription("Stale channel locks recovered after a crash"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Observe consumes bus events and records them as metrics until ctx ends.
// Run it on its own goroutine.
func (m *Metrics) Observe(ctx context.Context, events *bus.Bus) {
	sub := events.Subscribe("")
	defer events.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			m.record(ctx, ev)
		}
	}
}

func (m *Metrics) record(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicTaskEnqueued:
		if te, ok := ev.Payload.(bus.TaskEvent); ok {
			m.TasksEnqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", te.Kind)))
		}
	case bus.TopicTaskStarted:
		m.ActiveDrives.Add(ctx, 1)
	case bus.TopicTaskCompleted:
		m.ActiveDrives.Add(ctx, -1)
		if res, ok := ev.Payload.(bus.TaskResultEvent); ok {
			m.TasksCompleted.Add(ctx, 1, metric.WithAttributes(
				attribute.String("kind", res.Kind),
				attribute.String("outcome", res.Outcome),
			))
		}
	case bus.TopicTaskFailed:
		m.ActiveDrives.Add(ctx, -1)
		if res, ok := ev.Payload.(bus.TaskResultEvent); ok {
			m.TasksFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", res.Kind)))
		}
	case bus.TopicQueueRecovered:
		m.QueueRecovered.Add(ctx, 1)
	}
}
