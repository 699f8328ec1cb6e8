// Package queue serializes task execution per channel. Two guards enforce
// the one-active-task invariant: the in-process Registry stops duplicate
// drives inside one runtime, and the persisted is_processing flag stops them
// across processes. The flag is cooperative and never expires, so crashed
// holders are recovered by an explicit sweep, not a lock timeout.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/taskforge/internal/bus"
	"github.com/basket/taskforge/internal/persistence"
	"github.com/basket/taskforge/internal/shared"
	"github.com/basket/taskforge/internal/task"
)

// Executor runs one task to completion. The queue dequeues the task whatever
// the outcome; the error is for classification and logging only.
type Executor interface {
	Execute(ctx context.Context, channelID string, t *task.Task) error
}

type Queue struct {
	store    *persistence.Store
	registry *Registry
	exec     Executor
	events   *bus.Bus
	logger   *slog.Logger

	wg sync.WaitGroup
}

func New(store *persistence.Store, registry *Registry, exec Executor, events *bus.Bus, logger *slog.Logger) *Queue {
	return &Queue{
		store:    store,
		registry: registry,
		exec:     exec,
		events:   events,
		logger:   logger,
	}
}

// Enqueue validates, persists, and schedules a drive for the task's channel.
// It returns once the task is durably queued; execution happens on its own
// goroutine.
func (q *Queue) Enqueue(ctx context.Context, channelID string, t *task.Task) error {
	if err := task.ValidateChannelID(channelID); err != nil {
		return err
	}
	if err := q.store.Enqueue(ctx, channelID, t); err != nil {
		return fmt.Errorf("enqueue task for %s: %w", channelID, err)
	}

	q.events.Publish(bus.TopicTaskEnqueued, bus.TaskEvent{
		ChannelID: channelID,
		TaskID:    t.ID,
		UserID:    t.UserID,
		Kind:      string(t.Kind),
	})
	if q.logger != nil {
		q.logger.Info("task enqueued",
			"trace_id", shared.TraceID(ctx),
			"channel_id", channelID,
			"task_id", t.ID,
			"kind", string(t.Kind))
	}

	q.ScheduleDrive(channelID)
	return nil
}

// ScheduleDrive starts a drive cycle for the channel on a new goroutine. It
// is cheap to call speculatively: a drive that finds the channel busy or
// empty returns immediately.
func (q *Queue) ScheduleDrive(channelID string) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.Drive(context.Background(), channelID)
	}()
}

// Wait blocks until every scheduled drive has finished. Used at shutdown and
// by tests; new drives may still be scheduled while waiting.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Drive claims the channel and executes queued tasks in order until the queue
// is empty. Exactly one drive makes progress per channel at a time; the rest
// return immediately. The persisted lock is released on every exit path. A
// task enqueued between the final empty check and the release is picked up by
// the re-check loop here; the residual window is covered by DrivePending.
func (q *Queue) Drive(ctx context.Context, channelID string) {
	if !q.registry.TryAdd(channelID) {
		return
	}
	defer q.registry.Remove(channelID)

	for {
		acquired, err := q.store.AcquireChannel(ctx, channelID)
		if err != nil {
			if q.logger != nil {
				q.logger.Error("failed to acquire channel lock",
					"channel_id", channelID, "error", err)
			}
			return
		}
		if !acquired {
			return
		}

		stopped := q.drain(ctx, channelID)
		if relErr := q.store.ReleaseChannel(ctx, channelID); relErr != nil && q.logger != nil {
			q.logger.Error("failed to release channel lock",
				"channel_id", channelID, "error", relErr)
		}
		if stopped {
			return
		}

		head, err := q.store.HeadTask(ctx, channelID)
		if err != nil || head == nil {
			return
		}
	}
}

// drain pops and executes tasks until the queue is empty. A true return means
// the cycle stopped early (error or panic) and remaining tasks wait for the
// next trigger.
func (q *Queue) drain(ctx context.Context, channelID string) (stopped bool) {
	for {
		head, err := q.store.HeadTask(ctx, channelID)
		if err != nil {
			if q.logger != nil {
				q.logger.Error("failed to read queue head",
					"channel_id", channelID, "error", err)
			}
			return true
		}
		if head == nil {
			q.events.Publish(bus.TopicQueueIdle, bus.QueueEvent{ChannelID: channelID})
			return false
		}
		if !q.runTask(channelID, head) {
			return true
		}
		if ctx.Err() != nil {
			return true
		}
	}
}

// runTask executes one task and removes it from the queue regardless of
// outcome, including a panicking executor. The return value says whether the
// drive loop should continue with the next task; a panic stops this cycle
// and leaves the remainder for the next trigger.
func (q *Queue) runTask(channelID string, head *persistence.QueuedTask) (cont bool) {
	// Tasks are not cancellable once started; the execution context is
	// deliberately detached from the drive's.
	taskCtx := shared.WithTraceID(context.Background(), shared.NewTraceID())

	defer func() {
		if err := q.store.RemoveTask(context.Background(), head.Seq); err != nil && q.logger != nil {
			q.logger.Error("failed to dequeue task",
				"channel_id", channelID, "task_id", head.Task.ID, "error", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			cont = false
			if q.logger != nil {
				q.logger.Error("executor panicked",
					"trace_id", shared.TraceID(taskCtx),
					"channel_id", channelID,
					"task_id", head.Task.ID,
					"panic", fmt.Sprintf("%v", r))
			}
		}
	}()

	if err := q.exec.Execute(taskCtx, channelID, &head.Task); err != nil && q.logger != nil {
		q.logger.Warn("task finished with error",
			"trace_id", shared.TraceID(taskCtx),
			"channel_id", channelID,
			"task_id", head.Task.ID,
			"error", err)
	}
	return true
}

// RecoverStale finds channels whose is_processing flag survived a crash,
// clears the flags, and reschedules drives for the ones with pending work.
// It returns how many channels were recovered. Run once at startup and
// periodically from the janitor.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	stale, err := q.store.StaleProcessingChannels(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stale channels: %w", err)
	}
	abandoned, err := q.store.AbandonedProcessingChannels(ctx)
	if err != nil {
		return 0, fmt.Errorf("list abandoned channels: %w", err)
	}

	for _, channelID := range abandoned {
		if q.registry.Contains(channelID) {
			continue
		}
		if err := q.store.ReleaseChannel(ctx, channelID); err != nil {
			return 0, fmt.Errorf("release abandoned channel %s: %w", channelID, err)
		}
	}

	recovered := 0
	for _, channelID := range stale {
		// A live in-process drive legitimately holds the flag.
		if q.registry.Contains(channelID) {
			continue
		}
		if err := q.store.ReleaseChannel(ctx, channelID); err != nil {
			return recovered, fmt.Errorf("release stale channel %s: %w", channelID, err)
		}
		depth, err := q.store.QueueDepth(ctx, channelID)
		if err != nil {
			depth = 0
		}
		if q.logger != nil {
			q.logger.Warn("recovered stale channel lock",
				"channel_id", channelID, "pending", depth)
		}
		q.events.Publish(bus.TopicQueueRecovered, bus.QueueEvent{
			ChannelID: channelID,
			Remaining: depth,
		})
		q.ScheduleDrive(channelID)
		recovered++
	}
	return recovered, nil
}

// DrivePending schedules drives for every unlocked channel with queued
// tasks. Run at startup and from the janitor, it catches work that missed
// its wakeup.
func (q *Queue) DrivePending(ctx context.Context) (int, error) {
	pending, err := q.store.PendingChannels(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending channels: %w", err)
	}
	scheduled := 0
	for _, channelID := range pending {
		if q.registry.Contains(channelID) {
			continue
		}
		q.ScheduleDrive(channelID)
		scheduled++
	}
	return scheduled, nil
}
