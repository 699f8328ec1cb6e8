package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskforge/internal/task"
)

// QueuedTask is a persisted task together with its position in the channel's
// FIFO. Seq is assigned by SQLite at insert time and never reused.
type QueuedTask struct {
	Seq       int64
	ChannelID string
	Task      task.Task
}

// Enqueue appends t to the channel's queue, creating the channel row on first
// use. The channel row insert and the task insert happen in one transaction so
// a task can never reference a missing queue.
func (s *Store) Enqueue(ctx context.Context, channelID string, t *task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channel_queues (channel_id) VALUES (?)
			ON CONFLICT(channel_id) DO NOTHING;
		`, channelID); err != nil {
			return fmt.Errorf("upsert channel queue: %w", err)
		}

		payload := t.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channel_tasks (task_id, channel_id, user_id, kind, payload, enqueued_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, t.ID, channelID, t.UserID, string(t.Kind), string(payload), t.EnqueuedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return tx.Commit()
	})
}

// AcquireChannel attempts the atomic is_processing 0 -> 1 transition. It
// returns true only when this call performed the flip; a false return means
// another worker, possibly in another process, already holds the channel.
func (s *Store) AcquireChannel(ctx context.Context, channelID string) (bool, error) {
	var acquired bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE channel_queues
			SET is_processing = 1, updated_at = CURRENT_TIMESTAMP
			WHERE channel_id = ? AND is_processing = 0;
		`, channelID)
		if err != nil {
			return fmt.Errorf("acquire channel %s: %w", channelID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("acquire channel rows affected: %w", err)
		}
		acquired = n == 1
		return nil
	})
	return acquired, err
}

// ReleaseChannel clears is_processing unconditionally. Releasing a channel
// that is not held is a no-op, not an error.
func (s *Store) ReleaseChannel(ctx context.Context, channelID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE channel_queues
			SET is_processing = 0, updated_at = CURRENT_TIMESTAMP
			WHERE channel_id = ?;
		`, channelID)
		if err != nil {
			return fmt.Errorf("release channel %s: %w", channelID, err)
		}
		return nil
	})
}

// HeadTask returns the oldest queued task for the channel, or nil when the
// queue is empty.
func (s *Store) HeadTask(ctx context.Context, channelID string) (*QueuedTask, error) {
	var qt *QueuedTask
	err := retryOnBusy(ctx, 5, func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT seq, task_id, user_id, kind, payload, enqueued_at
			FROM channel_tasks
			WHERE channel_id = ?
			ORDER BY seq ASC
			LIMIT 1;
		`, channelID)

		var (
			seq        int64
			taskID     string
			userID     string
			kind       string
			payload    string
			enqueuedAt string
		)
		if err := row.Scan(&seq, &taskID, &userID, &kind, &payload, &enqueuedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				qt = nil
				return nil
			}
			return fmt.Errorf("scan head task for %s: %w", channelID, err)
		}
		when, err := time.Parse(time.RFC3339Nano, enqueuedAt)
		if err != nil {
			when = time.Time{}
		}
		qt = &QueuedTask{
			Seq:       seq,
			ChannelID: channelID,
			Task: task.Task{
				ID:         taskID,
				UserID:     userID,
				Kind:       task.Kind(kind),
				Payload:    json.RawMessage(payload),
				EnqueuedAt: when,
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return qt, nil
}

// RemoveTask deletes a task by its queue sequence number. Removing an already
// removed task is a no-op.
func (s *Store) RemoveTask(ctx context.Context, seq int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM channel_tasks WHERE seq = ?;`, seq)
		if err != nil {
			return fmt.Errorf("remove task seq %d: %w", seq, err)
		}
		return nil
	})
}

func (s *Store) QueueDepth(ctx context.Context, channelID string) (int, error) {
	var depth int
	err := retryOnBusy(ctx, 5, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM channel_tasks WHERE channel_id = ?;
		`, channelID).Scan(&depth)
	})
	if err != nil {
		return 0, fmt.Errorf("queue depth for %s: %w", channelID, err)
	}
	return depth, nil
}

// StaleProcessingChannels lists channels still marked processing that have
// pending tasks. After a crash these are the channels whose work was
// interrupted and must be recovered.
func (s *Store) StaleProcessingChannels(ctx context.Context) ([]string, error) {
	var channels []string
	err := retryOnBusy(ctx, 5, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT q.channel_id
			FROM channel_queues q
			WHERE q.is_processing = 1
			  AND EXISTS (SELECT 1 FROM channel_tasks t WHERE t.channel_id = q.channel_id)
			ORDER BY q.channel_id;
		`)
		if err != nil {
			return fmt.Errorf("list stale channels: %w", err)
		}
		defer rows.Close()

		channels = channels[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan stale channel: %w", err)
			}
			channels = append(channels, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return channels, nil
}

// AbandonedProcessingChannels lists channels marked processing whose queues
// are empty, which happens when a crash landed between dequeue and release.
// The janitor clears these so new tasks are not blocked forever.
func (s *Store) AbandonedProcessingChannels(ctx context.Context) ([]string, error) {
	var channels []string
	err := retryOnBusy(ctx, 5, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT q.channel_id
			FROM channel_queues q
			WHERE q.is_processing = 1
			  AND NOT EXISTS (SELECT 1 FROM channel_tasks t WHERE t.channel_id = q.channel_id)
			ORDER BY q.channel_id;
		`)
		if err != nil {
			return fmt.Errorf("list abandoned channels: %w", err)
		}
		defer rows.Close()

		channels = channels[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan abandoned channel: %w", err)
			}
			channels = append(channels, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return channels, nil
}

// PendingChannels lists unlocked channels that still have queued tasks.
func (s *Store) PendingChannels(ctx context.Context) ([]string, error) {
	var channels []string
	err := retryOnBusy(ctx, 5, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT q.channel_id
			FROM channel_queues q
			WHERE q.is_processing = 0
			  AND EXISTS (SELECT 1 FROM channel_tasks t WHERE t.channel_id = q.channel_id)
			ORDER BY q.channel_id;
		`)
		if err != nil {
			return fmt.Errorf("list pending channels: %w", err)
		}
		defer rows.Close()

		channels = channels[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan pending channel: %w", err)
			}
			channels = append(channels, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return channels, nil
}

// ChannelSummary is one row of the operator-facing status view.
type ChannelSummary struct {
	ChannelID  string
	Processing bool
	Depth      int
	RepoURL    string
	Principal  string
}

// ChannelSummaries lists every known channel with its lock state, queue
// depth, and bound repository, if any.
func (s *Store) ChannelSummaries(ctx context.Context) ([]ChannelSummary, error) {
	var summaries []ChannelSummary
	err := retryOnBusy(ctx, 5, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT q.channel_id,
			       q.is_processing,
			       (SELECT COUNT(*) FROM channel_tasks t WHERE t.channel_id = q.channel_id),
			       COALESCE(r.repo_url, ''),
			       COALESCE(r.principal, '')
			FROM channel_queues q
			LEFT JOIN repositories r ON r.channel_id = q.channel_id
			ORDER BY q.channel_id;
		`)
		if err != nil {
			return fmt.Errorf("list channel summaries: %w", err)
		}
		defer rows.Close()

		summaries = summaries[:0]
		for rows.Next() {
			var cs ChannelSummary
			var processing int
			if err := rows.Scan(&cs.ChannelID, &processing, &cs.Depth, &cs.RepoURL, &cs.Principal); err != nil {
				return fmt.Errorf("scan channel summary: %w", err)
			}
			cs.Processing = processing == 1
			summaries = append(summaries, cs)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

// IsProcessing reports the current lock state of a channel. Unknown channels
// report false.
func (s *Store) IsProcessing(ctx context.Context, channelID string) (bool, error) {
	var processing bool
	err := retryOnBusy(ctx, 5, func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT is_processing FROM channel_queues WHERE channel_id = ?;
		`, channelID)
		var v int
		if err := row.Scan(&v); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				processing = false
				return nil
			}
			return fmt.Errorf("read is_processing for %s: %w", channelID, err)
		}
		processing = v == 1
		return nil
	})
	return processing, err
}
