// Package executor turns dequeued tasks into repository work: engine
// sessions, reverts, diffs, and repository attachment. One Executor instance
// serves every channel; per-channel serialization is the queue's job.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/taskforge/internal/bus"
	"github.com/basket/taskforge/internal/engine"
	"github.com/basket/taskforge/internal/gitops"
	"github.com/basket/taskforge/internal/persistence"
	"github.com/basket/taskforge/internal/secrets"
	"github.com/basket/taskforge/internal/shared"
	"github.com/basket/taskforge/internal/task"
)

// ErrNoRepository is returned for tasks that need a checkout before the
// channel has one attached.
var ErrNoRepository = errors.New("no repository attached to this channel")

const commitSubjectLimit = 72

type result struct {
	Outcome string
	Text    string
}

type handlerFunc func(ctx context.Context, channelID string, t *task.Task) (result, error)

type Executor struct {
	store      *persistence.Store
	git        *gitops.Operations
	engine     *engine.Invoker
	cipher     secrets.Cipher
	events     *bus.Bus
	logger     *slog.Logger
	principals []string
	workRoot   string

	handlers map[task.Kind]handlerFunc
}

func New(store *persistence.Store, git *gitops.Operations, eng *engine.Invoker, cipher secrets.Cipher, events *bus.Bus, logger *slog.Logger, principals []string, workRoot string) *Executor {
	e := &Executor{
		store:      store,
		git:        git,
		engine:     eng,
		cipher:     cipher,
		events:     events,
		logger:     logger,
		principals: principals,
		workRoot:   workRoot,
	}
	e.handlers = map[task.Kind]handlerFunc{
		task.KindMention: e.runMention,
		task.KindUndo:    e.runUndo,
		task.KindDiff:    e.runDiff,
		task.KindAddRepo: e.runAddRepo,
	}
	return e
}

// Execute runs one task to completion and publishes its result on the bus.
// The returned error classifies the failure for the queue's logs; the queue
// dequeues the task either way.
func (e *Executor) Execute(ctx context.Context, channelID string, t *task.Task) error {
	ctx = shared.WithChannelID(shared.WithTaskID(ctx, t.ID), channelID)

	handler, ok := e.handlers[t.Kind]
	if !ok {
		err := fmt.Errorf("%w: %q", task.ErrUnknownKind, t.Kind)
		e.publishFailed(channelID, t, err)
		return err
	}

	e.events.Publish(bus.TopicTaskStarted, bus.TaskEvent{
		ChannelID: channelID,
		TaskID:    t.ID,
		UserID:    t.UserID,
		Kind:      string(t.Kind),
	})

	res, err := handler(ctx, channelID, t)
	if err != nil {
		if e.logger != nil {
			e.logger.Error("task failed",
				"trace_id", shared.TraceID(ctx),
				"channel_id", channelID,
				"task_id", t.ID,
				"kind", string(t.Kind),
				"error", err)
		}
		e.publishFailed(channelID, t, err)
		return err
	}

	if e.logger != nil {
		e.logger.Info("task completed",
			"trace_id", shared.TraceID(ctx),
			"channel_id", channelID,
			"task_id", t.ID,
			"kind", string(t.Kind),
			"outcome", res.Outcome)
	}
	e.events.Publish(bus.TopicTaskCompleted, bus.TaskResultEvent{
		ChannelID: channelID,
		TaskID:    t.ID,
		UserID:    t.UserID,
		Kind:      string(t.Kind),
		Outcome:   res.Outcome,
		Text:      res.Text,
	})
	return nil
}

func (e *Executor) publishFailed(channelID string, t *task.Task, err error) {
	e.events.Publish(bus.TopicTaskFailed, bus.TaskResultEvent{
		ChannelID: channelID,
		TaskID:    t.ID,
		UserID:    t.UserID,
		Kind:      string(t.Kind),
		Outcome:   string(gitops.OutcomeFailed),
		Err:       shared.Redact(err.Error()),
	})
}

func (e *Executor) repoFor(ctx context.Context, channelID string) (*persistence.Repository, error) {
	repo, err := e.store.GetRepository(ctx, channelID)
	if err != nil {
		if errors.Is(err, persistence.ErrRepoNotFound) {
			return nil, ErrNoRepository
		}
		return nil, err
	}
	return repo, nil
}

func (e *Executor) runMention(ctx context.Context, channelID string, t *task.Task) (result, error) {
	payload, err := t.Mention()
	if err != nil {
		return result{}, err
	}
	repo, err := e.repoFor(ctx, channelID)
	if err != nil {
		return result{}, err
	}

	report, err := e.engine.Invoke(ctx, repo, payload.Prompt, payload.ContextFiles)
	if err != nil {
		if report != nil && report.Summary() != "" {
			return result{}, fmt.Errorf("%w: %s", err, report.Summary())
		}
		return result{}, err
	}

	outcome, err := e.git.CommitAndPush(ctx, repo, commitSubject(payload.Prompt))
	if err != nil {
		return result{}, fmt.Errorf("persist engine changes: %w", err)
	}

	text := report.Summary()
	if outcome == gitops.OutcomeAppliedLocally {
		text += "\n\nChanges were committed locally but could not be pushed."
	}
	return result{Outcome: string(outcome), Text: text}, nil
}

func (e *Executor) runUndo(ctx context.Context, channelID string, _ *task.Task) (result, error) {
	repo, err := e.repoFor(ctx, channelID)
	if err != nil {
		return result{}, err
	}
	outcome, err := e.git.Revert(ctx, repo)
	if err != nil {
		return result{}, err
	}
	text := "Reverted the last change."
	if outcome == gitops.OutcomeAppliedLocally {
		text = "Reverted the last change locally, but the push failed."
	}
	return result{Outcome: string(outcome), Text: text}, nil
}

func (e *Executor) runDiff(ctx context.Context, channelID string, _ *task.Task) (result, error) {
	repo, err := e.repoFor(ctx, channelID)
	if err != nil {
		return result{}, err
	}
	patch, err := e.git.Diff(ctx, repo)
	if err != nil {
		return result{}, err
	}
	if strings.TrimSpace(patch) == "" {
		return result{Outcome: string(gitops.OutcomePushed), Text: "The last commit contains no changes."}, nil
	}
	return result{Outcome: string(gitops.OutcomePushed), Text: patch}, nil
}

func (e *Executor) runAddRepo(ctx context.Context, channelID string, t *task.Task) (result, error) {
	payload, err := t.AddRepo()
	if err != nil {
		return result{}, err
	}
	if len(e.principals) == 0 {
		return result{}, errors.New("no principals configured")
	}

	encrypted, err := e.cipher.Encrypt([]byte(payload.PrivateKey))
	if err != nil {
		return result{}, fmt.Errorf("encrypt deploy key: %w", err)
	}

	principal, err := e.assignPrincipal(ctx)
	if err != nil {
		return result{}, err
	}
	repo := &persistence.Repository{
		ChannelID:    channelID,
		RepoURL:      payload.RepoURL,
		Principal:    principal,
		EncryptedKey: encrypted,
		CheckoutPath: gitops.CheckoutPathFor(e.workRoot, principal, channelID),
	}
	if err := e.store.SaveRepository(ctx, repo); err != nil {
		return result{}, err
	}
	if err := e.git.Clone(ctx, repo); err != nil {
		return result{}, fmt.Errorf("clone %s: %w", payload.RepoURL, err)
	}
	return result{
		Outcome: string(gitops.OutcomePushed),
		Text:    fmt.Sprintf("Repository %s attached and cloned.", payload.RepoURL),
	}, nil
}

// assignPrincipal picks the least-loaded principal from the configured pool,
// breaking ties by configuration order.
func (e *Executor) assignPrincipal(ctx context.Context) (string, error) {
	counts, err := e.store.RepoCountByPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("count repositories per principal: %w", err)
	}
	best := e.principals[0]
	for _, p := range e.principals[1:] {
		if counts[p] < counts[best] {
			best = p
		}
	}
	return best, nil
}

func commitSubject(prompt string) string {
	subject := strings.Join(strings.Fields(prompt), " ")
	if runes := []rune(subject); len(runes) > commitSubjectLimit {
		subject = string(runes[:commitSubjectLimit-3]) + "..."
	}
	if subject == "" {
		subject = "assistant changes"
	}
	return "taskforge: " + subject
}
