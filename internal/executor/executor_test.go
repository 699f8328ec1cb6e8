package executor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/basket/taskforge/internal/bus"
	"github.com/basket/taskforge/internal/credentials"
	"github.com/basket/taskforge/internal/engine"
	"github.com/basket/taskforge/internal/gitops"
	"github.com/basket/taskforge/internal/persistence"
	"github.com/basket/taskforge/internal/runas"
	"github.com/basket/taskforge/internal/task"
)

const engineReport = `{
	"overall_status": "success",
	"events": [{"type": "text", "content": "Renamed the flag as requested."}]
}`

// scriptedRunner answers engine and git invocations by binary name so one
// fake serves the whole pipeline.
type scriptedRunner struct {
	requests []runas.Request
	respond  func(req runas.Request) (*runas.Result, error)
}

func (s *scriptedRunner) Run(_ context.Context, req runas.Request) (*runas.Result, error) {
	s.requests = append(s.requests, req)
	if s.respond != nil {
		if res, err := s.respond(req); res != nil || err != nil {
			return res, err
		}
	}
	if req.Argv[0] == "forge-engine" {
		return &runas.Result{Stdout: engineReport}, nil
	}
	return &runas.Result{}, nil
}

type plainCipher struct{}

func (plainCipher) Encrypt(p []byte) ([]byte, error) { return append([]byte("enc:"), p...), nil }
func (plainCipher) Decrypt(c []byte) ([]byte, error) {
	return []byte(strings.TrimPrefix(string(c), "enc:")), nil
}

type fixture struct {
	exec   *Executor
	store  *persistence.Store
	runner *scriptedRunner
	sub    *bus.Subscription
}

func newFixture(t *testing.T, runner *scriptedRunner) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskforge.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	creds := credentials.NewMaterializer(t.TempDir(), runner, nil)
	cipher := plainCipher{}
	git := gitops.NewOperations("git", runner, creds, cipher, nil)
	eng, err := engine.NewInvoker("forge-engine", nil, 0, runner, nil)
	if err != nil {
		t.Fatalf("NewInvoker: %v", err)
	}

	events := bus.NewWithBuffer(16)
	sub := events.Subscribe("task.")
	t.Cleanup(func() { events.Unsubscribe(sub) })

	exec := New(store, git, eng, cipher, events, nil,
		[]string{"forge-worker-1", "forge-worker-2"}, t.TempDir())
	return &fixture{exec: exec, store: store, runner: runner, sub: sub}
}

func (f *fixture) attachRepo(t *testing.T, channelID string) *persistence.Repository {
	t.Helper()
	repo := &persistence.Repository{
		ChannelID:    channelID,
		RepoURL:      "git@example.com:org/app.git",
		Principal:    "forge-worker-1",
		EncryptedKey: []byte("enc:KEY"),
		CheckoutPath: filepath.Join(t.TempDir(), "checkout"),
	}
	if err := f.store.SaveRepository(context.Background(), repo); err != nil {
		t.Fatalf("SaveRepository: %v", err)
	}
	return repo
}

// drainEvents collects the events Execute published, which is safe because
// Publish is synchronous and the subscription is buffered.
func drainEvents(sub *bus.Subscription) []bus.Event {
	var events []bus.Event
	for {
		select {
		case ev := <-sub.Ch():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func mustTask(t *testing.T, tk *task.Task, err error) *task.Task {
	t.Helper()
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	return tk
}

func TestExecuteMention(t *testing.T) {
	runner := &scriptedRunner{}
	f := newFixture(t, runner)
	f.attachRepo(t, "chan-1")

	nt, err := task.NewMention("u1", "rename the feature flag", []string{"flags.go"})
	tk := mustTask(t, nt, err)
	if err := f.exec.Execute(context.Background(), "chan-1", tk); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	events := drainEvents(f.sub)
	if len(events) != 2 {
		t.Fatalf("events = %d, want started+completed", len(events))
	}
	if events[0].Topic != bus.TopicTaskStarted {
		t.Fatalf("first topic = %s", events[0].Topic)
	}
	done, ok := events[1].Payload.(bus.TaskResultEvent)
	if !ok || events[1].Topic != bus.TopicTaskCompleted {
		t.Fatalf("second event = %+v", events[1])
	}
	if done.Outcome != string(gitops.OutcomePushed) {
		t.Fatalf("outcome = %s", done.Outcome)
	}
	if !strings.Contains(done.Text, "Renamed the flag") {
		t.Fatalf("text = %q", done.Text)
	}

	// Engine first, then the commit pipeline.
	var order []string
	for _, req := range runner.requests {
		if req.Argv[0] == "forge-engine" {
			order = append(order, "engine")
		}
		if req.Argv[0] == "git" {
			order = append(order, req.Argv[1])
		}
	}
	if strings.Join(order, ",") != "engine,add,commit,push" {
		t.Fatalf("pipeline order = %v", order)
	}
}

func TestExecuteMentionPushFailure(t *testing.T) {
	runner := &scriptedRunner{
		respond: func(req runas.Request) (*runas.Result, error) {
			if req.Argv[0] == "git" && req.Argv[1] == "push" {
				return &runas.Result{ExitCode: 1, Stderr: "remote unreachable"}, nil
			}
			return nil, nil
		},
	}
	f := newFixture(t, runner)
	f.attachRepo(t, "chan-1")

	nt, err := task.NewMention("u1", "do it", nil)
	tk := mustTask(t, nt, err)
	if err := f.exec.Execute(context.Background(), "chan-1", tk); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	events := drainEvents(f.sub)
	done := events[len(events)-1].Payload.(bus.TaskResultEvent)
	if done.Outcome != string(gitops.OutcomeAppliedLocally) {
		t.Fatalf("outcome = %s, want applied_locally", done.Outcome)
	}
	if !strings.Contains(done.Text, "could not be pushed") {
		t.Fatalf("text = %q", done.Text)
	}
}

func TestExecuteMentionWithoutRepo(t *testing.T) {
	f := newFixture(t, &scriptedRunner{})

	nt, err := task.NewMention("u1", "anything", nil)
	tk := mustTask(t, nt, err)
	err = f.exec.Execute(context.Background(), "chan-1", tk)
	if !errors.Is(err, ErrNoRepository) {
		t.Fatalf("error = %v, want ErrNoRepository", err)
	}

	events := drainEvents(f.sub)
	last := events[len(events)-1]
	if last.Topic != bus.TopicTaskFailed {
		t.Fatalf("last topic = %s, want task.failed", last.Topic)
	}
}

func TestExecuteEngineFailureStillDelivered(t *testing.T) {
	runner := &scriptedRunner{
		respond: func(req runas.Request) (*runas.Result, error) {
			if req.Argv[0] == "forge-engine" {
				return &runas.Result{
					ExitCode: 1,
					Stdout:   `{"overall_status": "failure", "error": "context too large", "events": []}`,
				}, nil
			}
			return nil, nil
		},
	}
	f := newFixture(t, runner)
	f.attachRepo(t, "chan-1")

	nt, err := task.NewMention("u1", "huge request", nil)
	tk := mustTask(t, nt, err)
	if err := f.exec.Execute(context.Background(), "chan-1", tk); err == nil {
		t.Fatal("failed engine session produced no error")
	}

	events := drainEvents(f.sub)
	failed := events[len(events)-1].Payload.(bus.TaskResultEvent)
	if !strings.Contains(failed.Err, "context too large") {
		t.Fatalf("failure reason = %q", failed.Err)
	}

	// No commit pipeline after a failed session.
	for _, req := range runner.requests {
		if req.Argv[0] == "git" {
			t.Fatalf("git invoked after engine failure: %v", req.Argv)
		}
	}
}

func TestExecuteUndo(t *testing.T) {
	runner := &scriptedRunner{}
	f := newFixture(t, runner)
	f.attachRepo(t, "chan-1")

	nt, err := task.NewUndo("u1")
	tk := mustTask(t, nt, err)
	if err := f.exec.Execute(context.Background(), "chan-1", tk); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var sawRevert bool
	for _, req := range runner.requests {
		if req.Argv[0] == "git" && req.Argv[1] == "revert" {
			sawRevert = true
		}
	}
	if !sawRevert {
		t.Fatal("undo did not run git revert")
	}
}

func TestExecuteDiffEmpty(t *testing.T) {
	f := newFixture(t, &scriptedRunner{})
	f.attachRepo(t, "chan-1")

	nt, err := task.NewDiff("u1")
	tk := mustTask(t, nt, err)
	if err := f.exec.Execute(context.Background(), "chan-1", tk); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	events := drainEvents(f.sub)
	done := events[len(events)-1].Payload.(bus.TaskResultEvent)
	if !strings.Contains(done.Text, "no changes") {
		t.Fatalf("text = %q", done.Text)
	}
}

func TestExecuteAddRepo(t *testing.T) {
	runner := &scriptedRunner{}
	f := newFixture(t, runner)
	ctx := context.Background()

	nt, err := task.NewAddRepo("u1", "git@example.com:org/new.git", "RAW PRIVATE KEY")
	tk := mustTask(t, nt, err)
	if err := f.exec.Execute(ctx, "chan-9", tk); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	repo, err := f.store.GetRepository(ctx, "chan-9")
	if err != nil {
		t.Fatalf("GetRepository: %v", err)
	}
	if repo.RepoURL != "git@example.com:org/new.git" {
		t.Fatalf("repo url = %s", repo.RepoURL)
	}
	if string(repo.EncryptedKey) != "enc:RAW PRIVATE KEY" {
		t.Fatal("deploy key stored unencrypted")
	}
	if repo.Principal != "forge-worker-1" {
		t.Fatalf("principal = %s", repo.Principal)
	}

	var sawClone bool
	for _, req := range runner.requests {
		if req.Argv[0] == "git" && req.Argv[1] == "clone" {
			sawClone = true
		}
	}
	if !sawClone {
		t.Fatal("add_repo did not clone")
	}
}

func TestAddRepoAssignsLeastLoadedPrincipal(t *testing.T) {
	f := newFixture(t, &scriptedRunner{})
	ctx := context.Background()

	// forge-worker-1 already serves two channels.
	for _, ch := range []string{"c1", "c2"} {
		err := f.store.SaveRepository(ctx, &persistence.Repository{
			ChannelID: ch, RepoURL: "git@example.com:org/x.git",
			Principal: "forge-worker-1", EncryptedKey: []byte("k"), CheckoutPath: "/tmp/" + ch,
		})
		if err != nil {
			t.Fatalf("SaveRepository: %v", err)
		}
	}

	nt, err := task.NewAddRepo("u1", "git@example.com:org/new.git", "KEY")
	tk := mustTask(t, nt, err)
	if err := f.exec.Execute(ctx, "chan-new", tk); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	repo, err := f.store.GetRepository(ctx, "chan-new")
	if err != nil {
		t.Fatalf("GetRepository: %v", err)
	}
	if repo.Principal != "forge-worker-2" {
		t.Fatalf("principal = %s, want forge-worker-2", repo.Principal)
	}
}

func TestExecuteUnknownKind(t *testing.T) {
	f := newFixture(t, &scriptedRunner{})

	tk := &task.Task{ID: "t-1", UserID: "u1", Kind: task.Kind("bogus")}
	err := f.exec.Execute(context.Background(), "chan-1", tk)
	if !errors.Is(err, task.ErrUnknownKind) {
		t.Fatalf("error = %v, want ErrUnknownKind", err)
	}
}

func TestCommitSubject(t *testing.T) {
	if got := commitSubject("fix   the\nthing"); got != "taskforge: fix the thing" {
		t.Fatalf("commitSubject = %q", got)
	}
	long := strings.Repeat("word ", 40)
	got := commitSubject(long)
	if len(got) > len("taskforge: ")+commitSubjectLimit {
		t.Fatalf("subject not truncated: %d chars", len(got))
	}
	if got := commitSubject("  "); got != "taskforge: assistant changes" {
		t.Fatalf("empty prompt subject = %q", got)
	}
}

func TestCommitSubjectTruncatesOnRuneBoundary(t *testing.T) {
	got := commitSubject(strings.Repeat("é", commitSubjectLimit*2))
	if !utf8.ValidString(got) {
		t.Fatalf("truncated subject is not valid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "é...") {
		t.Fatalf("subject = %q, want a whole final rune before the ellipsis", got)
	}
	if n := utf8.RuneCountInString(strings.TrimPrefix(got, "taskforge: ")); n != commitSubjectLimit {
		t.Fatalf("subject runes = %d, want %d", n, commitSubjectLimit)
	}
}
