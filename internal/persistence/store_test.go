package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/taskforge/internal/task"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "taskforge.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustMention(t *testing.T, userID, prompt string) *task.Task {
	t.Helper()
	tk, err := task.NewMention(userID, prompt, nil)
	if err != nil {
		t.Fatalf("NewMention: %v", err)
	}
	return tk
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskforge.db")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := store.Enqueue(context.Background(), "chan-1", mustMention(t, "u1", "hello")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	depth, err := store.QueueDepth(context.Background(), "chan-1")
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("depth after reopen = %d, want 1", depth)
	}
}

func TestEnqueueHeadRemoveFIFO(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := mustMention(t, "u1", "first")
	second := mustMention(t, "u2", "second")
	third := mustMention(t, "u1", "third")
	for _, tk := range []*task.Task{first, second, third} {
		if err := store.Enqueue(ctx, "chan-1", tk); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	wantOrder := []string{first.ID, second.ID, third.ID}
	for i, wantID := range wantOrder {
		head, err := store.HeadTask(ctx, "chan-1")
		if err != nil {
			t.Fatalf("HeadTask %d: %v", i, err)
		}
		if head == nil {
			t.Fatalf("HeadTask %d returned nil with %d tasks remaining", i, len(wantOrder)-i)
		}
		if head.Task.ID != wantID {
			t.Fatalf("head %d = task %s, want %s", i, head.Task.ID, wantID)
		}
		if err := store.RemoveTask(ctx, head.Seq); err != nil {
			t.Fatalf("RemoveTask: %v", err)
		}
	}

	head, err := store.HeadTask(ctx, "chan-1")
	if err != nil {
		t.Fatalf("HeadTask on empty queue: %v", err)
	}
	if head != nil {
		t.Fatalf("HeadTask on empty queue = %+v, want nil", head)
	}
}

func TestHeadTaskIsolatedPerChannel(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a := mustMention(t, "u1", "for a")
	b := mustMention(t, "u2", "for b")
	if err := store.Enqueue(ctx, "chan-a", a); err != nil {
		t.Fatalf("Enqueue a: %v", err)
	}
	if err := store.Enqueue(ctx, "chan-b", b); err != nil {
		t.Fatalf("Enqueue b: %v", err)
	}

	head, err := store.HeadTask(ctx, "chan-b")
	if err != nil {
		t.Fatalf("HeadTask: %v", err)
	}
	if head == nil || head.Task.ID != b.ID {
		t.Fatalf("chan-b head = %+v, want task %s", head, b.ID)
	}
}

func TestAcquireChannelCompareAndSet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Enqueue(ctx, "chan-1", mustMention(t, "u1", "work")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := store.AcquireChannel(ctx, "chan-1")
	if err != nil {
		t.Fatalf("first AcquireChannel: %v", err)
	}
	if !got {
		t.Fatal("first AcquireChannel = false, want true")
	}

	got, err = store.AcquireChannel(ctx, "chan-1")
	if err != nil {
		t.Fatalf("second AcquireChannel: %v", err)
	}
	if got {
		t.Fatal("second AcquireChannel = true while held, want false")
	}

	if err := store.ReleaseChannel(ctx, "chan-1"); err != nil {
		t.Fatalf("ReleaseChannel: %v", err)
	}
	got, err = store.AcquireChannel(ctx, "chan-1")
	if err != nil {
		t.Fatalf("AcquireChannel after release: %v", err)
	}
	if !got {
		t.Fatal("AcquireChannel after release = false, want true")
	}
}

func TestAcquireUnknownChannel(t *testing.T) {
	store := openTestStore(t)

	got, err := store.AcquireChannel(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("AcquireChannel: %v", err)
	}
	if got {
		t.Fatal("acquired a channel with no queue row")
	}
}

func TestReleaseChannelIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Enqueue(ctx, "chan-1", mustMention(t, "u1", "work")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := store.ReleaseChannel(ctx, "chan-1"); err != nil {
		t.Fatalf("release unheld channel: %v", err)
	}
	if err := store.ReleaseChannel(ctx, "chan-1"); err != nil {
		t.Fatalf("release again: %v", err)
	}
}

func TestStaleAndAbandonedChannels(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// chan-stale: held with pending work, the crash-recovery case.
	if err := store.Enqueue(ctx, "chan-stale", mustMention(t, "u1", "t1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := store.AcquireChannel(ctx, "chan-stale"); err != nil {
		t.Fatalf("AcquireChannel: %v", err)
	}

	// chan-abandoned: held but queue drained before the release landed.
	if err := store.Enqueue(ctx, "chan-abandoned", mustMention(t, "u2", "t2")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := store.AcquireChannel(ctx, "chan-abandoned"); err != nil {
		t.Fatalf("AcquireChannel: %v", err)
	}
	head, err := store.HeadTask(ctx, "chan-abandoned")
	if err != nil || head == nil {
		t.Fatalf("HeadTask: %v %v", head, err)
	}
	if err := store.RemoveTask(ctx, head.Seq); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}

	// chan-idle: not held at all.
	if err := store.Enqueue(ctx, "chan-idle", mustMention(t, "u3", "t3")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stale, err := store.StaleProcessingChannels(ctx)
	if err != nil {
		t.Fatalf("StaleProcessingChannels: %v", err)
	}
	if len(stale) != 1 || stale[0] != "chan-stale" {
		t.Fatalf("stale channels = %v, want [chan-stale]", stale)
	}

	abandoned, err := store.AbandonedProcessingChannels(ctx)
	if err != nil {
		t.Fatalf("AbandonedProcessingChannels: %v", err)
	}
	if len(abandoned) != 1 || abandoned[0] != "chan-abandoned" {
		t.Fatalf("abandoned channels = %v, want [chan-abandoned]", abandoned)
	}
}

func TestPendingChannels(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Enqueue(ctx, "chan-ready", mustMention(t, "u1", "t1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := store.Enqueue(ctx, "chan-locked", mustMention(t, "u2", "t2")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := store.AcquireChannel(ctx, "chan-locked"); err != nil {
		t.Fatalf("AcquireChannel: %v", err)
	}

	pending, err := store.PendingChannels(ctx)
	if err != nil {
		t.Fatalf("PendingChannels: %v", err)
	}
	if len(pending) != 1 || pending[0] != "chan-ready" {
		t.Fatalf("pending = %v, want [chan-ready]", pending)
	}
}

func TestChannelSummaries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Enqueue(ctx, "chan-a", mustMention(t, "u1", "t1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := store.Enqueue(ctx, "chan-a", mustMention(t, "u1", "t2")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := store.Enqueue(ctx, "chan-b", mustMention(t, "u2", "t3")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := store.AcquireChannel(ctx, "chan-a"); err != nil {
		t.Fatalf("AcquireChannel: %v", err)
	}
	if err := store.SaveRepository(ctx, &Repository{
		ChannelID:    "chan-a",
		RepoURL:      "git@example.com:a/b.git",
		Principal:    "forge-worker-1",
		EncryptedKey: []byte("sealed"),
		CheckoutPath: "/srv/taskforge/forge-worker-1/chan-a",
	}); err != nil {
		t.Fatalf("SaveRepository: %v", err)
	}

	summaries, err := store.ChannelSummaries(ctx)
	if err != nil {
		t.Fatalf("ChannelSummaries: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("got %d summaries, want 2", len(summaries))
	}

	a := summaries[0]
	if a.ChannelID != "chan-a" || !a.Processing || a.Depth != 2 {
		t.Fatalf("chan-a summary = %+v", a)
	}
	if a.RepoURL != "git@example.com:a/b.git" || a.Principal != "forge-worker-1" {
		t.Fatalf("chan-a repo binding = %+v", a)
	}

	b := summaries[1]
	if b.ChannelID != "chan-b" || b.Processing || b.Depth != 1 {
		t.Fatalf("chan-b summary = %+v", b)
	}
	if b.RepoURL != "" || b.Principal != "" {
		t.Fatalf("chan-b should have no repo binding: %+v", b)
	}
}

func TestRepositoryRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	repo := &Repository{
		ChannelID:    "chan-1",
		RepoURL:      "git@example.com:org/app.git",
		Principal:    "forge-worker-1",
		EncryptedKey: []byte{0x01, 0x02, 0x03},
		CheckoutPath: "/srv/work/forge-worker-1/chan-1",
	}
	if err := store.SaveRepository(ctx, repo); err != nil {
		t.Fatalf("SaveRepository: %v", err)
	}

	got, err := store.GetRepository(ctx, "chan-1")
	if err != nil {
		t.Fatalf("GetRepository: %v", err)
	}
	if got.RepoURL != repo.RepoURL || got.Principal != repo.Principal || got.CheckoutPath != repo.CheckoutPath {
		t.Fatalf("GetRepository = %+v, want %+v", got, repo)
	}
	if string(got.EncryptedKey) != string(repo.EncryptedKey) {
		t.Fatal("encrypted key did not round trip")
	}

	// Re-attaching replaces the previous binding.
	repo.RepoURL = "git@example.com:org/other.git"
	repo.Principal = "forge-worker-2"
	if err := store.SaveRepository(ctx, repo); err != nil {
		t.Fatalf("SaveRepository replace: %v", err)
	}
	got, err = store.GetRepository(ctx, "chan-1")
	if err != nil {
		t.Fatalf("GetRepository after replace: %v", err)
	}
	if got.RepoURL != repo.RepoURL || got.Principal != "forge-worker-2" {
		t.Fatalf("replaced repository = %+v", got)
	}
}

func TestGetRepositoryNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetRepository(context.Background(), "chan-none")
	if !errors.Is(err, ErrRepoNotFound) {
		t.Fatalf("GetRepository unknown channel error = %v, want ErrRepoNotFound", err)
	}
}

func TestRepoCountByPrincipal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	attach := func(channel, principal string) {
		t.Helper()
		err := store.SaveRepository(ctx, &Repository{
			ChannelID:    channel,
			RepoURL:      "git@example.com:org/" + channel + ".git",
			Principal:    principal,
			EncryptedKey: []byte("x"),
			CheckoutPath: "/srv/work/" + principal + "/" + channel,
		})
		if err != nil {
			t.Fatalf("SaveRepository %s: %v", channel, err)
		}
	}
	attach("c1", "forge-worker-1")
	attach("c2", "forge-worker-1")
	attach("c3", "forge-worker-2")

	counts, err := store.RepoCountByPrincipal(ctx)
	if err != nil {
		t.Fatalf("RepoCountByPrincipal: %v", err)
	}
	if counts["forge-worker-1"] != 2 || counts["forge-worker-2"] != 1 {
		t.Fatalf("counts = %v, want worker-1:2 worker-2:1", counts)
	}
}
