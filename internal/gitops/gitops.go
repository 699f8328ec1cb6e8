// Package gitops runs the repository operations for a channel's attached
// repository: clone, commit-and-push, diff, and revert. Every operation runs
// git under the repository's assigned OS principal with a just-materialized
// SSH key that is released before the operation returns.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/basket/taskforge/internal/credentials"
	"github.com/basket/taskforge/internal/persistence"
	"github.com/basket/taskforge/internal/runas"
	"github.com/basket/taskforge/internal/secrets"
	"github.com/basket/taskforge/internal/shared"
)

// ErrCloneFailed classifies a clone whose git process ran and failed. The
// partially created checkout is already gone by the time this is returned.
var ErrCloneFailed = errors.New("git clone failed")

// PushOutcome distinguishes "changes are on the remote" from the weaker
// "committed locally but the push failed" and from "nothing was applied".
type PushOutcome string

const (
	OutcomePushed         PushOutcome = "pushed"
	OutcomeAppliedLocally PushOutcome = "applied_locally"
	OutcomeFailed         PushOutcome = "failed"
)

type Operations struct {
	gitPath string
	runner  runas.Runner
	creds   *credentials.Materializer
	cipher  secrets.Cipher
	logger  *slog.Logger
}

func NewOperations(gitPath string, runner runas.Runner, creds *credentials.Materializer, cipher secrets.Cipher, logger *slog.Logger) *Operations {
	if gitPath == "" {
		gitPath = "git"
	}
	return &Operations{gitPath: gitPath, runner: runner, creds: creds, cipher: cipher, logger: logger}
}

var refSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// BranchForChannel derives the deterministic per-channel branch name.
func BranchForChannel(channelID string) string {
	ref := refSanitizer.ReplaceAllString(channelID, "-")
	ref = strings.Trim(ref, "-.")
	if ref == "" {
		ref = "unnamed"
	}
	return "channel/" + ref
}

// withCredential decrypts the repository's deploy key, materializes it for
// the assigned principal, and invokes fn with the environment git needs. The
// credential is always released afterward; release errors are logged, never
// returned, so they cannot mask fn's outcome.
func (o *Operations) withCredential(ctx context.Context, repo *persistence.Repository, fn func(env map[string]string) error) error {
	key, err := o.cipher.Decrypt(repo.EncryptedKey)
	if err != nil {
		return fmt.Errorf("decrypt deploy key for %s: %w", repo.ChannelID, err)
	}
	keyPath, err := o.creds.Materialize(ctx, repo.ChannelID, repo.Principal, key)
	if err != nil {
		return fmt.Errorf("materialize deploy key for %s: %w", repo.ChannelID, err)
	}
	defer func() {
		if relErr := o.creds.Release(ctx, keyPath); relErr != nil && o.logger != nil {
			o.logger.Error("failed to release deploy key",
				"trace_id", shared.TraceID(ctx),
				"channel_id", repo.ChannelID,
				"error", relErr)
		}
	}()

	env := map[string]string{
		"GIT_SSH_COMMAND": fmt.Sprintf(
			"ssh -i %s -o IdentitiesOnly=yes -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null",
			keyPath),
	}
	return fn(env)
}

func (o *Operations) git(ctx context.Context, repo *persistence.Repository, env map[string]string, args ...string) (*runas.Result, error) {
	return o.runner.Run(ctx, runas.Request{
		Principal: repo.Principal,
		Dir:       repo.CheckoutPath,
		Env:       env,
		Argv:      append([]string{o.gitPath}, args...),
	})
}

// Clone creates the checkout directory owned by the assigned principal and
// clones the repository into it. A failed clone removes the directory so a
// retry starts from nothing.
func (o *Operations) Clone(ctx context.Context, repo *persistence.Repository) error {
	if err := os.MkdirAll(repo.CheckoutPath, 0o755); err != nil {
		return fmt.Errorf("create checkout dir: %w", err)
	}
	if _, err := o.runner.Run(ctx, runas.Request{
		Principal: "root",
		Argv:      []string{"chown", repo.Principal, repo.CheckoutPath},
	}); err != nil {
		_ = os.RemoveAll(repo.CheckoutPath)
		return fmt.Errorf("chown checkout dir to %s: %w", repo.Principal, err)
	}

	err := o.withCredential(ctx, repo, func(env map[string]string) error {
		res, err := o.git(ctx, repo, env, "clone", "--", repo.RepoURL, ".")
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("%w: %s", ErrCloneFailed, strings.TrimSpace(res.Stderr))
		}
		return nil
	})
	if err != nil {
		o.removeCheckout(ctx, repo)
		return err
	}
	if o.logger != nil {
		o.logger.Info("repository cloned",
			"trace_id", shared.TraceID(ctx),
			"channel_id", repo.ChannelID,
			"principal", repo.Principal)
	}
	return nil
}

// removeCheckout deletes the checkout tree. Files inside belong to the
// principal, so removal goes through the privileged runner; a best-effort
// local RemoveAll covers the no-sudo configuration.
func (o *Operations) removeCheckout(ctx context.Context, repo *persistence.Repository) {
	if _, err := o.runner.Run(ctx, runas.Request{
		Principal: "root",
		Argv:      []string{"rm", "-rf", "--", repo.CheckoutPath},
	}); err != nil {
		_ = os.RemoveAll(repo.CheckoutPath)
	}
}

// CommitAndPush stages everything, commits with message, and pushes to the
// channel's branch. A push failure keeps the local commit and reports
// OutcomeAppliedLocally without an error; only add/commit failures are errors.
func (o *Operations) CommitAndPush(ctx context.Context, repo *persistence.Repository, message string) (PushOutcome, error) {
	branch := BranchForChannel(repo.ChannelID)
	var outcome PushOutcome = OutcomeFailed

	err := o.withCredential(ctx, repo, func(env map[string]string) error {
		res, err := o.git(ctx, repo, env, "add", ".")
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("git add failed: %s", strings.TrimSpace(res.Stderr))
		}

		res, err = o.git(ctx, repo, env, "commit", "-m", message)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 && !nothingToCommit(res) {
			return fmt.Errorf("git commit failed: %s", strings.TrimSpace(res.Stderr))
		}

		res, err = o.git(ctx, repo, env, "push", "origin", "HEAD:"+branch)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			outcome = OutcomeAppliedLocally
			if o.logger != nil {
				o.logger.Warn("push failed, commit kept locally",
					"trace_id", shared.TraceID(ctx),
					"channel_id", repo.ChannelID,
					"branch", branch,
					"stderr", strings.TrimSpace(res.Stderr))
			}
			return nil
		}
		outcome = OutcomePushed
		return nil
	})
	if err != nil {
		return OutcomeFailed, err
	}
	return outcome, nil
}

func nothingToCommit(res *runas.Result) bool {
	combined := res.Stdout + res.Stderr
	return strings.Contains(combined, "nothing to commit") ||
		strings.Contains(combined, "no changes added to commit")
}

// Diff returns the patch of the most recent commit. An empty patch is a valid
// result, distinct from a git failure.
func (o *Operations) Diff(ctx context.Context, repo *persistence.Repository) (string, error) {
	var patch string
	err := o.withCredential(ctx, repo, func(env map[string]string) error {
		res, err := o.git(ctx, repo, env, "diff", "HEAD~1", "HEAD")
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			// A repository with a single commit has no parent to diff against.
			if strings.Contains(res.Stderr, "unknown revision") {
				show, err := o.git(ctx, repo, env, "show", "--format=", "HEAD")
				if err != nil {
					return err
				}
				if show.ExitCode != 0 {
					return fmt.Errorf("git show failed: %s", strings.TrimSpace(show.Stderr))
				}
				patch = show.Stdout
				return nil
			}
			return fmt.Errorf("git diff failed: %s", strings.TrimSpace(res.Stderr))
		}
		patch = res.Stdout
		return nil
	})
	if err != nil {
		return "", err
	}
	return patch, nil
}

// Revert undoes the last commit with a non-interactive revert, then pushes.
// A failed revert short-circuits before any push attempt.
func (o *Operations) Revert(ctx context.Context, repo *persistence.Repository) (PushOutcome, error) {
	branch := BranchForChannel(repo.ChannelID)
	var outcome PushOutcome = OutcomeFailed

	err := o.withCredential(ctx, repo, func(env map[string]string) error {
		res, err := o.git(ctx, repo, env, "revert", "--no-edit", "HEAD")
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("git revert failed: %s", strings.TrimSpace(res.Stderr))
		}

		res, err = o.git(ctx, repo, env, "push", "origin", "HEAD:"+branch)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			outcome = OutcomeAppliedLocally
			return nil
		}
		outcome = OutcomePushed
		return nil
	})
	if err != nil {
		return OutcomeFailed, err
	}
	return outcome, nil
}

// CheckoutPathFor derives where a channel's working copy lives under the
// configured work root.
func CheckoutPathFor(workRoot, principal, channelID string) string {
	ref := refSanitizer.ReplaceAllString(channelID, "-")
	return filepath.Join(workRoot, principal, ref)
}
