// Package credentials materializes decrypted deploy keys as short-lived files
// scoped to a single OS principal. Every Materialize must be paired with a
// Release; the janitor sweeps anything a crash left behind.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskforge/internal/audit"
	"github.com/basket/taskforge/internal/runas"
	"github.com/basket/taskforge/internal/shared"
)

var scopeSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Materializer writes plaintext keys under baseDir with 0600 permissions and
// hands ownership to the target principal so the privileged git process can
// read them. The runtime user keeps no readable copy once chown succeeds.
type Materializer struct {
	baseDir string
	runner  runas.Runner
	logger  *slog.Logger
}

func NewMaterializer(baseDir string, runner runas.Runner, logger *slog.Logger) *Materializer {
	return &Materializer{baseDir: baseDir, runner: runner, logger: logger}
}

// Materialize writes key to a fresh file readable only by principal and
// returns its path. On any failure the partial file is removed before the
// error is returned, so a failed materialization never leaves plaintext
// behind.
func (m *Materializer) Materialize(ctx context.Context, scope, principal string, key []byte) (string, error) {
	if len(key) == 0 {
		audit.Record("deny", "credential.materialize", principal, "empty key", scope)
		return "", errors.New("materialize: key is empty")
	}
	if principal == "" {
		audit.Record("deny", "credential.materialize", "", "empty principal", scope)
		return "", errors.New("materialize: principal is required")
	}
	if err := os.MkdirAll(m.baseDir, 0o700); err != nil {
		return "", fmt.Errorf("materialize: create credential dir: %w", err)
	}

	name := sanitizeScope(scope) + "-" + uuid.NewString() + ".key"
	path := filepath.Join(m.baseDir, name)

	if err := os.WriteFile(path, key, 0o600); err != nil {
		audit.Record("error", "credential.materialize", principal, err.Error(), scope)
		return "", fmt.Errorf("materialize: write key file: %w", err)
	}

	// chown runs as root so ownership can move to the unprivileged principal.
	_, err := m.runner.Run(ctx, runas.Request{
		Principal: "root",
		Argv:      []string{"chown", principal, path},
	})
	if err != nil {
		_ = os.Remove(path)
		audit.Record("error", "credential.materialize", principal, err.Error(), scope)
		return "", fmt.Errorf("materialize: chown to %s: %w", principal, err)
	}

	audit.Record("allow", "credential.materialize", principal, "", scope)
	if m.logger != nil {
		m.logger.Debug("credential materialized",
			"trace_id", shared.TraceID(ctx),
			"scope", scope,
			"principal", principal)
	}
	return path, nil
}

// Release removes a materialized key file. A path that is already gone
// returns nil: release is idempotent so deferred cleanup can run
// unconditionally.
func (m *Materializer) Release(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(filepath.Clean(m.baseDir), filepath.Clean(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		audit.Record("deny", "credential.release", "", "path outside credential dir", path)
		return fmt.Errorf("release: %s is outside the credential directory", path)
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		audit.Record("error", "credential.release", "", err.Error(), path)
		return fmt.Errorf("release: %w", err)
	}
	audit.Record("allow", "credential.release", "", "", path)
	if m.logger != nil {
		m.logger.Debug("credential released", "trace_id", shared.TraceID(ctx), "path", path)
	}
	return nil
}

// SweepOlderThan removes key files whose modification time is older than
// maxAge and returns how many were removed. Crashed operations orphan their
// keys; this is the janitor's cleanup path.
func (m *Materializer) SweepOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("sweep: read credential dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".key") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.baseDir, entry.Name())
		if err := os.Remove(path); err != nil {
			if m.logger != nil {
				m.logger.Warn("failed to sweep orphaned credential",
					"trace_id", shared.TraceID(ctx), "path", path, "error", err)
			}
			continue
		}
		audit.Record("allow", "credential.sweep", "", "expired", path)
		removed++
	}
	if removed > 0 && m.logger != nil {
		m.logger.Info("swept orphaned credentials",
			"trace_id", shared.TraceID(ctx), "removed", removed)
	}
	return removed, nil
}

func sanitizeScope(scope string) string {
	s := scopeSanitizer.ReplaceAllString(scope, "_")
	if s == "" {
		s = "scope"
	}
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}
