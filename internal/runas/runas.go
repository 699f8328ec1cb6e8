// Package runas executes commands under a dedicated OS principal via sudo.
// Spawn failures (sudo missing, principal unknown, permission denied) surface
// as errors wrapping ErrSpawn; a command that started but exited non-zero is
// NOT an error, the caller inspects Result.ExitCode.
package runas

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/basket/taskforge/internal/audit"
	"github.com/basket/taskforge/internal/shared"
)

// ErrSpawn marks failures to start the process at all, as opposed to the
// process running and exiting non-zero.
var ErrSpawn = errors.New("command failed to spawn")

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Request describes one privileged invocation. Under sudo the Env entries,
// plus a baseline PATH when none is given, are the child's entire environment
// beyond what sudo itself sets; nothing from the runtime's own environment
// crosses the principal boundary.
type Request struct {
	Principal string
	Dir       string
	Env       map[string]string
	Argv      []string
}

// Runner is the execution seam. Tests substitute scripted fakes; production
// wiring uses SudoRunner or, when privilege separation is disabled, LocalRunner.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// SudoRunner runs every request as `sudo -n -u <principal> -- env K=V... argv`.
type SudoRunner struct {
	SudoPath string
	Logger   *slog.Logger
}

func NewSudoRunner(sudoPath string, logger *slog.Logger) *SudoRunner {
	if sudoPath == "" {
		sudoPath = "/usr/bin/sudo"
	}
	return &SudoRunner{SudoPath: sudoPath, Logger: logger}
}

func (r *SudoRunner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Principal == "" {
		audit.Record("deny", "exec.run", "", "empty principal", strings.Join(req.Argv, " "))
		return nil, fmt.Errorf("%w: principal is required", ErrSpawn)
	}
	if len(req.Argv) == 0 {
		audit.Record("deny", "exec.run", req.Principal, "empty argv", "")
		return nil, fmt.Errorf("%w: argv is empty", ErrSpawn)
	}

	args := sudoArgs(req)
	cmd := exec.CommandContext(ctx, r.SudoPath, args...)
	cmd.Dir = req.Dir
	cmd.Env = []string{} // sudo receives the environment via explicit env K=V args

	res, err := runCommand(cmd)
	if err != nil {
		audit.Record("deny", "exec.run", req.Principal, err.Error(), req.Argv[0])
		return nil, err
	}
	audit.Record("allow", "exec.run", req.Principal, "", req.Argv[0])
	if r.Logger != nil {
		r.Logger.Debug("privileged command finished",
			"trace_id", shared.TraceID(ctx),
			"principal", req.Principal,
			"command", req.Argv[0],
			"env", loggableEnv(req.Env),
			"exit_code", res.ExitCode)
	}
	return res, nil
}

// loggableEnv renders the request environment for debug logs with
// secret-looking values masked.
func loggableEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+shared.RedactEnvValue(k, env[k]))
	}
	return out
}

// defaultChildPath is the PATH handed to the sudo child when the request does
// not set one. sudo's secure_path varies by distro and may be absent, and the
// child still has to find git and ssh.
const defaultChildPath = "/usr/local/bin:/usr/bin:/bin"

// sudoArgs builds the full sudo argument vector. Env entries are sorted so
// the invocation is deterministic for a given request, and PATH falls back to
// defaultChildPath when the caller did not pin one.
func sudoArgs(req Request) []string {
	args := []string{"-n", "-u", req.Principal, "--", "env"}
	keys := make([]string, 0, len(req.Env)+1)
	for k := range req.Env {
		keys = append(keys, k)
	}
	if _, ok := req.Env["PATH"]; !ok {
		keys = append(keys, "PATH")
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, ok := req.Env[k]
		if !ok && k == "PATH" {
			v = defaultChildPath
		}
		args = append(args, k+"="+v)
	}
	return append(args, req.Argv...)
}

// LocalRunner runs requests directly as the current user, ignoring the
// principal. It exists for single-user installs and for tests that exercise
// real subprocess behavior without sudo.
type LocalRunner struct {
	Logger *slog.Logger
}

func (r *LocalRunner) Run(ctx context.Context, req Request) (*Result, error) {
	if len(req.Argv) == 0 {
		return nil, fmt.Errorf("%w: argv is empty", ErrSpawn)
	}
	cmd := exec.CommandContext(ctx, req.Argv[0], req.Argv[1:]...)
	cmd.Dir = req.Dir
	// Request entries layer over the runtime's own environment so children
	// still see PATH and friends.
	env := os.Environ()
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+req.Env[k])
	}
	cmd.Env = env

	res, err := runCommand(cmd)
	if err != nil {
		return nil, err
	}
	if r.Logger != nil {
		r.Logger.Debug("local command finished",
			"trace_id", shared.TraceID(ctx),
			"command", req.Argv[0],
			"exit_code", res.ExitCode)
	}
	return res, nil
}

func runCommand(cmd *exec.Cmd) (*Result, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
		}
		return &Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: exitErr.ExitCode(),
		}, nil
	}
	return &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
	}, nil
}
