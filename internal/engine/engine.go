// Package engine invokes the external AI coding engine for a channel's
// checkout and parses its structured stdout report. The engine is an opaque
// command line: it receives a prompt and optional context files, works
// directly in the repository, and must print one JSON report when it exits.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/taskforge/internal/persistence"
	"github.com/basket/taskforge/internal/runas"
	"github.com/basket/taskforge/internal/shared"
)

// ErrBadReport marks engine output that is missing or fails schema
// validation. The engine ran; its report is unusable.
var ErrBadReport = errors.New("engine produced an invalid report")

// reportSchema is the contract the engine's stdout must satisfy.
const reportSchema = `{
	"type": "object",
	"required": ["overall_status", "events"],
	"properties": {
		"overall_status": {"type": "string", "enum": ["success", "failure", "error"]},
		"error": {"type": ["string", "null"]},
		"events": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["type", "content"],
				"properties": {
					"type": {"type": "string"},
					"content": {"type": "string"}
				}
			}
		},
		"received_context_files": {
			"type": "array",
			"items": {"type": "string"}
		}
	}
}`

type Event struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Report is the engine's structured result. Summary() flattens the event
// stream into the text shown back to the channel.
type Report struct {
	OverallStatus        string  `json:"overall_status"`
	Error                string  `json:"error,omitempty"`
	Events               []Event `json:"events"`
	ReceivedContextFiles []string `json:"received_context_files,omitempty"`
}

func (r *Report) Success() bool {
	return r.OverallStatus == "success"
}

func (r *Report) Summary() string {
	var b strings.Builder
	for _, ev := range r.Events {
		if strings.TrimSpace(ev.Content) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(ev.Content)
	}
	return b.String()
}

// Invoker runs the engine command under a repository's principal.
type Invoker struct {
	command string
	args    []string
	timeout time.Duration
	runner  runas.Runner
	schema  *jsonschema.Schema
	logger  *slog.Logger
}

func NewInvoker(command string, args []string, timeout time.Duration, runner runas.Runner, logger *slog.Logger) (*Invoker, error) {
	if command == "" {
		return nil, errors.New("engine command is required")
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(reportSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal report schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add report schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile report schema: %w", err)
	}
	return &Invoker{
		command: command,
		args:    args,
		timeout: timeout,
		runner:  runner,
		schema:  schema,
		logger:  logger,
	}, nil
}

// Invoke runs the engine for the given prompt inside the repository checkout.
// A non-zero exit or an overall_status of "failure" or "error" returns the
// report (when parseable) alongside a descriptive error, so callers can relay
// the engine's own explanation.
func (i *Invoker) Invoke(ctx context.Context, repo *persistence.Repository, prompt string, contextFiles []string) (*Report, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, errors.New("prompt is empty")
	}

	argv := append([]string{i.command}, i.args...)
	argv = append(argv, "--prompt", prompt)
	for _, f := range contextFiles {
		argv = append(argv, "--context-file", f)
	}

	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	started := time.Now()
	res, err := i.runner.Run(ctx, runas.Request{
		Principal: repo.Principal,
		Dir:       repo.CheckoutPath,
		Env:       map[string]string{"HOME": repo.CheckoutPath},
		Argv:      argv,
	})
	if err != nil {
		return nil, fmt.Errorf("engine spawn: %w", err)
	}
	if i.logger != nil {
		i.logger.Info("engine session finished",
			"trace_id", shared.TraceID(ctx),
			"task_id", shared.TaskID(ctx),
			"channel_id", repo.ChannelID,
			"exit_code", res.ExitCode,
			"duration_ms", time.Since(started).Milliseconds())
	}

	report, parseErr := i.parseReport(res.Stdout)
	if parseErr != nil {
		if res.ExitCode != 0 {
			return nil, fmt.Errorf("engine exited %d without a readable report: %s",
				res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		return nil, parseErr
	}

	if !report.Success() || res.ExitCode != 0 {
		reason := report.Error
		if reason == "" {
			reason = fmt.Sprintf("engine exited %d", res.ExitCode)
		}
		return report, fmt.Errorf("engine session failed: %s", reason)
	}
	return report, nil
}

func (i *Invoker) parseReport(stdout string) (*Report, error) {
	raw := strings.TrimSpace(stdout)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty stdout", ErrBadReport)
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadReport, err)
	}
	if err := i.schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadReport, err)
	}

	var report Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadReport, err)
	}
	return &report, nil
}
