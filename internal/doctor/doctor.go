// Package doctor runs one-shot environment diagnostics: the binaries,
// principals, and database a taskforge deployment needs before it can take
// privileged work.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/taskforge/internal/config"
	"github.com/basket/taskforge/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check ended in FAIL.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkGit,
		checkSudo,
		checkEngine,
		checkPrincipals,
		checkWorkRoot,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (needs genesis)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.HomeDir, "taskforge.db")
	}

	store, err := persistence.Open(dbPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.PendingChannels(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkGit(_ context.Context, cfg *config.Config) CheckResult {
	gitPath := "git"
	if cfg != nil && cfg.GitPath != "" {
		gitPath = cfg.GitPath
	}
	resolved, err := exec.LookPath(gitPath)
	if err != nil {
		return CheckResult{Name: "Git", Status: "FAIL", Message: fmt.Sprintf("%s not found in PATH", gitPath)}
	}
	return CheckResult{Name: "Git", Status: "PASS", Message: resolved}
}

func checkSudo(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Privileged {
		return CheckResult{Name: "Sudo", Status: "SKIP", Message: "Privilege separation disabled"}
	}
	sudoPath := cfg.SudoPath
	if sudoPath == "" {
		sudoPath = "/usr/bin/sudo"
	}
	if _, err := os.Stat(sudoPath); err != nil {
		return CheckResult{
			Name:    "Sudo",
			Status:  "FAIL",
			Message: fmt.Sprintf("%s not found", sudoPath),
			Detail:  "Privileged execution needs a working sudo with NOPASSWD rules for the worker accounts",
		}
	}
	return CheckResult{Name: "Sudo", Status: "PASS", Message: sudoPath}
}

func checkEngine(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Engine.Command == "" {
		return CheckResult{Name: "Engine", Status: "WARN", Message: "No engine command configured"}
	}
	resolved, err := exec.LookPath(cfg.Engine.Command)
	if err != nil {
		return CheckResult{
			Name:    "Engine",
			Status:  "FAIL",
			Message: fmt.Sprintf("%s not found in PATH", cfg.Engine.Command),
		}
	}
	return CheckResult{Name: "Engine", Status: "PASS", Message: resolved}
}

func checkPrincipals(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Privileged {
		return CheckResult{Name: "Principals", Status: "SKIP", Message: "Privilege separation disabled"}
	}
	if len(cfg.Principals) == 0 {
		return CheckResult{Name: "Principals", Status: "FAIL", Message: "No principals configured"}
	}
	var missing []string
	for _, p := range cfg.Principals {
		if _, err := user.Lookup(p); err != nil {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Principals",
			Status:  "FAIL",
			Message: fmt.Sprintf("%d of %d accounts missing", len(missing), len(cfg.Principals)),
			Detail:  fmt.Sprintf("missing OS accounts: %v", missing),
		}
	}
	return CheckResult{Name: "Principals", Status: "PASS", Message: fmt.Sprintf("%d accounts resolvable", len(cfg.Principals))}
}

func checkWorkRoot(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.WorkRoot == "" {
		return CheckResult{Name: "Work root", Status: "WARN", Message: "No work root configured"}
	}
	info, err := os.Stat(cfg.WorkRoot)
	if err != nil {
		return CheckResult{Name: "Work root", Status: "FAIL", Message: fmt.Sprintf("%s: %v", cfg.WorkRoot, err)}
	}
	if !info.IsDir() {
		return CheckResult{Name: "Work root", Status: "FAIL", Message: fmt.Sprintf("%s is not a directory", cfg.WorkRoot)}
	}
	return CheckResult{Name: "Work root", Status: "PASS", Message: cfg.WorkRoot}
}
