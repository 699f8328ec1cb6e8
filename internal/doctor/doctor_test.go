package doctor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/taskforge/internal/config"
)

func findResult(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %q check in %v", name, d.Results)
	return CheckResult{}
}

func TestRunWithNilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if got := findResult(t, d, "Config"); got.Status != "FAIL" {
		t.Fatalf("Config status = %s, want FAIL", got.Status)
	}
	if !d.Failed() {
		t.Fatal("Failed() = false with a failing check")
	}
}

func TestRunUnprivilegedConfig(t *testing.T) {
	home := t.TempDir()
	cfg := &config.Config{
		HomeDir:    home,
		DBPath:     filepath.Join(home, "taskforge.db"),
		WorkRoot:   home,
		Privileged: false,
	}
	d := Run(context.Background(), cfg, "test")

	if got := findResult(t, d, "Sudo"); got.Status != "SKIP" {
		t.Fatalf("Sudo status = %s, want SKIP", got.Status)
	}
	if got := findResult(t, d, "Principals"); got.Status != "SKIP" {
		t.Fatalf("Principals status = %s, want SKIP", got.Status)
	}
	if got := findResult(t, d, "Database"); got.Status != "PASS" {
		t.Fatalf("Database status = %s: %s", got.Status, got.Message)
	}
	if got := findResult(t, d, "Work root"); got.Status != "PASS" {
		t.Fatalf("Work root status = %s: %s", got.Status, got.Message)
	}
}

func TestCheckPrincipalsMissingAccounts(t *testing.T) {
	cfg := &config.Config{
		Privileged: true,
		Principals: []string{"taskforge-nonexistent-account-1"},
	}
	got := checkPrincipals(context.Background(), cfg)
	if got.Status != "FAIL" {
		t.Fatalf("status = %s, want FAIL for missing account", got.Status)
	}
}

func TestCheckEngineUnconfigured(t *testing.T) {
	got := checkEngine(context.Background(), &config.Config{})
	if got.Status != "WARN" {
		t.Fatalf("status = %s, want WARN", got.Status)
	}
}

func TestCheckWorkRootMissing(t *testing.T) {
	cfg := &config.Config{WorkRoot: filepath.Join(t.TempDir(), "nope")}
	got := checkWorkRoot(context.Background(), cfg)
	if got.Status != "FAIL" {
		t.Fatalf("status = %s, want FAIL", got.Status)
	}
}
