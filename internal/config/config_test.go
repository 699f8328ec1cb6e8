package config

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.WriteFile(ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadFrom_Defaults(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "privileged: false\n")

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("config file exists, NeedsGenesis should be false")
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level = %q, want info", cfg.LogLevel)
	}
	if cfg.DBPath != filepath.Join(home, "taskforge.db") {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.WorkRoot != filepath.Join(home, "repos") {
		t.Fatalf("work root = %q", cfg.WorkRoot)
	}
	if cfg.Janitor.Schedule != "*/5 * * * *" {
		t.Fatalf("janitor schedule = %q", cfg.Janitor.Schedule)
	}
}

func TestLoadFrom_MissingFileNeedsGenesis(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	if err == nil {
		// Default config has privileged=true with an empty pool, which must fail.
		t.Fatalf("expected validation error, got config %+v", cfg)
	}
}

func TestLoadFrom_PrincipalPool(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
privileged: true
principals: [repo-user-1, repo-user-2]
`)
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Principals) != 2 {
		t.Fatalf("principals = %v", cfg.Principals)
	}
}

func TestLoadFrom_RejectsDuplicatePrincipals(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
privileged: true
principals: [repo-user-1, repo-user-1]
`)
	if _, err := LoadFrom(home); err == nil {
		t.Fatal("expected duplicate principal error")
	}
}

func TestLoadFrom_SecretKeyValidation(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "privileged: false\nsecret_key: \"not base64!!\"\n")
	if _, err := LoadFrom(home); err == nil {
		t.Fatal("expected base64 error")
	}

	short := base64.StdEncoding.EncodeToString([]byte("short"))
	writeConfig(t, home, "privileged: false\nsecret_key: \""+short+"\"\n")
	if _, err := LoadFrom(home); err == nil {
		t.Fatal("expected key length error")
	}

	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	writeConfig(t, home, "privileged: false\nsecret_key: \""+key+"\"\n")
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.SecretKeyBytes()) != 32 {
		t.Fatalf("secret key bytes = %d, want 32", len(cfg.SecretKeyBytes()))
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "privileged: false\nlog_level: info\n")
	t.Setenv("TASKFORGE_LOG_LEVEL", "debug")
	t.Setenv("TELEGRAM_TOKEN", "tg-token-from-env")

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q, want debug", cfg.LogLevel)
	}
	if cfg.Channels.Telegram.Token != "tg-token-from-env" {
		t.Fatalf("telegram token not overridden")
	}
}

func TestWatcher_EmitsOnWrite(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "privileged: false\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(home, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	writeConfig(t, home, "privileged: false\nlog_level: debug\n")

	select {
	case ev := <-w.Events():
		if filepath.Base(ev.Path) != "config.yaml" {
			t.Fatalf("unexpected path %q", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for reload event")
	}
}
