package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskforge/internal/audit"
	"github.com/basket/taskforge/internal/bus"
	"github.com/basket/taskforge/internal/channels"
	"github.com/basket/taskforge/internal/config"
	"github.com/basket/taskforge/internal/credentials"
	"github.com/basket/taskforge/internal/cron"
	"github.com/basket/taskforge/internal/doctor"
	"github.com/basket/taskforge/internal/engine"
	"github.com/basket/taskforge/internal/executor"
	"github.com/basket/taskforge/internal/gitops"
	otelPkg "github.com/basket/taskforge/internal/otel"
	"github.com/basket/taskforge/internal/persistence"
	"github.com/basket/taskforge/internal/queue"
	"github.com/basket/taskforge/internal/runas"
	"github.com/basket/taskforge/internal/secrets"
	"github.com/basket/taskforge/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the task runtime

SUBCOMMANDS:
  %s doctor [-json]           Run diagnostic checks
  %s status [-json]           Show per-channel queue state

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKFORGE_HOME          Data directory (default: ~/.taskforge)
  TASKFORGE_SECRET_KEY    Base64 32-byte key for deploy-key encryption
  TELEGRAM_TOKEN          Telegram bot token (when the channel is enabled)
`)
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup("E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so logger-init failures are audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup("E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup("E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup("E_OTEL_INIT", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup("E_DB_OPEN", err)
	}
	defer store.Close()

	secretKey, err := loadSecretKey(cfg)
	if err != nil {
		fatalStartup("E_SECRET_KEY", err)
	}
	cipher, err := secrets.NewSecretBox(secretKey)
	if err != nil {
		fatalStartup("E_SECRET_KEY", err)
	}

	var runner runas.Runner
	if cfg.Privileged {
		runner = runas.NewSudoRunner(cfg.SudoPath, logger)
	} else {
		logger.Warn("privilege separation disabled, commands run as the daemon user")
		runner = &runas.LocalRunner{Logger: logger}
	}

	creds := credentials.NewMaterializer(filepath.Join(cfg.HomeDir, "credentials"), runner, logger)
	git := gitops.NewOperations(cfg.GitPath, runner, creds, cipher, logger)

	invoker, err := engine.NewInvoker(cfg.Engine.Command, cfg.Engine.Args, cfg.EngineTimeout(), runner, logger)
	if err != nil {
		fatalStartup("E_ENGINE_INIT", err)
	}

	events := bus.New()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup("E_METRICS_INIT", err)
	}
	go metrics.Observe(ctx, events)

	exec := executor.New(store, git, invoker, cipher, events, logger, cfg.Principals, cfg.WorkRoot)
	q := queue.New(store, queue.NewRegistry(), exec, events, logger)

	// Crash recovery before any new work is accepted.
	recovered, err := q.RecoverStale(ctx)
	if err != nil {
		fatalStartup("E_RECOVERY", err)
	}
	if recovered > 0 {
		logger.Warn("recovered interrupted channels at startup", "count", recovered)
	}
	if _, err := q.DrivePending(ctx); err != nil {
		logger.Error("startup pending sweep failed", "error", err)
	}

	janitor, err := cron.NewJanitor(cron.Config{
		Queue:            q,
		Credentials:      creds,
		Logger:           logger,
		Schedule:         cfg.Janitor.Schedule,
		CredentialMaxAge: cfg.Janitor.CredentialMaxAge(),
	})
	if err != nil {
		fatalStartup("E_JANITOR_INIT", err)
	}
	janitor.Start(ctx)
	defer janitor.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			current := cfg
			for ev := range watcher.Events() {
				next, err := config.Load()
				if err != nil {
					logger.Warn("config reload skipped", "path", ev.Path, "error", err)
					continue
				}
				applyReload(logger, current, next)
				current = next
			}
		}()
	}

	if cfg.Channels.Telegram.Enabled {
		tg := channels.NewTelegramChannel(
			cfg.Channels.Telegram.Token,
			cfg.Channels.Telegram.AllowedIDs,
			q,
			events,
			logger,
		)
		go func() {
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram channel stopped", "error", err)
			}
		}()
	} else {
		logger.Info("no chat channels enabled; queue accepts work from recovery and future adapters only")
	}

	logger.Info("taskforge running", "privileged", cfg.Privileged, "principals", len(cfg.Principals))
	<-ctx.Done()

	logger.Info("shutting down, waiting for in-flight drives")
	q.Wait()
	logger.Info("shutdown complete", "audit_denies", audit.DenyCount())
}

// applyReload takes the hot-reloadable fields from a freshly loaded config.
// Everything else (database path, principals, channel wiring) is bound at
// startup and only noted as needing a restart.
func applyReload(logger *slog.Logger, old, next config.Config) {
	if next.LogLevel != old.LogLevel {
		telemetry.SetLevel(next.LogLevel)
		logger.Info("log level reloaded", "level", next.LogLevel)
	}
	if next.Janitor.Schedule != old.Janitor.Schedule {
		logger.Warn("janitor schedule changed; restart to apply",
			"schedule", next.Janitor.Schedule)
	}
	if next.Privileged != old.Privileged || next.DBPath != old.DBPath {
		logger.Warn("runtime topology changed; restart to apply")
	}
}

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit the diagnosis as JSON")
	_ = fs.Parse(args)

	var cfgPtr *config.Config
	if cfg, err := config.Load(); err == nil {
		cfgPtr = &cfg
	}

	d := doctor.Run(ctx, cfgPtr, Version)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	} else {
		printDiagnosis(d)
	}

	if d.Failed() {
		return 1
	}
	return 0
}

func printDiagnosis(d doctor.Diagnosis) {
	color := isatty.IsTerminal(os.Stdout.Fd())
	fmt.Printf("taskforge %s on %s/%s (%s)\n\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
	for _, r := range d.Results {
		status := r.Status
		if color {
			switch r.Status {
			case "PASS":
				status = "\033[32mPASS\033[0m"
			case "FAIL":
				status = "\033[31mFAIL\033[0m"
			case "WARN":
				status = "\033[33mWARN\033[0m"
			}
		}
		fmt.Printf("  [%s] %-12s %s\n", status, r.Name, r.Message)
		if r.Detail != "" {
			fmt.Printf("         %s\n", r.Detail)
		}
	}
}

// loadSecretKey returns the configured deploy-key encryption key, generating
// and persisting a fresh one under the home directory on first run.
func loadSecretKey(cfg config.Config) ([]byte, error) {
	if key := cfg.SecretKeyBytes(); key != nil {
		return key, nil
	}

	keyPath := filepath.Join(cfg.HomeDir, "secret.key")
	if raw, err := os.ReadFile(keyPath); err == nil {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("secret key file %s is corrupt: %w", keyPath, err)
		}
		return key, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(keyPath, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("persist secret key: %w", err)
	}
	return key, nil
}

func fatalStartup(code string, err error) {
	audit.Record("error", "startup", "", code+": "+err.Error(), "")
	fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	if errors.Is(err, config.ErrInvalidConfig) {
		fmt.Fprintf(os.Stderr, "check %s\n", config.ConfigPath(config.HomeDir()))
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
