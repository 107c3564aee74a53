// Command chainlog runs the append-only audit log daemon and its CLI.
//
// The daemon exposes the HTTP API, the WebSocket live feed, the Prometheus
// endpoint, the Redis event bus consumer and the scheduled chain verifier.
// Every other subcommand either talks to a running daemon (stop, status) or
// operates on the store and config files directly (append, tail, query,
// verify, export, report, actors, watch, rules, config), so the full audit
// workflow works with or without the daemon up.
//
// Usage:
//
//	chainlog                  First-time setup (creates ~/.chainlog)
//	chainlog start [-d]       Start the daemon (foreground or background)
//	chainlog stop             Stop a running daemon
//	chainlog status           Show daemon status and record count
//	chainlog append ...       Append a record to the chain
//	chainlog tail [-f]        Show the newest records, optionally live
//	chainlog query ...        Filtered, paginated record search
//	chainlog verify           Re-verify the hash chain
//	chainlog export ...       Export records as csv, json or jsonl
//	chainlog report ...       Generate a SOC2, HIPAA or ISO27001 report
//	chainlog actors [name]    List tracked actors or inspect one
//	chainlog watch <actor>    Put an actor on the watchlist
//	chainlog unwatch <actor>  Remove an actor from the watchlist
//	chainlog rules ...        List, add, remove and test alert rules
//	chainlog config ...       Show or edit the configuration
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/chainlog/chainlog/internal/actor"
	"github.com/chainlog/chainlog/internal/alert"
	"github.com/chainlog/chainlog/internal/audit"
	"github.com/chainlog/chainlog/internal/config"
	"github.com/chainlog/chainlog/internal/ingest"
	"github.com/chainlog/chainlog/internal/metrics"
	"github.com/chainlog/chainlog/internal/server"
)

// Build-time variables, set via -ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// configDir is the root for config.yaml, rules.yaml, actors.yaml,
// watchlist.yaml, the PID file and (by default) the data directory.
// Set by the persistent --config-dir flag.
var configDir string

// defaultConfigDir returns ~/.chainlog, falling back to a relative
// directory when the home directory cannot be resolved.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chainlog"
	}
	return filepath.Join(home, ".chainlog")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chainlog",
	Short: "Append-only, hash-chained audit log",
	Long: `Chainlog is a tamper-evident audit log for security operations.

Every record is sealed with a SHA-256 hash covering its content and the
hash of its predecessor, so any post-hoc modification of the stored chain
is detectable. Records land in daily JSONL files with a SQLite index for
queries, and the daemon serves an HTTP API, a WebSocket live feed and
Prometheus metrics on top of the same store.

Run with no arguments for first-time setup.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Store-direct commands keep package logs quiet. The daemon
		// raises the level back to Info in runStart.
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})))
	},
	RunE: runFirstTimeSetup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(),
		"Directory for config, rules, actor state and data")
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate)

	// start
	startCmd.Flags().BoolVarP(&daemonMode, "daemon", "d", false,
		"Run in the background, logging to <config-dir>/chainlog.log")

	// append
	appendCmd.Flags().StringVar(&appendEventType, "event-type", "",
		"Event type: LOGIN, LOGOUT, INCIDENT_CREATED, INCIDENT_UPDATED, INCIDENT_RESOLVED, RESPONSE_TRIGGERED, WORKFLOW_EXECUTED, CONFIG_CHANGED, USER_CREATED, USER_DELETED, PERMISSION_CHANGED, DATA_EXPORTED")
	appendCmd.Flags().StringVar(&appendActor, "actor", "", "Acting principal (user or service name)")
	appendCmd.Flags().StringVar(&appendRole, "role", "", "Actor role: admin, analyst or auditor (default analyst)")
	appendCmd.Flags().StringVar(&appendTarget, "target", "", "Resource the action applied to")
	appendCmd.Flags().StringVar(&appendTargetType, "target-type", "",
		"Target class: incident, workflow, user, config or system (default system)")
	appendCmd.Flags().StringVar(&appendAction, "action", "", "Machine action code (default derived from event type)")
	appendCmd.Flags().StringVar(&appendStatus, "status", "", "Outcome: success, failure or pending (default success)")
	appendCmd.Flags().StringVar(&appendDesc, "description", "", "Human-readable description")
	appendCmd.Flags().StringArrayVar(&appendMeta, "meta", nil, "Metadata key=value pair (repeatable)")
	appendCmd.MarkFlagRequired("event-type")
	appendCmd.MarkFlagRequired("actor")
	appendCmd.MarkFlagRequired("target")

	// tail
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of records to show")
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "Keep printing records as they are appended")

	// query
	queryCmd.Flags().StringVar(&queryEventType, "event-type", "", "Filter by event type")
	queryCmd.Flags().StringVar(&queryTargetType, "target-type", "", "Filter by target type")
	queryCmd.Flags().StringVar(&queryStatus, "status", "", "Filter by status")
	queryCmd.Flags().StringVar(&queryActor, "actor", "", "Filter by actor substring")
	queryCmd.Flags().StringVar(&querySearch, "search", "", "Substring search over description, actor and target")
	queryCmd.Flags().StringVar(&queryFrom, "from", "", "Lower date bound (YYYY-MM-DD or RFC3339)")
	queryCmd.Flags().StringVar(&queryTo, "to", "", "Upper date bound (YYYY-MM-DD or RFC3339)")
	queryCmd.Flags().IntVar(&queryPage, "page", 1, "Result page (1-based)")
	queryCmd.Flags().IntVar(&queryLimit, "limit", audit.DefaultPageLimit, "Records per page")

	// verify
	verifyCmd.Flags().Uint64Var(&verifyFrom, "from", 0, "First sequence number to verify (0 = chain start)")
	verifyCmd.Flags().Uint64Var(&verifyTo, "to", 0, "Last sequence number to verify (0 = chain end)")

	// export
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Output format: csv, json or jsonl")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to a file instead of stdout")
	exportCmd.Flags().StringVar(&exportEventType, "event-type", "", "Filter by event type")
	exportCmd.Flags().StringVar(&exportTargetType, "target-type", "", "Filter by target type")
	exportCmd.Flags().StringVar(&exportStatus, "status", "", "Filter by status")
	exportCmd.Flags().StringVar(&exportActor, "actor", "", "Filter by actor substring")
	exportCmd.Flags().StringVar(&exportSearch, "search", "", "Substring search over description, actor and target")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Lower date bound (YYYY-MM-DD or RFC3339)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Upper date bound (YYYY-MM-DD or RFC3339)")

	// report
	reportCmd.Flags().StringVar(&reportType, "type", "", "Report type: SOC2, HIPAA or ISO27001")
	reportCmd.Flags().StringVar(&reportStart, "start", "", "Period start (YYYY-MM-DD or RFC3339, default: all history)")
	reportCmd.Flags().StringVar(&reportEnd, "end", "", "Period end (YYYY-MM-DD or RFC3339, default: now)")
	reportCmd.Flags().BoolVar(&reportMarkdown, "markdown", false, "Render as Markdown instead of JSON")
	reportCmd.Flags().StringVarP(&reportOutput, "output", "o", "", "Write to a file instead of stdout")
	reportCmd.MarkFlagRequired("type")

	// watch
	watchCmd.Flags().StringVar(&watchReason, "reason", "", "Why the actor is being watched (required)")
	watchCmd.MarkFlagRequired("reason")

	rulesCmd.AddCommand(rulesListCmd, rulesAddCmd, rulesRemoveCmd, rulesTestCmd)
	configCmd.AddCommand(configShowCmd, configEditCmd)

	rootCmd.AddCommand(
		startCmd, stopCmd, statusCmd,
		appendCmd, tailCmd, queryCmd, verifyCmd, exportCmd, reportCmd,
		actorsCmd, watchCmd, unwatchCmd,
		rulesCmd, configCmd,
	)
}

// ============================================================================
// First-time setup
// ============================================================================

func runFirstTimeSetup(cmd *cobra.Command, args []string) error {
	fmt.Printf("=== Chainlog v%s First-Time Setup ===\n\n", version)

	configPath := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n\n", configPath)
		fmt.Println("  chainlog start          Start the daemon")
		fmt.Println("  chainlog config edit    Modify the configuration")
		fmt.Println("  chainlog --help         Everything else")
		return nil
	}

	fmt.Printf("Creating config directory: %s\n", configDir)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	fmt.Println("Writing default config.yaml")
	if err := config.WriteDefault(configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Println("Writing default rules.yaml (built-in alert rules enabled)")
	if err := alert.WriteDefaultRules(filepath.Join(configDir, "rules.yaml")); err != nil {
		return fmt.Errorf("failed to write rules: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(configDir, "data"), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	fmt.Println()
	fmt.Println("Setup complete. Next steps:")
	fmt.Println()
	fmt.Println("  1. Start the daemon:")
	fmt.Println("       chainlog start")
	fmt.Println()
	fmt.Println("  2. Append your first record:")
	fmt.Println("       chainlog append --event-type LOGIN --actor alice --target auth-portal")
	fmt.Println()
	fmt.Println("  3. Or POST to the API:")
	fmt.Println("       curl -X POST http://127.0.0.1:8640/api/v1/logs \\")
	fmt.Println(`         -d '{"event_type":"INCIDENT_CREATED","actor":"edr","target_resource":"INC-1"}'`)
	fmt.Println()
	fmt.Println("  4. Verify the chain any time:")
	fmt.Println("       chainlog verify")
	return nil
}

// ============================================================================
// start
// ============================================================================

var daemonMode bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the chainlog daemon",
	Long: `Start the audit log daemon: HTTP API, WebSocket live feed, Prometheus
metrics, the Redis event bus consumer (if configured) and the scheduled
chain verifier.

Runs in the foreground by default. With -d it forks into the background
and appends its output to <config-dir>/chainlog.log.`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	if daemonMode && os.Getenv("CHAINLOG_DAEMONIZED") != "1" {
		return spawnDaemon()
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Printf("[chainlog] v%s (commit %s, built %s)\n", version, commit, buildDate)
	fmt.Printf("[chainlog] Config dir: %s\n", configDir)

	rulesPath := filepath.Join(configDir, "rules.yaml")
	ruleEngine, err := alert.New(rulesPath)
	if err != nil {
		return fmt.Errorf("failed to load alert rules: %w", err)
	}
	fmt.Printf("[chainlog] Loaded %d alert rules (%d builtin, %d custom)\n",
		ruleEngine.TotalRules(), ruleEngine.BuiltinCount(), ruleEngine.CustomCount())

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(configDir, "data")
	}
	auditLog, err := audit.Open(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer auditLog.Close()
	fmt.Printf("[chainlog] Audit store: %s (%d records)\n", dataDir, auditLog.LastSeq())

	registry, err := actor.NewRegistry(filepath.Join(configDir, "actors.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load actor registry: %w", err)
	}
	watchlist, err := actor.NewWatchlist(filepath.Join(configDir, "watchlist.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load watchlist: %w", err)
	}

	tracker := alert.NewFailureTracker(cfg.Alerts.FailureThreshold,
		time.Duration(cfg.Alerts.FailureWindowMinutes)*time.Minute)

	// The server signals here when /shutdown is hit.
	shutdownCh := make(chan struct{}, 1)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	var srv *server.Server

	// fanout runs after every committed append, whether it arrived over
	// HTTP or the event bus: metrics, actor stats, the live feed, rule
	// evaluation, watchlist flagging and the repeated-failure detector.
	fanout := func(rec *audit.Record) {
		metrics.AppendsTotal.WithLabelValues(string(rec.EventType), string(rec.Status)).Inc()
		registry.Touch(rec.Actor, string(rec.ActorRole), rec.Status == audit.StatusFailure)
		srv.BroadcastRecord(rec)

		raise := func(a alert.Alert) {
			metrics.AlertsTotal.WithLabelValues(a.Severity, a.Rule).Inc()
			srv.BroadcastAlert(a, rec)
			slog.Warn("alert raised",
				"rule", a.Rule, "severity", a.Severity,
				"actor", rec.Actor, "seq", rec.Seq, "message", a.Message)
		}

		if a := ruleEngine.Evaluate(rec); a.Actionable() {
			raise(a)
		}

		if watchlist.IsWatched(rec.Actor) {
			registry.SetStatus(rec.Actor, actor.StatusWatched)
			raise(alert.Alert{
				Severity: alert.SeverityCritical,
				Rule:     alert.RuleWatchlistActivity,
				Message:  fmt.Sprintf("watched actor %q: %s on %s", rec.Actor, rec.Action, rec.TargetResource),
			})
		}

		if rec.Status == audit.StatusFailure {
			if count, crossed := tracker.Observe(rec.Actor, time.Now()); crossed {
				raise(alert.Alert{
					Severity: alert.SeverityCritical,
					Rule:     alert.RuleRepeatedFailures,
					Message:  fmt.Sprintf("%d failures by %q within %s", count, rec.Actor, tracker.Window()),
				})
			}
		}
	}

	srv = server.New(server.Options{
		Addr:      addr,
		Log:       auditLog,
		Registry:  registry,
		Watchlist: watchlist,
		Alerts:    ruleEngine,
		RulesPath: rulesPath,
		Auth:      cfg.Auth,
		OnAppend:  fanout,
		OnShutdown: func() {
			select {
			case shutdownCh <- struct{}{}:
			default:
			}
		},
	})

	if cfg.Auth.Enabled {
		fmt.Println("[chainlog] API auth enabled (bearer JWT)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Ingest.Enabled {
		consumer := ingest.New(cfg.Ingest.RedisAddr, cfg.Ingest.RedisDB, cfg.Ingest.Channels, auditLog, fanout)
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("event bus consumer stopped", "error", err)
			}
		}()
		fmt.Printf("[chainlog] Event bus ingest: %s db %d, patterns %s\n",
			cfg.Ingest.RedisAddr, cfg.Ingest.RedisDB, strings.Join(cfg.Ingest.Channels, " "))
	}

	var cronRunner *cron.Cron
	if cfg.Verify.Schedule != "" {
		cronRunner = cron.New()
		_, err := cronRunner.AddFunc(cfg.Verify.Schedule, func() {
			report, verr := auditLog.Verify(context.Background(), 0, 0)
			if verr != nil {
				slog.Error("scheduled verification failed", "error", verr)
				return
			}
			metrics.RecordVerification("schedule", report.ChainIntegrity, report.TamperedCount)
			srv.BroadcastVerification(report)
			if report.IsValid {
				slog.Info("chain verification passed", "records", report.ValidCount)
			} else {
				slog.Error("chain verification found tampering",
					"findings", len(report.Findings),
					"tampered", report.TamperedCount,
					"first_break_seq", report.FirstBreakSeq)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid verify schedule %q: %w", cfg.Verify.Schedule, err)
		}
		cronRunner.Start()
		fmt.Printf("[chainlog] Scheduled verification: %s\n", cfg.Verify.Schedule)
	}

	// Hot reload: `chainlog rules add` and `chainlog watch` write YAML
	// files; the watcher picks the changes up without a restart.
	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnRulesChange: func() {
			if rerr := ruleEngine.Reload(rulesPath); rerr != nil {
				slog.Error("rules reload failed", "error", rerr)
				return
			}
			fmt.Printf("[chainlog] Alert rules reloaded (%d total)\n", ruleEngine.TotalRules())
		},
		OnWatchlistChange: func() {
			if rerr := watchlist.Reload(); rerr != nil {
				slog.Error("watchlist reload failed", "error", rerr)
				return
			}
			syncWatchStatus(registry, watchlist)
			fmt.Println("[chainlog] Watchlist reloaded")
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}
	defer watcher.Close()

	pidPath := filepath.Join(configDir, "chainlog.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer os.Remove(pidPath)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	fmt.Printf("[chainlog] API listening on http://%s\n", addr)
	if !daemonMode {
		fmt.Println("[chainlog] Press Ctrl+C to stop")
	}

	select {
	case <-ctx.Done():
		fmt.Println("\n[chainlog] Shutting down (signal)")
	case <-shutdownCh:
		fmt.Println("[chainlog] Shutting down (stop requested)")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	if cronRunner != nil {
		cronRunner.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[chainlog] Shutdown error: %v\n", err)
	}

	if err := registry.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "[chainlog] Warning: failed to save actor registry: %v\n", err)
	}

	fmt.Println("[chainlog] Stopped")
	return nil
}

// syncWatchStatus reconciles registry statuses after a watchlist reload:
// watched actors get flagged, actors removed from the watchlist go back
// to active.
func syncWatchStatus(registry *actor.Registry, watchlist *actor.Watchlist) {
	for _, a := range registry.List() {
		switch {
		case watchlist.IsWatched(a.Name) && a.Status != actor.StatusWatched:
			registry.SetStatus(a.Name, actor.StatusWatched)
		case !watchlist.IsWatched(a.Name) && a.Status == actor.StatusWatched:
			registry.SetStatus(a.Name, actor.StatusActive)
		}
	}
}

// spawnDaemon re-executes the binary with CHAINLOG_DAEMONIZED set and
// stdout/stderr redirected to the log file, then detaches.
func spawnDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	logPath := filepath.Join(configDir, "chainlog.log")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, "start", "-d", "--config-dir", configDir)
	child.Env = append(os.Environ(), "CHAINLOG_DAEMONIZED=1")
	child.Stdout = logFile
	child.Stderr = logFile

	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("[chainlog] Daemon started (pid %d)\n", child.Process.Pid)
	fmt.Printf("[chainlog] Logs: %s\n", logPath)
	return child.Process.Release()
}

// ============================================================================
// stop / status
// ============================================================================

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	Long: `Ask the daemon to shut down via its local /shutdown endpoint. If the
endpoint is unreachable, falls back to the PID file and SIGTERM.`,
	RunE: runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Clean path first: the daemon flushes state and removes its own
	// PID file.
	url := fmt.Sprintf("http://%s:%d/shutdown", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 3 * time.Second}
	if resp, herr := client.Post(url, "application/json", nil); herr == nil {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Println("[chainlog] Daemon stopping")
			return nil
		}
	}

	pidPath := filepath.Join(configDir, "chainlog.pid")
	data, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("[chainlog] Daemon does not appear to be running")
			return nil
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("invalid PID file %s: %w", pidPath, err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("process %d not found: %w", pid, err)
	}

	if runtime.GOOS == "windows" {
		err = proc.Kill()
	} else {
		err = proc.Signal(syscall.SIGTERM)
	}
	if err != nil {
		return fmt.Errorf("failed to stop process %d: %w", pid, err)
	}

	os.Remove(pidPath)
	fmt.Printf("[chainlog] Sent stop signal to pid %d\n", pid)
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and record count",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	base := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(base + "/health")
	if err != nil {
		fmt.Println("[chainlog] Status: NOT RUNNING")
		fmt.Printf("[chainlog] Expected at %s\n", base)
		return nil
	}
	resp.Body.Close()

	fmt.Println("[chainlog] Status: RUNNING")
	fmt.Printf("[chainlog] Listening on %s\n", base)

	if data, perr := os.ReadFile(filepath.Join(configDir, "chainlog.pid")); perr == nil {
		fmt.Printf("[chainlog] PID: %s\n", strings.TrimSpace(string(data)))
	}

	qResp, err := client.Get(base + "/api/v1/logs?limit=1")
	if err != nil {
		return nil
	}
	defer qResp.Body.Close()

	if qResp.StatusCode == http.StatusUnauthorized {
		fmt.Println("[chainlog] Auth enabled; pass a bearer token to query the API")
		return nil
	}
	if qResp.StatusCode != http.StatusOK {
		return nil
	}

	body, err := io.ReadAll(qResp.Body)
	if err != nil {
		return nil
	}
	var result struct {
		Total   int `json:"total"`
		Records []struct {
			Seq       uint64 `json:"seq"`
			Timestamp string `json:"timestamp"`
		} `json:"records"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil
	}

	fmt.Printf("[chainlog] Records: %d\n", result.Total)
	if len(result.Records) > 0 {
		fmt.Printf("[chainlog] Latest: seq %d at %s\n", result.Records[0].Seq, result.Records[0].Timestamp)
	}
	return nil
}

// ============================================================================
// append
// ============================================================================

var (
	appendEventType  string
	appendActor      string
	appendRole       string
	appendTarget     string
	appendTargetType string
	appendAction     string
	appendStatus     string
	appendDesc       string
	appendMeta       []string
)

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append a record to the audit chain",
	Long: `Append a record directly to the store. Works whether or not the daemon
is running: concurrent writers are serialized by the store itself.

Example:

  chainlog append --event-type RESPONSE_TRIGGERED --actor soar \
    --target host-42 --target-type incident --status success \
    --description "isolated host after EDR detection" --meta incident=INC-7`,
	RunE: runAppend,
}

func runAppend(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	eventType, err := audit.ParseEventType(appendEventType)
	if err != nil {
		return err
	}

	ev := audit.Event{
		EventType:      eventType,
		Actor:          appendActor,
		ActorRole:      audit.ActorRole(strings.ToLower(appendRole)),
		TargetResource: appendTarget,
		TargetType:     audit.TargetType(strings.ToLower(appendTargetType)),
		Action:         appendAction,
		Status:         audit.Status(strings.ToLower(appendStatus)),
		Description:    appendDesc,
	}

	if len(appendMeta) > 0 {
		ev.Metadata = make(map[string]string, len(appendMeta))
		for _, kv := range appendMeta {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return fmt.Errorf("invalid --meta %q (want key=value)", kv)
			}
			ev.Metadata[k] = v
		}
	}

	rec, err := store.Append(context.Background(), ev)
	if err != nil {
		return fmt.Errorf("append failed: %w", err)
	}

	fmt.Printf("[chainlog] Appended seq %d %s (log_id %s)\n", rec.Seq, rec.EventType, rec.LogID)
	fmt.Printf("[chainlog] Hash: %s\n", rec.IntegrityHash)
	return nil
}

// ============================================================================
// tail / query
// ============================================================================

var (
	tailLimit  int
	tailFollow bool
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the newest records",
	Long: `Print the newest records in chronological order. With -f, keep the
store open and print each new record as it is appended, like tail -f.`,
	RunE: runTail,
}

func runTail(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Tail(tailLimit)
	if err != nil {
		return fmt.Errorf("failed to read records: %w", err)
	}

	// Tail returns newest first. Print oldest first so the terminal
	// reads top to bottom like tail(1), which also lines up with -f.
	for i := len(records) - 1; i >= 0; i-- {
		printRecord(records[i])
	}

	if !tailFollow {
		return nil
	}

	return store.Follow(context.Background(), func(r audit.Record) {
		printRecord(r)
	})
}

var (
	queryEventType  string
	queryTargetType string
	queryStatus     string
	queryActor      string
	querySearch     string
	queryFrom       string
	queryTo         string
	queryPage       int
	queryLimit      int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Search records with filters and pagination",
	Long: `Query the store through its index. All filters combine with AND.

Examples:

  chainlog query --status failure --actor mallory
  chainlog query --event-type DATA_EXPORTED --from 2026-08-01 --to 2026-08-21
  chainlog query --search "isolated host" --page 2 --limit 50`,
	RunE: runQuery,
}

func runQuery(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	f, err := buildFilter(queryEventType, queryTargetType, queryStatus, queryActor, querySearch, queryFrom, queryTo)
	if err != nil {
		return err
	}

	result, err := store.Query(context.Background(), f, queryPage, queryLimit)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	for _, r := range result.Records {
		printRecord(r)
	}
	fmt.Printf("[chainlog] %d of %d records (page %d, limit %d)\n",
		len(result.Records), result.Total, result.Page, result.Limit)
	return nil
}

// ============================================================================
// verify
// ============================================================================

var (
	verifyFrom uint64
	verifyTo   uint64
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-verify the hash chain",
	Long: `Recompute every record's integrity hash and check the chain linkage
and sequence continuity. Exits non-zero when the chain is broken, so it
can gate scripts and CI jobs.`,
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	report, err := store.Verify(context.Background(), verifyFrom, verifyTo)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	checked := report.ValidCount + report.TamperedCount
	if report.IsValid {
		fmt.Printf("[chainlog] Chain VALID: %d records verified, no findings\n", checked)
		return nil
	}

	fmt.Printf("[chainlog] Chain INVALID: %d findings across %d records (first break at seq %d)\n",
		len(report.Findings), checked, report.FirstBreakSeq)
	for _, f := range report.Findings {
		fmt.Printf("  seq %-6d %-14s %s\n", f.Seq, f.Kind, f.Detail)
	}
	return errors.New("audit chain integrity violation")
}

// ============================================================================
// export / report
// ============================================================================

var (
	exportFormat     string
	exportOutput     string
	exportEventType  string
	exportTargetType string
	exportStatus     string
	exportActor      string
	exportSearch     string
	exportFrom       string
	exportTo         string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export records as csv, json or jsonl",
	Long: `Stream matching records to stdout or a file. The same filters as
query apply; jsonl preserves every field including the hashes, csv is a
spreadsheet-friendly subset.`,
	RunE: runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	f, err := buildFilter(exportEventType, exportTargetType, exportStatus, exportActor, exportSearch, exportFrom, exportTo)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if exportOutput != "" {
		file, ferr := os.Create(exportOutput)
		if ferr != nil {
			return fmt.Errorf("failed to create %s: %w", exportOutput, ferr)
		}
		defer file.Close()
		w = file
	}

	if err := store.Export(context.Background(), w, exportFormat, f); err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	if exportOutput != "" {
		fmt.Printf("[chainlog] Exported to %s\n", exportOutput)
	}
	return nil
}

var (
	reportType     string
	reportStart    string
	reportEnd      string
	reportMarkdown bool
	reportOutput   string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a compliance report",
	Long: `Aggregate the records of a period into a SOC2, HIPAA or ISO27001
report: event statistics, threshold findings and recommendations, plus a
fresh chain verification over the period.

Example:

  chainlog report --type SOC2 --start 2026-08-01 --markdown -o soc2-august.md`,
	RunE: runReport,
}

func runReport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	typ, err := audit.ParseReportType(reportType)
	if err != nil {
		return err
	}

	var start, end time.Time
	if reportStart != "" {
		if start, err = audit.ParseDateBound(reportStart, false); err != nil {
			return err
		}
	}
	if reportEnd != "" {
		if end, err = audit.ParseDateBound(reportEnd, true); err != nil {
			return err
		}
	} else {
		end = time.Now()
	}

	rep, err := store.GenerateReport(context.Background(), typ, start, end)
	if err != nil {
		return fmt.Errorf("report generation failed: %w", err)
	}

	var rendered []byte
	if reportMarkdown {
		rendered = []byte(rep.Markdown())
	} else {
		rendered, err = json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		rendered = append(rendered, '\n')
	}

	if reportOutput != "" {
		if err := os.WriteFile(reportOutput, rendered, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", reportOutput, err)
		}
		fmt.Printf("[chainlog] Report written to %s\n", reportOutput)
		return nil
	}

	fmt.Print(string(rendered))
	return nil
}

// ============================================================================
// actors / watch / unwatch
// ============================================================================

var actorsCmd = &cobra.Command{
	Use:   "actors [name]",
	Short: "List tracked actors or inspect one",
	Long: `Without arguments, list every actor seen in the audit stream with
activity stats. With a name, show that actor's full details including
the watchlist entry if one exists.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runActors,
}

func runActors(cmd *cobra.Command, args []string) error {
	registry, err := actor.NewRegistry(filepath.Join(configDir, "actors.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load actor registry: %w", err)
	}
	watchlist, err := actor.NewWatchlist(filepath.Join(configDir, "watchlist.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load watchlist: %w", err)
	}

	if len(args) == 1 {
		a, err := registry.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Actor:        %s\n", a.Name)
		fmt.Printf("Status:       %s\n", a.Status)
		fmt.Printf("Role:         %s\n", a.Role)
		fmt.Printf("First seen:   %s\n", a.FirstSeen.Format(time.RFC3339))
		fmt.Printf("Last seen:    %s\n", a.LastSeen.Format(time.RFC3339))
		fmt.Printf("Total events: %d\n", a.Stats.TotalEvents)
		fmt.Printf("Failed:       %d\n", a.Stats.FailedEvents)
		for _, e := range watchlist.List() {
			if e.Actor == a.Name {
				fmt.Printf("Watched:      since %s by %s (%s)\n",
					e.AddedAt.Format(time.RFC3339), e.AddedBy, e.Reason)
			}
		}
		return nil
	}

	actors := registry.List()
	if len(actors) == 0 {
		fmt.Println("[chainlog] No actors recorded yet")
		return nil
	}

	fmt.Printf("%-20s %-9s %-9s %8s %8s  %s\n", "ACTOR", "STATUS", "ROLE", "EVENTS", "FAILED", "LAST SEEN")
	for _, a := range actors {
		fmt.Printf("%-20s %-9s %-9s %8d %8d  %s\n",
			a.Name, a.Status, a.Role, a.Stats.TotalEvents, a.Stats.FailedEvents,
			a.LastSeen.Format("2006-01-02 15:04:05"))
	}
	return nil
}

var watchReason string

var watchCmd = &cobra.Command{
	Use:   "watch <actor>",
	Short: "Put an actor on the watchlist",
	Long: `Add an actor to the watchlist. Every subsequent record attributed to
a watched actor raises a critical alert on the live feed. A running
daemon picks the change up immediately via the file watcher.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	watchlist, err := actor.NewWatchlist(filepath.Join(configDir, "watchlist.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load watchlist: %w", err)
	}
	if err := watchlist.Add(args[0], watchReason, "cli"); err != nil {
		return err
	}
	fmt.Printf("[chainlog] Watching %q (reason: %s)\n", args[0], watchReason)
	return nil
}

var unwatchCmd = &cobra.Command{
	Use:   "unwatch <actor>",
	Short: "Remove an actor from the watchlist",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnwatch,
}

func runUnwatch(cmd *cobra.Command, args []string) error {
	watchlist, err := actor.NewWatchlist(filepath.Join(configDir, "watchlist.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load watchlist: %w", err)
	}
	if err := watchlist.Remove(args[0]); err != nil {
		return err
	}
	fmt.Printf("[chainlog] Stopped watching %q\n", args[0])
	return nil
}

// ============================================================================
// rules
// ============================================================================

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage alert rules",
	Long: `List, add, remove and test the alert rules in rules.yaml. A running
daemon reloads the file automatically after add and remove.`,
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all alert rules",
	RunE:  runRulesList,
}

func runRulesList(cmd *cobra.Command, args []string) error {
	engine, err := alert.New(filepath.Join(configDir, "rules.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	rules := engine.ListRules()
	if len(rules) == 0 {
		fmt.Println("[chainlog] No rules configured")
		return nil
	}

	fmt.Printf("%-28s %-8s %-9s %s\n", "NAME", "SOURCE", "SEVERITY", "MESSAGE")
	for _, r := range rules {
		source := "custom"
		if r.Builtin {
			source = "builtin"
		}
		fmt.Printf("%-28s %-8s %-9s %s\n", r.Name, source, r.Severity, r.Message)
	}
	return nil
}

var rulesAddCmd = &cobra.Command{
	Use:   "add <rule-file.yaml>",
	Short: "Add a custom alert rule from a YAML file",
	Long: `Add a custom rule. The file holds one rule document:

  name: flag_bulk_export
  match:
    event_type: DATA_EXPORTED
    target: "db-*"
  severity: critical
  message: bulk export from a production database

Custom rules are evaluated before the built-ins; first match wins.`,
	Args: cobra.ExactArgs(1),
	RunE: runRulesAdd,
}

func runRulesAdd(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read rule file: %w", err)
	}

	rulesPath := filepath.Join(configDir, "rules.yaml")
	engine, err := alert.New(rulesPath)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	if err := engine.AddRule(string(data)); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}
	if err := engine.Save(rulesPath); err != nil {
		return fmt.Errorf("failed to save rules: %w", err)
	}

	fmt.Printf("[chainlog] Rule added (%d rules total)\n", engine.TotalRules())
	return nil
}

var rulesRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a custom alert rule",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesRemove,
}

func runRulesRemove(cmd *cobra.Command, args []string) error {
	rulesPath := filepath.Join(configDir, "rules.yaml")
	engine, err := alert.New(rulesPath)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	if err := engine.RemoveRule(args[0]); err != nil {
		return err
	}
	if err := engine.Save(rulesPath); err != nil {
		return fmt.Errorf("failed to save rules: %w", err)
	}

	fmt.Printf("[chainlog] Rule %q removed\n", args[0])
	return nil
}

var rulesTestCmd = &cobra.Command{
	Use:   "test <record-json>",
	Short: "Evaluate a record against the rules without storing it",
	Long: `Dry-run the rule set against a hypothetical record:

  chainlog rules test '{"event_type":"USER_DELETED","actor":"mallory","target_resource":"u-7"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runRulesTest,
}

func runRulesTest(cmd *cobra.Command, args []string) error {
	engine, err := alert.New(filepath.Join(configDir, "rules.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	a, err := engine.TestJSON(args[0])
	if err != nil {
		return fmt.Errorf("invalid test record: %w", err)
	}

	switch {
	case a.Actionable():
		fmt.Printf("[chainlog] ALERT (%s) rule %q: %s\n", a.Severity, a.Rule, a.Message)
	case a.Rule != "":
		fmt.Printf("[chainlog] suppressed by rule %q (severity ignore)\n", a.Rule)
	default:
		fmt.Println("[chainlog] no alert (no rule matched)")
	}
	return nil
}

// ============================================================================
// config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or edit the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active config file",
	RunE:  runConfigShow,
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	path := filepath.Join(configDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("[chainlog] No config at %s (run 'chainlog' to set up)\n", path)
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	fmt.Printf("# %s\n\n%s", path, data)
	return nil
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the config file in $EDITOR",
	RunE:  runConfigEdit,
}

func runConfigEdit(cmd *cobra.Command, args []string) error {
	path := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
		fmt.Printf("[chainlog] Created default config at %s\n", path)
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		if runtime.GOOS == "windows" {
			editor = "notepad"
		} else {
			editor = "vi"
		}
	}

	edit := exec.Command(editor, path)
	edit.Stdin = os.Stdin
	edit.Stdout = os.Stdout
	edit.Stderr = os.Stderr
	return edit.Run()
}

// ============================================================================
// Helpers
// ============================================================================

// openStore loads the config and opens the same audit store the daemon
// uses. Safe alongside a running daemon: the store detects and resyncs
// from concurrent writers.
func openStore() (*audit.Log, error) {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(configDir, "data")
	}
	return audit.Open(dataDir)
}

// buildFilter converts the raw flag strings of query and export into a
// validated store filter.
func buildFilter(eventType, targetType, status, actorName, search, from, to string) (audit.Filter, error) {
	var f audit.Filter

	if eventType != "" {
		t, err := audit.ParseEventType(eventType)
		if err != nil {
			return f, err
		}
		f.EventType = t
	}
	if targetType != "" {
		tt := audit.TargetType(strings.ToLower(strings.TrimSpace(targetType)))
		if !tt.Valid() {
			return f, fmt.Errorf("unknown target type %q", targetType)
		}
		f.TargetType = tt
	}
	if status != "" {
		st := audit.Status(strings.ToLower(strings.TrimSpace(status)))
		if !st.Valid() {
			return f, fmt.Errorf("unknown status %q", status)
		}
		f.Status = st
	}
	f.Actor = actorName
	f.Search = search

	if from != "" {
		t, err := audit.ParseDateBound(from, false)
		if err != nil {
			return f, err
		}
		f.From = t
	}
	if to != "" {
		t, err := audit.ParseDateBound(to, true)
		if err != nil {
			return f, err
		}
		f.To = t
	}
	return f, nil
}

// printRecord renders one record as a terminal row. Failures are
// uppercased so they stand out when scanning.
func printRecord(r audit.Record) {
	ts := r.Timestamp
	if t, err := r.Time(); err == nil {
		ts = t.Local().Format("2006-01-02 15:04:05")
	}
	status := string(r.Status)
	if r.Status == audit.StatusFailure {
		status = "FAILURE"
	}
	fmt.Printf("%s  #%-6d %-19s %-14s %-8s %s\n",
		ts, r.Seq, r.EventType, r.Actor, status, r.Description)
}
