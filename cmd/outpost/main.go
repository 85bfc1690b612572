package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/outpost/internal/approval"
	"github.com/basket/outpost/internal/audit"
	"github.com/basket/outpost/internal/bridge"
	"github.com/basket/outpost/internal/bus"
	"github.com/basket/outpost/internal/channels"
	"github.com/basket/outpost/internal/config"
	"github.com/basket/outpost/internal/cron"
	"github.com/basket/outpost/internal/desktopexec"
	"github.com/basket/outpost/internal/inputmutex"
	otelPkg "github.com/basket/outpost/internal/otel"
	"github.com/basket/outpost/internal/store"
	"github.com/basket/outpost/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s -daemon                  Run the outbound governance daemon

SUBCOMMANDS:
  %s status                   Show channel and kill-switch state
  %s kill activate <reason>   Activate the outbound kill switch
  %s kill release             Release the kill switch
  %s audit [-limit N]         Show recent outbound audit rows
  %s report                   Governance summary plus desktop KPIs
  %s pair list                List pending pairing requests
  %s pair approve <id>        Approve a pairing request
  %s pair reject <id>         Reject a pairing request
  %s approve <tool> <perm>    Run the approval flow and mint a token

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  OUTPOST_HOME                    Data directory (default: ~/.outpost)
  OUTPOST_TELEGRAM_BOT_TOKEN      Enables the telegram channel
  OUTPOST_OWNER_IDS               Comma-separated owner contact ids
  OUTPOST_EXECUTOR_COMMAND        Desktop execution agent command
  OUTPOST_SELECTOR_COMMAND        Vision-language selector command
`)
}

func main() {
	loadDotEnv(".env")

	daemon := flag.Bool("daemon", false, "run the governance daemon")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "status":
			os.Exit(runStatusCommand(args[1:]))
		case "kill":
			os.Exit(runKillCommand(args[1:]))
		case "audit":
			os.Exit(runAuditCommand(args[1:]))
		case "report":
			os.Exit(runReportCommand(args[1:]))
		case "pair":
			os.Exit(runPairCommand(args[1:]))
		case "approve":
			os.Exit(runApproveCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if !*daemon {
		printUsage()
		return
	}
	os.Exit(runDaemon(ctx))
}

func runDaemon(ctx context.Context) int {
	homeDir, err := config.HomeDir()
	if err != nil {
		fatalStartup(nil, "E_HOME_DIR", err)
	}
	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(homeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("outpost starting", "version", Version, "home", homeDir)

	repo, err := store.NewFileRepository(homeDir)
	if err != nil {
		fatalStartup(logger, "E_STATE_DIR", err)
	}

	auditLog, err := audit.Open(homeDir)
	if err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer auditLog.Close()

	eventBus := bus.New()

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}
	metrics.WatchBus(ctx, eventBus)

	tokens := approval.NewTokenStore(repo)
	kill := approval.NewKillSwitch(repo, eventBus, logger)

	states := channels.NewStateStore(repo)
	if err := states.SyncFromEnv(); err != nil {
		logger.Warn("channel state sync failed", "error", err)
	}

	mutex := inputmutex.New(inputmutex.Options{
		AcquireTimeout:  cfg.MutexTimeout(),
		StrikeThreshold: cfg.Mutex.StrikeThreshold,
		Cooldown:        time.Duration(cfg.Mutex.CooldownMinutes) * time.Minute,
		Bus:             eventBus,
		Logger:          logger,
	})

	selector, err := bridge.NewSelector(cfg.Bridge.Selector, logger)
	if err != nil {
		fatalStartup(logger, "E_SELECTOR_INIT", err)
	}
	planner := bridge.New(bridge.Options{
		Config:   cfg.Bridge,
		Repo:     repo,
		Selector: selector,
		Observer: metrics,
		Logger:   logger,
	})

	var desktop channels.DesktopSender
	if cfg.Executor.Command != "" || cfg.Executor.Endpoint != "" {
		agent, err := desktopexec.NewAgent(cfg.Executor, planner, logger)
		if err != nil {
			fatalStartup(logger, "E_EXECUTOR_INIT", err)
		}
		desktop = agent
	} else {
		logger.Info("no desktop execution agent configured, desktop channels degraded")
	}

	runtime := channels.NewRuntime(channels.RuntimeOptions{
		HomeDir: homeDir,
		States:  states,
		Audit:   auditLog,
		Mutex:   mutex,
		Desktop: desktop,
		Bus:     eventBus,
		Logger:  logger,
	})

	callbacks := channels.Callbacks{
		OnPairRequested: func(pair channels.PairRequest) {
			logger.Info("pairing requested",
				"pair_id", pair.ID, "channel", pair.Channel, "sender", pair.SenderID)
		},
	}
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		telegram := channels.NewTelegramChannel(cfg.Telegram.Token, runtime, states, callbacks, logger)
		runtime.RegisterDirectSender("telegram", telegram)
		go func() {
			if err := telegram.Start(ctx); err != nil {
				logger.Error("telegram channel stopped", "error", err)
			}
		}()
	}

	watcher := config.NewWatcher(homeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}
	go func() {
		for range watcher.Events() {
			// Policy and channel state are re-read per send; the event only
			// needs to refresh env-driven enablement.
			if err := states.SyncFromEnv(); err != nil {
				logger.Warn("channel state sync failed", "error", err)
			}
		}
	}()

	housekeeper, err := cron.NewHousekeeper(cron.Config{
		Logger: logger,
		Jobs: []cron.Job{
			{
				Name:     "approval_token_sweep",
				CronExpr: "*/5 * * * *",
				Run: func(context.Context) {
					if n, err := tokens.Sweep(); err != nil {
						logger.Warn("token sweep failed", "error", err)
					} else if n > 0 {
						logger.Info("expired approval tokens swept", "count", n)
					}
				},
			},
			{
				Name:     "guard_state_eviction",
				CronExpr: "*/5 * * * *",
				Run: func(context.Context) {
					if n := runtime.EvictGuardState(); n > 0 {
						logger.Debug("guard entries evicted", "count", n)
					}
				},
			},
			{
				Name:     "kpi_snapshot",
				CronExpr: "0 * * * *",
				Run: func(context.Context) {
					result := planner.Metrics().CheckAcceptance(cfg.Bridge.Acceptance)
					logger.Info("desktop kpi snapshot",
						"total_runs", result.Report.TotalRuns,
						"success_rate", result.Report.SuccessRate,
						"vlm_call_ratio", result.Report.VLMCallRatio,
						"som_hit_rate", result.Report.SomPathHitRate,
						"high_risk_misfire_rate", result.Report.HighRiskMisfireRate,
						"reuse_p95_ms", result.Report.ReuseP95Ms,
						"first_p95_ms", result.Report.FirstP95Ms,
						"acceptance_pass", result.Pass,
						"failures", strings.Join(result.Failures, ","))
				},
			},
		},
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}
	housekeeper.Start(ctx)
	defer housekeeper.Stop()

	logger.Info("outpost ready",
		"channels", channels.ChannelNames(),
		"kill_switch_active", kill.Active())

	<-ctx.Done()
	logger.Info("outpost shutting down")
	return 0
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE lines into the environment without overriding
// variables that are already set.
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
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		os.Setenv(key, value)
	}
}
