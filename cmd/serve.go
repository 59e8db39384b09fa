// serve.go wires config → per-transport bridge → dispatch.Scheduler →
// runtask.Deps → poller.Poller for every enabled transport (spec.md §5
// "one Scheduler per transport, never shared"). Grounded on the
// teacher's cmd/gateway.go (load config, construct channel instances,
// start one goroutine per channel against a shared signal context),
// generalized from the teacher's single message-bus fan-in to this
// core's one-poller-per-transport shape.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/go-github/v69/github"
	"github.com/spf13/cobra"

	"github.com/tauhq/taucore/internal/channels"
	"github.com/tauhq/taucore/internal/channels/discord"
	gh "github.com/tauhq/taucore/internal/channels/github"
	"github.com/tauhq/taucore/internal/channels/slack"
	"github.com/tauhq/taucore/internal/channels/telegram"
	"github.com/tauhq/taucore/internal/channels/webhook"
	"github.com/tauhq/taucore/internal/channels/whatsapp"
	"github.com/tauhq/taucore/internal/clock"
	"github.com/tauhq/taucore/internal/config"
	"github.com/tauhq/taucore/internal/configwatch"
	"github.com/tauhq/taucore/internal/cronsched"
	"github.com/tauhq/taucore/internal/dispatch"
	"github.com/tauhq/taucore/internal/eventlog"
	"github.com/tauhq/taucore/internal/health"
	"github.com/tauhq/taucore/internal/normalize"
	"github.com/tauhq/taucore/internal/outboundlimit"
	"github.com/tauhq/taucore/internal/channelstore"
	"github.com/tauhq/taucore/internal/poller"
	"github.com/tauhq/taucore/internal/processedset"
	"github.com/tauhq/taucore/internal/release"
	"github.com/tauhq/taucore/internal/runtask"
	pgstore "github.com/tauhq/taucore/internal/store/pg"
	"github.com/tauhq/taucore/internal/tracing"
	"github.com/tauhq/taucore/internal/transport"
)

const commandPrefix = "/tau"

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run every configured transport's poller against the dispatch core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func ensureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runServe() error {
	logger := newLogger()
	cfgPath := resolveConfigPath()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	stateDir := config.ExpandHome(cfg.StateDir)
	channelRoot := filepath.Join(stateDir, "channels")
	if err := ensureDir(channelRoot); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.Real{}

	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		ServiceName:  cfg.Tracing.ServiceName,
		Insecure:     cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	var mirror *pgstore.MirrorStore
	if cfg.PostgresDSN != "" {
		pool, err := pgstore.OpenDB(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Warn("serve: postgres mirror disabled, connect failed", "error", err)
		} else {
			mirror = pgstore.NewMirrorStore(pool)
			defer mirror.Close()
			logger.Info("serve: postgres health/release-state mirror enabled")
		}
	}

	schedulers := make(map[string]*dispatch.Scheduler)
	var wg sync.WaitGroup

	for name, tc := range cfg.Transports {
		if !tc.Enabled {
			continue
		}
		bridge, err := buildBridge(name, tc, logger, stateDir, cfg)
		if err != nil {
			logger.Error("serve: skipping transport, failed to build bridge", "transport", name, "error", err)
			continue
		}

		sched, err := buildScheduler(ctx, cfg, name, bridge, channelRoot, stateDir, clk, logger, tracer)
		if err != nil {
			logger.Error("serve: skipping transport, failed to build scheduler", "transport", name, "error", err)
			continue
		}
		schedulers[name] = sched

		var mirrorHealth func(context.Context, string, health.Snapshot) error
		if mirror != nil {
			mirrorHealth = mirror.UpsertTransportHealth
		}

		p := poller.New(poller.Config{
			Bridge:       bridge,
			Scheduler:    sched,
			BotUserID:    cfg.BotUserID,
			EventKeyOf:   eventKeyFor(name),
			Clock:        clk,
			HealthPath:   filepath.Join(stateDir, fmt.Sprintf("transport-health-%s.json", name)),
			HealthPeriod: 5 * time.Second,
			Logger:       logger,
			Tracer:       tracer,
			MirrorHealth: mirrorHealth,
		})

		wg.Add(1)
		go func(name string, p *poller.Poller) {
			defer wg.Done()
			if err := p.Run(ctx, time.Duration(cfg.ReconnectDelayMS)*time.Millisecond); err != nil && ctx.Err() == nil {
				logger.Error("serve: poller exited", "transport", name, "error", err)
			}
		}(name, p)
	}

	if len(schedulers) == 0 {
		return fmt.Errorf("serve: no enabled transport has usable credentials, nothing to run")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runMaintenance(ctx, cfg, stateDir, logger)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := configwatch.Watch(ctx, cfgPath, logger, func() {
			reloaded, err := config.Load(cfgPath)
			if err != nil {
				logger.Warn("serve: config reload failed, keeping previous policy", "error", err)
				return
			}
			for _, sched := range schedulers {
				sched.UpdatePolicy(reloaded.Pairing)
			}
			logger.Info("serve: reloaded pairing policy from config")
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("serve: config watcher stopped", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("serve: shutdown signal received, waiting for pollers to drain")
	wg.Wait()
	return nil
}

// eventKeyFor mints poller.EventKeyFunc per spec.md's "<event-id>:
// <channel>:<ts>" composite key, namespaced by transport so identical
// event ids from two transports never collide in the processed set.
func eventKeyFor(transportName string) poller.EventKeyFunc {
	return func(env normalize.RawEnvelope) string {
		return fmt.Sprintf("%s:%s:%s:%d", transportName, env.EventID, env.ChannelID, int64(env.EventTimeSeconds*1000))
	}
}

func buildBridge(name string, tc config.TransportConfig, logger *slog.Logger, stateDir string, cfg *config.Config) (channels.Bridge, error) {
	switch name {
	case "slack":
		if tc.AppToken == "" || tc.BotToken == "" {
			return nil, fmt.Errorf("missing app_token/bot_token")
		}
		return slack.New(slack.Config{
			APIBase:          defaultString(tc.APIBase, "https://slack.com/api"),
			AppToken:         tc.AppToken,
			BotToken:         tc.BotToken,
			RequestTimeoutMS: cfg.RequestTimeoutMS,
			RetryMaxAttempts: cfg.RetryMaxAttempts,
			RetryBaseDelayMS: cfg.RetryBaseDelayMS,
			ReconnectDelayMS: cfg.ReconnectDelayMS,
			Logger:           logger.With("transport", "slack"),
		}), nil

	case "github":
		if tc.BotToken == "" || tc.GitHubOwner == "" || tc.GitHubRepo == "" {
			return nil, fmt.Errorf("missing bot_token/github_owner/github_repo")
		}
		client := github.NewClient(http.DefaultClient).WithAuthToken(tc.BotToken)
		if tc.APIBase != "" && tc.APIBase != "https://api.github.com" {
			var err error
			client, err = client.WithEnterpriseURLs(tc.APIBase, tc.APIBase)
			if err != nil {
				return nil, fmt.Errorf("configure enterprise url: %w", err)
			}
		}
		interval := time.Duration(tc.PollIntervalSec) * time.Second
		return gh.New(gh.Config{
			Client:       client,
			Owner:        tc.GitHubOwner,
			Repo:         tc.GitHubRepo,
			PollInterval: interval,
			CursorPath:   filepath.Join(stateDir, "github-comment-cursor.json"),
			Logger:       logger.With("transport", "github"),
		}), nil

	case "telegram":
		if tc.BotToken == "" {
			return nil, fmt.Errorf("missing bot_token")
		}
		return telegram.New(telegram.Config{
			Token:          tc.BotToken,
			RequireMention: true,
			Logger:         logger.With("transport", "telegram"),
		})

	case "discord":
		if tc.BotToken == "" {
			return nil, fmt.Errorf("missing bot_token")
		}
		return discord.New(discord.Config{
			Token:          tc.BotToken,
			RequireMention: true,
			Logger:         logger.With("transport", "discord"),
		})

	case "whatsapp":
		if tc.APIBase == "" {
			return nil, fmt.Errorf("missing api_base (bridge url)")
		}
		return whatsapp.New(whatsapp.Config{
			BridgeURL: tc.APIBase,
			Logger:    logger.With("transport", "whatsapp"),
		})

	case "webhook":
		if tc.ListenAddr == "" || tc.VerifyToken == "" || tc.WebhookSecret == "" {
			return nil, fmt.Errorf("missing listen_addr/verify_token/webhook_app_secret")
		}
		return webhook.New(webhook.Config{
			ListenAddr:       tc.ListenAddr,
			Path:             defaultString(tc.WebhookPath, "/webhook"),
			VerifyToken:      tc.VerifyToken,
			AppSecret:        tc.WebhookSecret,
			CallbackBase:     tc.APIBase,
			AuthToken:        tc.BotToken,
			RequestTimeoutMS: cfg.RequestTimeoutMS,
			RetryMaxAttempts: cfg.RetryMaxAttempts,
			RetryBaseDelayMS: cfg.RetryBaseDelayMS,
			Limiter:          channels.NewWebhookRateLimiter(),
			Logger:           logger.With("transport", "webhook"),
		})

	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func buildScheduler(ctx context.Context, cfg *config.Config, name string, bridge channels.Bridge, channelRoot, stateDir string, clk clock.Clock, logger *slog.Logger, tracer *tracing.Provider) (*dispatch.Scheduler, error) {
	inboundLog, err := eventlog.Open(filepath.Join(stateDir, fmt.Sprintf("inbound-%s.jsonl", name)))
	if err != nil {
		return nil, fmt.Errorf("open inbound log: %w", err)
	}
	outboundLog, err := eventlog.Open(filepath.Join(stateDir, fmt.Sprintf("outbound-%s.jsonl", name)))
	if err != nil {
		return nil, fmt.Errorf("open outbound log: %w", err)
	}
	processed, err := processedset.Open(filepath.Join(stateDir, fmt.Sprintf("processed-%s.json", name)), cfg.ProcessedEventCap)
	if err != nil {
		return nil, fmt.Errorf("open processed set: %w", err)
	}

	apiClient := transport.New(transport.Config{
		BaseURL:          cfg.Transports[name].APIBase,
		AppName:          "taucore",
		Timeout:          time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		RetryBaseDelayMS: cfg.RetryBaseDelayMS,
		AuthHeader:       "Authorization",
		AuthToken:        "Bearer " + cfg.Transports[name].BotToken,
	})

	limiter := outboundlimit.New(outboundlimit.Config{
		Capacity:        4,
		RefillPerSecond: 1,
		MaxWaitMS:       cfg.RequestTimeoutMS,
	})

	deps := runtask.Deps{
		Transport:       apiClient,
		ChannelRoot:     channelRoot,
		TransportName:   name,
		BuildAgent:      newEchoAgentBuilder(),
		TurnTimeoutMS:   cfg.TurnTimeoutMS,
		RetentionDays:   cfg.ArtifactRetentionDays,
		Clock:           clk,
		PostMessage:     bridge.PostMessage,
		UpdateMessage:   bridge.UpdateMessage,
		OutboundLimiter: limiter,
		Tracer:          tracer,
	}

	startRun := func(ctx context.Context, channelID string, event normalize.InboundEvent, runID string, cancel *dispatch.CancelLatch, workingChannel, workingTS string) <-chan dispatch.RunResult {
		return runtask.Start(ctx, deps, channelID, event, runID, cancel, workingChannel, workingTS)
	}

	sched := dispatch.New(dispatch.Config{
		Transport:         name,
		Clock:             clk,
		CommandPrefix:     commandPrefix,
		Policy:            cfg.Pairing,
		MaxEventAgeSec:    cfg.MaxEventAgeSec,
		ChannelRoot:       channelRoot,
		InboundLog:        inboundLog,
		OutboundLog:       outboundLog,
		Processed:         processed,
		Logger:            logger.With("transport", name),
		StartRun:          startRun,
		OutboundTransport: bridge,
	})
	sched.SetRunCommand(channels.NewCommandRunner(sched, bridge, channelRoot, clk))

	return sched, nil
}

// runMaintenance runs the cron-gated release-cache-prune and expired-
// artifact-purge jobs (spec.md §2 items 12/14).
func runMaintenance(ctx context.Context, cfg *config.Config, stateDir string, logger *slog.Logger) {
	jobs := []cronsched.Job{
		{
			Name: "release-cache-prune",
			Expr: "0 * * * *",
			Run: func(ctx context.Context) error {
				cachePath := filepath.Join(stateDir, "release-lookup-cache.json")
				_, err := release.PruneCache(cachePath, cfg.ReleaseCacheTTLMS, clock.Real{}.NowUnixMS())
				return err
			},
		},
		{
			Name: "artifact-purge",
			Expr: "0 0 * * *",
			Run: func(ctx context.Context) error {
				return purgeExpiredArtifacts(stateDir, cfg.ArtifactRetentionDays)
			},
		},
	}
	runner := cronsched.New(jobs, time.Minute, logger)
	runner.Run(ctx)
}

func purgeExpiredArtifacts(stateDir string, retentionDays int) error {
	channelRoot := filepath.Join(stateDir, "channels")
	entries, err := os.ReadDir(channelRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	now := clock.Real{}.NowUnixMS()
	for _, transportEntry := range entries {
		if !transportEntry.IsDir() {
			continue
		}
		transportDir := filepath.Join(channelRoot, transportEntry.Name())
		channelEntries, err := os.ReadDir(transportDir)
		if err != nil {
			continue
		}
		for _, channelEntry := range channelEntries {
			if !channelEntry.IsDir() {
				continue
			}
			store, err := channelstore.Open(channelRoot, transportEntry.Name(), channelEntry.Name())
			if err != nil {
				continue
			}
			if _, _, err := store.PurgeExpiredArtifacts(now); err != nil {
				return err
			}
		}
	}
	_ = retentionDays // retention window is recorded per-artifact at write time (spec.md §4.12)
	return nil
}
