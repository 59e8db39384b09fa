// Package poller implements spec.md §2 item 13's poll-cycle loop: it
// connects one transport's channels.Bridge, feeds normalized envelopes
// into a dispatch.Scheduler, reconnects the bridge with a fixed delay
// until shutdown, and periodically persists a transport-health.json
// snapshot. Grounded on the teacher's internal/socket.Session.Run
// reconnect-with-delay loop shape, generalized from a single WebSocket
// session to any channels.Bridge.
package poller

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tauhq/taucore/internal/channels"
	"github.com/tauhq/taucore/internal/clock"
	"github.com/tauhq/taucore/internal/dispatch"
	"github.com/tauhq/taucore/internal/health"
	"github.com/tauhq/taucore/internal/normalize"
	"github.com/tauhq/taucore/internal/tracing"
)

// EventKeyFunc mints the stable composite event key for a raw envelope
// (spec.md §3 InboundEvent.key).
type EventKeyFunc func(normalize.RawEnvelope) string

// Config bundles one transport's poll-cycle wiring.
type Config struct {
	Bridge       channels.Bridge
	Scheduler    *dispatch.Scheduler
	BotUserID    string
	EventKeyOf   EventKeyFunc
	Clock        clock.Clock
	HealthPath   string
	HealthPeriod time.Duration
	Logger       *slog.Logger

	// Tracer wraps each health-snapshot poll cycle in a span when
	// non-nil.
	Tracer *tracing.Provider

	// MirrorHealth, if non-nil, additionally upserts each health
	// snapshot into the optional Postgres mirror (SPEC_FULL.md §5,
	// internal/store/pg.MirrorStore.UpsertTransportHealth). A mirror
	// write failure is logged and never interrupts the local file
	// write, which remains authoritative.
	MirrorHealth func(ctx context.Context, transport string, snap health.Snapshot) error
}

// Poller drives one transport's bridge + scheduler + health-snapshot loop.
type Poller struct {
	cfg Config
}

// New constructs a Poller, defaulting HealthPeriod and Logger.
func New(cfg Config) *Poller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HealthPeriod <= 0 {
		cfg.HealthPeriod = 5 * time.Second
	}
	return &Poller{cfg: cfg}
}

// Run connects the bridge and drives the scheduler until ctx is done,
// reconnecting the bridge after reconnectDelay whenever Start returns
// early (spec.md §5 "reconnect-until-shutdown").
func (p *Poller) Run(ctx context.Context, reconnectDelay time.Duration) error {
	envelopes := make(chan func() (string, normalize.InboundEvent, bool), 64)

	go p.runHealthLoop(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.cfg.Scheduler.Run(ctx, envelopes)
	}()

	emit := func(raw normalize.RawEnvelope) {
		event, ok := normalize.Normalize(raw, p.cfg.BotUserID, p.cfg.EventKeyOf)
		select {
		case envelopes <- func() (string, normalize.InboundEvent, bool) {
			return event.ChannelID, event, ok
		}:
		case <-ctx.Done():
		}
	}

	for ctx.Err() == nil {
		err := p.cfg.Bridge.Start(ctx, emit)
		if ctx.Err() != nil {
			break
		}
		p.cfg.Logger.Warn("bridge disconnected, reconnecting",
			"transport", p.cfg.Bridge.Name(), "error", err)
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
		}
	}

	close(envelopes)
	<-done
	return ctx.Err()
}

// runHealthLoop persists a transport-health.json snapshot every
// HealthPeriod until ctx is done (spec.md §2 item 15).
func (p *Poller) runHealthLoop(ctx context.Context) {
	if p.cfg.HealthPath == "" {
		return
	}
	ticker := time.NewTicker(p.cfg.HealthPeriod)
	defer ticker.Stop()

	var prev dispatch.Counters
	failureStreak := 0
	lastMS := p.cfg.Clock.NowUnixMS()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, span := p.cfg.Tracer.StartSpan(ctx, "poller.cycle", attribute.String("transport", p.cfg.Bridge.Name()))

			now := p.cfg.Clock.NowUnixMS()
			cur := p.cfg.Scheduler.CountersSnapshot()
			delta := health.Delta(prev, cur)

			switch {
			case delta.FailedEvents > 0:
				failureStreak++
			case delta.CompletedRuns > 0:
				failureStreak = 0
			}

			active, _ := p.cfg.Scheduler.Snapshot()
			snap := health.FromCounters(now, now-lastMS, p.cfg.Scheduler.QueueDepth(), len(active), failureStreak, delta)
			if err := health.Save(p.cfg.HealthPath, snap); err != nil {
				p.cfg.Logger.Error("failed to persist transport health snapshot", "transport", p.cfg.Bridge.Name(), "error", err)
			}
			if p.cfg.MirrorHealth != nil {
				if err := p.cfg.MirrorHealth(ctx, p.cfg.Bridge.Name(), snap); err != nil {
					p.cfg.Logger.Warn("failed to mirror transport health snapshot", "transport", p.cfg.Bridge.Name(), "error", err)
				}
			}
			prev = cur
			lastMS = now
			tracing.End(span, nil)
		}
	}
}
