// Package dispatch implements the per-channel FIFO queue and at-most-one
// -active-run scheduler described in spec.md §4.10: the poll cycle that
// drains finished runs, starts queued runs, and handles inbound
// envelopes end to end. Grounded on the teacher's
// internal/channels/manager.go (per-channel sync.Map of run state,
// RunContext-style cancellation) — there is no internal/scheduler
// package in the retrieved pack despite cmd/gateway_cron.go referencing
// one, so the active-run table here is modeled on Manager's map
// bookkeeping instead of a dedicated scheduler type.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tauhq/taucore/internal/channelstore"
	"github.com/tauhq/taucore/internal/clock"
	"github.com/tauhq/taucore/internal/command"
	"github.com/tauhq/taucore/internal/eventlog"
	"github.com/tauhq/taucore/internal/normalize"
	"github.com/tauhq/taucore/internal/pairing"
	"github.com/tauhq/taucore/internal/processedset"
	"github.com/tauhq/taucore/pkg/protocol"
)

// PollTick is the interval the poll cycle selects on regardless of
// incoming envelopes (spec.md §4.10: "at least every 50 ms").
const PollTick = 50 * time.Millisecond

// ActiveRun tracks one in-flight run for a channel (spec.md §3).
type ActiveRun struct {
	RunID            string
	EventKey         string
	StartedUnixMS    int64
	StartedMonotonic time.Time
	CancelSignal     *CancelLatch
	Done             <-chan RunResult
}

// CancelLatch is a single-writer, multi-reader boolean latch.
type CancelLatch struct {
	mu  sync.Mutex
	set bool
}

func NewCancelLatch() *CancelLatch { return &CancelLatch{} }

// Set idempotently raises the latch, returning whether this call was the
// one that raised it (false if already set).
func (c *CancelLatch) Set() (wasAlreadySet bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasAlreadySet = c.set
	c.set = true
	return wasAlreadySet
}

func (c *CancelLatch) IsSet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set
}

// LatestRun is the durable per-channel summary observed by "/tau status".
type LatestRun struct {
	RunID          string
	EventKey       string
	Status         protocol.RunStatus
	StartedUnixMS  int64
	CompletedUnixMS int64
	DurationMS     int64
}

// RunResult is the terminal outcome of a run task (spec.md §3).
type RunResult struct {
	ChannelID       string
	EventKey        string
	RunID           string
	StartedUnixMS   int64
	CompletedUnixMS int64
	DurationMS      int64
	Status          protocol.RunStatus
	Model           string
	Usage           map[string]any
	Err             error
}

// Counters accumulates the per-cycle metrics named in spec.md §4.10/§6.
type Counters struct {
	DiscoveredEvents       int64
	SkippedDuplicateEvents int64
	SkippedStaleEvents     int64
	QueuedEvents           int64
	CompletedRuns          int64
	FailedEvents           int64
}

// Transport is the outbound-message contract the core consumes
// (spec.md §6): post/update a message, keyed by (channel, ts).
type Transport interface {
	PostMessage(ctx context.Context, channel, text, threadID string) (ts string, err error)
	UpdateMessage(ctx context.Context, channel, ts, text string) error
}

// RunStarter spawns a run task for a dequeued event and returns a
// channel the poll cycle can select/poll for completion. Supplied by
// internal/runtask; kept as an interface here so dispatch has no import
// dependency on the agent runtime.
type RunStarter func(ctx context.Context, channelID string, event normalize.InboundEvent, runID string, cancel *CancelLatch, workingChannel, workingTS string) <-chan RunResult

// CommandRunner executes a parsed command inline (spec.md §4.11).
// Supplied by the cmd/command-execution glue.
type CommandRunner func(ctx context.Context, channelID string, cmd command.Command, event normalize.InboundEvent) error

// Scheduler owns one transport's mutable dispatch state. Never shared
// across transports (spec.md §5).
type Scheduler struct {
	Transport      string
	clock          clock.Clock
	appPrefix      string // "/tau"
	policy         pairing.Policy
	maxEventAgeSec int64
	processedCap   int

	policyMu sync.RWMutex

	channelRoot string

	inboundLog  *eventlog.Log
	outboundLog *eventlog.Log

	processed *processedset.Store

	logger *slog.Logger

	startRun       RunStarter
	runCommand     CommandRunner
	transport      Transport
	placeholderMsg func(runID string) string

	mu         sync.Mutex
	queues     map[string][]normalize.InboundEvent
	activeRuns map[string]*ActiveRun
	latestRuns map[string]LatestRun

	counters Counters
}

// Config bundles Scheduler construction parameters.
type Config struct {
	Transport        string
	Clock            clock.Clock
	CommandPrefix    string
	Policy           pairing.Policy
	MaxEventAgeSec   int64
	ChannelRoot      string
	InboundLog       *eventlog.Log
	OutboundLog      *eventlog.Log
	Processed        *processedset.Store
	Logger           *slog.Logger
	StartRun         RunStarter
	RunCommand       CommandRunner
	OutboundTransport Transport
	PlaceholderText  func(runID string) string
}

// New constructs a Scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	placeholder := cfg.PlaceholderText
	if placeholder == nil {
		placeholder = func(runID string) string {
			return fmt.Sprintf("… is working on run %s…", runID)
		}
	}
	return &Scheduler{
		Transport:      cfg.Transport,
		clock:          cfg.Clock,
		appPrefix:      cfg.CommandPrefix,
		policy:         cfg.Policy,
		maxEventAgeSec: cfg.MaxEventAgeSec,
		channelRoot:    cfg.ChannelRoot,
		inboundLog:     cfg.InboundLog,
		outboundLog:    cfg.OutboundLog,
		processed:      cfg.Processed,
		logger:         logger,
		startRun:       cfg.StartRun,
		runCommand:     cfg.RunCommand,
		transport:      cfg.OutboundTransport,
		placeholderMsg: placeholder,
		queues:         make(map[string][]normalize.InboundEvent),
		activeRuns:     make(map[string]*ActiveRun),
		latestRuns:     make(map[string]LatestRun),
	}
}

// Snapshot returns copies of the active/latest run tables for "/tau
// status" rendering.
func (s *Scheduler) Snapshot() (active map[string]ActiveRun, latest map[string]LatestRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active = make(map[string]ActiveRun, len(s.activeRuns))
	for k, v := range s.activeRuns {
		active[k] = *v
	}
	latest = make(map[string]LatestRun, len(s.latestRuns))
	for k, v := range s.latestRuns {
		latest[k] = v
	}
	return active, latest
}

// CountersSnapshot returns the current cumulative counters.
func (s *Scheduler) CountersSnapshot() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// ActiveRunFor returns the active run for a channel, if any.
func (s *Scheduler) ActiveRunFor(channelID string) (*ActiveRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.activeRuns[channelID]
	return r, ok
}

// QueueDepth returns the total number of queued events across all
// channels, for transport-health.json's queue_depth field.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	depth := 0
	for _, q := range s.queues {
		depth += len(q)
	}
	return depth
}

// SetRunCommand wires the command runner after construction, for the
// common case where the runner itself needs a reference to this
// Scheduler (internal/channels.NewCommandRunner takes *Scheduler).
func (s *Scheduler) SetRunCommand(rc CommandRunner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCommand = rc
}

// UpdatePolicy swaps the pairing policy consulted by HandleEnvelope,
// letting a config hot-reload (internal/configwatch) take effect without
// restarting the poller (spec.md's config file-watching surface).
func (s *Scheduler) UpdatePolicy(p pairing.Policy) {
	s.policyMu.Lock()
	defer s.policyMu.Unlock()
	s.policy = p
}

func (s *Scheduler) currentPolicy() pairing.Policy {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return s.policy
}

// Run drives the poll cycle until ctx is cancelled (spec.md §4.10,
// §5 Shutdown). envelopes yields raw envelopes translated by the caller
// into (channelID, InboundEvent) pairs via HandleEnvelope.
func (s *Scheduler) Run(ctx context.Context, envelopes <-chan func() (string, normalize.InboundEvent, bool)) {
	ticker := time.NewTicker(PollTick)
	defer ticker.Stop()

	for {
		s.drainFinishedRuns(ctx)
		s.startQueuedRuns(ctx)
		s.emitCycleSummaryIfNonzero()

		select {
		case <-ctx.Done():
			return
		case next, ok := <-envelopes:
			if !ok {
				return
			}
			channelID, event, isEvent := next()
			if isEvent {
				s.HandleEnvelope(ctx, channelID, event)
			}
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) emitCycleSummaryIfNonzero() {
	s.mu.Lock()
	c := s.counters
	s.mu.Unlock()
	if c.DiscoveredEvents == 0 && c.QueuedEvents == 0 && c.CompletedRuns == 0 && c.FailedEvents == 0 {
		return
	}
	s.logger.Info("poll cycle summary",
		"transport", s.Transport,
		"discovered", c.DiscoveredEvents,
		"queued", c.QueuedEvents,
		"completed", c.CompletedRuns,
		"failed", c.FailedEvents,
		"skipped_duplicate", c.SkippedDuplicateEvents,
		"skipped_stale", c.SkippedStaleEvents,
	)
}

// drainFinishedRuns joins every channel's finished task handle, updates
// LatestRun, appends the outbound log entry, and increments counters
// (spec.md §4.10 step 1).
func (s *Scheduler) drainFinishedRuns(ctx context.Context) {
	s.mu.Lock()
	finishedChannels := make([]string, 0)
	for channelID, run := range s.activeRuns {
		select {
		case result, ok := <-run.Done:
			if !ok {
				s.counters.FailedEvents++
				finishedChannels = append(finishedChannels, channelID)
				continue
			}
			s.latestRuns[channelID] = LatestRun{
				RunID:           result.RunID,
				EventKey:        result.EventKey,
				Status:          result.Status,
				StartedUnixMS:   result.StartedUnixMS,
				CompletedUnixMS: result.CompletedUnixMS,
				DurationMS:      result.DurationMS,
			}
			s.appendOutboundLocked(outboundEntry{
				TimestampUnixMS: result.CompletedUnixMS,
				EventKey:        result.EventKey,
				Channel:         channelID,
				RunID:           result.RunID,
				Status:          string(result.Status),
			})
			s.counters.CompletedRuns++
			finishedChannels = append(finishedChannels, channelID)
		default:
		}
	}
	for _, ch := range finishedChannels {
		delete(s.activeRuns, ch)
	}
	s.mu.Unlock()
}

// startQueuedRuns pops the head of every idle channel's queue, mints a
// run id, posts a placeholder, and spawns the run task (spec.md §4.10
// step 2).
func (s *Scheduler) startQueuedRuns(ctx context.Context) {
	s.mu.Lock()
	type starting struct {
		channelID string
		event     normalize.InboundEvent
	}
	var toStart []starting
	for channelID, q := range s.queues {
		if _, busy := s.activeRuns[channelID]; busy {
			continue
		}
		if len(q) == 0 {
			continue
		}
		toStart = append(toStart, starting{channelID: channelID, event: q[0]})
		s.queues[channelID] = q[1:]
	}
	s.mu.Unlock()

	for _, st := range toStart {
		s.startOne(ctx, st.channelID, st.event)
	}
}

func (s *Scheduler) startOne(ctx context.Context, channelID string, event normalize.InboundEvent) {
	nowMS := s.clock.NowUnixMS()
	runID := clock.RunIDSeq(s.Transport, channelID, nowMS)

	threadAnchor := event.ThreadID
	if threadAnchor == "" {
		threadAnchor = event.EventKey
	}

	var workingTS string
	if s.transport != nil {
		ts, err := s.transport.PostMessage(ctx, channelID, s.placeholderMsg(runID), threadAnchor)
		if err != nil {
			s.logger.Warn("failed to post placeholder message", "channel", channelID, "run_id", runID, "error", err)
		}
		workingTS = ts
	}

	latch := NewCancelLatch()
	done := s.startRun(ctx, channelID, event, runID, latch, channelID, workingTS)

	s.mu.Lock()
	s.activeRuns[channelID] = &ActiveRun{
		RunID:            runID,
		EventKey:         event.EventKey,
		StartedUnixMS:    nowMS,
		StartedMonotonic: s.clock.Monotonic(),
		CancelSignal:     latch,
		Done:             done,
	}
	s.mu.Unlock()
}

type inboundEntry struct {
	TimestampUnixMS int64          `json:"timestamp_unix_ms"`
	EventKey        string         `json:"event_key"`
	Kind            string         `json:"kind"`
	Channel         string         `json:"channel"`
	EventID         string         `json:"event_id"`
	Pairing         pairingFields  `json:"pairing"`
	Payload         map[string]any `json:"payload"`
}

type pairingFields struct {
	Decision     string `json:"decision"`
	ReasonCode   string `json:"reason_code"`
	ChannelToken string `json:"channel_token"`
	ActorID      string `json:"actor_id"`
}

type outboundEntry struct {
	TimestampUnixMS int64   `json:"timestamp_unix_ms"`
	EventKey        string  `json:"event_key"`
	Channel         string  `json:"channel"`
	EventID         string  `json:"event_id,omitempty"`
	Command         string  `json:"command,omitempty"`
	RunID           string  `json:"run_id,omitempty"`
	Status          string  `json:"status"`
	ReasonCode      string  `json:"reason_code,omitempty"`
	PostedTS        string  `json:"posted_ts,omitempty"`
	Details         string  `json:"details,omitempty"`
}

func (s *Scheduler) appendOutboundLocked(e outboundEntry) {
	if s.outboundLog == nil {
		return
	}
	if err := s.outboundLog.Append(e); err != nil {
		s.logger.Error("failed to append outbound log entry", "error", err)
	}
}

// AppendCommandOutbound records a command's outcome into the transport's
// outbound-events.jsonl (spec.md §4.11: "Every command emits an outbound
// JSONL record including {event_key, channel_id, command, status,
// posted_ts, details?}"). Called by the CommandRunner glue after a
// command has been executed and replied to.
func (s *Scheduler) AppendCommandOutbound(eventKey, channelID, cmdKind, status, postedTS, details string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendOutboundLocked(outboundEntry{
		TimestampUnixMS: s.clock.NowUnixMS(),
		EventKey:        eventKey,
		Channel:         channelID,
		Command:         cmdKind,
		Status:          status,
		PostedTS:        postedTS,
		Details:         details,
	})
}

// HandleEnvelope implements the nine-step envelope handling pipeline
// from spec.md §4.10.
func (s *Scheduler) HandleEnvelope(ctx context.Context, channelID string, event normalize.InboundEvent) {
	s.mu.Lock()
	s.counters.DiscoveredEvents++
	s.mu.Unlock()

	nowMS := s.clock.NowUnixMS()

	if s.processed.Contains(event.EventKey) {
		s.mu.Lock()
		s.counters.SkippedDuplicateEvents++
		s.mu.Unlock()
		return
	}

	if s.maxEventAgeSec > 0 {
		maxAgeMS := s.maxEventAgeSec * 1000
		if nowMS-event.OccurredUnixMS > maxAgeMS {
			s.processed.MarkProcessed(event.EventKey)
			_ = s.processed.Save()
			s.mu.Lock()
			s.counters.SkippedStaleEvents++
			s.mu.Unlock()
			return
		}
	}

	channelToken := pairing.Token(s.Transport, channelID)
	decision := pairing.Evaluate(s.currentPolicy(), channelToken, event.ActorID, nowMS)

	s.appendInbound(inboundEntry{
		TimestampUnixMS: nowMS,
		EventKey:        event.EventKey,
		Kind:            string(event.Kind),
		Channel:         channelID,
		EventID:         event.EventID,
		Pairing: pairingFields{
			Decision:     decisionString(decision.Allowed),
			ReasonCode:   decision.ReasonCode,
			ChannelToken: channelToken,
			ActorID:      event.ActorID,
		},
		Payload: map[string]any{"text": event.Text},
	})
	s.appendChannelLog(channelID, event, decision)

	if !decision.Allowed {
		s.mu.Lock()
		s.appendOutboundLocked(outboundEntry{
			TimestampUnixMS: nowMS,
			EventKey:        event.EventKey,
			Channel:         channelID,
			Status:          "denied",
			ReasonCode:      decision.ReasonCode,
		})
		s.mu.Unlock()
		s.processed.MarkProcessed(event.EventKey)
		_ = s.processed.Save()
		return
	}

	s.processed.MarkProcessed(event.EventKey)
	_ = s.processed.Save()

	if cmd, isCmd := command.Parse(event.Text, s.appPrefix); isCmd {
		if s.runCommand != nil {
			if err := s.runCommand(ctx, channelID, cmd, event); err != nil {
				s.logger.Error("command execution failed", "channel", channelID, "error", err)
			}
		}
		return
	}

	s.mu.Lock()
	s.queues[channelID] = append(s.queues[channelID], event)
	s.counters.QueuedEvents++
	s.mu.Unlock()
}

func decisionString(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}

func (s *Scheduler) appendInbound(e inboundEntry) {
	if s.inboundLog == nil {
		return
	}
	if err := s.inboundLog.Append(e); err != nil {
		s.logger.Error("failed to append inbound log entry", "error", err)
	}
}

func (s *Scheduler) appendChannelLog(channelID string, event normalize.InboundEvent, decision pairing.Decision) {
	store, err := channelstore.Open(s.channelRoot, s.Transport, channelID)
	if err != nil {
		s.logger.Error("failed to open channel store", "channel", channelID, "error", err)
		return
	}
	_ = store.AppendLogEntry(channelstore.ChannelLogEntry{
		TimestampUnixMS: s.clock.NowUnixMS(),
		Direction:       "inbound",
		EventKey:        event.EventKey,
		Source:          s.Transport,
		Payload: map[string]any{
			"text":        event.Text,
			"reason_code": decision.ReasonCode,
			"decision":    decisionString(decision.Allowed),
		},
	})
}
