package dispatch

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tauhq/taucore/internal/clock"
	"github.com/tauhq/taucore/internal/command"
	"github.com/tauhq/taucore/internal/eventlog"
	"github.com/tauhq/taucore/internal/normalize"
	"github.com/tauhq/taucore/internal/pairing"
	"github.com/tauhq/taucore/internal/processedset"
	"github.com/tauhq/taucore/pkg/protocol"
)

func newTestScheduler(t *testing.T) (*Scheduler, *clock.Frozen) {
	t.Helper()
	dir := t.TempDir()
	fc := clock.NewFrozen(1_000_000)

	inbound, err := eventlog.Open(filepath.Join(dir, "inbound.jsonl"))
	if err != nil {
		t.Fatalf("eventlog.Open(inbound) error = %v", err)
	}
	outbound, err := eventlog.Open(filepath.Join(dir, "outbound.jsonl"))
	if err != nil {
		t.Fatalf("eventlog.Open(outbound) error = %v", err)
	}
	processed, err := processedset.Open(filepath.Join(dir, "state.json"), 1000)
	if err != nil {
		t.Fatalf("processedset.Open() error = %v", err)
	}

	sched := New(Config{
		Transport:      "slack",
		Clock:          fc,
		CommandPrefix:  "/tau",
		Policy:         pairing.Policy{StrictMode: false, Channels: map[string]pairing.ChannelRule{}},
		MaxEventAgeSec: 0,
		ChannelRoot:    filepath.Join(dir, "channel-store"),
		InboundLog:     inbound,
		OutboundLog:    outbound,
		Processed:      processed,
		StartRun: func(ctx context.Context, channelID string, event normalize.InboundEvent, runID string, cancel *CancelLatch, workingChannel, workingTS string) <-chan RunResult {
			ch := make(chan RunResult, 1)
			ch <- RunResult{ChannelID: channelID, EventKey: event.EventKey, RunID: runID, Status: protocol.RunCompleted}
			close(ch)
			return ch
		},
	})
	return sched, fc
}

func mkEvent(key string, occurredMS int64) normalize.InboundEvent {
	return normalize.InboundEvent{
		EventKey:       key,
		Kind:           protocol.KindAppMention,
		ChannelID:      "C1",
		ActorID:        "U1",
		EventID:        key,
		OccurredUnixMS: occurredMS,
		Text:           "do something",
	}
}

type recordingTransport struct {
	lastThreadID string
}

func (r *recordingTransport) PostMessage(ctx context.Context, channel, text, threadID string) (string, error) {
	r.lastThreadID = threadID
	return "ts-1", nil
}

func (r *recordingTransport) UpdateMessage(ctx context.Context, channel, ts, text string) error {
	return nil
}

func TestStartOneThreadsOnEventThreadIDNotDedupKey(t *testing.T) {
	sched, fc := newTestScheduler(t)
	rt := &recordingTransport{}
	sched.transport = rt

	ev := mkEvent("e1", fc.NowUnixMS())
	ev.ThreadID = "1700000000.000100"
	sched.HandleEnvelope(context.Background(), "C1", ev)
	sched.startQueuedRuns(context.Background())

	if rt.lastThreadID != ev.ThreadID {
		t.Fatalf("placeholder posted with threadID = %q, want event.ThreadID %q", rt.lastThreadID, ev.ThreadID)
	}
}

func TestStartOneFallsBackToEventKeyWhenNoThreadID(t *testing.T) {
	sched, fc := newTestScheduler(t)
	rt := &recordingTransport{}
	sched.transport = rt

	ev := mkEvent("e1", fc.NowUnixMS())
	sched.HandleEnvelope(context.Background(), "C1", ev)
	sched.startQueuedRuns(context.Background())

	if rt.lastThreadID != ev.EventKey {
		t.Fatalf("placeholder posted with threadID = %q, want fallback to EventKey %q", rt.lastThreadID, ev.EventKey)
	}
}

func TestHandleEnvelopeQueuesAllowedEvent(t *testing.T) {
	sched, fc := newTestScheduler(t)
	sched.HandleEnvelope(context.Background(), "C1", mkEvent("e1", fc.NowUnixMS()))

	if c := sched.CountersSnapshot(); c.DiscoveredEvents != 1 || c.QueuedEvents != 1 {
		t.Fatalf("counters = %+v, want discovered=1 queued=1", c)
	}
	if !sched.processed.Contains("e1") {
		t.Fatalf("expected e1 to be marked processed")
	}
}

func TestHandleEnvelopeSkipsDuplicate(t *testing.T) {
	sched, fc := newTestScheduler(t)
	ev := mkEvent("e1", fc.NowUnixMS())
	sched.HandleEnvelope(context.Background(), "C1", ev)
	sched.HandleEnvelope(context.Background(), "C1", ev)

	c := sched.CountersSnapshot()
	if c.QueuedEvents != 1 || c.SkippedDuplicateEvents != 1 {
		t.Fatalf("counters = %+v, want queued=1 skipped_duplicate=1", c)
	}
}

func TestHandleEnvelopeSkipsStale(t *testing.T) {
	sched, fc := newTestScheduler(t)
	sched.maxEventAgeSec = 10
	ev := mkEvent("e1", fc.NowUnixMS()-20_000) // 20s old, max age 10s

	sched.HandleEnvelope(context.Background(), "C1", ev)
	c := sched.CountersSnapshot()
	if c.SkippedStaleEvents != 1 || c.QueuedEvents != 0 {
		t.Fatalf("counters = %+v, want skipped_stale=1 queued=0", c)
	}
	if !sched.processed.Contains("e1") {
		t.Fatalf("expected stale event to still be marked processed")
	}
}

func TestHandleEnvelopeDeniesWhenStrictAndUnpaired(t *testing.T) {
	sched, fc := newTestScheduler(t)
	sched.policy = pairing.Policy{StrictMode: true, Channels: map[string]pairing.ChannelRule{}}

	sched.HandleEnvelope(context.Background(), "C1", mkEvent("e1", fc.NowUnixMS()))
	c := sched.CountersSnapshot()
	if c.QueuedEvents != 0 {
		t.Fatalf("counters = %+v, want queued=0 for denied event", c)
	}
	if !sched.processed.Contains("e1") {
		t.Fatalf("expected denied event to still be marked processed")
	}
}

func TestHandleEnvelopeCommandDoesNotQueue(t *testing.T) {
	var ran bool
	sched, fc := newTestScheduler(t)
	sched.runCommand = func(ctx context.Context, channelID string, cmd command.Command, event normalize.InboundEvent) error {
		ran = true
		return nil
	}

	ev := mkEvent("e1", fc.NowUnixMS())
	ev.Text = "/tau status"
	sched.HandleEnvelope(context.Background(), "C1", ev)

	if !ran {
		t.Fatalf("expected command runner to be invoked")
	}
	if c := sched.CountersSnapshot(); c.QueuedEvents != 0 {
		t.Fatalf("counters = %+v, want queued=0 for a command", c)
	}
}

func TestStartQueuedRunsAndDrain(t *testing.T) {
	sched, fc := newTestScheduler(t)
	ev := mkEvent("e1", fc.NowUnixMS())
	sched.HandleEnvelope(context.Background(), "C1", ev)

	ctx := context.Background()
	sched.startQueuedRuns(ctx)
	if _, busy := sched.ActiveRunFor("C1"); !busy {
		t.Fatalf("expected C1 to have an active run after startQueuedRuns")
	}

	sched.drainFinishedRuns(ctx)
	if _, busy := sched.ActiveRunFor("C1"); busy {
		t.Fatalf("expected C1 to be idle after drainFinishedRuns")
	}
	if c := sched.CountersSnapshot(); c.CompletedRuns != 1 {
		t.Fatalf("counters = %+v, want completed=1", c)
	}
}

func TestCancelLatchSetIsIdempotent(t *testing.T) {
	l := NewCancelLatch()
	if wasSet := l.Set(); wasSet {
		t.Fatalf("first Set() reported already-set")
	}
	if !l.IsSet() {
		t.Fatalf("IsSet() = false after Set()")
	}
	if wasSet := l.Set(); !wasSet {
		t.Fatalf("second Set() should report already-set")
	}
}
