// Package runtask implements the per-event run lifecycle described in
// spec.md §4.12: attachment download, agent construction, session
// init, cancellable prompt execution, artifact persistence, and
// placeholder-message finalization. Grounded on the teacher's
// internal/channels/manager.go RunContext lifecycle (placeholder post →
// work → finalize update) generalized from a single-provider loop to
// the spec's attachment/artifact/session pipeline.
package runtask

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tauhq/taucore/internal/agent"
	"github.com/tauhq/taucore/internal/atomicfile"
	"github.com/tauhq/taucore/internal/channelstore"
	"github.com/tauhq/taucore/internal/clock"
	"github.com/tauhq/taucore/internal/dispatch"
	"github.com/tauhq/taucore/internal/normalize"
	"github.com/tauhq/taucore/internal/outboundlimit"
	"github.com/tauhq/taucore/internal/session"
	"github.com/tauhq/taucore/internal/tracing"
	"github.com/tauhq/taucore/internal/transport"
	"github.com/tauhq/taucore/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
)

// fallbackReply is substituted for an empty assistant reply (spec.md
// §4.12 step 7).
const fallbackReply = "(no response produced)"

const cancelledNotice = "Run was cancelled."
const timedOutNotice = "Run timed out."

// summarySplitThreshold bounds the placeholder-update summary length;
// beyond it the full detail is posted as a follow-up (spec.md step 10).
const summarySplitThreshold = 1500

// Deps bundles the collaborators a run task needs, captured by value at
// spawn time (spec.md §4.12 "Inputs captured by value").
type Deps struct {
	Transport       *transport.Client
	ChannelRoot     string
	TransportName   string
	BuildAgent      agent.Builder
	TurnTimeoutMS   int64
	RetentionDays   int
	Clock           clock.Clock
	PostMessage     func(ctx context.Context, channel, text, threadID string) (string, error)
	UpdateMessage   func(ctx context.Context, channel, ts, text string) error

	// OutboundLimiter gates each turn against the LLM provider (spec.md
	// §5 "Rate limiting"). Nil disables limiting.
	OutboundLimiter *outboundlimit.Limiter

	// Tracer wraps the run in an OpenTelemetry span when non-nil.
	Tracer *tracing.Provider
}

// Start spawns the run task as a goroutine and returns a channel that
// yields exactly one dispatch.RunResult before closing.
func Start(ctx context.Context, d Deps, channelID string, event normalize.InboundEvent, runID string, cancel *dispatch.CancelLatch, workingChannel, workingTS string) <-chan dispatch.RunResult {
	out := make(chan dispatch.RunResult, 1)
	go func() {
		defer close(out)
		out <- run(ctx, d, channelID, event, runID, cancel, workingChannel, workingTS)
	}()
	return out
}

func run(ctx context.Context, d Deps, channelID string, event normalize.InboundEvent, runID string, cancel *dispatch.CancelLatch, workingChannel, workingTS string) dispatch.RunResult {
	ctx, span := d.Tracer.StartSpan(ctx, "runtask.run",
		attribute.String("transport", d.TransportName),
		attribute.String("channel", channelID),
		attribute.String("run_id", runID),
	)
	result := runTraced(ctx, d, channelID, event, runID, cancel, workingChannel, workingTS)
	span.SetAttributes(attribute.String("status", string(result.Status)))
	tracing.End(span, result.Err)
	return result
}

func runTraced(ctx context.Context, d Deps, channelID string, event normalize.InboundEvent, runID string, cancel *dispatch.CancelLatch, workingChannel, workingTS string) dispatch.RunResult {
	startedMS := d.Clock.NowUnixMS()

	store, err := channelstore.Open(d.ChannelRoot, d.TransportName, channelID)
	if err != nil {
		return d.fail(channelID, event, runID, startedMS, workingChannel, workingTS, fmt.Errorf("open channel store: %w", err))
	}

	downloadAttachments(ctx, d, store, event)

	ag, err := d.BuildAgent(ctx)
	if err != nil {
		return d.fail(channelID, event, runID, startedMS, workingChannel, workingTS, fmt.Errorf("build agent: %w", err))
	}

	sessionPath := store.SessionPath()
	lock, err := session.Acquire(sessionPath, 5000, 30000, d.Clock.NowUnixMS)
	if err != nil {
		return d.fail(channelID, event, runID, startedMS, workingChannel, workingTS, fmt.Errorf("acquire session lock: %w", err))
	}
	defer lock.Unlock()

	headID, lineage, err := session.EnsureHeadLineage(sessionPath, func() string { return uuid.NewString() })
	if err != nil {
		return d.fail(channelID, event, runID, startedMS, workingChannel, workingTS, fmt.Errorf("ensure session lineage: %w", err))
	}

	agentLineage := make([]agent.Message, 0, len(lineage))
	for _, m := range lineage {
		agentLineage = append(agentLineage, agent.Message{Role: m.Role, Content: m.Content})
	}
	if err := ag.ReplayLineage(ctx, agentLineage); err != nil {
		return d.fail(channelID, event, runID, startedMS, workingChannel, workingTS, fmt.Errorf("replay lineage: %w", err))
	}

	prompt := renderPrompt(channelID, event)

	status, assistantReply, usage := runPromptWithCancellation(ctx, ag, prompt, cancel, d.TurnTimeoutMS, d.OutboundLimiter)

	newLineage := []session.Message{
		{Role: "user", Content: prompt},
		{Role: "assistant", Content: assistantReply},
	}
	if err := session.AppendMessages(sessionPath, headID, lineage, newLineage); err != nil {
		// Non-fatal per spec.md: only the listed failure modes fail the run.
		_ = err
	}

	completedMS := d.Clock.NowUnixMS()

	artifactBody := renderArtifactMarkdown(event, assistantReply, status)
	artifactID := uuid.NewString()
	if _, err := store.WriteTextArtifact(runID, "run-transcript", protocol.VisibilityPrivate, d.RetentionDays, "md", artifactBody, artifactID, completedMS); err != nil {
		_ = err // artifact write failure does not fail the run per spec's listed failure modes
	}

	_ = store.SyncContextFromMessages([]map[string]any{
		{"role": "user", "content": prompt},
		{"role": "assistant", "content": assistantReply},
	})
	_ = store.AppendLogEntry(channelstore.ChannelLogEntry{
		TimestampUnixMS: completedMS,
		Direction:       "outbound",
		EventKey:        event.EventKey,
		Source:          d.TransportName,
		Payload:         map[string]any{"run_id": runID, "status": string(status)},
	})

	finalizePlaceholder(ctx, d, workingChannel, workingTS, event, runID, status, assistantReply)

	return dispatch.RunResult{
		ChannelID:       channelID,
		EventKey:        event.EventKey,
		RunID:           runID,
		StartedUnixMS:   startedMS,
		CompletedUnixMS: completedMS,
		DurationMS:      completedMS - startedMS,
		Status:          status,
		Usage: map[string]any{
			"input_tokens":       usage.InputTokens,
			"output_tokens":      usage.OutputTokens,
			"total_tokens":       usage.TotalTokens,
			"request_duration_ms": usage.RequestDurationMS,
			"finish_reason":      usage.FinishReason,
		},
	}
}

func (d Deps) fail(channelID string, event normalize.InboundEvent, runID string, startedMS int64, workingChannel, workingTS string, cause error) dispatch.RunResult {
	completedMS := d.Clock.NowUnixMS()
	redacted := "internal error"
	if d.UpdateMessage != nil && workingTS != "" {
		_ = d.UpdateMessage(context.Background(), workingChannel, workingTS, "Run failed: "+redacted)
	}
	return dispatch.RunResult{
		ChannelID:       channelID,
		EventKey:        event.EventKey,
		RunID:           runID,
		StartedUnixMS:   startedMS,
		CompletedUnixMS: completedMS,
		DurationMS:      completedMS - startedMS,
		Status:          protocol.RunFailed,
		Err:             cause,
	}
}

// downloadAttachments fetches every attachment with a download URL and
// writes it under <attachments>/<sanitized-event-key>/<id>-<sanitized-
// name> (spec.md §4.12 step 2). A download failure is logged and that
// attachment is skipped — it does not fail the run.
func downloadAttachments(ctx context.Context, d Deps, store *channelstore.Store, event normalize.InboundEvent) {
	if len(event.Attachments) == 0 || d.Transport == nil {
		return
	}
	dir := store.AttachmentsDir(event.EventKey)
	for _, att := range event.Attachments {
		if att.DownloadURL == "" {
			continue
		}
		url := att.DownloadURL
		data, err := transport.RequestBytes(ctx, d.Transport, "download_attachment", func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		})
		if err != nil {
			slog.Debug("runtask: attachment download failed, skipping", "event_key", event.EventKey, "attachment_id", att.ID, "error", err)
			continue
		}
		name := channelstore.Sanitize(att.Name)
		if name == "_" {
			name = "attachment"
		}
		path := filepath.Join(dir, fmt.Sprintf("%s-%s", channelstore.Sanitize(att.ID), name))
		if err := atomicfile.Write(path, data, 0o644); err != nil {
			continue
		}
	}
}

func renderPrompt(channelID string, event normalize.InboundEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[channel=%s kind=%s actor=%s ts=%d]\n", channelID, event.Kind, event.ActorID, event.OccurredUnixMS)
	if len(event.Attachments) > 0 {
		b.WriteString("Attachments:\n")
		for _, a := range event.Attachments {
			fmt.Fprintf(&b, "- %s (%s)\n", a.Name, a.ID)
		}
	}
	b.WriteString(event.Text)
	return b.String()
}

func runPromptWithCancellation(ctx context.Context, ag agent.Agent, prompt string, cancel *dispatch.CancelLatch, turnTimeoutMS int64, limiter *outboundlimit.Limiter) (protocol.RunStatus, string, agent.Usage) {
	var totalUsage agent.Usage
	var replyParts []string

	for {
		if cancel.IsSet() {
			return protocol.RunCancelled, cancelledNotice, totalUsage
		}

		if err := limiter.Acquire(ctx); err != nil {
			return protocol.RunFailed, "", totalUsage
		}

		turnCtx := ctx
		var cancelTimeout context.CancelFunc
		if turnTimeoutMS > 0 {
			turnCtx, cancelTimeout = context.WithTimeout(ctx, time.Duration(turnTimeoutMS)*time.Millisecond)
		}

		result, err := ag.RunTurn(turnCtx, prompt)
		if cancelTimeout != nil {
			cancelTimeout()
		}
		if err != nil {
			if turnCtx.Err() == context.DeadlineExceeded {
				return protocol.RunTimedOut, timedOutNotice, totalUsage
			}
			return protocol.RunFailed, "", totalUsage
		}

		totalUsage.Add(result.Usage)
		for _, m := range result.Messages {
			if m.Role == "assistant" {
				replyParts = append(replyParts, m.Content)
			}
		}
		if result.Done {
			break
		}
		if cancel.IsSet() {
			return protocol.RunCancelled, cancelledNotice, totalUsage
		}
	}

	reply := strings.Join(replyParts, "\n")
	if reply == "" {
		reply = fallbackReply
	}
	return protocol.RunCompleted, reply, totalUsage
}

func renderArtifactMarkdown(event normalize.InboundEvent, reply string, status protocol.RunStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run transcript\n\n- event_key: %s\n- status: %s\n\n## Response\n\n%s\n", event.EventKey, status, reply)
	return b.String()
}

func finalizePlaceholder(ctx context.Context, d Deps, workingChannel, workingTS string, event normalize.InboundEvent, runID string, status protocol.RunStatus, reply string) {
	summary := reply
	truncated := false
	if len(summary) > summarySplitThreshold {
		summary = summary[:summarySplitThreshold] + "…"
		truncated = true
	}

	threadAnchor := event.ThreadID
	if threadAnchor == "" {
		threadAnchor = event.EventKey
	}

	if d.UpdateMessage != nil && workingTS != "" {
		if err := d.UpdateMessage(ctx, workingChannel, workingTS, summary); err != nil {
			if d.PostMessage != nil {
				_, _ = d.PostMessage(ctx, workingChannel, fallbackReply, threadAnchor)
			}
		}
	}

	if truncated && d.PostMessage != nil {
		_, _ = d.PostMessage(ctx, workingChannel, reply, workingTS)
	}
}
