package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/tauhq/taucore/internal/channelstore"
	"github.com/tauhq/taucore/internal/clock"
	"github.com/tauhq/taucore/internal/command"
	"github.com/tauhq/taucore/internal/dispatch"
	"github.com/tauhq/taucore/internal/normalize"
)

const helpText = `/tau help — show this message
/tau status — show the active and most recent run for this channel
/tau stop — request cancellation of the active run
/tau artifacts [run <id>] — list artifacts, optionally filtered by run id
/tau artifacts purge — delete expired artifacts
/tau artifacts show <id> — show one artifact's metadata`

const artifactsListCap = 10

// NewCommandRunner builds the dispatch.CommandRunner that executes
// parsed /tau commands inline (spec.md §4.11). Grounded on the teacher's
// internal/channels/telegram/commands.go reply-per-command dispatch,
// adapted to post through a Bridge instead of a Telegram-specific API.
func NewCommandRunner(scheduler *dispatch.Scheduler, bridge Bridge, channelRoot string, clk clock.Clock) dispatch.CommandRunner {
	return func(ctx context.Context, channelID string, cmd command.Command, event normalize.InboundEvent) error {
		reply, status := executeCommand(scheduler, bridge, channelRoot, clk, channelID, cmd)
		threadAnchor := event.ThreadID
		if threadAnchor == "" {
			threadAnchor = event.EventKey
		}
		var postedTS string
		if bridge != nil && reply != "" {
			ts, err := bridge.PostMessage(ctx, channelID, reply, threadAnchor)
			if err != nil {
				scheduler.AppendCommandOutbound(event.EventKey, channelID, string(cmd.Kind), status, "", err.Error())
				return fmt.Errorf("channels: post command reply: %w", err)
			}
			postedTS = ts
		}
		scheduler.AppendCommandOutbound(event.EventKey, channelID, string(cmd.Kind), status, postedTS, "")
		logCommandOutcome(channelRoot, bridge, channelID, event, cmd, status, clk)
		return nil
	}
}

func executeCommand(scheduler *dispatch.Scheduler, bridge Bridge, channelRoot string, clk clock.Clock, channelID string, cmd command.Command) (reply, status string) {
	switch cmd.Kind {
	case command.KindHelp:
		return helpText, "ok"

	case command.KindStatus:
		return renderStatus(scheduler, channelID), "ok"

	case command.KindStop:
		return executeStop(scheduler, channelID)

	case command.KindArtifacts:
		return executeArtifacts(bridge, channelRoot, clk, channelID, cmd)

	case command.KindArtifactShow:
		return executeArtifactShow(bridge, channelRoot, clk, channelID, cmd.ArtifactID)

	case command.KindInvalid:
		if cmd.InvalidReason == "usage" {
			return "Usage: /tau help|status|stop|artifacts ...", "invalid_usage"
		}
		return "Unrecognized /tau command. Try /tau help.", "invalid_message"

	default:
		return "Unrecognized /tau command. Try /tau help.", "invalid_message"
	}
}

func renderStatus(scheduler *dispatch.Scheduler, channelID string) string {
	var b strings.Builder
	if run, ok := scheduler.ActiveRunFor(channelID); ok {
		fmt.Fprintf(&b, "Active run: %s (event %s, started %d)\n", run.RunID, run.EventKey, run.StartedUnixMS)
	} else {
		b.WriteString("No active run.\n")
	}
	_, latest := scheduler.Snapshot()
	if l, ok := latest[channelID]; ok {
		fmt.Fprintf(&b, "Latest run: %s status=%s duration_ms=%d", l.RunID, l.Status, l.DurationMS)
	} else {
		b.WriteString("No prior run recorded.")
	}
	return b.String()
}

func executeStop(scheduler *dispatch.Scheduler, channelID string) (string, string) {
	run, ok := scheduler.ActiveRunFor(channelID)
	if !ok {
		return "No active run to stop.", "idle"
	}
	alreadySet := run.CancelSignal.Set()
	if alreadySet {
		return fmt.Sprintf("Cancellation already requested for run %s.", run.RunID), "already_cancelling"
	}
	return fmt.Sprintf("Cancellation requested for run %s…", run.RunID), "cancelling"
}

func executeArtifacts(bridge Bridge, channelRoot string, clk clock.Clock, channelID string, cmd command.Command) (string, string) {
	store, err := channelstore.Open(channelRoot, bridgeName(bridge), channelID)
	if err != nil {
		return "Could not open channel store.", "error"
	}

	if cmd.Purge {
		expired, invalid, err := store.PurgeExpiredArtifacts(clk.NowUnixMS())
		if err != nil {
			return "Purge failed.", "error"
		}
		return fmt.Sprintf("Purged %d expired artifacts (%d invalid index lines removed).", expired, invalid), "purged"
	}

	records, invalid, err := store.ListActiveArtifacts(clk.NowUnixMS())
	if err != nil {
		return "Could not list artifacts.", "error"
	}
	records = channelstore.RunArtifactsFilter(records, cmd.RunID)

	var b strings.Builder
	fmt.Fprintf(&b, "%d active artifacts", len(records))
	if invalid > 0 {
		fmt.Fprintf(&b, " (%d invalid index lines)", invalid)
	}
	b.WriteString(":\n")
	shown := records
	omitted := 0
	if len(shown) > artifactsListCap {
		omitted = len(shown) - artifactsListCap
		shown = shown[:artifactsListCap]
	}
	for _, r := range shown {
		fmt.Fprintf(&b, "- %s (%s, run %s, %d bytes)\n", r.ID, r.ArtifactType, r.RunID, r.Bytes)
	}
	if omitted > 0 {
		fmt.Fprintf(&b, "(%d more omitted)\n", omitted)
	}
	return b.String(), "listed"
}

func executeArtifactShow(bridge Bridge, channelRoot string, clk clock.Clock, channelID, artifactID string) (string, string) {
	store, err := channelstore.Open(channelRoot, bridgeName(bridge), channelID)
	if err != nil {
		return "Could not open channel store.", "error"
	}
	rec, ok, err := store.GetArtifact(artifactID)
	if err != nil {
		return "Could not load artifact.", "error"
	}
	if !ok {
		return fmt.Sprintf("No artifact with id %s.", artifactID), "not_found"
	}
	state := "active"
	if rec.ExpiresUnixMS != nil && *rec.ExpiresUnixMS <= clk.NowUnixMS() {
		state = "expired"
	}
	return fmt.Sprintf("Artifact %s: type=%s run=%s bytes=%d state=%s path=%s",
		rec.ID, rec.ArtifactType, rec.RunID, rec.Bytes, state, rec.RelativePath), "shown"
}

func bridgeName(bridge Bridge) string {
	if bridge == nil {
		return "unknown"
	}
	return bridge.Name()
}

func logCommandOutcome(channelRoot string, bridge Bridge, channelID string, event normalize.InboundEvent, cmd command.Command, status string, clk clock.Clock) {
	store, err := channelstore.Open(channelRoot, bridgeName(bridge), channelID)
	if err != nil {
		return
	}
	_ = store.AppendLogEntry(channelstore.ChannelLogEntry{
		TimestampUnixMS: clk.NowUnixMS(),
		Direction:       "outbound",
		EventKey:        event.EventKey,
		Source:          bridgeName(bridge),
		Payload: map[string]any{
			"command": string(cmd.Kind),
			"status":  status,
		},
	})
}
