// Package channels hosts the per-transport bridge adapters named in
// spec.md §1: a Slack-style Socket Mode bridge, a GitHub Issues bridge,
// and the multi-channel live runner's Telegram/Discord/WhatsApp
// connectors. Each bridge turns its platform's wire format into
// internal/normalize.RawEnvelope and implements internal/dispatch's
// Transport contract (post/update message) — the dispatch core and run
// task never see platform-specific types. Grounded on the teacher's
// channels.Channel/BaseChannel lifecycle split (Name/Start/Stop), trimmed
// of the multi-tenant DB-instance/message-bus plumbing the teacher layers
// on top, which this core's spec does not name.
package channels

import (
	"context"

	"github.com/tauhq/taucore/internal/normalize"
)

// Emit is how a bridge hands a freshly-received envelope to its poller.
// The poller normalizes it and feeds dispatch.Scheduler.HandleEnvelope.
type Emit func(normalize.RawEnvelope)

// Bridge is the interface every transport connector implements. Start
// must block until ctx is cancelled or the connection loop ends for a
// reason other than shutdown (spec.md §5 reconnect-until-shutdown).
type Bridge interface {
	// Name returns the transport identifier, e.g. "slack", "github",
	// "telegram", "discord", "whatsapp" — used as dispatch.Scheduler's
	// Transport and as the channel-store/pairing-token namespace.
	Name() string

	// Start connects and begins delivering envelopes to emit, blocking
	// until ctx is done.
	Start(ctx context.Context, emit Emit) error

	// PostMessage and UpdateMessage implement dispatch.Transport so the
	// scheduler can post placeholders and runtask can finalize them.
	PostMessage(ctx context.Context, channel, text, threadID string) (ts string, err error)
	UpdateMessage(ctx context.Context, channel, ts, text string) error
}

// Truncate shortens a string to maxLen, appending "…" if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "…"
}
