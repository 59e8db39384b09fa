// Package normalize turns a raw transport envelope into an InboundEvent,
// applying the filters described in spec.md §4.8. Grounded on the
// teacher's internal/channels/telegram/handlers.go message-filtering
// idiom (bot-authored / self-mention checks ahead of dispatch).
package normalize

import (
	"strings"

	"github.com/tauhq/taucore/pkg/protocol"
)

// RawEnvelope is the minimal decoded shape the normalizer inspects. The
// concrete channel adapters translate their wire formats into this
// common shape before calling Normalize.
type RawEnvelope struct {
	CallbackType     string // e.g. "event_callback"
	ExpectedCallback string // what CallbackType must equal
	SubType          string // e.g. "bot_message", "message_changed"
	ActorID          string
	ChannelID        string
	EventID          string
	EventTimeSeconds float64
	Text             string
	Kind             protocol.InboundEventKind
	Attachments      []Attachment

	// ThreadID is the transport-native reply-thread anchor (Slack's
	// message ts, etc.), distinct from the dedup EventKey. Empty when the
	// transport has no such concept.
	ThreadID string
}

// Attachment is a raw attachment reference carried on an envelope.
type Attachment struct {
	ID          string
	Name        string
	DownloadURL string
}

// InboundEvent is the normalized event record (spec.md's InboundEvent).
type InboundEvent struct {
	EventKey        string
	Kind            protocol.InboundEventKind
	ChannelID       string
	ActorID         string
	EventID         string
	OccurredUnixMS  int64
	Text            string
	Attachments     []Attachment

	// ThreadID carries env.ThreadID through (spec.md §3 InboundEvent's
	// thread_id), for bridges to post/thread replies on — not to be
	// confused with EventKey, which is a dedup identity, not a valid
	// transport message reference.
	ThreadID string
}

const botMessageSubType = "bot_message"

// Normalize applies the four rejection filters from spec.md §4.8 in order, then
// strips leading "<@bot_user_id>" mention tokens from the text. Returns
// (event, true) on success, or (zero, false) when any filter rejects
// the envelope.
func Normalize(env RawEnvelope, botUserID string, eventKeyOf func(RawEnvelope) string) (InboundEvent, bool) {
	if env.ExpectedCallback != "" && env.CallbackType != env.ExpectedCallback {
		return InboundEvent{}, false
	}
	if env.SubType == botMessageSubType {
		return InboundEvent{}, false
	}
	if env.ActorID == "" || env.ChannelID == "" || env.EventTimeSeconds == 0 {
		return InboundEvent{}, false
	}
	if env.ActorID == botUserID {
		return InboundEvent{}, false
	}

	text := stripMentionPrefix(env.Text, botUserID)

	return InboundEvent{
		EventKey:       eventKeyOf(env),
		Kind:           env.Kind,
		ChannelID:      env.ChannelID,
		ActorID:        env.ActorID,
		EventID:        env.EventID,
		OccurredUnixMS: int64(env.EventTimeSeconds * 1000),
		Text:           text,
		Attachments:    env.Attachments,
		ThreadID:       env.ThreadID,
	}, true
}

// stripMentionPrefix removes every leading "<@botUserID>" token (and any
// whitespace immediately following each one) from text.
func stripMentionPrefix(text, botUserID string) string {
	if botUserID == "" {
		return strings.TrimSpace(text)
	}
	mention := "<@" + botUserID + ">"
	for {
		trimmed := strings.TrimLeft(text, " \t\n")
		if !strings.HasPrefix(trimmed, mention) {
			text = trimmed
			break
		}
		text = strings.TrimPrefix(trimmed, mention)
	}
	return strings.TrimSpace(text)
}
