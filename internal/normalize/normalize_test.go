package normalize

import (
	"testing"

	"github.com/tauhq/taucore/pkg/protocol"
)

func keyOf(env RawEnvelope) string { return env.ChannelID + ":" + env.EventID }

func baseEnvelope() RawEnvelope {
	return RawEnvelope{
		CallbackType:     "event_callback",
		ExpectedCallback: "event_callback",
		ActorID:          "U999",
		ChannelID:        "C1",
		EventID:          "E1",
		EventTimeSeconds: 1700000000.5,
		Text:             "<@BOT1> do the thing",
		Kind:             protocol.KindAppMention,
	}
}

func TestNormalizeHappyPath(t *testing.T) {
	env := baseEnvelope()
	got, ok := Normalize(env, "BOT1", keyOf)
	if !ok {
		t.Fatalf("Normalize() ok = false, want true")
	}
	if got.Text != "do the thing" {
		t.Fatalf("Text = %q, want mention stripped", got.Text)
	}
	if got.OccurredUnixMS != 1700000000500 {
		t.Fatalf("OccurredUnixMS = %d, want 1700000000500", got.OccurredUnixMS)
	}
	if got.EventKey != "C1:E1" {
		t.Fatalf("EventKey = %q", got.EventKey)
	}
}

func TestNormalizeRejectsWrongCallbackType(t *testing.T) {
	env := baseEnvelope()
	env.CallbackType = "url_verification"
	if _, ok := Normalize(env, "BOT1", keyOf); ok {
		t.Fatalf("Normalize() ok = true, want false for mismatched callback type")
	}
}

func TestNormalizeRejectsBotAuthoredSubtype(t *testing.T) {
	env := baseEnvelope()
	env.SubType = "bot_message"
	if _, ok := Normalize(env, "BOT1", keyOf); ok {
		t.Fatalf("Normalize() ok = true, want false for bot_message subtype")
	}
}

func TestNormalizeRejectsMissingFields(t *testing.T) {
	cases := []RawEnvelope{
		func() RawEnvelope { e := baseEnvelope(); e.ActorID = ""; return e }(),
		func() RawEnvelope { e := baseEnvelope(); e.ChannelID = ""; return e }(),
		func() RawEnvelope { e := baseEnvelope(); e.EventTimeSeconds = 0; return e }(),
	}
	for i, env := range cases {
		if _, ok := Normalize(env, "BOT1", keyOf); ok {
			t.Fatalf("case %d: Normalize() ok = true, want false", i)
		}
	}
}

func TestNormalizeRejectsSelfAuthoredEvent(t *testing.T) {
	env := baseEnvelope()
	env.ActorID = "BOT1"
	if _, ok := Normalize(env, "BOT1", keyOf); ok {
		t.Fatalf("Normalize() ok = true, want false when actor is the bot itself")
	}
}

func TestNormalizeCarriesThreadID(t *testing.T) {
	env := baseEnvelope()
	env.ThreadID = "1700000000.000100"
	got, ok := Normalize(env, "BOT1", keyOf)
	if !ok {
		t.Fatalf("Normalize() ok = false")
	}
	if got.ThreadID != "1700000000.000100" {
		t.Fatalf("ThreadID = %q, want env.ThreadID carried through", got.ThreadID)
	}
	if got.ThreadID == got.EventKey {
		t.Fatalf("ThreadID must not collide with the dedup EventKey")
	}
}

func TestNormalizeStripsMultipleMentionPrefixes(t *testing.T) {
	env := baseEnvelope()
	env.Text = "<@BOT1> <@BOT1>   hello there"
	got, ok := Normalize(env, "BOT1", keyOf)
	if !ok {
		t.Fatalf("Normalize() ok = false")
	}
	if got.Text != "hello there" {
		t.Fatalf("Text = %q, want all mention prefixes stripped", got.Text)
	}
}
