package pairing

import "testing"

func TestEvaluateAllowPaired(t *testing.T) {
	until := int64(2000)
	p := Policy{Channels: map[string]ChannelRule{
		"slack:C1": {AllowedActors: map[string]bool{"U1": true}, AllowedUntil: &until},
	}}
	got := Evaluate(p, "slack:C1", "U1", 1000)
	if !got.Allowed || got.ReasonCode != ReasonPaired {
		t.Fatalf("got %+v, want Allow{paired}", got)
	}
}

func TestEvaluateAllowPairedNoDeadline(t *testing.T) {
	p := Policy{Channels: map[string]ChannelRule{
		"slack:C1": {AllowedActors: map[string]bool{"U1": true}},
	}}
	got := Evaluate(p, "slack:C1", "U1", 9_999_999)
	if !got.Allowed || got.ReasonCode != ReasonPaired {
		t.Fatalf("got %+v, want Allow{paired}", got)
	}
}

func TestEvaluateDenyExpired(t *testing.T) {
	until := int64(500)
	p := Policy{Channels: map[string]ChannelRule{
		"slack:C1": {AllowedActors: map[string]bool{"U1": true}, AllowedUntil: &until},
	}}
	got := Evaluate(p, "slack:C1", "U1", 1000)
	if got.Allowed || got.ReasonCode != ReasonPairingExpired {
		t.Fatalf("got %+v, want Deny{pairing_expired}", got)
	}
}

func TestEvaluateDenyActorAbsent(t *testing.T) {
	p := Policy{Channels: map[string]ChannelRule{
		"slack:C1": {AllowedActors: map[string]bool{"U1": true}},
	}}
	got := Evaluate(p, "slack:C1", "U2", 1000)
	if got.Allowed || got.ReasonCode != ReasonActorNotInChannelAllowlist {
		t.Fatalf("got %+v, want Deny{actor_not_in_channel_allowlist}", got)
	}
}

func TestEvaluateExpiredTakesPrecedenceOverAbsent(t *testing.T) {
	until := int64(500)
	p := Policy{Channels: map[string]ChannelRule{
		"slack:C1": {AllowedActors: map[string]bool{"U1": true}, AllowedUntil: &until},
	}}
	got := Evaluate(p, "slack:C1", "U2", 1000)
	if got.Allowed || got.ReasonCode != ReasonPairingExpired {
		t.Fatalf("got %+v, want Deny{pairing_expired} (step 2 precedes step 3)", got)
	}
}

func TestEvaluateNoRuleStrictDeniesDefault(t *testing.T) {
	p := Policy{StrictMode: true, Channels: map[string]ChannelRule{}}
	got := Evaluate(p, "slack:C9", "U1", 1000)
	if got.Allowed || got.ReasonCode != ReasonActorNotPairedOrAllowlisted {
		t.Fatalf("got %+v, want Deny{actor_not_paired_or_allowlisted}", got)
	}
}

func TestEvaluateNoRulePermissiveAllowsDefault(t *testing.T) {
	p := Policy{StrictMode: false, Channels: map[string]ChannelRule{}}
	got := Evaluate(p, "slack:C9", "U1", 1000)
	if !got.Allowed || got.ReasonCode != ReasonPermissiveDefault {
		t.Fatalf("got %+v, want Allow{permissive_default}", got)
	}
}

func TestTokenFormat(t *testing.T) {
	if got := Token("github", "owner/repo#1"); got != "github:owner/repo#1" {
		t.Fatalf("Token() = %q", got)
	}
}
