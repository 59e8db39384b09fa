// Package pairing implements the channel/actor allowlist policy evaluator
// (spec.md §4.5): deny-by-default in strict mode, explicit allow rules in
// permissive mode. Grounded on the teacher's internal/channels/ratelimit.go
// decision-table style (ordered checks, each returning a reason string)
// adapted from rate-limit verdicts to pairing verdicts.
package pairing

import (
	"fmt"

	"github.com/tauhq/taucore/pkg/protocol"
)

// Reason codes, preserved verbatim into inbound/outbound JSONL entries.
// Aliased from pkg/protocol so the wire vocabulary has one definition.
const (
	ReasonPaired                      = protocol.ReasonPaired
	ReasonPairingExpired              = protocol.ReasonPairingExpired
	ReasonActorNotInChannelAllowlist  = protocol.ReasonActorNotInChannelAllowlist
	ReasonActorNotPairedOrAllowlisted = protocol.ReasonActorNotPairedOrAllowlisted
	ReasonPermissiveDefault           = protocol.ReasonPermissiveDefault
)

// Decision is the tagged-union PairingDecision: Allow{reason_code} |
// Deny{reason_code}.
type Decision struct {
	Allowed    bool
	ReasonCode string
}

func allow(reason string) Decision { return Decision{Allowed: true, ReasonCode: reason} }
func deny(reason string) Decision  { return Decision{Allowed: false, ReasonCode: reason} }

// ChannelRule is one entry of Policy.Channels.
type ChannelRule struct {
	AllowedActors map[string]bool
	AllowedUntil  *int64 // unix-ms deadline; nil means no deadline
}

// Policy is the evaluator's full input policy document.
type Policy struct {
	StrictMode bool
	Channels   map[string]ChannelRule // keyed by channel_token "<transport>:<channel-id>"
}

// Token builds the canonical "<transport>:<channel-id>" channel token.
func Token(transport, channelID string) string {
	return fmt.Sprintf("%s:%s", transport, channelID)
}

// Evaluate runs the five-step decision tree from spec.md §4.5 in order.
func Evaluate(policy Policy, channelToken, actorID string, nowUnixMS int64) Decision {
	rule, hasRule := policy.Channels[channelToken]
	if hasRule {
		actorListed := rule.AllowedActors[actorID]
		deadlineOK := rule.AllowedUntil == nil || nowUnixMS <= *rule.AllowedUntil
		switch {
		case actorListed && deadlineOK:
			return allow(ReasonPaired)
		case !deadlineOK:
			// Step 2 precedes step 3: an expired deadline is reported even
			// when the actor is also absent from the allowlist.
			return deny(ReasonPairingExpired)
		default:
			return deny(ReasonActorNotInChannelAllowlist)
		}
	}
	if policy.StrictMode {
		return deny(ReasonActorNotPairedOrAllowlisted)
	}
	return allow(ReasonPermissiveDefault)
}
