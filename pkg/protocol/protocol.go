// Package protocol defines the wire-level constants shared across
// transports: Socket Mode-style envelope types, canonical event/run kinds,
// and the control-command grammar. It carries no behavior — only the
// tagged-union vocabulary other packages build on.
package protocol

// ProtocolVersion is bumped whenever a persisted schema or wire envelope
// shape changes in a way that isn't backward compatible.
const ProtocolVersion = 1

// Socket Mode-style envelope types (see internal/socket).
const (
	EnvelopeEventsAPI  = "events_api"
	EnvelopeInteractive = "interactive"
	EnvelopeSlashCommand = "slash_commands"
	EnvelopeDisconnect  = "disconnect"
)

// InboundEventKind is the spec's InboundEvent.kind tagged union.
type InboundEventKind string

const (
	KindAppMention     InboundEventKind = "app-mention"
	KindDirectMessage  InboundEventKind = "direct-message"
	KindIssueComment   InboundEventKind = "issue-comment"
	KindChannelPost    InboundEventKind = "channel-post"
	KindWebhookMessage InboundEventKind = "webhook-message"
)

// RunStatus is the terminal status of a RunResult.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunTimedOut  RunStatus = "timed_out"
	RunFailed    RunStatus = "failed"
)

// PairingReasonCode values, preserved verbatim into JSONL audit records.
const (
	ReasonPaired                        = "paired"
	ReasonPairingExpired                 = "pairing_expired"
	ReasonActorNotInChannelAllowlist     = "actor_not_in_channel_allowlist"
	ReasonActorNotPairedOrAllowlisted    = "actor_not_paired_or_allowlisted"
	ReasonPermissiveDefault              = "permissive_default"
)

// Agent run lifecycle event names. No package in this module emits them;
// internal/runtask's channel-log Payload["status"] carries RunStatus
// values instead.
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunRetrying  = "run.retrying"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
)

const (
	ChatEventChunk    = "chunk"
	ChatEventMessage  = "message"
	ChatEventThinking = "thinking"
)

// ArtifactVisibility values.
const (
	VisibilityPrivate = "private"
	VisibilityPublic  = "public"
)

// ReleaseChannel values.
type ReleaseChannel string

const (
	ChannelStable ReleaseChannel = "stable"
	ChannelBeta   ReleaseChannel = "beta"
	ChannelDev    ReleaseChannel = "dev"
)

// ReleaseUpdateAction values.
type ReleaseUpdateAction string

const (
	ActionUpgrade ReleaseUpdateAction = "upgrade"
	ActionNoop    ReleaseUpdateAction = "noop"
	ActionBlocked ReleaseUpdateAction = "blocked"
)

// ReleaseLookupSource values.
const (
	LookupCacheFresh       = "cache_fresh"
	LookupLive             = "live"
	LookupCacheStaleFallback = "cache_stale_fallback"
)
