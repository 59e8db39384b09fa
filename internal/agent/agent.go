// Package agent defines the narrow interface internal/runtask invokes
// to run a conversational turn. The concrete LLM provider, tool
// registry, and prompt/session stores are external collaborators
// (spec.md §1 "Out of scope") — this package only carries the contract
// and the usage-aggregation shape runtask subscribes to. Grounded on the
// teacher's internal/agent package boundary (Agent/RunPrompt split from
// provider clients), trimmed to the contract only.
package agent

import "context"

// Usage accumulates token/latency metrics over a run, matching the
// {input_tokens, output_tokens, total_tokens, request_duration_ms,
// finish_reason} shape named in spec.md §4.12 step 3.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	TotalTokens      int64
	RequestDurationMS int64
	FinishReason     string
}

// Add accumulates another turn's usage into the aggregate.
func (u *Usage) Add(turn Usage) {
	u.InputTokens += turn.InputTokens
	u.OutputTokens += turn.OutputTokens
	u.TotalTokens += turn.TotalTokens
	u.RequestDurationMS += turn.RequestDurationMS
	if turn.FinishReason != "" {
		u.FinishReason = turn.FinishReason
	}
}

// Message is one turn of conversational lineage (opaque content; the
// session-replay collaborator owns the concrete shape).
type Message struct {
	Role    string // "user" | "assistant" | "system" | "tool"
	Content string
}

// TurnResult is what RunTurn returns for a single cooperative turn.
type TurnResult struct {
	Messages []Message // assistant messages emitted during this turn
	Usage    Usage
	Done     bool // true when the agent has reached a terminal state
}

// Agent is the narrow conversational-loop contract runtask depends on.
// A concrete implementation wraps an LLM client, a tool registry, and a
// session store — none of which this package defines.
type Agent interface {
	// ReplayLineage seeds the agent's in-memory context from previously
	// persisted messages (spec.md §4.12 step 4).
	ReplayLineage(ctx context.Context, messages []Message) error

	// RunTurn executes one cooperative turn of the prompt, returning as
	// soon as a turn boundary or tool boundary is reached so the caller
	// can observe a cancellation/timeout checkpoint (spec.md §5
	// "Cancellation and timeouts").
	RunTurn(ctx context.Context, prompt string) (TurnResult, error)
}

// Builder constructs an Agent with the built-in tool set registered
// (spec.md §4.12 step 3). Supplied by the external collaborator that
// owns provider wiring; runtask only calls through this function type.
type Builder func(ctx context.Context) (Agent, error)
