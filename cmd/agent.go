package cmd

import (
	"context"
	"fmt"

	"github.com/tauhq/taucore/internal/agent"
)

// echoAgent is the default agent.Agent this binary wires when no
// external LLM-backed implementation is configured. The real provider
// adapter is an external collaborator per spec.md §1 "Out of scope";
// this stands in so `taucore serve` runs end to end out of the box
// instead of refusing to start.
type echoAgent struct {
	lineage []agent.Message
}

func (a *echoAgent) ReplayLineage(_ context.Context, messages []agent.Message) error {
	a.lineage = messages
	return nil
}

func (a *echoAgent) RunTurn(_ context.Context, prompt string) (agent.TurnResult, error) {
	reply := fmt.Sprintf("echo (no agent runtime configured): %s", prompt)
	return agent.TurnResult{
		Messages: []agent.Message{{Role: "assistant", Content: reply}},
		Usage:    agent.Usage{FinishReason: "stop"},
		Done:     true,
	}, nil
}

// newEchoAgentBuilder returns an agent.Builder that always succeeds with
// a fresh echoAgent.
func newEchoAgentBuilder() agent.Builder {
	return func(context.Context) (agent.Agent, error) {
		return &echoAgent{}, nil
	}
}
