// Package command tokenizes the "/tau ..." control grammar described in
// spec.md §4.9. Grounded on the teacher's
// internal/channels/telegram/commands.go token-dispatch table, adapted
// from a Telegram BotCommand switch to a positional-argument grammar.
package command

import "strings"

// Kind is the tagged-union Command variant.
type Kind string

const (
	KindHelp         Kind = "help"
	KindStatus       Kind = "status"
	KindStop         Kind = "stop"
	KindArtifacts    Kind = "artifacts"
	KindArtifactShow Kind = "artifact_show"
	KindInvalid      Kind = "invalid"
)

// Command is the parsed result of Parse.
type Command struct {
	Kind Kind

	// Artifacts fields.
	Purge bool
	RunID string // optional filter for KindArtifacts

	// ArtifactShow field.
	ArtifactID string

	// InvalidReason is "usage" for a bare prefix, else "message".
	InvalidReason string
}

func invalid(reason string) Command { return Command{Kind: KindInvalid, InvalidReason: reason} }

// Parse tokenizes text against the prefix (e.g. "/tau"). It returns
// (Command{}, false) when the first token is not the prefix at all —
// spec.md: "the event is a regular prompt" in that case, not a Command.
func Parse(text, prefix string) (Command, bool) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 || tokens[0] != prefix {
		return Command{}, false
	}
	args := tokens[1:]

	if len(args) == 0 {
		return invalid("usage"), true
	}

	switch args[0] {
	case "help":
		if len(args) != 1 {
			return invalid("message"), true
		}
		return Command{Kind: KindHelp}, true

	case "status":
		if len(args) != 1 {
			return invalid("message"), true
		}
		return Command{Kind: KindStatus}, true

	case "stop":
		if len(args) != 1 {
			return invalid("message"), true
		}
		return Command{Kind: KindStop}, true

	case "artifacts":
		return parseArtifacts(args[1:]), true

	default:
		return invalid("message"), true
	}
}

func parseArtifacts(rest []string) Command {
	switch {
	case len(rest) == 0:
		return Command{Kind: KindArtifacts, Purge: false}

	case len(rest) == 1 && rest[0] == "purge":
		return Command{Kind: KindArtifacts, Purge: true}

	case len(rest) == 2 && rest[0] == "run":
		return Command{Kind: KindArtifacts, RunID: rest[1]}

	case len(rest) == 2 && rest[0] == "show":
		return Command{Kind: KindArtifactShow, ArtifactID: rest[1]}

	default:
		return invalid("message")
	}
}
