package command

import "testing"

func TestParseNotAPrefixIsRegularPrompt(t *testing.T) {
	_, ok := Parse("hello there", "/tau")
	if ok {
		t.Fatalf("Parse() ok = true, want false for non-prefixed text")
	}
}

func TestParseBarePrefixIsInvalidUsage(t *testing.T) {
	got, ok := Parse("/tau", "/tau")
	if !ok || got.Kind != KindInvalid || got.InvalidReason != "usage" {
		t.Fatalf("got %+v, ok=%v, want Invalid{usage}", got, ok)
	}
}

func TestParseRecognizedForms(t *testing.T) {
	cases := []struct {
		text string
		want Command
	}{
		{"/tau help", Command{Kind: KindHelp}},
		{"/tau status", Command{Kind: KindStatus}},
		{"/tau stop", Command{Kind: KindStop}},
		{"/tau artifacts", Command{Kind: KindArtifacts, Purge: false}},
		{"/tau artifacts purge", Command{Kind: KindArtifacts, Purge: true}},
		{"/tau artifacts run r1", Command{Kind: KindArtifacts, RunID: "r1"}},
		{"/tau artifacts show a1", Command{Kind: KindArtifactShow, ArtifactID: "a1"}},
	}
	for _, c := range cases {
		got, ok := Parse(c.text, "/tau")
		if !ok {
			t.Fatalf("Parse(%q) ok = false", c.text)
		}
		if got != c.want {
			t.Fatalf("Parse(%q) = %+v, want %+v", c.text, got, c.want)
		}
	}
}

func TestParseTrailingTokensAreInvalid(t *testing.T) {
	cases := []string{
		"/tau help extra",
		"/tau status now",
		"/tau stop please",
		"/tau artifacts run r1 extra",
		"/tau artifacts show a1 extra",
		"/tau artifacts purge now",
	}
	for _, text := range cases {
		got, ok := Parse(text, "/tau")
		if !ok || got.Kind != KindInvalid {
			t.Fatalf("Parse(%q) = %+v, ok=%v, want Invalid", text, got, ok)
		}
	}
}

func TestParseUnknownSubcommandIsInvalidMessage(t *testing.T) {
	got, ok := Parse("/tau frobnicate", "/tau")
	if !ok || got.Kind != KindInvalid || got.InvalidReason != "message" {
		t.Fatalf("got %+v, ok=%v, want Invalid{message}", got, ok)
	}
}
