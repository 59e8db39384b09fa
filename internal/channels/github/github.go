// Package github implements the GitHub Issues polling bridge named in
// spec.md §1/§6 ("Issue tracker polling (GitHub-style): periodic HTTP
// GET over issues/comments paginated list; cursor persisted in state").
// Grounded on nugget-thane-ai-agent's internal/forge/github.go go-github
// client construction, adapted from a forge-automation client to an
// ingestion poller, with post/update implemented as
// create-comment/edit-comment against dispatch.Transport's contract.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/go-github/v69/github"

	"github.com/tauhq/taucore/internal/atomicfile"
	"github.com/tauhq/taucore/internal/normalize"
	"github.com/tauhq/taucore/pkg/protocol"
)

// Bridge implements channels.Bridge for a GitHub repository's issue
// comments.
type Bridge struct {
	client       *github.Client
	owner, repo  string
	pollInterval time.Duration
	cursorPath   string
	logger       *slog.Logger
}

// Config bundles the bridge's construction parameters.
type Config struct {
	Client       *github.Client
	Owner        string
	Repo         string
	PollInterval time.Duration
	CursorPath   string // persisted "since" cursor (spec.md §6)
	Logger       *slog.Logger
}

// New builds a github.Bridge.
func New(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Bridge{
		client:       cfg.Client,
		owner:        cfg.Owner,
		repo:         cfg.Repo,
		pollInterval: interval,
		cursorPath:   cfg.CursorPath,
		logger:       logger,
	}
}

func (b *Bridge) Name() string { return "github" }

type cursorState struct {
	SinceUnixMS int64 `json:"since_unix_ms"`
}

func (b *Bridge) loadCursor() time.Time {
	if b.cursorPath == "" {
		return time.Time{}
	}
	data, err := os.ReadFile(b.cursorPath)
	if err != nil {
		return time.Time{}
	}
	var s cursorState
	if err := json.Unmarshal(data, &s); err != nil {
		return time.Time{}
	}
	return time.UnixMilli(s.SinceUnixMS)
}

func (b *Bridge) saveCursor(t time.Time) {
	if b.cursorPath == "" {
		return
	}
	data, err := json.Marshal(cursorState{SinceUnixMS: t.UnixMilli()})
	if err != nil {
		return
	}
	if err := atomicfile.WriteJSONPretty(b.cursorPath, data, 0o644); err != nil {
		b.logger.Error("github: failed to persist comment cursor", "error", err)
	}
}

// Start polls issues/comments since the persisted cursor until ctx is
// done (spec.md §6 "Issue tracker polling").
func (b *Bridge) Start(ctx context.Context, emit func(normalize.RawEnvelope)) error {
	since := b.loadCursor()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			since = b.pollOnce(ctx, since, emit)
		}
	}
}

func (b *Bridge) pollOnce(ctx context.Context, since time.Time, emit func(normalize.RawEnvelope)) time.Time {
	opts := &github.IssueListCommentsOptions{
		Since:       since,
		Sort:        "created",
		Direction:   "asc",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	latest := since
	for {
		comments, resp, err := b.client.Issues.ListComments(ctx, b.owner, b.repo, 0, opts)
		if err != nil {
			b.logger.Warn("github: list comments failed", "owner", b.owner, "repo", b.repo, "error", err)
			return latest
		}
		for _, c := range comments {
			if c.GetUser() != nil && c.GetUser().GetType() == "Bot" {
				continue
			}
			issueNumber := issueNumberFromURL(c.GetIssueURL())
			emit(normalize.RawEnvelope{
				ActorID:          c.GetUser().GetLogin(),
				ChannelID:        fmt.Sprintf("%s/%s#%d", b.owner, b.repo, issueNumber),
				EventID:          strconv.FormatInt(c.GetID(), 10),
				EventTimeSeconds: float64(c.GetCreatedAt().Time.Unix()),
				Text:             c.GetBody(),
				Kind:             protocol.KindIssueComment,
			})
			if c.GetCreatedAt().Time.After(latest) {
				latest = c.GetCreatedAt().Time
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	if latest.After(since) {
		b.saveCursor(latest)
	}
	return latest
}

func issueNumberFromURL(url string) int {
	for i := len(url) - 1; i >= 0; i-- {
		if url[i] == '/' {
			n, err := strconv.Atoi(url[i+1:])
			if err != nil {
				return 0
			}
			return n
		}
	}
	return 0
}

// PostMessage creates a new issue comment; channel is "<owner>/<repo>#<n>".
func (b *Bridge) PostMessage(ctx context.Context, channel, text, threadID string) (string, error) {
	owner, repo, number, err := parseChannel(channel)
	if err != nil {
		return "", err
	}
	body := text
	comment, _, err := b.client.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: &body})
	if err != nil {
		return "", fmt.Errorf("github: create comment: %w", err)
	}
	return strconv.FormatInt(comment.GetID(), 10), nil
}

// UpdateMessage edits a previously created issue comment identified by ts
// (the comment id returned from PostMessage).
func (b *Bridge) UpdateMessage(ctx context.Context, channel, ts, text string) error {
	owner, repo, _, err := parseChannel(channel)
	if err != nil {
		return err
	}
	commentID, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("github: invalid comment id %q: %w", ts, err)
	}
	body := text
	_, _, err = b.client.Issues.EditComment(ctx, owner, repo, commentID, &github.IssueComment{Body: &body})
	if err != nil {
		return fmt.Errorf("github: edit comment: %w", err)
	}
	return nil
}

func parseChannel(channel string) (owner, repo string, number int, err error) {
	var numStr string
	for i := len(channel) - 1; i >= 0; i-- {
		if channel[i] == '#' {
			numStr = channel[i+1:]
			channel = channel[:i]
			break
		}
	}
	for i := 0; i < len(channel); i++ {
		if channel[i] == '/' {
			owner, repo = channel[:i], channel[i+1:]
			break
		}
	}
	if owner == "" || repo == "" || numStr == "" {
		return "", "", 0, fmt.Errorf("github: malformed channel id %q, want owner/repo#number", channel)
	}
	number, err = strconv.Atoi(numStr)
	if err != nil {
		return "", "", 0, fmt.Errorf("github: malformed issue number in %q: %w", channel, err)
	}
	return owner, repo, number, nil
}
