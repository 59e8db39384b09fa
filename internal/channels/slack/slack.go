// Package slack implements the Socket Mode-style bridge named in
// spec.md §1/§4.7: it opens a socket session, turns events-API envelopes
// into normalize.RawEnvelope values, and implements dispatch.Transport
// against the chat.postMessage/chat.update-style outbound API (spec.md
// §6). Grounded on internal/socket (the session/reconnect loop) and
// internal/transport (the retrying HTTP client), both themselves
// adapted from the teacher's zalo personal-protocol WebSocket client and
// mcp manager-connect backoff idiom.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tauhq/taucore/internal/normalize"
	"github.com/tauhq/taucore/internal/socket"
	"github.com/tauhq/taucore/internal/transport"
	"github.com/tauhq/taucore/pkg/protocol"
)

// Bridge implements channels.Bridge for a Slack-style Socket Mode app.
type Bridge struct {
	apiBase string
	api     *transport.Client
	session *socket.Session
	logger  *slog.Logger
}

// Config bundles the bridge's construction parameters.
type Config struct {
	APIBase          string
	AppToken         string // xapp-... used to open a socket connection
	BotToken         string // xoxb-... used for chat.postMessage/chat.update
	RequestTimeoutMS int64
	RetryMaxAttempts int
	RetryBaseDelayMS int64
	ReconnectDelayMS int64
	Logger           *slog.Logger
}

// New builds a slack.Bridge.
func New(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	api := transport.New(transport.Config{
		BaseURL:          cfg.APIBase,
		AppName:          "taucore",
		Timeout:          time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		RetryBaseDelayMS: cfg.RetryBaseDelayMS,
		AuthHeader:       "Authorization",
		AuthToken:        "Bearer " + cfg.BotToken,
	})
	openAPI := transport.New(transport.Config{
		BaseURL:          cfg.APIBase,
		AppName:          "taucore",
		Timeout:          time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		RetryBaseDelayMS: cfg.RetryBaseDelayMS,
		AuthHeader:       "Authorization",
		AuthToken:        "Bearer " + cfg.AppToken,
	})
	apiBase := cfg.APIBase

	open := func(ctx context.Context) (string, error) {
		resp, err := transport.RequestJSON[openConnectionResponse](ctx, openAPI, "apps.connections.open", jsonBuilder(apiBase, http.MethodPost, "apps.connections.open", nil))
		if err != nil {
			return "", err
		}
		if !resp.OK || resp.URL == "" {
			return "", fmt.Errorf("slack: apps.connections.open returned no url")
		}
		return resp.URL, nil
	}

	return &Bridge{
		apiBase: apiBase,
		api:     api,
		session: socket.New(open, time.Duration(cfg.ReconnectDelayMS)*time.Millisecond, logger),
		logger:  logger,
	}
}

type openConnectionResponse struct {
	OK  bool   `json:"ok"`
	URL string `json:"url"`
}

func jsonBuilder(apiBase, method, path string, body map[string]any) transport.BuildRequest {
	return func(ctx context.Context) (*http.Request, error) {
		var reader *bytes.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("slack: marshal request body: %w", err)
			}
			reader = bytes.NewReader(data)
		} else {
			reader = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, apiBase+"/"+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		return req, nil
	}
}

func (b *Bridge) Name() string { return "slack" }

// eventsAPIEnvelope is the inner payload of a socket.Envelope carrying an
// events-API callback (spec.md §6 "Socket transport").
type eventsAPIEnvelope struct {
	EventID   string  `json:"event_id"`
	EventTime float64 `json:"event_time"`
	Event     struct {
		Type        string `json:"type"`
		SubType     string `json:"subtype"`
		User        string `json:"user"`
		Channel     string `json:"channel"`
		ChannelType string `json:"channel_type"`
		Text        string `json:"text"`
		TS          string `json:"ts"`
		Files       []struct {
			ID                 string `json:"id"`
			Name               string `json:"name"`
			URLPrivateDownload string `json:"url_private_download"`
		} `json:"files"`
	} `json:"event"`
}

// Start drives the socket session until ctx is done; reconnect-until
// -shutdown is handled inside internal/socket.Session.Run itself.
func (b *Bridge) Start(ctx context.Context, emit func(normalize.RawEnvelope)) error {
	return b.session.Run(ctx, func(env socket.Envelope) {
		if env.EnvelopeType != protocol.EnvelopeEventsAPI {
			return
		}
		var payload eventsAPIEnvelope
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			b.logger.Debug("slack: dropping unparseable events-api payload", "error", err)
			return
		}

		kind := protocol.KindChannelPost
		switch {
		case payload.Event.Type == "app_mention":
			kind = protocol.KindAppMention
		case payload.Event.ChannelType == "im":
			kind = protocol.KindDirectMessage
		}

		attachments := make([]normalize.Attachment, 0, len(payload.Event.Files))
		for _, f := range payload.Event.Files {
			attachments = append(attachments, normalize.Attachment{ID: f.ID, Name: f.Name, DownloadURL: f.URLPrivateDownload})
		}

		emit(normalize.RawEnvelope{
			CallbackType:     "event_callback",
			ExpectedCallback: "event_callback",
			SubType:          payload.Event.SubType,
			ActorID:          payload.Event.User,
			ChannelID:        payload.Event.Channel,
			EventID:          payload.EventID,
			EventTimeSeconds: payload.EventTime,
			Text:             payload.Event.Text,
			Kind:             kind,
			Attachments:      attachments,
			ThreadID:         payload.Event.TS,
		})
	})
}

type postMessageResponse struct {
	OK      bool   `json:"ok"`
	TS      string `json:"ts"`
	Channel string `json:"channel"`
}

// PostMessage implements dispatch.Transport's post_message (spec.md §6).
func (b *Bridge) PostMessage(ctx context.Context, channel, text, threadID string) (string, error) {
	body := map[string]any{
		"channel":      channel,
		"text":         text,
		"mrkdwn":       false,
		"unfurl_links": false,
		"unfurl_media": false,
	}
	if threadID != "" {
		body["thread_ts"] = threadID
	}
	resp, err := transport.RequestJSON[postMessageResponse](ctx, b.api, "chat.postMessage", jsonBuilder(b.apiBase, http.MethodPost, "chat.postMessage", body))
	if err != nil {
		return "", err
	}
	return resp.TS, nil
}

// UpdateMessage implements dispatch.Transport's update_message.
func (b *Bridge) UpdateMessage(ctx context.Context, channel, ts, text string) error {
	body := map[string]any{"channel": channel, "ts": ts, "text": text, "mrkdwn": false}
	_, err := transport.RequestJSON[postMessageResponse](ctx, b.api, "chat.update", jsonBuilder(b.apiBase, http.MethodPost, "chat.update", body))
	return err
}
