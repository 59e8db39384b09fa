// Package webhook implements the generic "Webhook transport
// (multi-channel)" named in spec.md §6: an HTTP POST ingestion endpoint
// authenticated by a verify_token path query plus an HMAC of the
// request body, producing the spec's webhook-message InboundEvent
// kind. It backs the multi-channel live runner's connectors that have
// no native socket/polling shape of their own. Grounded on the
// teacher's internal/channels/feishu webhook mode (http.Server +
// http.ServeMux started in Start, closed on Stop/ctx-done) and
// internal/channels/ratelimit.go (bounded per-key fixed window), keyed
// by channel_id and consulted after the verify_token, signature and
// payload checks have passed (spec.md §5's "Rate-limited webhook
// ingestion").
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tauhq/taucore/internal/channels"
	"github.com/tauhq/taucore/internal/normalize"
	"github.com/tauhq/taucore/internal/transport"
	"github.com/tauhq/taucore/pkg/protocol"
)

const (
	defaultPath          = "/webhook"
	maxBodyBytes         = 1 << 20 // 1MiB
	signatureHeader      = "X-Taucore-Signature-256"
	verifyTokenQueryKey  = "verify_token"
	shutdownGraceSeconds = 5
)

// Bridge implements channels.Bridge as an HTTP webhook receiver. It has
// no native send API of its own; PostMessage/UpdateMessage call back
// into a configured outbound callback base over the retrying transport
// client, matching spec.md §6's generic outbound contract.
type Bridge struct {
	listenAddr  string
	path        string
	verifyToken string
	appSecret   string

	limiter      *channels.WebhookRateLimiter
	out          *transport.Client // nil if no callback base configured (receive-only)
	callbackBase string

	logger *slog.Logger
	srv    *http.Server
}

// Config bundles the bridge's construction parameters.
type Config struct {
	ListenAddr  string // e.g. ":8085"
	Path        string // default "/webhook"
	VerifyToken string // required query param value
	AppSecret   string // HMAC-SHA256 key over the raw request body

	// CallbackBase and AuthToken, if set, let this bridge also act as
	// dispatch.Transport by POSTing to {CallbackBase}/send and
	// {CallbackBase}/update with a bearer token. Leave both empty for a
	// receive-only installation.
	CallbackBase     string
	AuthToken        string
	RequestTimeoutMS int64
	RetryMaxAttempts int
	RetryBaseDelayMS int64

	Limiter *channels.WebhookRateLimiter
	Logger  *slog.Logger
}

// New builds a webhook.Bridge.
func New(cfg Config) (*Bridge, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("webhook: listen_addr is required")
	}
	if cfg.VerifyToken == "" {
		return nil, fmt.Errorf("webhook: verify_token is required")
	}
	if cfg.AppSecret == "" {
		return nil, fmt.Errorf("webhook: app_secret is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = channels.NewWebhookRateLimiter()
	}
	path := cfg.Path
	if path == "" {
		path = defaultPath
	}

	var out *transport.Client
	if cfg.CallbackBase != "" {
		out = transport.New(transport.Config{
			BaseURL:          cfg.CallbackBase,
			AppName:          "taucore",
			Timeout:          time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
			RetryMaxAttempts: cfg.RetryMaxAttempts,
			RetryBaseDelayMS: cfg.RetryBaseDelayMS,
			AuthHeader:       "Authorization",
			AuthToken:        "Bearer " + cfg.AuthToken,
		})
	}

	return &Bridge{
		listenAddr:   cfg.ListenAddr,
		path:         path,
		verifyToken:  cfg.VerifyToken,
		appSecret:    cfg.AppSecret,
		limiter:      limiter,
		out:          out,
		callbackBase: cfg.CallbackBase,
		logger:       logger,
	}, nil
}

func (b *Bridge) Name() string { return "webhook" }

// inboundPayload is the generic multi-channel webhook wire shape this
// core expects of any connector fronting it: a thin envelope rather
// than a provider-specific one, since the webhook transport exists
// precisely for channels with no dedicated bridge.
type inboundPayload struct {
	EventID     string              `json:"event_id"`
	ChannelID   string              `json:"channel"`
	ActorID     string              `json:"actor_id"`
	TSUnixSec   float64             `json:"ts"`
	Text        string              `json:"text"`
	Attachments []inboundAttachment `json:"attachments"`
}

type inboundAttachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Start listens on ListenAddr until ctx is cancelled (spec.md §5
// reconnect-until-shutdown; a webhook receiver has no reconnect loop of
// its own, only a listen/shutdown lifecycle).
func (b *Bridge) Start(ctx context.Context, emit channels.Emit) error {
	mux := http.NewServeMux()
	mux.HandleFunc(b.path, b.handle(emit))

	b.srv = &http.Server{Addr: b.listenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- b.srv.ListenAndServe() }()

	b.logger.Info("webhook: listening", "addr", b.listenAddr, "path", b.path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGraceSeconds*time.Second)
		defer cancel()
		if err := b.srv.Shutdown(shutdownCtx); err != nil {
			b.logger.Warn("webhook: shutdown error", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("webhook: listen %s: %w", b.listenAddr, err)
		}
		return nil
	}
}

func (b *Bridge) handle(emit channels.Emit) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Query().Get(verifyTokenQueryKey) != b.verifyToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if len(body) > maxBodyBytes {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		if !b.verifySignature(r.Header.Get(signatureHeader), body) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var payload inboundPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}
		if payload.ChannelID == "" || payload.EventID == "" {
			http.Error(w, "missing channel or event_id", http.StatusBadRequest)
			return
		}

		if !b.limiter.Allow(payload.ChannelID) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		attachments := make([]normalize.Attachment, 0, len(payload.Attachments))
		for _, a := range payload.Attachments {
			attachments = append(attachments, normalize.Attachment{ID: a.ID, Name: a.Name, DownloadURL: a.URL})
		}
		ts := payload.TSUnixSec
		if ts == 0 {
			ts = float64(time.Now().Unix())
		}

		emit(normalize.RawEnvelope{
			ActorID:          payload.ActorID,
			ChannelID:        payload.ChannelID,
			EventID:          payload.EventID,
			EventTimeSeconds: ts,
			Text:             payload.Text,
			Kind:             protocol.KindWebhookMessage,
			Attachments:      attachments,
		})

		w.WriteHeader(http.StatusOK)
	}
}

// verifySignature checks header against hex(hmac_sha256(appSecret, body)).
// A missing or malformed header fails closed (spec.md §6 "Any
// missing/invalid signature → 401").
func (b *Bridge) verifySignature(header string, body []byte) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(b.appSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	got := header
	return len(got) == len(want) && hmac.Equal([]byte(got), []byte(want))
}

type sendResponse struct {
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

// PostMessage implements dispatch.Transport by POSTing to the
// configured callback base. Returns an error if this installation is
// receive-only (no CallbackBase configured).
func (b *Bridge) PostMessage(ctx context.Context, channel, text, threadID string) (string, error) {
	if b.out == nil {
		return "", fmt.Errorf("webhook: no outbound callback configured, receive-only installation")
	}
	body := map[string]any{"channel": channel, "text": text, "thread_id": threadID}
	resp, err := transport.RequestJSON[sendResponse](ctx, b.out, "send", jsonBuilder(b.callbackBase, http.MethodPost, "send", body))
	if err != nil {
		return "", err
	}
	return resp.TS, nil
}

// UpdateMessage implements dispatch.Transport by POSTing to the
// configured callback base's update endpoint.
func (b *Bridge) UpdateMessage(ctx context.Context, channel, ts, text string) error {
	if b.out == nil {
		return fmt.Errorf("webhook: no outbound callback configured, receive-only installation")
	}
	body := map[string]any{"channel": channel, "ts": ts, "text": text}
	_, err := transport.RequestJSON[sendResponse](ctx, b.out, "update", jsonBuilder(b.callbackBase, http.MethodPost, "update", body))
	return err
}

func jsonBuilder(base, method, path string, body map[string]any) transport.BuildRequest {
	return func(ctx context.Context) (*http.Request, error) {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("webhook: marshal request body: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, method, base+"/"+path, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		return req, nil
	}
}
