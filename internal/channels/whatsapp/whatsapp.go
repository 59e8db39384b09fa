// Package whatsapp implements the multi-channel live runner's WhatsApp
// connector named in spec.md §1. It speaks a small JSON protocol over a
// WebSocket to an external WhatsApp-protocol bridge process (e.g. a
// whatsapp-web.js adapter), turning its inbound frames into
// normalize.RawEnvelope values and implementing dispatch.Transport by
// writing outbound frames back onto the same socket. Grounded on the
// teacher's internal/channels/whatsapp (its gorilla/websocket
// dial-and-reconnect loop and {"type":"message",...} frame shape),
// trimmed of its pairing-store debounce plumbing.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tauhq/taucore/internal/normalize"
	"github.com/tauhq/taucore/pkg/protocol"
)

// Bridge implements channels.Bridge against a WhatsApp-protocol bridge
// process reachable over WebSocket.
type Bridge struct {
	bridgeURL string
	logger    *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// Config bundles the bridge's construction parameters.
type Config struct {
	BridgeURL string
	Logger    *slog.Logger
}

// New builds a whatsapp.Bridge.
func New(cfg Config) (*Bridge, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp: bridge_url is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{bridgeURL: cfg.BridgeURL, logger: logger}, nil
}

func (b *Bridge) Name() string { return "whatsapp" }

// Start dials the bridge and reads frames until ctx is done,
// retrying failed dials with exponential backoff (reset to 1s after a
// successful connect; a read failure redials at once) so the
// outer poller's own reconnect loop only sees a true shutdown (spec.md
// §5 reconnect-until-shutdown; this inner loop mirrors the teacher's
// own backoff since the bridge connection, unlike Slack's socket
// session, has no single open()-then-read lifecycle to delegate to).
func (b *Bridge) Start(ctx context.Context, emit func(normalize.RawEnvelope)) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.bridgeURL, nil)
		if err != nil {
			b.logger.Warn("whatsapp: bridge dial failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min2(backoff*2, maxBackoff)
			continue
		}

		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()
		backoff = time.Second
		b.logger.Info("whatsapp: bridge connected", "url", b.bridgeURL)

		b.readLoop(ctx, conn, emit)

		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func min2(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn, emit func(normalize.RawEnvelope)) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			b.logger.Warn("whatsapp: bridge read error", "error", err)
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			b.logger.Debug("whatsapp: dropping unparseable bridge frame", "error", err)
			continue
		}
		if frame.Type != "message" {
			continue
		}
		b.handleFrame(frame, emit)
	}
}

// inboundFrame is the bridge process's wire shape:
// {"type":"message","from":"...","chat":"...","content":"...","id":"...","ts":1700000000,"media":[{"id":"...","url":"..."}]}
type inboundFrame struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	Chat    string `json:"chat"`
	Content string `json:"content"`
	ID      string `json:"id"`
	TS      int64  `json:"ts"`
	Media   []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"media"`
}

func (b *Bridge) handleFrame(frame inboundFrame, emit func(normalize.RawEnvelope)) {
	if frame.From == "" {
		return
	}
	chatID := frame.Chat
	if chatID == "" {
		chatID = frame.From
	}

	kind := protocol.KindDirectMessage
	if strings.HasSuffix(chatID, "@g.us") {
		kind = protocol.KindChannelPost
	}

	attachments := make([]normalize.Attachment, 0, len(frame.Media))
	for _, m := range frame.Media {
		attachments = append(attachments, normalize.Attachment{ID: m.ID, Name: m.Name, DownloadURL: m.URL})
	}

	ts := frame.TS
	if ts == 0 {
		ts = time.Now().Unix()
	}

	emit(normalize.RawEnvelope{
		ActorID:          frame.From,
		ChannelID:        chatID,
		EventID:          frame.ID,
		EventTimeSeconds: float64(ts),
		Text:             frame.Content,
		Kind:             kind,
		Attachments:      attachments,
	})
}

// PostMessage implements dispatch.Transport's post_message by writing an
// outbound frame to the bridge. threadID has no WhatsApp analogue.
func (b *Bridge) PostMessage(_ context.Context, channel, text, _ string) (string, error) {
	if err := b.send(channel, text); err != nil {
		return "", err
	}
	return "", nil
}

// UpdateMessage is unsupported: the bridge protocol has no edit frame,
// so runtask's placeholder-update step falls back to PostMessage after
// this returns an error (spec.md §4.12 step 9's best-effort retry).
func (b *Bridge) UpdateMessage(context.Context, string, string, string) error {
	return fmt.Errorf("whatsapp: message edit is not supported by the bridge protocol")
}

func (b *Bridge) send(chat, content string) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("whatsapp: bridge not connected")
	}
	payload, err := json.Marshal(map[string]any{"type": "message", "to": chat, "content": content})
	if err != nil {
		return fmt.Errorf("whatsapp: marshal outbound frame: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("whatsapp: send frame: %w", err)
	}
	return nil
}
