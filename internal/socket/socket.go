// Package socket implements the Socket-Mode-style session described in
// spec.md §4.7: open() resolves a WebSocket URL, the session reads
// envelopes and acks them immediately, and the outer loop reconnects
// with a delay unless shutdown has been signaled. Grounded on the
// teacher's internal/channels/zalo/personal/protocol/ws_client.go
// (coder/websocket dial/read/write wrapper) and listener.go's
// read-loop/reconnect shape.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/tauhq/taucore/pkg/protocol"
)

// Envelope is the wire shape read off the socket (spec.md §6: "text/
// binary WebSocket frames carrying {envelope_id, type, payload}").
type Envelope struct {
	EnvelopeID   string          `json:"envelope_id"`
	EnvelopeType string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
}

// ackFrame is the minimal ack the session sends back immediately upon
// receiving a known-type envelope.
type ackFrame struct {
	EnvelopeID string `json:"envelope_id"`
}

// Opener resolves a fresh WebSocket URL, mirroring a transport's
// "apps.connections.open"-style handshake call.
type Opener func(ctx context.Context) (wsURL string, err error)

// Session runs the socket read/ack loop and invokes Handler for every
// envelope of a known type.
type Session struct {
	open           Opener
	reconnectDelay time.Duration
	logger         *slog.Logger
}

// Handler processes a parsed Envelope. It must not block on network I/O
// longer than necessary — envelope handling in the dispatcher enqueues
// work rather than running it inline (spec.md §4.10).
type Handler func(Envelope)

// New constructs a Session.
func New(open Opener, reconnectDelay time.Duration, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{open: open, reconnectDelay: reconnectDelay, logger: logger}
}

// Run drives the reconnect loop until ctx is cancelled (the shutdown
// signal in spec.md terms). handle is invoked for every well-formed
// envelope of a known type; ping/pong/close/binary-non-utf8 frames and
// malformed envelopes yield no call.
func (s *Session) Run(ctx context.Context, handle Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.runOnce(ctx, handle); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("socket session ended, reconnecting", "error", err, "delay", s.reconnectDelay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Session) runOnce(ctx context.Context, handle Handler) error {
	wsURL, err := s.open(ctx)
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4 << 20)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Debug("socket: dropping unparseable envelope", "error", err)
			continue
		}
		switch env.EnvelopeType {
		case protocol.EnvelopeEventsAPI, protocol.EnvelopeInteractive, protocol.EnvelopeSlashCommand, protocol.EnvelopeDisconnect:
		default:
			continue
		}

		ack, err := json.Marshal(ackFrame{EnvelopeID: env.EnvelopeID})
		if err != nil {
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
			return err
		}

		handle(env)
	}
}
