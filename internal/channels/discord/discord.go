// Package discord implements the multi-channel live runner's Discord
// connector named in spec.md §1. It opens a gateway session, turns
// MessageCreate events into normalize.RawEnvelope values, and
// implements dispatch.Transport against ChannelMessageSend/Edit.
// Grounded on the teacher's internal/channels/discord (discord.go's
// session construction/intents and handleMessage's
// self-authorship/mention filtering), trimmed of its pairing-store and
// typing-indicator plumbing.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/tauhq/taucore/internal/normalize"
	"github.com/tauhq/taucore/pkg/protocol"
)

// Bridge implements channels.Bridge for a Discord bot over the gateway.
type Bridge struct {
	session        *discordgo.Session
	logger         *slog.Logger
	botUserID      string
	requireMention bool
}

// Config bundles the bridge's construction parameters.
type Config struct {
	Token          string
	RequireMention bool
	Logger         *slog.Logger
}

// New builds a discord.Bridge.
func New(cfg Config) (*Bridge, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return &Bridge{session: session, logger: logger, requireMention: cfg.RequireMention}, nil
}

func (b *Bridge) Name() string { return "discord" }

// Start opens the gateway connection and blocks until ctx is done,
// closing the session on the way out so Run's reconnect loop can open a
// fresh one (spec.md §5 reconnect-until-shutdown).
func (b *Bridge) Start(ctx context.Context, emit func(normalize.RawEnvelope)) error {
	b.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		b.handleMessage(m, emit)
	})
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway session: %w", err)
	}
	defer b.session.Close()

	me, err := b.session.User("@me")
	if err != nil {
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}
	b.botUserID = me.ID

	<-ctx.Done()
	return ctx.Err()
}

func (b *Bridge) handleMessage(m *discordgo.MessageCreate, emit func(normalize.RawEnvelope)) {
	if m.Author == nil || m.Author.ID == b.botUserID || m.Author.Bot {
		return
	}

	isDM := m.GuildID == ""
	kind := protocol.KindDirectMessage
	if !isDM {
		mentioned := false
		for _, u := range m.Mentions {
			if u.ID == b.botUserID {
				mentioned = true
				break
			}
		}
		switch {
		case mentioned:
			kind = protocol.KindAppMention
		case b.requireMention:
			return
		default:
			kind = protocol.KindChannelPost
		}
	}

	attachments := make([]normalize.Attachment, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, normalize.Attachment{
			ID: a.ID, Name: a.Filename, DownloadURL: a.URL,
		})
	}

	emit(normalize.RawEnvelope{
		ActorID:          m.Author.ID,
		ChannelID:        m.ChannelID,
		EventID:          m.ID,
		EventTimeSeconds: float64(m.Timestamp.Unix()),
		Text:             m.Content,
		Kind:             kind,
		Attachments:      attachments,
	})
}

// PostMessage implements dispatch.Transport's post_message. threadID is
// unused: Discord thread routing happens via channelID itself when the
// caller targets a thread channel.
func (b *Bridge) PostMessage(_ context.Context, channel, text, _ string) (string, error) {
	msg, err := b.session.ChannelMessageSend(channel, text)
	if err != nil {
		return "", fmt.Errorf("discord: send message: %w", err)
	}
	return msg.ID, nil
}

// UpdateMessage implements dispatch.Transport's update_message.
func (b *Bridge) UpdateMessage(_ context.Context, channel, ts, text string) error {
	_, err := b.session.ChannelMessageEdit(channel, ts, text)
	if err != nil {
		return fmt.Errorf("discord: edit message: %w", err)
	}
	return nil
}
