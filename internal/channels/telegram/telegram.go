// Package telegram implements the multi-channel live runner's Telegram
// connector named in spec.md §1. It long-polls the Bot API, turns
// updates into normalize.RawEnvelope values, and implements
// dispatch.Transport against sendMessage/editMessageText. Grounded on
// the teacher's internal/channels/telegram (channel.go's
// UpdatesViaLongPolling loop, handlers.go's mention/service-message
// filtering), trimmed of the teacher's pairing-store/team-store/draft
// -streaming plumbing this core's spec does not name.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/tauhq/taucore/internal/normalize"
	"github.com/tauhq/taucore/pkg/protocol"
)

// telegramGeneralTopicID is the fixed topic ID Telegram uses for a forum
// supergroup's "General" topic; it must be omitted from send/edit calls
// or the Bot API rejects the request with "thread not found".
const telegramGeneralTopicID = 1

// Bridge implements channels.Bridge for a Telegram bot using long polling.
type Bridge struct {
	bot            *telego.Bot
	logger         *slog.Logger
	botUsername    string
	requireMention bool
}

// Config bundles the bridge's construction parameters.
type Config struct {
	Token          string
	RequireMention bool
	Logger         *slog.Logger
}

// New builds a telegram.Bridge.
func New(cfg Config) (*Bridge, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Bridge{bot: bot, logger: logger, requireMention: cfg.RequireMention}, nil
}

func (b *Bridge) Name() string { return "telegram" }

// Start long-polls getUpdates until ctx is done, emitting one
// normalize.RawEnvelope per non-service message (spec.md §4.8 filters
// are applied downstream by normalize.Normalize; Start only does the
// transport-specific service-message/self-authorship filtering that
// has no cross-transport analogue).
func (b *Bridge) Start(ctx context.Context, emit func(normalize.RawEnvelope)) error {
	me, err := b.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: get bot identity: %w", err)
	}
	b.botUsername = me.Username
	b.syncMenuCommands(ctx)

	updates, err := b.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "edited_message"},
	})
	if err != nil {
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram: updates channel closed")
			}
			b.handleUpdate(update, emit)
		}
	}
}

// syncMenuCommands registers the /tau subcommands as native bot menu
// entries, best-effort: a failure here never blocks Start, since the
// command grammar still works typed out by hand (spec.md §4.9).
func (b *Bridge) syncMenuCommands(ctx context.Context) {
	commands := []telego.BotCommand{
		{Command: "tau_help", Description: "Show the command grammar"},
		{Command: "tau_status", Description: "Show the active/latest run for this channel"},
		{Command: "tau_stop", Description: "Cancel the active run"},
		{Command: "tau_artifacts", Description: "List or purge this channel's artifacts"},
	}
	if err := b.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: commands}); err != nil {
		b.logger.Warn("telegram: sync menu commands failed", "error", err)
	}
}

func (b *Bridge) handleUpdate(update telego.Update, emit func(normalize.RawEnvelope)) {
	msg := update.Message
	if msg == nil || isServiceMessage(msg) {
		return
	}
	user := msg.From
	if user == nil {
		return
	}

	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"
	kind := protocol.KindDirectMessage
	mentioned := detectMention(msg, b.botUsername)
	switch {
	case isGroup && mentioned:
		kind = protocol.KindAppMention
	case isGroup:
		if b.requireMention {
			return
		}
		kind = protocol.KindChannelPost
	}

	channelID := strconv.FormatInt(msg.Chat.ID, 10)
	if isGroup && msg.Chat.IsForum {
		threadID := msg.MessageThreadID
		if threadID == 0 {
			threadID = telegramGeneralTopicID
		}
		channelID = fmt.Sprintf("%d:topic:%d", msg.Chat.ID, threadID)
	}

	emit(normalize.RawEnvelope{
		ActorID:          strconv.FormatInt(user.ID, 10),
		ChannelID:        channelID,
		EventID:          strconv.Itoa(msg.MessageID),
		EventTimeSeconds: float64(msg.Date),
		Text:             msg.Text,
		Kind:             kind,
	})
}

// isServiceMessage reports whether msg is a membership/title-change
// notice rather than user content.
func isServiceMessage(msg *telego.Message) bool {
	return len(msg.NewChatMembers) > 0 || msg.LeftChatMember != nil ||
		msg.NewChatTitle != "" || msg.PinnedMessage != nil
}

// detectMention reports whether msg's entities include an @mention of
// botUsername.
func detectMention(msg *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	needle := "@" + strings.ToLower(botUsername)
	for _, e := range msg.Entities {
		if e.Type != "mention" {
			continue
		}
		if e.Offset+e.Length > len(msg.Text) {
			continue
		}
		if strings.ToLower(msg.Text[e.Offset:e.Offset+e.Length]) == needle {
			return true
		}
	}
	return false
}

// parseChannel splits a telegram channel id of the form "<chatID>" or
// "<chatID>:topic:<threadID>" (spec.md §4.7-style composite ids for
// forum routing).
func parseChannel(channel string) (chatID int64, threadID int, err error) {
	raw := channel
	if idx := strings.Index(channel, ":topic:"); idx >= 0 {
		raw = channel[:idx]
		threadID, err = strconv.Atoi(channel[idx+len(":topic:"):])
		if err != nil {
			return 0, 0, fmt.Errorf("telegram: malformed topic id in %q: %w", channel, err)
		}
	}
	chatID, err = strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram: malformed chat id in %q: %w", channel, err)
	}
	if threadID == telegramGeneralTopicID {
		threadID = 0
	}
	return chatID, threadID, nil
}

// PostMessage implements dispatch.Transport's post_message.
func (b *Bridge) PostMessage(ctx context.Context, channel, text, threadID string) (string, error) {
	chatID, topicID, err := parseChannel(channel)
	if err != nil {
		return "", err
	}
	msg := tu.Message(tu.ID(chatID), text)
	if topicID != 0 {
		msg.MessageThreadID = topicID
	}
	sent, err := b.bot.SendMessage(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("telegram: send message: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// UpdateMessage implements dispatch.Transport's update_message.
func (b *Bridge) UpdateMessage(ctx context.Context, channel, ts, text string) error {
	chatID, _, err := parseChannel(channel)
	if err != nil {
		return err
	}
	messageID, err := strconv.Atoi(ts)
	if err != nil {
		return fmt.Errorf("telegram: invalid message id %q: %w", ts, err)
	}
	_, err = b.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      text,
	})
	if err != nil {
		return fmt.Errorf("telegram: edit message: %w", err)
	}
	return nil
}
