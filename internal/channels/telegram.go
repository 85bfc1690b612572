package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel is the non-desktop sendable channel. Outbound goes through
// Runtime.SendMessage like every other channel; this type only provides the
// transport and the inbound long-poll loop.
type TelegramChannel struct {
	token   string
	runtime *Runtime
	states  *StateStore
	logger  *slog.Logger
	bot     *tgbotapi.BotAPI

	callbacks Callbacks
}

func NewTelegramChannel(token string, runtime *Runtime, states *StateStore, callbacks Callbacks, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:     token,
		runtime:   runtime,
		states:    states,
		logger:    logger,
		callbacks: callbacks,
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// Send implements DirectSender. The destination is a chat ID.
func (t *TelegramChannel) Send(_ context.Context, destination, text string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not started")
	}
	chatID, err := strconv.ParseInt(destination, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram destination %q is not a chat id", destination)
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Start connects the bot and long-polls for updates until ctx is cancelled,
// reconnecting with exponential backoff on transport failures.
func (t *TelegramChannel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		_ = t.states.Upsert("telegram", func(s *ChannelState) {
			s.Connected = false
			s.LastError = err.Error()
		})
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot started", "user", bot.Self.UserName)
	_ = t.states.Upsert("telegram", func(s *ChannelState) {
		s.Connected = true
		s.LastError = ""
	})

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting",
				"error", pollErr, "backoff", backoff)
			_ = t.states.Upsert("telegram", func(s *ChannelState) {
				s.Connected = false
				s.LastError = pollErr.Error()
			})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// The library long-polls with a 60s timeout and blocks rather than
	// closing the channel on a dead connection; treat a long stall as
	// disconnected.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			return fmt.Errorf("telegram poll stalled for %s", stallTimeout)
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			msg := InboundMessage{
				Channel:        "telegram",
				SenderID:       strconv.FormatInt(update.Message.From.ID, 10),
				ConversationID: strconv.FormatInt(update.Message.Chat.ID, 10),
				DisplayName:    update.Message.From.UserName,
				Text:           update.Message.Text,
			}
			if err := t.runtime.HandleInbound(ctx, msg, t.callbacks); err != nil {
				t.logger.Warn("inbound handling failed", "error", err)
			}
		}
	}
}
