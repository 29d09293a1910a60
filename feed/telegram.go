// Package feed adapts a Telegram bot into the engine's message stream. New
// posts and edits in the watched chats become tradewire.Message values; the
// same bot doubles as the reporter's forwarding channel.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tradewire/tradewire/ratelimit"
	"github.com/tradewire/tradewire/tradewire"
)

// Handler receives each inbound message. Errors are logged and do not stop
// the feed.
type Handler func(ctx context.Context, msg tradewire.Message) error

type Telegram struct {
	bot     *tgbotapi.BotAPI
	handler Handler
	logger  *slog.Logger
	// chatIDs restricts which chats are consumed; empty means all.
	chatIDs map[int64]struct{}
	timeout int
	limiter *ratelimit.Limiter
}

type Option func(*Telegram)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Telegram) { t.logger = logger }
}

// WithChats limits the feed to the given chat ids.
func WithChats(ids ...int64) Option {
	return func(t *Telegram) {
		t.chatIDs = make(map[int64]struct{}, len(ids))
		for _, id := range ids {
			t.chatIDs[id] = struct{}{}
		}
	}
}

// WithPollTimeout sets the long-poll timeout in seconds.
func WithPollTimeout(seconds int) Option {
	return func(t *Telegram) { t.timeout = seconds }
}

// WithSendLimit paces outbound messages so review forwarding cannot trip
// Telegram's flood control.
func WithSendLimit(l *ratelimit.Limiter) Option {
	return func(t *Telegram) { t.limiter = l }
}

func NewTelegram(token string, handler Handler, opts ...Option) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}

	t := &Telegram{
		bot:     bot,
		handler: handler,
		logger:  slog.Default().WithGroup("feed"),
		timeout: 30,
	}
	for _, opt := range opts {
		opt(t)
	}

	t.logger.Info("telegram bot connected", slog.String("username", bot.Self.UserName))
	return t, nil
}

// Run consumes updates until ctx is cancelled.
func (t *Telegram) Run(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = t.timeout
	updates := t.bot.GetUpdatesChan(cfg)

	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.dispatch(ctx, update)
		}
	}
}

func (t *Telegram) dispatch(ctx context.Context, update tgbotapi.Update) {
	var (
		src    *tgbotapi.Message
		isEdit bool
	)
	switch {
	case update.Message != nil:
		src = update.Message
	case update.EditedMessage != nil:
		src, isEdit = update.EditedMessage, true
	case update.ChannelPost != nil:
		src = update.ChannelPost
	case update.EditedChannelPost != nil:
		src, isEdit = update.EditedChannelPost, true
	default:
		return
	}

	if src.Text == "" {
		return
	}
	if len(t.chatIDs) > 0 {
		if _, ok := t.chatIDs[src.Chat.ID]; !ok {
			return
		}
	}

	msg := toMessage(src, isEdit)
	t.logger.Debug("message received",
		slog.String("source_msg_id", msg.SourceMsgID),
		slog.Bool("is_edit", msg.IsEdit),
		slog.Int64("chat_id", msg.ChatID))

	if err := t.handler(ctx, msg); err != nil {
		t.logger.Warn("message handler failed",
			slog.String("source_msg_id", msg.SourceMsgID),
			slog.String("error", err.Error()))
	}
}

func toMessage(src *tgbotapi.Message, isEdit bool) tradewire.Message {
	msg := tradewire.Message{
		SourceMsgID: strconv.Itoa(src.MessageID),
		Text:        src.Text,
		IsEdit:      isEdit,
		ChatID:      src.Chat.ID,
	}
	if src.ReplyToMessage != nil {
		msg.ReplyToMsgID = strconv.Itoa(src.ReplyToMessage.MessageID)
	}
	if src.From != nil {
		msg.Sender = src.From.UserName
	}
	return msg
}

// SendMessage posts text into a chat; it satisfies the reporter's Forwarder.
func (t *Telegram) SendMessage(ctx context.Context, chatID int64, text string) error {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("send rate limit: %w", err)
		}
	}
	_, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
