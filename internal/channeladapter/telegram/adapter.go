// Package telegram implements channel.Adapter on top of go-telegram/bot.
package telegram

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// Adapter wraps a long-polling telegram bot and satisfies
// internal/channel.Adapter and internal/channel.TypingAdapter. channelID
// strings are the chat's decimal ID, matching channel.Adapter's string
// contract over Telegram's native int64 chat IDs.
type Adapter struct {
	bot            *bot.Bot
	allowedUserIDs map[int64]bool

	mu      sync.Mutex
	handler func(channelID, senderID, text string)
	cancel  context.CancelFunc

	Logger *log.Logger
}

// New builds an Adapter from a bot token. allowedUserIDs restricts which
// chat/user IDs are routed to the message handler; an empty slice allows
// all.
func New(token string, allowedUserIDs []int64) (*Adapter, error) {
	allowed := make(map[int64]bool, len(allowedUserIDs))
	for _, id := range allowedUserIDs {
		allowed[id] = true
	}
	a := &Adapter{allowedUserIDs: allowed}

	opts := []bot.Option{
		bot.WithDefaultHandler(a.onUpdate),
	}
	tgBot, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: failed to create bot: %w", err)
	}
	a.bot = tgBot
	return a, nil
}

func (a *Adapter) Platform() string { return "telegram" }

func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	go a.bot.Start(runCtx)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", channelID, err)
	}
	_, err = a.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("telegram: send to chat %s failed: %w", channelID, err)
	}
	return nil
}

func (a *Adapter) SendTyping(ctx context.Context, channelID string) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", channelID, err)
	}
	_, err = a.bot.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: models.ChatActionTyping,
	})
	if err != nil {
		return fmt.Errorf("telegram: typing indicator for chat %s failed: %w", channelID, err)
	}
	return nil
}

func (a *Adapter) OnMessage(handler func(channelID, senderID, text string)) {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
}

func (a *Adapter) onUpdate(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	chatID := update.Message.Chat.ID
	userID := update.Message.From.ID

	if len(a.allowedUserIDs) > 0 && !a.allowedUserIDs[userID] && !a.allowedUserIDs[chatID] {
		return
	}

	text := update.Message.Text
	if strings.TrimSpace(text) == "" {
		return
	}

	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler == nil {
		return
	}
	handler(strconv.FormatInt(chatID, 10), strconv.FormatInt(userID, 10), text)
}
