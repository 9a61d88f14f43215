// Package discord implements channel.Adapter on top of discordgo.
package discord

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// Adapter wraps a discordgo session and satisfies internal/channel.Adapter
// and internal/channel.TypingAdapter.
type Adapter struct {
	session *discordgo.Session
	guildID string // optional: restrict message handling to one guild

	mu      sync.Mutex
	handler func(channelID, senderID, text string)

	Logger *log.Logger
}

// New builds an Adapter from a bot token. guildID may be empty to accept
// messages from any guild the bot is a member of.
func New(token, guildID string) (*Adapter, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: failed to create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	a := &Adapter{session: session, guildID: guildID}
	session.AddHandler(a.onMessageCreate)
	return a, nil
}

func (a *Adapter) Platform() string { return "discord" }

func (a *Adapter) Start(ctx context.Context) error {
	return a.session.Open()
}

func (a *Adapter) Stop(ctx context.Context) error {
	return a.session.Close()
}

func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) error {
	_, err := a.session.ChannelMessageSend(channelID, text)
	if err != nil {
		return fmt.Errorf("discord: send to channel %s failed: %w", channelID, err)
	}
	return nil
}

func (a *Adapter) SendTyping(ctx context.Context, channelID string) error {
	if err := a.session.ChannelTyping(channelID); err != nil {
		return fmt.Errorf("discord: typing indicator for channel %s failed: %w", channelID, err)
	}
	return nil
}

func (a *Adapter) OnMessage(handler func(channelID, senderID, text string)) {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
}

func (a *Adapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if a.guildID != "" && m.GuildID != a.guildID {
		return
	}
	if strings.TrimSpace(m.Content) == "" {
		return
	}

	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler == nil {
		return
	}
	handler(m.ChannelID, m.Author.ID, m.Content)
}
