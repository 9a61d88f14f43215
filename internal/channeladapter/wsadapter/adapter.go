// Package wsadapter implements internal/channel.Adapter over a plain
// websocket connection, for any chat surface that's already bridged onto a
// websocket text-message stream rather than a dedicated platform SDK
// (core/internal/bridge dials gorilla/websocket the same way for its own
// cloud control plane; this package repurposes that transport as a channel
// adapter to prove the channel package is transport-agnostic, not
// discordgo/go-telegram specific).
package wsadapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// envelope is the wire message exchanged in both directions: one JSON
// object per chat message.
type envelope struct {
	ChannelID string `json:"channel_id"`
	SenderID  string `json:"sender_id,omitempty"`
	Text      string `json:"text"`
}

// Adapter implements channel.Adapter over a single client websocket
// connection dialed by Start.
type Adapter struct {
	url string

	mu      sync.Mutex
	conn    *websocket.Conn
	handler func(channelID, senderID, text string)
	readErr chan struct{}
}

// New builds an Adapter that will dial url on Start.
func New(url string) *Adapter {
	return &Adapter{url: url}
}

func (a *Adapter) Platform() string { return "websocket" }

func (a *Adapter) Start(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return fmt.Errorf("wsadapter: dial %s failed: %w", a.url, err)
	}
	a.mu.Lock()
	a.conn = conn
	a.readErr = make(chan struct{})
	a.mu.Unlock()
	go a.readLoop()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	readErr := a.readErr
	a.conn = nil
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	if readErr != nil {
		<-readErr
	}
	return err
}

func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("wsadapter: not connected")
	}
	if err := conn.WriteJSON(envelope{ChannelID: channelID, Text: text}); err != nil {
		return fmt.Errorf("wsadapter: send to channel %s failed: %w", channelID, err)
	}
	return nil
}

func (a *Adapter) OnMessage(handler func(channelID, senderID, text string)) {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
}

func (a *Adapter) readLoop() {
	a.mu.Lock()
	conn := a.conn
	readErr := a.readErr
	a.mu.Unlock()
	defer close(readErr)

	for {
		var m envelope
		if err := conn.ReadJSON(&m); err != nil {
			return
		}
		if m.Text == "" {
			continue
		}
		a.mu.Lock()
		handler := a.handler
		a.mu.Unlock()
		if handler != nil {
			handler(m.ChannelID, m.SenderID, m.Text)
		}
	}
}
