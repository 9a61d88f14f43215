// Command kbot is the chat-runtime agent process: it owns the channel
// adapters, the agent-control-protocol subprocess, and the durable session
// and conversation stores. It normally runs supervised (see
// cmd/kbot-supervisor) but starts up identically standalone, for local
// development.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kynetic-ai/kbot/internal/acp"
	"github.com/kynetic-ai/kbot/internal/acpclient"
	"github.com/kynetic-ai/kbot/internal/channel"
	"github.com/kynetic-ai/kbot/internal/channeladapter/discord"
	"github.com/kynetic-ai/kbot/internal/channeladapter/telegram"
	"github.com/kynetic-ai/kbot/internal/channeladapter/wsadapter"
	"github.com/kynetic-ai/kbot/internal/config"
	"github.com/kynetic-ai/kbot/internal/convstore"
	"github.com/kynetic-ai/kbot/internal/restartclient"
	"github.com/kynetic-ai/kbot/internal/sessionstore"
	"github.com/kynetic-ai/kbot/internal/stream"
	"github.com/kynetic-ai/kbot/internal/usage"
)

var (
	dataDir       string
	agentCommand  string
	agentArgs     []string
	agentType     string
	discordToken  string
	discordGuild  string
	telegramToken string
	telegramAllow string
	websocketURL  string
)

func main() {
	if !isatty.IsTerminal(os.Stdin.Fd()) || len(os.Args) > 1 {
		if err := rootCmd().ExecuteContext(context.Background()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	printInteractiveHelp()
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kbot",
		Short: "Chat-platform runtime for an agent-control-protocol agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "./kbot-data", "directory for session/conversation stores and config")
	root.PersistentFlags().StringVar(&agentCommand, "agent-command", "", "path to the agent-control-protocol agent binary")
	root.PersistentFlags().StringSliceVar(&agentArgs, "agent-arg", nil, "argument to pass to the agent binary (repeatable)")
	root.PersistentFlags().StringVar(&agentType, "agent-type", "default", "agent_type recorded on each session")
	root.PersistentFlags().StringVar(&discordToken, "discord-token", os.Getenv("KBOT_DISCORD_TOKEN"), "Discord bot token")
	root.PersistentFlags().StringVar(&discordGuild, "discord-guild", os.Getenv("KBOT_DISCORD_GUILD"), "Discord guild id restriction")
	root.PersistentFlags().StringVar(&telegramToken, "telegram-token", os.Getenv("KBOT_TELEGRAM_TOKEN"), "Telegram bot token")
	root.PersistentFlags().StringVar(&telegramAllow, "telegram-allowed-ids", os.Getenv("KBOT_TELEGRAM_ALLOWED_IDS"), "comma-separated allowed Telegram user ids")
	root.PersistentFlags().StringVar(&websocketURL, "websocket-url", os.Getenv("KBOT_WEBSOCKET_URL"), "websocket URL for a generic, SDK-less chat bridge")
	return root
}

func printInteractiveHelp() {
	fmt.Println("kbot runs a chat-platform bridge in front of an agent-control-protocol agent.")
	fmt.Println()
	fmt.Println("  kbot --agent-command /path/to/agent --discord-token $TOKEN")
	fmt.Println()
	fmt.Println("kbot is normally launched by kbot-supervisor, which restarts it on crash")
	fmt.Println("and drives planned restarts; run it directly only for local development.")
}

func run(ctx context.Context) error {
	log.SetPrefix("[kbot] ")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	restartCh := make(chan os.Signal, 1)
	signal.Notify(restartCh, syscall.SIGUSR1)

	cfgStore, err := config.NewStore(dataDir)
	if err != nil {
		return fmt.Errorf("kbot: failed to load config: %w", err)
	}
	cfg := cfgStore.Get()

	sessions, err := sessionstore.New(dataDir, cfg.LockTimeout)
	if err != nil {
		return fmt.Errorf("kbot: failed to open session store: %w", err)
	}
	if n, err := sessions.RecoverOrphanedSessions(); err != nil {
		log.Printf("failed to recover orphaned sessions: %v", err)
	} else if n > 0 {
		log.Printf("recovered %d orphaned session(s)", n)
	}

	conversations, err := convstore.New(dataDir, cfg.LockTimeout)
	if err != nil {
		return fmt.Errorf("kbot: failed to open conversation store: %w", err)
	}
	conversations.SessionStore = sessions

	if agentCommand == "" {
		return fmt.Errorf("kbot: --agent-command is required")
	}
	agentClient, err := acpclient.Start(ctx, acpclient.Options{
		Command:        agentCommand,
		Args:           agentArgs,
		RequestTimeout: cfg.DefaultRequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("kbot: failed to start agent: %w", err)
	}
	defer agentClient.Close()

	usageTracker := usage.New(agentClient, agentClient, cfg.UsageDebounceInterval, cfg.UsageProbeTimeout)

	lifecycle := acp.New(agentClient, sessionStoreShim{sessions}, convLookupShim{conversations}, cfg.RotationThreshold, cfg.RecentConversationWindow)

	router := newMessageRouter(lifecycle, agentClient, cfg)
	agentClient.OnSessionUpdate(router.handleAgentUpdate)
	usageTracker.Events.OnUpdate(router.handleUsageUpdate)

	registry := channel.NewRegistry()
	if discordToken != "" {
		if err := registerDiscord(registry, cfg, router); err != nil {
			log.Printf("discord adapter disabled: %v", err)
		}
	}
	if telegramToken != "" {
		if err := registerTelegram(registry, cfg, router); err != nil {
			log.Printf("telegram adapter disabled: %v", err)
		}
	}
	if websocketURL != "" {
		if err := registerWebsocket(registry, cfg, router); err != nil {
			log.Printf("websocket adapter disabled: %v", err)
		}
	}

	for name, lc := range registry.All() {
		if err := lc.Start(ctx); err != nil {
			log.Printf("failed to start channel %q: %v", name, err)
			continue
		}
		router.register(name, lc)
		defer lc.Stop(context.Background())
	}

	restart := newRestartClientFromEnvironment()
	restart.Logger = log.Default()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			log.Println("shutdown signal received")
			return nil
		case <-restartCh:
			if !restart.IsSupervised() {
				log.Println("restart signal ignored: not running under a supervisor")
				continue
			}
			go requestPlannedRestart(ctx, restart, dataDir, cfg)
		}
	}
}

// newRestartClientFromEnvironment picks the control-channel transport that
// matches the one kbot-supervisor's -control-transport flag chose for this
// child: a single KBOT_CONTROL_FD means the yamux-multiplexed single-socket
// transport, otherwise the default two-pipe transport (including the pty
// transport, which leaves the control pipes unchanged).
func newRestartClientFromEnvironment() *restartclient.Client {
	if os.Getenv("KBOT_CONTROL_FD") != "" {
		return restartclient.NewFromYamuxEnvironment()
	}
	return restartclient.NewFromEnvironment()
}

func requestPlannedRestart(ctx context.Context, restart *restartclient.Client, checkpointPath string, cfg config.RuntimeConfig) {
	if err := restart.RequestRestart(ctx, restartclient.RequestOptions{
		CheckpointPath: checkpointPath,
		Timeout:        cfg.RestartAckTimeout,
		MaxRetries:     cfg.RestartMaxRetries,
	}); err != nil {
		log.Printf("planned restart failed: %v", err)
		return
	}
	log.Println("planned restart acknowledged, exiting")
	os.Exit(0)
}

func registerDiscord(registry *channel.Registry, cfg config.RuntimeConfig, router *messageRouter) error {
	adapter, err := discord.New(discordToken, discordGuild)
	if err != nil {
		return fmt.Errorf("failed to build discord adapter: %w", err)
	}
	adapter.OnMessage(func(channelID, senderID, text string) {
		router.handleIncoming("discord", channelID, senderID, text)
	})

	opts := channel.DefaultOptions()
	opts.HealthCheckInterval = cfg.HealthCheckInterval
	opts.FailureThreshold = cfg.FailureThreshold
	opts.MaxReconnectAttempts = cfg.MaxReconnectAttempts
	opts.DrainTimeout = cfg.DrainGracePeriod
	opts.SendMaxAttempts = cfg.SendMaxAttempts
	return registry.Register("discord", channel.AdapterFuncs{
		Platform:    adapter.Platform(),
		Start:       adapter.Start,
		Stop:        adapter.Stop,
		SendMessage: adapter.SendMessage,
		OnMessage:   adapter.OnMessage,
		SendTyping:  adapter.SendTyping,
	}, opts)
}

func registerTelegram(registry *channel.Registry, cfg config.RuntimeConfig, router *messageRouter) error {
	var allowed []int64
	for _, s := range strings.Split(telegramAllow, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid telegram allowed id %q: %w", s, err)
		}
		allowed = append(allowed, id)
	}

	adapter, err := telegram.New(telegramToken, allowed)
	if err != nil {
		return fmt.Errorf("failed to build telegram adapter: %w", err)
	}
	adapter.OnMessage(func(channelID, senderID, text string) {
		router.handleIncoming("telegram", channelID, senderID, text)
	})

	opts := channel.DefaultOptions()
	opts.HealthCheckInterval = cfg.HealthCheckInterval
	opts.FailureThreshold = cfg.FailureThreshold
	opts.MaxReconnectAttempts = cfg.MaxReconnectAttempts
	opts.DrainTimeout = cfg.DrainGracePeriod
	opts.SendMaxAttempts = cfg.SendMaxAttempts
	return registry.Register("telegram", channel.AdapterFuncs{
		Platform:    adapter.Platform(),
		Start:       adapter.Start,
		Stop:        adapter.Stop,
		SendMessage: adapter.SendMessage,
		OnMessage:   adapter.OnMessage,
		SendTyping:  adapter.SendTyping,
	}, opts)
}

func registerWebsocket(registry *channel.Registry, cfg config.RuntimeConfig, router *messageRouter) error {
	adapter := wsadapter.New(websocketURL)
	adapter.OnMessage(func(channelID, senderID, text string) {
		router.handleIncoming("websocket", channelID, senderID, text)
	})

	opts := channel.DefaultOptions()
	opts.HealthCheckInterval = cfg.HealthCheckInterval
	opts.FailureThreshold = cfg.FailureThreshold
	opts.MaxReconnectAttempts = cfg.MaxReconnectAttempts
	opts.DrainTimeout = cfg.DrainGracePeriod
	opts.SendMaxAttempts = cfg.SendMaxAttempts
	return registry.Register("websocket", channel.AdapterFuncs{
		Platform:    adapter.Platform(),
		Start:       adapter.Start,
		Stop:        adapter.Stop,
		SendMessage: adapter.SendMessage,
		OnMessage:   adapter.OnMessage,
	}, opts)
}

// sessionStoreShim narrows sessionstore.Store to acp.SessionStore.
type sessionStoreShim struct{ store *sessionstore.Store }

func (s sessionStoreShim) CreateSession(input acp.CreateSessionInput) (*acp.PersistedSession, error) {
	at := input.AgentType
	if at == "" {
		at = agentType
	}
	session, err := s.store.CreateSession(sessionstore.CreateSessionInput{
		ID:             input.ID,
		AgentType:      at,
		ConversationID: input.ConversationID,
		SessionKey:     input.SessionKey,
	})
	if err != nil {
		return nil, err
	}
	return &acp.PersistedSession{ID: session.ID}, nil
}

func (s sessionStoreShim) UpdateSessionStatus(id string, status string) (*acp.PersistedSession, error) {
	session, err := s.store.UpdateSessionStatus(id, sessionstore.Status(status))
	if err != nil {
		return nil, err
	}
	return &acp.PersistedSession{ID: session.ID}, nil
}

// convLookupShim narrows convstore.Store to acp.ConversationLookup.
type convLookupShim struct{ store *convstore.Store }

func (c convLookupShim) GetConversationBySessionKeyInfo(sessionKey string) (string, int64, bool, error) {
	conv, err := c.store.GetConversationBySessionKey(sessionKey)
	if err != nil {
		return "", 0, false, err
	}
	if conv == nil {
		return "", 0, false, nil
	}
	return conv.ID, conv.UpdatedAt.UnixMilli(), true, nil
}

// sessionRoute is where one agent session's streamed reply gets delivered
// once the turn completes.
type sessionRoute struct {
	lifecycle  *channel.Lifecycle
	channelID  string
	sessionKey string
	coalescer  *stream.Coalescer
}

// messageRouter turns one inbound chat-platform message into an agent
// prompt, then coalesces the streamed reply back out through the same
// channel it arrived on. One router is shared by every registered channel.
type messageRouter struct {
	lifecycle   *acp.SessionLifecycle
	agentClient *acpclient.Client
	cfg         config.RuntimeConfig

	mu        sync.Mutex
	byName    map[string]*channel.Lifecycle
	bySession map[string]*sessionRoute
}

func newMessageRouter(lifecycle *acp.SessionLifecycle, agentClient *acpclient.Client, cfg config.RuntimeConfig) *messageRouter {
	return &messageRouter{
		lifecycle:   lifecycle,
		agentClient: agentClient,
		cfg:         cfg,
		byName:      make(map[string]*channel.Lifecycle),
		bySession:   make(map[string]*sessionRoute),
	}
}

func (r *messageRouter) register(platform string, lc *channel.Lifecycle) {
	r.mu.Lock()
	r.byName[platform] = lc
	r.mu.Unlock()
}

func (r *messageRouter) handleIncoming(platform, channelID, senderID, text string) {
	r.mu.Lock()
	lc := r.byName[platform]
	r.mu.Unlock()
	if lc == nil || !lc.CanAcceptMessages() {
		return
	}

	ctx := context.Background()
	sessionKey := platform + ":" + channelID
	result, err := r.lifecycle.GetOrCreateSession(ctx, sessionKey)
	if err != nil {
		log.Printf("session lifecycle failed for %s: %v", sessionKey, err)
		return
	}

	route := &sessionRoute{lifecycle: lc, channelID: channelID, sessionKey: sessionKey}
	route.coalescer = stream.New(stream.Options{
		Mode:     stream.ModeBuffered,
		MinChars: r.cfg.CoalesceMinChars,
		IdleTime: r.cfg.CoalesceIdle,
		OnComplete: func(fullText string) {
			if fullText == "" {
				return
			}
			if err := lc.SendMessage(ctx, channelID, fullText); err != nil {
				log.Printf("failed to deliver reply on %s/%s: %v", platform, channelID, err)
			}
		},
		OnError: func(err error) {
			log.Printf("coalescer error for session %s: %v", result.AgentSessionID, err)
		},
	})

	r.mu.Lock()
	r.bySession[result.AgentSessionID] = route
	r.mu.Unlock()

	lc.SendTyping(ctx, channelID)

	if err := r.agentClient.Prompt(ctx, result.AgentSessionID, text); err != nil {
		log.Printf("prompt failed for session %s: %v", result.AgentSessionID, err)
		return
	}
	route.coalescer.Complete()
}

// handleAgentUpdate feeds every session/update notification's text content
// into the originating session's coalescer.
func (r *messageRouter) handleAgentUpdate(sessionID string, raw json.RawMessage) {
	r.mu.Lock()
	route := r.bySession[sessionID]
	r.mu.Unlock()
	if route == nil {
		return
	}

	var payload struct {
		Content struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Content.Text == "" {
		return
	}
	route.coalescer.Push(payload.Content.Text)
}

// handleUsageUpdate forwards a probed context-usage percentage to the
// session lifecycle so it can decide whether the next prompt warrants
// rotating to a fresh agent session.
func (r *messageRouter) handleUsageUpdate(agentSessionID string, u usage.Usage) {
	r.mu.Lock()
	route := r.bySession[agentSessionID]
	r.mu.Unlock()
	if route == nil {
		return
	}
	r.lifecycle.UpdateUsage(route.sessionKey, u.Percentage)
}
