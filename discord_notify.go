package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// DiscordNotifier is D3: a fire-and-forget operator channel for block
// candidates, bans and round closures. Grounded on the teacher's
// discordNotifier (discord_notifier_types.go/discord_notifier_config.go),
// stripped down to the single outbound queue and dropped the per-worker
// online/offline tracking and slash commands that pool has no equivalent
// concept for here.
type DiscordNotifier struct {
	dg        *discordgo.Session
	channelID string
	queue     chan string
}

// NewDiscordNotifier constructs an unstarted notifier. token/channelID
// empty means the pool runs with no Discord integration; Start becomes a
// no-op and every Notify* call is safe on a nil *DiscordNotifier.
func NewDiscordNotifier(channelID string) *DiscordNotifier {
	return &DiscordNotifier{channelID: channelID, queue: make(chan string, 256)}
}

// Start opens the Discord session and begins draining the outbound queue.
// Grounded on discordNotifier.start: bot-token identify, guild intents,
// reconnect handlers left to discordgo's own session management.
func (n *DiscordNotifier) Start(ctx context.Context, token string) error {
	if n == nil {
		return nil
	}
	token = strings.TrimSpace(token)
	if token == "" || n.channelID == "" {
		return nil
	}

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return err
	}
	dg.Identify.Intents = discordgo.MakeIntent(discordgo.IntentsGuilds)
	if err := dg.Open(); err != nil {
		return err
	}
	n.dg = dg

	go n.loop(ctx)
	logger.Info("discord notifier started", "channel_id", n.channelID)
	return nil
}

func (n *DiscordNotifier) Close() {
	if n == nil || n.dg == nil {
		return
	}
	_ = n.dg.Close()
}

func (n *DiscordNotifier) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.queue:
			if _, err := n.dg.ChannelMessageSend(n.channelID, msg); err != nil {
				logger.Warn("discord message send failed", "error", err)
			}
		}
	}
}

// enqueue never blocks the caller: a full queue drops the message rather
// than stall the pool manager or a miner session behind Discord latency.
func (n *DiscordNotifier) enqueue(msg string) {
	if n == nil || n.dg == nil {
		return
	}
	select {
	case n.queue <- msg:
	default:
		logger.Warn("discord notification queue full, dropping message")
	}
}

func (n *DiscordNotifier) NotifyBlockFound(height uint32, hash, finder string) {
	n.enqueue(fmt.Sprintf(":pick: block candidate at height %d by `%s` (hash `%s`)", height, finder, hash))
}

func (n *DiscordNotifier) NotifyBan(user, address, reason string, expiresAt time.Time) {
	n.enqueue(fmt.Sprintf(":no_entry: banned `%s`/%s until %s: %s", user, address, expiresAt.UTC().Format(time.RFC3339), reason))
}

func (n *DiscordNotifier) NotifyRoundClosed(height uint32, roundID int64) {
	n.enqueue(fmt.Sprintf(":checkered_flag: round %d closed at height %d", roundID, height))
}
