// Package discord is the Discord channel adapter, bridging gateway events
// onto the runtime bus.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/channels"
	"github.com/nanobot-ai/nanobot/internal/config"
)

// Discord rejects messages longer than 2000 characters.
const messageLimit = 1900

// Channel connects to Discord via the gateway.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	botUserID string
}

func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is not configured")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", msgBus, cfg.AllowedIDs),
		session:     session,
	}, nil
}

func (c *Channel) Start(context.Context) error {
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	if c.session.State != nil && c.session.State.User != nil {
		c.botUserID = c.session.State.User.ID
		slog.Info("discord.connected", "username", c.session.State.User.Username)
	}
	return nil
}

func (c *Channel) Stop(context.Context) error {
	return c.session.Close()
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == c.botUserID || m.Content == "" {
		return
	}
	senderID := m.Author.ID
	if m.Author.Username != "" {
		senderID += "|" + m.Author.Username
	}
	if !c.HandleMessage(senderID, m.ChannelID, m.Content, nil, map[string]string{
		"message_id": m.ID,
		"guild_id":   m.GuildID,
	}) {
		slog.Debug("discord.sender_denied", "sender", senderID)
	}
}

func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	for _, chunk := range channels.SplitMessage(msg.Content, messageLimit) {
		if _, err := c.session.ChannelMessageSend(msg.ChatID, chunk); err != nil {
			return fmt.Errorf("send to channel %s: %w", msg.ChatID, err)
		}
	}
	return nil
}
