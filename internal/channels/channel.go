// Package channels connects external messaging platforms (Telegram,
// Discord, a local web UI, the CLI) to the agent runtime via the message
// bus. Adapters produce inbound messages and deliver outbound ones; they
// never talk to the agent directly.
package channels

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

// internalChannels never receive dispatched outbound messages; their
// producers consume replies themselves or replies route elsewhere.
var internalChannels = map[string]bool{
	"system":   true,
	"subagent": true,
	"cron":     true,
}

// IsInternal reports whether a channel name is runtime-internal.
func IsInternal(name string) bool { return internalChannels[name] }

// Channel is the contract every adapter satisfies.
type Channel interface {
	// Name returns the channel identifier ("telegram", "discord", ...).
	Name() string

	// Start begins listening for messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the adapter down and waits for its receive loop.
	Stop(ctx context.Context) error

	// Send delivers one outbound message.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsAllowed checks the adapter's sender allowlist.
	IsAllowed(senderID string) bool
}

// BaseChannel carries the shared adapter state; adapters embed it.
type BaseChannel struct {
	name      string
	msgBus    *bus.MessageBus
	allowList []string
}

func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{name: name, msgBus: msgBus, allowList: allowList}
}

func (c *BaseChannel) Name() string         { return c.name }
func (c *BaseChannel) Bus() *bus.MessageBus { return c.msgBus }

// IsAllowed checks a sender against the allowlist. Compound sender ids of
// the form "id|username" match on either part; an empty allowlist admits
// everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	idPart, userPart := senderID, ""
	if idx := strings.IndexByte(senderID, '|'); idx > 0 {
		idPart, userPart = senderID[:idx], senderID[idx+1:]
	}
	for _, allowed := range c.allowList {
		allowed = strings.TrimPrefix(allowed, "@")
		if senderID == allowed || idPart == allowed || (userPart != "" && userPart == allowed) {
			return true
		}
	}
	return false
}

// HandleMessage publishes a received message to the bus after the
// allowlist check. The standard path for every adapter.
func (c *BaseChannel) HandleMessage(senderID, chatID, content string, media []string, metadata map[string]string) bool {
	if !c.IsAllowed(senderID) {
		return false
	}
	c.msgBus.PublishInbound(bus.InboundMessage{
		Channel:  c.name,
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
		Media:    media,
		Metadata: metadata,
	})
	return true
}

// SplitMessage chunks text for platforms with a hard message length cap,
// preferring newline then space boundaries, cutting on rune boundaries.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		window := text[:cut]
		if idx := strings.LastIndexByte(window, '\n'); idx > limit/2 {
			cut = idx + 1
		} else if idx := strings.LastIndexByte(window, ' '); idx > limit/2 {
			cut = idx + 1
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n "))
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
