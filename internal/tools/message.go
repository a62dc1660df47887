package tools

import (
	"context"
	"sync"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

// MessageTool sends a message to the current chat (or an explicit target)
// without ending the agent turn. Useful for progress notes during long work.
type MessageTool struct {
	msgBus *bus.MessageBus

	mu sync.Mutex
	cc CallContext
}

func NewMessageTool(msgBus *bus.MessageBus) *MessageTool {
	return &MessageTool{msgBus: msgBus}
}

func (t *MessageTool) SetCallContext(cc CallContext) {
	t.mu.Lock()
	t.cc = cc
	t.mu.Unlock()
}

func (t *MessageTool) Name() string { return "message" }
func (t *MessageTool) Description() string {
	return "Send a message to the user immediately, before the final reply"
}
func (t *MessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The message text to send",
			},
			"channel": map[string]interface{}{
				"type":        "string",
				"description": "Optional target channel (defaults to the current conversation)",
			},
			"chat_id": map[string]interface{}{
				"type":        "string",
				"description": "Optional target chat id (defaults to the current conversation)",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MessageTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	if content == "" {
		return ErrorResult("Error: content is required")
	}

	t.mu.Lock()
	cc := t.cc
	t.mu.Unlock()

	channel := cc.Channel
	chatID := cc.ChatID
	if c, _ := args["channel"].(string); c != "" {
		channel = c
	}
	if c, _ := args["chat_id"].(string); c != "" {
		chatID = c
	}
	if channel == "" || chatID == "" {
		return ErrorResult("Error: no target conversation available")
	}

	t.msgBus.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: content,
	})
	return SilentResult("Message sent.")
}
