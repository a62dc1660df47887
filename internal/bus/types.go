// Package bus provides the in-process message bus connecting channel
// adapters to the agent runtime. Two FIFO queues (inbound, outbound) with
// non-blocking publish and timeout-aware consume.
package bus

// ChannelSystem marks self-injected messages produced by subagents or the
// scheduler. For such messages ChatID carries the encoded original
// destination "<channel>:<chatId>" so the reply routes back to the human.
const ChannelSystem = "system"

// InboundMessage represents a message received from a channel
// (Telegram, Discord, CLI, Web UI, or an internal producer).
type InboundMessage struct {
	Channel  string            `json:"channel"`
	SenderID string            `json:"sender_id"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []string          `json:"media,omitempty"`    // ordered local file paths
	Metadata map[string]string `json:"metadata,omitempty"` // free-form channel metadata

	// Progress receives best-effort progress events during processing
	// (thinking, tool_start, tool_end). Errors from the callback are swallowed.
	Progress ProgressFunc `json:"-"`
}

// OutboundMessage represents a message to be delivered by a channel adapter.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ProgressEvent is emitted while a message is being processed.
type ProgressEvent struct {
	Type     string `json:"type"` // "thinking", "tool_start", "tool_end"
	ToolName string `json:"tool_name,omitempty"`
	Args     string `json:"args,omitempty"`
	Result   string `json:"result,omitempty"` // truncated to 2000 chars
}

// ProgressFunc handles a progress event. May return an error; callers ignore it.
type ProgressFunc func(ev ProgressEvent) error

// SessionKey returns the canonical "<channel>:<chatId>" session key for an
// inbound message. System messages carry the original key in ChatID already.
func (m InboundMessage) SessionKey() string {
	if m.Channel == ChannelSystem {
		return m.ChatID
	}
	return m.Channel + ":" + m.ChatID
}
