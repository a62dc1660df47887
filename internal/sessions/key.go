// Package sessions provides session keys and the cached session manager.
//
// Session keys follow the canonical format:
//
//	{channel}:{chatId}
//
// Examples:
//
//	telegram:386246614
//	discord:8812730
//	cli:direct
//	subagent:a1b2c3d4
//
// Messages on the internal "system" channel carry the origin session key
// as their chat id, so system traffic lands in the conversation that
// spawned it instead of a synthetic "system:*" session.
package sessions

import "strings"

// BuildKey builds the canonical session key for a channel conversation.
func BuildKey(channel, chatID string) string {
	return channel + ":" + chatID
}

// SplitKey splits a session key into channel and chat id. The chat id may
// itself contain colons (group topics, encoded origins), so only the first
// separator counts.
func SplitKey(key string) (channel, chatID string) {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

// BuildSubagentKey builds the session key for a background subagent run.
func BuildSubagentKey(taskID string) string {
	return "subagent:" + taskID
}

// SubagentPrefix matches all subagent session keys. Memory integration
// skips these sessions.
const SubagentPrefix = "subagent:"
