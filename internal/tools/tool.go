// Package tools holds the tool registry, the built-in tools the agent can
// call, and the subagent manager.
package tools

import (
	"context"
	"encoding/json"
	"regexp"
)

// Tool is one callable capability exposed to the LLM. Parameters returns a
// JSON-schema object. Execute never returns a Go error; failures become
// error Results so the agent loop keeps running.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// CallContext identifies the conversation a tool call belongs to. Stateful
// tools (message, spawn, cron) use it to route replies and spawned work back
// to the right chat.
type CallContext struct {
	Channel    string
	ChatID     string
	SessionKey string
}

// StatefulTool is implemented by tools that need the calling conversation.
// The loop sets the context before dispatching each message.
type StatefulTool interface {
	Tool
	SetCallContext(cc CallContext)
}

// validToolName bounds what the LLM APIs accept as a function name.
var validToolName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidName reports whether name is safe to register.
func ValidName(name string) bool {
	return name != "" && validToolName.MatchString(name)
}

// CanonicalArgs serializes tool arguments deterministically. json.Marshal
// sorts map keys, so equal argument sets always produce equal strings,
// which is what loop detection compares.
func CanonicalArgs(args map[string]interface{}) string {
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
