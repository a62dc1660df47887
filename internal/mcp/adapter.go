package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nanobot-ai/nanobot/internal/tools"
)

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// sanitizeName maps an arbitrary remote identifier onto the registry's
// allowed character set.
func sanitizeName(s string) string {
	s = invalidNameChars.ReplaceAllString(s, "_")
	if s == "" {
		s = "tool"
	}
	return s
}

// BridgedName returns the registry name for a remote tool.
func BridgedName(serverID, toolName string) string {
	return ToolPrefix + sanitizeName(serverID) + "_" + sanitizeName(toolName)
}

// adapter exposes one remote MCP tool as a native registry tool. Calls are
// forwarded to the owning manager, which lazily connects when the server is
// not yet ready.
type adapter struct {
	manager    *Manager
	serverID   string
	remoteName string
	name       string
	desc       string
	params     map[string]interface{}
}

func newAdapter(m *Manager, serverID string, remote mcpgo.Tool) *adapter {
	desc := remote.Description
	if desc == "" {
		desc = fmt.Sprintf("Tool %s from MCP server %s", remote.Name, serverID)
	}
	return &adapter{
		manager:    m,
		serverID:   serverID,
		remoteName: remote.Name,
		name:       BridgedName(serverID, remote.Name),
		desc:       desc,
		params:     schemaToMap(remote.InputSchema),
	}
}

func (a *adapter) Name() string        { return a.name }
func (a *adapter) Description() string { return a.desc }

func (a *adapter) Parameters() map[string]interface{} { return a.params }

func (a *adapter) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	text, isErr, err := a.manager.callTool(ctx, a.serverID, a.remoteName, args)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("Error executing %s: %v", a.name, err))
	}
	text = strings.TrimSpace(text)
	if text == "" {
		text = "(no output)"
	}
	if isErr {
		return tools.ErrorResult(text)
	}
	return tools.NewResult(text)
}

// schemaToMap converts the remote input schema into the plain map form the
// registry compiles. Falls back to a permissive object schema.
func schemaToMap(schema mcpgo.ToolInputSchema) map[string]interface{} {
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]interface{}{"type": "object"}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return map[string]interface{}{"type": "object"}
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out
}
