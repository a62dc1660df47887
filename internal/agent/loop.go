// Package agent runs the core message-processing loop: consume an inbound
// message, build context, iterate the LLM with tool execution, persist the
// turn and publish the reply.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/sessions"
	"github.com/nanobot-ai/nanobot/internal/store"
	"github.com/nanobot-ai/nanobot/internal/tools"
)

const (
	defaultMaxIterations = 40

	// mcpRetryInterval spaces out lazy registration attempts while the MCP
	// manager has not completed a load pass.
	mcpRetryInterval = 60 * time.Second

	progressResultLimit = 2000
)

const timeoutApology = "Sorry, that took longer than I allowed myself for a single message, so I stopped. Try narrowing the request or asking again."

// MCPController is the slice of the MCP manager the loop drives: hot reload
// when configuration changed under it, and retrying the initial load.
type MCPController interface {
	Loaded() bool
	Stale() bool
	Reload(ctx context.Context)
	RegisterToolsAsync(ctx context.Context)
}

// Loop is the single consumer of the inbound queue.
type Loop struct {
	msgBus   *bus.MessageBus
	provider providers.Provider
	model    string
	sessions *sessions.Manager
	registry *tools.Registry
	builder  *ContextBuilder
	mcp      MCPController
	cfg      config.AgentConfig

	lastMCPAttempt time.Time
}

func NewLoop(msgBus *bus.MessageBus, provider providers.Provider, model string,
	sessionMgr *sessions.Manager, registry *tools.Registry, builder *ContextBuilder,
	mcp MCPController, cfg config.AgentConfig) *Loop {
	if model == "" {
		model = provider.DefaultModel()
	}
	return &Loop{
		msgBus:   msgBus,
		provider: provider,
		model:    model,
		sessions: sessionMgr,
		registry: registry,
		builder:  builder,
		mcp:      mcp,
		cfg:      cfg,
	}
}

// Run consumes inbound messages until ctx is cancelled. The in-flight turn
// finishes its persistence before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("agent.loop.started", "model", l.model)
	for {
		msg, ok := l.msgBus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("agent.loop.stopped")
			return nil
		}
		l.handle(ctx, msg)
	}
}

func (l *Loop) maxIterations() int {
	if l.cfg.MaxIterations > 0 {
		return l.cfg.MaxIterations
	}
	return defaultMaxIterations
}

// maxExecutionTime returns 0 for "no limit"; Default() supplies 600s.
func (l *Loop) maxExecutionTime() time.Duration {
	return time.Duration(l.cfg.MaxExecutionTime) * time.Second
}

// messageTimeout returns 0 for "no limit"; Default() supplies 300s.
func (l *Loop) messageTimeout() time.Duration {
	return time.Duration(l.cfg.MessageTimeout) * time.Second
}

func (l *Loop) loopDetectWindow() int {
	if l.cfg.LoopDetectWindow > 0 {
		return l.cfg.LoopDetectWindow
	}
	return 1
}

// handle processes one inbound message end to end. Persistence runs even
// when the consumer context is cancelled mid-turn.
func (l *Loop) handle(ctx context.Context, msg bus.InboundMessage) {
	start := time.Now()

	// System messages carry the original "<channel>:<chatId>" in ChatID so
	// the reply routes back to the human conversation.
	replyChannel, replyChat := msg.Channel, msg.ChatID
	if msg.Channel == bus.ChannelSystem {
		replyChannel, replyChat = sessions.SplitKey(msg.ChatID)
	}
	sessionKey := msg.SessionKey()

	l.maybeReloadMCP(ctx)

	release := l.sessions.Lock(sessionKey)
	defer release()

	if strings.TrimSpace(msg.Content) == "/new" {
		if err := l.sessions.Delete(sessionKey); err != nil {
			slog.Warn("agent.session.reset_failed", "session", sessionKey, "error", err)
		}
		l.msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: replyChannel, ChatID: replyChat,
			Content: "Started a fresh conversation.",
		})
		return
	}

	// The turn survives consumer cancellation; only the per-message
	// timeout cancels in-flight work.
	mctx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if d := l.messageTimeout(); d > 0 {
		mctx, cancel = context.WithTimeout(mctx, d)
	} else {
		mctx, cancel = context.WithCancel(mctx)
	}
	defer cancel()

	l.registry.SetCallContext(tools.CallContext{
		Channel:    replyChannel,
		ChatID:     replyChat,
		SessionKey: sessionKey,
	})

	sess, err := l.sessions.GetOrCreate(sessionKey)
	if err != nil {
		slog.Error("agent.session.load_failed", "session", sessionKey, "error", err)
		l.msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: replyChannel, ChatID: replyChat,
			Content: "Something went wrong loading this conversation. Please try again.",
		})
		return
	}

	messages := l.builder.BuildMessages(sess.Messages, msg.Content, msg.Media, replyChannel, replyChat)

	finalContent, toolSteps, usage, timedOut := l.iterate(mctx, msg, messages)
	if timedOut {
		finalContent = timeoutApology
	}

	sess.AppendMessage(store.Message{Role: "user", Content: msg.Content})
	assistant := store.Message{Role: "assistant", Content: finalContent, ToolSteps: toolSteps}
	if usage.TotalTokens > 0 {
		assistant.Usage = &usage
	}
	sess.AppendMessage(assistant)
	if err := l.sessions.Save(sess); err != nil {
		slog.Error("agent.session.save_failed", "session", sessionKey, "error", err)
	}

	l.msgBus.PublishOutbound(bus.OutboundMessage{
		Channel: replyChannel,
		ChatID:  replyChat,
		Content: finalContent,
	})
	slog.Info("agent.message.done",
		"session", sessionKey,
		"tools", len(toolSteps),
		"tokens", usage.TotalTokens,
		"elapsed", time.Since(start).Round(time.Millisecond))
}

// iterate runs the think→act cycle. Returns the final text, the executed
// tool steps, accumulated usage, and whether the per-message timeout fired.
func (l *Loop) iterate(ctx context.Context, msg bus.InboundMessage, messages []providers.Message) (string, []store.ToolStep, providers.Usage, bool) {
	var (
		finalContent string
		toolSteps    []store.ToolStep
		usage        providers.Usage
		lastStep     string
		repeats      int
		ranTools     []string
	)

	var deadline time.Time
	if d := l.maxExecutionTime(); d > 0 {
		deadline = time.Now().Add(d)
	}
	window := l.loopDetectWindow()

	for iteration := 1; iteration <= l.maxIterations(); iteration++ {
		if !deadline.IsZero() && time.Now().After(deadline) {
			slog.Warn("agent.loop.execution_budget", "iterations", iteration-1)
			break
		}

		l.progress(msg, bus.ProgressEvent{Type: "thinking"})

		resp, err := l.provider.Chat(ctx, providers.ChatRequest{
			Messages:    messages,
			Tools:       l.registry.ProviderDefs(),
			Model:       l.model,
			MaxTokens:   l.cfg.MaxTokens,
			Temperature: l.cfg.Temperature,
		})
		if err != nil {
			if isTimeout(ctx, err) {
				return "", toolSteps, usage, true
			}
			slog.Error("agent.llm.failed", "iteration", iteration, "error", err)
			return "I hit an error talking to the model: " + err.Error(), toolSteps, usage, false
		}
		usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			finalContent = strings.TrimSpace(resp.Content)
			break
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		looped := false
		for _, tc := range resp.ToolCalls {
			canonical := tools.CanonicalArgs(tc.Arguments)
			stepKey := tc.Name + "\x00" + canonical
			if stepKey == lastStep {
				repeats++
			} else {
				repeats = 0
			}
			if repeats >= window {
				slog.Warn("agent.loop.repeat_detected", "tool", tc.Name)
				looped = true
				break
			}

			l.progress(msg, bus.ProgressEvent{Type: "tool_start", ToolName: tc.Name, Args: canonical})
			result := l.registry.Execute(ctx, tc.Name, tc.Arguments)
			resultText := truncate(result.ForLLM, progressResultLimit)
			l.progress(msg, bus.ProgressEvent{Type: "tool_end", ToolName: tc.Name, Args: canonical, Result: resultText})

			toolSteps = append(toolSteps, store.ToolStep{Name: tc.Name, Arguments: canonical, Result: resultText})
			ranTools = append(ranTools, tc.Name)
			if result.Usage != nil {
				usage.Add(result.Usage)
			}

			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: tc.ID,
			})
			lastStep = stepKey

			if isTimeout(ctx, nil) {
				return "", toolSteps, usage, true
			}
		}
		if looped {
			break
		}
	}

	if finalContent == "" {
		finalContent = l.synthesize(ctx, messages, &usage, ranTools)
		if isTimeout(ctx, nil) && finalContent == "" {
			return "", toolSteps, usage, true
		}
	}
	return finalContent, toolSteps, usage, false
}

// synthesize forces one tool-free call so the turn always ends in prose.
func (l *Loop) synthesize(ctx context.Context, messages []providers.Message, usage *providers.Usage, ranTools []string) string {
	resp, err := l.provider.Chat(ctx, providers.ChatRequest{
		Messages:    messages,
		Model:       l.model,
		MaxTokens:   l.cfg.MaxTokens,
		Temperature: l.cfg.Temperature,
	})
	if err == nil && strings.TrimSpace(resp.Content) != "" {
		usage.Add(resp.Usage)
		return strings.TrimSpace(resp.Content)
	}
	if err != nil {
		slog.Warn("agent.synthesis.failed", "error", err)
		if isTimeout(ctx, err) {
			return ""
		}
	}
	if len(ranTools) == 0 {
		return "I couldn't produce a response this time. Please try again."
	}
	return fmt.Sprintf("I ran %s but couldn't summarize the outcome. The tool output is stored in this conversation.",
		strings.Join(dedupe(ranTools), ", "))
}

func (l *Loop) maybeReloadMCP(ctx context.Context) {
	if l.mcp == nil {
		return
	}
	if l.mcp.Stale() {
		slog.Info("agent.mcp.reload")
		l.mcp.Reload(ctx)
		l.lastMCPAttempt = time.Now()
		return
	}
	if !l.mcp.Loaded() && time.Since(l.lastMCPAttempt) >= mcpRetryInterval {
		l.lastMCPAttempt = time.Now()
		l.mcp.RegisterToolsAsync(ctx)
	}
}

// progress fires a best-effort progress event; callback errors are swallowed.
func (l *Loop) progress(msg bus.InboundMessage, ev bus.ProgressEvent) {
	if msg.Progress == nil {
		return
	}
	defer func() { _ = recover() }()
	_ = msg.Progress(ev)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	return err != nil && errors.Is(err, context.DeadlineExceeded)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
