// Package web serves a minimal local chat UI over WebSocket. Each
// connection is one conversation; the chat id is supplied by the client or
// generated per connection.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/channels"
	"github.com/nanobot-ai/nanobot/internal/config"
)

// wireMessage is the JSON frame exchanged with the browser.
type wireMessage struct {
	Type    string `json:"type"` // "message"
	Content string `json:"content"`
	ChatID  string `json:"chat_id,omitempty"`
}

// Channel runs the local HTTP/WebSocket server.
type Channel struct {
	*channels.BaseChannel
	addr   string
	server *http.Server

	mu    sync.Mutex
	conns map[string]*websocket.Conn // chatID → connection
}

func New(cfg config.WebConfig, msgBus *bus.MessageBus) *Channel {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = 18790
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("web", msgBus, nil),
		addr:        net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		conns:       make(map[string]*websocket.Conn),
	}
}

func (c *Channel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c.serveWS(ctx, w, r)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	c.server = &http.Server{Addr: c.addr, Handler: mux}
	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.addr, err)
	}
	go func() {
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("web.server_failed", "error", err)
		}
	}()
	slog.Info("web.listening", "addr", c.addr)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.server.Shutdown(shutdownCtx)
}

func (c *Channel) serveWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("web.accept_failed", "error", err)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		chatID = uuid.NewString()[:8]
	}
	c.mu.Lock()
	if prev, ok := c.conns[chatID]; ok {
		prev.Close(websocket.StatusNormalClosure, "replaced")
	}
	c.conns[chatID] = conn
	c.mu.Unlock()
	slog.Info("web.client_connected", "chat", chatID)

	defer func() {
		c.mu.Lock()
		if c.conns[chatID] == conn {
			delete(c.conns, chatID)
		}
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame wireMessage
		if err := json.Unmarshal(data, &frame); err != nil || frame.Content == "" {
			continue
		}
		c.HandleMessage("web:"+chatID, chatID, frame.Content, nil, nil)
	}
}

// Send pushes a reply frame to the conversation's live connection; replies
// for disconnected clients are dropped.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	conn, ok := c.conns[msg.ChatID]
	c.mu.Unlock()
	if !ok {
		slog.Debug("web.no_client", "chat", msg.ChatID)
		return nil
	}
	data, err := json.Marshal(wireMessage{Type: "message", Content: msg.Content, ChatID: msg.ChatID})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
