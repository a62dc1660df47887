package channels

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

// CLIChatID is the fixed conversation id for the local terminal.
const CLIChatID = "local"

// CLIChannel is the interactive terminal adapter used by the chat command.
// Lines from stdin become inbound messages; replies print to stdout.
type CLIChannel struct {
	*BaseChannel
	in   io.Reader
	out  io.Writer
	stop context.CancelFunc
	done chan struct{}
}

func NewCLIChannel(msgBus *bus.MessageBus) *CLIChannel {
	return &CLIChannel{
		BaseChannel: NewBaseChannel("cli", msgBus, nil),
		in:          os.Stdin,
		out:         os.Stdout,
	}
}

func (c *CLIChannel) Start(ctx context.Context) error {
	ctx, c.stop = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			c.HandleMessage("user", CLIChatID, line, nil, nil)
		}
	}()
	return nil
}

func (c *CLIChannel) Stop(context.Context) error {
	if c.stop != nil {
		c.stop()
	}
	return nil
}

func (c *CLIChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	_, err := fmt.Fprintf(c.out, "\n%s\n\n", msg.Content)
	return err
}
