package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/onnwee/stampede/client/live"
	"github.com/onnwee/stampede/client/session"
	"github.com/onnwee/stampede/client/telemetry"
)

// Path is the chat feed endpoint relative to the WebSocket base URL.
const Path = "/ws/chat"

// Message is both the inbound and the outbound frame. Text is carried verbatim.
type Message struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

var decodeMessage = live.RequireKeys(live.JSON[Message], "username", "message")

// Channel is the chat feed client.
type Channel struct {
	ch       *live.Channel[Message]
	identity func() *session.Identity

	mu        sync.Mutex
	messages  []Message
	observers map[int]func(Message)
	nextID    int
}

// Open connects to the chat feed under wsBase. identity reports the signed-in
// user at send time (nil when signed out). onState may be nil.
func Open(wsBase string, identity func() *session.Identity, onState func(live.State), opts ...live.Option) *Channel {
	c := &Channel{identity: identity, observers: make(map[int]func(Message))}
	opts = append([]live.Option{live.WithName("chat")}, opts...)
	c.ch = live.Open(strings.TrimRight(wsBase, "/")+Path, decodeMessage, live.Handlers[Message]{
		OnMessage:     c.append,
		OnStateChange: onState,
	}, opts...)
	return c
}

// Messages returns a copy of every message received so far, oldest first.
func (c *Channel) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// ConnState returns the feed's connection state.
func (c *Channel) ConnState() live.State { return c.ch.State() }

// Observe registers fn for every future message and returns its remover.
func (c *Channel) Observe(fn func(Message)) (remove func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.observers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// Send writes text under the sender's display name. The message is dropped
// when the feed is not open or nobody is signed in; sent reports whether a
// frame went out.
func (c *Channel) Send(ctx context.Context, text string) (sent bool) {
	if c.ch.State() != live.StateOpen {
		telemetry.Inc(telemetry.ChatSendsDropped, "not_open")
		return false
	}
	var who *session.Identity
	if c.identity != nil {
		who = c.identity()
	}
	if who == nil {
		telemetry.Inc(telemetry.ChatSendsDropped, "anonymous")
		return false
	}
	if err := c.ch.Send(ctx, Message{Username: who.DisplayName(), Message: text}); err != nil {
		telemetry.Inc(telemetry.ChatSendsDropped, "transport")
		slog.Warn("chat send failed", slog.String("component", "chat"), slog.Any("err", err))
		return false
	}
	return true
}

// Close stops the feed. No observer is called after it returns.
func (c *Channel) Close() { c.ch.Close() }

func (c *Channel) append(m Message) {
	c.mu.Lock()
	c.messages = append(c.messages, m)
	fns := make([]func(Message), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}
