// Package scoreboard follows the /ws/score snapshot feed. Every message is the
// whole board, so the latest one replaces whatever came before.
package scoreboard

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/onnwee/stampede/client/live"
)

// Path is the score feed endpoint relative to the WebSocket base URL.
const Path = "/ws/score"

// State is one scoreboard snapshot. Scores may be negative during manual corrections.
type State struct {
	Home     int    `json:"home"`
	Away     int    `json:"away"`
	HomeName string `json:"home_name"`
	AwayName string `json:"away_name"`
}

// decodeState accepts only frames that carry both scores. Anything else on the
// feed is dropped instead of blanking the board.
var decodeState = live.RequireKeys(live.JSON[State], "home", "away")

// Channel is the score feed client.
type Channel struct {
	ch *live.Channel[State]

	// deliverMu orders replays in Observe against live notifications.
	deliverMu sync.Mutex
	mu        sync.Mutex
	observers map[int]func(State)
	nextID    int
}

// Open connects to the score feed under wsBase. onState may be nil.
func Open(wsBase string, onState func(live.State), opts ...live.Option) *Channel {
	c := &Channel{observers: make(map[int]func(State))}
	opts = append([]live.Option{live.WithName("score")}, opts...)
	c.ch = live.Open(strings.TrimRight(wsBase, "/")+Path, decodeState, live.Handlers[State]{
		OnMessage:     c.notify,
		OnStateChange: onState,
	}, opts...)
	return c
}

// Current returns the last snapshot received, if any.
func (c *Channel) Current() (State, bool) { return c.ch.Latest() }

// ConnState returns the feed's connection state.
func (c *Channel) ConnState() live.State { return c.ch.State() }

// Observe calls fn with the current snapshot, if there is one, then with every
// later snapshot. It returns the remover. fn must not call Observe.
func (c *Channel) Observe(fn func(State)) (remove func()) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.ch != nil {
		if cur, ok := c.ch.Latest(); ok {
			fn(cur)
		}
	}
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

// Close stops the feed. No observer is called after it returns.
func (c *Channel) Close() { c.ch.Close() }

func (c *Channel) notify(s State) {
	slog.Debug("score snapshot", slog.Int("home", s.Home), slog.Int("away", s.Away))
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.mu.Lock()
	fns := make([]func(State), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
