package chat

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/stampede/client/db"
)

const recorderQueue = 256

// Recorder persists received chat messages.
type Recorder struct {
	DB *sql.DB

	queue chan received
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

type received struct {
	msg Message
	at  time.Time
}

// StartRecorder observes c and writes every message to the chat_messages table
// until ctx is done. The returned function detaches it and waits for pending
// writes to finish.
func StartRecorder(ctx context.Context, database *sql.DB, c *Channel) (stop func()) {
	r := &Recorder{DB: database, queue: make(chan received, recorderQueue), done: make(chan struct{})}
	remove := c.Observe(r.enqueue)
	go r.run(ctx)
	return func() {
		remove()
		r.mu.Lock()
		if !r.closed {
			r.closed = true
			close(r.queue)
		}
		r.mu.Unlock()
		<-r.done
	}
}

func (r *Recorder) enqueue(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- received{msg: m, at: time.Now().UTC()}:
	default:
		slog.Warn("chat recorder queue full; dropping message", slog.String("component", "chat_recorder"))
	}
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)
	for item := range r.queue {
		if ctx.Err() != nil {
			continue
		}
		if err := db.InsertChatMessage(ctx, r.DB, item.msg.Username, item.msg.Message, item.at); err != nil {
			slog.Error("failed to insert chat message", slog.String("component", "chat_recorder"), slog.Any("err", err))
		}
	}
}
