package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/stampede/client/telemetry"
)

const (
	sseBuffer    = 256
	sseKeepAlive = 25 * time.Second
)

// streamSSE writes every value pushed through subscribe as a "data:" event
// until the client goes away or the server shuts down. subscribe registers
// push and returns its remover. A client that falls sseBuffer events behind is
// disconnected rather than silently skipping events.
func streamSSE[T any](h *Handlers, w http.ResponseWriter, r *http.Request, event string, subscribe func(push func(T)) (remove func())) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "sse"), slog.String("stream", event))

	// Streams outlive the server's WriteTimeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		log.Debug("write deadline not adjustable", slog.Any("err", err))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan T, sseBuffer)
	overflow := make(chan struct{})
	var once sync.Once
	remove := subscribe(func(v T) {
		select {
		case events <- v:
		default:
			once.Do(func() { close(overflow) })
		}
	})
	defer remove()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.ctx.Done():
			return
		case <-overflow:
			log.Warn("sse client too slow, closing stream")
			return
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case v := <-events:
			b, err := json.Marshal(v)
			if err != nil {
				log.Warn("sse encode failed", slog.Any("err", err))
				continue
			}
			if _, err := w.Write([]byte("event: " + event + "\ndata: " + string(b) + "\n\n")); err != nil {
				log.Debug("sse write failed", slog.Any("err", err))
				return
			}
			flusher.Flush()
		}
	}
}
