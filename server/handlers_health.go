package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/onnwee/stampede/client/live"
)

// HandleHealthz responds to liveness probes. The process is alive as long as
// it can answer.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes: the session must have finished
// loading, configured feeds must be open and the database, when present, must
// answer a ping.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"session", func() error {
			if h.deps.Sessions.Snapshot().Loading {
				return fmt.Errorf("session still loading")
			}
			return nil
		}},
		{"score_feed", func() error {
			if h.deps.Score == nil {
				return nil
			}
			return feedReady(h.deps.Score.ConnState())
		}},
		{"chat_feed", func() error {
			if h.deps.Chat == nil {
				return nil
			}
			return feedReady(h.deps.Chat.ConnState())
		}},
		{"database", func() error {
			if h.deps.DB == nil {
				return nil
			}
			return h.deps.DB.PingContext(r.Context())
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			// Set headers before writing status code
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func feedReady(s live.State) error {
	if s != live.StateOpen {
		return fmt.Errorf("feed %s", s)
	}
	return nil
}
