package server

import (
	"net/http"
	"strings"

	"github.com/onnwee/stampede/client/api"
	"github.com/onnwee/stampede/client/chat"
	"github.com/onnwee/stampede/client/live"
	"github.com/onnwee/stampede/client/scoreboard"
)

// maxChatText bounds a single outbound chat line.
const maxChatText = 2000

type scoreView struct {
	State     live.State        `json:"state"`
	Available bool              `json:"available"`
	Score     *scoreboard.State `json:"score"`
}

// HandleScore returns the latest scoreboard snapshot and the feed state (GET)
// or adds points to a team (POST {"team","points"}). The new board arrives on
// the score feed like any other snapshot.
func (h *Handlers) HandleScore(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if r.Method == http.MethodPost {
		h.updateScore(w, r)
		return
	}
	if h.deps.Score == nil {
		writeError(w, http.StatusServiceUnavailable, "score feed not configured")
		return
	}
	v := scoreView{State: h.deps.Score.ConnState()}
	if cur, ok := h.deps.Score.Current(); ok {
		v.Available = true
		v.Score = &cur
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handlers) updateScore(w http.ResponseWriter, r *http.Request) {
	if !h.requireOperator(w) {
		return
	}
	var body struct {
		Team   string `json:"team"`
		Points int    `json:"points"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Team != "home" && body.Team != "away" {
		writeError(w, http.StatusBadRequest, `team must be "home" or "away"`)
		return
	}
	st, err := h.deps.Backend.UpdateScore(r.Context(), body.Team, body.Points)
	if err != nil {
		h.writeBackendError(w, r, "update score", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleTeamNames renames both teams (POST {"home_name","away_name"}).
func (h *Handlers) HandleTeamNames(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if !h.requireOperator(w) {
		return
	}
	var body struct {
		Home string `json:"home_name"`
		Away string `json:"away_name"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	body.Home, body.Away = strings.TrimSpace(body.Home), strings.TrimSpace(body.Away)
	if body.Home == "" || body.Away == "" {
		writeError(w, http.StatusBadRequest, "home_name and away_name are required")
		return
	}
	st, err := h.deps.Backend.SetTeamNames(r.Context(), body.Home, body.Away)
	if err != nil {
		h.writeBackendError(w, r, "set team names", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// requireOperator answers 503 without a backend and 401 when nobody is signed in.
func (h *Handlers) requireOperator(w http.ResponseWriter) bool {
	if h.deps.Backend == nil {
		writeError(w, http.StatusServiceUnavailable, "backend not configured")
		return false
	}
	if !h.deps.Sessions.Snapshot().Authenticated() {
		writeError(w, http.StatusUnauthorized, "sign in required")
		return false
	}
	return true
}

// HandleScoreStream streams the latest snapshot and every later one.
func (h *Handlers) HandleScoreStream(w http.ResponseWriter, r *http.Request) {
	if h.deps.Score == nil {
		writeError(w, http.StatusServiceUnavailable, "score feed not configured")
		return
	}
	streamSSE(h, w, r, "score", h.deps.Score.Observe)
}

type chatView struct {
	State    live.State     `json:"state"`
	Messages []chat.Message `json:"messages"`
}

// HandleChat returns the messages seen so far (GET) or sends one (POST).
// A POST answers 202 when the frame went out and 409 when it was dropped
// because the feed is not open or nobody is signed in.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if h.deps.Chat == nil {
		writeError(w, http.StatusServiceUnavailable, "chat feed not configured")
		return
	}
	if r.Method == http.MethodGet {
		msgs := h.deps.Chat.Messages()
		if msgs == nil {
			msgs = []chat.Message{}
		}
		writeJSON(w, http.StatusOK, chatView{State: h.deps.Chat.ConnState(), Messages: msgs})
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if len(body.Message) > maxChatText {
		writeError(w, http.StatusRequestEntityTooLarge, "message too long")
		return
	}
	if !h.deps.Chat.Send(r.Context(), body.Message) {
		writeJSON(w, http.StatusConflict, map[string]bool{"sent": false})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"sent": true})
}

// HandleChatStream streams messages as they arrive. History comes from GET /chat.
func (h *Handlers) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	if h.deps.Chat == nil {
		writeError(w, http.StatusServiceUnavailable, "chat feed not configured")
		return
	}
	streamSSE(h, w, r, "chat", h.deps.Chat.Observe)
}

// HandleLive reports the backend's current stream URL or its status message.
func (h *Handlers) HandleLive(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if h.deps.Backend == nil {
		writeError(w, http.StatusServiceUnavailable, "backend not configured")
		return
	}
	st, err := h.deps.Backend.LiveURL(r.Context())
	if err != nil {
		h.writeBackendError(w, r, "live url", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"live": st.Live(), "url": st.URL, "message": st.Message})
}

// HandleBroadcasts lists past broadcasts from the backend.
func (h *Handlers) HandleBroadcasts(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if h.deps.Backend == nil {
		writeError(w, http.StatusServiceUnavailable, "backend not configured")
		return
	}
	list, err := h.deps.Backend.ListBroadcasts(r.Context())
	if err != nil {
		h.writeBackendError(w, r, "broadcasts", err)
		return
	}
	if list == nil {
		list = []api.Broadcast{}
	}
	writeJSON(w, http.StatusOK, list)
}
