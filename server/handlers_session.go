package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/stampede/client/api"
	"github.com/onnwee/stampede/client/session"
	"github.com/onnwee/stampede/client/telemetry"
)

// sessionView is the UI's view of a session snapshot. The credential never
// leaves the process.
type sessionView struct {
	Authenticated bool               `json:"authenticated"`
	Loading       bool               `json:"loading"`
	Provenance    session.Provenance `json:"provenance"`
	Identity      *session.Identity  `json:"identity"`
	DisplayName   string             `json:"display_name"`
	Version       uint64             `json:"version"`
}

func viewOf(s session.Session) sessionView {
	return sessionView{
		Authenticated: s.Authenticated(),
		Loading:       s.Loading,
		Provenance:    s.Provenance,
		Identity:      s.Identity,
		DisplayName:   s.Identity.DisplayName(),
		Version:       s.Version,
	}
}

// HandleSession returns the current session snapshot.
func (h *Handlers) HandleSession(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(h.deps.Sessions.Snapshot()))
}

// HandleSessionStream streams the current snapshot and then every change.
func (h *Handlers) HandleSessionStream(w http.ResponseWriter, r *http.Request) {
	streamSSE(h, w, r, "session", func(push func(sessionView)) func() {
		return h.deps.Sessions.Subscribe(func(s session.Session) { push(viewOf(s)) })
	})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

func readCredentials(w http.ResponseWriter, r *http.Request) (credentials, bool) {
	var c credentials
	if err := decodeJSON(w, r, &c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return c, false
	}
	c.Email = strings.TrimSpace(c.Email)
	if c.Email == "" || c.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return c, false
	}
	return c, true
}

// HandleLogin signs in with email and password against the first-party backend.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if h.deps.Backend == nil {
		writeError(w, http.StatusServiceUnavailable, "backend not configured")
		return
	}
	c, ok := readCredentials(w, r)
	if !ok {
		return
	}
	s, err := h.deps.Sessions.LoginWithPassword(r.Context(), h.deps.Backend, c.Email, c.Password)
	if err != nil {
		h.writeBackendError(w, r, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s))
}

// HandleRegister creates a first-party account. The UI signs in separately.
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if h.deps.Backend == nil {
		writeError(w, http.StatusServiceUnavailable, "backend not configured")
		return
	}
	c, ok := readCredentials(w, r)
	if !ok {
		return
	}
	id, err := h.deps.Backend.Register(r.Context(), c.Email, c.Password, strings.TrimSpace(c.Name))
	if err != nil {
		h.writeBackendError(w, r, "register", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// HandleLogout clears the session from both sources. It always succeeds.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	h.deps.Sessions.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// writeBackendError maps first-party failures: rejected credentials become
// 401, backend status errors keep a 4xx status, everything else is 502.
func (h *Handlers) writeBackendError(w http.ResponseWriter, r *http.Request, op string, err error) {
	telemetry.LoggerWithCorr(r.Context()).Warn(op+" failed", slog.String("component", "http"), slog.Any("err", err))
	if errors.Is(err, api.ErrUnauthorized) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	var se *api.StatusError
	if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 {
		writeError(w, se.Status, se.Error())
		return
	}
	writeError(w, http.StatusBadGateway, op+" failed")
}
