package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/stampede/client/federated"
	"github.com/onnwee/stampede/client/telemetry"
)

// HandleAuthStart redirects the browser to the provider's authorize page.
// ?provider overrides the configured OAuth provider; ?next is where the
// callback sends the browser afterwards.
func (h *Handlers) HandleAuthStart(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if h.deps.Federated == nil {
		http.Error(w, "federated sign-in not configured (need SUPABASE_URL + SUPABASE_ANON_KEY)", http.StatusServiceUnavailable)
		return
	}
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		provider = h.deps.OAuthProvider
	}
	next := safeNext(r.URL.Query().Get("next"), h.defaultNext(), h.deps.UIOrigins)
	authURL, st := h.deps.Federated.SignInURL(provider)
	if !h.addOAuthState(st, next, time.Now().Add(oauthStateTTL)) {
		http.Error(w, "too many pending sign-ins", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleAuthCallback completes the flow. The resulting session reaches the
// session manager through the provider's signed_in event.
func (h *Handlers) HandleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if h.deps.Federated == nil {
		http.Error(w, "federated sign-in not configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		msg := q.Get("error_description")
		if msg == "" {
			msg = e
		}
		http.Error(w, "sign-in failed: "+msg, http.StatusBadRequest)
		return
	}
	code := q.Get("code")
	st := q.Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	next, ok := h.takeOAuthState(st)
	if !ok {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "oauth_callback"))
	fs, err := h.deps.Federated.ExchangeCode(r.Context(), st, code)
	if err != nil {
		log.Error("code exchange failed", slog.Any("err", err))
		if errors.Is(err, federated.ErrUnknownState) {
			http.Error(w, "invalid state", http.StatusBadRequest)
			return
		}
		http.Error(w, "sign-in failed", http.StatusBadGateway)
		return
	}
	log.Info("federated sign-in complete", slog.String("user_id", fs.UserID))
	http.Redirect(w, r, next, http.StatusFound)
}

func (h *Handlers) defaultNext() string {
	for _, o := range h.deps.UIOrigins {
		if o != "*" && !isWildcard(o) {
			return o
		}
	}
	return "/session"
}

func isWildcard(origin string) bool { return len(origin) > 2 && origin[:2] == "*." }
