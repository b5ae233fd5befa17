// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/onnwee/stampede/client/api"
	"github.com/onnwee/stampede/client/chat"
	"github.com/onnwee/stampede/client/live"
	"github.com/onnwee/stampede/client/scoreboard"
	"github.com/onnwee/stampede/client/session"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	oauthStateTTL  = 10 * time.Minute
)

// Sessions is the part of the session manager the handlers use.
type Sessions interface {
	Snapshot() session.Session
	Subscribe(fn func(session.Session)) (unsubscribe func())
	LoginWithPassword(ctx context.Context, auth session.PasswordAuthenticator, email, password string) (session.Session, error)
	Logout(ctx context.Context)
}

// Backend is the first-party REST surface the handlers proxy.
type Backend interface {
	session.PasswordAuthenticator
	Register(ctx context.Context, email, password, name string) (string, error)
	LiveURL(ctx context.Context) (api.LiveStatus, error)
	UpdateScore(ctx context.Context, team string, points int) (scoreboard.State, error)
	SetTeamNames(ctx context.Context, home, away string) (scoreboard.State, error)
	ListBroadcasts(ctx context.Context) ([]api.Broadcast, error)
}

// SignIn starts and completes the federated authorization-code flow.
type SignIn interface {
	SignInURL(provider string) (authURL, state string)
	ExchangeCode(ctx context.Context, state, code string) (*session.FederatedSession, error)
}

// ScoreFeed is the score channel as seen by the handlers.
type ScoreFeed interface {
	Current() (scoreboard.State, bool)
	ConnState() live.State
	Observe(fn func(scoreboard.State)) (remove func())
}

// ChatFeed is the chat channel as seen by the handlers.
type ChatFeed interface {
	Messages() []chat.Message
	ConnState() live.State
	Observe(fn func(chat.Message)) (remove func())
	Send(ctx context.Context, text string) (sent bool)
}

// Deps are the collaborators wired into the mux. Federated, DB and the feeds
// may be nil; the routes depending on them answer 503.
type Deps struct {
	Sessions  Sessions
	Backend   Backend
	Federated SignIn
	Score     ScoreFeed
	Chat      ChatFeed
	DB        *sql.DB

	OAuthProvider string
	UIOrigins     []string
}

// pendingSignIn is what the callback needs to finish a flow started by /auth/start.
type pendingSignIn struct {
	next   string
	expiry time.Time
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps       Deps
	ctx        context.Context
	stateStore map[string]pendingSignIn
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	if deps.OAuthProvider == "" {
		deps.OAuthProvider = "google"
	}
	return &Handlers{
		deps:       deps,
		ctx:        ctx,
		stateStore: make(map[string]pendingSignIn),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, p := range h.stateStore {
		if now.After(p.expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState records state with its post-login redirect. It reports false
// when the store is full.
func (h *Handlers) addOAuthState(state, next string, expiry time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	// Clean expired states periodically to prevent unbounded growth
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}

	// Refuse rather than grow without bound; the flow fails at the callback.
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}

	h.stateStore[state] = pendingSignIn{next: next, expiry: expiry}
	return true
}

// takeOAuthState removes state and returns its redirect target if it was live.
func (h *Handlers) takeOAuthState(state string) (next string, ok bool) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	p, found := h.stateStore[state]
	if !found {
		return "", false
	}
	delete(h.stateStore, state)
	if time.Now().After(p.expiry) {
		return "", false
	}
	return p.next, true
}
