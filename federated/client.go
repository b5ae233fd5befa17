// Package federated talks to the federated identity provider (Supabase Auth,
// GoTrue REST) and its PostgREST profile table.
//
// The client restores the session from the persisted payload, refreshes it,
// runs the PKCE redirect sign-in, signs out and fans change events out to
// subscribers. It only reads the token store; persisting the payload is the
// session manager's job.
package federated

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/stampede/client/session"
	"github.com/onnwee/stampede/client/telemetry"
	"github.com/onnwee/stampede/client/tokenstore"
)

// ErrAuthProvider wraps every failed provider call.
var ErrAuthProvider = session.ErrAuthProvider

// ErrUnknownState is returned by ExchangeCode for a state it did not issue or
// that has expired.
var ErrUnknownState = errors.New("unknown or expired oauth state")

const pendingTTL = 10 * time.Minute

// StatusError is a non-2xx provider reply. It unwraps to ErrAuthProvider.
type StatusError struct {
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Path, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrAuthProvider }

type pendingAuth struct {
	verifier string
	created  time.Time
}

// Client is safe for concurrent use.
type Client struct {
	BaseURL     string
	AnonKey     string
	RedirectURL string
	HTTPClient  *http.Client
	Store       tokenstore.Store

	now func() time.Time

	// refreshes collapses concurrent grants for one refresh token. The
	// provider rotates refresh tokens, so a second grant would be rejected.
	refreshes singleflight.Group

	mu        sync.Mutex
	current   *session.FederatedSession
	restored  bool
	pending   map[string]pendingAuth
	listeners map[int]func(session.FederatedEvent)
	nextID    int
}

// New returns a client for the project at baseURL. redirectURL is where the
// provider sends the browser after sign-in.
func New(baseURL, anonKey, redirectURL string, store tokenstore.Store) *Client {
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		AnonKey:     anonKey,
		RedirectURL: redirectURL,
		HTTPClient:  &http.Client{Timeout: 15 * time.Second},
		Store:       store,
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// Subscribe registers fn for change events. Events are delivered on the
// goroutine that caused them, after the client's own state is updated.
func (c *Client) Subscribe(fn func(session.FederatedEvent)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listeners == nil {
		c.listeners = make(map[int]func(session.FederatedEvent))
	}
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Client) emit(ev session.FederatedEvent) {
	c.mu.Lock()
	fns := make([]func(session.FederatedEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Current returns the in-memory session without touching the network.
func (c *Client) Current() *session.FederatedSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Expiry reports when the current session expires. ok is false when there is
// no session that could be refreshed.
func (c *Client) Expiry() (at time.Time, ok bool) {
	cur := c.Current()
	if cur == nil || cur.RefreshToken == "" {
		return time.Time{}, false
	}
	return cur.ExpiresAt, true
}

// Session returns the current session, restoring it from the store on first use
// and refreshing it when the access token has expired. It returns nil, nil when
// there is no session or the provider no longer accepts its refresh token.
func (c *Client) Session(ctx context.Context) (*session.FederatedSession, error) {
	c.mu.Lock()
	if !c.restored && c.Store != nil {
		raw, err := c.Store.Get(ctx, tokenstore.KeyFederated)
		if err != nil {
			slog.Warn("read persisted federated session failed", slog.String("component", "federated"), slog.Any("err", err))
		} else if raw != "" {
			fs, err := parseSession([]byte(raw), c.clock())
			if err != nil {
				slog.Warn("discarding unreadable federated session", slog.String("component", "federated"), slog.Any("err", err))
			} else {
				c.current = fs
			}
		}
	}
	c.restored = true
	cur := c.current
	c.mu.Unlock()

	if cur == nil {
		return nil, nil
	}
	tok := &oauth2.Token{AccessToken: cur.AccessToken, Expiry: cur.ExpiresAt}
	if tok.Valid() {
		return cur, nil
	}
	fs, err := c.refresh(ctx, cur)
	var se *StatusError
	if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		return nil, nil
	}
	return fs, err
}

// Refresh exchanges the refresh token for a new session and emits
// token_refreshed. A rejected refresh token signs the client out.
func (c *Client) Refresh(ctx context.Context) error {
	cur := c.Current()
	if cur == nil {
		return nil
	}
	fs, err := c.refresh(ctx, cur)
	var se *StatusError
	if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		c.emit(session.FederatedEvent{Kind: session.FederatedSignedOut})
		return err
	}
	if err != nil {
		return err
	}
	c.emit(session.FederatedEvent{Kind: session.FederatedTokenRefreshed, Session: fs})
	return nil
}

func (c *Client) refresh(ctx context.Context, cur *session.FederatedSession) (*session.FederatedSession, error) {
	if cur.RefreshToken == "" {
		return nil, &StatusError{Path: "/auth/v1/token", Status: http.StatusBadRequest, Body: "no refresh token"}
	}
	v, err, _ := c.refreshes.Do(cur.RefreshToken, func() (any, error) {
		return c.refreshGrant(ctx, cur)
	})
	if err != nil {
		return nil, err
	}
	return v.(*session.FederatedSession), nil
}

// refreshGrant runs the refresh_token grant unless the session has already
// been rotated past cur, in which case the newer session is returned.
func (c *Client) refreshGrant(ctx context.Context, cur *session.FederatedSession) (*session.FederatedSession, error) {
	c.mu.Lock()
	latest := c.current
	c.mu.Unlock()
	if latest != nil && latest.RefreshToken != cur.RefreshToken {
		return latest, nil
	}
	b, err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", "", map[string]string{"refresh_token": cur.RefreshToken}, nil)
	if err != nil {
		return nil, err
	}
	fs, err := parseSession(b, c.clock())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthProvider, err)
	}
	c.mu.Lock()
	c.current = fs
	c.mu.Unlock()
	return fs, nil
}

// SignInURL starts a PKCE redirect sign-in with provider (for example "google")
// and returns the URL to send the browser to and the state that ExchangeCode expects.
func (c *Client) SignInURL(provider string) (authURL, state string) {
	verifier := oauth2.GenerateVerifier()
	state = uuid.NewString()

	c.mu.Lock()
	if c.pending == nil {
		c.pending = make(map[string]pendingAuth)
	}
	now := c.clock()
	for s, p := range c.pending {
		if now.Sub(p.created) > pendingTTL {
			delete(c.pending, s)
		}
	}
	c.pending[state] = pendingAuth{verifier: verifier, created: now}
	c.mu.Unlock()

	cfg := &oauth2.Config{
		Endpoint:    oauth2.Endpoint{AuthURL: c.BaseURL + "/auth/v1/authorize"},
		RedirectURL: c.RedirectURL,
	}
	authURL = cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("provider", provider),
		oauth2.SetAuthURLParam("redirect_to", c.RedirectURL),
		oauth2.S256ChallengeOption(verifier),
	)
	return authURL, state
}

// ExchangeCode completes a redirect sign-in and emits signed_in.
func (c *Client) ExchangeCode(ctx context.Context, state, code string) (*session.FederatedSession, error) {
	c.mu.Lock()
	p, ok := c.pending[state]
	delete(c.pending, state)
	c.mu.Unlock()
	if !ok || c.clock().Sub(p.created) > pendingTTL {
		return nil, ErrUnknownState
	}
	if code == "" {
		return nil, fmt.Errorf("%w: missing authorization code", ErrAuthProvider)
	}
	b, err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=pkce", "",
		map[string]string{"auth_code": code, "code_verifier": p.verifier}, nil)
	if err != nil {
		return nil, err
	}
	fs, err := parseSession(b, c.clock())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthProvider, err)
	}
	c.mu.Lock()
	c.current = fs
	c.restored = true
	c.mu.Unlock()
	c.emit(session.FederatedEvent{Kind: session.FederatedSignedIn, Session: fs})
	return fs, nil
}

// SignOut revokes the session at the provider and drops it locally. The local
// session is dropped and signed_out emitted even when the call fails.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	cur := c.current
	c.current = nil
	c.restored = true
	c.mu.Unlock()

	var err error
	if cur != nil {
		_, err = c.do(ctx, http.MethodPost, "/auth/v1/logout", cur.AccessToken, nil, nil)
		var se *StatusError
		// the token was already dead at the provider
		if errors.As(err, &se) && (se.Status == http.StatusUnauthorized || se.Status == http.StatusNotFound) {
			err = nil
		}
	}
	c.emit(session.FederatedEvent{Kind: session.FederatedSignedOut})
	return err
}

// do sends a provider request. bearer defaults to the anon key.
func (c *Client) do(ctx context.Context, method, path, bearer string, in any, header http.Header) ([]byte, error) {
	route := path
	if i := strings.IndexByte(route, '?'); i >= 0 {
		route = route[:i]
	}
	ctx, span := telemetry.StartSpan(ctx, "federated", method+" "+route,
		telemetry.HTTPMethodAttr(method), telemetry.HTTPRouteAttr(route))
	defer span.End()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("apikey", c.AnonKey)
	if bearer == "" {
		bearer = c.AnonKey
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	var resp *http.Response
	telemetry.TimeFunc(telemetry.ObserveAPI("federated"+route), func() {
		resp, err = c.http().Do(req)
	})
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrAuthProvider, route, err)
		telemetry.RecordError(span, err)
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	telemetry.SetSpanHTTPStatus(span, resp.StatusCode)
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrAuthProvider, route, err)
		telemetry.RecordError(span, err)
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(b, "msg").String()
		if msg == "" {
			msg = gjson.GetBytes(b, "error_description").String()
		}
		if msg == "" {
			msg = strings.TrimSpace(string(b))
		}
		err = &StatusError{Path: route, Status: resp.StatusCode, Body: msg}
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetSpanSuccess(span)
	return b, nil
}

// parseSession reads a GoTrue session document. When the document carries only
// expires_in, an absolute expires_at is stamped into the stored payload so a
// restored session knows when it expires.
func parseSession(raw []byte, now time.Time) (*session.FederatedSession, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("session payload is not valid JSON")
	}
	doc := gjson.ParseBytes(raw)
	fs := &session.FederatedSession{
		AccessToken:  doc.Get("access_token").String(),
		RefreshToken: doc.Get("refresh_token").String(),
		UserID:       doc.Get("user.id").String(),
		Email:        doc.Get("user.email").String(),
		Name:         doc.Get("user.user_metadata.full_name").String(),
	}
	if fs.AccessToken == "" {
		return nil, errors.New("session payload without access_token")
	}
	if fs.Name == "" {
		fs.Name = doc.Get("user.user_metadata.name").String()
	}
	if at := doc.Get("expires_at").Int(); at > 0 {
		fs.ExpiresAt = time.Unix(at, 0)
	} else if in := doc.Get("expires_in").Int(); in > 0 {
		fs.ExpiresAt = now.Add(time.Duration(in) * time.Second)
		stamped, err := sjson.SetBytes(raw, "expires_at", fs.ExpiresAt.Unix())
		if err == nil {
			raw = stamped
		}
	}
	fs.Raw = string(raw)
	return fs, nil
}
