// Package api is the client for the first-party backend REST API: password
// login and registration, the /me profile lookup, the live embed URL, score
// controls and the read-only broadcast schedule.
package api

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
	"time"

	"github.com/onnwee/stampede/client/scoreboard"
	"github.com/onnwee/stampede/client/session"
	"github.com/onnwee/stampede/client/telemetry"
)

// ErrUnauthorized is returned when the backend answers 401 or 403.
var ErrUnauthorized = errors.New("unauthorized")

// Client is safe for concurrent use. It holds no session state; callers pass
// the credential per call.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New returns a client for baseURL with a bounded request timeout.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// StatusError carries a non-2xx response that is not an auth failure.
type StatusError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.Status, e.Body)
}

// do sends a request with an optional JSON body and bearer credential and
// returns the response body of a 2xx reply.
func (c *Client) do(ctx context.Context, method, path, credential string, in any) ([]byte, error) {
	ctx, span := telemetry.StartSpan(ctx, "api", method+" "+path,
		telemetry.HTTPMethodAttr(method), telemetry.HTTPRouteAttr(path))
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
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	var resp *http.Response
	telemetry.TimeFunc(telemetry.ObserveAPI(path), func() {
		resp, err = c.http().Do(req)
	})
	if err != nil {
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
		telemetry.RecordError(span, err)
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		err = fmt.Errorf("%s: %w", path, ErrUnauthorized)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		err = &StatusError{Endpoint: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetSpanSuccess(span)
	return b, nil
}

// Login exchanges email and password for a bearer credential.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	b, err := c.do(ctx, http.MethodPost, "/login", "", map[string]string{"email": email, "password": password})
	if err != nil {
		return "", err
	}
	var res struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(b, &res); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if res.AccessToken == "" {
		return "", errors.New("login response without access_token")
	}
	return res.AccessToken, nil
}

// Register creates an account and returns its id.
func (c *Client) Register(ctx context.Context, email, password, name string) (string, error) {
	b, err := c.do(ctx, http.MethodPost, "/register", "", map[string]string{"email": email, "password": password, "name": name})
	if err != nil {
		return "", err
	}
	var res struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(b, &res); err != nil {
		return "", fmt.Errorf("decode register response: %w", err)
	}
	return rawID(res.ID), nil
}

// Me resolves credential to its profile. A rejected credential yields ErrUnauthorized.
func (c *Client) Me(ctx context.Context, credential string) (*session.Identity, error) {
	if credential == "" {
		return nil, fmt.Errorf("/me: %w", ErrUnauthorized)
	}
	b, err := c.do(ctx, http.MethodGet, "/me", credential, nil)
	if err != nil {
		return nil, err
	}
	var res struct {
		ID        json.RawMessage `json:"id"`
		Email     string          `json:"email"`
		Name      string          `json:"name"`
		PayStatus bool            `json:"pay_status"`
	}
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &session.Identity{ID: rawID(res.ID), Email: res.Email, Name: res.Name, PayStatus: res.PayStatus}, nil
}

// rawID renders a JSON id that may be a string or a number.
func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// LiveStatus is the answer of /live_url: an embed URL, or the backend's
// message when nothing is streaming.
type LiveStatus struct {
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
}

// Live reports whether a stream URL is present.
func (s LiveStatus) Live() bool { return s.URL != "" }

// LiveURL fetches the active stream embed URL.
func (c *Client) LiveURL(ctx context.Context) (LiveStatus, error) {
	b, err := c.do(ctx, http.MethodGet, "/live_url", "", nil)
	if err != nil {
		return LiveStatus{}, err
	}
	text := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if strings.HasPrefix(text, "http://") || strings.HasPrefix(text, "https://") {
		return LiveStatus{URL: text}, nil
	}
	return LiveStatus{Message: text}, nil
}

// UpdateScore adds points to team ("home" or "away") and returns the new board.
func (c *Client) UpdateScore(ctx context.Context, team string, points int) (scoreboard.State, error) {
	var st scoreboard.State
	b, err := c.do(ctx, http.MethodPost, "/score/update", "", map[string]any{"team": team, "points": points})
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return st, fmt.Errorf("decode score: %w", err)
	}
	return st, nil
}

// SetTeamNames renames both teams and returns the new board.
func (c *Client) SetTeamNames(ctx context.Context, home, away string) (scoreboard.State, error) {
	var st scoreboard.State
	b, err := c.do(ctx, http.MethodPost, "/score/team_names", "", map[string]string{"home_name": home, "away_name": away})
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return st, fmt.Errorf("decode score: %w", err)
	}
	return st, nil
}

// Broadcast is one scheduled stream.
type Broadcast struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	URL         string `json:"url"`
}

// ListBroadcasts returns the upcoming broadcast schedule.
func (c *Client) ListBroadcasts(ctx context.Context) ([]Broadcast, error) {
	b, err := c.do(ctx, http.MethodGet, "/broadcasts", "", nil)
	if err != nil {
		return nil, err
	}
	var out []Broadcast
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode broadcasts: %w", err)
	}
	return out, nil
}
