// Package session reconciles the current user across the first-party backend
// and the federated identity provider into one observable Session value.
//
// A single owner goroutine applies typed events through reduce; every other
// component reads snapshots. The two sources race: whichever
// completes last decides the visible identity, except that a first-party result
// started before a login, logout or federated change is discarded as stale.
package session

import (
	"context"
	"strings"
	"time"
)

// Provenance names the source that last authenticated the identity.
type Provenance string

const (
	ProvenanceNone       Provenance = "none"
	ProvenanceFirstParty Provenance = "first_party"
	ProvenanceFederated  Provenance = "federated"
)

// Identity is the user profile record. Field names follow the backend's /me
// payload and the provider's users table.
type Identity struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	PayStatus bool   `json:"pay_status"`
}

// DisplayName returns the profile name, the local part of the email, or "Anonymous".
func (i *Identity) DisplayName() string {
	if i == nil {
		return "Anonymous"
	}
	if n := strings.TrimSpace(i.Name); n != "" {
		return n
	}
	if local, _, _ := strings.Cut(i.Email, "@"); local != "" {
		return local
	}
	return "Anonymous"
}

// Session is a read-only snapshot. Identity nil implies an empty Credential and
// ProvenanceNone.
type Session struct {
	Identity   *Identity  `json:"identity"`
	Credential string     `json:"-"`
	Provenance Provenance `json:"provenance"`
	Loading    bool       `json:"loading"`
	Version    uint64     `json:"version"`
}

// Authenticated reports whether an identity is present.
func (s Session) Authenticated() bool { return s.Identity != nil }

// FederatedSession is the provider's session as restored or issued.
// Raw is the serialized payload persisted for restoration across restarts.
type FederatedSession struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UserID       string
	Email        string
	Name         string
	Raw          string
}

// FederatedEventKind is a provider change event name.
type FederatedEventKind string

const (
	FederatedSignedIn       FederatedEventKind = "signed_in"
	FederatedTokenRefreshed FederatedEventKind = "token_refreshed"
	FederatedSignedOut      FederatedEventKind = "signed_out"
)

// FederatedEvent is delivered to provider subscribers. Session is nil on sign-out.
type FederatedEvent struct {
	Kind    FederatedEventKind
	Session *FederatedSession
}

// IdentityClient resolves a bearer credential to its profile.
type IdentityClient interface {
	Me(ctx context.Context, credential string) (*Identity, error)
}

// FederatedAuth is the provider capability set the manager consumes.
type FederatedAuth interface {
	// Session returns the current session, or nil when none exists.
	Session(ctx context.Context) (*FederatedSession, error)
	Subscribe(fn func(FederatedEvent)) (unsubscribe func())
	SignOut(ctx context.Context) error
}

// ProfileDirectory reads and creates local profile records keyed by email.
// Lookup returns nil, nil when no record exists.
type ProfileDirectory interface {
	Lookup(ctx context.Context, email string) (*Identity, error)
	Create(ctx context.Context, email, name string) (*Identity, error)
}

// PasswordAuthenticator exchanges email and password for a first-party credential.
type PasswordAuthenticator interface {
	Login(ctx context.Context, email, password string) (string, error)
}
