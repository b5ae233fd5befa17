package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/stampede/client/tokenstore"
)

var errUnauthorized = errors.New("unauthorized")

// fakeIdentity answers Me once release is closed (or immediately when nil).
type fakeIdentity struct {
	release chan struct{}
	byToken map[string]*Identity

	mu    sync.Mutex
	calls int
}

func (f *fakeIdentity) Me(ctx context.Context, credential string) (*Identity, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if id, ok := f.byToken[credential]; ok {
		return id, nil
	}
	return nil, errUnauthorized
}

type fakeFederated struct {
	release    chan struct{}
	initial    *FederatedSession
	signOutErr error

	mu        sync.Mutex
	listeners map[int]func(FederatedEvent)
	nextID    int
	signOuts  int
}

func (f *fakeFederated) Session(ctx context.Context) (*FederatedSession, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.initial, nil
}

func (f *fakeFederated) Subscribe(fn func(FederatedEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listeners == nil {
		f.listeners = make(map[int]func(FederatedEvent))
	}
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *fakeFederated) emit(ev FederatedEvent) {
	f.mu.Lock()
	fns := make([]func(FederatedEvent), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (f *fakeFederated) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func (f *fakeFederated) SignOut(context.Context) error {
	f.mu.Lock()
	f.signOuts++
	f.mu.Unlock()
	return f.signOutErr
}

type fakeProfiles struct {
	err     error
	records map[string]*Identity

	mu      sync.Mutex
	created []string
}

func (p *fakeProfiles) Lookup(_ context.Context, email string) (*Identity, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.records[email], nil
}

func (p *fakeProfiles) Create(_ context.Context, email, name string) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, email)
	id := &Identity{ID: "profile-" + email, Email: email, Name: name}
	if p.records == nil {
		p.records = make(map[string]*Identity)
	}
	p.records[email] = id
	return id, nil
}

func newManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m := New(context.Background(), opts)
	t.Cleanup(m.Close)
	return m
}

func waitFor(t *testing.T, m *Manager, desc string, pred func(Session) bool) Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := m.Snapshot(); pred(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; last session %+v", desc, m.Snapshot())
	return Session{}
}

func settled(s Session) bool { return !s.Loading }

func storeWith(t *testing.T, credential string) *tokenstore.MemoryStore {
	t.Helper()
	st := tokenstore.NewMemoryStore()
	if credential != "" {
		if err := st.Set(context.Background(), tokenstore.KeyCredential, credential); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func TestManagerFirstPartyResolved(t *testing.T) {
	m := newManager(t, Options{
		Store:    storeWith(t, "good"),
		Identity: &fakeIdentity{byToken: map[string]*Identity{"good": alice}},
	})
	if s := m.Snapshot(); !s.Loading {
		t.Fatal("new manager should start loading")
	}
	m.Start()
	s := waitFor(t, m, "settled", settled)
	if s.Identity != alice || s.Provenance != ProvenanceFirstParty || s.Credential != "good" {
		t.Fatalf("session = %+v", s)
	}
}

func TestManagerUnauthorizedClearsCredential(t *testing.T) {
	store := storeWith(t, "expired")
	m := newManager(t, Options{Store: store, Identity: &fakeIdentity{}})
	m.Start()
	s := waitFor(t, m, "settled", settled)
	if s.Identity != nil || s.Provenance != ProvenanceNone || s.Credential != "" {
		t.Fatalf("session = %+v", s)
	}
	if v, _ := store.Get(context.Background(), tokenstore.KeyCredential); v != "" {
		t.Errorf("stored credential = %q, want cleared", v)
	}
}

func TestManagerNoCredentialSkipsIdentityClient(t *testing.T) {
	idc := &fakeIdentity{}
	m := newManager(t, Options{Store: storeWith(t, ""), Identity: idc})
	m.Start()
	waitFor(t, m, "settled", settled)
	idc.mu.Lock()
	defer idc.mu.Unlock()
	if idc.calls != 0 {
		t.Errorf("Me called %d times without a credential", idc.calls)
	}
}

func TestManagerCompletionOrder(t *testing.T) {
	fedSession := &FederatedSession{UserID: "fed-2", Email: "bob@example.com", Raw: `{"access_token":"x"}`}
	for _, firstPartyLast := range []bool{true, false} {
		name := "federated last"
		if firstPartyLast {
			name = "first party last"
		}
		t.Run(name, func(t *testing.T) {
			idc := &fakeIdentity{release: make(chan struct{}), byToken: map[string]*Identity{"good": alice}}
			fed := &fakeFederated{release: make(chan struct{}), initial: fedSession}
			m := newManager(t, Options{Store: storeWith(t, "good"), Identity: idc, Federated: fed})
			m.Start()

			if firstPartyLast {
				close(fed.release)
				waitFor(t, m, "federated identity", func(s Session) bool { return s.Provenance == ProvenanceFederated })
				if !m.Snapshot().Loading {
					t.Fatal("loading cleared before first-party pass")
				}
				close(idc.release)
				s := waitFor(t, m, "settled", settled)
				if s.Identity != alice || s.Provenance != ProvenanceFirstParty {
					t.Fatalf("session = %+v, want first party", s)
				}
				return
			}
			close(idc.release)
			waitFor(t, m, "first-party identity", func(s Session) bool { return s.Provenance == ProvenanceFirstParty })
			close(fed.release)
			s := waitFor(t, m, "settled", settled)
			if s.Provenance != ProvenanceFederated || s.Identity.Email != "bob@example.com" || s.Credential != "" {
				t.Fatalf("session = %+v, want federated", s)
			}
		})
	}
}

func TestManagerFederatedAbsentThenSignedIn(t *testing.T) {
	store := storeWith(t, "")
	fed := &fakeFederated{}
	profiles := &fakeProfiles{}
	m := newManager(t, Options{Store: store, Identity: &fakeIdentity{}, Federated: fed, Profiles: profiles})
	m.Start()
	s := waitFor(t, m, "settled", settled)
	if s.Provenance != ProvenanceNone {
		t.Fatalf("provenance = %s, want none", s.Provenance)
	}

	payload := `{"access_token":"fed-token","user":{"email":"carol@example.com"}}`
	fed.emit(FederatedEvent{Kind: FederatedSignedIn, Session: &FederatedSession{
		UserID: "u-3", Email: "carol@example.com", Name: "Carol", Raw: payload,
	}})
	s = waitFor(t, m, "federated provenance", func(s Session) bool { return s.Provenance == ProvenanceFederated })
	if s.Identity.Name != "Carol" || s.Identity.PayStatus {
		t.Errorf("identity = %+v, want created default profile", s.Identity)
	}
	if v, _ := store.Get(context.Background(), tokenstore.KeyFederated); v != payload {
		t.Errorf("persisted payload = %q", v)
	}
	profiles.mu.Lock()
	defer profiles.mu.Unlock()
	if len(profiles.created) != 1 || profiles.created[0] != "carol@example.com" {
		t.Errorf("created profiles = %v", profiles.created)
	}
}

func TestManagerFederatedSignedOutRemovesPayload(t *testing.T) {
	store := storeWith(t, "")
	fed := &fakeFederated{initial: &FederatedSession{UserID: "u", Email: "d@example.com", Raw: "payload"}}
	m := newManager(t, Options{Store: store, Federated: fed})
	m.Start()
	waitFor(t, m, "federated", func(s Session) bool { return !s.Loading && s.Provenance == ProvenanceFederated })

	fed.emit(FederatedEvent{Kind: FederatedSignedOut})
	waitFor(t, m, "signed out", func(s Session) bool { return s.Identity == nil })
	if v, _ := store.Get(context.Background(), tokenstore.KeyFederated); v != "" {
		t.Errorf("payload = %q after sign-out", v)
	}
}

func TestManagerProfileLookupFailureFallsBack(t *testing.T) {
	fed := &fakeFederated{initial: &FederatedSession{UserID: "u-9", Email: "eve@example.com", Name: "Eve", Raw: "p"}}
	m := newManager(t, Options{Federated: fed, Profiles: &fakeProfiles{err: errors.New("postgrest down")}})
	m.Start()
	s := waitFor(t, m, "settled", settled)
	if s.Provenance != ProvenanceFederated {
		t.Fatalf("provenance = %s", s.Provenance)
	}
	if s.Identity.ID != "u-9" || s.Identity.Name != "" {
		t.Errorf("identity = %+v, want raw provider identity", s.Identity)
	}
	if got := s.Identity.DisplayName(); got != "eve" {
		t.Errorf("DisplayName = %q, want eve", got)
	}
}

func TestManagerStaleFirstPartyAfterFederatedChange(t *testing.T) {
	idc := &fakeIdentity{release: make(chan struct{}), byToken: map[string]*Identity{"good": alice}}
	fed := &fakeFederated{}
	m := newManager(t, Options{Store: storeWith(t, "good"), Identity: idc, Federated: fed})
	m.Start()
	waitFor(t, m, "federated pass", func(s Session) bool { return s.Version >= 1 })

	fed.emit(FederatedEvent{Kind: FederatedSignedIn, Session: &FederatedSession{UserID: "u", Email: "bob@example.com", Raw: "p"}})
	waitFor(t, m, "federated", func(s Session) bool { return s.Provenance == ProvenanceFederated })

	close(idc.release)
	s := waitFor(t, m, "settled", settled)
	if s.Provenance != ProvenanceFederated {
		t.Fatalf("stale first-party result overwrote federated session: %+v", s)
	}
}

func TestManagerLogout(t *testing.T) {
	for _, signOutErr := range []error{nil, errors.New("network down")} {
		t.Run("signout err "+errString(signOutErr), func(t *testing.T) {
			store := storeWith(t, "good")
			_ = store.Set(context.Background(), tokenstore.KeyFederated, "payload")
			fed := &fakeFederated{signOutErr: signOutErr}
			m := newManager(t, Options{
				Store:     store,
				Identity:  &fakeIdentity{byToken: map[string]*Identity{"good": alice}},
				Federated: fed,
			})
			m.Start()
			waitFor(t, m, "settled", settled)

			m.Logout(context.Background())
			s := m.Snapshot()
			if s.Identity != nil || s.Credential != "" || s.Provenance != ProvenanceNone {
				t.Fatalf("session after logout = %+v", s)
			}
			for _, key := range []tokenstore.Key{tokenstore.KeyCredential, tokenstore.KeyFederated} {
				if v, _ := store.Get(context.Background(), key); v != "" {
					t.Errorf("%s = %q after logout", key, v)
				}
			}
			fed.mu.Lock()
			defer fed.mu.Unlock()
			if fed.signOuts != 1 {
				t.Errorf("SignOut called %d times", fed.signOuts)
			}
		})
	}
}

func errString(err error) string {
	if err == nil {
		return "nil"
	}
	return err.Error()
}

func TestManagerLoginIsImmediate(t *testing.T) {
	store := storeWith(t, "")
	m := newManager(t, Options{Store: store, Identity: &fakeIdentity{}})
	m.Start()
	waitFor(t, m, "settled", settled)

	s := m.Login(context.Background(), "fresh", alice)
	if s.Identity != alice || s.Credential != "fresh" || s.Provenance != ProvenanceFirstParty {
		t.Fatalf("Login returned %+v", s)
	}
	if v, _ := store.Get(context.Background(), tokenstore.KeyCredential); v != "fresh" {
		t.Errorf("stored credential = %q", v)
	}
}

type fakeAuthenticator struct{ token string }

func (f fakeAuthenticator) Login(_ context.Context, email, password string) (string, error) {
	if email == "alice@example.com" && password == "pw" {
		return f.token, nil
	}
	return "", errors.New("invalid email or password")
}

func TestManagerLoginWithPassword(t *testing.T) {
	m := newManager(t, Options{Identity: &fakeIdentity{byToken: map[string]*Identity{"jwt": alice}}})
	m.Start()
	waitFor(t, m, "settled", settled)

	if _, err := m.LoginWithPassword(context.Background(), fakeAuthenticator{token: "jwt"}, "alice@example.com", "nope"); err == nil {
		t.Fatal("expected login error")
	}
	if m.Snapshot().Identity != nil {
		t.Fatal("failed login changed the session")
	}
	s, err := m.LoginWithPassword(context.Background(), fakeAuthenticator{token: "jwt"}, "alice@example.com", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if s.Identity != alice || s.Credential != "jwt" {
		t.Errorf("session = %+v", s)
	}
}

func TestManagerSubscribeOrderAndUnsubscribe(t *testing.T) {
	m := newManager(t, Options{})
	var mu sync.Mutex
	var versions []uint64
	unsub := m.Subscribe(func(s Session) {
		mu.Lock()
		versions = append(versions, s.Version)
		mu.Unlock()
	})
	m.Start()
	waitFor(t, m, "settled", settled)
	m.Login(context.Background(), "a", alice)
	m.Login(context.Background(), "b", alice)

	unsub()
	unsub()
	m.Logout(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(versions) < 3 || versions[0] != 0 {
		t.Fatalf("versions = %v, want initial snapshot then changes", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Fatalf("versions out of order: %v", versions)
		}
	}
	if last := versions[len(versions)-1]; last == m.Snapshot().Version {
		t.Errorf("unsubscribed callback saw logout version %d", last)
	}
}

func TestManagerCloseReleasesFederatedSubscription(t *testing.T) {
	fed := &fakeFederated{}
	m := New(context.Background(), Options{Federated: fed})
	m.Start()
	if fed.listenerCount() != 1 {
		t.Fatalf("listeners = %d, want 1", fed.listenerCount())
	}
	called := make(chan struct{}, 8)
	m.Subscribe(func(Session) { called <- struct{}{} })
	m.Close()
	m.Close()
	if fed.listenerCount() != 0 {
		t.Errorf("listeners = %d after Close", fed.listenerCount())
	}
	for len(called) > 0 {
		<-called
	}
	fed.emit(FederatedEvent{Kind: FederatedSignedOut})
	m.Login(context.Background(), "x", alice)
	select {
	case <-called:
		t.Fatal("subscriber called after Close")
	case <-time.After(50 * time.Millisecond):
	}
}
