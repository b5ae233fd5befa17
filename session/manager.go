package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/onnwee/stampede/client/telemetry"
	"github.com/onnwee/stampede/client/tokenstore"
)

// Options wires a Manager to its sources. Federated and Profiles may be nil:
// without Federated the federated pass completes immediately without writing;
// without Profiles a federated identity is used as the provider reports it.
type Options struct {
	Store     tokenstore.Store
	Identity  IdentityClient
	Federated FederatedAuth
	Profiles  ProfileDirectory
	Logger    *slog.Logger
}

type msg interface{ isManagerMsg() }

type applyMsg struct {
	ev    event
	reply chan Session
}

type subscribeMsg struct{ sub *subscriber }

type unsubscribeMsg struct{ id uint64 }

func (applyMsg) isManagerMsg()       {}
func (subscribeMsg) isManagerMsg()   {}
func (unsubscribeMsg) isManagerMsg() {}

type subscriber struct {
	id      uint64
	fn      func(Session)
	removed atomic.Bool
}

// Manager owns the Session. All writes go through its loop goroutine.
type Manager struct {
	store     tokenstore.Store
	identity  IdentityClient
	federated FederatedAuth
	profiles  ProfileDirectory
	log       *slog.Logger

	inbox    chan msg
	fedQueue chan FederatedEvent
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.RWMutex
	current state

	// storeMu orders credential writes so a rejected fetch never clears a
	// credential stored by a later Login.
	storeMu sync.Mutex

	nextSubID   atomic.Uint64
	startOnce   sync.Once
	closeOnce   sync.Once
	unsubscribe func()
}

// New creates a manager and starts its loop. Call Start to run the initial
// passes and Close to release it.
func New(parent context.Context, opts Options) *Manager {
	if opts.Store == nil {
		opts.Store = tokenstore.NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	m := &Manager{
		store:     opts.Store,
		identity:  opts.Identity,
		federated: opts.Federated,
		profiles:  opts.Profiles,
		log:       opts.Logger.With(slog.String("component", "session")),
		inbox:     make(chan msg, 64),
		fedQueue:  make(chan FederatedEvent, 32),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.current = state{Session: Session{Provenance: ProvenanceNone, Loading: true}}
	telemetry.SetLoading(true)
	telemetry.SetProvenance(string(ProvenanceNone))
	go m.loop()
	return m
}

// Start subscribes to the federated provider and runs both initial passes.
// Calling it more than once has no effect.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		if m.federated != nil {
			m.unsubscribe = m.federated.Subscribe(m.enqueueFederated)
		}
		epoch := m.epoch()
		m.wg.Add(2)
		go m.firstPartyPass(epoch)
		go m.federatedPass()
	})
}

// Close releases the provider subscription, stops background passes and the
// loop. No subscriber is called after Close returns.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
		m.cancel()
		m.wg.Wait()
		<-m.done
	})
}

// Snapshot returns the current session.
func (m *Manager) Snapshot() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Session
}

func (m *Manager) epoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.epoch
}

// Subscribe registers fn. It is called from the manager loop with the current
// session first and then with every change, in version order. fn must not call
// Login or Logout synchronously.
func (m *Manager) Subscribe(fn func(Session)) (unsubscribe func()) {
	sub := &subscriber{id: m.nextSubID.Add(1), fn: fn}
	m.send(subscribeMsg{sub: sub})
	var once sync.Once
	return func() {
		once.Do(func() {
			sub.removed.Store(true)
			m.send(unsubscribeMsg{id: sub.id})
		})
	}
}

// Login installs a first-party credential and identity already resolved by the
// caller, and persists the credential. It does not call the identity client.
func (m *Manager) Login(ctx context.Context, credential string, identity *Identity) Session {
	m.storeMu.Lock()
	if err := m.store.Set(ctx, tokenstore.KeyCredential, credential); err != nil {
		m.log.Warn("persist credential failed", slog.Any("err", err))
	}
	m.storeMu.Unlock()
	return m.apply(event{Kind: evLogin, Identity: identity, Credential: credential, Bump: true})
}

// LoginWithPassword performs the first-party login round trip, resolves the
// profile and installs both with Login.
func (m *Manager) LoginWithPassword(ctx context.Context, auth PasswordAuthenticator, email, password string) (Session, error) {
	if m.identity == nil {
		return m.Snapshot(), errors.New("no identity client configured")
	}
	credential, err := auth.Login(ctx, email, password)
	if err != nil {
		return m.Snapshot(), err
	}
	identity, err := m.identity.Me(ctx, credential)
	if err != nil {
		return m.Snapshot(), fmt.Errorf("resolve profile: %w", err)
	}
	return m.Login(ctx, credential, identity), nil
}

// Logout clears local state first and then signs out of the provider. A
// provider failure is logged and never returned.
func (m *Manager) Logout(ctx context.Context) {
	m.storeMu.Lock()
	for _, key := range []tokenstore.Key{tokenstore.KeyCredential, tokenstore.KeyFederated} {
		if err := m.store.Clear(ctx, key); err != nil {
			m.log.Warn("clear persisted session failed", slog.String("key", string(key)), slog.Any("err", err))
		}
	}
	m.storeMu.Unlock()
	m.apply(event{Kind: evLogout, Bump: true})

	if m.federated == nil {
		return
	}
	if err := m.federated.SignOut(ctx); err != nil {
		if !errors.Is(err, ErrAuthProvider) {
			err = fmt.Errorf("%w: %w", ErrAuthProvider, err)
		}
		telemetry.Inc(telemetry.SessionErrors, Classify(err).String())
		m.log.Warn("federated sign-out failed", slog.Any("err", err))
	}
}

func (m *Manager) send(mg msg) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.inbox <- mg:
		return true
	case <-m.done:
		return false
	}
}

// apply hands ev to the loop and waits for the resulting session.
func (m *Manager) apply(ev event) Session {
	reply := make(chan Session, 1)
	if !m.send(applyMsg{ev: ev, reply: reply}) {
		return m.Snapshot()
	}
	select {
	case s := <-reply:
		return s
	case <-m.done:
		return m.Snapshot()
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	subs := make(map[uint64]*subscriber)
	var order []uint64
	for {
		select {
		case <-m.ctx.Done():
			return
		case mg := <-m.inbox:
			switch v := mg.(type) {
			case subscribeMsg:
				subs[v.sub.id] = v.sub
				order = append(order, v.sub.id)
				v.sub.fn(m.Snapshot())
			case unsubscribeMsg:
				delete(subs, v.id)
				for i, id := range order {
					if id == v.id {
						order = append(order[:i], order[i+1:]...)
						break
					}
				}
			case applyMsg:
				m.mu.RLock()
				prev := m.current
				m.mu.RUnlock()
				next, changed := reduce(prev, v.ev)
				m.mu.Lock()
				m.current = next
				m.mu.Unlock()
				v.reply <- next.Session
				if !changed {
					m.log.Debug("stale event discarded", slog.String("kind", v.ev.Kind.String()))
					continue
				}
				telemetry.Inc(telemetry.SessionEvents, v.ev.Kind.source(), v.ev.Kind.String())
				telemetry.SetProvenance(string(next.Provenance))
				telemetry.SetLoading(next.Loading)
				m.log.Debug("session updated",
					slog.String("kind", v.ev.Kind.String()),
					slog.String("provenance", string(next.Provenance)),
					slog.Bool("loading", next.Loading),
					slog.Uint64("version", next.Version))
				for _, id := range order {
					if s := subs[id]; s != nil && !s.removed.Load() {
						s.fn(next.Session)
					}
				}
			}
		}
	}
}

func (m *Manager) firstPartyPass(epoch uint64) {
	defer m.wg.Done()
	ctx := m.ctx
	credential, err := m.store.Get(ctx, tokenstore.KeyCredential)
	if err != nil {
		m.log.Warn("read stored credential failed", slog.Any("err", err))
	}
	if credential == "" || m.identity == nil {
		m.apply(event{Kind: evFirstPartySkipped, Epoch: epoch, Initial: true})
		return
	}
	identity, err := m.identity.Me(ctx, credential)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSessionExpired, err)
		telemetry.Inc(telemetry.SessionErrors, Classify(err).String())
		m.log.Info("stored credential rejected", slog.Any("err", err))
		m.clearCredentialIf(ctx, credential)
		m.apply(event{Kind: evFirstPartyRejected, Epoch: epoch, Initial: true})
		return
	}
	m.apply(event{Kind: evFirstPartyResolved, Identity: identity, Credential: credential, Epoch: epoch, Initial: true})
}

// clearCredentialIf removes the stored credential only while it still equals credential.
func (m *Manager) clearCredentialIf(ctx context.Context, credential string) {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	current, err := m.store.Get(ctx, tokenstore.KeyCredential)
	if err != nil {
		m.log.Warn("read stored credential failed", slog.Any("err", err))
		return
	}
	if current != credential {
		return
	}
	if err := m.store.Clear(ctx, tokenstore.KeyCredential); err != nil {
		m.log.Warn("clear stored credential failed", slog.Any("err", err))
	}
}

func (m *Manager) enqueueFederated(ev FederatedEvent) {
	select {
	case m.fedQueue <- ev:
	case <-m.ctx.Done():
	}
}

// federatedPass runs the initial provider check and then applies change events
// in arrival order until Close.
func (m *Manager) federatedPass() {
	defer m.wg.Done()
	ctx := m.ctx
	if m.federated == nil {
		m.apply(event{Kind: evFederatedSkipped, Initial: true})
		return
	}
	fs, err := m.federated.Session(ctx)
	if err != nil {
		if !errors.Is(err, ErrAuthProvider) {
			err = fmt.Errorf("%w: %w", ErrAuthProvider, err)
		}
		telemetry.Inc(telemetry.SessionErrors, Classify(err).String())
		m.log.Warn("federated session check failed", slog.Any("err", err))
		// keep the persisted payload; the failure says nothing about the session
		m.apply(event{Kind: evFederatedAbsent, Initial: true})
	} else {
		m.handleFederated(ctx, fs, true)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.fedQueue:
			m.log.Debug("federated change event", slog.String("kind", string(ev.Kind)))
			m.handleFederated(ctx, ev.Session, false)
		}
	}
}

func (m *Manager) handleFederated(ctx context.Context, fs *FederatedSession, initial bool) {
	if fs == nil {
		m.persist(ctx, tokenstore.KeyFederated, "")
		m.apply(event{Kind: evFederatedAbsent, Initial: initial, Bump: !initial})
		return
	}
	identity := m.resolveProfile(ctx, fs)
	m.persist(ctx, tokenstore.KeyFederated, fs.Raw)
	m.apply(event{Kind: evFederatedPresent, Identity: identity, Initial: initial, Bump: !initial})
}

// resolveProfile reads the local profile for the federated email, creating a
// default one when none exists. On failure the raw provider identity is used.
func (m *Manager) resolveProfile(ctx context.Context, fs *FederatedSession) *Identity {
	raw := &Identity{ID: fs.UserID, Email: fs.Email}
	if m.profiles == nil || fs.Email == "" {
		return raw
	}
	profile, err := m.profiles.Lookup(ctx, fs.Email)
	if err == nil && profile == nil {
		profile, err = m.profiles.Create(ctx, fs.Email, fs.Name)
	}
	if err != nil || profile == nil {
		if err == nil {
			err = errors.New("empty profile")
		}
		err = fmt.Errorf("%w: %w", ErrProfileLookupFailed, err)
		telemetry.Inc(telemetry.SessionErrors, Classify(err).String())
		m.log.Warn("profile lookup failed, using provider identity", slog.String("email", fs.Email), slog.Any("err", err))
		return raw
	}
	return profile
}

func (m *Manager) persist(ctx context.Context, key tokenstore.Key, value string) {
	if err := m.store.Set(ctx, key, value); err != nil {
		m.log.Warn("persist session value failed", slog.String("key", string(key)), slog.Any("err", err))
	}
}
