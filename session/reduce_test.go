package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/onnwee/stampede/client/live"
)

var (
	alice = &Identity{ID: "1", Email: "alice@example.com", Name: "Alice"}
	bob   = &Identity{ID: "fed-2", Email: "bob@example.com"}
)

func initialState() state {
	return state{Session: Session{Provenance: ProvenanceNone, Loading: true}}
}

func run(events ...event) state {
	st := initialState()
	for _, ev := range events {
		st, _ = reduce(st, ev)
	}
	return st
}

func TestReduceLastCompletionWins(t *testing.T) {
	fpResolved := event{Kind: evFirstPartyResolved, Identity: alice, Credential: "tok", Initial: true}
	fpRejected := event{Kind: evFirstPartyRejected, Initial: true}
	fedPresent := event{Kind: evFederatedPresent, Identity: bob, Initial: true}
	fedAbsent := event{Kind: evFederatedAbsent, Initial: true}

	tests := []struct {
		name     string
		events   []event
		identity *Identity
		prov     Provenance
		cred     string
	}{
		{"first party then federated present", []event{fpResolved, fedPresent}, bob, ProvenanceFederated, ""},
		{"federated present then first party", []event{fedPresent, fpResolved}, alice, ProvenanceFirstParty, "tok"},
		{"first party then federated absent", []event{fpResolved, fedAbsent}, nil, ProvenanceNone, ""},
		{"federated absent then first party", []event{fedAbsent, fpResolved}, alice, ProvenanceFirstParty, "tok"},
		{"federated present then rejection", []event{fedPresent, fpRejected}, nil, ProvenanceNone, ""},
		{"rejection then federated present", []event{fpRejected, fedPresent}, bob, ProvenanceFederated, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := run(tt.events...)
			if st.Loading {
				t.Fatal("loading should be false once both passes ran")
			}
			if st.Identity != tt.identity {
				t.Errorf("identity = %+v, want %+v", st.Identity, tt.identity)
			}
			if st.Provenance != tt.prov {
				t.Errorf("provenance = %s, want %s", st.Provenance, tt.prov)
			}
			if st.Credential != tt.cred {
				t.Errorf("credential = %q, want %q", st.Credential, tt.cred)
			}
		})
	}
}

func TestReduceLoadingNeedsBothPasses(t *testing.T) {
	st := run(event{Kind: evFirstPartySkipped, Initial: true})
	if !st.Loading {
		t.Fatal("loading cleared after one pass")
	}
	// a later change event does not count as the federated first pass
	st, _ = reduce(st, event{Kind: evFederatedPresent, Identity: bob, Bump: true})
	if !st.Loading {
		t.Fatal("loading cleared by a non-initial event")
	}
	st, changed := reduce(st, event{Kind: evFederatedSkipped, Initial: true})
	if !changed || st.Loading {
		t.Fatalf("changed=%v loading=%v, want true/false", changed, st.Loading)
	}
	if st.Identity != bob {
		t.Errorf("skipped pass overwrote identity: %+v", st.Identity)
	}
}

func TestReduceStaleFirstPartyDiscarded(t *testing.T) {
	st := run(
		event{Kind: evFederatedAbsent, Initial: true},
		event{Kind: evFederatedPresent, Identity: bob, Bump: true},
	)
	before := st.Version
	st, changed := reduce(st, event{Kind: evFirstPartyResolved, Identity: alice, Credential: "tok", Epoch: 0, Initial: true})
	if st.Identity != bob || st.Provenance != ProvenanceFederated {
		t.Fatalf("stale first-party result applied: %+v", st.Session)
	}
	if !changed || st.Version != before+1 {
		t.Errorf("loading flip should still count as a change (changed=%v version=%d)", changed, st.Version)
	}
	if st.Loading {
		t.Error("discarded initial result must still complete the first-party pass")
	}
}

func TestReduceLoginSupersedesInFlightFetch(t *testing.T) {
	st := run(
		event{Kind: evFederatedSkipped, Initial: true},
		event{Kind: evLogin, Identity: alice, Credential: "new", Bump: true},
	)
	st, _ = reduce(st, event{Kind: evFirstPartyRejected, Epoch: 0, Initial: true})
	if st.Identity != alice || st.Credential != "new" {
		t.Fatalf("rejection of the old credential undid login: %+v", st.Session)
	}
}

func TestReduceVersionMonotonic(t *testing.T) {
	st := initialState()
	var last uint64
	for i, ev := range []event{
		{Kind: evFirstPartyResolved, Identity: alice, Credential: "a", Initial: true},
		{Kind: evFederatedAbsent, Initial: true},
		{Kind: evLogin, Identity: alice, Credential: "b", Bump: true},
		{Kind: evLogout, Bump: true},
	} {
		st, _ = reduce(st, ev)
		if st.Version <= last {
			t.Fatalf("event %d: version %d not above %d", i, st.Version, last)
		}
		last = st.Version
	}
}

func TestReduceLoginWithoutIdentityKeepsInvariant(t *testing.T) {
	st := run(event{Kind: evLogin, Credential: "tok", Bump: true})
	if st.Credential != "" || st.Provenance != ProvenanceNone {
		t.Fatalf("absent identity with credential %q provenance %s", st.Credential, st.Provenance)
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		identity *Identity
		want     string
	}{
		{&Identity{Name: "Coach", Email: "c@x.io"}, "Coach"},
		{&Identity{Name: "  ", Email: "fan42@x.io"}, "fan42"},
		{&Identity{Email: "@x.io"}, "Anonymous"},
		{&Identity{}, "Anonymous"},
		{nil, "Anonymous"},
	}
	for _, tt := range tests {
		if got := tt.identity.DisplayName(); got != tt.want {
			t.Errorf("DisplayName(%+v) = %q, want %q", tt.identity, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{nil, ErrorClassUnknown},
		{fmt.Errorf("%w: 401", ErrSessionExpired), ErrorClassSessionExpired},
		{fmt.Errorf("logout: %w", ErrAuthProvider), ErrorClassAuthProvider},
		{ErrProfileLookupFailed, ErrorClassProfileLookupFailed},
		{fmt.Errorf("read: %w", live.ErrChannelTransport), ErrorClassChannelTransport},
		{live.ErrMalformedMessage, ErrorClassMalformedMessage},
		{errors.New("boom"), ErrorClassUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
