package session

type eventKind int

const (
	evFirstPartyResolved eventKind = iota
	evFirstPartyRejected
	evFirstPartySkipped
	evFederatedPresent
	evFederatedAbsent
	evFederatedSkipped
	evLogin
	evLogout
)

func (k eventKind) String() string {
	switch k {
	case evFirstPartyResolved:
		return "first_party_resolved"
	case evFirstPartyRejected:
		return "first_party_rejected"
	case evFirstPartySkipped:
		return "first_party_skipped"
	case evFederatedPresent:
		return "federated_present"
	case evFederatedAbsent:
		return "federated_absent"
	case evFederatedSkipped:
		return "federated_skipped"
	case evLogin:
		return "login"
	case evLogout:
		return "logout"
	default:
		return "unknown"
	}
}

func (k eventKind) source() string {
	switch k {
	case evFirstPartyResolved, evFirstPartyRejected, evFirstPartySkipped:
		return string(ProvenanceFirstParty)
	case evFederatedPresent, evFederatedAbsent, evFederatedSkipped:
		return string(ProvenanceFederated)
	default:
		return "local"
	}
}

// event is one source completion. Epoch is the epoch a first-party fetch was
// started under. Initial marks the first pass of a source. Bump marks a user or
// provider driven change that supersedes first-party fetches already in flight.
type event struct {
	Kind       eventKind
	Identity   *Identity
	Credential string
	Epoch      uint64
	Initial    bool
	Bump       bool
}

type state struct {
	Session
	epoch         uint64
	firstPartyRan bool
	federatedRan  bool
}

// reduce applies ev to st. changed is false when the event was discarded and
// nothing visible moved.
func reduce(st state, ev event) (next state, changed bool) {
	next = st
	if ev.Initial {
		switch ev.Kind.source() {
		case string(ProvenanceFirstParty):
			next.firstPartyRan = true
		case string(ProvenanceFederated):
			next.federatedRan = true
		}
	}
	if ev.Bump {
		next.epoch++
	}

	stale := ev.Kind.source() == string(ProvenanceFirstParty) && ev.Epoch < st.epoch
	if !stale {
		switch ev.Kind {
		case evFirstPartyResolved, evLogin:
			next.Identity = ev.Identity
			next.Credential = ev.Credential
			next.Provenance = ProvenanceFirstParty
			changed = true
		case evFederatedPresent:
			next.Identity = ev.Identity
			next.Credential = ""
			next.Provenance = ProvenanceFederated
			changed = true
		case evFirstPartyRejected, evFederatedAbsent, evLogout:
			next.Identity = nil
			next.Credential = ""
			next.Provenance = ProvenanceNone
			changed = true
		}
	}
	if next.Identity == nil {
		next.Credential = ""
		next.Provenance = ProvenanceNone
	}

	next.Loading = !(next.firstPartyRan && next.federatedRan)
	if next.Loading != st.Loading {
		changed = true
	}
	if changed {
		next.Version = st.Version + 1
	}
	return next, changed
}
