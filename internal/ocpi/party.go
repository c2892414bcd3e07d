package ocpi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// PartyStatus is the registration state of a counter-party.
type PartyStatus string

const (
	// PartyPreRegistration: configured but no tokens exchanged yet.
	PartyPreRegistration PartyStatus = "PRE_REGISTRATION"
	// PartyPreLocalRegistration: they issued us a token, we have not
	// issued them one yet (we are about to call them).
	PartyPreLocalRegistration PartyStatus = "PRE_LOCAL_REGISTRATION"
	// PartyPreRemoteRegistration: we issued them a token, waiting for
	// them to call back with theirs.
	PartyPreRemoteRegistration PartyStatus = "PRE_REMOTE_REGISTRATION"
	PartyEnabled               PartyStatus = "ENABLED"
	PartySuspended             PartyStatus = "SUSPENDED"
	PartyDeleted               PartyStatus = "DELETED"
)

var partyTransitions = map[PartyStatus][]PartyStatus{
	PartyPreRegistration:       {PartyPreLocalRegistration, PartyPreRemoteRegistration, PartyDeleted},
	PartyPreLocalRegistration:  {PartyEnabled, PartyDeleted},
	PartyPreRemoteRegistration: {PartyEnabled, PartyDeleted},
	PartyEnabled:               {PartySuspended, PartyDeleted},
	PartySuspended:             {PartyEnabled, PartyDeleted},
	PartyDeleted:               {},
}

// CanTransition reports whether the status machine permits s -> to.
// Staying in place is always permitted (idempotent updates).
func (s PartyStatus) CanTransition(to PartyStatus) bool {
	if s == to {
		return true
	}
	for _, next := range partyTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s PartyStatus) Terminal() bool { return s == PartyDeleted }

// TokenStatus is the lifecycle state of an issued access token.
type TokenStatus string

const (
	TokenPending TokenStatus = "PENDING"
	TokenActive  TokenStatus = "ACTIVE"
	TokenBlocked TokenStatus = "BLOCKED"
)

// LocalAccessInfo is a token this system issued to the counter-party.
type LocalAccessInfo struct {
	Token           string      `json:"token"`
	Status          TokenStatus `json:"status"`
	NotBefore       *time.Time  `json:"not_before,omitempty"`
	NotAfter        *time.Time  `json:"not_after,omitempty"`
	TOTPSecret      string      `json:"totp_secret,omitempty"`
	AllowDowngrades bool        `json:"allow_downgrades,omitempty"`
	IssuedAt        time.Time   `json:"issued_at"`
	// GraceUntil is set when the token has been superseded by a
	// rotation; it stays valid until this instant so an in-flight
	// counter-party is not locked out.
	GraceUntil *time.Time `json:"grace_until,omitempty"`
}

// Rotating reports whether the token is TOTP-derived.
func (l *LocalAccessInfo) Rotating() bool { return l.TOTPSecret != "" }

// EndpointsState tags the discovery state of a counter-party's
// endpoint map, so "not negotiated yet" is not a bag of nil fields.
type EndpointsState string

const (
	EndpointsNotConfigured EndpointsState = "NOT_CONFIGURED"
	EndpointsDiscovering   EndpointsState = "DISCOVERING"
	EndpointsActive        EndpointsState = "ACTIVE"
)

// RemoteEndpoints is the negotiated view of a counter-party: which
// version was selected and where each module lives. Only valid when
// State == EndpointsActive.
type RemoteEndpoints struct {
	State     EndpointsState      `json:"state"`
	Version   Version             `json:"version,omitempty"`
	Endpoints map[ModuleID]string `json:"endpoints,omitempty"`
}

// URLFor returns the endpoint for a module, "" when not negotiated.
func (r RemoteEndpoints) URLFor(m ModuleID) string {
	if r.State != EndpointsActive {
		return ""
	}
	return r.Endpoints[m]
}

// RemoteAccessInfo is the token the counter-party issued to this
// system, plus everything needed to call them.
type RemoteAccessInfo struct {
	Token           string          `json:"token"`
	VersionsURL     string          `json:"versions_url"`
	Endpoints       RemoteEndpoints `json:"endpoints"`
	NotBefore       *time.Time      `json:"not_before,omitempty"`
	NotAfter        *time.Time      `json:"not_after,omitempty"`
	AllowDowngrades bool            `json:"allow_downgrades,omitempty"`

	// Outbound transport parameters.
	RequestTimeout time.Duration `json:"request_timeout,omitempty"`
	MaxRetries     int           `json:"max_retries,omitempty"`
	TLSClientCert  string        `json:"tls_client_cert,omitempty"`
}

// RemoteParty is the aggregate root for one known counter-party.
// Version is the storage CAS counter; it is not part of the content
// hash.
type RemoteParty struct {
	RegistrationID string             `json:"registration_id"`
	Roles          []CredentialsRole  `json:"roles"`
	LocalTokens    []LocalAccessInfo  `json:"local_tokens,omitempty"`
	RemoteAccess   []RemoteAccessInfo `json:"remote_access,omitempty"`
	Status         PartyStatus        `json:"status"`
	Created        time.Time          `json:"created"`
	LastUpdated    time.Time          `json:"last_updated"`
	Version        int64              `json:"-"`
}

// Identity returns the party identity of the first role. Every role on
// one aggregate shares the same identity by construction.
func (p *RemoteParty) Identity() PartyID {
	if len(p.Roles) == 0 {
		return PartyID{}
	}
	return p.Roles[0].PartyID
}

// HasLocalAccess reports whether a usable token has been issued to the
// counter-party.
func (p *RemoteParty) HasLocalAccess() bool {
	for i := range p.LocalTokens {
		if p.LocalTokens[i].Status != TokenBlocked {
			return true
		}
	}
	return false
}

// HasRemoteAccess reports whether the counter-party has issued us a
// usable token.
func (p *RemoteParty) HasRemoteAccess() bool {
	return len(p.RemoteAccess) > 0
}

// AllowsDowngrades reports whether any role or access record on this
// party opts out of last-updated ordering protection. Deliberately
// permissive: a single opted-out role opts the whole aggregate out.
func (p *RemoteParty) AllowsDowngrades() bool {
	for i := range p.Roles {
		if p.Roles[i].AllowDowngrades {
			return true
		}
	}
	for i := range p.LocalTokens {
		if p.LocalTokens[i].AllowDowngrades {
			return true
		}
	}
	for i := range p.RemoteAccess {
		if p.RemoteAccess[i].AllowDowngrades {
			return true
		}
	}
	return false
}

// Hash is the deterministic content hash of the aggregate, used as an
// ETag for optimistic concurrency. Pure function of the serialized
// content; the CAS counter is excluded so storage bookkeeping never
// changes the observable hash.
func (p *RemoteParty) Hash() string {
	b, _ := json.Marshal(p)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Touch bumps LastUpdated; the store recomputes and persists the hash
// atomically with the mutation.
func (p *RemoteParty) Touch(now time.Time) { p.LastUpdated = now.UTC() }
