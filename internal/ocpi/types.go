// Package ocpi defines the protocol vocabulary shared by every component:
// versions, roles, party identities, module identifiers, the wire envelope
// and the error taxonomy.
package ocpi

import (
	"fmt"
	"regexp"
	"strings"
)

// Version identifies a major protocol version.
type Version string

const (
	V2_1_1 Version = "2.1.1"
	V2_2   Version = "2.2"
	V2_2_1 Version = "2.2.1"
)

// SupportedVersions lists every version this implementation speaks,
// in ascending order.
var SupportedVersions = []Version{V2_1_1, V2_2, V2_2_1}

// versionRank fixes the total order used for negotiation. Unknown
// versions rank below every known one.
var versionRank = map[Version]int{
	V2_1_1: 1,
	V2_2:   2,
	V2_2_1: 3,
}

// ParseVersion validates a version path segment.
func ParseVersion(s string) (Version, error) {
	v := Version(s)
	if _, ok := versionRank[v]; !ok {
		return "", fmt.Errorf("unsupported version %q", s)
	}
	return v, nil
}

// Rank returns the position of v in the version total order, 0 if unknown.
func (v Version) Rank() int { return versionRank[v] }

// Role is a capability a party plays on the network.
type Role string

const (
	RoleCPO  Role = "CPO"
	RoleEMSP Role = "EMSP"
)

// ParseRole accepts the role in any case, as counter-parties differ here.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(s)) {
	case RoleCPO:
		return RoleCPO, nil
	case RoleEMSP:
		return RoleEMSP, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

var (
	countryCodeRe = regexp.MustCompile(`^[A-Z]{2}$`)
	partyCodeRe   = regexp.MustCompile(`^[A-Z0-9]{3}$`)
)

// PartyID is the composite identity of a counter-party: a 2-letter
// country code plus a 3-character party code, both upper-cased.
type PartyID struct {
	CountryCode string `json:"country_code"`
	PartyCode   string `json:"party_id"`
}

// NewPartyID normalizes and validates a party identity.
func NewPartyID(countryCode, partyCode string) (PartyID, error) {
	id := PartyID{
		CountryCode: strings.ToUpper(strings.TrimSpace(countryCode)),
		PartyCode:   strings.ToUpper(strings.TrimSpace(partyCode)),
	}
	if !countryCodeRe.MatchString(id.CountryCode) {
		return PartyID{}, fmt.Errorf("invalid country code %q", countryCode)
	}
	if !partyCodeRe.MatchString(id.PartyCode) {
		return PartyID{}, fmt.Errorf("invalid party code %q", partyCode)
	}
	return id, nil
}

// IsZero reports whether the identity is unset.
func (p PartyID) IsZero() bool { return p.CountryCode == "" && p.PartyCode == "" }

// String renders the eMI3 form, e.g. "DE*ABC".
func (p PartyID) String() string { return p.CountryCode + "*" + p.PartyCode }

// ModuleID identifies a synchronized resource type.
type ModuleID string

const (
	ModuleCredentials ModuleID = "credentials"
	ModuleLocations   ModuleID = "locations"
	ModuleSessions    ModuleID = "sessions"
	ModuleCDRs        ModuleID = "cdrs"
	ModuleTariffs     ModuleID = "tariffs"
	ModuleTokens      ModuleID = "tokens"
)

// SyncModules lists the modules handled by the resource synchronizer.
// Credentials is deliberately absent: it has its own state machine.
var SyncModules = []ModuleID{ModuleLocations, ModuleSessions, ModuleCDRs, ModuleTariffs, ModuleTokens}

// ParseSyncModule validates a resource-type path segment.
func ParseSyncModule(s string) (ModuleID, error) {
	m := ModuleID(strings.ToLower(s))
	for _, known := range SyncModules {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown module %q", s)
}

// BusinessDetails describes a party for display purposes only.
type BusinessDetails struct {
	Name    string `json:"name"`
	Website string `json:"website,omitempty"`
	Logo    string `json:"logo,omitempty"`
}

// CredentialsRole binds a party identity to one role it plays, with its
// business details. AllowDowngrades opts that role out of last-updated
// ordering protection; the flag is per-role on purpose, mirroring
// counter-party implementations that negotiate it per capability.
type CredentialsRole struct {
	Role Role `json:"role"`
	PartyID
	BusinessDetails BusinessDetails `json:"business_details"`
	AllowDowngrades bool            `json:"allow_downgrades,omitempty"`
}
