// Package credentials drives the registration handshake between
// parties and owns the party registration state machine.
package credentials

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/db"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/tokens"
	"github.com/balu-dk/go-ocpi/internal/versions"
)

// LocalParty describes this system on the network: the roles it plays
// and where counter-parties discover its versions.
type LocalParty struct {
	Roles       []ocpi.CredentialsRole
	VersionsURL string
}

// Registrar manages counter-party registrations. Registration has no
// implicit timeout: a party may sit in a pre-registration state until
// an administrator or the counter-party acts.
type Registrar struct {
	store      db.Store
	tokens     *tokens.Registry
	negotiator *versions.Negotiator
	local      LocalParty
	now        func() time.Time
}

// NewRegistrar creates a registrar.
func NewRegistrar(store db.Store, reg *tokens.Registry, neg *versions.Negotiator, local LocalParty) *Registrar {
	return &Registrar{store: store, tokens: reg, negotiator: neg, local: local, now: time.Now}
}

// SetClock overrides the registrar clock. Test use only.
func (r *Registrar) SetClock(now func() time.Time) { r.now = now }

// Local returns this system's party description.
func (r *Registrar) Local() LocalParty { return r.local }

func newRegistrationID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// BeginLocalRegistration creates a party we invited: we issue it a
// token and wait for it to call back with its own credentials. The
// returned access info carries the token value to hand over out of
// band.
func (r *Registrar) BeginLocalRegistration(ctx context.Context, roles []ocpi.CredentialsRole, opts tokens.IssueOptions) (*ocpi.RemoteParty, *ocpi.LocalAccessInfo, error) {
	if len(roles) == 0 {
		return nil, nil, ocpi.MalformedErr("at least one role is required", nil)
	}
	identity := roles[0].PartyID
	for _, role := range roles {
		if role.PartyID != identity {
			return nil, nil, ocpi.MalformedErr("all roles must share one party identity", nil)
		}
	}
	if existing, err := r.store.FindPartyByIdentity(ctx, identity); err == nil && existing.Status != ocpi.PartyDeleted {
		return nil, nil, ocpi.ConflictErr(fmt.Sprintf("party %s already registered", identity))
	}

	now := r.now().UTC()
	party := &ocpi.RemoteParty{
		RegistrationID: newRegistrationID(),
		Roles:          roles,
		Status:         ocpi.PartyPreRegistration,
		Created:        now,
		LastUpdated:    now,
	}
	if err := r.store.PutParty(ctx, party); err != nil {
		return nil, nil, err
	}
	info, err := r.tokens.Issue(ctx, party.RegistrationID, opts)
	if err != nil {
		return nil, nil, err
	}
	party, err = r.transition(ctx, party.RegistrationID, ocpi.PartyPreRemoteRegistration)
	if err != nil {
		return nil, nil, err
	}
	logrus.WithFields(logrus.Fields{
		"registrationID": party.RegistrationID,
		"party":          identity.String(),
	}).Info("Began local registration")
	return party, info, nil
}

// BeginRemoteRegistration creates a party that invited us: it issued
// us a token and told us its versions URL. The caller follows up with
// an outbound handshake (client.Handshake) to exchange credentials.
// The party identity is unknown until that handshake completes.
func (r *Registrar) BeginRemoteRegistration(ctx context.Context, versionsURL, theirToken string) (*ocpi.RemoteParty, error) {
	if versionsURL == "" || theirToken == "" {
		return nil, ocpi.MalformedErr("versions url and token are required", nil)
	}
	now := r.now().UTC()
	party := &ocpi.RemoteParty{
		RegistrationID: newRegistrationID(),
		Status:         ocpi.PartyPreRegistration,
		Created:        now,
		LastUpdated:    now,
		RemoteAccess: []ocpi.RemoteAccessInfo{{
			Token:       theirToken,
			VersionsURL: versionsURL,
			Endpoints:   ocpi.RemoteEndpoints{State: ocpi.EndpointsNotConfigured},
		}},
	}
	if err := r.store.PutParty(ctx, party); err != nil {
		return nil, err
	}
	party, err := r.transition(ctx, party.RegistrationID, ocpi.PartyPreLocalRegistration)
	if err != nil {
		return nil, err
	}
	logrus.WithField("registrationID", party.RegistrationID).Info("Began remote registration")
	return party, nil
}

// OurCredentials builds the credentials object we present to a
// counter-party, carrying the given token we issued it.
func (r *Registrar) OurCredentials(token string) ocpi.Credentials {
	return ocpi.Credentials{
		Token:       token,
		URL:         r.local.VersionsURL,
		Roles:       r.local.Roles,
		LastUpdated: r.now().UTC(),
	}
}

// HandleCredentialsGet serves GET /credentials: our roles plus the
// caller's current token. For rotating tokens this is the code valid
// at the time of the call.
func (r *Registrar) HandleCredentialsGet(ctx context.Context, caller *ocpi.RemoteParty) (ocpi.Credentials, error) {
	token, err := r.tokens.CurrentToken(caller)
	if err != nil {
		return ocpi.Credentials{}, err
	}
	return r.OurCredentials(token), nil
}

// HandleCredentialsUpdate serves POST and PUT /credentials: the
// counter-party presents its token for us, its versions URL and its
// roles. A POST while already ENABLED is treated as a credentials
// update (token rotation), not an error; some implementations are
// known to resend registration non-idempotently. A credentials payload
// carrying an earlier last_updated than the stored record is rejected
// with a registration conflict unless the party allows downgrades.
func (r *Registrar) HandleCredentialsUpdate(ctx context.Context, caller *ocpi.RemoteParty, req ocpi.Credentials) (ocpi.Credentials, error) {
	if caller.Status == ocpi.PartyDeleted || caller.Status == ocpi.PartySuspended {
		return ocpi.Credentials{}, ocpi.NotAllowedErr(fmt.Sprintf("party is %s", caller.Status))
	}
	if req.Token == "" || req.URL == "" || len(req.Roles) == 0 {
		return ocpi.Credentials{}, ocpi.MalformedErr("credentials require token, url and roles", nil)
	}
	identity := req.Roles[0].PartyID
	for _, role := range req.Roles {
		if role.PartyID != identity {
			return ocpi.Credentials{}, ocpi.MalformedErr("all roles must share one party identity", nil)
		}
	}
	if !req.LastUpdated.IsZero() && req.LastUpdated.Before(caller.LastUpdated) && !allowsCredentialDowngrade(caller, req) {
		return ocpi.Credentials{}, ocpi.ConflictErr(fmt.Sprintf(
			"credentials update at %s is older than stored record at %s",
			req.LastUpdated.Format(time.RFC3339), caller.LastUpdated.Format(time.RFC3339)))
	}

	// Discover their endpoints before touching the directory; no lock
	// is held across this network round trip.
	endpoints, err := r.negotiator.Negotiate(ctx, req.URL, req.Token)
	if err != nil {
		return ocpi.Credentials{}, err
	}

	updated, err := db.UpdateParty(ctx, r.store, caller.RegistrationID, func(p *ocpi.RemoteParty) error {
		if p.Status == ocpi.PartyDeleted || p.Status == ocpi.PartySuspended {
			return ocpi.NotAllowedErr(fmt.Sprintf("party is %s", p.Status))
		}
		p.Roles = req.Roles
		access := ocpi.RemoteAccessInfo{
			Token:       req.Token,
			VersionsURL: req.URL,
			Endpoints:   endpoints,
		}
		if len(p.RemoteAccess) > 0 {
			access.RequestTimeout = p.RemoteAccess[0].RequestTimeout
			access.MaxRetries = p.RemoteAccess[0].MaxRetries
			access.TLSClientCert = p.RemoteAccess[0].TLSClientCert
			access.AllowDowngrades = p.RemoteAccess[0].AllowDowngrades
			p.RemoteAccess[0] = access
		} else {
			p.RemoteAccess = []ocpi.RemoteAccessInfo{access}
		}
		if p.HasLocalAccess() && p.HasRemoteAccess() && p.Status != ocpi.PartyEnabled {
			if !p.Status.CanTransition(ocpi.PartyEnabled) {
				return ocpi.NotAllowedErr(fmt.Sprintf("cannot enable party in state %s", p.Status))
			}
			p.Status = ocpi.PartyEnabled
		}
		p.Touch(r.now())
		return nil
	})
	if err != nil {
		return ocpi.Credentials{}, err
	}

	// Issue (or rotate) the token they use to call us. Rotation keeps
	// the presented token valid through the grace window, so the
	// response is deliverable.
	var ourToken *ocpi.LocalAccessInfo
	if updated.HasLocalAccess() {
		ourToken, err = r.tokens.Rotate(ctx, updated.RegistrationID)
	} else {
		ourToken, err = r.tokens.Issue(ctx, updated.RegistrationID, tokens.IssueOptions{})
	}
	if err != nil {
		return ocpi.Credentials{}, err
	}
	if err := r.completeRegistration(ctx, updated.RegistrationID); err != nil {
		return ocpi.Credentials{}, err
	}
	logrus.WithFields(logrus.Fields{
		"registrationID": updated.RegistrationID,
		"party":          identity.String(),
	}).Info("Processed credentials update")
	return r.OurCredentials(ourToken.Token), nil
}

// HandleCredentialsDelete serves DELETE /credentials: the counter-party
// unregisters. Terminal; all its tokens are revoked before returning.
func (r *Registrar) HandleCredentialsDelete(ctx context.Context, caller *ocpi.RemoteParty) error {
	return r.Delete(ctx, caller.RegistrationID)
}

// FinalizeHandshake stores the counter-party's response to our
// outbound credentials POST: its roles, the token it issued us and its
// negotiated endpoints. Completes the registration.
func (r *Registrar) FinalizeHandshake(ctx context.Context, registrationID string, theirCreds ocpi.Credentials, endpoints ocpi.RemoteEndpoints) (*ocpi.RemoteParty, error) {
	if theirCreds.Token == "" || len(theirCreds.Roles) == 0 {
		return nil, ocpi.MalformedErr("handshake response missing token or roles", nil)
	}
	_, err := db.UpdateParty(ctx, r.store, registrationID, func(p *ocpi.RemoteParty) error {
		if p.Status.Terminal() {
			return ocpi.NotAllowedErr("party is deleted")
		}
		p.Roles = theirCreds.Roles
		if len(p.RemoteAccess) == 0 {
			p.RemoteAccess = []ocpi.RemoteAccessInfo{{}}
		}
		p.RemoteAccess[0].Token = theirCreds.Token
		if theirCreds.URL != "" {
			p.RemoteAccess[0].VersionsURL = theirCreds.URL
		}
		p.RemoteAccess[0].Endpoints = endpoints
		if p.HasLocalAccess() && p.HasRemoteAccess() && p.Status != ocpi.PartyEnabled {
			if !p.Status.CanTransition(ocpi.PartyEnabled) {
				return ocpi.NotAllowedErr(fmt.Sprintf("cannot enable party in state %s", p.Status))
			}
			p.Status = ocpi.PartyEnabled
		}
		p.Touch(r.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := r.completeRegistration(ctx, registrationID); err != nil {
		return nil, err
	}
	return r.store.GetParty(ctx, registrationID)
}

// completeRegistration promotes pending tokens once the party is
// ENABLED. Idempotent.
func (r *Registrar) completeRegistration(ctx context.Context, registrationID string) error {
	p, err := r.store.GetParty(ctx, registrationID)
	if err != nil {
		return err
	}
	if p.Status != ocpi.PartyEnabled {
		return nil
	}
	return r.tokens.Activate(ctx, registrationID)
}

// Suspend is administrative: an ENABLED party stops being served.
func (r *Registrar) Suspend(ctx context.Context, registrationID string) (*ocpi.RemoteParty, error) {
	return r.transition(ctx, registrationID, ocpi.PartySuspended)
}

// Resume re-enables a suspended party.
func (r *Registrar) Resume(ctx context.Context, registrationID string) (*ocpi.RemoteParty, error) {
	return r.transition(ctx, registrationID, ocpi.PartyEnabled)
}

// Delete is terminal. Every token issued to the party is revoked
// synchronously before the status flips, closing the window where a
// deleted party's old token still authenticates.
func (r *Registrar) Delete(ctx context.Context, registrationID string) error {
	if err := r.tokens.RevokeAll(ctx, registrationID); err != nil {
		return err
	}
	_, err := r.transition(ctx, registrationID, ocpi.PartyDeleted)
	if err != nil {
		return err
	}
	logrus.WithField("registrationID", registrationID).Info("Deleted party")
	return nil
}

func (r *Registrar) transition(ctx context.Context, registrationID string, to ocpi.PartyStatus) (*ocpi.RemoteParty, error) {
	return db.UpdateParty(ctx, r.store, registrationID, func(p *ocpi.RemoteParty) error {
		if p.Status == to {
			return nil
		}
		if !p.Status.CanTransition(to) {
			return ocpi.NotAllowedErr(fmt.Sprintf("cannot transition from %s to %s", p.Status, to))
		}
		p.Status = to
		p.Touch(r.now())
		return nil
	})
}

func allowsCredentialDowngrade(caller *ocpi.RemoteParty, req ocpi.Credentials) bool {
	if caller.AllowsDowngrades() {
		return true
	}
	for _, role := range req.Roles {
		if role.AllowDowngrades {
			return true
		}
	}
	return false
}
