// Package tokens implements the access-token registry: issuing,
// rotating, revoking and authenticating the opaque bearer tokens
// exchanged between parties, including TOTP-derived rotating tokens.
package tokens

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/db"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

const (
	// DefaultGrace keeps a rotated-out token valid long enough for a
	// counter-party that has not observed the rotation yet.
	DefaultGrace = 5 * time.Minute

	// totpPeriod is the rotation step for TOTP-derived tokens. Far
	// longer than authenticator-app TOTP: these are machine tokens and
	// the skew window must absorb real-world clock drift.
	totpPeriod = 300

	totpDigits = otp.DigitsEight
)

// Registry issues and validates access tokens. It is constructed at
// startup and injected; token state lives on the RemoteParty aggregate
// so every mutation is CAS-atomic with the party's content hash.
type Registry struct {
	store db.Store
	grace time.Duration
	now   func() time.Time
}

// NewRegistry creates a token registry over the given store.
func NewRegistry(store db.Store, grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Registry{store: store, grace: grace, now: time.Now}
}

// SetClock overrides the registry clock. Test use only.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// IssueOptions controls Issue.
type IssueOptions struct {
	NotBefore       *time.Time
	NotAfter        *time.Time
	Rotating        bool // derive bearer values from a TOTP seed
	AllowDowngrades bool
}

// Issue generates a new token for the party and appends it to the
// aggregate. Tokens issued before the party is ENABLED start PENDING;
// pending tokens authenticate (the counter-party needs one to complete
// the handshake) and are promoted on registration completion.
func (r *Registry) Issue(ctx context.Context, registrationID string, opts IssueOptions) (*ocpi.LocalAccessInfo, error) {
	now := r.now().UTC()
	info := ocpi.LocalAccessInfo{
		Status:          ocpi.TokenPending,
		NotBefore:       opts.NotBefore,
		NotAfter:        opts.NotAfter,
		AllowDowngrades: opts.AllowDowngrades,
		IssuedAt:        now,
	}
	if opts.Rotating {
		key, err := totp.Generate(totp.GenerateOpts{
			Issuer:      "go-ocpi",
			AccountName: registrationID,
			Period:      totpPeriod,
			Digits:      totpDigits,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to generate totp seed: %w", err)
		}
		info.TOTPSecret = key.Secret()
	} else {
		token, err := generateToken()
		if err != nil {
			return nil, err
		}
		info.Token = token
	}

	updated, err := db.UpdateParty(ctx, r.store, registrationID, func(p *ocpi.RemoteParty) error {
		if p.Status == ocpi.PartyDeleted {
			return ocpi.NotAllowedErr("party is deleted")
		}
		rec := info
		if p.Status == ocpi.PartyEnabled {
			rec.Status = ocpi.TokenActive
		}
		p.LocalTokens = append(p.LocalTokens, rec)
		p.Touch(r.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	final := updated.LocalTokens[len(updated.LocalTokens)-1]
	logrus.WithFields(logrus.Fields{
		"registrationID": registrationID,
		"rotating":       opts.Rotating,
	}).Info("Issued access token")
	return &final, nil
}

// Rotate issues a replacement token and puts every currently valid
// static token into its grace window. Until the window expires both
// old and new values authenticate, so an in-flight counter-party is
// never locked out by the rotation.
func (r *Registry) Rotate(ctx context.Context, registrationID string) (*ocpi.LocalAccessInfo, error) {
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	graceUntil := now.Add(r.grace)

	updated, err := db.UpdateParty(ctx, r.store, registrationID, func(p *ocpi.RemoteParty) error {
		if p.Status == ocpi.PartyDeleted {
			return ocpi.NotAllowedErr("party is deleted")
		}
		var inherited ocpi.LocalAccessInfo
		for i := range p.LocalTokens {
			t := &p.LocalTokens[i]
			if t.Status == ocpi.TokenBlocked || t.Rotating() || t.GraceUntil != nil {
				continue
			}
			until := graceUntil
			t.GraceUntil = &until
			inherited = *t
		}
		p.LocalTokens = append(p.LocalTokens, ocpi.LocalAccessInfo{
			Token:           token,
			Status:          ocpi.TokenActive,
			NotBefore:       inherited.NotBefore,
			NotAfter:        inherited.NotAfter,
			AllowDowngrades: inherited.AllowDowngrades,
			IssuedAt:        now,
		})
		p.Touch(r.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	final := updated.LocalTokens[len(updated.LocalTokens)-1]
	logrus.WithField("registrationID", registrationID).Info("Rotated access token")
	return &final, nil
}

// RevokeAll blocks every token of the party. Called synchronously by
// party deletion so a deleted party's old token never authenticates
// after the delete returns.
func (r *Registry) RevokeAll(ctx context.Context, registrationID string) error {
	_, err := db.UpdateParty(ctx, r.store, registrationID, func(p *ocpi.RemoteParty) error {
		for i := range p.LocalTokens {
			p.LocalTokens[i].Status = ocpi.TokenBlocked
		}
		p.Touch(r.now())
		return nil
	})
	if err != nil {
		return err
	}
	logrus.WithField("registrationID", registrationID).Info("Revoked all access tokens")
	return nil
}

// Activate promotes every pending token to active. Invoked when the
// registration handshake completes.
func (r *Registry) Activate(ctx context.Context, registrationID string) error {
	_, err := db.UpdateParty(ctx, r.store, registrationID, func(p *ocpi.RemoteParty) error {
		for i := range p.LocalTokens {
			if p.LocalTokens[i].Status == ocpi.TokenPending {
				p.LocalTokens[i].Status = ocpi.TokenActive
			}
		}
		return nil
	})
	return err
}

// Authenticate resolves a presented bearer token to the party it
// authenticates. Failures are distinguished: Unknown, Expired,
// NotYetValid and Blocked map to distinct wire statuses, never a
// generic unauthorized. Tokens of suspended and deleted parties are
// treated as blocked.
func (r *Registry) Authenticate(ctx context.Context, presented string) (*ocpi.RemoteParty, error) {
	if presented == "" {
		return nil, ocpi.AuthErr(ocpi.AuthUnknown)
	}
	parties, err := r.store.ListParties(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()

	for _, p := range parties {
		for i := range p.LocalTokens {
			t := &p.LocalTokens[i]
			if !r.matches(t, presented, now) {
				continue
			}
			if t.Status == ocpi.TokenBlocked || p.Status == ocpi.PartyDeleted || p.Status == ocpi.PartySuspended {
				return nil, ocpi.AuthErr(ocpi.AuthBlocked)
			}
			if t.NotBefore != nil && now.Before(*t.NotBefore) {
				return nil, ocpi.AuthErr(ocpi.AuthNotYetValid)
			}
			if t.NotAfter != nil && now.After(*t.NotAfter) {
				return nil, ocpi.AuthErr(ocpi.AuthExpired)
			}
			if t.GraceUntil != nil && now.After(*t.GraceUntil) {
				return nil, ocpi.AuthErr(ocpi.AuthExpired)
			}
			return p, nil
		}
	}
	return nil, ocpi.AuthErr(ocpi.AuthUnknown)
}

// CurrentToken returns the value the party should present right now:
// the newest usable static token, or the code currently derived from a
// rotating token's seed.
func (r *Registry) CurrentToken(p *ocpi.RemoteParty) (string, error) {
	now := r.now().UTC()
	for i := len(p.LocalTokens) - 1; i >= 0; i-- {
		t := p.LocalTokens[i]
		if t.Status == ocpi.TokenBlocked || t.GraceUntil != nil {
			continue
		}
		if t.Rotating() {
			code, err := totp.GenerateCodeCustom(t.TOTPSecret, now, totp.ValidateOpts{
				Period:    totpPeriod,
				Digits:    totpDigits,
				Algorithm: otp.AlgorithmSHA1,
			})
			if err != nil {
				return "", fmt.Errorf("failed to derive rotating token: %w", err)
			}
			return code, nil
		}
		if t.Token != "" {
			return t.Token, nil
		}
	}
	return "", ocpi.NotAllowedErr("no token issued to caller")
}

// matches checks the presented value against one token record. Static
// tokens are compared in constant time; rotating tokens validate the
// TOTP value for the current step and one step either side to tolerate
// clock skew.
func (r *Registry) matches(t *ocpi.LocalAccessInfo, presented string, now time.Time) bool {
	if t.Rotating() {
		ok, err := totp.ValidateCustom(presented, t.TOTPSecret, now, totp.ValidateOpts{
			Period:    totpPeriod,
			Skew:      1,
			Digits:    totpDigits,
			Algorithm: otp.AlgorithmSHA1,
		})
		return err == nil && ok
	}
	if t.Token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(t.Token), []byte(presented)) == 1
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
