// Package db provides the durable store behind the party directory and
// the resource synchronizer: keyed records with per-key compare-and-swap,
// implemented in memory (tests, development) and on PostgreSQL.
package db

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

var (
	// ErrNotFound is returned when no record exists for the key.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a compare-and-swap loses the
	// race; callers reload and retry.
	ErrVersionConflict = errors.New("version conflict")
	// ErrDuplicate is returned when inserting over an existing key.
	ErrDuplicate = errors.New("already exists")
)

// Cursor is a keyset pagination position: everything strictly after
// (After, AfterID) in (last_updated, id) order.
type Cursor struct {
	After   time.Time `json:"a"`
	AfterID string    `json:"i"`
}

// EncodeCursor renders a cursor in the opaque wire form clients resume
// with. The encoding is part of the protocol contract: a resumed pull
// must never skip or duplicate a resource.
func EncodeCursor(c Cursor) string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses the opaque wire form.
func DecodeCursor(s string) (Cursor, error) {
	var c Cursor
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, err
	}
	return c, nil
}

// EnvelopeQuery filters and pages an envelope listing. From is
// exclusive, To is inclusive-exclusive per the wire contract
// (last_updated > From, last_updated < To).
type EnvelopeQuery struct {
	From   *time.Time
	To     *time.Time
	Cursor *Cursor
	Limit  int
	// ExcludeDeleted drops tombstones from both the page and the total
	// count, so pagination headers stay consistent with the data.
	ExcludeDeleted bool
}

// DeadLetter is an outbound push that exhausted its retries and awaits
// administrative replay. Losing it is not an acceptable failure mode.
type DeadLetter struct {
	ID             string        `json:"id"`
	RegistrationID string        `json:"registration_id"`
	Envelope       ocpi.Envelope `json:"envelope"`
	Attempts       int           `json:"attempts"`
	LastError      string        `json:"last_error"`
	QueuedAt       time.Time     `json:"queued_at"`
}

// Store is the persistence contract the core depends on. All Put
// operations are compare-and-swap on the record's version counter:
// version 0 means "insert, must not exist"; any other value must match
// the stored version or ErrVersionConflict is returned. The store
// persists the party content hash atomically with the mutation, so a
// reader never observes advanced state with a stale hash.
type Store interface {
	GetParty(ctx context.Context, registrationID string) (*ocpi.RemoteParty, error)
	FindPartyByIdentity(ctx context.Context, id ocpi.PartyID) (*ocpi.RemoteParty, error)
	ListParties(ctx context.Context) ([]*ocpi.RemoteParty, error)
	PutParty(ctx context.Context, p *ocpi.RemoteParty) error

	GetEnvelope(ctx context.Context, owner ocpi.PartyID, module ocpi.ModuleID, id string) (*ocpi.Envelope, error)
	PutEnvelope(ctx context.Context, env *ocpi.Envelope) error
	// ListEnvelopes returns matching envelopes in ascending
	// (last_updated, id) order plus the total match count ignoring
	// cursor and limit.
	ListEnvelopes(ctx context.Context, owner ocpi.PartyID, module ocpi.ModuleID, q EnvelopeQuery) ([]*ocpi.Envelope, int, error)

	EnqueueDeadLetter(ctx context.Context, d *DeadLetter) error
	ListDeadLetters(ctx context.Context) ([]*DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id string) error

	Close()
}
